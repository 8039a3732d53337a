// Package lewi implements the coordinator state machine: the four CPU
// transfer operations (Lend, Reclaim, Acquire, Borrow) plus Reset and
// Finalize, all mutating a shmregion.Region under its lock and returning
// the list of peer fulfilments the caller must dispatch through
// internal/notify.
package lewi

import (
	"math"

	"go.uber.org/zap"

	"github.com/cpucoord/lewi/internal/lewierr"
	"github.com/cpucoord/lewi/internal/reqqueue"
	"github.com/cpucoord/lewi/internal/shmregion"
)

// Sentinel request sizes recognized by Acquire.
const (
	// MaxRequest means "give me everything available and queue the rest":
	// the request never fully resolves, so it stays in the queue until
	// explicitly withdrawn with DeleteRequests.
	MaxRequest uint32 = math.MaxUint32 - 1
	// DeleteRequests withdraws the caller's pending request, if any.
	DeleteRequests uint32 = math.MaxUint32
)

// Fulfilment is delivered to a peer: "your new current count is NewTotal."
type Fulfilment struct {
	PID      int32
	NewTotal uint32
}

// Coordinator operates the state machine over one shared region.
type Coordinator struct {
	region *shmregion.Region
	log    *zap.Logger
}

// New wraps region with the coordinator operations. log may be nil.
func New(region *shmregion.Region, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{region: region, log: log.Named("lewi")}
}

// Init registers pid with ncpus as both its initial and current share.
// Stale-pid cleanup runs once per process on shmregion.Attach, not here;
// see shmregion's open protocol.
func (c *Coordinator) Init(pid int32, ncpus uint32) (lewierr.Code, error) {
	region := c.region
	if err := region.Lock(); err != nil {
		return lewierr.Unknown, err
	}
	defer region.Unlock()

	if region.FindProcess(pid) != nil {
		return lewierr.Init, nil
	}
	if err := region.Register(pid, ncpus); err != nil {
		return lewierr.NoMemory, nil
	}
	return lewierr.Success, nil
}

// Finalize restores pid toward its initial share (lending any excess,
// reclaiming any deficit), zeroes its row, and returns the fulfilments
// that resulted, truncated to maxFulfilments. Overflow beyond that bound
// is silently forgiven: the departing process's peers get made whole by
// their own next Reset instead.
func (c *Coordinator) Finalize(pid int32, maxFulfilments int) (lewierr.Code, []Fulfilment, error) {
	region := c.region
	if err := region.Lock(); err != nil {
		return lewierr.Unknown, nil, err
	}
	defer region.Unlock()

	p := region.FindProcess(pid)
	if p == nil {
		return lewierr.NoProcess, nil, nil
	}

	var fulfilments []Fulfilment
	switch {
	case p.CurrentNCPUs > p.InitialNCPUs:
		fulfilments, _ = c.lendLocked(p, p.CurrentNCPUs-p.InitialNCPUs)
	case p.CurrentNCPUs < p.InitialNCPUs:
		fulfilments, _ = c.reclaimDeficitLocked(p, p.InitialNCPUs-p.CurrentNCPUs)
	default:
		region.Requests().Remove(pid)
	}

	if len(fulfilments) > maxFulfilments {
		fulfilments = fulfilments[:maxFulfilments]
	}

	region.Unregister(pid)
	return lewierr.Success, fulfilments, nil
}

// Lend reduces pid's current share by n, satisfying queued requests from
// the released CPUs before parking any remainder as idle. It returns the
// prevRequested bookkeeping value the facade carries into a later Reclaim.
func (c *Coordinator) Lend(pid int32, n uint32) (lewierr.Code, []Fulfilment, uint32, error) {
	region := c.region
	if err := region.Lock(); err != nil {
		return lewierr.Unknown, nil, 0, err
	}
	defer region.Unlock()

	p := region.FindProcess(pid)
	if p == nil {
		return lewierr.NoProcess, nil, 0, nil
	}
	if n > p.CurrentNCPUs {
		return lewierr.NotPermitted, nil, 0, nil
	}
	if n == 0 {
		return lewierr.NoUpdate, nil, 0, nil
	}

	fulfilments, prevRequested := c.lendLocked(p, n)
	return lewierr.Success, fulfilments, prevRequested, nil
}

// LendKeep is Lend expressed as the count to retain rather than to give up.
func (c *Coordinator) LendKeep(pid int32, targetCount uint32) (lewierr.Code, []Fulfilment, uint32, error) {
	region := c.region
	if err := region.Lock(); err != nil {
		return lewierr.Unknown, nil, 0, err
	}
	defer region.Unlock()

	p := region.FindProcess(pid)
	if p == nil {
		return lewierr.NoProcess, nil, 0, nil
	}
	if targetCount > p.CurrentNCPUs {
		return lewierr.NotPermitted, nil, 0, nil
	}
	if targetCount == p.CurrentNCPUs {
		return lewierr.NoUpdate, nil, 0, nil
	}

	fulfilments, prevRequested := c.lendLocked(p, p.CurrentNCPUs-targetCount)
	return lewierr.Success, fulfilments, prevRequested, nil
}

// Reclaim restores pid toward its initial share (idle first, then even
// stealing), then, only when that deficit existed at all, additionally
// tries to satisfy prevRequested from idle, pushing any remainder back
// into the queue under pid. If pid already holds at least its initial
// share, prevRequested is dropped rather than drawn from or requeued,
// matching shmem_lewi_async.c's reclaim: the whole prevRequested handling
// lives inside the "below initial" branch there too.
func (c *Coordinator) Reclaim(pid int32, prevRequested uint32) (lewierr.Code, []Fulfilment, error) {
	region := c.region
	if err := region.Lock(); err != nil {
		return lewierr.Unknown, nil, err
	}
	defer region.Unlock()

	p := region.FindProcess(pid)
	if p == nil {
		return lewierr.NoProcess, nil, nil
	}

	if p.CurrentNCPUs >= p.InitialNCPUs {
		return lewierr.NoUpdate, nil, nil
	}

	fulfilments, covered := c.reclaimDeficitLocked(p, p.InitialNCPUs-p.CurrentNCPUs)
	code := lewierr.Success
	if !covered {
		code = lewierr.Capacity
	}

	if prevRequested > 0 {
		fromIdle := region.IdleCPUs()
		if fromIdle > prevRequested {
			fromIdle = prevRequested
		}
		p.CurrentNCPUs += fromIdle
		region.AddIdleCPUs(-int64(fromIdle))
		if remainder := prevRequested - fromIdle; remainder > 0 {
			region.Requests().Push(pid, remainder)
		}
	}

	return code, fulfilments, nil
}

// Acquire tries to grow pid's current share by n: idle first, then even
// stealing if pid is still below its initial share, then queues whatever
// is left under the NOTED code. n may be the MaxRequest or DeleteRequests
// sentinel.
func (c *Coordinator) Acquire(pid int32, n uint32) (lewierr.Code, []Fulfilment, error) {
	region := c.region
	if err := region.Lock(); err != nil {
		return lewierr.Unknown, nil, err
	}
	defer region.Unlock()

	p := region.FindProcess(pid)
	if p == nil {
		return lewierr.NoProcess, nil, nil
	}
	if n == 0 {
		return lewierr.Success, nil, nil
	}
	if n == DeleteRequests {
		region.Requests().Remove(pid)
		return lewierr.Success, nil, nil
	}

	// insatiable only changes how want is capped below: it is never fully
	// satisfiable, so it always ends up queued, but it still borrows idle
	// and reclaims its own deficit via even stealing exactly like an
	// ordinary large request — the original never special-cases this at
	// the shmem layer either.
	insatiable := n == MaxRequest
	want := n

	fromIdle := region.IdleCPUs()
	if !insatiable && fromIdle > want {
		fromIdle = want
	}
	p.CurrentNCPUs += fromIdle
	region.AddIdleCPUs(-int64(fromIdle))
	want -= fromIdle

	var fulfilments []Fulfilment
	if want > 0 && p.CurrentNCPUs < p.InitialNCPUs {
		deficit := p.InitialNCPUs - p.CurrentNCPUs
		if !insatiable && deficit > want {
			deficit = want
		}
		if stolen, ok := c.evenSteal(pid, deficit); ok {
			fulfilments = stolen
			want -= deficit
		}
	}

	if want > 0 {
		region.Requests().Push(pid, want)
		return lewierr.Noted, fulfilments, nil
	}
	return lewierr.Success, fulfilments, nil
}

// CurrentNCPUs returns pid's live current share, used by the facade to
// learn its own new total after an operation and by Poll in polling mode.
func (c *Coordinator) CurrentNCPUs(pid int32) (uint32, error) {
	region := c.region
	if err := region.Lock(); err != nil {
		return 0, err
	}
	defer region.Unlock()

	p := region.FindProcess(pid)
	if p == nil {
		return 0, lewierr.ErrNoProcess
	}
	return p.CurrentNCPUs, nil
}

// Borrow takes up to min(idle, n) from the idle pool only; it never steals
// and never queues a shortfall.
func (c *Coordinator) Borrow(pid int32, n uint32) (lewierr.Code, error) {
	region := c.region
	if err := region.Lock(); err != nil {
		return lewierr.Unknown, err
	}
	defer region.Unlock()

	p := region.FindProcess(pid)
	if p == nil {
		return lewierr.NoProcess, nil
	}
	if n == 0 {
		return lewierr.Success, nil
	}

	idle := region.IdleCPUs()
	if idle == 0 {
		return lewierr.NoUpdate, nil
	}
	take := n
	if take > idle {
		take = idle
	}
	p.CurrentNCPUs += take
	region.AddIdleCPUs(-int64(take))
	return lewierr.Success, nil
}

// Reset idempotently restores pid to its initial share: lending the excess
// if it holds more, reclaiming the deficit if it holds less, or just
// dropping its queue entry if it already matches. The returned uint32 is
// the prevRequested bookkeeping value the lend branch produces, or the
// amount of the dropped queue entry when pid already holds its initial
// share; it is zero after a reclaim.
func (c *Coordinator) Reset(pid int32) (lewierr.Code, []Fulfilment, uint32, error) {
	region := c.region
	if err := region.Lock(); err != nil {
		return lewierr.Unknown, nil, 0, err
	}
	defer region.Unlock()

	p := region.FindProcess(pid)
	if p == nil {
		return lewierr.NoProcess, nil, 0, nil
	}

	switch {
	case p.CurrentNCPUs > p.InitialNCPUs:
		fulfilments, prevRequested := c.lendLocked(p, p.CurrentNCPUs-p.InitialNCPUs)
		return lewierr.Success, fulfilments, prevRequested, nil
	case p.CurrentNCPUs < p.InitialNCPUs:
		fulfilments, covered := c.reclaimDeficitLocked(p, p.InitialNCPUs-p.CurrentNCPUs)
		code := lewierr.Success
		if !covered {
			code = lewierr.Capacity
		}
		return code, fulfilments, 0, nil
	default:
		removed := region.Requests().Remove(pid)
		return lewierr.NoUpdate, nil, removed, nil
	}
}

// lendLocked implements the Lend body shared by Lend, LendKeep, Reset, and
// Finalize's excess branch. Caller holds the region lock and has already
// validated n <= p.CurrentNCPUs.
func (c *Coordinator) lendLocked(p *shmregion.ProcessRecord, n uint32) ([]Fulfilment, uint32) {
	region := c.region

	excess := uint32(0)
	if p.CurrentNCPUs > p.InitialNCPUs {
		excess = p.CurrentNCPUs - p.InitialNCPUs
		if excess > n {
			excess = n
		}
	}
	prevRequested := excess + region.Requests().Remove(p.PID)

	p.CurrentNCPUs -= n
	leftover, grants := region.Requests().PopNCPUs(n, int(region.Capacity()))

	fulfilments := make([]Fulfilment, 0, len(grants))
	for _, g := range grants {
		target := region.FindProcess(g.PID)
		target.CurrentNCPUs += g.HowMany
		fulfilments = append(fulfilments, Fulfilment{PID: g.PID, NewTotal: target.CurrentNCPUs})
	}
	region.AddIdleCPUs(int64(leftover))

	return fulfilments, prevRequested
}

// reclaimDeficitLocked restores up to deficit CPUs to p's current share:
// idle first, then even stealing for the rest. covered is false if the
// idle pool plus every peer's surplus together couldn't cover deficit, in
// which case the caller stays short by whatever even stealing refused.
func (c *Coordinator) reclaimDeficitLocked(p *shmregion.ProcessRecord, deficit uint32) (fulfilments []Fulfilment, covered bool) {
	region := c.region

	fromIdle := region.IdleCPUs()
	if fromIdle > deficit {
		fromIdle = deficit
	}
	p.CurrentNCPUs += fromIdle
	region.AddIdleCPUs(-int64(fromIdle))
	deficit -= fromIdle

	if deficit == 0 {
		return nil, true
	}
	return c.evenSteal(p.PID, deficit)
}

// evenSteal covers a deficit of k CPUs for requesterPID by proportionally
// taking surplus from every other live process, using pop_ncpus over a
// throwaway victim queue so the loss is spread evenly rather than from a
// single peer. Each victim gets a reciprocal request recorded in the main
// queue so a later Lend flows preferentially back to it. Fails without
// mutating anything if the combined surplus can't cover k.
func (c *Coordinator) evenSteal(requesterPID int32, k uint32) (fulfilments []Fulfilment, ok bool) {
	region := c.region

	var victims reqqueue.Queue
	var totalSurplus uint32
	region.ForEachProcess(func(p *shmregion.ProcessRecord) {
		if p.PID == requesterPID {
			return
		}
		if p.CurrentNCPUs > p.InitialNCPUs {
			surplus := p.CurrentNCPUs - p.InitialNCPUs
			victims.Push(p.PID, surplus)
			totalSurplus += surplus
		}
	})
	if totalSurplus < k {
		return nil, false
	}

	leftover, grants := victims.PopNCPUs(k, int(region.Capacity()))
	if leftover != 0 {
		return nil, false
	}

	fulfilments = make([]Fulfilment, 0, len(grants))
	for _, g := range grants {
		victim := region.FindProcess(g.PID)
		victim.CurrentNCPUs -= g.HowMany
		region.Requests().Push(g.PID, g.HowMany)
		fulfilments = append(fulfilments, Fulfilment{PID: g.PID, NewTotal: victim.CurrentNCPUs})
	}

	requester := region.FindProcess(requesterPID)
	requester.CurrentNCPUs += k

	return fulfilments, true
}
