package lewi

import (
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cpucoord/lewi/internal/config"
	coord "github.com/cpucoord/lewi/internal/lewi"
	"github.com/cpucoord/lewi/internal/lewierr"
	"github.com/cpucoord/lewi/internal/notify"
	"github.com/cpucoord/lewi/internal/shmregion"
)

// Sentinel request sizes accepted by Acquire/AcquireCPUs, re-exported from
// the coordinator package so callers never import internal/lewi directly.
const (
	MaxRequest     = coord.MaxRequest
	DeleteRequests = coord.DeleteRequests
)

// Code is the error taxonomy surfaced by every operation.
type Code = lewierr.Code

// Re-exported codes, matching spec's external-interfaces table.
const (
	Success      = lewierr.Success
	NoUpdate     = lewierr.NoUpdate
	Noted        = lewierr.Noted
	NoShmem      = lewierr.NoShmem
	NoProcess    = lewierr.NoProcess
	NotPermitted = lewierr.NotPermitted
	Capacity     = lewierr.Capacity
	NoMemory     = lewierr.NoMemory
	InitMismatch = lewierr.Init
	Post         = lewierr.Post
	Unknown      = lewierr.Unknown
)

// defaultPostTimeout bounds how long a post to a peer's mailbox may block
// before failing with lewierr.ErrPost, per spec's resolution of the "what
// happens when a peer's mailbox is unreachable" open question.
const defaultPostTimeout = 250 * time.Millisecond

// SetNumCPUsFunc is invoked with a process's new current CPU count,
// whether the change came from its own call or from a peer's transfer.
type SetNumCPUsFunc func(newNCPUs uint32)

// Process is one subprocess's handle onto the coordinator: Init returns
// one, every other method is called on it, and Finalize tears it down.
// Safe for concurrent use by multiple goroutines within the owning
// process, matching spec's "operations on the shared region may be
// invoked from any application thread plus the helper thread."
type Process struct {
	mu  sync.Mutex
	log *zap.Logger

	opts config.Options
	pid  int32

	coord  *coord.Coordinator
	region *shmregion.Region
	mbox   *notify.Mailbox

	onSetNumCPUs  SetNumCPUsFunc
	prevRequested uint32
	postTimeout   time.Duration
}

// Init registers the calling process with ncpus as both its initial and
// current share, attaching (creating if necessary) the shared region
// named by opts.ShmKey and, in async mode, starting this process's
// mailbox. onSetNumCPUs is called with this process's own new total after
// every operation that changes it, and with any total a peer grants it.
func Init(opts config.Options, pid int32, ncpus uint32, onSetNumCPUs SetNumCPUsFunc, log *zap.Logger) (*Process, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("facade")

	region, err := shmregion.Attach(os.TempDir(), opts.ShmKey, opts.ShmSizeMultiplier, log)
	if err != nil {
		return nil, err
	}

	c := coord.New(region, log)
	code, err := c.Init(pid, ncpus)
	if err != nil {
		region.Detach()
		return nil, err
	}
	if code != lewierr.Success {
		region.Detach()
		return nil, lewierr.Err(code)
	}

	p := &Process{
		log:          log,
		opts:         opts,
		pid:          pid,
		coord:        c,
		region:       region,
		onSetNumCPUs: onSetNumCPUs,
		postTimeout:  defaultPostTimeout,
	}

	if opts.Mode == config.ModeAsync {
		mbox, err := notify.Listen(opts.ShmKey, pid, p.handleMessage, log)
		if err != nil {
			c.Finalize(pid, int(region.Capacity()))
			region.Detach()
			return nil, err
		}
		p.mbox = mbox
	}

	return p, nil
}

func (p *Process) handleMessage(msg notify.Message) {
	if msg.Kind != notify.KindSetNumCPUs {
		return
	}
	if p.onSetNumCPUs != nil {
		p.onSetNumCPUs(msg.NewTotal)
	}
}

// mutated reports whether code reflects an operation that changed shared
// state (and therefore needs settling), as opposed to a precondition
// failure or genuine no-op.
func mutated(code lewierr.Code) bool {
	switch code {
	case lewierr.Success, lewierr.Noted, lewierr.Capacity:
		return true
	default:
		return false
	}
}

// settle is the one place that applies a coordinator result: post each
// fulfilment to its target's mailbox, then invoke the caller's own
// callback with its own new total. This is the Go analogue of the
// dispatch loop every lewi_async_* function in the original repeats
// inline after a successful shmem call.
func (p *Process) settle(fulfilments []coord.Fulfilment) error {
	dispatchErr := p.dispatch(fulfilments)

	if p.onSetNumCPUs != nil {
		if total, err := p.coord.CurrentNCPUs(p.pid); err == nil {
			p.onSetNumCPUs(total)
		}
	}
	return dispatchErr
}

// dispatch posts every fulfilment to its target's mailbox concurrently:
// Post only blocks on handing a message off, so there's no reason to make
// one peer wait on another's socket round trip when evenSteal has spread a
// reclaim across several of them.
func (p *Process) dispatch(fulfilments []coord.Fulfilment) error {
	if p.opts.Mode != config.ModeAsync {
		return nil
	}
	var eg errgroup.Group
	for _, f := range fulfilments {
		f := f
		eg.Go(func() error {
			msg := notify.Message{Kind: notify.KindSetNumCPUs, NewTotal: f.NewTotal}
			if err := notify.Post(p.opts.ShmKey, f.PID, msg, p.postTimeout); err != nil {
				p.log.Warn("failed to notify peer of new CPU total",
					zap.Int32("pid", f.PID), zap.Uint32("new_total", f.NewTotal), zap.Error(err))
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

// Lend gives up every CPU this process holds except one — the "lend
// everything but keep running" convenience, matching the original's bare
// lewi_async_Lend.
func (p *Process) Lend() (Code, error) {
	return p.lendKeep(1)
}

// LendCPUs reduces this process's current share by exactly n.
func (p *Process) LendCPUs(n uint32) (Code, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	code, fulfilments, prevRequested, err := p.coord.Lend(p.pid, n)
	if err != nil {
		return lewierr.Unknown, err
	}
	if prevRequested > 0 {
		p.prevRequested = prevRequested
	}
	if mutated(code) {
		if err := p.settle(fulfilments); err != nil {
			return code, err
		}
	}
	return code, nil
}

func (p *Process) lendKeep(keep uint32) (Code, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	code, fulfilments, prevRequested, err := p.coord.LendKeep(p.pid, keep)
	if err != nil {
		return lewierr.Unknown, err
	}
	if prevRequested > 0 {
		p.prevRequested = prevRequested
	}
	if mutated(code) {
		if err := p.settle(fulfilments); err != nil {
			return code, err
		}
	}
	return code, nil
}

// Reclaim restores this process toward its initial share, spending any
// prevRequested bookkeeping left over from an earlier Lend.
func (p *Process) Reclaim() (Code, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reclaimLocked()
}

func (p *Process) reclaimLocked() (Code, error) {
	code, fulfilments, err := p.coord.Reclaim(p.pid, p.prevRequested)
	if err != nil {
		return lewierr.Unknown, err
	}
	// The coordinator consumes or drops prevRequested on every call, even
	// the NoUpdate case where current already meets initial, so the local
	// copy must always be cleared here rather than only on mutation.
	p.prevRequested = 0
	if mutated(code) {
		if err := p.settle(fulfilments); err != nil {
			return code, err
		}
	}
	return code, nil
}

// Acquire tries to grow this process's current share by n, queuing
// whatever can't be satisfied immediately. n may be MaxRequest or
// DeleteRequests.
func (p *Process) Acquire(n uint32) (Code, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked(n)
}

// AcquireCPUs is an alias for Acquire, matching the original's dual
// lewi_async_Acquire/AcquireCpus naming.
func (p *Process) AcquireCPUs(n uint32) (Code, error) {
	return p.Acquire(n)
}

func (p *Process) acquireLocked(n uint32) (Code, error) {
	if n == DeleteRequests {
		code, _, err := p.coord.Acquire(p.pid, n)
		if err != nil {
			return lewierr.Unknown, err
		}
		p.prevRequested = 0
		return code, nil
	}

	// Fold in a previously saved request, same as the original's
	// AcquireCpus does before calling down into the shared state.
	if n > 0 && n != MaxRequest && p.prevRequested > 0 {
		if n < math.MaxUint32-p.prevRequested {
			n += p.prevRequested
		}
		p.prevRequested = 0
	}

	code, fulfilments, err := p.coord.Acquire(p.pid, n)
	if err != nil {
		return lewierr.Unknown, err
	}
	if mutated(code) {
		if err := p.settle(fulfilments); err != nil {
			return code, err
		}
	}
	return code, nil
}

// Borrow takes as many idle CPUs as are available.
func (p *Process) Borrow() (Code, error) {
	return p.BorrowCPUs(math.MaxUint32)
}

// BorrowCPUs takes up to min(idle, n) from the idle pool only.
func (p *Process) BorrowCPUs(n uint32) (Code, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	code, err := p.coord.Borrow(p.pid, n)
	if err != nil {
		return lewierr.Unknown, err
	}
	if mutated(code) {
		if err := p.settle(nil); err != nil {
			return code, err
		}
	}
	return code, nil
}

// Disable pauses this process's participation: it lends any excess (or
// reclaims any deficit) toward its initial share and remembers whatever
// request was outstanding so Enable can restore it. A no-op is reported
// as Success, matching the original's NOUPDT-to-SUCCESS mapping for this
// specific call.
func (p *Process) Disable() (Code, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	code, fulfilments, prevRequested, err := p.coord.Reset(p.pid)
	if err != nil {
		return lewierr.Unknown, err
	}
	if prevRequested > 0 {
		p.prevRequested = prevRequested
	}
	if code == lewierr.Success || code == lewierr.Capacity {
		if err := p.settle(fulfilments); err != nil {
			return code, err
		}
	}
	if code == lewierr.NoUpdate {
		return lewierr.Success, nil
	}
	return code, nil
}

// Enable resumes participation, re-acquiring whatever Disable (or a
// previous Lend) left outstanding.
func (p *Process) Enable() (Code, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.prevRequested == 0 {
		return lewierr.Success, nil
	}
	n := p.prevRequested
	p.prevRequested = 0
	code, err := p.acquireLocked(n)
	if err != nil || (code != lewierr.Success && code != lewierr.Noted) {
		p.prevRequested = n
	}
	return code, err
}

// IntoBlockingCall lends this process's CPUs down to the configured
// blocking-call floor (1 if KeepCPUOnBlockingCall, else 0) before the
// caller enters a call expected to block, such as a collective MPI
// operation.
func (p *Process) IntoBlockingCall() error {
	keep := uint32(0)
	if p.opts.KeepCPUOnBlockingCall {
		keep = 1
	}
	_, err := p.lendKeep(keep)
	return err
}

// OutOfBlockingCall reclaims whatever IntoBlockingCall lent away.
func (p *Process) OutOfBlockingCall() (Code, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reclaimLocked()
}

// Poll returns this process's current CPU share directly from the shared
// region, for callers configured with ModePolling instead of the async
// notifier.
func (p *Process) Poll() (uint32, error) {
	return p.coord.CurrentNCPUs(p.pid)
}

// Finalize restores this process to its initial share one last time,
// notifies any peers whose share changed as a result, then detaches from the
// shared region and (in async mode) closes this process's mailbox. The
// Process must not be used after Finalize returns.
func (p *Process) Finalize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	code, fulfilments, err := p.coord.Finalize(p.pid, int(p.region.Capacity()))
	if err != nil {
		return err
	}
	if code != lewierr.Success && code != lewierr.NoProcess {
		return lewierr.Err(code)
	}

	dispatchErr := p.dispatch(fulfilments)

	if p.mbox != nil {
		if err := p.mbox.Close(); err != nil {
			p.log.Warn("closing mailbox", zap.Error(err))
		}
	}
	if err := p.region.Detach(); err != nil {
		return err
	}
	return dispatchErr
}
