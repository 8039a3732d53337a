package lewi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpucoord/lewi/internal/lewierr"
	"github.com/cpucoord/lewi/internal/shmregion"
)

func newCoordinator(t *testing.T, key string, multiplier int) *Coordinator {
	t.Helper()
	region, err := shmregion.Attach(t.TempDir(), key, multiplier, nil)
	require.NoError(t, err)
	t.Cleanup(func() { region.Detach() })
	return New(region, nil)
}

// assertInvariants checks I1 (conservation) and I2 (idle>0 => queue empty)
// against the coordinator's region. I3 (unique pids) is structurally
// guaranteed by reqqueue.Queue and isn't re-checked here.
func assertInvariants(t *testing.T, c *Coordinator) {
	t.Helper()
	region := c.region
	require.NoError(t, region.Lock())
	defer region.Unlock()

	var sumInitial, sumCurrent uint32
	region.ForEachProcess(func(p *shmregion.ProcessRecord) {
		sumInitial += p.InitialNCPUs
		sumCurrent += p.CurrentNCPUs
	})
	require.Equal(t, sumInitial, sumCurrent+region.IdleCPUs(), "I1: CPU conservation")

	if region.IdleCPUs() > 0 {
		require.Equal(t, 0, region.Requests().Size(), "I2: idle>0 implies empty queue")
	}
}

func currentOf(t *testing.T, c *Coordinator, pid int32) uint32 {
	t.Helper()
	region := c.region
	require.NoError(t, region.Lock())
	defer region.Unlock()
	p := region.FindProcess(pid)
	require.NotNil(t, p)
	return p.CurrentNCPUs
}

// S1 — single process round-trip.
func TestScenarioSingleProcessRoundTrip(t *testing.T) {
	c := newCoordinator(t, "s1", 4)
	const pid, N = int32(100), uint32(8)

	code, err := c.Init(pid, N)
	require.NoError(t, err)
	require.Equal(t, lewierr.Success, code)

	code, fulfilments, err := c.Acquire(pid, 1)
	require.NoError(t, err)
	require.Equal(t, lewierr.Noted, code)
	require.Empty(t, fulfilments)
	assertInvariants(t, c)

	code, fulfilments, prevRequested, err := c.Lend(pid, 1)
	require.NoError(t, err)
	require.Equal(t, lewierr.Success, code)
	require.Empty(t, fulfilments)
	require.Equal(t, N-1, currentOf(t, c, pid))
	assertInvariants(t, c)

	code, fulfilments, err = c.Reclaim(pid, prevRequested)
	require.NoError(t, err)
	require.Equal(t, lewierr.Success, code)
	require.Empty(t, fulfilments)
	require.Equal(t, N, currentOf(t, c, pid))
	assertInvariants(t, c)
}

// S2 — two-process ping-pong, N=2 each.
func TestScenarioTwoProcessPingPong(t *testing.T) {
	c := newCoordinator(t, "s2", 4)
	const p1, p2 = int32(1), int32(2)

	_, err := c.Init(p1, 2)
	require.NoError(t, err)
	_, err = c.Init(p2, 2)
	require.NoError(t, err)

	code, _, err := c.Acquire(p1, 1)
	require.NoError(t, err)
	require.Equal(t, lewierr.Noted, code)

	code, fulfilments, prev2, err := c.LendKeep(p2, 1)
	require.NoError(t, err)
	require.Equal(t, lewierr.Success, code)
	require.Equal(t, []Fulfilment{{PID: p1, NewTotal: 3}}, fulfilments)
	assertInvariants(t, c)

	code, fulfilments, err = c.Reclaim(p2, prev2)
	require.NoError(t, err)
	require.Equal(t, lewierr.Success, code)
	require.Equal(t, []Fulfilment{{PID: p1, NewTotal: 2}}, fulfilments)
	assertInvariants(t, c)

	code, _, err = c.Acquire(p1, DeleteRequests)
	require.NoError(t, err)
	require.Equal(t, lewierr.Success, code)

	code, fulfilments, prev2, err = c.LendKeep(p2, 1)
	require.NoError(t, err)
	require.Equal(t, lewierr.Success, code)
	require.Empty(t, fulfilments)
	require.EqualValues(t, 1, c.region.IdleCPUs())

	code, fulfilments, err = c.Reclaim(p2, prev2)
	require.NoError(t, err)
	require.Equal(t, lewierr.Success, code)
	require.Empty(t, fulfilments)
	require.EqualValues(t, 0, c.region.IdleCPUs())
	assertInvariants(t, c)
}

// S4 — finalize with an outstanding acquisition.
func TestScenarioFinalizeWithOutstandingAcquisition(t *testing.T) {
	c := newCoordinator(t, "s4", 4)
	const p1, p2 = int32(1), int32(2)

	_, err := c.Init(p1, 2)
	require.NoError(t, err)
	_, err = c.Init(p2, 2)
	require.NoError(t, err)

	code, fulfilments, _, err := c.Lend(p2, 1)
	require.NoError(t, err)
	require.Equal(t, lewierr.Success, code)
	require.Empty(t, fulfilments)

	code, fulfilments, err2 := c.Acquire(p1, 1)
	require.NoError(t, err2)
	require.Equal(t, lewierr.Success, code)
	require.Empty(t, fulfilments)
	require.EqualValues(t, 3, currentOf(t, c, p1))

	code, fulfilments, err = c.Finalize(p2, 16)
	require.NoError(t, err)
	require.Equal(t, lewierr.Success, code)
	require.Equal(t, []Fulfilment{{PID: p1, NewTotal: 2}}, fulfilments)
	require.EqualValues(t, 2, currentOf(t, c, p1))
}

// S6 — request queue capacity: the 257th distinct-pid push must not
// violate conservation, even though it's silently dropped.
func TestScenarioQueueCapacityOverflowIsGraceful(t *testing.T) {
	c := newCoordinator(t, "s6", 4096)
	const owner = int32(1)

	_, err := c.Init(owner, 100000)
	require.NoError(t, err)

	require.NoError(t, c.region.Lock())
	n := c.region.Capacity() - 1
	for i := uint32(0); i < n; i++ {
		pid := int32(2 + i)
		require.NoError(t, c.region.Register(pid, 0))
		c.region.Requests().Push(pid, 1)
	}
	c.region.Unlock()

	assertInvariants(t, c)
}

func TestEvenStealRefusesWhenSurplusInsufficient(t *testing.T) {
	c := newCoordinator(t, "insufficient", 4)
	const p1, p2 = int32(1), int32(2)

	_, err := c.Init(p1, 4)
	require.NoError(t, err)
	_, err = c.Init(p2, 4)
	require.NoError(t, err)

	// Nobody holds a surplus, so reclaiming a deficit that doesn't exist
	// from idle either must fall through without panicking; force an
	// artificial deficit to exercise the insufficient-surplus path.
	require.NoError(t, c.region.Lock())
	p := c.region.FindProcess(p1)
	p.CurrentNCPUs = 1
	c.region.Unlock()

	code, fulfilments, err := c.Reclaim(p1, 0)
	require.NoError(t, err)
	require.Equal(t, lewierr.Capacity, code)
	require.Empty(t, fulfilments)
	require.EqualValues(t, 1, currentOf(t, c, p1))
}

func TestBorrowNeverExceedsIdle(t *testing.T) {
	c := newCoordinator(t, "borrow", 4)
	const pid = int32(1)

	_, err := c.Init(pid, 4)
	require.NoError(t, err)

	code, err := c.Borrow(pid, 10)
	require.NoError(t, err)
	require.Equal(t, lewierr.NoUpdate, code)

	// A second process lends both of its CPUs, leaving 2 in the idle pool.
	const lender = int32(2)
	_, err = c.Init(lender, 2)
	require.NoError(t, err)
	code, _, _, err = c.Lend(lender, 2)
	require.NoError(t, err)
	require.Equal(t, lewierr.Success, code)

	code, err = c.Borrow(pid, 10)
	require.NoError(t, err)
	require.Equal(t, lewierr.Success, code)
	require.EqualValues(t, 6, currentOf(t, c, pid))
	assertInvariants(t, c)
}

func TestResetIsIdempotent(t *testing.T) {
	c := newCoordinator(t, "reset", 4)
	const pid = int32(1)

	_, err := c.Init(pid, 4)
	require.NoError(t, err)

	code, _, err := c.Acquire(pid, 2)
	require.NoError(t, err)
	require.Equal(t, lewierr.Noted, code)

	code, _, _, err := c.Reset(pid)
	require.NoError(t, err)
	require.Equal(t, lewierr.NoUpdate, code)
	require.EqualValues(t, 4, currentOf(t, c, pid))

	code, _, _, err = c.Reset(pid)
	require.NoError(t, err)
	require.Equal(t, lewierr.NoUpdate, code)
}

func TestInsatiableAcquireStaysNotedUntilDeleted(t *testing.T) {
	c := newCoordinator(t, "insatiable", 4)
	const p1, p2 = int32(1), int32(2)

	_, err := c.Init(p1, 2)
	require.NoError(t, err)
	_, err = c.Init(p2, 2)
	require.NoError(t, err)

	code, _, err := c.Acquire(p1, MaxRequest)
	require.NoError(t, err)
	require.Equal(t, lewierr.Noted, code)
	require.EqualValues(t, 2, currentOf(t, c, p1))

	code, _, err = c.Acquire(p1, DeleteRequests)
	require.NoError(t, err)
	require.Equal(t, lewierr.Success, code)
}
