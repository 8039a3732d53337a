package reqqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushAccumulatesInPlace(t *testing.T) {
	var q Queue
	q.Push(1, 3)
	q.Push(2, 1)
	q.Push(1, 4)

	require.Equal(t, 2, q.Size())
	assert.EqualValues(t, 7, q.Get(1))
	assert.EqualValues(t, 1, q.Get(2))
}

func TestPushZeroIsNoop(t *testing.T) {
	var q Queue
	q.Push(1, 0)
	assert.Equal(t, 0, q.Size())
}

func TestRemoveCompactsTail(t *testing.T) {
	var q Queue
	q.Push(1, 1)
	q.Push(2, 2)
	q.Push(3, 3)

	howmany := q.Remove(2)
	assert.EqualValues(t, 2, howmany)
	require.Equal(t, 2, q.Size())
	assert.EqualValues(t, 1, q.Get(1))
	assert.EqualValues(t, 3, q.Get(3))
	assert.EqualValues(t, 0, q.Get(2))
}

func TestRemoveAbsentPidIsZero(t *testing.T) {
	var q Queue
	assert.EqualValues(t, 0, q.Remove(42))
}

func TestPopNCPUsExactSingleEntry(t *testing.T) {
	var q Queue
	q.Push(1, 5)

	leftover, out := q.PopNCPUs(5, 16)
	assert.EqualValues(t, 0, leftover)
	require.Len(t, out, 1)
	assert.Equal(t, Request{PID: 1, HowMany: 5}, out[0])
	assert.Equal(t, 0, q.Size())
}

func TestPopNCPUsLeftoverGoesIdle(t *testing.T) {
	var q Queue
	q.Push(1, 2)

	leftover, out := q.PopNCPUs(5, 16)
	assert.EqualValues(t, 3, leftover)
	require.Len(t, out, 1)
	assert.Equal(t, Request{PID: 1, HowMany: 2}, out[0])
}

func TestPopNCPUsEvenSplitAcrossEntries(t *testing.T) {
	var q Queue
	q.Push(1, 10)
	q.Push(2, 10)

	leftover, out := q.PopNCPUs(4, 16)
	assert.EqualValues(t, 0, leftover)
	require.Len(t, out, 2)
	var total uint32
	for _, r := range out {
		total += r.HowMany
	}
	assert.EqualValues(t, 4, total)
}

func TestPopNCPUsMaxOutStopsEarly(t *testing.T) {
	var q Queue
	q.Push(1, 5)
	q.Push(2, 5)
	q.Push(3, 5)

	_, out := q.PopNCPUs(9, 1)
	assert.Len(t, out, 1)
}

func TestPopNCPUsUniqueOutputPids(t *testing.T) {
	var q Queue
	for pid := int32(1); pid <= 8; pid++ {
		q.Push(pid, 3)
	}

	_, out := q.PopNCPUs(12, 16)
	seen := map[int32]bool{}
	for _, r := range out {
		assert.False(t, seen[r.PID], "pid %d reported twice", r.PID)
		seen[r.PID] = true
	}
}

func TestPopNCPUsNeverExceedsEntryHowMany(t *testing.T) {
	var q Queue
	q.Push(1, 1)
	q.Push(2, 100)

	_, out := q.PopNCPUs(50, 16)
	for _, r := range out {
		if r.PID == 1 {
			assert.LessOrEqual(t, r.HowMany, uint32(1))
		}
	}
}

func TestCapacityOverflowPushIsSilentlyDropped(t *testing.T) {
	var q Queue
	for pid := int32(1); pid <= Capacity; pid++ {
		q.Push(pid, 1)
	}
	require.Equal(t, Capacity, q.Size())

	// 257th distinct pid: dropped, no panic, no corruption.
	q.Push(Capacity+1, 1)
	assert.Equal(t, Capacity, q.Size())
	assert.EqualValues(t, 0, q.Get(Capacity+1))

	// Existing pids remain intact.
	assert.EqualValues(t, 1, q.Get(1))
}

func TestRotationAcrossCallsRotatesHead(t *testing.T) {
	var q Queue
	q.Push(1, 10)
	q.Push(2, 1)

	// First pop: 2 CPUs over 2 entries, so pid 1 and then pid 2 get one each.
	_, out1 := q.PopNCPUs(2, 16)
	require.Len(t, out1, 2)

	// pid 1 still has 9 left and should now be queued behind whatever
	// remains, rotating who's "first" over time.
	assert.EqualValues(t, 9, q.Get(1))
}
