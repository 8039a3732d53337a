// Package reqqueue implements the bounded FIFO of outstanding CPU requests
// shared by every process attached to the coordinator. It is a plain value
// type with no pointers so that it can be embedded directly inside a
// memory-mapped shared region (see internal/shmregion) as well as used
// standalone in tests.
package reqqueue

// Capacity is the compile-time size of the queue, matching the original
// QUEUE_LEWI_REQS_SIZE.
const Capacity = 256

// Request is one outstanding petition: pid wants howmany more CPUs.
type Request struct {
	PID     int32
	HowMany uint32
}

// Queue is a packed set of Requests with PID as a unique key. Pushing an
// existing pid accumulates HowMany in place rather than appending; popping
// removes entries whose HowMany reaches zero, compacting the tail. All
// operations are O(Capacity).
type Queue struct {
	entries [Capacity]Request
	n       uint32 // number of live entries, always entries[:n]
}

// Size returns the number of distinct pids currently queued.
func (q *Queue) Size() int {
	return int(q.n)
}

func (q *Queue) indexOf(pid int32) int {
	for i := uint32(0); i < q.n; i++ {
		if q.entries[i].PID == pid {
			return int(i)
		}
	}
	return -1
}

// Get returns the outstanding amount for pid, or 0 if it has no entry.
func (q *Queue) Get(pid int32) uint32 {
	if i := q.indexOf(pid); i >= 0 {
		return q.entries[i].HowMany
	}
	return 0
}

// Push adds n to pid's outstanding amount, appending a new entry at the tail
// if pid isn't already queued. Pushing n == 0 is a no-op. If the queue is
// full and pid is new, the push is silently dropped — callers are expected
// to keep Capacity comfortably above the largest plausible concurrent
// requester set, per spec.
func (q *Queue) Push(pid int32, n uint32) {
	if n == 0 {
		return
	}
	if i := q.indexOf(pid); i >= 0 {
		q.entries[i].HowMany += n
		return
	}
	if q.n >= Capacity {
		return
	}
	q.entries[q.n] = Request{PID: pid, HowMany: n}
	q.n++
}

// Remove extracts pid's entry, compacting the tail, and returns the amount
// it held (0 if pid was not queued).
func (q *Queue) Remove(pid int32) uint32 {
	i := q.indexOf(pid)
	if i < 0 {
		return 0
	}
	howmany := q.entries[i].HowMany
	for j := i; j < int(q.n)-1; j++ {
		q.entries[j] = q.entries[j+1]
	}
	q.n--
	q.entries[q.n] = Request{}
	return howmany
}

// PopNCPUs fairly distributes ncpus across the head of the queue: walking
// from the head, each remaining entry receives ncpus/remaining (integer
// division, at least 1 if any remainder allows), is appended to out as a
// fulfilment, decremented, and removed once exhausted. The walk continues,
// pass after pass, until ncpus is exhausted, the queue is empty, or a pid
// not yet in out would need an entry beyond maxOut; a pid served in more
// than one pass gets a single accumulated entry in out. It returns the
// number of CPUs that could not be placed (destined for the idle pool) and
// the fulfilments produced, in order of each pid's first grant.
//
// Distribution rotates naturally across calls because fully-satisfied
// entries are removed and partially-satisfied ones are moved to the tail,
// so the next call starts from a different pid.
func (q *Queue) PopNCPUs(ncpus uint32, maxOut int) (leftover uint32, out []Request) {
	leftover = ncpus
	steps := int(q.n) // each pass visits every entry present at its start once
	for s := 0; leftover > 0 && q.n > 0; s++ {
		if s == steps {
			s, steps = 0, int(q.n)
		}
		remainingEntries := uint32(steps - s)
		share := leftover / remainingEntries
		if share == 0 {
			share = 1
		}
		e := q.entries[0]
		given := share
		if given > e.HowMany {
			given = e.HowMany
		}
		if given > leftover {
			given = leftover
		}
		idx := len(out)
		for i := range out {
			if out[i].PID == e.PID {
				idx = i
			}
		}
		if idx == len(out) {
			if len(out) >= maxOut {
				return leftover, out
			}
			out = append(out, Request{PID: e.PID})
		}
		out[idx].HowMany += given
		leftover -= given
		q.Remove(e.PID)
		if remaining := e.HowMany - given; remaining > 0 && q.n < Capacity {
			// Requeue the partially-satisfied entry at the tail so the
			// next call's head is a different pid — this is what gives
			// fairness over time rather than within a single call.
			q.entries[q.n] = Request{PID: e.PID, HowMany: remaining}
			q.n++
		}
	}
	return leftover, out
}
