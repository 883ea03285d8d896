package ratelimit

import (
	"sort"
	"sync"
)

// queueEntry is one reserved-but-not-started job, identified by its
// reservation number via the NextQueue's map.
type queueEntry struct {
	usage  []int64
	job    Job
	handle *completionHandle
}

// NextQueue is the FIFO queue of reserved jobs (C4), identified by
// monotonically increasing reservation numbers with random-access cancel.
// Grounded on original_source/multi_rate_limit/resource_queue.py's
// NextResourceQueue (map + next_add/next_run cursors).
type NextQueue struct {
	mu           sync.Mutex
	entries      map[int64]queueEntry
	nextAdd      int64
	nextRun      int64
	r            int
	sumResources []int64
}

// NewNextQueue builds an empty queue for r dimensions.
func NewNextQueue(r int) *NextQueue {
	return &NextQueue{
		entries:      make(map[int64]queueEntry),
		r:            r,
		sumResources: make([]int64, r),
	}
}

// IsEmpty reports whether any entries remain between nextRun and nextAdd.
func (q *NextQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) == 0
}

// SumResources returns a defensive copy of the sum of pending requested
// usages.
func (q *NextQueue) SumResources() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.sumResources...)
}

// len returns the number of entries currently queued.
func (q *NextQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// numbers returns the reservation numbers currently queued, in ascending
// order.
func (q *NextQueue) numbers() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int64, 0, len(q.entries))
	for n := range q.entries {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Push assigns the next reservation number, stores the entry, and folds u
// into sum_resources.
func (q *NextQueue) Push(usage []int64, job Job, handle *completionHandle) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.nextAdd
	q.entries[n] = queueEntry{usage: usage, job: job, handle: handle}
	q.nextAdd++
	for d := range q.sumResources {
		q.sumResources[d] += usage[d]
	}
	return n
}

// Peek advances past holes left by cancellation and returns the head
// without removing it.
func (q *NextQueue) Peek() (n int64, usage []int64, job Job, handle *completionHandle, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.nextRun < q.nextAdd {
		e, present := q.entries[q.nextRun]
		if present {
			return q.nextRun, e.usage, e.job, e.handle, true
		}
		q.nextRun++
	}
	return 0, nil, nil, nil, false
}

// Pop is Peek but removes the head entry and decrements sum_resources.
func (q *NextQueue) Pop() (n int64, usage []int64, job Job, handle *completionHandle, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.nextRun < q.nextAdd {
		cur := q.nextRun
		e, present := q.entries[cur]
		delete(q.entries, cur)
		q.nextRun++
		if present {
			for d := range q.sumResources {
				q.sumResources[d] -= e.usage[d]
			}
			return cur, e.usage, e.job, e.handle, true
		}
	}
	return 0, nil, nil, nil, false
}

// Cancel removes entry n, reporting whether it was present and whether it
// was the current head (nextRun), so the coordinator knows whether to
// re-examine the head.
func (q *NextQueue) Cancel(n int64) (usage []int64, job Job, handle *completionHandle, wasHead bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, present := q.entries[n]
	if !present {
		return nil, nil, nil, false, false
	}
	delete(q.entries, n)
	for d := range q.sumResources {
		q.sumResources[d] -= e.usage[d]
	}
	return e.usage, e.job, e.handle, n == q.nextRun, true
}
