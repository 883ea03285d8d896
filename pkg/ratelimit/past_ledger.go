package ratelimit

import (
	"sort"
	"sync"

	"github.com/largetownsky/ratesched/pkg/ratelimit/ledgerstore"
)

// ledgerEntry is one (t_i, C_i) pair: a strictly increasing time and the
// cumulative usage from time 0 through t_i, inclusive.
type ledgerEntry struct {
	t float64
	c []int64
}

// PastLedger is the sliding-window record of completed usage (C2). A
// synthetic sentinel (0, 0) is always present as entry 0, matching
// original_source/multi_rate_limit/resource_queue.py's PastResourceQueue.
type PastLedger struct {
	mu        sync.RWMutex
	r         int
	windowMax float64
	entries   []ledgerEntry
	store     ledgerstore.Store
}

// NewPastLedger constructs a ledger for r dimensions with memory horizon
// windowMax (W_max). If store is non-nil its history is loaded and
// replayed through add before construction returns.
func NewPastLedger(r int, windowMax float64, store ledgerstore.Store) (*PastLedger, error) {
	l := &PastLedger{
		r:         r,
		windowMax: windowMax,
		entries:   []ledgerEntry{{t: 0, c: make([]int64, r)}},
		store:     store,
	}
	if store == nil {
		return l, nil
	}
	records, err := store.Load()
	if err != nil {
		return nil, &Error{Kind: PersistenceError, Message: "loading past ledger", Cause: err}
	}
	for _, rec := range records {
		if err := l.addLocked(rec.Time, rec.Usage, false); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// posTimeAfter returns the smallest index p with entries[p].t > t
// (right-binary-search on time, per spec §4.2).
func (l *PastLedger) posTimeAfter(t float64) int {
	return sort.Search(len(l.entries), func(i int) bool { return l.entries[i].t > t })
}

// posAccumWithin returns the smallest index p with
// entries[p].c[d] >= entries[last].c[d] - amount (left-binary-search on
// cumulative usage, per spec §4.2).
func (l *PastLedger) posAccumWithin(d int, amount int64) int {
	target := l.entries[len(l.entries)-1].c[d] - amount
	return sort.Search(len(l.entries), func(i int) bool { return l.entries[i].c[d] >= target })
}

// SumAfter returns cumulative usage in dimension d over (t, now].
func (l *PastLedger) SumAfter(t float64, d int) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sumAfterLocked(t, d)
}

func (l *PastLedger) sumAfterLocked(t float64, d int) int64 {
	p := l.posTimeAfter(t)
	last := l.entries[len(l.entries)-1].c[d]
	prev := p - 1
	if prev < 0 {
		prev = 0
	}
	return last - l.entries[prev].c[d]
}

// TimeWithin returns the earliest time t_p such that cumulative usage in
// dimension d after t_p is <= amount.
func (l *PastLedger) TimeWithin(d int, amount int64) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.timeWithinLocked(d, amount)
}

func (l *PastLedger) timeWithinLocked(d int, amount int64) float64 {
	// The index returned by posAccumWithin is itself the earliest entry
	// whose cumulative usage already satisfies "usage after t <= amount"
	// (sum_after is a step function of prev(t) = count of entries with
	// time <= t, minus one; prev first reaches that index exactly at
	// that entry's own timestamp). Scenario #6 in spec.md pins this down:
	// entries [(100,[1,2]),(200,[4,12])], time_within(0, 2) = 200, which
	// is entries[posAccumWithin(...)].t, not its predecessor's.
	idx := l.posAccumWithin(d, amount)
	if idx >= len(l.entries) {
		idx = len(l.entries) - 1
	}
	return l.entries[idx].t
}

// Add appends a per-event usage record, merging into the last entry if t
// does not advance past it, then prunes entries older than t - windowMax
// (always retaining the one immediately preceding that boundary).
func (l *PastLedger) Add(t float64, usage []int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addLocked(t, usage, l.store != nil)
}

func (l *PastLedger) addLocked(t float64, usage []int64, persist bool) error {
	if len(usage) != l.r {
		return &Error{Kind: InternalInvariantError, Message: "ledger add usage vector length mismatch"}
	}
	last := l.entries[len(l.entries)-1]
	if t <= last.t {
		merged := make([]int64, l.r)
		for d := range merged {
			merged[d] = last.c[d] + usage[d]
		}
		l.entries[len(l.entries)-1] = ledgerEntry{t: last.t, c: merged}
	} else {
		next := make([]int64, l.r)
		for d := range next {
			next[d] = last.c[d] + usage[d]
		}
		l.entries = append(l.entries, ledgerEntry{t: t, c: next})
		pos := l.posTimeAfter(t - l.windowMax)
		drop := pos - 1
		if drop > 0 {
			l.entries = append([]ledgerEntry(nil), l.entries[drop:]...)
		}
	}
	if persist {
		if err := l.store.Append(t, usage); err != nil {
			return &Error{Kind: PersistenceError, Message: "appending past ledger record", Cause: err}
		}
	}
	return nil
}

// Term flushes/closes the backing store if any. Per spec §4.2(v) this is a
// no-op for the durability contract itself (every Add already persisted
// its record); it still releases the underlying handle.
func (l *PastLedger) Term() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	if err := l.store.Close(); err != nil {
		return &Error{Kind: PersistenceError, Message: "closing past ledger store", Cause: err}
	}
	return nil
}
