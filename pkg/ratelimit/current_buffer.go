package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// jobResult is the raw job() return value, cached by slot so the
// coordinator's loop can finish a slot (End) independently of when the
// job's goroutine happened to complete.
type jobResult struct {
	adjustment *Adjustment
	result     any
	err        error
}

// CurrentBuffer is the fixed-capacity slot table of in-flight jobs (C3).
// Slots are found round-robin from a rolling cursor, exactly as
// original_source/multi_rate_limit/resource_queue.py's CurrentResourceBuffer
// does; each slot's job runs in its own goroutine, reporting completion by
// sending its slot index on a shared channel rather than by being awaited
// as a Python Task — the idiomatic Go substitute for "await first of slot
// tasks".
type CurrentBuffer struct {
	mu           sync.Mutex
	r            int
	usage        [][]int64
	handles      []*completionHandle
	results      []jobResult
	occupied     []bool
	startedAt    []float64
	next         int
	activeRun    int
	sumResources []int64
	completions  chan int
}

// NewCurrentBuffer builds a buffer of capacity slots for r dimensions.
func NewCurrentBuffer(capacity, r int) *CurrentBuffer {
	return &CurrentBuffer{
		r:            r,
		usage:        make([][]int64, capacity),
		handles:      make([]*completionHandle, capacity),
		results:      make([]jobResult, capacity),
		occupied:     make([]bool, capacity),
		startedAt:    make([]float64, capacity),
		sumResources: make([]int64, r),
		completions:  make(chan int, capacity),
	}
}

// IsEmpty reports whether no slots are occupied.
func (b *CurrentBuffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeRun <= 0
}

// IsFull reports whether every slot is occupied.
func (b *CurrentBuffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeRun >= len(b.usage)
}

// SumResources returns a defensive copy of the running componentwise sum
// of charged usages across occupied slots.
func (b *CurrentBuffer) SumResources() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.sumResources...)
}

// activeCount returns the number of occupied slots.
func (b *CurrentBuffer) activeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeRun
}

// Completions is the channel a slot's index is sent on when its job
// finishes. The coordinator selects on it alongside a wake channel and an
// optional delay timer.
func (b *CurrentBuffer) Completions() <-chan int { return b.completions }

// Start launches job in its own goroutine, charging u into sum_resources
// and recording now as the slot's dispatch time so End can report how long
// the job ran. It returns false if the buffer is already full (the
// coordinator must check IsFull before calling, this is a defensive
// invariant check, not the primary gate).
func (b *CurrentBuffer) Start(ctx context.Context, now float64, u []int64, job Job, handle *completionHandle) bool {
	b.mu.Lock()
	if b.activeRun >= len(b.usage) {
		b.mu.Unlock()
		return false
	}
	pos := b.next
	for b.occupied[pos] {
		pos = (pos + 1) % len(b.usage)
		if pos == b.next {
			b.mu.Unlock()
			panic(fmt.Sprintf("ratelimit: current buffer full with %d/%d active but no empty slot found", b.activeRun, len(b.usage)))
		}
	}
	b.occupied[pos] = true
	b.usage[pos] = u
	b.handles[pos] = handle
	b.startedAt[pos] = now
	for d := range b.sumResources {
		b.sumResources[d] += u[d]
	}
	b.next = (pos + 1) % len(b.usage)
	b.activeRun++
	b.mu.Unlock()

	go b.run(ctx, pos, job)
	return true
}

func (b *CurrentBuffer) run(ctx context.Context, pos int, job Job) {
	adj, result, err := job(ctx)
	b.mu.Lock()
	b.results[pos] = jobResult{adjustment: adj, result: result, err: err}
	b.mu.Unlock()
	b.completions <- pos
}

// End retires the slot named by pos, resolving its completion handle per
// the outcome rules in spec §4.3, and returns the effective (time, usage)
// to post to the PastLedger plus how long the slot was occupied and
// whether the job completed without error.
func (b *CurrentBuffer) End(now float64, pos int) (effectiveTime float64, effectiveUsage []int64, duration float64, succeeded bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	original := b.usage[pos]
	handle := b.handles[pos]
	jr := b.results[pos]
	duration = now - b.startedAt[pos]

	effectiveTime, effectiveUsage, outcome := resolveSlot(now, original, jr, b.r)
	handle.resolve(outcome)
	succeeded = outcome.Err == nil

	for d := range b.sumResources {
		b.sumResources[d] -= original[d]
	}
	b.occupied[pos] = false
	b.usage[pos] = nil
	b.handles[pos] = nil
	b.results[pos] = jobResult{}
	b.startedAt[pos] = 0
	b.activeRun--
	return effectiveTime, effectiveUsage, duration, succeeded
}

// resolveSlot implements the three outcome branches of spec §4.3's end().
func resolveSlot(now float64, original []int64, jr jobResult, r int) (float64, []int64, Outcome) {
	if jr.err != nil {
		var overwrite *ResourceOverwriteError
		if errors.As(jr.err, &overwrite) {
			u, verr := checkResources(overwrite.Usage, r)
			if verr != nil {
				// u* itself fails validation: resolve with that
				// validation error and keep the original charge.
				return now, original, Outcome{Err: verr}
			}
			return overwrite.Time, u, Outcome{Err: overwrite.Cause}
		}
		return now, original, Outcome{Err: jr.err}
	}
	if jr.adjustment != nil {
		u, verr := checkResources(jr.adjustment.Usage, r)
		if verr != nil {
			return now, original, Outcome{Err: verr}
		}
		return jr.adjustment.Time, u, Outcome{Result: jr.result}
	}
	return now, original, Outcome{Result: jr.result}
}
