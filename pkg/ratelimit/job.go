package ratelimit

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is the sentinel a ticket's Wait returns when the
// reservation was cancelled before it ran. Spec §7 treats cancellation as
// "a distinct terminal state on the handle, not an error" — ErrCancelled
// exists so that distinction is still checkable with errors.Is, the same
// way context.Canceled marks a non-failure terminal status.
var ErrCancelled = errors.New("ratelimit: reservation cancelled")

// Adjustment is the optional (t*, u*) amendment a job's successful return
// path may supply, retroactively overriding the time and usage charged
// against the ledger.
type Adjustment struct {
	Time  float64
	Usage []int64
}

// Job is the unit of work the coordinator admits and runs. It receives a
// context that the coordinator never cancels (the core never cancels a
// running job — see spec §4.3's "cancellation of running tasks is not a
// normal code path"), and returns
// an optional Adjustment plus its result, or an error (ResourceOverwriteError
// to additionally amend bookkeeping, or any other error to fail the ticket
// outright with the original charge retained).
type Job func(ctx context.Context) (*Adjustment, any, error)

// Outcome is what a ticket's completion handle eventually resolves to:
// exactly one of a result, an error, or cancellation.
type Outcome struct {
	Result    any
	Err       error
	Cancelled bool
}

// completionHandle is resolved exactly once, per spec §3's ticket
// lifecycle invariant. It is backed by a size-1 buffered channel so a
// resolve never blocks on a waiter being present.
type completionHandle struct {
	once sync.Once
	ch   chan Outcome
}

func newCompletionHandle() *completionHandle {
	return &completionHandle{ch: make(chan Outcome, 1)}
}

func (h *completionHandle) resolve(o Outcome) {
	h.once.Do(func() { h.ch <- o })
}

// Ticket is returned from Reserve: a reservation number usable with
// Cancel, plus a way to wait for the eventual outcome.
type Ticket struct {
	ReservationNumber int64

	handle *completionHandle

	mu      sync.Mutex
	resolved bool
	outcome  Outcome
}

// Wait blocks until the ticket resolves or ctx is done. It may be called
// more than once; the resolved Outcome is cached after the first receive.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	t.mu.Lock()
	if t.resolved {
		o := t.outcome
		t.mu.Unlock()
		return outcomeResult(o)
	}
	t.mu.Unlock()

	select {
	case o := <-t.handle.ch:
		t.mu.Lock()
		t.resolved = true
		t.outcome = o
		t.mu.Unlock()
		return outcomeResult(o)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func outcomeResult(o Outcome) (any, error) {
	if o.Cancelled {
		return nil, ErrCancelled
	}
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Result, nil
}
