package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Coordinator is the control loop (C5): it pulls from NextQueue into
// CurrentBuffer respecting every limit, schedules a wake-up when blocked,
// and retires finished jobs into PastLedger. At most one loop goroutine
// runs at a time; reserve/cancel wake it (or start it) via an explicit
// "wake" channel rather than the cancel-and-replace idiom the Python
// original uses on its coordinator task — recomputing from scratch on
// every loop iteration makes that restart a plain re-entry of the same
// goroutine's for-loop, so no abort handle is needed to get the same
// "abandon the stale iteration, recompute from first principles"
// contract spec §9 asks for.
type Coordinator struct {
	limits  Matrix
	r       int
	maxConc int

	ledger  *PastLedger
	current *CurrentBuffer
	next    *NextQueue
	clock   func() float64

	mu          sync.Mutex
	terminated  bool
	loopRunning bool
	fatalErr    error
	wake        chan struct{}
	wg          sync.WaitGroup

	jobCtx    context.Context
	jobCancel context.CancelFunc

	onRetire              func()
	onDispatch            func(usage []int64, waitSeconds float64)
	onJobComplete         func(durationSeconds float64, succeeded bool)
	onPersistenceFailure  func(err error)

	dispatchMu sync.Mutex
	enqueuedAt map[int64]float64
}

// New constructs a Coordinator. limits must have at least one dimension,
// each with at least one Limit; maxConcurrent must be >= 1.
func New(limits Matrix, maxConcurrent int, opts ...Option) (*Coordinator, error) {
	if err := limits.validate(); err != nil {
		return nil, err
	}
	if maxConcurrent < 1 {
		return nil, &Error{Kind: ConstructionError, Message: fmt.Sprintf("max_concurrent must be >= 1, got %d", maxConcurrent)}
	}

	cfg := config{clock: defaultClock}
	for _, o := range opts {
		o(&cfg)
	}

	r := limits.dimensions()
	ledger, err := NewPastLedger(r, limits.windowMax(), cfg.store)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		limits:               limits.clone(),
		r:                    r,
		maxConc:              maxConcurrent,
		ledger:               ledger,
		current:              NewCurrentBuffer(maxConcurrent, r),
		next:                 NewNextQueue(r),
		clock:                cfg.clock,
		wake:                 make(chan struct{}, 1),
		jobCtx:               ctx,
		jobCancel:            cancel,
		onRetire:             cfg.onRetire,
		onDispatch:           cfg.onDispatch,
		onJobComplete:        cfg.onJobComplete,
		onPersistenceFailure: cfg.onPersistenceFailure,
		enqueuedAt:           make(map[int64]float64),
	}, nil
}

// recordEnqueued notes when reservation n entered NextQueue, guarded by its
// own mutex since planOneIteration reads it without holding c.mu.
func (c *Coordinator) recordEnqueued(n int64, t float64) {
	c.dispatchMu.Lock()
	c.enqueuedAt[n] = t
	c.dispatchMu.Unlock()
}

// takeEnqueued removes and returns the recorded enqueue time for n, if any.
func (c *Coordinator) takeEnqueued(n int64) (float64, bool) {
	c.dispatchMu.Lock()
	t, ok := c.enqueuedAt[n]
	if ok {
		delete(c.enqueuedAt, n)
	}
	c.dispatchMu.Unlock()
	return t, ok
}

func addVec(a, b []int64) []int64 {
	out := make([]int64, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

// Reserve admits u for eventual execution by job, returning a ticket
// immediately. Validation per spec §4.5 step 2 is synchronous; the wake
// hint in step 4 nudges the coordinator loop only when doing so can
// plausibly let the new entry (or an earlier one) run sooner.
func (c *Coordinator) Reserve(usage []int64, job Job) (*Ticket, error) {
	c.mu.Lock()

	if err := c.liveErrorLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if job == nil {
		c.mu.Unlock()
		return nil, &Error{Kind: AdmissionError, Message: "job must not be nil"}
	}
	if len(usage) != c.r {
		c.mu.Unlock()
		return nil, &Error{Kind: AdmissionError, Message: fmt.Sprintf("usage vector has length %d, want %d", len(usage), c.r)}
	}
	for d, v := range usage {
		if v < 0 {
			c.mu.Unlock()
			return nil, &Error{Kind: AdmissionError, Message: fmt.Sprintf("usage[%d] is negative: %d", d, v)}
		}
		if min := int64(c.limits.minLimit(d)); v > min {
			c.mu.Unlock()
			return nil, &Error{Kind: AdmissionError, Message: fmt.Sprintf("usage[%d]=%d exceeds the smallest limit (%d) in that dimension and could never run", d, v, min)}
		}
	}

	usageCopy := append([]int64(nil), usage...)
	handle := newCompletionHandle()
	wasEmpty := c.next.IsEmpty()
	n := c.next.Push(usageCopy, job, handle)
	c.recordEnqueued(n, c.clock())

	wake := false
	if wasEmpty && !c.current.IsFull() {
		projected := addVec(c.current.SumResources(), usageCopy)
		fits := true
		for d, v := range projected {
			if v > int64(c.limits.minLimit(d)) {
				fits = false
				break
			}
		}
		wake = fits
	}
	c.mu.Unlock()

	if wake {
		c.poke()
	}
	return &Ticket{ReservationNumber: n, handle: handle}, nil
}

// CancelOption configures a Cancel call.
type CancelOption func(*cancelConfig)

type cancelConfig struct {
	discard bool
}

// DiscardResult makes Cancel remove the entry without resolving its
// ticket: no outcome is delivered through the handle, so a Wait on that
// ticket returns only when its own ctx is done.
func DiscardResult() CancelOption {
	return func(c *cancelConfig) { c.discard = true }
}

// Cancel removes reservation n from NextQueue if still pending, resolving
// its ticket as cancelled. Returns the removed (usage, job) pair, or nil
// values if n was not found (already dispatched or already cancelled).
func (c *Coordinator) Cancel(n int64, opts ...CancelOption) ([]int64, Job, error) {
	cfg := cancelConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	c.mu.Lock()
	if err := c.liveErrorLocked(); err != nil {
		c.mu.Unlock()
		return nil, nil, err
	}
	usage, job, handle, wasHead, ok := c.next.Cancel(n)
	if !ok {
		c.mu.Unlock()
		return nil, nil, nil
	}
	repoke := wasHead && !c.current.IsFull()
	c.mu.Unlock()
	c.takeEnqueued(n)

	if !cfg.discard {
		handle.resolve(Outcome{Cancelled: true})
	}
	if repoke {
		c.poke()
	}
	return usage, job, nil
}

// Stats snapshots the limits matrix plus aligned past/current/next sum
// vectors, at the given time if provided or at the current clock reading
// otherwise. Pure read; safe any time before termination.
func (c *Coordinator) Stats(at ...float64) (*Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.liveErrorLocked(); err != nil {
		return nil, err
	}

	now := c.clock()
	if len(at) > 0 {
		now = at[0]
	}
	past := make([][]int64, c.r)
	for d := 0; d < c.r; d++ {
		row := make([]int64, len(c.limits[d]))
		for i, l := range c.limits[d] {
			row[i] = c.ledger.SumAfter(now-l.PeriodSeconds(), d)
		}
		past[d] = row
	}
	return &Stats{
		Limits:  c.limits.clone(),
		Past:    past,
		Current: c.current.SumResources(),
		Next:    c.next.SumResources(),
	}, nil
}

// Runnings reports the number of occupied CurrentBuffer slots.
func (c *Coordinator) Runnings() int {
	return c.current.activeCount()
}

// Waitings reports the number of queued-but-not-started entries.
func (c *Coordinator) Waitings() int {
	return c.next.len()
}

// WaitingNumbers reports the set of reservation numbers still queued.
func (c *Coordinator) WaitingNumbers() []int64 {
	return c.next.numbers()
}

// Term marks the coordinator terminated, drains NextQueue cancelling
// every pending ticket, awaits completion of any still-running jobs, and
// finally closes the PastLedger's backing store.
func (c *Coordinator) Term(ctx context.Context) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return &Error{Kind: AfterTerminationError, Message: "term called after term"}
	}
	c.terminated = true
	c.mu.Unlock()

	for {
		n, _, handle, _, ok := c.next.Pop()
		if !ok {
			break
		}
		c.takeEnqueued(n)
		handle.resolve(Outcome{Cancelled: true})
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return c.ledger.Term()
}

// liveErrorLocked must be called with c.mu held. It surfaces a fatal
// internal-invariant error from a previous loop iteration, or the plain
// AfterTerminationError, whichever applies.
func (c *Coordinator) liveErrorLocked() error {
	if c.fatalErr != nil {
		return c.fatalErr
	}
	if c.terminated {
		return &Error{Kind: AfterTerminationError, Message: "operation attempted after term()"}
	}
	return nil
}

// poke starts the loop if it is not running, or nudges a running loop to
// recompute immediately instead of waiting out its current delay/timer.
func (c *Coordinator) poke() {
	c.mu.Lock()
	if c.terminated || c.fatalErr != nil {
		c.mu.Unlock()
		return
	}
	if !c.loopRunning {
		c.loopRunning = true
		c.wg.Add(1)
		c.mu.Unlock()
		go c.loop()
		return
	}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// loop is the single persistent coordinator goroutine, re-entering the
// body on every wake/timer/completion until both buffers are empty (exit)
// or a fatal internal contradiction is detected.
func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		exit, delay, fatalErr := c.planOneIteration()
		if fatalErr != nil {
			c.mu.Lock()
			c.fatalErr = fatalErr
			c.terminated = true
			c.loopRunning = false
			c.mu.Unlock()
			return
		}
		if exit {
			c.mu.Lock()
			// Re-check under c.mu before clearing loopRunning: planOneIteration's
			// emptiness read above happened without c.mu held, so a concurrent
			// Reserve may have pushed (and skipped poke because it saw
			// loopRunning still true) in the gap between that read and this
			// lock. Clearing loopRunning unconditionally here would strand
			// that entry with nothing left running to dispatch it.
			if c.next.IsEmpty() && c.current.IsEmpty() {
				c.loopRunning = false
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			continue
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if delay > 0 {
			timer = time.NewTimer(time.Duration(delay * float64(time.Second)))
			timerC = timer.C
		}

		select {
		case pos := <-c.current.Completions():
			if timer != nil {
				timer.Stop()
			}
			c.retire(pos)
			c.drainReadyCompletions()
		case <-timerC:
			// Nothing to do: looping again recomputes from scratch.
		case <-c.wake:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

// drainReadyCompletions retires any further slot completions that are
// already buffered, so a batch that finished together is processed
// together before recomputing admission — matching spec §5(c)'s "slot
// completions observed in one await first-complete batch may be retired
// in arbitrary order".
func (c *Coordinator) drainReadyCompletions() {
	for {
		select {
		case pos := <-c.current.Completions():
			c.retire(pos)
		default:
			return
		}
	}
}

func (c *Coordinator) retire(pos int) {
	now := c.clock()
	effTime, effUsage, duration, succeeded := c.current.End(now, pos)
	if err := c.ledger.Add(effTime, effUsage); err != nil {
		// Persistence failures during retirement are durability-best-
		// effort: the in-memory ledger already reflects effUsage, so
		// admission correctness is unaffected. There is no caller left
		// to hand this to (the job's own ticket already resolved), so
		// it is dropped after notifying onPersistenceFailure.
		if c.onPersistenceFailure != nil {
			c.onPersistenceFailure(err)
		}
	}
	if c.onJobComplete != nil {
		c.onJobComplete(duration, succeeded)
	}
	if c.onRetire != nil {
		c.onRetire()
	}
}

// planOneIteration computes the dispatch decisions for one loop pass
// without holding the coordinator's lock: the bookkeeping mutations
// (NextQueue.Pop / CurrentBuffer.Start) are guarded by those structures'
// own mutexes. It mirrors spec §4.5's pseudocode body.
func (c *Coordinator) planOneIteration() (exit bool, delay float64, fatalErr error) {
	if c.next.IsEmpty() {
		if c.current.IsEmpty() {
			return true, 0, nil
		}
		return false, 0, nil
	}

	now := c.clock()
	var pastMargin []int64

	for {
		if c.current.IsFull() {
			break
		}
		n, uNext, job, handle, ok := c.next.Peek()
		if !ok {
			break
		}
		projected := addVec(c.current.SumResources(), uNext)

		blocked := false
		for d, v := range projected {
			if v > int64(c.limits.minLimit(d)) {
				blocked = true
				break
			}
		}
		if blocked {
			break
		}

		if pastMargin == nil {
			pastMargin = make([]int64, c.r)
			for d := 0; d < c.r; d++ {
				margin := int64(math.MaxInt64)
				for _, l := range c.limits[d] {
					m := int64(l.ResourceLimit()) - c.ledger.SumAfter(now-l.PeriodSeconds(), d)
					if m < margin {
						margin = m
					}
				}
				pastMargin[d] = margin
			}
		}

		admits := true
		for d, v := range projected {
			if pastMargin[d] < v {
				admits = false
				break
			}
		}
		if admits {
			c.next.Pop()
			if t0, ok := c.takeEnqueued(n); ok && c.onDispatch != nil {
				c.onDispatch(uNext, now-t0)
			}
			c.current.Start(c.jobCtx, now, uNext, job, handle)
			continue
		}

		tStart := now
		first := true
		for d := 0; d < c.r; d++ {
			for _, l := range c.limits[d] {
				need := int64(l.ResourceLimit()) - projected[d]
				t := l.PeriodSeconds() + c.ledger.TimeWithin(d, need)
				if first || t > tStart {
					tStart = t
					first = false
				}
			}
		}
		delay = tStart - now
		if delay <= 0 {
			return false, 0, &Error{Kind: InternalInvariantError, Message: "computed non-positive delay while past-margin check still blocks admission"}
		}
		break
	}
	return false, delay, nil
}
