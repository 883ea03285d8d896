package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually-advanced clock so coordinator tests can assert
// on effective times and ledger sums without depending on real sleeps.
type testClock struct {
	mu  sync.Mutex
	now float64
}

func (c *testClock) read() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) set(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newScenario1Limits() Matrix {
	return Matrix{
		{MustNewLimit(10, 1.5), MustNewLimit(15, 3)},
		{MustNewLimit(100, 3)},
	}
}

func TestCoordinator_Scenario1_DispatchAdjustmentAndOverwrite(t *testing.T) {
	clock := &testClock{}
	coord, err := New(newScenario1Limits(), 2, WithClock(clock.read))
	require.NoError(t, err)

	gate1 := make(chan struct{})
	gate2 := make(chan struct{})
	gate3 := make(chan struct{})

	ticket1, err := coord.Reserve([]int64{1, 2}, gatedJob(gate1, nil, "r1", nil))
	require.NoError(t, err)
	ticket2, err := coord.Reserve([]int64{2, 3}, gatedJob(gate2, nil, nil,
		&ResourceOverwriteError{Time: 0.3, Usage: []int64{3, 3}, Cause: errInvalidValue}))
	require.NoError(t, err)
	ticket3, err := coord.Reserve([]int64{3, 4}, gatedJob(gate3, &Adjustment{Time: 1.2, Usage: []int64{2, 1}}, "r3", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := coord.Stats()
		require.NoError(t, err)
		return equalVec(s.Current, []int64{3, 5}) && equalVec(s.Next, []int64{3, 4})
	}, time.Second, 5*time.Millisecond)

	// Release job2 first: ResourceOverwriteError amends the charge to
	// [3,3] at t=0.3 and fails the ticket with the validation cause.
	clock.set(0.3)
	close(gate2)
	_, err = ticket2.Wait(context.Background())
	require.ErrorIs(t, err, errInvalidValue)

	require.Eventually(t, func() bool {
		s, err := coord.Stats(0.3)
		require.NoError(t, err)
		// job2 retired with its amended charge [3,3] (both dimensions),
		// so the ledger's sole entry so far carries [3,3] cumulative.
		return equalVec(s.Past[0], []int64{3, 3}) && equalVec(s.Past[1], []int64{3})
	}, time.Second, 5*time.Millisecond)

	// Releasing job2 frees a slot, letting job3 dispatch immediately.
	require.Eventually(t, func() bool {
		s, err := coord.Stats()
		require.NoError(t, err)
		return equalVec(s.Next, []int64{0, 0})
	}, time.Second, 5*time.Millisecond)

	clock.set(0.6)
	close(gate1)
	result1, err := ticket1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r1", result1)

	require.Eventually(t, func() bool {
		s, err := coord.Stats(0.6)
		require.NoError(t, err)
		return equalVec(s.Past[0], []int64{4, 4}) && equalVec(s.Past[1], []int64{5})
	}, time.Second, 5*time.Millisecond)

	clock.set(1.2)
	close(gate3)
	result3, err := ticket3.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r3", result3)

	require.Eventually(t, func() bool {
		s, err := coord.Stats(1.2)
		require.NoError(t, err)
		return equalVec(s.Past[0], []int64{6, 6}) && equalVec(s.Past[1], []int64{6})
	}, time.Second, 5*time.Millisecond)
}

var errInvalidValue = errors.New("invalid value")

func equalVec(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCoordinator_Scenario2_CancelQueuedHead(t *testing.T) {
	clock := &testClock{}
	coord, err := New(newScenario1Limits(), 2, WithClock(clock.read))
	require.NoError(t, err)

	block := make(chan struct{})
	_, err = coord.Reserve([]int64{4, 20}, gatedJob(block, nil, "a", nil))
	require.NoError(t, err)
	_, err = coord.Reserve([]int64{1, 2}, gatedJob(block, nil, "b", nil))
	require.NoError(t, err)
	// a and b together fill both slots, so c is left queued as the sole
	// (and therefore head) entry.
	ticketC, err := coord.Reserve([]int64{5, 50}, gatedJob(block, nil, "c", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return coord.Waitings() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{2}, coord.WaitingNumbers())

	usage, _, err := coord.Cancel(2)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 50}, usage)

	_, err = ticketC.Wait(context.Background())
	require.ErrorIs(t, err, ErrCancelled)

	close(block)
}

func TestCoordinator_Scenario3_AdmissionErrorOnOverLimitUsage(t *testing.T) {
	coord, err := New(Matrix{{MustNewLimit(2, 1)}}, 1)
	require.NoError(t, err)

	_, err = coord.Reserve([]int64{3}, dummyJob)
	require.Error(t, err)
	var rlErr *Error
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, AdmissionError, rlErr.Kind)
}

func TestCoordinator_Scenario4_TermAwaitsRunningAndBlocksFurtherOps(t *testing.T) {
	coord, err := New(newScenario1Limits(), 1)
	require.NoError(t, err)

	block := make(chan struct{})
	ticket, err := coord.Reserve([]int64{1, 1}, gatedJob(block, nil, "f", nil))
	require.NoError(t, err)
	close(block)

	// Give the job a chance to dispatch (it'll be running, not queued,
	// but term must still await its completion before returning).
	require.Eventually(t, func() bool {
		return coord.Runnings() == 1 || coord.Waitings() == 0
	}, time.Second, 5*time.Millisecond)

	err = coord.Term(context.Background())
	require.NoError(t, err)

	_, err = ticket.Wait(context.Background())
	// The job ran to completion before term's drain reached it (it was
	// already dispatched), so it resolves with its real result rather
	// than cancellation -- this exercises term()'s "await still-running
	// tasks" contract rather than its "cancel still-queued" contract.
	if err == nil {
		assert.Equal(t, "f", mustResult(t, ticket))
	}

	_, err = coord.Reserve([]int64{1, 1}, dummyJob)
	require.Error(t, err)
	var rlErr *Error
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, AfterTerminationError, rlErr.Kind)

	_, _, err = coord.Cancel(0)
	require.Error(t, err)
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, AfterTerminationError, rlErr.Kind)

	_, err = coord.Stats()
	require.Error(t, err)
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, AfterTerminationError, rlErr.Kind)

	err = coord.Term(context.Background())
	require.Error(t, err)
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, AfterTerminationError, rlErr.Kind)
}

func mustResult(t *testing.T, ticket *Ticket) any {
	t.Helper()
	res, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	return res
}

func TestCoordinator_TermCancelsStillQueuedEntries(t *testing.T) {
	coord, err := New(newScenario1Limits(), 1)
	require.NoError(t, err)

	// block is left open for the whole test: the running job never
	// completes, so the queued entry below is guaranteed to still be
	// queued (never dispatched into the lone slot) when Term runs its
	// cancellation pass.
	block := make(chan struct{})
	_, err = coord.Reserve([]int64{1, 1}, gatedJob(block, nil, "running", nil))
	require.NoError(t, err)
	queuedTicket, err := coord.Reserve([]int64{1, 1}, dummyJob)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return coord.Waitings() == 1
	}, time.Second, 5*time.Millisecond)

	// Term cancels every still-queued entry before it ever waits on the
	// still-running job, so the queued ticket resolves immediately even
	// though Term itself cannot return until the running job finishes.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = coord.Term(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = queuedTicket.Wait(context.Background())
	require.ErrorIs(t, err, ErrCancelled)

	close(block)
}

func TestCoordinator_ConstructionRejectsInvalidShape(t *testing.T) {
	_, err := New(Matrix{}, 1)
	require.Error(t, err)

	_, err = New(Matrix{{MustNewLimit(1, 1)}}, 0)
	require.Error(t, err)
}

func TestCoordinator_ReserveRejectsWrongLengthAndNegative(t *testing.T) {
	coord, err := New(newScenario1Limits(), 1)
	require.NoError(t, err)

	_, err = coord.Reserve([]int64{1}, dummyJob)
	require.Error(t, err)

	_, err = coord.Reserve([]int64{-1, 0}, dummyJob)
	require.Error(t, err)
}
