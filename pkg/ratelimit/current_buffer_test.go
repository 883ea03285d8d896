package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedJob returns a Job that blocks until release is closed, then yields
// the given outcome. Using a gate instead of a real sleep lets tests
// control dispatch order deterministically, the way the original's
// asyncio.sleep(...) controlled ordering via the event loop.
func gatedJob(release <-chan struct{}, adj *Adjustment, result any, err error) Job {
	return func(ctx context.Context) (*Adjustment, any, error) {
		<-release
		return adj, result, err
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestCurrentBuffer_StartEndLifecycle(t *testing.T) {
	buf := NewCurrentBuffer(2, 2)
	assert.True(t, buf.IsEmpty())
	assert.False(t, buf.IsFull())
	assert.Equal(t, []int64{0, 0}, buf.SumResources())

	h1 := newCompletionHandle()
	ok := buf.Start(context.Background(), 0, []int64{1, 2}, gatedJob(closedChan(), nil, "r1", nil), h1)
	require.True(t, ok)
	assert.False(t, buf.IsEmpty())
	assert.False(t, buf.IsFull())
	assert.Equal(t, []int64{1, 2}, buf.SumResources())

	pos := <-buf.Completions()
	effTime, effUsage, duration, succeeded := buf.End(100, pos)
	assert.Equal(t, 100.0, effTime)
	assert.Equal(t, []int64{1, 2}, effUsage)
	assert.Equal(t, 100.0, duration)
	assert.True(t, succeeded)
	assert.Equal(t, "r1", (<-h1.ch).Result)
	assert.True(t, buf.IsEmpty())
	assert.Equal(t, []int64{0, 0}, buf.SumResources())
}

func TestCurrentBuffer_FullRejectsStart(t *testing.T) {
	buf := NewCurrentBuffer(2, 2)
	block := make(chan struct{})
	require.True(t, buf.Start(context.Background(), 0, []int64{1, 2}, gatedJob(block, nil, "r1", nil), newCompletionHandle()))
	require.True(t, buf.Start(context.Background(), 0, []int64{2, 3}, gatedJob(block, nil, "r2", nil), newCompletionHandle()))
	assert.True(t, buf.IsFull())
	ok := buf.Start(context.Background(), 0, []int64{3, 4}, gatedJob(block, nil, "r3", nil), newCompletionHandle())
	assert.False(t, ok)
	assert.Equal(t, []int64{3, 5}, buf.SumResources())
	close(block)
}

func TestCurrentBuffer_AdjustmentOverridesCharge(t *testing.T) {
	buf := NewCurrentBuffer(1, 2)
	h := newCompletionHandle()
	adj := &Adjustment{Time: 90, Usage: []int64{1, 1}}
	require.True(t, buf.Start(context.Background(), 0, []int64{2, 3}, gatedJob(closedChan(), adj, "r1", nil), h))

	pos := <-buf.Completions()
	effTime, effUsage, _, succeeded := buf.End(100, pos)
	assert.Equal(t, 90.0, effTime)
	assert.Equal(t, []int64{1, 1}, effUsage)
	assert.True(t, succeeded)
	assert.Equal(t, "r1", (<-h.ch).Result)
}

func TestCurrentBuffer_ResourceOverwriteErrorAmendsAndFails(t *testing.T) {
	buf := NewCurrentBuffer(1, 2)
	h := newCompletionHandle()
	cause := assertError("boom")
	overwrite := &ResourceOverwriteError{Time: 110, Usage: []int64{3, 3}, Cause: cause}
	require.True(t, buf.Start(context.Background(), 0, []int64{2, 3}, gatedJob(closedChan(), nil, nil, overwrite), h))

	pos := <-buf.Completions()
	effTime, effUsage, _, succeeded := buf.End(100, pos)
	assert.Equal(t, 110.0, effTime)
	assert.Equal(t, []int64{3, 3}, effUsage)
	assert.False(t, succeeded)
	o := <-h.ch
	assert.Equal(t, cause, o.Err)
}

func TestCurrentBuffer_ResourceOverwriteErrorWithInvalidUsageKeepsOriginalCharge(t *testing.T) {
	buf := NewCurrentBuffer(1, 2)
	h := newCompletionHandle()
	overwrite := &ResourceOverwriteError{Time: 110, Usage: []int64{3}, Cause: assertError("boom")}
	require.True(t, buf.Start(context.Background(), 0, []int64{2, 3}, gatedJob(closedChan(), nil, nil, overwrite), h))

	pos := <-buf.Completions()
	effTime, effUsage, _, succeeded := buf.End(100, pos)
	assert.Equal(t, 100.0, effTime)
	assert.Equal(t, []int64{2, 3}, effUsage)
	assert.False(t, succeeded)
	o := <-h.ch
	require.Error(t, o.Err)
	var rlErr *Error
	require.ErrorAs(t, o.Err, &rlErr)
	assert.Equal(t, AdmissionError, rlErr.Kind)
}

func TestCurrentBuffer_PlainErrorKeepsOriginalChargeAndTime(t *testing.T) {
	buf := NewCurrentBuffer(1, 2)
	h := newCompletionHandle()
	require.True(t, buf.Start(context.Background(), 0, []int64{1, 2}, gatedJob(closedChan(), nil, nil, assertError("boom")), h))

	pos := <-buf.Completions()
	effTime, effUsage, _, succeeded := buf.End(100, pos)
	assert.Equal(t, 100.0, effTime)
	assert.Equal(t, []int64{1, 2}, effUsage)
	assert.False(t, succeeded)
	o := <-h.ch
	require.Error(t, o.Err)
}

func TestCurrentBuffer_RoundRobinSlotReuse(t *testing.T) {
	buf := NewCurrentBuffer(2, 1)
	block := make(chan struct{})
	hA := newCompletionHandle()
	hB := newCompletionHandle()
	require.True(t, buf.Start(context.Background(), 0, []int64{1}, gatedJob(block, nil, "a", nil), hA))
	require.True(t, buf.Start(context.Background(), 0, []int64{1}, gatedJob(block, nil, "b", nil), hB))

	close(block)
	first := <-buf.Completions()
	buf.End(1, first)
	// next empty-slot search starts at the rolling cursor (2 % 2 == 0);
	// starting a fresh job should reuse whichever slot just freed via
	// round-robin, not necessarily the lowest index.
	hC := newCompletionHandle()
	require.True(t, buf.Start(context.Background(), 1, []int64{1}, gatedJob(closedChan(), nil, "c", nil), hC))
	second := <-buf.Completions()
	buf.End(2, second)
	third := <-buf.Completions()
	buf.End(3, third)
	assert.True(t, buf.IsEmpty())
}

type assertError string

func (e assertError) Error() string { return string(e) }
