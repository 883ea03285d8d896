package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dummyJob(ctx context.Context) (*Adjustment, any, error) {
	return nil, nil, errors.New("dummy")
}

// TestNextQueue mirrors original_source/tests/test_resource_queue.py's
// test_next scenario by scenario.
func TestNextQueue(t *testing.T) {
	q := NewNextQueue(2)
	assert.True(t, q.IsEmpty())
	assert.Equal(t, []int64{0, 0}, q.SumResources())
	_, _, _, _, ok := q.Peek()
	assert.False(t, ok)
	_, _, _, _, ok = q.Pop()
	assert.False(t, ok)
	_, _, _, _, ok = q.Cancel(-1)
	assert.False(t, ok)
	_, _, _, _, ok = q.Cancel(0)
	assert.False(t, ok)
	_, _, _, _, ok = q.Cancel(1)
	assert.False(t, ok)

	h := newCompletionHandle()
	n := q.Push([]int64{1, 2}, dummyJob, h)
	require.EqualValues(t, 0, n)
	assert.False(t, q.IsEmpty())
	assert.Equal(t, []int64{1, 2}, q.SumResources())

	_, _, _, _, ok = q.Cancel(-1)
	assert.False(t, ok)
	_, _, _, _, ok = q.Cancel(1)
	assert.False(t, ok)

	_, usage, _, _, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, usage)
	assert.Equal(t, []int64{1, 2}, q.SumResources())

	usage, _, _, wasHead, ok := q.Cancel(0)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, usage)
	assert.True(t, wasHead)
	assert.True(t, q.IsEmpty())
	assert.Equal(t, []int64{0, 0}, q.SumResources())

	// Push and pop.
	n = q.Push([]int64{1, 2}, dummyJob, h)
	require.EqualValues(t, 1, n)
	_, _, _, _, ok = q.Cancel(0)
	assert.False(t, ok)
	_, _, _, _, ok = q.Cancel(2)
	assert.False(t, ok)

	_, usage, _, _, ok = q.Peek()
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, usage)

	_, usage, _, _, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, usage)
	assert.True(t, q.IsEmpty())
	assert.Equal(t, []int64{0, 0}, q.SumResources())

	// Combine various operations.
	_, _, _, _, ok = q.Peek()
	assert.False(t, ok)
	_, _, _, _, ok = q.Pop()
	assert.False(t, ok)

	require.EqualValues(t, 2, q.Push([]int64{1, 2}, dummyJob, h))
	require.EqualValues(t, 3, q.Push([]int64{2, 3}, dummyJob, h))
	usage, _, _, wasHead, ok = q.Cancel(3)
	require.True(t, ok)
	assert.Equal(t, []int64{2, 3}, usage)
	assert.False(t, wasHead)

	require.EqualValues(t, 4, q.Push([]int64{3, 4}, dummyJob, h))
	_, usage, _, _, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, usage)

	require.EqualValues(t, 5, q.Push([]int64{4, 5}, dummyJob, h))
	_, usage, _, _, ok = q.Peek()
	require.True(t, ok)
	assert.Equal(t, []int64{3, 4}, usage)

	usage, _, _, wasHead, ok = q.Cancel(4)
	require.True(t, ok)
	assert.Equal(t, []int64{3, 4}, usage)
	assert.True(t, wasHead)
	assert.False(t, q.IsEmpty())
	assert.Equal(t, []int64{4, 5}, q.SumResources())
	assert.Equal(t, []int64{5}, q.numbers())

	_, usage, _, _, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, []int64{4, 5}, usage)
}
