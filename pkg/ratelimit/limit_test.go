package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimit_Valid(t *testing.T) {
	l, err := NewLimit(10, 1.5)
	require.NoError(t, err)
	assert.Equal(t, 10, l.ResourceLimit())
	assert.Equal(t, 1.5, l.PeriodSeconds())
}

func TestNewLimit_RejectsNonPositive(t *testing.T) {
	cases := []struct {
		name          string
		resourceLimit int
		period        float64
	}{
		{"zero limit", 0, 1},
		{"negative limit", -1, 1},
		{"zero period", 5, 0},
		{"negative period", 5, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewLimit(tc.resourceLimit, tc.period)
			require.Error(t, err)
			var rlErr *Error
			require.ErrorAs(t, err, &rlErr)
			assert.Equal(t, ConstructionError, rlErr.Kind)
		})
	}
}

func TestConstructors(t *testing.T) {
	assert.Equal(t, 1.0, PerSecond(5).PeriodSeconds())
	assert.Equal(t, 60.0, PerMinute(5).PeriodSeconds())
	assert.Equal(t, 3600.0, PerHour(5).PeriodSeconds())
	assert.Equal(t, 86400.0, PerDay(5).PeriodSeconds())
}

func TestMatrix_WindowMax(t *testing.T) {
	m := Matrix{
		{MustNewLimit(10, 1.5), MustNewLimit(15, 3)},
		{MustNewLimit(100, 3)},
	}
	assert.Equal(t, 3.0, m.windowMax())
	assert.Equal(t, 2, m.dimensions())
	assert.Equal(t, 10, m.minLimit(0))
	assert.Equal(t, 100, m.minLimit(1))
}

func TestMatrix_ValidateRejectsEmptyDimensions(t *testing.T) {
	require.Error(t, Matrix{}.validate())
	require.Error(t, Matrix{{}}.validate())
	require.NoError(t, Matrix{{MustNewLimit(1, 1)}}.validate())
}
