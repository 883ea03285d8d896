package ratelimit

import (
	"encoding/json"
	"fmt"
)

// Limit is an immutable (resource_limit, period_seconds) pair: no more than
// ResourceLimit units of usage may be charged against the trailing window of
// PeriodSeconds.
type Limit struct {
	resourceLimit int
	periodSeconds float64
}

// NewLimit validates and constructs a Limit. Both fields must be positive.
func NewLimit(resourceLimit int, periodSeconds float64) (Limit, error) {
	if resourceLimit <= 0 || periodSeconds <= 0 {
		return Limit{}, &Error{
			Kind:    ConstructionError,
			Message: fmt.Sprintf("limit requires positive resource_limit and period_seconds, got (%d, %g)", resourceLimit, periodSeconds),
		}
	}
	return Limit{resourceLimit: resourceLimit, periodSeconds: periodSeconds}, nil
}

// MustNewLimit is NewLimit but panics on invalid input, for constructing
// static limit tables at package init time.
func MustNewLimit(resourceLimit int, periodSeconds float64) Limit {
	l, err := NewLimit(resourceLimit, periodSeconds)
	if err != nil {
		panic(err)
	}
	return l
}

// ResourceLimit returns the maximum cumulative usage the window admits.
func (l Limit) ResourceLimit() int { return l.resourceLimit }

// PeriodSeconds returns the sliding-window width in seconds.
func (l Limit) PeriodSeconds() float64 { return l.periodSeconds }

// MarshalJSON renders a Limit as its two public fields, so Stats can be
// serialized directly by pkg/ratelimitapi without a parallel DTO per Limit.
func (l Limit) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ResourceLimit int     `json:"resource_limit"`
		PeriodSeconds float64 `json:"period_seconds"`
	}{l.resourceLimit, l.periodSeconds})
}

// PerSecond builds a one-second-window Limit.
func PerSecond(resourceLimit int) Limit { return MustNewLimit(resourceLimit, 1) }

// PerMinute builds a sixty-second-window Limit.
func PerMinute(resourceLimit int) Limit { return MustNewLimit(resourceLimit, 60) }

// PerHour builds a one-hour-window Limit.
func PerHour(resourceLimit int) Limit { return MustNewLimit(resourceLimit, 3600) }

// PerDay builds a twenty-four-hour-window Limit.
func PerDay(resourceLimit int) Limit { return MustNewLimit(resourceLimit, 86400) }

// Matrix is the ordered list of resource dimensions, each carrying one or
// more Limits (typically several periods for the same dimension).
type Matrix [][]Limit

func (m Matrix) validate() error {
	if len(m) == 0 {
		return &Error{Kind: ConstructionError, Message: "limit matrix must have at least one dimension"}
	}
	for d, limits := range m {
		if len(limits) == 0 {
			return &Error{Kind: ConstructionError, Message: fmt.Sprintf("dimension %d has no limits", d)}
		}
	}
	return nil
}

// dimensions returns R, the number of resource dimensions.
func (m Matrix) dimensions() int { return len(m) }

// windowMax returns W_max, the longest period across every limit.
func (m Matrix) windowMax() float64 {
	max := 0.0
	for _, limits := range m {
		for _, l := range limits {
			if l.periodSeconds > max {
				max = l.periodSeconds
			}
		}
	}
	return max
}

// minLimit returns the smallest resource_limit among the limits of
// dimension d — the cap a single request in that dimension can never
// exceed, regardless of current load.
func (m Matrix) minLimit(d int) int {
	min := m[d][0].resourceLimit
	for _, l := range m[d][1:] {
		if l.resourceLimit < min {
			min = l.resourceLimit
		}
	}
	return min
}

// clone returns a defensive copy suitable for exposing to callers (e.g. via
// Stats) without letting them mutate the coordinator's own matrix.
func (m Matrix) clone() Matrix {
	out := make(Matrix, len(m))
	for d, limits := range m {
		out[d] = append([]Limit(nil), limits...)
	}
	return out
}
