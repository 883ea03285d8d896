package ratelimit

import (
	"time"

	"github.com/largetownsky/ratesched/pkg/ratelimit/ledgerstore"
)

type config struct {
	store                ledgerstore.Store
	clock                func() float64
	onRetire             func()
	onDispatch           func(usage []int64, waitSeconds float64)
	onJobComplete        func(durationSeconds float64, succeeded bool)
	onPersistenceFailure func(err error)
}

// Option configures a Coordinator at construction time.
type Option func(*config)

// WithStore attaches a durable ledgerstore.Store the PastLedger loads from
// and appends to. Without one the ledger is purely in-memory.
func WithStore(store ledgerstore.Store) Option {
	return func(c *config) { c.store = store }
}

// WithClock overrides the wall-clock source used for "now", as seconds
// since an arbitrary epoch. Tests use this to drive the coordinator
// deterministically instead of sleeping in real time.
func WithClock(clock func() float64) Option {
	return func(c *config) { c.clock = clock }
}

// WithOnRetire registers a callback invoked after every job retirement
// (successful, erroring, or overwritten), once the ledger has recorded its
// usage. Used by pkg/ratelimitapi to push a fresh stats snapshot to
// streaming clients without polling.
func WithOnRetire(fn func()) Option {
	return func(c *config) { c.onRetire = fn }
}

// WithOnDispatch registers a callback invoked each time a reserved entry
// leaves NextQueue and enters CurrentBuffer, reporting how long it sat
// queued. Used by pkg/ratelimitmetrics to feed a dispatch-latency
// histogram.
func WithOnDispatch(fn func(usage []int64, waitSeconds float64)) Option {
	return func(c *config) { c.onDispatch = fn }
}

// WithOnJobComplete registers a callback invoked each time a CurrentBuffer
// slot retires, reporting how long the job occupied it and whether it
// completed without error. Used by pkg/ratelimitmetrics to feed a job
// duration histogram.
func WithOnJobComplete(fn func(durationSeconds float64, succeeded bool)) Option {
	return func(c *config) { c.onJobComplete = fn }
}

// WithOnPersistenceFailure registers a callback invoked whenever the
// PastLedger's backing store fails to record a retired job's usage. Used
// by pkg/ratelimitmetrics to count dropped persistence writes.
func WithOnPersistenceFailure(fn func(err error)) Option {
	return func(c *config) { c.onPersistenceFailure = fn }
}

func defaultClock() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
