// Package ratelimitmetrics exposes the coordinator's behavior as
// Prometheus metric vectors, grouped the way
// pkg/observability/metrics_registry.go groups per-component metrics
// (SchedulerMetrics, APIMetrics, ...) in the teacher repo — one struct of
// *prometheus.CounterVec/*GaugeVec/*HistogramVec fields, registered
// together at construction time.
package ratelimitmetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric ratesched exports, namespaced under
// ratesched_.
type Registry struct {
	ReservationsTotal   *prometheus.CounterVec
	CancellationsTotal  *prometheus.CounterVec
	AdmissionErrors     *prometheus.CounterVec
	DispatchLatency     *prometheus.HistogramVec
	JobDuration         *prometheus.HistogramVec
	PersistenceFailures *prometheus.CounterVec

	CurrentUsage *prometheus.GaugeVec
	NextUsage    *prometheus.GaugeVec
	PastUsage    *prometheus.GaugeVec
	Runnings     prometheus.Gauge
	Waitings     prometheus.Gauge
}

// NewRegistry builds and registers every ratesched metric against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ReservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratesched",
			Name:      "reservations_total",
			Help:      "Total reservations accepted by Reserve, by outcome.",
		}, []string{"outcome"}),
		CancellationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratesched",
			Name:      "cancellations_total",
			Help:      "Total Cancel calls, by outcome.",
		}, []string{"outcome"}),
		AdmissionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratesched",
			Name:      "admission_errors_total",
			Help:      "Total Reserve calls rejected at validation, by reason.",
		}, []string{"reason"}),
		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ratesched",
			Name:      "dispatch_latency_seconds",
			Help:      "Time a reservation spent queued before entering CurrentBuffer.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"dimension"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ratesched",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time a job occupied a CurrentBuffer slot.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		PersistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratesched",
			Name:      "persistence_failures_total",
			Help:      "Total PastLedger store errors observed during retirement.",
		}, []string{"op"}),
		CurrentUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ratesched",
			Name:      "current_usage",
			Help:      "CurrentBuffer.sum_resources by dimension.",
		}, []string{"dimension"}),
		NextUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ratesched",
			Name:      "next_usage",
			Help:      "NextQueue.sum_resources by dimension.",
		}, []string{"dimension"}),
		PastUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ratesched",
			Name:      "past_usage",
			Help:      "PastLedger cumulative usage within each limit's trailing window.",
		}, []string{"dimension", "limit_index"}),
		Runnings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ratesched",
			Name:      "runnings",
			Help:      "Number of occupied CurrentBuffer slots.",
		}),
		Waitings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ratesched",
			Name:      "waitings",
			Help:      "Number of entries still queued in NextQueue.",
		}),
	}

	reg.MustRegister(
		r.ReservationsTotal,
		r.CancellationsTotal,
		r.AdmissionErrors,
		r.DispatchLatency,
		r.JobDuration,
		r.PersistenceFailures,
		r.CurrentUsage,
		r.NextUsage,
		r.PastUsage,
		r.Runnings,
		r.Waitings,
	)
	return r
}

// ObserveStats fans a Stats snapshot out into the current/next/past gauges,
// keyed by dimension (and limit index for Past).
func (r *Registry) ObserveStats(dims int, current, next []int64, past [][]int64) {
	for d := 0; d < dims; d++ {
		dim := dimensionLabel(d)
		r.CurrentUsage.WithLabelValues(dim).Set(float64(current[d]))
		r.NextUsage.WithLabelValues(dim).Set(float64(next[d]))
		for i, v := range past[d] {
			r.PastUsage.WithLabelValues(dim, limitIndexLabel(i)).Set(float64(v))
		}
	}
}

// ObserveRunnings sets the Runnings/Waitings gauges to the coordinator's
// current occupancy counts.
func (r *Registry) ObserveRunnings(runnings, waitings int) {
	r.Runnings.Set(float64(runnings))
	r.Waitings.Set(float64(waitings))
}

func dimensionLabel(d int) string {
	return strconv.Itoa(d)
}

func limitIndexLabel(i int) string {
	return strconv.Itoa(i)
}
