// Package metrics exposes Prometheus instrumentation for romsvd workers.
//
// All series carry a rank label so that the workers of an in-process group
// can share one registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "romsvd"

type Metrics struct {
	samplesAccepted *prometheus.CounterVec
	samplesRejected *prometheus.CounterVec
	intervals       *prometheus.CounterVec
	computeDuration *prometheus.HistogramVec
	retainedRank    *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		samplesAccepted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_accepted_total",
				Help:      "Total number of samples added to the snapshot matrix",
			},
			[]string{"rank"},
		),
		samplesRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_rejected_total",
				Help:      "Total number of zero-norm samples rejected",
			},
			[]string{"rank"},
		),
		intervals: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intervals_total",
				Help:      "Total number of time intervals started",
			},
			[]string{"rank"},
		),
		computeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "svd_compute_duration_seconds",
				Help:      "Duration of basis recomputation including gather",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"rank"},
		),
		retainedRank: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "retained_rank",
				Help:      "Number of singular triplets kept by the last computation",
			},
			[]string{"rank"},
		),
	}
}

func label(rank int) string { return strconv.Itoa(rank) }

func (m *Metrics) SampleAccepted(rank int) {
	if m == nil {
		return
	}
	m.samplesAccepted.WithLabelValues(label(rank)).Inc()
}

func (m *Metrics) SampleRejected(rank int) {
	if m == nil {
		return
	}
	m.samplesRejected.WithLabelValues(label(rank)).Inc()
}

func (m *Metrics) IntervalStarted(rank int) {
	if m == nil {
		return
	}
	m.intervals.WithLabelValues(label(rank)).Inc()
}

// Computed records one basis computation that took d and kept r triplets.
func (m *Metrics) Computed(rank int, d time.Duration, r int) {
	if m == nil {
		return
	}
	m.computeDuration.WithLabelValues(label(rank)).Observe(d.Seconds())
	m.retainedRank.WithLabelValues(label(rank)).Set(float64(r))
}
