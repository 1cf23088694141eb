// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "proctor"

var (
	// SessionsOpened counts open requests by result.
	// Labels: result (created, resumed, terminal, rejected)
	SessionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "opened_total",
		Help:      "Session open requests by result",
	}, []string{"result"})

	// LiveSessions tracks sessions with a running deadline watcher.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "live",
		Help:      "Sessions currently attached to this instance",
	})

	// TerminalOutcomes counts won terminal transitions.
	// Labels: status
	TerminalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "terminal_total",
		Help:      "Terminal transitions by status",
	}, []string{"status"})

	// Violations counts recorded integrity violations.
	// Labels: type
	Violations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "integrity",
		Name:      "violations_total",
		Help:      "Integrity violations by type",
	}, []string{"type"})

	// Submissions counts backend delivery attempts by result.
	// Labels: result (delivered, rejected, failed, pending, beacon)
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "submissions_total",
		Help:      "Score submissions by result",
	}, []string{"result"})

	// BackendLatency measures backend round trips.
	// Labels: endpoint
	BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "request_duration_seconds",
		Help:      "Backend request latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	// DeliveryRetries counts redelivery attempts made by the worker.
	DeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "redeliveries_total",
		Help:      "Redelivery attempts of pending submissions",
	})

	// Evictions counts session keys removed by the janitor.
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "evictions_total",
		Help:      "Session snapshots evicted from the hot store",
	})

	// QueueFlushes counts persistence worker batch flushes.
	// Labels: queue, result (ok, fallback, requeued)
	QueueFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "flushes_total",
		Help:      "Persistence worker batch flushes by result",
	}, []string{"queue", "result"})
)
