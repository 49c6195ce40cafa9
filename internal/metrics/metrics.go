// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Processing outcomes recorded by MessageProcessed.
const (
	OutcomeReplied     = "replied"
	OutcomeRejected    = "rejected"
	OutcomeFallback    = "fallback"
	OutcomeUndelivered = "undelivered"
	OutcomePanic       = "panic"
)

// Metrics holds every collector. A nil *Metrics records nothing, so
// components can take one unconditionally.
type Metrics struct {
	enqueued            prometheus.Counter
	processed           *prometheus.CounterVec
	admissionRejected   prometheus.Counter
	generationFailures  prometheus.Counter
	generationDuration  *prometheus.HistogramVec
	deliveryAttempts    prometheus.Counter
	deliveryFailures    prometheus.Counter
	persistenceFailures prometheus.Counter
	panics              prometheus.Counter
	queueDepth          prometheus.Gauge
	activeSessions      prometheus.Gauge
	flushes             *prometheus.CounterVec
	evictions           prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_enqueued_total",
			Help:      "Total number of inbound messages accepted into the dispatch queue",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Total number of messages taken off the queue, by outcome",
		}, []string{"outcome"}),
		admissionRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Total number of messages dropped by the per-user rate limiter",
		}),
		generationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_failures_total",
			Help:      "Total number of failed or timed out AI calls",
		}),
		generationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Duration of AI calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"mode", "status"}),
		deliveryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total number of reply delivery attempts",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Total number of replies lost after exhausting retries",
		}),
		persistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Total number of turns that could not be written to storage",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_panics_total",
			Help:      "Total number of recovered worker panics",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of messages waiting in the dispatch queue",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions held in memory",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_flushes_total",
			Help:      "Total number of session snapshot flushes, by status",
		}, []string{"status"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Total number of idle sessions evicted",
		}),
	}

	reg.MustRegister(
		m.enqueued,
		m.processed,
		m.admissionRejected,
		m.generationFailures,
		m.generationDuration,
		m.deliveryAttempts,
		m.deliveryFailures,
		m.persistenceFailures,
		m.panics,
		m.queueDepth,
		m.activeSessions,
		m.flushes,
		m.evictions,
	)

	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// MessageEnqueued counts an accepted inbound message.
func (m *Metrics) MessageEnqueued() {
	if m == nil {
		return
	}
	m.enqueued.Inc()
}

// MessageProcessed counts a message leaving the pipeline with outcome.
func (m *Metrics) MessageProcessed(outcome string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(outcome).Inc()
}

// AdmissionRejected counts a rate-limited message.
func (m *Metrics) AdmissionRejected() {
	if m == nil {
		return
	}
	m.admissionRejected.Inc()
}

// ObserveGeneration records an AI call. mode is "whole" or "stream".
func (m *Metrics) ObserveGeneration(mode string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		m.generationFailures.Inc()
	}
	m.generationDuration.WithLabelValues(mode, status).Observe(d.Seconds())
}

// DeliveryAttempt counts one call to the messenger.
func (m *Metrics) DeliveryAttempt() {
	if m == nil {
		return
	}
	m.deliveryAttempts.Inc()
}

// DeliveryFailed counts a reply lost after retries.
func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// PersistenceFailed counts a turn the store could not write.
func (m *Metrics) PersistenceFailed() {
	if m == nil {
		return
	}
	m.persistenceFailures.Inc()
}

// PanicRecovered counts a recovered worker panic.
func (m *Metrics) PanicRecovered() {
	if m == nil {
		return
	}
	m.panics.Inc()
}

// SetQueueDepth records the number of queued messages.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetActiveSessions records the number of in-memory sessions.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// FlushCompleted counts a snapshot flush.
func (m *Metrics) FlushCompleted(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.flushes.WithLabelValues(status).Inc()
}

// SessionsEvicted counts evicted sessions.
func (m *Metrics) SessionsEvicted(n int) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(n))
}
