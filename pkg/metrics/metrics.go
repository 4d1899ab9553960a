// Package metrics exposes runner and engine activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "salmon"

var (
	// iterations counts runner iterations.
	// Labels: sampler, status (ok, error, fatal)
	iterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "iterations_total",
		Help:      "Runner iterations by outcome",
	}, []string{"sampler", "status"})

	// phaseDuration measures each phase of an iteration.
	// Labels: sampler, phase (update, search, publish)
	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "phase_duration_seconds",
		Help:      "Duration of runner iteration phases",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"sampler", "phase"})

	answersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "answers_processed_total",
		Help:      "Answers drained and handed to samplers",
	}, []string{"sampler"})

	queriesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "queries_published_total",
		Help:      "Scored queries written to the queue",
	}, []string{"sampler"})

	modelUpdates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "model_updates",
		Help:      "Optimizer steps taken so far",
	}, []string{"sampler"})

	checkpoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "checkpoints_total",
		Help:      "Checkpoint saves by outcome",
	}, []string{"sampler", "status"})

	// queriesServed counts queries handed to participants.
	// Labels: sampler, source (direct, queue, fallback)
	queriesServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "queries_served_total",
		Help:      "Queries served to participants by source",
	}, []string{"sampler", "source"})

	answersReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "answers_received_total",
		Help:      "Answers accepted from participants",
	}, []string{"sampler"})
)

// Iteration status labels.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusFatal = "fatal"
)

// Phase labels.
const (
	PhaseUpdate  = "update"
	PhaseSearch  = "search"
	PhasePublish = "publish"
)

// Query source labels.
const (
	SourceDirect   = "direct"
	SourceQueue    = "queue"
	SourceFallback = "fallback"
)

// RecordIteration records the outcome of one runner iteration.
func RecordIteration(sampler, status string, drained, published, updates int) {
	iterations.WithLabelValues(sampler, status).Inc()
	answersProcessed.WithLabelValues(sampler).Add(float64(drained))
	queriesPublished.WithLabelValues(sampler).Add(float64(published))
	modelUpdates.WithLabelValues(sampler).Set(float64(updates))
}

// RecordPhase records how long a phase took.
func RecordPhase(sampler, phase string, d time.Duration) {
	phaseDuration.WithLabelValues(sampler, phase).Observe(d.Seconds())
}

// RecordCheckpoint records a checkpoint save.
func RecordCheckpoint(sampler string, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	checkpoints.WithLabelValues(sampler, status).Inc()
}

// RecordServed records a query served from source.
func RecordServed(sampler, source string) {
	queriesServed.WithLabelValues(sampler, source).Inc()
}

// RecordAnswer records an accepted answer.
func RecordAnswer(sampler string) {
	answersReceived.WithLabelValues(sampler).Inc()
}

// Reset drops every series of a sampler, used when an experiment is reset.
func Reset(sampler string) {
	for _, v := range []*prometheus.CounterVec{iterations, answersProcessed, queriesPublished, checkpoints, queriesServed, answersReceived} {
		v.DeletePartialMatch(prometheus.Labels{"sampler": sampler})
	}
	phaseDuration.DeletePartialMatch(prometheus.Labels{"sampler": sampler})
	modelUpdates.DeletePartialMatch(prometheus.Labels{"sampler": sampler})
}
