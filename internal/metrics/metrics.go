// Package metrics holds the Prometheus collectors served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Submissions counts submit attempts by method and outcome.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "submissions_total",
		Help:      "Attendance submissions by verification method and outcome.",
	}, []string{"method", "outcome"})

	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "sessions_created_total",
		Help:      "Attendance sessions opened.",
	})

	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "sessions_closed_total",
		Help:      "Attendance sessions explicitly closed.",
	})

	// Verification times each provider decision.
	Verification = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attendance",
		Name:      "verification_seconds",
		Help:      "Time spent deciding a proof, by method.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method"})

	// Tallied counts events applied by the worker.
	Tallied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "worker_events_total",
		Help:      "Queue events processed by the tally worker.",
	}, []string{"type", "result"})
)
