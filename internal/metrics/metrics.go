package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for readiness checks.
const (
	OutcomeReady   = "ready"
	OutcomeFatal   = "fatal"
	OutcomeTimeout = "timeout"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	pollAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xcubelab",
			Subsystem: "readiness",
			Name:      "attempts_total",
			Help:      "Number of probe invocations made while polling, by result.",
		}, []string{"name", "result"},
	)
	readinessOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xcubelab",
			Subsystem: "readiness",
			Name:      "outcomes_total",
			Help:      "Number of completed readiness checks, by outcome.",
		}, []string{"outcome"},
	)
	readinessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xcubelab",
			Subsystem: "readiness",
			Name:      "duration_seconds",
			Help:      "Time from start request to a ready or failed server.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
		}, []string{"outcome"},
	)
	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xcubelab",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of server launches, by resulting status.",
		}, []string{"name", "status"},
	)
	serverExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xcubelab",
			Subsystem: "server",
			Name:      "exits_total",
			Help:      "Number of server exits, by final status.",
		}, []string{"name", "status"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{pollAttempts, readinessOutcomes, readinessDuration, serverStarts, serverExits}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

// IncPollAttempt counts one probe invocation; result is "ok" or "error".
func IncPollAttempt(name string, failed bool) {
	if regOK.Load() {
		result := "ok"
		if failed {
			result = "error"
		}
		pollAttempts.WithLabelValues(name, result).Inc()
	}
}

func ObserveReadiness(outcome string, seconds float64) {
	if regOK.Load() {
		readinessOutcomes.WithLabelValues(outcome).Inc()
		readinessDuration.WithLabelValues(outcome).Observe(seconds)
	}
}

func IncServerStart(name, status string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(name, status).Inc()
	}
}

func IncServerExit(name, status string) {
	if regOK.Load() {
		serverExits.WithLabelValues(name, status).Inc()
	}
}
