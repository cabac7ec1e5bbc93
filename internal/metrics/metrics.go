package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mlguard"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "transitions_total",
			Help:      "Number of accepted supervisor phase transitions.",
		}, []string{"from", "to"},
	)
	currentPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "current_phase",
			Help:      "Current supervisor phase (1 = active phase, 0 = inactive).",
		}, []string{"phase"},
	)
	failovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "failovers_total",
			Help:      "Number of switches to the fallback responder by reason.",
		}, []string{"reason"},
	)
	promotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "promotions_total",
			Help:      "Number of standby workers promoted back over the fallback.",
		},
	)
	staleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "stale_events_total",
			Help:      "Events discarded because a newer transition superseded them.",
		}, []string{"event"},
	)
	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "total",
			Help:      "Number of health probes by target kind and result.",
		}, []string{"target", "status"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Health probe latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"target"},
	)
	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "launches_total",
			Help:      "Worker launch attempts by result.",
		}, []string{"result"},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Observed worker exits; expected=true when a stop was requested.",
		}, []string{"expected"},
	)
	fallbackStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "starts_total",
			Help:      "Fallback responder start attempts by result.",
		}, []string{"result"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		transitions, currentPhase, failovers, promotions, staleEvents,
		probes, probeDuration, launches, exits, fallbackStarts,
		workerCPU, workerRSS, workerThreads,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
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

// Enabled reports whether Register has succeeded.
func Enabled() bool { return regOK.Load() }

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordTransition(from, to string) {
	if regOK.Load() {
		transitions.WithLabelValues(from, to).Inc()
	}
}

// SetPhase marks phase as the only active phase among all.
func SetPhase(phase string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		currentPhase.WithLabelValues(p).Set(v)
	}
}

func IncFailover(reason string) {
	if regOK.Load() {
		failovers.WithLabelValues(reason).Inc()
	}
}

func IncPromotion() {
	if regOK.Load() {
		promotions.Inc()
	}
}

func IncStale(event string) {
	if regOK.Load() {
		staleEvents.WithLabelValues(event).Inc()
	}
}

func ObserveProbe(target, status string, seconds float64) {
	if regOK.Load() {
		probes.WithLabelValues(target, status).Inc()
		probeDuration.WithLabelValues(target).Observe(seconds)
	}
}

func IncLaunch(ok bool) {
	if regOK.Load() {
		launches.WithLabelValues(result(ok)).Inc()
	}
}

func IncExit(expected bool) {
	if regOK.Load() {
		exits.WithLabelValues(strconv.FormatBool(expected)).Inc()
	}
}

func IncFallbackStart(ok bool) {
	if regOK.Load() {
		fallbackStarts.WithLabelValues(result(ok)).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
