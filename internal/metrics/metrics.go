package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditwatch",
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Number of sessions opened, by detection path.",
		}, []string{"path"},
	)
	sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditwatch",
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Number of sessions finished, by outcome.",
		}, []string{"outcome"},
	)
	falsePositives = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "creditwatch",
			Subsystem: "session",
			Name:      "ignored_starts_total",
			Help:      "Start signals ignored because the close cooldown had not elapsed.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditwatch",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Number of session state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "creditwatch",
			Subsystem: "session",
			Name:      "current_state",
			Help:      "Current session state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)

	attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditwatch",
			Subsystem: "extract",
			Name:      "attempts_total",
			Help:      "Extraction attempts, by result (value or null).",
		}, []string{"result"},
	)
	strategyResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditwatch",
			Subsystem: "extract",
			Name:      "strategy_results_total",
			Help:      "Per-strategy outcomes.",
		}, []string{"strategy", "result"},
	)
	attemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "creditwatch",
			Subsystem: "extract",
			Name:      "attempt_duration_seconds",
			Help:      "Time spent on a single extraction attempt.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
	)
	confirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditwatch",
			Subsystem: "stability",
			Name:      "confirmations_total",
			Help:      "Confirmed values, by decision rule.",
		}, []string{"rule"},
	)
	confirmAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "creditwatch",
			Subsystem: "stability",
			Name:      "attempts_to_confirm",
			Help:      "Attempts used before a value was confirmed.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		},
	)
	confirmedValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "creditwatch",
			Name:      "confirmed_value",
			Help:      "Most recently confirmed value.",
		},
	)
	saves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditwatch",
			Subsystem: "ledger",
			Name:      "saves_total",
			Help:      "Ledger writes, by result.",
		}, []string{"result"},
	)
	storageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "creditwatch",
			Subsystem: "ledger",
			Name:      "storage_bytes",
			Help:      "Bytes in use in the persistence store.",
		},
	)
	sinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditwatch",
			Subsystem: "history",
			Name:      "sink_errors_total",
			Help:      "Failed history sink sends.",
		}, []string{"sink"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		sessionsStarted, sessionsEnded, falsePositives, stateTransitions, currentState,
		attempts, strategyResults, attemptDuration, confirmations, confirmAttempts,
		confirmedValue, saves, storageBytes, sinkErrors,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSessionStarted(path string) {
	if regOK.Load() {
		sessionsStarted.WithLabelValues(path).Inc()
	}
}

func IncSessionEnded(outcome string) {
	if regOK.Load() {
		sessionsEnded.WithLabelValues(outcome).Inc()
	}
}

func IncIgnoredStart() {
	if regOK.Load() {
		falsePositives.Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// SetCurrentState marks state as the only active one among states.
func SetCurrentState(state string, states ...string) {
	if regOK.Load() {
		for _, s := range states {
			var v float64
			if s == state {
				v = 1
			}
			currentState.WithLabelValues(s).Set(v)
		}
	}
}

func IncAttempt(gotValue bool) {
	if regOK.Load() {
		r := "null"
		if gotValue {
			r = "value"
		}
		attempts.WithLabelValues(r).Inc()
	}
}

func IncStrategyResult(strategy, result string) {
	if regOK.Load() {
		strategyResults.WithLabelValues(strategy, result).Inc()
	}
}

func ObserveAttemptDuration(seconds float64) {
	if regOK.Load() {
		attemptDuration.Observe(seconds)
	}
}

func RecordConfirmation(rule string, attemptsUsed, value int) {
	if regOK.Load() {
		confirmations.WithLabelValues(rule).Inc()
		confirmAttempts.Observe(float64(attemptsUsed))
		confirmedValue.Set(float64(value))
	}
}

func IncSave(result string) {
	if regOK.Load() {
		saves.WithLabelValues(result).Inc()
	}
}

func SetStorageBytes(n int64) {
	if regOK.Load() {
		storageBytes.Set(float64(n))
	}
}

func IncSinkError(sink string) {
	if regOK.Load() {
		sinkErrors.WithLabelValues(sink).Inc()
	}
}
