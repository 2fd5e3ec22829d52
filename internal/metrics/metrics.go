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

	workerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryorun",
			Subsystem: "worker",
			Name:      "ticks_total",
			Help:      "Number of completed poll ticks per worker.",
		}, []string{"worker"},
	)
	workerTickSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryorun",
			Subsystem: "worker",
			Name:      "tick_skips_total",
			Help:      "Ticks skipped because the worker lock was busy.",
		}, []string{"worker"},
	)
	workerTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cryorun",
			Subsystem: "worker",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one poll-publish cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker"},
	)
	workerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryorun",
			Subsystem: "worker",
			Name:      "errors_total",
			Help:      "Error events per worker and error kind.",
		}, []string{"worker", "kind"},
	)
	workerReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryorun",
			Subsystem: "worker",
			Name:      "reconnects_total",
			Help:      "Successful transport recoveries per worker.",
		}, []string{"worker"},
	)
	workerUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cryorun",
			Subsystem: "worker",
			Name:      "up",
			Help:      "Whether the worker loop is running (1) or stopped (0).",
		}, []string{"worker"},
	)
	logbookRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryorun",
			Subsystem: "logbook",
			Name:      "rows_total",
			Help:      "Rows written to the persistent log per instrument table.",
		}, []string{"instrument"},
	)
	logbookPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cryorun",
			Subsystem: "logbook",
			Name:      "pending_snapshots",
			Help:      "Snapshots buffered in memory while the database is unreachable.",
		},
	)
	sequenceState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cryorun",
			Subsystem: "sequence",
			Name:      "state",
			Help:      "Current sequence runtime state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	sequenceSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryorun",
			Subsystem: "sequence",
			Name:      "steps_total",
			Help:      "Sequence steps executed, by step type.",
		}, []string{"type"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerTicks, workerTickSkips, workerTickDuration, workerErrors,
		workerReconnects, workerUp, logbookRows, logbookPending,
		sequenceState, sequenceSteps,
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

// Handler returns an http.Handler that serves Prometheus metrics for the
// DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages; no-ops until Register.

func IncTick(worker string) {
	if regOK.Load() {
		workerTicks.WithLabelValues(worker).Inc()
	}
}

func IncTickSkip(worker string) {
	if regOK.Load() {
		workerTickSkips.WithLabelValues(worker).Inc()
	}
}

func ObserveTick(worker string, seconds float64) {
	if regOK.Load() {
		workerTickDuration.WithLabelValues(worker).Observe(seconds)
	}
}

func IncError(worker, kind string) {
	if regOK.Load() {
		workerErrors.WithLabelValues(worker, kind).Inc()
	}
}

func IncReconnect(worker string) {
	if regOK.Load() {
		workerReconnects.WithLabelValues(worker).Inc()
	}
}

func SetWorkerUp(worker string, up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1.0
		}
		workerUp.WithLabelValues(worker).Set(v)
	}
}

func IncLogbookRow(instrument string) {
	if regOK.Load() {
		logbookRows.WithLabelValues(instrument).Inc()
	}
}

func SetLogbookPending(n int) {
	if regOK.Load() {
		logbookPending.Set(float64(n))
	}
}

func SetSequenceState(active string) {
	if !regOK.Load() {
		return
	}
	for _, s := range []string{"idle", "running", "paused", "aborting", "finished"} {
		v := 0.0
		if s == active {
			v = 1.0
		}
		sequenceState.WithLabelValues(s).Set(v)
	}
}

func IncSequenceStep(stepType string) {
	if regOK.Load() {
		sequenceSteps.WithLabelValues(stepType).Inc()
	}
}
