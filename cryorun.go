package cryorun

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/cryorun/internal/archive"
	"github.com/loykin/cryorun/internal/archive/factory"
	"github.com/loykin/cryorun/internal/bus"
	cfg "github.com/loykin/cryorun/internal/config"
	"github.com/loykin/cryorun/internal/errkind"
	"github.com/loykin/cryorun/internal/logbook"
	"github.com/loykin/cryorun/internal/metrics"
	"github.com/loykin/cryorun/internal/sequence"
	iapi "github.com/loykin/cryorun/internal/server"
	"github.com/loykin/cryorun/internal/state"
	"github.com/loykin/cryorun/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type FileConfig = cfg.FileConfig

type InstrumentConfig = cfg.InstrumentConfig

type Store = state.Store

type Fields = state.Fields

type Bus = bus.Bus

type Reading = bus.Reading

type Event = errkind.Event

type Supervisor = supervisor.Supervisor

type SupervisorConfig = supervisor.Config

type Runtime = sequence.Runtime

type RuntimeConfig = sequence.Config

type Step = sequence.Step

type Recorder = logbook.Recorder

type ArchiveSink = archive.Sink

// LoadConfig reads and validates a TOML daemon config.
func LoadConfig(path string) (*FileConfig, error) { return cfg.Load(path) }

// NewStore creates an empty shared state store.
func NewStore() *Store { return state.New() }

// NewInprocBus creates the in-process message broker.
func NewInprocBus() Bus { return bus.NewInproc() }

// DialNATS connects to a NATS broker with the daemon's reconnect policy.
func DialNATS(url string, logger *slog.Logger) (Bus, error) {
	return bus.DialNATS(bus.NATSOptions{URL: url, Logger: logger})
}

// NewSupervisor creates the worker fleet supervisor.
func NewSupervisor(c SupervisorConfig) *Supervisor { return supervisor.New(c) }

// NewRuntime creates a sequence runtime bound to a worker pool.
func NewRuntime(c RuntimeConfig) *Runtime { return sequence.New(c) }

// ParseSequence parses a sequence file body into steps.
func ParseSequence(text string) ([]Step, error) { return sequence.Parse(text) }

// PrintSequence renders steps back into the file grammar.
func PrintSequence(steps []Step) string { return sequence.Print(steps) }

// NewRecorder opens the run database under path.
func NewRecorder(path string, store *Store, period time.Duration, logger *slog.Logger) (*Recorder, error) {
	return logbook.NewRecorder(path, store, period, logger)
}

// NewArchiveSink builds an archive sink from a DSN
// (sqlite path, postgres:// or clickhouse:// URL).
func NewArchiveSink(dsn string) (ArchiveSink, error) {
	return factory.NewSinkFromDSN(dsn)
}

// NewHTTPServer creates an HTTP server exposing the daemon API for the given
// supervisor and sequence runtime.
func NewHTTPServer(addr, basePath string, sup *Supervisor, rt *Runtime) *http.Server {
	return iapi.NewServer(addr, basePath, sup, rt)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it runs
// the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
