// Package supervisor owns the worker fleet: it constructs and destroys
// workers, holds the global controls lock, aggregates every worker's error
// events into the logbook and console, and watches per-worker liveness.
package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/cryorun/internal/archive"
	"github.com/loykin/cryorun/internal/bus"
	"github.com/loykin/cryorun/internal/errkind"
	"github.com/loykin/cryorun/internal/logbook"
	"github.com/loykin/cryorun/internal/state"
	"github.com/loykin/cryorun/internal/worker"
)

// DefaultStalledAfter is how many missed ticks mark a worker as stalled.
const DefaultStalledAfter = 5

// Controls is the process-wide advisory interlock. Interactive surfaces
// query Held non-blocking; the sequence runtime owns it for a whole run.
type Controls struct {
	mu   sync.Mutex
	held bool
}

func (c *Controls) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held {
		return false
	}
	c.held = true
	return true
}

func (c *Controls) Release() {
	c.mu.Lock()
	c.held = false
	c.mu.Unlock()
}

// Held is the non-blocking query for interactive inputs.
func (c *Controls) Held() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

type entry struct {
	w      *worker.Worker
	cancel context.CancelFunc
	// stall state, so one stall produces one event, not one per sweep
	stalled bool
}

// WorkerStatus is the externally visible state of one registered worker.
type WorkerStatus struct {
	Name     string    `json:"name"`
	Periodic bool      `json:"periodic"`
	Interval string    `json:"interval,omitempty"`
	LastTick time.Time `json:"last_tick"`
	Stalled  bool      `json:"stalled"`
}

// Config wires a Supervisor.
type Config struct {
	Store  *state.Store
	Bus    bus.Bus
	Logger *slog.Logger

	// Recorder receives error events into the errors table; optional.
	Recorder *logbook.Recorder
	// Archive receives error events for long-term export; optional.
	Archive archive.Sink

	// StalledAfter is the missed-tick count before a stall event.
	StalledAfter int
	// EventBuffer sizes the shared error channel.
	EventBuffer int
}

// Supervisor is the fleet owner.
type Supervisor struct {
	store    *state.Store
	bus      bus.Bus
	logger   *slog.Logger
	recorder *logbook.Recorder
	sink     archive.Sink
	controls Controls
	events   chan errkind.Event

	stalledAfter int

	mu      sync.RWMutex
	entries map[string]*entry
	// parked holds stopped workers so Start can relaunch them.
	parked map[string]*worker.Worker
	// baseCtx scopes relaunched workers to the supervisor's own lifetime.
	baseCtx context.Context

	recentMu sync.Mutex
	recent   []errkind.Event
}

// recentCap bounds the error ring kept for the HTTP surface.
const recentCap = 100

func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StalledAfter <= 0 {
		cfg.StalledAfter = DefaultStalledAfter
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Supervisor{
		store:        cfg.Store,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		recorder:     cfg.Recorder,
		sink:         cfg.Archive,
		events:       make(chan errkind.Event, cfg.EventBuffer),
		stalledAfter: cfg.StalledAfter,
		entries:      make(map[string]*entry),
		parked:       make(map[string]*worker.Worker),
	}
}

// Events is the shared error channel handed to every worker's guard.
func (s *Supervisor) Events() chan<- errkind.Event { return s.events }

// Controls returns the global interlock.
func (s *Supervisor) Controls() *Controls { return &s.controls }

func (s *Supervisor) Store() *state.Store { return s.store }

// Register starts a worker's loop and adds it to the registry.
func (s *Supervisor) Register(ctx context.Context, w *worker.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[w.Name()]; exists {
		return errkind.Newf(errkind.KindValue, "supervisor", "Register",
			"worker %q already registered", w.Name())
	}
	wctx, cancel := context.WithCancel(ctx)
	s.entries[w.Name()] = &entry{w: w, cancel: cancel}
	delete(s.parked, w.Name())
	go w.Run(wctx)
	s.logger.Info("worker started", "worker", w.Name(), "periodic", w.Periodic())
	return nil
}

// Stop cancels a worker's loop and parks it; Start relaunches it.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return errkind.Newf(errkind.KindKey, "supervisor", "Stop", "unknown worker %q", name)
	}
	e.cancel()
	delete(s.entries, name)
	s.parked[name] = e.w
	s.logger.Info("worker stopped", "worker", name)
	return nil
}

// Start relaunches a previously stopped worker. The worker loop is scoped to
// the supervisor's Run context, not the caller's.
func (s *Supervisor) Start(name string) error {
	s.mu.Lock()
	w, ok := s.parked[name]
	ctx := s.baseCtx
	s.mu.Unlock()
	if !ok {
		return errkind.Newf(errkind.KindKey, "supervisor", "Start", "no stopped worker %q", name)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.Register(ctx, w)
}

// Workers lists the registered worker names, sorted.
func (s *Supervisor) Workers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Status reports every registered worker.
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkerStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := WorkerStatus{
			Name:     e.w.Name(),
			Periodic: e.w.Periodic(),
			LastTick: e.w.LastTick(),
			Stalled:  e.stalled,
		}
		if e.w.Periodic() {
			st.Interval = e.w.Interval().String()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Apply dispatches a slot call to a registered worker. Part of the
// sequence runtime's pool contract.
func (s *Supervisor) Apply(workerName, slot string, args []float64, params map[string]string) error {
	w, err := s.lookup(workerName)
	if err != nil {
		return err
	}
	return w.Apply(slot, args, params)
}

// Read polls a worker once and returns the fresh value of one field. The
// poll blocks on the worker lock, so the value is never a leftover from a
// tick that started before the caller's last slot call.
func (s *Supervisor) Read(workerName, field string) (float64, error) {
	w, err := s.lookup(workerName)
	if err != nil {
		return 0, err
	}
	w.Poll()
	v, ok := s.store.Float(workerName, field)
	if !ok {
		return 0, errkind.Newf(errkind.KindKey, workerName, field, "field never published")
	}
	return v, nil
}

func (s *Supervisor) lookup(name string) (*worker.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, errkind.Newf(errkind.KindKey, "supervisor", "dispatch", "unknown worker %q", name)
	}
	return e.w, nil
}

// Run drains the error sink, forwards the reading feed to the archive and
// watches liveness until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	var readings <-chan bus.Reading
	if s.sink != nil {
		ch, cancel := s.bus.SubscribeReadings("", 256)
		defer cancel()
		readings = ch
	}

	liveness := time.NewTicker(time.Second)
	defer liveness.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.consume(ctx, ev)
		case r, ok := <-readings:
			if !ok {
				readings = nil
				continue
			}
			s.archiveReading(ctx, r)
		case <-liveness.C:
			s.checkLiveness()
		}
	}
}

// archiveReading flattens one snapshot into per-field rows for the sink.
// Non-numeric fields stay out of the archive; they live in the logbook.
func (s *Supervisor) archiveReading(ctx context.Context, r bus.Reading) {
	now := time.Now()
	for field, v := range r.Fields {
		f, ok := v.(float64)
		if !ok {
			continue
		}
		e := archive.Event{
			Type:       archive.EventReading,
			OccurredAt: now,
			Instrument: r.Instrument,
			Field:      field,
			Value:      f,
		}
		if err := s.sink.Send(ctx, e); err != nil {
			s.logger.Warn("archive send failed", "error", err)
			return
		}
	}
}

// consume forwards one error event to the console, the error table and the
// archive sink.
func (s *Supervisor) consume(ctx context.Context, ev errkind.Event) {
	s.recentMu.Lock()
	s.recent = append(s.recent, ev)
	if len(s.recent) > recentCap {
		s.recent = s.recent[len(s.recent)-recentCap:]
	}
	s.recentMu.Unlock()

	s.logger.Error("worker error",
		"kind", ev.KindName, "component", ev.Component,
		"method", ev.Method, "message", ev.Message)
	if s.recorder != nil {
		if err := s.recorder.RecordError(ev.Time, ev.KindName, ev.Component, ev.Method, ev.Message); err != nil {
			s.logger.Warn("error table write failed", "error", err)
		}
	}
	if s.sink != nil {
		e := archive.Event{
			Type:       archive.EventError,
			OccurredAt: ev.Time,
			Instrument: ev.Component,
			Field:      ev.Method,
			Text:       ev.Message,
		}
		if err := s.sink.Send(ctx, e); err != nil {
			s.logger.Warn("archive send failed", "error", err)
		}
	}
}

// RecentErrors returns the newest error events, oldest first.
func (s *Supervisor) RecentErrors() []errkind.Event {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	return append([]errkind.Event(nil), s.recent...)
}

// checkLiveness emits one stall event per transition into the stalled state.
func (s *Supervisor) checkLiveness() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.entries {
		if !e.w.Periodic() {
			continue
		}
		last := e.w.LastTick()
		if last.IsZero() {
			continue
		}
		limit := time.Duration(s.stalledAfter) * e.w.Interval()
		stalled := now.Sub(last) > limit
		if stalled && !e.stalled {
			err := errkind.Newf(errkind.KindTimeout, name, "tick",
				"worker stalled: no tick for %s", now.Sub(last).Round(time.Millisecond))
			select {
			case s.events <- errkind.EventOf(err):
			default:
			}
		}
		e.stalled = stalled
	}
}
