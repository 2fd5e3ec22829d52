// Package worker runs one supervised loop per instrument. A periodic worker
// polls its manifest of probes at a fixed cadence, publishes the fused
// snapshot upstream and handles command envelopes; an event worker does only
// the latter. All device calls go through the fault guard, so a worker never
// dies on an I/O error.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/cryorun/internal/bus"
	"github.com/loykin/cryorun/internal/errkind"
	"github.com/loykin/cryorun/internal/guard"
	"github.com/loykin/cryorun/internal/metrics"
	"github.com/loykin/cryorun/internal/state"
)

// Poll cadences.
const (
	DefaultInterval = 500 * time.Millisecond
	FastInterval    = 50 * time.Millisecond
)

// Probe reads one published field from the device.
type Probe struct {
	Field string
	Read  func() (any, error)
}

// Slot applies one operational parameter.
type Slot func(args []float64, params map[string]string) error

// SlotDef registers a slot. Deferred slots stage their arguments and apply
// together on the "commit" slot; Refresh slots trigger an immediate poll
// after applying, so the published state reflects the device's answer.
type SlotDef struct {
	Apply    Slot
	Deferred bool
	Refresh  bool
}

// Derive computes a field from the worker's own readings plus the shared
// snapshot of its peers.
type Derive func(snap state.Snapshot, fields state.Fields)

// Config assembles a worker.
type Config struct {
	Name string
	// Interval 0 makes an event worker (no periodic tick).
	Interval time.Duration
	Store    *state.Store
	Bus      bus.Bus
	Guard    *guard.Guard
	Logger   *slog.Logger

	Probes []Probe
	Slots  map[string]SlotDef
	Derive []Derive

	// QueryErr drains the device's own error queue after each poll.
	QueryErr func() (code, message string, err error)
	// LostConfigCode marks the device answer that means its configuration
	// was wiped (power cycle); Rebuild re-initialises the driver.
	LostConfigCode string
	Rebuild        func() error
}

type staged struct {
	name string
	args []float64
}

// Worker is one instrument loop.
type Worker struct {
	name     string
	interval time.Duration
	store    *state.Store
	bus      bus.Bus
	guard    *guard.Guard
	logger   *slog.Logger

	probes   []Probe
	slots    map[string]SlotDef
	derive   []Derive
	queryErr func() (string, string, error)
	lostCode string
	rebuild  func() error

	// mu is the per-worker try-lock; a held lock skips the periodic tick.
	mu      sync.Mutex
	pending []staged

	tickMu   sync.Mutex
	lastTick time.Time
}

func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		name:     cfg.Name,
		interval: cfg.Interval,
		store:    cfg.Store,
		bus:      cfg.Bus,
		guard:    cfg.Guard,
		logger:   cfg.Logger,
		probes:   cfg.Probes,
		slots:    cfg.Slots,
		derive:   cfg.Derive,
		queryErr: cfg.QueryErr,
		lostCode: cfg.LostConfigCode,
		rebuild:  cfg.Rebuild,
	}
}

func (w *Worker) Name() string { return w.name }

// Periodic reports whether the worker polls on its own.
func (w *Worker) Periodic() bool { return w.interval > 0 }

// LastTick is the wall time of the last completed poll, for liveness checks.
func (w *Worker) LastTick() time.Time {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()
	return w.lastTick
}

func (w *Worker) Interval() time.Duration { return w.interval }

// Run services ticks and command envelopes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	cmds, cancelCmds := w.bus.SubscribeCommands(w.name, 16)
	defer cancelCmds()

	// answer directed request/reply traffic as well
	cancelRPC, err := w.bus.Respond(w.name, w.handleRequest)
	if err != nil {
		w.logger.Warn("responder registration failed", "worker", w.name, "error", err)
	} else {
		defer cancelRPC()
	}

	metrics.SetWorkerUp(w.name, true)
	defer metrics.SetWorkerUp(w.name, false)

	var tick <-chan time.Time
	if w.Periodic() {
		t := time.NewTicker(w.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			w.Tick()
		case env, ok := <-cmds:
			if !ok {
				return
			}
			w.handleCommand(env)
		}
	}
}

// Tick polls every probe, derives dependent fields and publishes the
// snapshot. A held worker lock skips the tick without blocking.
func (w *Worker) Tick() {
	if !w.mu.TryLock() {
		metrics.IncTickSkip(w.name)
		return
	}
	defer w.mu.Unlock()
	start := time.Now()
	w.running()
	metrics.IncTick(w.name)
	metrics.ObserveTick(w.name, time.Since(start).Seconds())

	w.tickMu.Lock()
	w.lastTick = time.Now()
	w.tickMu.Unlock()
}

// Poll runs one poll synchronously, waiting for any in-flight tick or slot
// to finish first. Callers that need a value fresher than the last periodic
// tick use this instead of Tick, which skips under contention.
func (w *Worker) Poll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running()

	w.tickMu.Lock()
	w.lastTick = time.Now()
	w.tickMu.Unlock()
}

// running does the poll body. Caller holds the worker lock.
func (w *Worker) running() {
	fields := make(state.Fields, len(w.probes))
	for _, p := range w.probes {
		var v any
		ok := w.guard.Do(p.Field, func() error {
			x, err := p.Read()
			if err != nil {
				return err
			}
			v = x
			return nil
		})
		if !ok {
			// keep the previous value; the store never removes fields
			continue
		}
		fields[p.Field] = v
	}
	for _, d := range w.derive {
		d(w.store.Snapshot(), fields)
	}
	if len(fields) > 0 {
		if err := w.store.Update(w.name, fields); err != nil {
			w.logger.Warn("state update rejected", "worker", w.name, "error", err)
		}
		w.bus.PublishReading(w.name, fields)
	}
	w.drainDeviceErrors()
}

// drainDeviceErrors asks the instrument's own error queue once per poll and
// re-initialises the driver when it reports a wiped configuration.
func (w *Worker) drainDeviceErrors() {
	if w.queryErr == nil {
		return
	}
	var code, msg string
	ok := w.guard.Do("query_error", func() error {
		c, m, err := w.queryErr()
		if err != nil {
			return err
		}
		code, msg = c, m
		return nil
	})
	if !ok || code == "0" || code == "" {
		return
	}
	if code == w.lostCode && w.rebuild != nil {
		w.logger.Warn("device lost configuration, re-initialising",
			"worker", w.name, "code", code, "message", msg)
		metrics.IncReconnect(w.name)
		w.guard.Do("rebuild", w.rebuild)
		return
	}
	w.logger.Warn("device error", "worker", w.name, "code", code, "message", msg)
}

// Apply runs one slot by name, from in-process callers (sequence runtime,
// HTTP surface). It serialises against the periodic tick.
func (w *Worker) Apply(name string, args []float64, params map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applyLocked(name, args, params)
}

func (w *Worker) applyLocked(name string, args []float64, params map[string]string) error {
	if name == "commit" {
		return w.commitLocked(params)
	}
	def, ok := w.slots[name]
	if !ok {
		return errkind.Newf(errkind.KindKey, w.name, name, "unknown slot")
	}
	if def.Deferred {
		w.pending = append(w.pending, staged{name: name, args: args})
		return nil
	}
	if !w.guard.Do(name, func() error { return def.Apply(args, params) }) {
		return errkind.Newf(errkind.KindValue, w.name, name, "slot failed")
	}
	if def.Refresh {
		w.running()
	}
	return nil
}

// commitLocked applies all staged slots in arrival order. A failure leaves
// the remaining staged entries in place for a later retry.
func (w *Worker) commitLocked(params map[string]string) error {
	for len(w.pending) > 0 {
		s := w.pending[0]
		def := w.slots[s.name]
		if !w.guard.Do(s.name, func() error { return def.Apply(s.args, params) }) {
			return errkind.Newf(errkind.KindValue, w.name, s.name, "commit failed")
		}
		w.pending = w.pending[1:]
	}
	return nil
}

// PendingCount reports staged-but-uncommitted slots, for tests and status.
func (w *Worker) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Worker) handleCommand(env bus.Envelope) {
	if env.Verb != bus.VerbCommand {
		w.logger.Debug("ignoring envelope", "worker", w.name, "verb", env.Verb)
		return
	}
	if err := w.Apply(env.Name, env.Args, env.Params); err != nil {
		w.logger.Warn("command failed", "worker", w.name, "slot", env.Name, "error", err)
	}
}

// handleRequest answers directed request/reply traffic: commands ack or
// fail, queries return the latest stored value of a field.
func (w *Worker) handleRequest(env bus.Envelope) bus.Envelope {
	switch env.Verb {
	case bus.VerbCommand:
		if err := w.Apply(env.Name, env.Args, env.Params); err != nil {
			return env.Fail(err)
		}
		return env.Ok()
	case bus.VerbRequest:
		v, ok := w.store.Get(w.name, env.Name)
		if !ok {
			return env.Fail(errkind.Newf(errkind.KindKey, w.name, env.Name, "unknown field"))
		}
		reply := env.Ok()
		reply.Verb = bus.VerbReply
		reply.Params = map[string]string{"value": stringify(v)}
		return reply
	default:
		return env.Fail(errkind.Newf(errkind.KindValue, w.name, env.Name, "unknown verb %q", env.Verb))
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
