package sequence

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/loykin/cryorun/internal/errkind"
	"github.com/loykin/cryorun/internal/logbook"
	"github.com/loykin/cryorun/internal/metrics"
	"github.com/loykin/cryorun/internal/state"
)

// Pool is the slice of the worker fleet the runtime drives.
type Pool interface {
	// Apply runs a slot on a worker, serialised against its tick.
	Apply(worker, slot string, args []float64, params map[string]string) error
	// Read returns a fresh value of one field, polling the device if the
	// worker supports it.
	Read(worker, field string) (float64, error)
}

// Interlock is the global controls lock. Held for the whole run.
type Interlock interface {
	TryAcquire() bool
	Release()
}

// RunState is the runtime's lifecycle state.
type RunState string

const (
	StateIdle     RunState = "idle"
	StateRunning  RunState = "running"
	StatePaused   RunState = "paused"
	StateAborting RunState = "aborting"
	StateFinished RunState = "finished"
)

// Exit is the terminal outcome of a run.
type Exit string

const (
	ExitOK      Exit = "ok"
	ExitAborted Exit = "aborted"
	ExitFailed  Exit = "failed"
)

// DefaultPollInterval between settle samples and suspension-point checks.
const DefaultPollInterval = 500 * time.Millisecond

var errAborted = errors.New("sequence aborted")

// Config wires a Runtime.
type Config struct {
	Pool      Pool
	Store     *state.Store
	Interlock Interlock
	Logger    *slog.Logger

	// Designated quantities for settling.
	TempWorker  string
	TempField   string
	FieldWorker string
	FieldField  string

	// Resistance measurement channels, zipped. Scales defaults to 1 per
	// channel.
	SourceWorkers []string
	VoltWorkers   []string
	VoltField     string
	Scales        []float64

	Thresholds   Thresholds
	PollInterval time.Duration
	// MaxSettle bounds one settle; zero means no bound. Exceeding it
	// fails the run.
	MaxSettle time.Duration

	// Measure receives one line per resistance point; optional.
	Measure *logbook.Measurement
	// OnPoint observes each finished point; optional.
	OnPoint func(logbook.Point)
}

// Runtime executes sequences one at a time.
type Runtime struct {
	cfg Config

	mu        sync.Mutex
	st        RunState
	exit      Exit
	paused    bool
	cancelled bool

	// last issued setpoints, used as settle targets for WAITFOR
	lastTempTarget  float64
	lastFieldTarget float64
	haveTempTarget  bool
	haveFieldTarget bool
}

func New(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.VoltField == "" {
		cfg.VoltField = "Voltage_V"
	}
	cfg.Thresholds = cfg.Thresholds.withDefaults()
	return &Runtime{cfg: cfg, st: StateIdle, exit: ExitOK}
}

// State reports the lifecycle state and, once finished, the exit code.
func (r *Runtime) State() (RunState, Exit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st, r.exit
}

// Pause is idempotent; every suspension point observes it.
func (r *Runtime) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st == StateRunning {
		r.paused = true
		r.st = StatePaused
		metrics.SetSequenceState(string(StatePaused))
	}
}

// Continue resumes a paused run.
func (r *Runtime) Continue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st == StatePaused {
		r.paused = false
		r.st = StateRunning
		metrics.SetSequenceState(string(StateRunning))
	}
}

// Abort requests cooperative cancellation; suspension points exit within
// one poll interval.
func (r *Runtime) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st == StateRunning || r.st == StatePaused {
		r.cancelled = true
		r.paused = false
		r.st = StateAborting
		metrics.SetSequenceState(string(StateAborting))
	}
}

// Run executes steps under the controls lock and returns the exit code.
// Only one run may be active.
func (r *Runtime) Run(ctx context.Context, steps []Step) (Exit, error) {
	r.mu.Lock()
	if r.st == StateRunning || r.st == StatePaused || r.st == StateAborting {
		r.mu.Unlock()
		return ExitFailed, errkind.Newf(errkind.KindValue, "sequence", "Run", "a sequence is already running")
	}
	if r.cfg.Interlock != nil && !r.cfg.Interlock.TryAcquire() {
		r.mu.Unlock()
		return ExitFailed, errkind.Newf(errkind.KindValue, "sequence", "Run", "controls lock is held")
	}
	r.st = StateRunning
	r.exit = ExitOK
	r.paused = false
	r.cancelled = false
	r.mu.Unlock()
	metrics.SetSequenceState(string(StateRunning))

	err := r.runSteps(ctx, steps)

	exit := ExitOK
	switch {
	case errors.Is(err, errAborted):
		exit = ExitAborted
		err = nil
	case err != nil:
		exit = ExitFailed
		r.cfg.Logger.Error("sequence failed", "error", err)
	}

	r.mu.Lock()
	r.st = StateFinished
	r.exit = exit
	r.mu.Unlock()
	if r.cfg.Interlock != nil {
		r.cfg.Interlock.Release()
	}
	metrics.SetSequenceState(string(StateFinished))
	r.cfg.Logger.Info("sequence finished", "exit", string(exit))
	return exit, err
}

func (r *Runtime) runSteps(ctx context.Context, steps []Step) error {
	for _, s := range steps {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		if err := r.exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) exec(ctx context.Context, s Step) error {
	switch st := s.(type) {
	case SetTemperature:
		metrics.IncSequenceStep("set_temperature")
		return r.setTemperature(ctx, st.TargetK, st.RateKPerMin)
	case SetField:
		metrics.IncSequenceStep("set_field")
		return r.setField(ctx, st.TargetT, st.RateTPerMin)
	case Wait:
		metrics.IncSequenceStep("wait")
		return r.wait(ctx, st)
	case ScanTemperature:
		metrics.IncSequenceStep("scan")
		return r.scan(ctx, st)
	case ResistanceMeasurement:
		metrics.IncSequenceStep("resistance")
		return r.resistance(ctx, st)
	default:
		return errkind.Newf(errkind.KindNotImplemented, "sequence", "exec", "unknown step %T", s)
	}
}

// checkpoint is the suspension-point predicate: it blocks while paused and
// fails fast once aborted.
func (r *Runtime) checkpoint(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return errAborted
		}
		r.mu.Lock()
		cancelled, paused := r.cancelled, r.paused
		r.mu.Unlock()
		if cancelled {
			return errAborted
		}
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return errAborted
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// sleepFor sleeps d with a suspension point per poll interval.
func (r *Runtime) sleepFor(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		chunk := remaining
		if chunk > r.cfg.PollInterval {
			chunk = r.cfg.PollInterval
		}
		select {
		case <-ctx.Done():
			return errAborted
		case <-time.After(chunk):
		}
	}
}

func (r *Runtime) setTemperature(ctx context.Context, target, rate float64) error {
	if err := r.cfg.Pool.Apply(r.cfg.TempWorker, "set_temperature", []float64{target, rate}, nil); err != nil {
		return err
	}
	r.mu.Lock()
	r.lastTempTarget, r.haveTempTarget = target, true
	r.mu.Unlock()
	return r.settle(ctx, r.cfg.TempWorker, r.cfg.TempField, target)
}

func (r *Runtime) setField(ctx context.Context, target, rate float64) error {
	if err := r.cfg.Pool.Apply(r.cfg.FieldWorker, "set_field", []float64{target, rate}, nil); err != nil {
		return err
	}
	r.mu.Lock()
	r.lastFieldTarget, r.haveFieldTarget = target, true
	r.mu.Unlock()
	return r.settle(ctx, r.cfg.FieldWorker, r.cfg.FieldField, target)
}

// settle polls the designated quantity until the five predicates hold for
// the configured streak, or MaxSettle expires.
func (r *Runtime) settle(ctx context.Context, worker, field string, target float64) error {
	s := newSettler(r.cfg.Thresholds, target)
	start := time.Now()
	for {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		if v, ok := r.cfg.Store.Float(worker, field); ok {
			tMin := time.Since(start).Minutes()
			if s.observe(tMin, v) {
				return nil
			}
		}
		if r.cfg.MaxSettle > 0 && time.Since(start) > r.cfg.MaxSettle {
			return errkind.Newf(errkind.KindTimeout, "sequence", "settle",
				"%s.%s did not settle at %g within %s", worker, field, target, r.cfg.MaxSettle)
		}
		select {
		case <-ctx.Done():
			return errAborted
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

func (r *Runtime) wait(ctx context.Context, w Wait) error {
	if w.WaitForT {
		target, ok := r.currentTarget(r.cfg.TempWorker, r.cfg.TempField, true)
		if ok {
			if err := r.settle(ctx, r.cfg.TempWorker, r.cfg.TempField, target); err != nil {
				return err
			}
		}
	}
	if w.WaitForB {
		target, ok := r.currentTarget(r.cfg.FieldWorker, r.cfg.FieldField, false)
		if ok {
			if err := r.settle(ctx, r.cfg.FieldWorker, r.cfg.FieldField, target); err != nil {
				return err
			}
		}
	}
	return r.sleepFor(ctx, time.Duration(w.ExtraDelayS*float64(time.Second)))
}

// currentTarget picks the settle target: the last issued setpoint, else the
// current reading.
func (r *Runtime) currentTarget(worker, field string, temp bool) (float64, bool) {
	r.mu.Lock()
	if temp && r.haveTempTarget {
		t := r.lastTempTarget
		r.mu.Unlock()
		return t, true
	}
	if !temp && r.haveFieldTarget {
		t := r.lastFieldTarget
		r.mu.Unlock()
		return t, true
	}
	r.mu.Unlock()
	return r.cfg.Store.Float(worker, field)
}

func (r *Runtime) scan(ctx context.Context, s ScanTemperature) error {
	points, err := s.Points()
	if err != nil {
		return err
	}
	rate := 0.0
	if v, ok := r.cfg.Store.Float(r.cfg.TempWorker, "Sweep_Rate_Kpm"); ok {
		rate = v
	}
	if rate <= 0 {
		rate = 5.0
	}
	for _, p := range points {
		if err := r.setTemperature(ctx, p, rate); err != nil {
			return err
		}
		if err := r.runSteps(ctx, s.Inner); err != nil {
			return err
		}
	}
	return nil
}

// resistance traces the I-V characteristic on every configured channel and
// emits one fitted point per channel.
func (r *Runtime) resistance(ctx context.Context, m ResistanceMeasurement) error {
	sources, volts, scales := r.cfg.SourceWorkers, r.cfg.VoltWorkers, r.cfg.Scales
	if len(scales) == 0 {
		scales = make([]float64, len(sources))
		for i := range scales {
			scales[i] = 1
		}
	}
	// pre-flight: nothing touches a device on a mismatched channel zip
	if len(sources) == 0 || len(sources) != len(volts) || len(sources) != len(scales) {
		return errkind.Newf(errkind.KindValue, "sequence", "resistance",
			"channel lists mismatch: %d sources, %d voltmeters, %d scales",
			len(sources), len(volts), len(scales))
	}
	iv := m.IVPoints
	if len(iv) == 0 {
		iv = DefaultIV
	}
	delay := m.ReversalDelayS
	if delay <= 0 {
		delay = DefaultReversalDelayS
	}
	for ch := range sources {
		if err := r.measureChannel(ctx, sources[ch], volts[ch], m.BiasCurrentA*scales[ch], iv, delay); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) measureChannel(ctx context.Context, source, volt string, bias float64, iv []float64, delayS float64) error {
	if err := r.cfg.Pool.Apply(source, "output_enable", []float64{1}, nil); err != nil {
		return err
	}
	// the source is disabled whatever happens below
	defer func() {
		if err := r.cfg.Pool.Apply(source, "output_enable", []float64{0}, nil); err != nil {
			r.cfg.Logger.Warn("output disable failed", "worker", source, "error", err)
		}
	}()

	currents := SetCurrents(bias, iv)
	is := make([]float64, 0, len(currents))
	vs := make([]float64, 0, len(currents))
	var temps []float64
	for _, c := range currents {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		if err := r.cfg.Pool.Apply(source, "set_current", []float64{c}, nil); err != nil {
			return err
		}
		if err := r.sleepFor(ctx, time.Duration(delayS*float64(time.Second))); err != nil {
			return err
		}
		v, err := r.cfg.Pool.Read(volt, r.cfg.VoltField)
		if err != nil {
			return err
		}
		is = append(is, c)
		vs = append(vs, v)
		if t, ok := r.cfg.Store.Float(r.cfg.TempWorker, r.cfg.TempField); ok {
			temps = append(temps, t)
		}
	}

	slope, resid := polyfit1(is, vs)
	point := logbook.Point{
		ResMean:     slope,
		ResStd:      resid,
		TimeSeconds: float64(time.Now().UnixNano()) / 1e9,
	}
	if len(temps) > 0 {
		point.TempMean = mean(temps)
		point.TempStd = std(temps, point.TempMean)
	} else {
		point.TempMean = math.NaN()
		point.TempStd = math.NaN()
	}
	if r.cfg.Measure != nil {
		// a broken data file is reported, never fatal to the run
		if err := r.cfg.Measure.Append(point); err != nil {
			r.cfg.Logger.Warn("measurement file write failed",
				"path", r.cfg.Measure.Path(), "error", err)
		}
	}
	if r.cfg.OnPoint != nil {
		r.cfg.OnPoint(point)
	}
	return nil
}
