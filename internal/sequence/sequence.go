// Package sequence parses and executes declarative measurement sequences:
// temperature and field sweeps, settles, timed waits and four-point
// resistance measurements, run against the shared state store and the
// instrument workers.
package sequence

// Step is one sequence instruction.
type Step interface{ isStep() }

// Wait sleeps ExtraDelayS seconds, after first settling the designated
// temperature and/or field quantity when requested.
type Wait struct {
	WaitForT    bool
	WaitForB    bool
	ExtraDelayS float64
}

// SetTemperature issues a temperature setpoint and settles on it.
type SetTemperature struct {
	TargetK     float64
	RateKPerMin float64
}

// SetField issues a field setpoint and settles on it.
type SetField struct {
	TargetT     float64
	RateTPerMin float64
}

// ScanTemperature unrolls into concrete setpoints; Inner runs after each
// settle completes.
type ScanTemperature struct {
	StartK float64
	EndK   float64
	StepK  float64
	NSteps int
	Inner  []Step
}

// ResistanceMeasurement traces an I-V characteristic in both polarities and
// fits V = a + b*I; the emitted resistance is b.
type ResistanceMeasurement struct {
	BiasCurrentA   float64
	IVPoints       []float64
	ReversalDelayS float64
}

func (Wait) isStep()                  {}
func (SetTemperature) isStep()        {}
func (SetField) isStep()              {}
func (ScanTemperature) isStep()       {}
func (ResistanceMeasurement) isStep() {}

// DefaultIV is the unit-current characteristic used when a sequence file
// does not override it.
var DefaultIV = []float64{1.0, 0.5, -0.5, -1.0}

// DefaultReversalDelayS is the stabilisation wait between current set and
// voltage read.
const DefaultReversalDelayS = 0.06

// SetCurrents expands an IV characteristic into the ordered set-current
// list: the negative branch first, then the positive branch retracing it.
func SetCurrents(biasA float64, iv []float64) []float64 {
	out := make([]float64, 0, 2*len(iv))
	for _, m := range iv {
		out = append(out, -biasA*m)
	}
	for _, m := range iv {
		out = append(out, biasA*m)
	}
	return out
}
