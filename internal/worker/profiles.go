package worker

import (
	"math"

	"github.com/loykin/cryorun/internal/driver"
	"github.com/loykin/cryorun/internal/driver/keithley"
	"github.com/loykin/cryorun/internal/driver/oxford"
	"github.com/loykin/cryorun/internal/driver/srs"
	"github.com/loykin/cryorun/internal/errkind"
	"github.com/loykin/cryorun/internal/state"
)

// Profiles bind one driver family to the probe/slot shape a Worker runs.
// All closures execute under the worker lock, so profile-local state needs
// no extra guarding.

// ITCProfile polls the temperature controller. With softwareSweep set,
// set_temperature programs a hardware ramp from the current reading to the
// target at the requested rate; otherwise any active sweep is aborted and a
// plain setpoint written.
func ITCProfile(d *oxford.ITC503, softwareSweep bool) ([]Probe, map[string]SlotDef) {
	probes := []Probe{
		{Field: "Sensor_1_K", Read: func() (any, error) { return d.ReadSensor(1) }},
		{Field: "Sensor_2_K", Read: func() (any, error) { return d.ReadSensor(2) }},
		{Field: "Sensor_3_K", Read: func() (any, error) { return d.ReadSensor(3) }},
		{Field: "Setpoint_K", Read: func() (any, error) { return d.ReadSetpoint() }},
		{Field: "Heater_Percent", Read: func() (any, error) { return d.ReadHeaterPercent() }},
		{Field: "Sweep_Active", Read: func() (any, error) { return d.SweepActive() }},
	}
	slots := map[string]SlotDef{
		"set_temperature": {Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("itc503", "set_temperature", args, 2); err != nil {
				return err
			}
			target, rate := args[0], args[1]
			if softwareSweep {
				current, err := d.ReadSensor(1)
				if err != nil {
					return err
				}
				return d.RampTo(current, target, rate)
			}
			active, err := d.SweepActive()
			if err != nil {
				return err
			}
			if active {
				if err := d.StopSweep(); err != nil {
					return err
				}
			}
			return d.SetTemperature(target)
		}},
		"set_pid": {Deferred: true, Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("itc503", "set_pid", args, 3); err != nil {
				return err
			}
			return d.SetPID(args[0], args[1], args[2])
		}},
		"set_auto_heater": {Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("itc503", "set_auto_heater", args, 1); err != nil {
				return err
			}
			return d.SetAutoHeater(args[0] != 0)
		}},
		"set_max_heater_volts": {Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("itc503", "set_max_heater_volts", args, 1); err != nil {
				return err
			}
			return d.SetMaxHeaterVolts(args[0])
		}},
		"stop_sweep": {Apply: func(_ []float64, _ map[string]string) error {
			return d.StopSweep()
		}},
	}
	return probes, slots
}

// ILMProfile polls the helium level meter.
func ILMProfile(d *oxford.ILM211) ([]Probe, map[string]SlotDef) {
	probes := []Probe{
		{Field: "Helium_Level_Percent", Read: func() (any, error) { return d.ReadLevel(1) }},
	}
	slots := map[string]SlotDef{
		"set_fast_sampling": {Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("ilm211", "set_fast_sampling", args, 1); err != nil {
				return err
			}
			return d.SetFastSampling(int(args[0]))
		}},
		"set_slow_sampling": {Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("ilm211", "set_slow_sampling", args, 1); err != nil {
				return err
			}
			return d.SetSlowSampling(int(args[0]))
		}},
	}
	return probes, slots
}

// IPSProfile polls the magnet power supply.
func IPSProfile(d *oxford.IPS120) ([]Probe, map[string]SlotDef) {
	probes := []Probe{
		{Field: "Field_T", Read: func() (any, error) { return d.ReadField() }},
		{Field: "Field_Setpoint_T", Read: func() (any, error) { return d.ReadFieldSetpoint() }},
		{Field: "Sweep_Rate_Tpm", Read: func() (any, error) { return d.ReadSweepRate() }},
		{Field: "Magnet_Status", Read: func() (any, error) {
			st, err := d.Status()
			return string(st), err
		}},
	}
	slots := map[string]SlotDef{
		"set_field": {Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("ips120", "set_field", args, 2); err != nil {
				return err
			}
			if err := d.SetSweepRate(args[1]); err != nil {
				return err
			}
			if err := d.SetFieldSetpoint(args[0]); err != nil {
				return err
			}
			return d.GoToSetpoint()
		}},
		"hold":       {Apply: func(_ []float64, _ map[string]string) error { return d.Hold() }},
		"go_to_zero": {Apply: func(_ []float64, _ map[string]string) error { return d.GoToZero() }},
		"switch_heater": {Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("ips120", "switch_heater", args, 1); err != nil {
				return err
			}
			return d.SwitchHeater(args[0] != 0)
		}},
	}
	return probes, slots
}

// K2182Profile polls the nanovoltmeter. The derived resistance divides the
// measured voltage by the current published by sourceWorker; the value is
// published every tick, NaN when the current is zero or not yet known.
func K2182Profile(d *keithley.K2182, sourceWorker string) ([]Probe, map[string]SlotDef, []Derive) {
	probes := []Probe{
		{Field: "Voltage_V", Read: func() (any, error) { return d.MeasureVoltage() }},
	}
	slots := map[string]SlotDef{
		"set_range": {Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("k2182", "set_range", args, 1); err != nil {
				return err
			}
			return d.SetRange(args[0])
		}},
		"set_nplc": {Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("k2182", "set_nplc", args, 1); err != nil {
				return err
			}
			return d.SetNPLC(args[0])
		}},
	}
	derive := []Derive{DeriveResistance("Voltage_V", sourceWorker, "Current_A", "Resistance_Ohm")}
	return probes, slots, derive
}

// DeriveResistance computes outField = fields[voltField] / snap[sourceWorker][currentField].
func DeriveResistance(voltField, sourceWorker, currentField, outField string) Derive {
	return func(snap state.Snapshot, fields state.Fields) {
		r := math.NaN()
		v, okV := fields[voltField].(float64)
		var i float64
		okI := false
		if src, ok := snap[sourceWorker]; ok {
			i, okI = src[currentField].(float64)
		}
		if okV && okI && i != 0 && !math.IsNaN(v) && !math.IsNaN(i) {
			r = v / i
		}
		fields[outField] = r
	}
}

// K6221Profile polls the current source. Output_On comes from a device
// re-read, never from the last requested state; output_enable refreshes the
// poll immediately so the published value reflects what the device accepted.
func K6221Profile(d *keithley.K6221) ([]Probe, map[string]SlotDef) {
	probes := []Probe{
		{Field: "Current_A", Read: func() (any, error) { return d.ReadCurrentSetpoint() }},
		{Field: "Output_On", Read: func() (any, error) { return d.OutputEnabled() }},
	}
	slots := map[string]SlotDef{
		"set_current": {Refresh: true, Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("k6221", "set_current", args, 1); err != nil {
				return err
			}
			return d.SetCurrent(args[0])
		}},
		"set_compliance": {Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("k6221", "set_compliance", args, 1); err != nil {
				return err
			}
			return d.SetCompliance(args[0])
		}},
		"output_enable": {Refresh: true, Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("k6221", "output_enable", args, 1); err != nil {
				return err
			}
			if args[0] != 0 {
				return d.EnableOutput()
			}
			return d.DisableOutput()
		}},
	}
	return probes, slots
}

// SR830Profile polls the lock-in at the fast cadence. The shunt resistance
// is a staged parameter: set_shunt_resistance takes effect on commit and the
// excitation current derives from sine voltage over shunt.
type SR830Profile struct {
	d     *srs.SR830
	shunt float64
	sine  float64
	lastY float64
}

func NewSR830Profile(d *srs.SR830, shuntOhm float64) *SR830Profile {
	return &SR830Profile{d: d, shunt: shuntOhm}
}

func (p *SR830Profile) Probes() []Probe {
	return []Probe{
		{Field: "X_V", Read: func() (any, error) {
			x, y, err := p.d.SnapXY()
			if err != nil {
				return nil, err
			}
			p.lastY = y
			return x, nil
		}},
		{Field: "Y_V", Read: func() (any, error) { return p.lastY, nil }},
		{Field: "R_V", Read: func() (any, error) { return p.d.ReadR() }},
	}
}

func (p *SR830Profile) Slots() map[string]SlotDef {
	return map[string]SlotDef{
		"set_frequency": {Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("sr830", "set_frequency", args, 1); err != nil {
				return err
			}
			return p.d.SetFrequency(args[0])
		}},
		"set_sine_voltage": {Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("sr830", "set_sine_voltage", args, 1); err != nil {
				return err
			}
			if err := p.d.SetSineVoltage(args[0]); err != nil {
				return err
			}
			p.sine = args[0]
			return nil
		}},
		"set_time_constant": {Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("sr830", "set_time_constant", args, 1); err != nil {
				return err
			}
			return p.d.SetTimeConstant(int(args[0]))
		}},
		"set_shunt_resistance": {Deferred: true, Apply: func(args []float64, _ map[string]string) error {
			if err := driver.AssertArgs("sr830", "set_shunt_resistance", args, 1); err != nil {
				return err
			}
			if args[0] <= 0 {
				return errkind.Newf(errkind.KindAssertion, "sr830", "set_shunt_resistance",
					"shunt must be positive, got %g", args[0])
			}
			p.shunt = args[0]
			return nil
		}},
	}
}

// Derives publishes the shunt and the excitation current alongside the raw
// lock-in outputs.
func (p *SR830Profile) Derives() []Derive {
	return []Derive{
		func(_ state.Snapshot, fields state.Fields) {
			fields["Shunt_Ohm"] = p.shunt
			i := math.NaN()
			if p.shunt > 0 && p.sine > 0 {
				i = p.sine / p.shunt
			}
			fields["Current_A"] = i
		},
	}
}
