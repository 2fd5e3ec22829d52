package oxford

import (
	"fmt"
	"math"

	"github.com/loykin/cryorun/internal/driver"
	"github.com/loykin/cryorun/internal/transport"
)

// Sweep table geometry of the ITC503.
const (
	SweepSteps = 16
	// FillerSetpointK pre-fills unused sweep steps: a low reachable
	// setpoint with zero sweep and hold time, so the device skips the
	// step immediately. The 16th step holds the final setpoint after the
	// sweep and must never carry a zero setpoint.
	FillerSetpointK = 5.0
)

// Temperature setpoint and ramp rate limits accepted before transmission.
const (
	MinSetpointK   = 0.0
	MaxSetpointK   = 320.0
	MinRateKPerMin = 0.01
	MaxRateKPerMin = 50.0
)

// ITC503 drives the Oxford ITC503 temperature controller.
type ITC503 struct {
	dev
}

// NewITC503 wraps port and switches the controller to remote operation.
func NewITC503(port transport.Port, isobusAddr int) (*ITC503, error) {
	d := &ITC503{dev: dev{port: port, name: "itc503", addr: isobusAddr}}
	if err := d.remote(); err != nil {
		return nil, err
	}
	return d, nil
}

// ReadSensor reads sensor index 1..3 in kelvin (R1..R3).
func (d *ITC503) ReadSensor(index int) (float64, error) {
	if index < 1 || index > 3 {
		return math.NaN(), driver.AssertRange(d.name, "ReadSensor", float64(index), 1, 3)
	}
	return d.numericQuery("ReadSensor", fmt.Sprintf("R%d", index))
}

// ReadSetpoint reads the current temperature setpoint (R0).
func (d *ITC503) ReadSetpoint() (float64, error) {
	return d.numericQuery("ReadSetpoint", "R0")
}

// ReadHeaterPercent reads heater output in percent (R5).
func (d *ITC503) ReadHeaterPercent() (float64, error) {
	return d.numericQuery("ReadHeaterPercent", "R5")
}

// SetTemperature writes a plain setpoint (T command), no sweep.
func (d *ITC503) SetTemperature(k float64) error {
	if err := driver.AssertRange(d.name, "SetTemperature", k, MinSetpointK, MaxSetpointK); err != nil {
		return err
	}
	return d.set("SetTemperature", fmt.Sprintf("T%.3f", k))
}

// SetPID writes the three control constants.
func (d *ITC503) SetPID(p, i, dd float64) error {
	if err := d.set("SetPID", fmt.Sprintf("P%.1f", p)); err != nil {
		return err
	}
	if err := d.set("SetPID", fmt.Sprintf("I%.1f", i)); err != nil {
		return err
	}
	return d.set("SetPID", fmt.Sprintf("D%.1f", dd))
}

// SetAutoHeater toggles automatic heater control (A1/A0).
func (d *ITC503) SetAutoHeater(on bool) error {
	if on {
		return d.set("SetAutoHeater", "A1")
	}
	return d.set("SetAutoHeater", "A0")
}

// SetMaxHeaterVolts limits heater output voltage (M command).
func (d *ITC503) SetMaxHeaterVolts(v float64) error {
	if err := driver.AssertRange(d.name, "SetMaxHeaterVolts", v, 0, 40); err != nil {
		return err
	}
	return d.set("SetMaxHeaterVolts", fmt.Sprintf("M%.1f", v))
}

// SweepActive reports whether a hardware sweep is running, from the sweep
// digit of the X status reply (Xn An Cn Snn Hn Ln).
func (d *ITC503) SweepActive() (bool, error) {
	reply, err := d.query("SweepActive", "X")
	if err != nil {
		return false, err
	}
	for i := 0; i+1 < len(reply); i++ {
		if reply[i] == 'S' {
			return reply[i+1] != '0', nil
		}
	}
	return false, nil
}

// StartSweep starts the programmed sweep (S1).
func (d *ITC503) StartSweep() error { return d.set("StartSweep", "S1") }

// StopSweep aborts a running sweep (S0).
func (d *ITC503) StopSweep() error { return d.set("StopSweep", "S0") }

// SweepStep is one row of the 16-step sweep table.
type SweepStep struct {
	SetpointK  float64
	SweepTimeM float64
	HoldTimeM  float64
}

// SweepTable builds the table for a single ramp from `from` to `target` at
// `rate` K/min: step 1 performs the ramp, steps 2..15 are skipped fillers,
// step 16 holds the final setpoint.
func SweepTable(from, target, rate float64) [SweepSteps]SweepStep {
	var t [SweepSteps]SweepStep
	minutes := 0.0
	if rate > 0 {
		minutes = math.Abs(target-from) / rate
	}
	t[0] = SweepStep{SetpointK: target, SweepTimeM: minutes, HoldTimeM: 0}
	for i := 1; i < SweepSteps-1; i++ {
		t[i] = SweepStep{SetpointK: FillerSetpointK, SweepTimeM: 0, HoldTimeM: 0}
	}
	t[SweepSteps-1] = SweepStep{SetpointK: target, SweepTimeM: 0, HoldTimeM: 0}
	return t
}

// ProgramSweep writes a full sweep table via the x/y pointer protocol:
// x selects the step, y selects the field (1 setpoint, 2 sweep time,
// 3 hold time), s writes the value.
func (d *ITC503) ProgramSweep(table [SweepSteps]SweepStep) error {
	for i, step := range table {
		if err := d.set("ProgramSweep", fmt.Sprintf("x%d", i+1)); err != nil {
			return err
		}
		for y, v := range []float64{step.SetpointK, step.SweepTimeM, step.HoldTimeM} {
			if err := d.set("ProgramSweep", fmt.Sprintf("y%d", y+1)); err != nil {
				return err
			}
			if err := d.set("ProgramSweep", fmt.Sprintf("s%.3f", v)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RampTo aborts any running sweep, programs a single-ramp table from the
// current reading and starts it.
func (d *ITC503) RampTo(current, target, rate float64) error {
	if err := driver.AssertRange(d.name, "RampTo", target, MinSetpointK, MaxSetpointK); err != nil {
		return err
	}
	if err := driver.AssertRange(d.name, "RampTo", rate, MinRateKPerMin, MaxRateKPerMin); err != nil {
		return err
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
	if err := d.ProgramSweep(SweepTable(current, target, rate)); err != nil {
		return err
	}
	return d.StartSweep()
}

// Dispatch is the downstream command table for the ITC family.
func (d *ITC503) Dispatch() map[string]driver.Command {
	return map[string]driver.Command{
		"set_temperature": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "set_temperature", args, 1); err != nil {
				return err
			}
			return d.SetTemperature(args[0])
		},
		"set_pid": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "set_pid", args, 3); err != nil {
				return err
			}
			return d.SetPID(args[0], args[1], args[2])
		},
		"set_max_heater_volts": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "set_max_heater_volts", args, 1); err != nil {
				return err
			}
			return d.SetMaxHeaterVolts(args[0])
		},
	}
}
