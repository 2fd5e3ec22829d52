package keithley

import (
	"fmt"
	"strings"

	"github.com/loykin/cryorun/internal/driver"
	"github.com/loykin/cryorun/internal/transport"
)

// Output current limits of the 6221.
const (
	MinCurrentA = -0.105
	MaxCurrentA = 0.105
)

// K6221 drives the Keithley 6221 precision current source.
type K6221 struct {
	dev
}

// NewK6221 wraps port and puts the source into DC mode with the output off.
func NewK6221(port transport.Port) (*K6221, error) {
	d := &K6221{dev: dev{port: port, name: "k6221"}}
	for _, cmd := range []string{
		"*RST",
		"SOUR:CURR:COMP 10",
		"OUTP OFF",
	} {
		if err := d.write("NewK6221", cmd); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// SetCurrent writes the DC output amplitude in amps.
func (d *K6221) SetCurrent(a float64) error {
	if err := driver.AssertRange(d.name, "SetCurrent", a, MinCurrentA, MaxCurrentA); err != nil {
		return err
	}
	return d.write("SetCurrent", fmt.Sprintf("SOUR:CURR %.6E", a))
}

// SetCompliance sets the voltage compliance limit in volts.
func (d *K6221) SetCompliance(v float64) error {
	if err := driver.AssertRange(d.name, "SetCompliance", v, 0.1, 105); err != nil {
		return err
	}
	return d.write("SetCompliance", fmt.Sprintf("SOUR:CURR:COMP %g", v))
}

// EnableOutput turns the output on.
func (d *K6221) EnableOutput() error { return d.write("EnableOutput", "OUTP ON") }

// DisableOutput turns the output off.
func (d *K6221) DisableOutput() error { return d.write("DisableOutput", "OUTP OFF") }

// OutputEnabled re-reads the output state from the device. Publishing must
// use this, not the last requested state: the device can refuse the command.
func (d *K6221) OutputEnabled() (bool, error) {
	reply, err := d.query("OutputEnabled", "OUTP?")
	if err != nil {
		return false, err
	}
	s := strings.TrimSpace(reply)
	return s == "1" || strings.EqualFold(s, "ON"), nil
}

// ReadCurrentSetpoint reads back the programmed amplitude.
func (d *K6221) ReadCurrentSetpoint() (float64, error) {
	reply, err := d.query("ReadCurrentSetpoint", "SOUR:CURR?")
	if err != nil {
		return 0, err
	}
	return driver.Numeric(d.name, "ReadCurrentSetpoint", reply, 0)
}

// Dispatch is the downstream command table for the current source.
func (d *K6221) Dispatch() map[string]driver.Command {
	return map[string]driver.Command{
		"set_current": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "set_current", args, 1); err != nil {
				return err
			}
			return d.SetCurrent(args[0])
		},
		"set_compliance": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "set_compliance", args, 1); err != nil {
				return err
			}
			return d.SetCompliance(args[0])
		},
		"output_enable": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "output_enable", args, 1); err != nil {
				return err
			}
			if args[0] != 0 {
				return d.EnableOutput()
			}
			return d.DisableOutput()
		},
	}
}
