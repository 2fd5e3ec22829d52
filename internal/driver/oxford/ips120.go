package oxford

import (
	"fmt"
	"strings"

	"github.com/loykin/cryorun/internal/driver"
	"github.com/loykin/cryorun/internal/transport"
)

// Field and sweep-rate limits of the IPS120-10 with an 8 T solenoid.
const (
	MinFieldT      = -8.0
	MaxFieldT      = 8.0
	MinRateTPerMin = 0.0001
	MaxRateTPerMin = 1.0
)

// MagnetState is the decoded system status word.
type MagnetState string

const (
	MagnetNormal   MagnetState = "normal"
	MagnetQuenched MagnetState = "quenched"
)

// IPS120 drives the Oxford IPS120-10 superconducting magnet power supply.
type IPS120 struct {
	dev
}

func NewIPS120(port transport.Port, isobusAddr int) (*IPS120, error) {
	d := &IPS120{dev: dev{port: port, name: "ips120", addr: isobusAddr}}
	if err := d.remote(); err != nil {
		return nil, err
	}
	return d, nil
}

// ReadField reads the output field in tesla (R7).
func (d *IPS120) ReadField() (float64, error) {
	return d.numericQuery("ReadField", "R7")
}

// ReadFieldSetpoint reads the target field (R8).
func (d *IPS120) ReadFieldSetpoint() (float64, error) {
	return d.numericQuery("ReadFieldSetpoint", "R8")
}

// ReadSweepRate reads the field sweep rate in T/min (R9).
func (d *IPS120) ReadSweepRate() (float64, error) {
	return d.numericQuery("ReadSweepRate", "R9")
}

// SetFieldSetpoint writes the target field (J command).
func (d *IPS120) SetFieldSetpoint(t float64) error {
	if err := driver.AssertRange(d.name, "SetFieldSetpoint", t, MinFieldT, MaxFieldT); err != nil {
		return err
	}
	return d.set("SetFieldSetpoint", fmt.Sprintf("J%.4f", t))
}

// SetSweepRate writes the field sweep rate (T command).
func (d *IPS120) SetSweepRate(tpm float64) error {
	if err := driver.AssertRange(d.name, "SetSweepRate", tpm, MinRateTPerMin, MaxRateTPerMin); err != nil {
		return err
	}
	return d.set("SetSweepRate", fmt.Sprintf("T%.4f", tpm))
}

// Hold freezes the output at its present value (A0).
func (d *IPS120) Hold() error { return d.set("Hold", "A0") }

// GoToSetpoint ramps the output to the field setpoint (A1).
func (d *IPS120) GoToSetpoint() error { return d.set("GoToSetpoint", "A1") }

// GoToZero ramps the output to zero (A2).
func (d *IPS120) GoToZero() error { return d.set("GoToZero", "A2") }

// SwitchHeater controls the persistent-mode switch heater (H1/H0).
func (d *IPS120) SwitchHeater(on bool) error {
	if on {
		return d.set("SwitchHeater", "H1")
	}
	return d.set("SwitchHeater", "H0")
}

// Status decodes the magnet system status from the X reply
// (Xmn An Cn Hn Mmn Pmn): the first system digit 1 means quenched.
func (d *IPS120) Status() (MagnetState, error) {
	reply, err := d.query("Status", "X")
	if err != nil {
		return "", err
	}
	rest := strings.TrimPrefix(reply, "X")
	if len(rest) > 0 && rest[0] == '1' {
		return MagnetQuenched, nil
	}
	return MagnetNormal, nil
}

// Dispatch is the downstream command table for the magnet supply.
func (d *IPS120) Dispatch() map[string]driver.Command {
	return map[string]driver.Command{
		"set_field": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "set_field", args, 2); err != nil {
				return err
			}
			if err := d.SetSweepRate(args[1]); err != nil {
				return err
			}
			if err := d.SetFieldSetpoint(args[0]); err != nil {
				return err
			}
			return d.GoToSetpoint()
		},
		"hold": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "hold", args, 0); err != nil {
				return err
			}
			return d.Hold()
		},
		"go_to_zero": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "go_to_zero", args, 0); err != nil {
				return err
			}
			return d.GoToZero()
		},
	}
}
