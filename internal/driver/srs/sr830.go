// Package srs implements the Stanford Research SR830 lock-in amplifier
// vocabulary. Replies are newline-terminated; SNAP? returns comma-separated
// floats.
package srs

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/loykin/cryorun/internal/driver"
	"github.com/loykin/cryorun/internal/errkind"
	"github.com/loykin/cryorun/internal/transport"
)

// Reference oscillator limits of the SR830.
const (
	MinFrequencyHz = 0.001
	MaxFrequencyHz = 102000
	MinSineVolts   = 0.004
	MaxSineVolts   = 5.0
)

// Settings are the transport defaults for the lock-in.
func Settings(address string) transport.Settings {
	return transport.Settings{
		Address:         address,
		ReadTerminator:  "\n",
		WriteTerminator: "\n",
		BaudRate:        9600,
		ExchangeDelay:   transport.DefaultExchangeDelay,
	}
}

// SR830 drives the lock-in amplifier.
type SR830 struct {
	port transport.Port
	name string
}

func NewSR830(port transport.Port) (*SR830, error) {
	d := &SR830{port: port, name: "sr830"}
	// OUTX 1: route replies to the active interface
	if err := d.write("NewSR830", "OUTX 1"); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *SR830) write(method, cmd string) error {
	if err := d.port.Write(cmd); err != nil {
		return errkind.WithOrigin(err, d.name, method)
	}
	return nil
}

func (d *SR830) query(method, cmd string) (string, error) {
	reply, err := d.port.Query(cmd)
	if err != nil {
		return "", errkind.WithOrigin(err, d.name, method)
	}
	return reply, nil
}

func (d *SR830) Identify() (string, error) { return d.query("Identify", "*IDN?") }

// QueryError reads the standard event status byte; 0 means clean.
func (d *SR830) QueryError() (string, string, error) {
	reply, err := d.query("QueryError", "*ESR?")
	if err != nil {
		return "", "", err
	}
	code := strings.TrimSpace(reply)
	if code == "0" {
		return "0", "", nil
	}
	return code, "standard event status " + code, nil
}

// SnapXY reads X and Y simultaneously (SNAP?1,2), in volts.
func (d *SR830) SnapXY() (x, y float64, err error) {
	reply, err := d.query("SnapXY", "SNAP?1,2")
	if err != nil {
		return math.NaN(), math.NaN(), err
	}
	parts := strings.Split(reply, ",")
	if len(parts) != 2 {
		return math.NaN(), math.NaN(), errkind.Newf(errkind.KindProtocolIO, d.name, "SnapXY",
			"want 2 fields, got %q", reply)
	}
	x, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	y, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return math.NaN(), math.NaN(), errkind.Newf(errkind.KindProtocolIO, d.name, "SnapXY",
			"unparsable snap %q", reply)
	}
	return x, y, nil
}

// ReadR reads the magnitude output (OUTP?3).
func (d *SR830) ReadR() (float64, error) {
	reply, err := d.query("ReadR", "OUTP?3")
	if err != nil {
		return math.NaN(), err
	}
	return driver.Numeric(d.name, "ReadR", reply, 0)
}

// SetFrequency sets the internal reference frequency in Hz.
func (d *SR830) SetFrequency(hz float64) error {
	if err := driver.AssertRange(d.name, "SetFrequency", hz, MinFrequencyHz, MaxFrequencyHz); err != nil {
		return err
	}
	return d.write("SetFrequency", fmt.Sprintf("FREQ %.4f", hz))
}

// SetSineVoltage sets the sine output amplitude in volts.
func (d *SR830) SetSineVoltage(v float64) error {
	if err := driver.AssertRange(d.name, "SetSineVoltage", v, MinSineVolts, MaxSineVolts); err != nil {
		return err
	}
	return d.write("SetSineVoltage", fmt.Sprintf("SLVL %.3f", v))
}

// SetTimeConstant selects the time constant by index (0..19).
func (d *SR830) SetTimeConstant(index int) error {
	if index < 0 || index > 19 {
		return driver.AssertRange(d.name, "SetTimeConstant", float64(index), 0, 19)
	}
	return d.write("SetTimeConstant", fmt.Sprintf("OFLT %d", index))
}

func (d *SR830) Close() error { return d.port.Close() }

// Dispatch is the downstream command table for the lock-in.
func (d *SR830) Dispatch() map[string]driver.Command {
	return map[string]driver.Command{
		"set_frequency": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "set_frequency", args, 1); err != nil {
				return err
			}
			return d.SetFrequency(args[0])
		},
		"set_sine_voltage": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "set_sine_voltage", args, 1); err != nil {
				return err
			}
			return d.SetSineVoltage(args[0])
		},
		"set_time_constant": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "set_time_constant", args, 1); err != nil {
				return err
			}
			return d.SetTimeConstant(int(args[0]))
		},
	}
}
