package keithley

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/loykin/cryorun/internal/driver"
	"github.com/loykin/cryorun/internal/errkind"
	"github.com/loykin/cryorun/internal/transport"
)

// K2182 drives the Keithley 2182/2182A nanovoltmeter.
type K2182 struct {
	dev
}

// NewK2182 wraps port and configures single-shot DC voltage measurements on
// channel 1.
func NewK2182(port transport.Port) (*K2182, error) {
	d := &K2182{dev: dev{port: port, name: "k2182"}}
	for _, cmd := range []string{
		"*RST",
		":SENS:FUNC 'VOLT'",
		":SENS:CHAN 1",
		":SENS:VOLT:NPLC 1",
	} {
		if err := d.write("NewK2182", cmd); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// MeasureVoltage triggers one reading and returns volts.
func (d *K2182) MeasureVoltage() (float64, error) {
	reply, err := d.query("MeasureVoltage", ":READ?")
	if err != nil {
		return math.NaN(), err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return math.NaN(), errkind.Newf(errkind.KindProtocolIO, d.name, "MeasureVoltage",
			"unparsable reading %q", reply)
	}
	return v, nil
}

// SetRange sets a fixed measurement range in volts, or autorange when v is 0.
func (d *K2182) SetRange(v float64) error {
	if v == 0 {
		return d.write("SetRange", ":SENS:VOLT:RANG:AUTO ON")
	}
	if err := driver.AssertRange(d.name, "SetRange", v, 1e-8, 120); err != nil {
		return err
	}
	return d.write("SetRange", fmt.Sprintf(":SENS:VOLT:RANG %g", v))
}

// SetNPLC sets the integration time in power line cycles.
func (d *K2182) SetNPLC(n float64) error {
	if err := driver.AssertRange(d.name, "SetNPLC", n, 0.01, 50); err != nil {
		return err
	}
	return d.write("SetNPLC", fmt.Sprintf(":SENS:VOLT:NPLC %g", n))
}

// Dispatch is the downstream command table for the nanovoltmeter.
func (d *K2182) Dispatch() map[string]driver.Command {
	return map[string]driver.Command{
		"set_range": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "set_range", args, 1); err != nil {
				return err
			}
			return d.SetRange(args[0])
		},
		"set_nplc": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "set_nplc", args, 1); err != nil {
				return err
			}
			return d.SetNPLC(args[0])
		},
	}
}
