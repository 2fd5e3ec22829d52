package oxford

import (
	"fmt"
	"math"

	"github.com/loykin/cryorun/internal/driver"
	"github.com/loykin/cryorun/internal/transport"
)

// ILM211 drives the Oxford ILM211 cryogen level meter. Level replies are in
// tenths of a percent.
type ILM211 struct {
	dev
}

func NewILM211(port transport.Port, isobusAddr int) (*ILM211, error) {
	d := &ILM211{dev: dev{port: port, name: "ilm211", addr: isobusAddr}}
	if err := d.remote(); err != nil {
		return nil, err
	}
	return d, nil
}

// ReadLevel reads channel 1..2 and converts to percent.
func (d *ILM211) ReadLevel(channel int) (float64, error) {
	if channel < 1 || channel > 2 {
		return math.NaN(), driver.AssertRange(d.name, "ReadLevel", float64(channel), 1, 2)
	}
	v, err := d.numericQuery("ReadLevel", fmt.Sprintf("R%d", channel))
	if err != nil {
		return math.NaN(), err
	}
	return v / 10.0, nil
}

// SetFastSampling switches a helium channel to fast (continuous) sampling.
func (d *ILM211) SetFastSampling(channel int) error {
	if channel < 1 || channel > 2 {
		return driver.AssertRange(d.name, "SetFastSampling", float64(channel), 1, 2)
	}
	return d.set("SetFastSampling", fmt.Sprintf("T%d", channel))
}

// SetSlowSampling switches a helium channel back to slow sampling, sparing
// probe current.
func (d *ILM211) SetSlowSampling(channel int) error {
	if channel < 1 || channel > 2 {
		return driver.AssertRange(d.name, "SetSlowSampling", float64(channel), 1, 2)
	}
	return d.set("SetSlowSampling", fmt.Sprintf("S%d", channel))
}

// Dispatch is the downstream command table for the level meter.
func (d *ILM211) Dispatch() map[string]driver.Command {
	return map[string]driver.Command{
		"set_fast_sampling": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "set_fast_sampling", args, 1); err != nil {
				return err
			}
			return d.SetFastSampling(int(args[0]))
		},
		"set_slow_sampling": func(args ...float64) error {
			if err := driver.AssertArgs(d.name, "set_slow_sampling", args, 1); err != nil {
				return err
			}
			return d.SetSlowSampling(int(args[0]))
		},
	}
}
