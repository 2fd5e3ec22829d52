// Package oxford implements the Oxford Instruments ISOBUS command vocabulary
// for the ITC503 temperature controller, the ILM211 level meter and the
// IPS120-10 magnet power supply. Replies echo the command letter; a reply
// starting with '?' signals a rejected command. Read terminator is '\r'.
package oxford

import (
	"fmt"

	"github.com/loykin/cryorun/internal/driver"
	"github.com/loykin/cryorun/internal/errkind"
	"github.com/loykin/cryorun/internal/transport"
)

// Settings are the transport defaults shared by the Oxford family.
func Settings(address string) transport.Settings {
	return transport.Settings{
		Address:         address,
		ReadTerminator:  "\r",
		WriteTerminator: "\r",
		BaudRate:        9600,
		ExchangeDelay:   transport.DefaultExchangeDelay,
	}
}

// dev carries what the three instruments share: the port, the ISOBUS
// address and the remote/local state.
type dev struct {
	port transport.Port
	name string
	addr int // ISOBUS address, 0 = direct connection
}

// cmd prefixes the ISOBUS address when configured.
func (d *dev) cmd(c string) string {
	if d.addr > 0 {
		return fmt.Sprintf("@%d%s", d.addr, c)
	}
	return c
}

func (d *dev) query(method, c string) (string, error) {
	return driver.QueryChecked(d.port, d.name, method, d.cmd(c), c[0])
}

func (d *dev) numericQuery(method, c string) (float64, error) {
	reply, err := d.query(method, c)
	if err != nil {
		return 0, err
	}
	return driver.Numeric(d.name, method, reply, 1)
}

// set issues a command expected to echo its leading letter and discards the
// payload.
func (d *dev) set(method, c string) error {
	_, err := d.query(method, c)
	return err
}

// remote unlocks the front panel and enables remote control (C3).
func (d *dev) remote() error { return d.set("remote", "C3") }

// Identify returns the version string. The V reply is free-form (no echoed
// command letter), so no prefix check applies.
func (d *dev) Identify() (string, error) {
	reply, err := d.port.Query(d.cmd("V"))
	if err != nil {
		return "", errkind.WithOrigin(err, d.name, "Identify")
	}
	return reply, nil
}

// QueryError reports the device status. Oxford instruments have no error
// queue; a well-formed X status reply means "0" (no error), anything else
// surfaces the raw reply as the code.
func (d *dev) QueryError() (string, string, error) {
	reply, err := d.query("QueryError", "X")
	if err != nil {
		return "", "", err
	}
	if len(reply) < 2 {
		return reply, "malformed status reply", nil
	}
	return "0", "", nil
}

func (d *dev) Close() error { return d.port.Close() }
