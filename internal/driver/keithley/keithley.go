// Package keithley implements the SCPI vocabulary used from the Keithley
// 2182/2182A nanovoltmeter and the 6221 current source. Commands are
// newline-terminated; SYST:ERR? yields "code,\"message\"" with code 0 for an
// empty error queue.
package keithley

import (
	"strings"

	"github.com/loykin/cryorun/internal/errkind"
	"github.com/loykin/cryorun/internal/transport"
)

// Settings are the transport defaults for the Keithley family.
func Settings(address string) transport.Settings {
	return transport.Settings{
		Address:         address,
		ReadTerminator:  "\n",
		WriteTerminator: "\n",
		BaudRate:        19200,
		ExchangeDelay:   transport.DefaultExchangeDelay,
	}
}

// LostConfigCode is the SCPI error code reported after the instrument lost
// its saved setup (power glitch). Workers re-instantiate the driver when the
// error queue head carries it.
const LostConfigCode = "-314"

type dev struct {
	port transport.Port
	name string
}

func (d *dev) write(method, cmd string) error {
	if err := d.port.Write(cmd); err != nil {
		return errkind.WithOrigin(err, d.name, method)
	}
	return nil
}

func (d *dev) query(method, cmd string) (string, error) {
	reply, err := d.port.Query(cmd)
	if err != nil {
		return "", errkind.WithOrigin(err, d.name, method)
	}
	return reply, nil
}

func (d *dev) Identify() (string, error) {
	return d.query("Identify", "*IDN?")
}

// QueryError pops the head of the SCPI error queue.
func (d *dev) QueryError() (string, string, error) {
	reply, err := d.query("QueryError", "SYST:ERR?")
	if err != nil {
		return "", "", err
	}
	code, msg, found := strings.Cut(reply, ",")
	if !found {
		return "", "", errkind.Newf(errkind.KindProtocolIO, d.name, "QueryError",
			"malformed error reply %q", reply)
	}
	code = strings.TrimSpace(code)
	if strings.HasPrefix(code, "+") {
		code = code[1:]
	}
	if code == "0" {
		return "0", "", nil
	}
	return code, strings.Trim(strings.TrimSpace(msg), `"`), nil
}

func (d *dev) Close() error { return d.port.Close() }
