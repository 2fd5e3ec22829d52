// Package driver holds the shared contract for instrument drivers and the
// reply helpers the families build on. A driver is stateless beyond its port:
// it validates inputs before transmitting and classifies wire faults through
// the transport's error taxonomy.
package driver

import (
	"strconv"
	"strings"

	"github.com/loykin/cryorun/internal/errkind"
	"github.com/loykin/cryorun/internal/transport"
)

// Driver is the minimum surface every instrument family implements.
type Driver interface {
	// Identify queries the device identity string.
	Identify() (string, error)
	// QueryError returns the head of the device's own error queue.
	// Code "0" means no error.
	QueryError() (code string, message string, err error)
	Close() error
}

// Command is one entry of a family's dispatch table, mapped from downstream
// command envelopes to a driver operation.
type Command func(args ...float64) error

// AssertRange rejects v outside [lo, hi] before anything touches the wire.
func AssertRange(component, method string, v, lo, hi float64) error {
	if v < lo || v > hi {
		return errkind.Newf(errkind.KindAssertion, component, method,
			"%g out of range [%g, %g]", v, lo, hi)
	}
	return nil
}

// AssertArgs rejects a dispatch call with the wrong argument count.
func AssertArgs(component, method string, args []float64, want int) error {
	if len(args) != want {
		return errkind.Newf(errkind.KindAssertion, component, method,
			"want %d args, got %d", want, len(args))
	}
	return nil
}

// QueryChecked performs a query and verifies the reply's leading character.
// On a bad prefix it drains the receive buffer and retries exactly once; a
// second bad reply surfaces KindProtocolIO.
func QueryChecked(p transport.Port, component, method, cmd string, prefix byte) (string, error) {
	reply, err := p.Query(cmd)
	if err != nil {
		return "", errkind.WithOrigin(err, component, method)
	}
	if len(reply) > 0 && reply[0] == prefix {
		return reply, nil
	}
	// stale bytes in the receive buffer; drain then retry once
	_, _ = p.Read()
	reply, err = p.Query(cmd)
	if err != nil {
		return "", errkind.WithOrigin(err, component, method)
	}
	if len(reply) == 0 || reply[0] != prefix {
		return "", errkind.Newf(errkind.KindProtocolIO, component, method,
			"bad reply prefix %q to %q after retry", reply, cmd)
	}
	return reply, nil
}

// Numeric parses the float payload of reply after skipping skip leading
// characters (typically the echoed command letter).
func Numeric(component, method, reply string, skip int) (float64, error) {
	if len(reply) < skip {
		return 0, errkind.Newf(errkind.KindProtocolIO, component, method, "short reply %q", reply)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(reply[skip:]), 64)
	if err != nil {
		return 0, errkind.Newf(errkind.KindProtocolIO, component, method, "unparsable reply %q", reply)
	}
	return v, nil
}
