// Package transport hides the physical instrument channel behind a small
// write/query/read contract. Exactly one exchange is in flight per channel;
// instruments sharing a bus (GPIB) can share a BusLock so their exchanges
// serialize across ports.
package transport

import (
	"strings"
	"sync"
	"time"
)

// Settings carries the per-channel wire configuration. Zero values fall back
// to the defaults below.
type Settings struct {
	// Address is backend-specific: a device path for serial
	// ("/dev/ttyUSB0"), host:port for tcp.
	Address string

	ReadTerminator  string
	WriteTerminator string

	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E", "O"

	// Timeout bounds a single read. ExchangeDelay is honoured after every
	// exchange so slow devices are not overrun.
	Timeout       time.Duration
	ExchangeDelay time.Duration
}

const (
	DefaultTimeout       = time.Second
	DefaultExchangeDelay = 10 * time.Millisecond
	DefaultBaudRate      = 9600
)

func (s *Settings) normalize() {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.ExchangeDelay < 0 {
		s.ExchangeDelay = DefaultExchangeDelay
	}
	if s.BaudRate <= 0 {
		s.BaudRate = DefaultBaudRate
	}
	if s.DataBits <= 0 {
		s.DataBits = 8
	}
	if s.StopBits <= 0 {
		s.StopBits = 1
	}
	if s.Parity == "" {
		s.Parity = "N"
	}
	if s.WriteTerminator == "" {
		s.WriteTerminator = s.ReadTerminator
	}
}

// Port is the adapter contract drivers are written against.
// Implementations classify failures via errkind: a read deadline surfaces
// KindTimeout, a closed/severed channel KindConnectionLost, anything else
// KindProtocolIO.
type Port interface {
	// Write sends command plus the write terminator.
	Write(command string) error
	// Query performs write-then-read as one locked exchange and returns the
	// reply with the read terminator stripped.
	Query(command string) (string, error)
	// Read performs a raw locked read.
	Read() (string, error)
	// Reopen re-establishes the channel and re-applies Settings. Safe to
	// call after any failure.
	Reopen() error
	Close() error
}

// BusLock serializes exchanges of several ports that share one physical bus.
// A nil *BusLock is valid and locks nothing.
type BusLock struct{ mu sync.Mutex }

func NewBusLock() *BusLock { return &BusLock{} }

func (b *BusLock) lock() {
	if b != nil {
		b.mu.Lock()
	}
}

func (b *BusLock) unlock() {
	if b != nil {
		b.mu.Unlock()
	}
}

// trimTerminator removes a trailing read terminator plus stray CR/LF.
func trimTerminator(s, term string) string {
	if term != "" {
		s = strings.TrimSuffix(s, term)
	}
	return strings.TrimRight(s, "\r\n")
}
