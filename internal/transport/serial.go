package transport

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	goserial "github.com/goburrow/serial"

	"github.com/loykin/cryorun/internal/errkind"
)

// SerialPort drives an instrument over RS-232 (goburrow/serial).
type SerialPort struct {
	mu       sync.Mutex
	bus      *BusLock
	settings Settings
	name     string

	port goserial.Port
}

// OpenSerial opens the device and applies baud/parity/terminator settings.
func OpenSerial(name string, settings Settings, bus *BusLock) (*SerialPort, error) {
	settings.normalize()
	p := &SerialPort{bus: bus, settings: settings, name: name}
	if err := p.open(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *SerialPort) open() error {
	port, err := goserial.Open(&goserial.Config{
		Address:  p.settings.Address,
		BaudRate: p.settings.BaudRate,
		DataBits: p.settings.DataBits,
		StopBits: p.settings.StopBits,
		Parity:   p.settings.Parity,
		Timeout:  p.settings.Timeout,
	})
	if err != nil {
		return errkind.New(errkind.KindConnectionLost, p.name, "open", err)
	}
	p.port = port
	return nil
}

func (p *SerialPort) classify(method string, err error) error {
	switch {
	case errors.Is(err, goserial.ErrTimeout) || os.IsTimeout(err):
		return errkind.New(errkind.KindTimeout, p.name, method, err)
	case errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed):
		return errkind.New(errkind.KindConnectionLost, p.name, method, err)
	default:
		return errkind.New(errkind.KindProtocolIO, p.name, method, err)
	}
}

func (p *SerialPort) Write(command string) error {
	p.bus.lock()
	defer p.bus.unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(command)
}

func (p *SerialPort) writeLocked(command string) error {
	if p.port == nil {
		return errkind.Newf(errkind.KindConnectionLost, p.name, "Write", "port closed")
	}
	if _, err := p.port.Write([]byte(command + p.settings.WriteTerminator)); err != nil {
		return errkind.New(errkind.KindProtocolIO, p.name, "Write", err)
	}
	p.delay()
	return nil
}

func (p *SerialPort) Query(command string) (string, error) {
	p.bus.lock()
	defer p.bus.unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeLocked(command); err != nil {
		return "", err
	}
	return p.readLocked("Query")
}

func (p *SerialPort) Read() (string, error) {
	p.bus.lock()
	defer p.bus.unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readLocked("Read")
}

// readLocked accumulates bytes until the read terminator (or a bare CR/LF
// when none is configured). The driver timeout bounds each byte read.
func (p *SerialPort) readLocked(method string) (string, error) {
	if p.port == nil {
		return "", errkind.Newf(errkind.KindConnectionLost, p.name, method, "port closed")
	}
	term := p.settings.ReadTerminator
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := p.port.Read(buf)
		if err != nil {
			return "", p.classify(method, err)
		}
		if n == 0 {
			continue
		}
		sb.WriteByte(buf[0])
		s := sb.String()
		if term != "" && strings.HasSuffix(s, term) {
			p.delay()
			return trimTerminator(s, term), nil
		}
		if term == "" && (buf[0] == '\n' || buf[0] == '\r') {
			p.delay()
			return trimTerminator(s, ""), nil
		}
	}
}

func (p *SerialPort) delay() {
	if p.settings.ExchangeDelay > 0 {
		time.Sleep(p.settings.ExchangeDelay)
	}
}

func (p *SerialPort) Reopen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port != nil {
		_ = p.port.Close()
		p.port = nil
	}
	return p.open()
}

func (p *SerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}
