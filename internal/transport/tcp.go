package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/cryorun/internal/errkind"
)

// TCPPort drives an instrument over a raw TCP socket (Keithley ethernet
// interfaces, terminal servers in front of GPIB).
type TCPPort struct {
	mu       sync.Mutex
	bus      *BusLock
	settings Settings
	name     string

	conn net.Conn
	rd   *bufio.Reader
}

// DialTCP opens the socket and applies settings. name identifies the channel
// in error events.
func DialTCP(name string, settings Settings, bus *BusLock) (*TCPPort, error) {
	settings.normalize()
	p := &TCPPort{bus: bus, settings: settings, name: name}
	if err := p.open(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *TCPPort) open() error {
	conn, err := net.DialTimeout("tcp", p.settings.Address, p.settings.Timeout)
	if err != nil {
		return errkind.New(errkind.KindConnectionLost, p.name, "open", err)
	}
	p.conn = conn
	p.rd = bufio.NewReader(conn)
	return nil
}

func (p *TCPPort) classify(method string, err error) error {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return errkind.New(errkind.KindTimeout, p.name, method, err)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return errkind.New(errkind.KindConnectionLost, p.name, method, err)
	default:
		return errkind.New(errkind.KindProtocolIO, p.name, method, err)
	}
}

func (p *TCPPort) Write(command string) error {
	p.bus.lock()
	defer p.bus.unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(command)
}

func (p *TCPPort) writeLocked(command string) error {
	if p.conn == nil {
		return errkind.Newf(errkind.KindConnectionLost, p.name, "Write", "port closed")
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.settings.Timeout))
	if _, err := io.WriteString(p.conn, command+p.settings.WriteTerminator); err != nil {
		// write failures are protocol errors unless the socket is gone
		cerr := p.classify("Write", err)
		if errkind.KindOf(cerr) == errkind.KindTimeout {
			return errkind.New(errkind.KindProtocolIO, p.name, "Write", err)
		}
		return cerr
	}
	p.delay()
	return nil
}

func (p *TCPPort) Query(command string) (string, error) {
	p.bus.lock()
	defer p.bus.unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeLocked(command); err != nil {
		return "", err
	}
	return p.readLocked("Query")
}

func (p *TCPPort) Read() (string, error) {
	p.bus.lock()
	defer p.bus.unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readLocked("Read")
}

func (p *TCPPort) readLocked(method string) (string, error) {
	if p.conn == nil {
		return "", errkind.Newf(errkind.KindConnectionLost, p.name, method, "port closed")
	}
	_ = p.conn.SetReadDeadline(time.Now().Add(p.settings.Timeout))
	term := byte('\n')
	if p.settings.ReadTerminator != "" {
		term = p.settings.ReadTerminator[len(p.settings.ReadTerminator)-1]
	}
	line, err := p.rd.ReadString(term)
	if err != nil {
		return "", p.classify(method, err)
	}
	p.delay()
	return trimTerminator(line, p.settings.ReadTerminator), nil
}

func (p *TCPPort) delay() {
	if p.settings.ExchangeDelay > 0 {
		time.Sleep(p.settings.ExchangeDelay)
	}
}

// Reopen drops the current socket and dials again with the same settings.
func (p *TCPPort) Reopen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	return p.open()
}

func (p *TCPPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
