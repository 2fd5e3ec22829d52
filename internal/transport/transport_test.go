package transport

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/loykin/cryorun/internal/errkind"
)

// echoServer accepts one connection and answers every line with prefix+line.
func echoServer(t *testing.T, prefix string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				rd := bufio.NewReader(c)
				for {
					line, err := rd.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimRight(line, "\r\n")
					if line == "quiet" {
						continue // provoke a read timeout
					}
					_, _ = c.Write([]byte(prefix + line + "\n"))
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestTCPQueryRoundTrip(t *testing.T) {
	addr := echoServer(t, "R:")
	p, err := DialTCP("dev", Settings{
		Address:        addr,
		ReadTerminator: "\n",
		Timeout:        time.Second,
		ExchangeDelay:  0,
	}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	got, err := p.Query("V1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != "R:V1" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestTCPReadTimeoutKind(t *testing.T) {
	addr := echoServer(t, "")
	p, err := DialTCP("dev", Settings{
		Address:        addr,
		ReadTerminator: "\n",
		Timeout:        50 * time.Millisecond,
		ExchangeDelay:  0,
	}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	_, err = p.Query("quiet")
	if !errkind.Is(err, errkind.KindTimeout) {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestTCPReopenAfterClose(t *testing.T) {
	addr := echoServer(t, "")
	p, err := DialTCP("dev", Settings{Address: addr, ReadTerminator: "\n", ExchangeDelay: 0}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Write("X"); !errkind.Is(err, errkind.KindConnectionLost) {
		t.Fatalf("write on closed port should be connection_lost, got %v", err)
	}
	if err := p.Reopen(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	if got, err := p.Query("A"); err != nil || got != "A" {
		t.Fatalf("query after reopen: %q %v", got, err)
	}
}

func TestBusLockSerializesPorts(t *testing.T) {
	addr := echoServer(t, "")
	bus := NewBusLock()
	mk := func() *TCPPort {
		p, err := DialTCP("dev", Settings{Address: addr, ReadTerminator: "\n", ExchangeDelay: time.Millisecond}, bus)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { _ = p.Close() })
		return p
	}
	a, b := mk(), mk()
	done := make(chan error, 2)
	go func() { _, err := a.Query("a"); done <- err }()
	go func() { _, err := b.Query("b"); done <- err }()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("query under bus lock: %v", err)
		}
	}
}

func TestSettingsNormalize(t *testing.T) {
	s := Settings{ReadTerminator: "\r"}
	s.normalize()
	if s.Timeout != DefaultTimeout || s.BaudRate != DefaultBaudRate {
		t.Fatalf("defaults not applied: %+v", s)
	}
	if s.WriteTerminator != "\r" {
		t.Fatalf("write terminator should follow read terminator, got %q", s.WriteTerminator)
	}
	if s.Parity != "N" || s.DataBits != 8 || s.StopBits != 1 {
		t.Fatalf("serial defaults not applied: %+v", s)
	}
}

func TestMockPortScriptAndFaults(t *testing.T) {
	m := NewMockPort()
	m.Replies["*IDN?"] = "KEITHLEY,2182A"
	m.Script = []string{"first", "second"}

	if got, _ := m.Query("*IDN?"); got != "KEITHLEY,2182A" {
		t.Fatalf("canned reply: %q", got)
	}
	if got, _ := m.Query("other"); got != "first" {
		t.Fatalf("script reply: %q", got)
	}
	m.Sever()
	if _, err := m.Query("x"); !errkind.Is(err, errkind.KindConnectionLost) {
		t.Fatalf("severed port should be connection_lost, got %v", err)
	}
	if err := m.Reopen(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got, _ := m.Query("other"); got != "second" {
		t.Fatalf("script should continue after reopen: %q", got)
	}
	if m.Reopens() != 1 {
		t.Fatalf("reopen count: %d", m.Reopens())
	}
}
