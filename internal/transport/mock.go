package transport

import (
	"sync"

	"github.com/loykin/cryorun/internal/errkind"
)

// MockPort is a scripted in-memory Port used by driver and worker tests.
// Replies are looked up by command; unmatched queries fall back to a FIFO
// script. Faults can be injected per call or by severing the whole port.
type MockPort struct {
	mu sync.Mutex

	// Replies maps a command to its canned reply.
	Replies map[string]string
	// Script is consumed in order by queries with no Replies match.
	Script []string

	// FailNext, when non-nil, is returned by the next exchange then cleared.
	FailNext error

	severed bool
	writes  []string
	reopens int
}

func NewMockPort() *MockPort {
	return &MockPort{Replies: make(map[string]string)}
}

// Sever makes every exchange fail with KindConnectionLost until Reopen.
func (m *MockPort) Sever() {
	m.mu.Lock()
	m.severed = true
	m.mu.Unlock()
}

// Writes returns all commands written so far, queries included.
func (m *MockPort) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	copy(out, m.writes)
	return out
}

// Reopens returns how many times Reopen was called.
func (m *MockPort) Reopens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reopens
}

func (m *MockPort) takeFault(method string) error {
	if m.severed {
		return errkind.Newf(errkind.KindConnectionLost, "mock", method, "port severed")
	}
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	return nil
}

func (m *MockPort) Write(command string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault("Write"); err != nil {
		return err
	}
	m.writes = append(m.writes, command)
	return nil
}

func (m *MockPort) Query(command string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault("Query"); err != nil {
		return "", err
	}
	m.writes = append(m.writes, command)
	if r, ok := m.Replies[command]; ok {
		return r, nil
	}
	if len(m.Script) > 0 {
		r := m.Script[0]
		m.Script = m.Script[1:]
		return r, nil
	}
	return "", errkind.Newf(errkind.KindTimeout, "mock", "Query", "no scripted reply for %q", command)
}

func (m *MockPort) Read() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault("Read"); err != nil {
		return "", err
	}
	if len(m.Script) > 0 {
		r := m.Script[0]
		m.Script = m.Script[1:]
		return r, nil
	}
	return "", errkind.Newf(errkind.KindTimeout, "mock", "Read", "no scripted reply")
}

func (m *MockPort) Reopen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reopens++
	m.severed = false
	return nil
}

func (m *MockPort) Close() error { return nil }
