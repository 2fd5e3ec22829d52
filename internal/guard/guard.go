// Package guard wraps every public operation of a control worker with the
// fault policy: timeouts are retried, lost connections trigger a reopen loop,
// everything else becomes an error event. No fault ever propagates out of a
// guarded call; the caller gets a plain ok/failed and the structured event
// travels on the worker's error channel.
package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/cryorun/internal/errkind"
	"github.com/loykin/cryorun/internal/transport"
)

// Policy defaults.
const (
	DefaultTimeoutRetries = 5
	DefaultTimeoutBackoff = 10 * time.Millisecond
	DefaultReconnectWait  = time.Second
)

// Guard applies the fault policy for one worker.
type Guard struct {
	component string
	port      transport.Port
	// identify must run a cheap query proving the device answers again
	// after a reopen.
	identify func() error
	events   chan<- errkind.Event
	logger   *slog.Logger
	ctx      context.Context

	timeoutRetries int
	timeoutBackoff time.Duration
	reconnectWait  time.Duration
}

// Config for New. Events and Identify are required; the rest defaults.
type Config struct {
	Component string
	Port      transport.Port
	Identify  func() error
	Events    chan<- errkind.Event
	Logger    *slog.Logger
	// Ctx cancels the reconnect loop at shutdown; context.Background()
	// keeps it infinite, per the 1 s back-off policy.
	Ctx context.Context

	TimeoutRetries int
	TimeoutBackoff time.Duration
	ReconnectWait  time.Duration
}

func New(cfg Config) *Guard {
	g := &Guard{
		component:      cfg.Component,
		port:           cfg.Port,
		identify:       cfg.Identify,
		events:         cfg.Events,
		logger:         cfg.Logger,
		ctx:            cfg.Ctx,
		timeoutRetries: cfg.TimeoutRetries,
		timeoutBackoff: cfg.TimeoutBackoff,
		reconnectWait:  cfg.ReconnectWait,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.ctx == nil {
		g.ctx = context.Background()
	}
	if g.timeoutRetries <= 0 {
		g.timeoutRetries = DefaultTimeoutRetries
	}
	if g.timeoutBackoff <= 0 {
		g.timeoutBackoff = DefaultTimeoutBackoff
	}
	if g.reconnectWait <= 0 {
		g.reconnectWait = DefaultReconnectWait
	}
	return g
}

func (g *Guard) emit(method string, err error) {
	ev := errkind.EventOf(errkind.WithOrigin(err, g.component, method))
	g.logger.Warn("worker fault",
		"component", ev.Component, "method", ev.Method,
		"kind", ev.KindName, "message", ev.Message)
	if g.events == nil {
		return
	}
	select {
	case g.events <- ev:
	default:
		// the sink is behind; dropping beats blocking the worker
	}
}

// Do runs fn under the fault policy and reports whether it eventually
// succeeded. Failures have already been emitted as events when Do returns
// false.
func (g *Guard) Do(method string, fn func() error) bool {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return true
		}
		switch errkind.KindOf(err) {
		case errkind.KindTimeout:
			g.emit(method, err)
			if attempt >= g.timeoutRetries {
				return false
			}
			select {
			case <-time.After(g.timeoutBackoff):
			case <-g.ctx.Done():
				return false
			}
		case errkind.KindConnectionLost, errkind.KindProtocolIO:
			g.emit(method, err)
			if !g.recover() {
				return false
			}
			// exactly one retry after a successful reconnect
			if err2 := fn(); err2 != nil {
				g.emit(method, err2)
				return false
			}
			return true
		default:
			g.emit(method, err)
			return false
		}
	}
}

// Call runs a value-returning operation under the policy; on failure the
// sentinel is returned.
func Call[T any](g *Guard, method string, sentinel T, fn func() (T, error)) T {
	var out T
	ok := g.Do(method, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if !ok {
		return sentinel
	}
	return out
}

// recover closes the adapter and loops reopening at the reconnect cadence
// until the identity query answers. It holds whatever lock the caller holds:
// commands queue behind the recovery on purpose (atomicity of the in-flight
// operation over availability).
func (g *Guard) recover() bool {
	if g.port != nil {
		_ = g.port.Close()
	}
	for {
		select {
		case <-time.After(g.reconnectWait):
		case <-g.ctx.Done():
			return false
		}
		if g.port != nil {
			if err := g.port.Reopen(); err != nil {
				g.logger.Debug("reopen failed", "component", g.component, "error", err)
				continue
			}
		}
		if g.identify != nil {
			if err := g.identify(); err != nil {
				g.logger.Debug("identity query failed", "component", g.component, "error", err)
				continue
			}
		}
		g.logger.Info("transport recovered", "component", g.component)
		return true
	}
}
