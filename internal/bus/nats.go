package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loykin/cryorun/internal/state"
)

// Subject layout of the NATS backend. Instrument and worker names become the
// trailing token, so a reading prefix subscription uses the > wildcard and
// filters client-side.
const (
	subjectReadings = "cryorun.reading."
	subjectCommands = "cryorun.command."
	subjectRPC      = "cryorun.rpc."
)

// NATSOptions configure the connection.
type NATSOptions struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *slog.Logger
}

// NATS is the network-capable broker. Semantics match Inproc: at-most-once
// readings, per-publisher command ordering (one connection per publisher),
// exactly one reply per request.
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// DialNATS connects with reconnect handling.
func DialNATS(opts NATSOptions) (*NATS, error) {
	if opts.Name == "" {
		opts.Name = "cryorun"
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1 // keep trying
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: conn, logger: logger}, nil
}

func (b *NATS) track(sub *nats.Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

func (b *NATS) PublishReading(instrument string, fields state.Fields) {
	data, err := json.Marshal(Reading{Instrument: instrument, Fields: fields})
	if err != nil {
		b.logger.Error("marshal reading", "instrument", instrument, "error", err)
		return
	}
	// fire-and-forget: the worker never blocks on subscribers
	if err := b.conn.Publish(subjectReadings+instrument, data); err != nil {
		b.logger.Warn("publish reading", "instrument", instrument, "error", err)
	}
}

func (b *NATS) SubscribeReadings(prefix string, buffer int) (<-chan Reading, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Reading, buffer)
	sub, err := b.conn.Subscribe(subjectReadings+">", func(msg *nats.Msg) {
		instrument := strings.TrimPrefix(msg.Subject, subjectReadings)
		if !strings.HasPrefix(instrument, prefix) {
			return
		}
		var r Reading
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			return
		}
		select {
		case ch <- r:
		default:
		}
	})
	if err != nil {
		b.logger.Error("subscribe readings", "error", err)
		close(ch)
		return ch, func() {}
	}
	b.track(sub)
	return ch, func() { _ = sub.Unsubscribe() }
}

func (b *NATS) PublishCommand(worker string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.conn.Publish(subjectCommands+worker, data)
}

func (b *NATS) SubscribeCommands(worker string, buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Envelope, buffer)
	sub, err := b.conn.Subscribe(subjectCommands+worker, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		select {
		case ch <- env:
		default:
		}
	})
	if err != nil {
		b.logger.Error("subscribe commands", "worker", worker, "error", err)
		close(ch)
		return ch, func() {}
	}
	b.track(sub)
	return ch, func() { _ = sub.Unsubscribe() }
}

func (b *NATS) Request(ctx context.Context, responder string, env Envelope) (Envelope, error) {
	if env.Verb == "" {
		env.Verb = VerbRequest
	}
	data, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, err
	}
	msg, err := b.conn.RequestWithContext(ctx, subjectRPC+responder, data)
	if err != nil {
		return Envelope{}, err
	}
	var reply Envelope
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Envelope{}, err
	}
	return reply, nil
}

func (b *NATS) Respond(responder string, h Handler) (func(), error) {
	sub, err := b.conn.Subscribe(subjectRPC+responder, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		env.DeliverTo = msg.Reply
		reply := h(env)
		data, err := json.Marshal(reply)
		if err != nil {
			return
		}
		_ = msg.Respond(data)
	})
	if err != nil {
		return nil, err
	}
	b.track(sub)
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATS) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	b.conn.Close()
	return nil
}

var _ Bus = (*NATS)(nil)
