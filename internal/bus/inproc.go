package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/loykin/cryorun/internal/state"
)

// Inproc is the single-host broker: plain buffered channels, no retention.
type Inproc struct {
	mu     sync.Mutex
	closed bool

	readingSubs map[int64]*readingSub
	commandSubs map[string]map[int64]chan Envelope
	responders  map[string]Handler
	// pending request reply boxes keyed by the requester address
	pending map[string]chan Envelope

	nextID atomic.Int64
}

type readingSub struct {
	prefix string
	ch     chan Reading
}

// NewInproc returns an empty broker.
func NewInproc() *Inproc {
	return &Inproc{
		readingSubs: make(map[int64]*readingSub),
		commandSubs: make(map[string]map[int64]chan Envelope),
		responders:  make(map[string]Handler),
		pending:     make(map[string]chan Envelope),
	}
}

func (b *Inproc) PublishReading(instrument string, fields state.Fields) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	r := Reading{Instrument: instrument, Fields: fields}
	for _, sub := range b.readingSubs {
		if !strings.HasPrefix(instrument, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- r:
		default:
			// subscriber not keeping up: drop, never block the worker
		}
	}
}

func (b *Inproc) SubscribeReadings(prefix string, buffer int) (<-chan Reading, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	id := b.nextID.Add(1)
	ch := make(chan Reading, buffer)
	b.mu.Lock()
	b.readingSubs[id] = &readingSub{prefix: prefix, ch: ch}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.readingSubs, id)
		b.mu.Unlock()
	}
}

func (b *Inproc) PublishCommand(worker string, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	subs := b.commandSubs[worker]
	if len(subs) == 0 {
		return fmt.Errorf("no subscriber for worker %q", worker)
	}
	for _, ch := range subs {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

func (b *Inproc) SubscribeCommands(worker string, buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	id := b.nextID.Add(1)
	ch := make(chan Envelope, buffer)
	b.mu.Lock()
	if b.commandSubs[worker] == nil {
		b.commandSubs[worker] = make(map[int64]chan Envelope)
	}
	b.commandSubs[worker][id] = ch
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.commandSubs[worker], id)
		b.mu.Unlock()
	}
}

// Request augments env with the requester's address, hands it to the named
// responder and waits for the single reply routed back via deliverto. The
// caller's verb rides through untouched, so acknowledged commands keep
// VerbCommand; an empty verb defaults to VerbRequest.
func (b *Inproc) Request(ctx context.Context, responder string, env Envelope) (Envelope, error) {
	addr := fmt.Sprintf("req-%d", b.nextID.Add(1))
	box := make(chan Envelope, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Envelope{}, fmt.Errorf("bus closed")
	}
	h, ok := b.responders[responder]
	if !ok {
		b.mu.Unlock()
		return Envelope{}, fmt.Errorf("no responder %q", responder)
	}
	b.pending[addr] = box
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, addr)
		b.mu.Unlock()
	}()

	if env.Verb == "" {
		env.Verb = VerbRequest
	}
	env.DeliverTo = addr
	go func() {
		reply := h(env)
		b.deliver(reply)
	}()

	select {
	case reply := <-box:
		return reply, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// deliver routes a reply back to the waiting requester, if still there.
func (b *Inproc) deliver(reply Envelope) {
	b.mu.Lock()
	box, ok := b.pending[reply.DeliverTo]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case box <- reply:
	default:
	}
}

func (b *Inproc) Respond(responder string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.responders[responder]; exists {
		return nil, fmt.Errorf("responder %q already registered", responder)
	}
	b.responders[responder] = h
	return func() {
		b.mu.Lock()
		delete(b.responders, responder)
		b.mu.Unlock()
	}, nil
}

func (b *Inproc) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.readingSubs {
		close(sub.ch)
	}
	b.readingSubs = map[int64]*readingSub{}
	for _, subs := range b.commandSubs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.commandSubs = map[string]map[int64]chan Envelope{}
	b.responders = map[string]Handler{}
	return nil
}

var _ Bus = (*Inproc)(nil)
