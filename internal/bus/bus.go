// Package bus is the messaging fabric between instrument workers and their
// subscribers. Three patterns run over it: an upstream reading feed
// (workers → logger/sequence/monitors, at-most-once, producers never block),
// a downstream command feed (controllers → one worker, ordered per
// publisher), and a request/reply router for commands that need an
// acknowledgement.
//
// Two backends exist: an in-process channel broker (the default, single
// host) and a NATS-backed broker with the same semantics for out-of-process
// clients. Worker logic never depends on which one is wired.
package bus

import (
	"context"

	"github.com/loykin/cryorun/internal/state"
)

// Verbs of a command envelope. One character, followed by the payload.
const (
	VerbCommand = "c" // fire-and-forget slot call
	VerbRequest = "q" // request expecting exactly one reply
	VerbReply   = "r"
	VerbAck     = "a"
)

// Envelope is the JSON-style command envelope.
type Envelope struct {
	Verb string    `json:"v"`
	Name string    `json:"n"`
	Args []float64 `json:"a,omitempty"`
	// Params carries non-numeric payload (file paths, threshold names).
	Params map[string]string `json:"p,omitempty"`
	// DeliverTo is the requester address a reply is routed back to. The
	// router fills it on the way in and consumes it on the way back.
	DeliverTo string `json:"deliverto,omitempty"`
	// Err is set on a reply when the responder failed.
	Err string `json:"err,omitempty"`
}

// Ok builds an ack reply preserving the routing address.
func (e Envelope) Ok() Envelope {
	return Envelope{Verb: VerbAck, Name: e.Name, DeliverTo: e.DeliverTo}
}

// Fail builds an error reply preserving the routing address.
func (e Envelope) Fail(err error) Envelope {
	return Envelope{Verb: VerbReply, Name: e.Name, DeliverTo: e.DeliverTo, Err: err.Error()}
}

// Reading is one instrument snapshot on the upstream feed.
type Reading struct {
	Instrument string       `json:"instrument"`
	Fields     state.Fields `json:"fields"`
}

// Handler answers one request with exactly one reply.
type Handler func(Envelope) Envelope

// Bus is the fabric contract.
type Bus interface {
	// PublishReading emits a snapshot upstream. It never blocks; slow
	// subscribers lose messages.
	PublishReading(instrument string, fields state.Fields)
	// SubscribeReadings delivers readings whose instrument identifier has
	// the given prefix ("" for all). cancel drops the subscription.
	SubscribeReadings(prefix string, buffer int) (ch <-chan Reading, cancel func())

	// PublishCommand emits a command envelope downstream to one worker.
	PublishCommand(worker string, env Envelope) error
	// SubscribeCommands delivers a worker's command feed, ordered per
	// publisher.
	SubscribeCommands(worker string, buffer int) (ch <-chan Envelope, cancel func())

	// Request routes env to the named responder and waits for its single
	// reply. The context bounds the wait; a vanished responder times out.
	Request(ctx context.Context, responder string, env Envelope) (Envelope, error)
	// Respond registers the single responder for a name.
	Respond(responder string, h Handler) (cancel func(), err error)

	Close() error
}
