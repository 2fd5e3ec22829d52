// Package archive exports readings and error events to long-term external
// stores, independent of the per-run logbook database.
package archive

import (
	"context"
	"time"
)

// EventType defines the kind of archived row.
type EventType string

const (
	EventReading EventType = "reading"
	EventError   EventType = "error"
)

// Event is one flattened sample or error, ready for a columnar store.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Instrument string    `json:"instrument"`
	Field      string    `json:"field"`
	Value      float64   `json:"value"`
	Text       string    `json:"text"`
}

// Sink is a destination for archive events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
