// Package notifications fans ledger events out to live observers.
package notifications

import (
	"context"
	"maps"

	"carbon-scribe/bridge-backend/internal/events"
)

// Broadcaster delivers a message to every interested subscriber.
type Broadcaster interface {
	Broadcast(msg Message) error
}

// Service turns ledger events into websocket messages. It is an events.Sink.
type Service struct {
	broadcaster Broadcaster
}

func NewService(b Broadcaster) *Service {
	return &Service{broadcaster: b}
}

// Deliver implements events.Sink. A full broadcast buffer is reported to the bus, which
// logs it; observers catch up through the events endpoint.
func (s *Service) Deliver(_ context.Context, e events.Event) error {
	return s.broadcaster.Broadcast(FromEvent(e))
}

// FromEvent builds the websocket frame of an event.
func FromEvent(e events.Event) Message {
	data := make(map[string]any, len(e.Fields)+2)
	maps.Copy(data, e.Fields)
	data["subject_id"] = e.SubjectID
	data["sequence"] = e.Sequence
	return Message{
		Type:      MessageTypeEvent,
		Channel:   string(e.Type),
		Data:      data,
		Timestamp: e.OccurredAt,
	}
}
