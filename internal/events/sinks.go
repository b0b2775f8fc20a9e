package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LogSink writes every event to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, e Event) error {
	s.logger.Info("ledger event",
		zap.Uint64("sequence", e.Sequence),
		zap.String("type", string(e.Type)),
		zap.String("subject_id", e.SubjectID),
		zap.Any("fields", e.Fields))
	return nil
}

// Recorder keeps the most recent events in memory, bounded by capacity.
type Recorder struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewRecorder creates a recorder. capacity <= 0 means unbounded.
func NewRecorder(capacity int) *Recorder {
	return &Recorder{capacity: capacity}
}

// Observe implements Observer, so a bus records events before Publish returns.
func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.capacity > 0 && len(r.events) > r.capacity {
		r.events = append([]Event(nil), r.events[len(r.events)-r.capacity:]...)
	}
}

func (r *Recorder) Deliver(_ context.Context, e Event) error {
	r.Observe(e)
	return nil
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Event(nil), r.events...)
}

// Since returns events with a sequence greater than after.
func (r *Recorder) Since(after uint64) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Event
	for _, e := range r.events {
		if e.Sequence > after {
			out = append(out, e)
		}
	}
	return out
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(typ Type) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
