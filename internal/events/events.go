// Package events carries the structured notifications emitted on every ledger state
// transition. Delivery to sinks is at-least-once; consumers dedupe on
// Type+SubjectID+Sequence.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type identifies the kind of transition.
type Type string

const (
	ProjectAdded             Type = "project.added"
	VintageAdded             Type = "vintage.added"
	BatchMinted              Type = "batch.minted"
	BatchDataSet             Type = "batch.data_set"
	BatchVintageLinked       Type = "batch.vintage_linked"
	BatchRetirementConfirmed Type = "batch.retirement_confirmed"
	BatchFractionalized      Type = "batch.fractionalized"
	LotCreated               Type = "lot.created"
	LotMinted                Type = "lot.minted"
	LotBurned                Type = "lot.burned"
	LotTransferred           Type = "lot.transferred"
	PoolEligibilitySet       Type = "pool.eligibility_set"
	PoolDeposited            Type = "pool.deposited"
	PoolWithdrawn            Type = "pool.withdrawn"
	PoolTransferred          Type = "pool.transferred"
	BridgeTransferred        Type = "bridge.transferred"
	BridgePaused             Type = "bridge.paused"
	BridgeUnpaused           Type = "bridge.unpaused"
)

// Event is one notification.
type Event struct {
	Sequence   uint64         `json:"sequence"`
	Type       Type           `json:"type"`
	SubjectID  string         `json:"subject_id"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// DedupKey is the idempotency key consumers should use.
func (e Event) DedupKey() string {
	return fmt.Sprintf("%s:%s:%d", e.Type, e.SubjectID, e.Sequence)
}

// Publisher is what ledger components emit into.
type Publisher interface {
	Publish(ctx context.Context, typ Type, subjectID string, fields map[string]any) Event
}

// Sink receives sequenced events. Deliver is retried until it succeeds, so it must be
// idempotent on Event.DedupKey.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Deliver(ctx context.Context, e Event) error { return f(ctx, e) }

// Observer is called inline by Publish, in sequence order, before Publish returns.
// Observers must not block or fail; in-memory views such as Recorder use it.
type Observer interface {
	Observe(e Event)
}

const (
	defaultDeliverTimeout = 10 * time.Second
	defaultRetryMin       = 100 * time.Millisecond
	defaultRetryMax       = 30 * time.Second
)

// Bus assigns sequence numbers and hands events to sinks. Publish only enqueues: each
// sink has its own queue drained by a background goroutine, in sequence order, retrying
// a failed delivery with backoff until it succeeds or the bus is closed. Delivery runs on
// the bus's own context, never the publisher's.
type Bus struct {
	mu         sync.Mutex
	seq        uint64
	observers  []Observer
	dispatch   []*dispatcher
	logger     *zap.Logger
	now        func() time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	stopping   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	deliverTTL time.Duration
	retryMin   time.Duration
	retryMax   time.Duration
}

// NewBus creates a bus. Sinks that implement Observer are called inline; every other
// sink is delivered to asynchronously.
func NewBus(logger *zap.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:     logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		stopping:   make(chan struct{}),
		deliverTTL: defaultDeliverTimeout,
		retryMin:   defaultRetryMin,
		retryMax:   defaultRetryMax,
	}
	for _, s := range sinks {
		b.AddSink(s)
	}
	return b
}

// AddSink attaches another sink. Intended for wiring time; events published before
// the call are not replayed to it.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := s.(Observer); ok {
		b.observers = append(b.observers, o)
		return
	}
	d := &dispatcher{sink: s, wake: make(chan struct{}, 1)}
	b.dispatch = append(b.dispatch, d)
	b.wg.Add(1)
	go b.run(d)
}

// StartAt makes the next published event carry sequence seq+1. It is used after a
// restart so sequences continue from the durable journal; it never moves backwards.
func (b *Bus) StartAt(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq > b.seq {
		b.seq = seq
	}
}

// Publish implements Publisher. It never waits on a sink.
func (b *Bus) Publish(_ context.Context, typ Type, subjectID string, fields map[string]any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e := Event{
		Sequence:   b.seq,
		Type:       typ,
		SubjectID:  subjectID,
		Fields:     fields,
		OccurredAt: b.now().UTC(),
	}
	for _, o := range b.observers {
		o.Observe(e)
	}
	for _, d := range b.dispatch {
		d.push(e)
	}
	return e
}

// Sequence returns the last assigned sequence number.
func (b *Bus) Sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Pending returns the number of queued deliveries not yet acknowledged by their sink.
func (b *Bus) Pending() int {
	b.mu.Lock()
	dispatch := b.dispatch
	b.mu.Unlock()
	n := 0
	for _, d := range dispatch {
		n += d.len()
	}
	return n
}

// Close drains every queue. If ctx ends first, delivery is abandoned and the number of
// undelivered events is reported.
func (b *Bus) Close(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stopping) })
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return fmt.Errorf("event bus closed with %d undelivered events: %w", b.Pending(), ctx.Err())
	}
}

func (b *Bus) run(d *dispatcher) {
	defer b.wg.Done()
	attempt := 0
	for {
		e, ok := d.peek()
		if !ok {
			select {
			case <-d.wake:
				continue
			case <-b.stopping:
				if d.len() == 0 {
					return
				}
				continue
			case <-b.ctx.Done():
				return
			}
		}

		ctx, cancel := context.WithTimeout(b.ctx, b.deliverTTL)
		err := d.sink.Deliver(ctx, e)
		cancel()
		if err == nil {
			d.pop()
			attempt = 0
			continue
		}

		attempt++
		wait := b.backoff(attempt)
		b.logger.Warn("event delivery failed, retrying",
			zap.String("type", string(e.Type)),
			zap.String("subject_id", e.SubjectID),
			zap.Uint64("sequence", e.Sequence),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-b.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (b *Bus) backoff(attempt int) time.Duration {
	wait := b.retryMin
	for i := 1; i < attempt && wait < b.retryMax; i++ {
		wait *= 2
	}
	return min(wait, b.retryMax)
}

// dispatcher is one sink's FIFO queue.
type dispatcher struct {
	sink  Sink
	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
}

func (d *dispatcher) push(e Event) {
	d.mu.Lock()
	d.queue = append(d.queue, e)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) peek() (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Event{}, false
	}
	return d.queue[0], true
}

func (d *dispatcher) pop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue[0] = Event{}
	d.queue = d.queue[1:]
}

func (d *dispatcher) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Discard is a Publisher that drops everything; handy for components built in isolation.
type Discard struct{}

func (Discard) Publish(_ context.Context, typ Type, subjectID string, fields map[string]any) Event {
	return Event{Type: typ, SubjectID: subjectID, Fields: fields}
}

// OrDiscard returns p, or Discard when p is nil.
func OrDiscard(p Publisher) Publisher {
	if p == nil {
		return Discard{}
	}
	return p
}
