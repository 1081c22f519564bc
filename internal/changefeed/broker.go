// Package changefeed is the backend server's in-process change broker.
//
// Every successful row write publishes one Event. Each realtime connection
// holds a Subscriber with a bounded buffer; Publish never blocks, so a slow
// connection loses events instead of stalling writers:
//
//	RowService.Insert ──Publish──▶ Broker ──┬──▶ Subscriber (orders)   ──▶ websocket
//	                                        └──▶ Subscriber (messages) ──▶ websocket
//
// Filtering by column value and by row visibility is the subscriber's job;
// the broker only routes by table.
package changefeed

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/schema"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Event is one committed row change. Record is nil for deletes, OldRecord is
// nil for inserts.
type Event struct {
	Table      string
	Kind       backend.ChangeKind
	Record     schema.Row
	OldRecord  schema.Row
	CommitTime time.Time
}

// Row returns the row the event is about: Record, or OldRecord for deletes.
func (e Event) Row() schema.Row {
	if e.Kind == backend.ChangeDelete || e.Record == nil {
		return e.OldRecord
	}
	return e.Record
}

type Broker struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID uint64
	buffer int
	closed bool
	logger *slog.Logger
}

func New(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broker{
		subs:   make(map[uint64]*Subscriber),
		buffer: buffer,
		logger: logger,
	}
}

// Subscriber receives the events of one table until Close.
type Subscriber struct {
	id      uint64
	table   string
	ch      chan Event
	broker  *Broker
	once    sync.Once
	dropped atomic.Int64
}

// Subscribe registers a subscriber for table. On a closed broker the returned
// subscriber's channel is already closed.
func (b *Broker) Subscribe(table string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscriber{
		id:     b.nextID,
		table:  table,
		ch:     make(chan Event, b.buffer),
		broker: b,
	}
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish hands ev to every subscriber of ev.Table without blocking.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.table != ev.Table {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			n := s.dropped.Add(1)
			b.logger.Warn("change feed subscriber is full, dropping event",
				slog.String("table", ev.Table),
				slog.String("event", string(ev.Kind)),
				slog.Uint64("subscriber", s.id),
				slog.Int64("dropped", n),
			)
		}
	}
}

// Len returns the number of live subscribers.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber. Later Publish calls are no-ops.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

// C is closed when the subscriber or the broker is closed.
func (s *Subscriber) C() <-chan Event { return s.ch }

func (s *Subscriber) Table() string { return s.table }

// Dropped counts events lost because the buffer was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Close unregisters the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	b := s.broker
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
