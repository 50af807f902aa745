// Package events carries session lifecycle notifications between components.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventSessionStarted is published once a worker process is running.
	EventSessionStarted EventType = "session_started"
	// EventSessionFinished is published when a session reaches a terminal status.
	EventSessionFinished EventType = "session_finished"
	// EventSessionAdmitted is published when the queue admits a backlog entry.
	EventSessionAdmitted EventType = "session_admitted"
	// EventQueueDropped is published when the queue gives up on a backlog entry.
	EventQueueDropped EventType = "queue_dropped"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// SessionID returns the "session_id" field of the event, if any.
func (e Event) SessionID() string {
	id, _ := e.Data["session_id"].(string)
	return id
}

type Subscriber func(Event)

// Bus fans events out to subscribers without ever blocking the publisher.
// Each subscription has its own buffer and goroutine; an event that does not
// fit is dropped for that subscription and counted.
type Bus struct {
	buffer  int
	dropped atomic.Uint64

	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
	logger zerolog.Logger
}

type subscription struct {
	types map[EventType]bool // nil means every type
	ch    chan Event
	once  sync.Once
}

func (s *subscription) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.ch) })
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		buffer: bufferSize,
		subs:   make(map[*subscription]struct{}),
		logger: zerolog.Nop(),
	}
}

// SetLogger receives reports of panicking subscribers.
func (b *Bus) SetLogger(logger zerolog.Logger) {
	b.mu.Lock()
	b.logger = logger.With().Str("component", "events").Logger()
	b.mu.Unlock()
}

// Subscribe calls fn, from a goroutine owned by the subscription, for every
// event of the listed types, or of every type when none are listed. The
// returned function unsubscribes and may be called more than once.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	sub := &subscription{ch: make(chan Event, b.buffer)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[sub] = struct{}{}
	logger := b.logger
	b.mu.Unlock()

	go func() {
		for e := range sub.ch {
			deliver(fn, e, logger)
		}
	}()

	return func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.stop()
	}
}

func deliver(fn Subscriber, e Event, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("event subscriber panicked")
		}
	}()
	fn(e)
}

// Publish stamps and delivers an event. Publishing on a nil or closed bus
// does nothing.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	e := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close ends every subscription. Later subscriptions are inert.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.stop()
		delete(b.subs, sub)
	}
	b.closed = true
}
