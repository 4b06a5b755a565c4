package connection

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/roomscribe/internal/resilience"
)

// EventKind names a class of [Event]. Listeners subscribe per kind.
type EventKind string

const (
	EventStateChange       EventKind = "state-change"
	EventConnected         EventKind = "connected"
	EventMessage           EventKind = "message"
	EventStatus            EventKind = "status"
	EventRetryAttempt      EventKind = "retry-attempt"
	EventRateLimit         EventKind = "rate-limit"
	EventError             EventKind = "error"
	EventSessionTerminated EventKind = "session-terminated"
)

// Event is implemented by every payload the [Manager] publishes. Listeners
// type-switch on the concrete value.
type Event interface {
	Kind() EventKind
}

// StateChange reports a state machine transition.
type StateChange struct {
	From, To State
}

// Connected is published each time the upstream stream opens. Resumed is true
// when the manager had been connected before, i.e. after a reconnect.
type Connected struct {
	Resumed bool
}

// Message carries one decoded provider frame.
type Message struct {
	Payload json.RawMessage
}

// Status relays a provider status notification.
type Status struct {
	Status  string
	Message string
}

// RetryAttempt is published before waiting for retry number Attempt
// (1-based).
type RetryAttempt struct {
	Attempt int
	Delay   time.Duration
	Err     *resilience.Error
}

// RateLimited is published whenever an attempt is rejected for rate limiting.
type RateLimited struct {
	RetryAfter time.Duration
	Err        *resilience.Error
}

// Failure reports a classified error. Fatal failures end the current
// connection for good: retries are exhausted or the error is not retryable.
type Failure struct {
	Err   *resilience.Error
	Fatal bool
}

// SessionTerminated is published exactly once per transition away from
// Connected. Manual is set when the transition came from Close. Code is -1
// when the transport dropped without a close frame.
type SessionTerminated struct {
	Manual       bool
	Code         int
	Reason       string
	Reconnecting bool
}

func (StateChange) Kind() EventKind       { return EventStateChange }
func (Connected) Kind() EventKind         { return EventConnected }
func (Message) Kind() EventKind           { return EventMessage }
func (Status) Kind() EventKind            { return EventStatus }
func (RetryAttempt) Kind() EventKind      { return EventRetryAttempt }
func (RateLimited) Kind() EventKind       { return EventRateLimit }
func (Failure) Kind() EventKind           { return EventError }
func (SessionTerminated) Kind() EventKind { return EventSessionTerminated }

// Listener receives published events.
type Listener func(Event)

type subscription struct {
	fn Listener
}

// bus is a per-kind listener registry. Listeners run on the publishing
// goroutine, outside any manager lock.
type bus struct {
	mu   sync.RWMutex
	subs map[EventKind][]*subscription
	log  *slog.Logger
}

func (b *bus) on(kind EventKind, fn Listener) func() {
	s := &subscription{fn: fn}
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[EventKind][]*subscription)
	}
	b.subs[kind] = append(b.subs[kind], s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[kind]
			for i, cur := range list {
				if cur == s {
					b.subs[kind] = append(list[:i:i], list[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *bus) publish(ev Event) {
	if ev == nil {
		return
	}
	b.mu.RLock()
	list := append([]*subscription(nil), b.subs[ev.Kind()]...)
	b.mu.RUnlock()

	for _, s := range list {
		b.call(s.fn, ev)
	}
}

// call invokes fn and swallows any panic so one broken listener cannot take
// down the others or the manager.
func (b *bus) call(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("connection: listener panicked", "event", string(ev.Kind()), "panic", r)
		}
	}()
	fn(ev)
}
