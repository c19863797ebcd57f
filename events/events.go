// Package events delivers tracker changes and user-facing alerts to
// subscribers on a background goroutine.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrClosed        = errors.New("events: bus closed")
	ErrQueueFull     = errors.New("events: queue full")
	ErrNoSubscribers = errors.New("events: no subscribers")
)

// Type names a kind of event.
type Type string

const (
	TypeUnitCreated       Type = "unit_created"
	TypeUnitUpdated       Type = "unit_updated"
	TypeStepToggled       Type = "step_toggled"
	TypeUnitCompleted     Type = "unit_completed"
	TypeUnitReopened      Type = "unit_reopened"
	TypeUnitDeleted       Type = "unit_deleted"
	TypeCollectionCleared Type = "collection_cleared"
	TypeDataRestored      Type = "data_restored"
	TypeAlert             Type = "alert"

	// Wildcard matches every type.
	Wildcard Type = "*"
)

const defaultQueueSize = 100

// Event describes a change to a task or process, or an alert for the user.
// UnitID is empty for collection-wide events.
type Event struct {
	Type   Type
	UnitID string
	At     time.Time
	Data   map[string]interface{}
}

// Message returns the "message" entry of Data, set on alerts.
func (e Event) Message() string {
	msg, _ := e.Data["message"].(string)
	return msg
}

type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// SubscriptionID identifies one Subscribe call.
type SubscriptionID uint64

type subscriber struct {
	id      SubscriptionID
	eventOf Type
	handler Handler
}

// Bus queues published events and hands each one to its subscribers in
// subscription order. Handlers for one event run one after another; a slow
// handler delays the rest of the queue.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscriber
	lastID  SubscriptionID
	closed  bool
	queue   chan Event
	done    chan struct{}
	onError func(Event, error)
	logger  *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets how many events may wait for delivery.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// WithLogger sets the logger that reports handler errors.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// OnError replaces the default handler-error reporting.
func OnError(fn func(Event, error)) Option {
	return func(b *Bus) {
		b.onError = fn
	}
}

// NewBus starts a bus. Call Stop to release its goroutine.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		queue:  make(chan Event, defaultQueueSize),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.onError == nil {
		b.onError = func(e Event, err error) {
			b.logger.Error("event handler failed", "type", e.Type, "unit", e.UnitID, "error", err)
		}
	}
	go b.run()
	return b
}

// Subscribe registers handler for one type, or for all of them with Wildcard.
func (b *Bus) Subscribe(eventType Type, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastID++
	b.subs = append(b.subs, subscriber{id: b.lastID, eventOf: eventType, handler: handler})
	return b.lastID
}

// Unsubscribe reports whether id was registered.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// HasSubscribers reports whether an event of eventType would reach anyone.
func (b *Bus) HasSubscribers(eventType Type) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.matches(eventType) {
			return true
		}
	}
	return false
}

func (s subscriber) matches(t Type) bool {
	return s.eventOf == t || s.eventOf == Wildcard
}

// Publish queues event without blocking.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	matched := false
	for _, s := range b.subs {
		if s.matches(event.Type) {
			matched = true
			break
		}
	}
	if !matched {
		return ErrNoSubscribers
	}

	select {
	case b.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects further events, delivers what is queued and returns once the
// bus is idle. It may be called more than once.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for event := range b.queue {
		for _, h := range b.handlersFor(event.Type) {
			if err := h.Handle(context.Background(), event); err != nil {
				b.onError(event, err)
			}
		}
	}
}

func (b *Bus) handlersFor(t Type) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Handler
	for _, s := range b.subs {
		if s.matches(t) {
			out = append(out, s.handler)
		}
	}
	return out
}
