package events

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Bus errors.
var (
	ErrResourceExhausted    = errors.New("maximum subscriptions reached")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrNilHandler           = errors.New("nil event handler")
)

// DefaultMaxSubscriptions is the default subscription limit.
const DefaultMaxSubscriptions = 64

// Config holds bus configuration.
type Config struct {
	// MaxSubscriptions is the maximum number of subscriptions allowed.
	MaxSubscriptions int

	Logger *slog.Logger
	Now    func() time.Time
}

type subscription struct {
	id      uint32
	filter  Filter
	handler Handler
}

// Stats counts bus activity.
type Stats struct {
	Subscriptions int
	Published     uint64
	Delivered     uint64
	Panics        uint64
}

// Bus dispatches events to subscriptions.
type Bus struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	subs   []*subscription
	nextID uint32

	published atomic.Uint64
	delivered atomic.Uint64
	panics    atomic.Uint64
}

// NewBus creates a bus.
func NewBus(config Config) *Bus {
	if config.MaxSubscriptions <= 0 {
		config.MaxSubscriptions = DefaultMaxSubscriptions
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Bus{config: config, logger: logger, now: now}
}

// Subscribe registers a handler and returns the subscription id.
func (b *Bus) Subscribe(filter Filter, handler Handler) (uint32, error) {
	if handler == nil {
		return 0, ErrNilHandler
	}
	filter.Types = append([]Type(nil), filter.Types...)

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= b.config.MaxSubscriptions {
		return 0, ErrResourceExhausted
	}
	b.nextID++
	b.subs = append(b.subs, &subscription{id: b.nextID, filter: filter, handler: handler})
	return b.nextID, nil
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			// Copy so in-flight dispatches keep their snapshot.
			subs := make([]*subscription, 0, len(b.subs)-1)
			subs = append(subs, b.subs[:i]...)
			b.subs = append(subs, b.subs[i+1:]...)
			return nil
		}
	}
	return ErrSubscriptionNotFound
}

// Publish stamps ev with an id and timestamp if missing and delivers it to
// matching subscriptions. It returns the number of handlers invoked.
func (b *Bus) Publish(ev Event) int {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	b.published.Add(1)

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	n := 0
	for _, s := range subs {
		if !s.filter.Matches(ev) {
			continue
		}
		b.deliver(s, ev)
		n++
	}
	return n
}

func (b *Bus) deliver(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("event handler panicked",
				"subscription", s.id, "event", ev.Type, "panic", r)
		}
	}()
	s.handler(ev)
	b.delivered.Add(1)
}

// ClearAll removes all subscriptions.
func (b *Bus) ClearAll() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

// Count returns the number of subscriptions.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Subscriptions: b.Count(),
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Panics:        b.panics.Load(),
	}
}
