// Package natsbridge forwards driver manager events to NATS.
//
// Events are queued by the bus handler and published by Run, so a slow or
// disconnected server never blocks the manager. Subjects have the form
// <prefix>.events.<type>, for example "drvkit.events.device_bound".
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/drvkit/drvkit-go/pkg/backoff"
	"github.com/drvkit/drvkit-go/pkg/events"
)

// Defaults.
const (
	DefaultSubjectPrefix = "drvkit"
	DefaultQueueSize     = 256
	DefaultMaxRetries    = 3
)

// ErrAttached is returned when a bridge is attached twice.
var ErrAttached = errors.New("bridge already attached")

// Publisher is the subset of *nats.Conn used by the bridge.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config configures a Bridge.
type Config struct {
	Publisher     Publisher
	SubjectPrefix string
	QueueSize     int

	// MaxRetries bounds publish retries per event.
	MaxRetries int

	// Backoff spaces publish retries.
	Backoff backoff.Config

	Logger *slog.Logger
}

// Message is the JSON payload of a published event.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	DriverID  string    `json:"driver_id,omitempty"`
	ModuleID  string    `json:"module_id,omitempty"`
	ErrorID   string    `json:"error_id,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage converts an event.
func NewMessage(ev events.Event) Message {
	m := Message{
		ID:        ev.ID,
		Type:      ev.Type.String(),
		DeviceID:  ev.DeviceID,
		DriverID:  ev.DriverID,
		ModuleID:  ev.ModuleID,
		ErrorID:   ev.ErrorID,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	if ev.Type == events.DeviceStateChanged {
		m.From = ev.From.String()
		m.To = ev.To.String()
	}
	return m
}

// Subject returns the subject for an event type.
func Subject(prefix string, t events.Type) string {
	return prefix + ".events." + strings.ToLower(t.String())
}

// Stats counts bridge activity.
type Stats struct {
	Published uint64
	Dropped   uint64
	Failed    uint64
}

// Bridge forwards events to a Publisher.
type Bridge struct {
	pub        Publisher
	prefix     string
	maxRetries int
	backoff    backoff.Config
	logger     *slog.Logger

	queue chan events.Event

	mu    sync.Mutex
	bus   *events.Bus
	subID uint32

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.Publisher == nil {
		return nil, errors.New("nats bridge requires a publisher")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{
		pub:        cfg.Publisher,
		prefix:     cfg.SubjectPrefix,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		logger:     logger,
		queue:      make(chan events.Event, cfg.QueueSize),
	}, nil
}

// Attach subscribes the bridge to bus.
func (b *Bridge) Attach(bus *events.Bus, filter events.Filter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bus != nil {
		return ErrAttached
	}
	id, err := bus.Subscribe(filter, b.Enqueue)
	if err != nil {
		return err
	}
	b.bus, b.subID = bus, id
	return nil
}

// Detach unsubscribes from the bus.
func (b *Bridge) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bus != nil {
		_ = b.bus.Unsubscribe(b.subID)
		b.bus = nil
	}
}

// Enqueue queues an event for publishing. It never blocks; events are
// dropped when the queue is full.
func (b *Bridge) Enqueue(ev events.Event) {
	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Run publishes queued events until ctx is done, then flushes what is
// already queued without retries.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-b.queue:
			b.publish(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-b.queue:
					b.publish(ctx, ev)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (b *Bridge) publish(ctx context.Context, ev events.Event) {
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		b.failed.Add(1)
		return
	}
	subject := Subject(b.prefix, ev.Type)

	bo := backoff.New(b.backoff)
	for attempt := 0; ; attempt++ {
		err = b.pub.Publish(subject, data)
		if err == nil {
			b.published.Add(1)
			return
		}
		if attempt >= b.maxRetries || ctx.Err() != nil {
			break
		}
		if bo.Wait(ctx) != nil {
			break
		}
	}
	b.failed.Add(1)
	b.logger.Warn("nats publish failed", "subject", subject, "event", ev.ID, "error", err)
}

// Stats returns bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Failed:    b.failed.Load(),
	}
}

// Connect dials url, retrying with backoff until it succeeds or ctx is done.
// The returned connection reconnects on its own afterwards.
func Connect(ctx context.Context, url, name string, bc backoff.Config, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	bo := backoff.New(bc)
	for {
		nc, err := nats.Connect(url, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("nats connect failed", "url", url, "attempt", bo.Attempts()+1, "error", err)
		if werr := bo.Wait(ctx); werr != nil {
			return nil, errors.Join(werr, err)
		}
	}
}
