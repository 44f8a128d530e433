// Package subscription multiplexes live document store queries. For each
// canonical key exactly one underlying store stream is held open no matter
// how many listeners attach; pushed values fan out to every listener in
// arrival order. When a stream fails the multiplexer resubscribes with
// capped exponential backoff behind a circuit breaker instead of dying
// silently.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teamflow/server/internal/docstore"
)

// ErrShutdown is delivered to listeners when the multiplexer stops.
var ErrShutdown = errors.New("subscription multiplexer shut down")

// OpenFunc opens the underlying live query for a key.
type OpenFunc func(ctx context.Context) (docstore.Stream, error)

// EventHook observes every successful event before fan-out. The service
// façade uses it to reconcile the entity cache with pushed server values.
type EventHook func(key string, ev docstore.Event)

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithEventHook sets the pre-fan-out event hook.
func WithEventHook(hook EventHook) Option {
	return func(m *Multiplexer) { m.onEvent = hook }
}

// WithActiveGauge tracks the number of open underlying queries.
func WithActiveGauge(g prometheus.Gauge) Option {
	return func(m *Multiplexer) { m.activeGauge = g }
}

// WithListenerGauge tracks the number of attached listeners across all keys.
func WithListenerGauge(g prometheus.Gauge) Option {
	return func(m *Multiplexer) { m.listenerGauge = g }
}

// WithBackoff overrides the resubscribe backoff bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Multiplexer) {
		m.baseBackoff = base
		m.maxBackoff = max
	}
}

// Multiplexer shares live queries across listeners, keyed by canonical
// subscription key.
type Multiplexer struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	logger        *zap.Logger
	onEvent       EventHook
	activeGauge   prometheus.Gauge
	listenerGauge prometheus.Gauge
	baseBackoff   time.Duration
	maxBackoff    time.Duration
}

// New creates a multiplexer.
func New(logger *zap.Logger, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		entries:     make(map[string]*entry),
		logger:      logger,
		baseBackoff: 250 * time.Millisecond,
		maxBackoff:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe attaches a listener to key, opening the underlying live query if
// this is the first listener. The open function is retained for resubscribes.
func (m *Multiplexer) Subscribe(ctx context.Context, key string, open OpenFunc) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	e, ok := m.entries[key]
	if ok {
		h := e.attach()
		m.mu.Unlock()
		return h, nil
	}

	e = newEntry(m, key, open)
	m.entries[key] = e
	h := e.attach()
	m.mu.Unlock()

	if err := e.start(ctx); err != nil {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		// Listeners that attached while the open was in flight get the
		// error too; only the opener sees the plain return.
		e.fail(err)
		return nil, err
	}
	if m.activeGauge != nil {
		m.activeGauge.Inc()
	}
	return h, nil
}

// ListenerCount reports the number of listeners attached to key.
func (m *Multiplexer) ListenerCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0
	}
	return e.listenerCount()
}

// ActiveKeys reports the number of keys with an open underlying query.
func (m *Multiplexer) ActiveKeys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close tears down every underlying query and notifies all listeners.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.shutdown()
	}
	if m.activeGauge != nil {
		m.activeGauge.Sub(float64(len(entries)))
	}
}

// remove detaches an entry after its last listener cancelled.
func (m *Multiplexer) remove(key string, e *entry) {
	m.mu.Lock()
	if current, ok := m.entries[key]; ok && current == e {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	if m.activeGauge != nil {
		m.activeGauge.Dec()
	}
}
