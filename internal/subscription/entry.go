package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/teamflow/server/internal/docstore"
)

// entry owns the single underlying stream for one key and fans events out to
// its listeners.
type entry struct {
	mux  *Multiplexer
	key  string
	open OpenFunc

	ctx    context.Context
	cancel context.CancelFunc

	breaker *gobreaker.CircuitBreaker[docstore.Stream]

	mu        sync.Mutex
	listeners map[int]*Handle
	nextID    int
	stream    docstore.Stream
	stopped   bool
}

func newEntry(m *Multiplexer, key string, open OpenFunc) *entry {
	ctx, cancel := context.WithCancel(context.Background())
	return &entry{
		mux:       m,
		key:       key,
		open:      open,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]*Handle),
		breaker: gobreaker.NewCircuitBreaker[docstore.Stream](gobreaker.Settings{
			Name:    "live_query:" + key,
			Timeout: 15 * time.Second,
		}),
	}
}

// attach registers a new listener. Caller holds the multiplexer lock for the
// initial attach; later attaches only need the entry lock.
func (e *entry) attach() *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	h := &Handle{
		events: make(chan docstore.Event, 16),
		done:   make(chan struct{}),
	}
	h.cancel = func() { e.detach(id, h) }
	e.listeners[id] = h
	if e.mux.listenerGauge != nil {
		e.mux.listenerGauge.Inc()
	}
	return h
}

func (e *entry) detach(id int, h *Handle) {
	e.mu.Lock()
	if _, ok := e.listeners[id]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.listeners, id)
	last := len(e.listeners) == 0 && !e.stopped
	if last {
		e.stopped = true
	}
	e.mu.Unlock()

	if e.mux.listenerGauge != nil {
		e.mux.listenerGauge.Dec()
	}

	if last {
		e.cancel()
		e.closeStream()
		e.mux.remove(e.key, e)
	}
}

func (e *entry) listenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// start opens the underlying stream and launches the pump. A failed first
// open is returned to the subscriber instead of entering the retry loop.
func (e *entry) start(ctx context.Context) error {
	stream, err := e.breaker.Execute(func() (docstore.Stream, error) {
		return e.open(ctx)
	})
	if err != nil {
		return err
	}
	e.setStream(stream)
	go e.pump(stream)
	return nil
}

// pump forwards stream events to listeners. On stream failure it notifies
// listeners and resubscribes with capped exponential backoff; the circuit
// breaker keeps a flapping store from being hammered.
func (e *entry) pump(stream docstore.Stream) {
	for {
		ev, ok := <-stream.Events()
		if !ok {
			// Stream ended without our Close: treat as a failure and
			// resubscribe unless we are being torn down.
			if e.ctx.Err() != nil {
				return
			}
			stream = e.resubscribe()
			if stream == nil {
				return
			}
			continue
		}
		if ev.Err != nil {
			e.fanOut(ev)
			stream.Close()
			if e.ctx.Err() != nil {
				return
			}
			stream = e.resubscribe()
			if stream == nil {
				return
			}
			continue
		}
		if e.mux.onEvent != nil {
			e.mux.onEvent(e.key, ev)
		}
		e.fanOut(ev)
	}
}

func (e *entry) resubscribe() docstore.Stream {
	backoff := e.mux.baseBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-e.ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		stream, err := e.breaker.Execute(func() (docstore.Stream, error) {
			return e.open(e.ctx)
		})
		if err == nil {
			e.mux.logger.Info("live query resubscribed",
				zap.String("key", e.key),
				zap.Int("attempt", attempt),
			)
			e.setStream(stream)
			return stream
		}
		if e.ctx.Err() != nil {
			return nil
		}
		e.mux.logger.Warn("live query resubscribe failed",
			zap.String("key", e.key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		backoff *= 2
		if backoff > e.mux.maxBackoff {
			backoff = e.mux.maxBackoff
		}
	}
}

// fanOut delivers an event to every listener. Each listener receives events
// in arrival order; the order in which listeners are visited per event is
// unspecified. Sends block on a full listener buffer until the listener
// reads or cancels, so no listener ever observes a gap or a reorder.
func (e *entry) fanOut(ev docstore.Event) {
	e.mu.Lock()
	targets := make([]*Handle, 0, len(e.listeners))
	for _, h := range e.listeners {
		targets = append(targets, h)
	}
	e.mu.Unlock()

	for _, h := range targets {
		select {
		case h.events <- ev:
		case <-h.done:
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *entry) setStream(stream docstore.Stream) {
	e.mu.Lock()
	e.stream = stream
	e.mu.Unlock()
}

func (e *entry) closeStream() {
	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// fail tears down an entry whose first open failed, delivering the error to
// every listener that attached while the open was in flight.
func (e *entry) fail(err error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	listeners := make([]*Handle, 0, len(e.listeners))
	for _, h := range e.listeners {
		listeners = append(listeners, h)
	}
	e.listeners = make(map[int]*Handle)
	e.mu.Unlock()

	e.cancel()
	if e.mux.listenerGauge != nil {
		e.mux.listenerGauge.Sub(float64(len(listeners)))
	}
	for _, h := range listeners {
		select {
		case h.events <- docstore.Event{Err: err}:
		default:
		}
		h.Cancel()
	}
}

// shutdown tears the entry down and tells listeners the multiplexer stopped.
func (e *entry) shutdown() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	listeners := make([]*Handle, 0, len(e.listeners))
	for _, h := range e.listeners {
		listeners = append(listeners, h)
	}
	e.listeners = make(map[int]*Handle)
	e.mu.Unlock()

	e.cancel()
	e.closeStream()
	if e.mux.listenerGauge != nil {
		e.mux.listenerGauge.Sub(float64(len(listeners)))
	}
	for _, h := range listeners {
		select {
		case h.events <- docstore.Event{Err: ErrShutdown}:
		case <-h.done:
		default:
		}
		h.Cancel()
	}
}
