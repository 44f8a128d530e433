package memstore

import (
	"sync"

	"github.com/teamflow/server/internal/docstore"
)

// watcher is a live query stream. Pushed events are buffered in an unbounded
// queue so mutators never block on slow consumers; a pump goroutine drains
// the queue into the event channel in push order.
type watcher struct {
	query  docstore.Query
	ch     chan docstore.Event
	detach func()

	mu      sync.Mutex
	queue   []docstore.Event
	wake    chan struct{}
	stopped bool
	once    sync.Once
}

func newWatcher(q docstore.Query) *watcher {
	w := &watcher{
		query: q,
		ch:    make(chan docstore.Event),
		wake:  make(chan struct{}, 1),
	}
	go w.pump()
	return w
}

// Events implements docstore.Stream.
func (w *watcher) Events() <-chan docstore.Event {
	return w.ch
}

// Close implements docstore.Stream. Idempotent.
func (w *watcher) Close() {
	w.once.Do(func() {
		if w.detach != nil {
			w.detach()
		}
		w.stop()
	})
}

// push enqueues an event. Called with the store lock held, which is what
// gives listeners per-query ordering.
func (w *watcher) push(ev docstore.Event) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) pump() {
	for {
		w.mu.Lock()
		queue := w.queue
		w.queue = nil
		stopped := w.stopped
		w.mu.Unlock()

		for _, ev := range queue {
			w.ch <- ev
		}
		if stopped {
			close(w.ch)
			return
		}
		<-w.wake
	}
}
