package gormstore

import (
	"context"
	"sync"
	"time"

	"github.com/teamflow/server/internal/docstore"
)

// poller is a polling live query stream.
type poller struct {
	store    *Store
	query    docstore.Query
	interval time.Duration

	ch     chan docstore.Event
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newPoller(store *Store, q docstore.Query, interval time.Duration) *poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &poller{
		store:    store,
		query:    q,
		interval: interval,
		ch:       make(chan docstore.Event, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *poller) start(snapshot []docstore.Record) {
	go p.run(snapshot)
}

// Events implements docstore.Stream.
func (p *poller) Events() <-chan docstore.Event {
	return p.ch
}

// Close implements docstore.Stream. Idempotent.
func (p *poller) Close() {
	p.once.Do(p.cancel)
}

func (p *poller) run(snapshot []docstore.Record) {
	defer close(p.ch)

	last := fingerprint(snapshot)
	if !p.send(docstore.Event{Records: snapshot}) {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		records, err := p.store.Find(p.ctx, p.query)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.send(docstore.Event{Err: err})
			return
		}
		fp := fingerprint(records)
		if fp == last {
			continue
		}
		last = fp
		if !p.send(docstore.Event{Records: records}) {
			return
		}
	}
}

// send delivers an event unless the stream is closed. Blocks on a slow
// consumer, which pauses polling rather than dropping updates.
func (p *poller) send(ev docstore.Event) bool {
	select {
	case p.ch <- ev:
		return true
	case <-p.ctx.Done():
		return false
	}
}
