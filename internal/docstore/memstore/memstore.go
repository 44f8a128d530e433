// Package memstore is an in-memory implementation of the docstore contract.
// It backs the test suite and standalone runs, and is the reference for the
// live-query semantics the core depends on: every mutation re-evaluates the
// registered queries and pushes the full matching set to their streams.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teamflow/server/internal/docstore"
)

// Store is an in-memory docstore.Store. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]docstore.Doc
	watchers    map[int]*watcher
	nextWatcher int
	closed      bool

	// now is overridable in tests.
	now func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]docstore.Doc),
		watchers:    make(map[int]*watcher),
		now:         time.Now,
	}
}

// SetClock overrides the wall clock used for server-assigned timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return docstore.CloneDoc(doc), nil
}

// Find implements docstore.Store.
func (s *Store) Find(ctx context.Context, q docstore.Query) ([]docstore.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	return s.evaluate(q), nil
}

// Add implements docstore.Store.
func (s *Store) Add(ctx context.Context, collection string, data docstore.Doc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", docstore.ErrClosed
	}
	s.put(collection, id, data, true)
	s.notify(collection)
	return id, nil
}

// Update implements docstore.Store.
func (s *Store) Update(ctx context.Context, collection, id string, data docstore.Doc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrClosed
	}
	if _, ok := s.collections[collection][id]; !ok {
		return docstore.ErrNotFound
	}
	s.merge(collection, id, data)
	s.notify(collection)
	return nil
}

// Delete implements docstore.Store.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrClosed
	}
	delete(s.collections[collection], id)
	s.notify(collection)
	return nil
}

// Batch implements docstore.Store. The returned batch applies all queued
// operations under a single lock acquisition, so streams observe the batch
// as one change.
func (s *Store) Batch() docstore.Batch {
	return &batch{store: s}
}

// LiveQuery implements docstore.Store.
func (s *Store) LiveQuery(ctx context.Context, q docstore.Query) (docstore.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	w := newWatcher(q)
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = w
	w.detach = func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
	// Initial snapshot.
	w.push(docstore.Event{Records: s.evaluate(q)})
	return w, nil
}

// LiveDocument implements docstore.Store.
func (s *Store) LiveDocument(ctx context.Context, collection, id string) (docstore.Stream, error) {
	return s.LiveQuery(ctx, docstore.Query{
		Collection: collection,
		Filters:    []docstore.Filter{docstore.Where("id", docstore.OpEqual, id)},
	})
}

// Close tears down the store. All open streams receive ErrClosed and close.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, w := range s.watchers {
		w.push(docstore.Event{Err: docstore.ErrClosed})
		w.stop()
	}
	s.watchers = make(map[int]*watcher)
}

// Len reports the number of documents in a collection.
func (s *Store) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

// put stores a full document, stamping server timestamps. Caller holds mu.
func (s *Store) put(collection, id string, data docstore.Doc, created bool) {
	col, ok := s.collections[collection]
	if !ok {
		col = make(map[string]docstore.Doc)
		s.collections[collection] = col
	}
	doc := docstore.CloneDoc(data)
	now := s.now().UTC().Format(time.RFC3339Nano)
	if created {
		doc["created_at"] = now
	}
	doc["updated_at"] = now
	doc["id"] = id
	col[id] = doc
}

// merge applies a partial update. Caller holds mu.
func (s *Store) merge(collection, id string, data docstore.Doc) {
	doc := s.collections[collection][id]
	clean := docstore.CloneDoc(data)
	for k, v := range clean {
		if k == "id" || k == "created_at" {
			continue
		}
		doc[k] = v
	}
	doc["updated_at"] = s.now().UTC().Format(time.RFC3339Nano)
}

// notify re-evaluates every watcher on the collection. Caller holds mu, so
// events are pushed in mutation order.
func (s *Store) notify(collection string) {
	for _, w := range s.watchers {
		if w.query.Collection != collection {
			continue
		}
		w.push(docstore.Event{Records: s.evaluate(w.query)})
	}
}

// evaluate runs a query against current state. Caller holds at least a read
// lock.
func (s *Store) evaluate(q docstore.Query) []docstore.Record {
	var out []docstore.Record
	for id, doc := range s.collections[q.Collection] {
		if docstore.Matches(doc, q.Filters) {
			out = append(out, docstore.Record{ID: id, Data: docstore.CloneDoc(doc)})
		}
	}
	return docstore.SortAndLimit(out, q)
}

// batch queues writes and applies them atomically on Commit.
type batch struct {
	store *Store
	ops   []batchOp
	done  bool
}

type batchOp struct {
	kind       string // "add", "update", "delete"
	collection string
	id         string
	data       docstore.Doc
}

func (b *batch) Add(collection, id string, data docstore.Doc) {
	b.ops = append(b.ops, batchOp{kind: "add", collection: collection, id: id, data: docstore.CloneDoc(data)})
}

func (b *batch) Update(collection, id string, data docstore.Doc) {
	b.ops = append(b.ops, batchOp{kind: "update", collection: collection, id: id, data: docstore.CloneDoc(data)})
}

func (b *batch) Delete(collection, id string) {
	b.ops = append(b.ops, batchOp{kind: "delete", collection: collection, id: id})
}

func (b *batch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.done {
		return fmt.Errorf("batch already committed")
	}
	b.done = true

	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrClosed
	}

	// Validate updates up front so the batch is all-or-nothing.
	for _, op := range b.ops {
		if op.kind == "update" {
			if _, ok := s.collections[op.collection][op.id]; !ok {
				return fmt.Errorf("update %s/%s: %w", op.collection, op.id, docstore.ErrNotFound)
			}
		}
	}

	touched := make(map[string]struct{})
	for _, op := range b.ops {
		switch op.kind {
		case "add":
			s.put(op.collection, op.id, op.data, true)
		case "update":
			s.merge(op.collection, op.id, op.data)
		case "delete":
			delete(s.collections[op.collection], op.id)
		}
		touched[op.collection] = struct{}{}
	}
	for collection := range touched {
		s.notify(collection)
	}
	return nil
}
