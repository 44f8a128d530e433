// Package docstore defines the contract for the collection-oriented document
// database the collaboration core delegates its durable storage to. The core
// never talks to a concrete backend directly; it only sees this interface.
package docstore

import (
	"context"
	"errors"
)

// Common store errors.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrClosed is returned when operating on a closed store or stream.
	ErrClosed = errors.New("store closed")
)

// Doc is the schemaless representation of a stored document.
type Doc map[string]any

// Record pairs a document with its id within a collection.
type Record struct {
	ID   string
	Data Doc
}

// Op is a filter comparison operator.
type Op string

const (
	OpEqual        Op = "=="
	OpNotEqual     Op = "!="
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
)

// Filter restricts a query to documents whose field compares against Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where is a convenience constructor for a filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query describes a snapshot or live query against one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Event is a single emission from a live query: the full matching result set
// at the time of the change, or a terminal error.
type Event struct {
	Records []Record
	Err     error
}

// Stream is a cancellable live query. Events are delivered in the order the
// store observes the underlying changes. Close is idempotent; after Close the
// event channel is closed.
type Stream interface {
	Events() <-chan Event
	Close()
}

// Batch accumulates writes that commit atomically. Operations are applied in
// the order they were queued. A Batch is single-use.
type Batch interface {
	Add(collection, id string, data Doc)
	Update(collection, id string, data Doc)
	Delete(collection, id string)
	Commit(ctx context.Context) error
}

// Store is the document store adapter. All timestamps ("created_at",
// "updated_at") are assigned by the store on write; values supplied by the
// caller for those fields are overwritten.
type Store interface {
	// Get returns the document with the given id, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Doc, error)

	// Find returns all documents matching the query, in OrderBy order.
	Find(ctx context.Context, q Query) ([]Record, error)

	// Add creates a new document and returns its generated id.
	Add(ctx context.Context, collection string, data Doc) (string, error)

	// Update applies a partial update to an existing document. Fields absent
	// from data are left untouched. Returns ErrNotFound for missing docs.
	Update(ctx context.Context, collection, id string, data Doc) error

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Batch returns a new atomic write batch.
	Batch() Batch

	// LiveQuery opens a stream that emits the matching result set on every
	// change, starting with the current snapshot.
	LiveQuery(ctx context.Context, q Query) (Stream, error)

	// LiveDocument opens a stream scoped to a single document. The emitted
	// result set has zero or one record.
	LiveDocument(ctx context.Context, collection, id string) (Stream, error)
}
