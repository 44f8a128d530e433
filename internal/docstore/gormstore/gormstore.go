// Package gormstore implements the docstore contract on top of Postgres via
// GORM. Documents live in a single `documents` table keyed by (collection,
// doc_id) with a JSONB payload; batches map to SQL transactions; live queries
// are short-interval polls with change detection.
package gormstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/teamflow/server/internal/docstore"
)

// DefaultPollInterval is the live-query poll cadence when none is configured.
const DefaultPollInterval = 500 * time.Millisecond

type documentRow struct {
	Collection string `gorm:"primaryKey;size:128"`
	DocID      string `gorm:"primaryKey;size:128;column:doc_id"`
	Data       []byte `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (documentRow) TableName() string {
	return "documents"
}

// Store is a Postgres-backed docstore.Store.
type Store struct {
	db           *gorm.DB
	pollInterval time.Duration
}

// New creates a store and ensures the documents table exists.
func New(db *gorm.DB, pollInterval time.Duration) (*Store, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, fmt.Errorf("migrate documents table: %w", err)
	}
	return &Store{db: db, pollInterval: pollInterval}, nil
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Doc, error) {
	var row documentRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, docstore.ErrNotFound
		}
		return nil, err
	}
	return decode(row.Data)
}

// Find implements docstore.Store. String equality filters are pushed into
// SQL against the JSONB payload; the full filter set, ordering and limit are
// applied on the fetched rows so all operators behave exactly as in the
// in-memory store.
func (s *Store) Find(ctx context.Context, q docstore.Query) ([]docstore.Record, error) {
	return s.find(s.db.WithContext(ctx), q)
}

func (s *Store) find(db *gorm.DB, q docstore.Query) ([]docstore.Record, error) {
	query := db.Model(&documentRow{}).Where("collection = ?", q.Collection)
	for _, f := range q.Filters {
		if f.Op != docstore.OpEqual {
			continue
		}
		if v, ok := f.Value.(string); ok {
			query = query.Where("data->>? = ?", f.Field, v)
		}
	}

	var rows []documentRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]docstore.Record, 0, len(rows))
	for _, row := range rows {
		doc, err := decode(row.Data)
		if err != nil {
			return nil, err
		}
		if !docstore.Matches(doc, q.Filters) {
			continue
		}
		records = append(records, docstore.Record{ID: row.DocID, Data: doc})
	}
	return docstore.SortAndLimit(records, q), nil
}

// Add implements docstore.Store.
func (s *Store) Add(ctx context.Context, collection string, data docstore.Doc) (string, error) {
	id := uuid.NewString()
	row, err := newRow(collection, id, data, time.Now())
	if err != nil {
		return "", err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", err
	}
	return id, nil
}

// Update implements docstore.Store.
func (s *Store) Update(ctx context.Context, collection, id string, data docstore.Doc) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateInTx(tx, collection, id, data, time.Now())
	})
}

// Delete implements docstore.Store.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		Delete(&documentRow{}).Error
}

// Batch implements docstore.Store.
func (s *Store) Batch() docstore.Batch {
	return &batch{store: s}
}

// LiveQuery implements docstore.Store. The stream polls the query and emits
// whenever the result set changes, starting with the current snapshot. A
// poll failure is surfaced as an error event and terminates the stream; the
// subscription layer is responsible for resubscribing.
func (s *Store) LiveQuery(ctx context.Context, q docstore.Query) (docstore.Stream, error) {
	snapshot, err := s.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	p := newPoller(s, q, s.pollInterval)
	p.start(snapshot)
	return p, nil
}

// LiveDocument implements docstore.Store.
func (s *Store) LiveDocument(ctx context.Context, collection, id string) (docstore.Stream, error) {
	return s.LiveQuery(ctx, docstore.Query{
		Collection: collection,
		Filters:    []docstore.Filter{docstore.Where("id", docstore.OpEqual, id)},
	})
}

func newRow(collection, id string, data docstore.Doc, now time.Time) (documentRow, error) {
	doc := docstore.CloneDoc(data)
	stamp := now.UTC().Format(time.RFC3339Nano)
	doc["id"] = id
	doc["created_at"] = stamp
	doc["updated_at"] = stamp
	raw, err := json.Marshal(doc)
	if err != nil {
		return documentRow{}, fmt.Errorf("encode document: %w", err)
	}
	return documentRow{Collection: collection, DocID: id, Data: raw}, nil
}

func updateInTx(tx *gorm.DB, collection, id string, data docstore.Doc, now time.Time) error {
	var row documentRow
	err := tx.Where("collection = ? AND doc_id = ?", collection, id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return docstore.ErrNotFound
		}
		return err
	}

	doc, err := decode(row.Data)
	if err != nil {
		return err
	}
	for k, v := range data {
		if k == "id" || k == "created_at" {
			continue
		}
		doc[k] = v
	}
	doc["updated_at"] = now.UTC().Format(time.RFC3339Nano)

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return tx.Model(&documentRow{}).
		Where("collection = ? AND doc_id = ?", collection, id).
		Update("data", raw).Error
}

func decode(raw []byte) (docstore.Doc, error) {
	var doc docstore.Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// batch queues writes and commits them inside one SQL transaction.
type batch struct {
	store *Store
	ops   []func(tx *gorm.DB) error
	done  bool
}

func (b *batch) Add(collection, id string, data docstore.Doc) {
	clean := docstore.CloneDoc(data)
	b.ops = append(b.ops, func(tx *gorm.DB) error {
		row, err := newRow(collection, id, clean, time.Now())
		if err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
}

func (b *batch) Update(collection, id string, data docstore.Doc) {
	clean := docstore.CloneDoc(data)
	b.ops = append(b.ops, func(tx *gorm.DB) error {
		return updateInTx(tx, collection, id, clean, time.Now())
	})
}

func (b *batch) Delete(collection, id string) {
	b.ops = append(b.ops, func(tx *gorm.DB) error {
		return tx.Where("collection = ? AND doc_id = ?", collection, id).
			Delete(&documentRow{}).Error
	})
}

func (b *batch) Commit(ctx context.Context) error {
	if b.done {
		return fmt.Errorf("batch already committed")
	}
	b.done = true
	return b.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range b.ops {
			if err := op(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// fingerprint identifies a result set for change detection.
func fingerprint(records []docstore.Record) [32]byte {
	h := sha256.New()
	for _, r := range records {
		h.Write([]byte(r.ID))
		raw, _ := json.Marshal(r.Data)
		h.Write(raw)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
