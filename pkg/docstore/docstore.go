// Package docstore is the local materialized view of a replica: documents by
// id with revision tokens, tombstones, Mango style selectors, secondary
// equality indexes and map/reduce views.
package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"replidb/pkg/dberrors"
	"replidb/pkg/types"
)

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithIndexes creates equality indexes on the given fields at open.
func WithIndexes(fields ...string) Option {
	return func(s *Store) { s.initIndexes = append(s.initIndexes, fields...) }
}

// Store serializes writers with a mutex; readers run concurrently.
type Store struct {
	backend Backend
	logger  *slog.Logger

	mu          sync.RWMutex
	indexes     map[string]*index
	initIndexes []string
	closed      bool
}

func New(backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", dberrors.ErrInvalidArgument)
	}

	s := &Store{
		backend: backend,
		logger:  slog.Default(),
		indexes: make(map[string]*index),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, field := range s.initIndexes {
		if err := s.CreateIndex(context.Background(), field); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// BulkResult reports what happened to one document of a bulk write.
type BulkResult struct {
	ID      string `json:"id"`
	Rev     string `json:"rev"`
	Applied bool   `json:"applied"`
}

// Upsert writes doc with a fresh revision chained from the current one. It
// does not check doc's own _rev.
func (s *Store) Upsert(ctx context.Context, doc types.Document) (string, string, error) {
	id := doc.ID()
	if id == "" {
		return "", "", dberrors.ErrMissingIdentifier
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", "", dberrors.ErrClosed
	}

	cur, _, err := s.backend.Load(ctx, id)
	if err != nil {
		return "", "", err
	}

	rev, err := nextRevision(cur.Rev(), doc, false)
	if err != nil {
		return "", "", err
	}

	next := copyDoc(doc)
	delete(next, types.FieldDeleted)
	next[types.FieldRev] = rev

	if err := s.write(ctx, cur, next); err != nil {
		return "", "", err
	}
	return id, rev, nil
}

// BulkUpsertNoConflictCheck writes documents exactly as given, tombstones
// included. A record already at the same revision, or at a revision that
// beats the incoming one, is left alone, so applying the same documents
// twice or in a different order ends in the same state.
func (s *Store) BulkUpsertNoConflictCheck(ctx context.Context, docs []types.Document) ([]BulkResult, error) {
	for i, doc := range docs {
		if doc.ID() == "" {
			return nil, &dberrors.ElementError{Index: i, Err: fmt.Errorf("%w: no _id", dberrors.ErrInvalidDocument)}
		}
		if _, err := ParseRevision(doc.Rev()); err != nil {
			return nil, &dberrors.ElementError{Index: i, ID: doc.ID(), Err: err}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, dberrors.ErrClosed
	}

	results := make([]BulkResult, 0, len(docs))
	for _, doc := range docs {
		id, rev := doc.ID(), doc.Rev()

		cur, _, err := s.backend.Load(ctx, id)
		if err != nil {
			return results, err
		}
		if cur.Rev() == rev {
			results = append(results, BulkResult{ID: id, Rev: rev})
			continue
		}
		ok, err := wins(rev, cur.Rev())
		if err != nil {
			return results, err
		}
		if !ok {
			s.logger.Debug("stale revision skipped", "id", id, "rev", rev, "current", cur.Rev())
			results = append(results, BulkResult{ID: id, Rev: cur.Rev()})
			continue
		}

		next := copyDoc(doc)
		if next.Deleted() {
			next = tombstone(id, rev)
		} else {
			delete(next, types.FieldDeleted)
		}
		if err := s.write(ctx, cur, next); err != nil {
			return results, err
		}
		results = append(results, BulkResult{ID: id, Rev: rev, Applied: true})
	}
	return results, nil
}

// Get returns a copy of a live document.
func (s *Store) Get(ctx context.Context, id string) (types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, dberrors.ErrClosed
	}

	doc, ok, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok || doc.Deleted() {
		return nil, fmt.Errorf("document %s: %w", id, dberrors.ErrNotFound)
	}
	return copyDoc(doc), nil
}

// Remove replaces the document with a tombstone and returns the tombstone
// revision. rev must be the current revision.
func (s *Store) Remove(ctx context.Context, id, rev string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", dberrors.ErrClosed
	}

	cur, ok, err := s.backend.Load(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok || cur.Deleted() {
		return "", fmt.Errorf("document %s: %w", id, dberrors.ErrNotFound)
	}
	if cur.Rev() != rev {
		return "", fmt.Errorf("document %s at %s, got %s: %w", id, cur.Rev(), rev, dberrors.ErrRevisionConflict)
	}

	next, err := nextRevision(rev, nil, true)
	if err != nil {
		return "", err
	}
	if err := s.write(ctx, cur, tombstone(id, next)); err != nil {
		return "", err
	}
	return next, nil
}

func tombstone(id, rev string) types.Document {
	return types.Document{
		types.FieldID:      id,
		types.FieldRev:     rev,
		types.FieldDeleted: true,
	}
}

// write stores next and moves it through the indexes. Callers hold s.mu.
func (s *Store) write(ctx context.Context, prev, next types.Document) error {
	if err := s.backend.Store(ctx, next); err != nil {
		return fmt.Errorf("store %s: %w", next.ID(), err)
	}
	for _, ix := range s.indexes {
		ix.update(next.ID(), prev, next)
	}
	return nil
}

// ScanOptions bound a Scan. StartKey and EndKey are inclusive ids and always
// describe the ascending range; Descending reverses the result.
type ScanOptions struct {
	IncludeDocs bool
	StartKey    string
	EndKey      string
	Limit       int
	Descending  bool
}

// Row is one live document of a scan.
type Row struct {
	ID  string         `json:"id"`
	Key string         `json:"key"`
	Rev string         `json:"rev"`
	Doc types.Document `json:"doc,omitempty"`
}

// Scan lists live documents ordered by id.
func (s *Store) Scan(ctx context.Context, opts ScanOptions) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, dberrors.ErrClosed
	}

	var rows []Row
	err := s.backend.Range(ctx, func(doc types.Document) bool {
		id := doc.ID()
		if opts.StartKey != "" && id < opts.StartKey {
			return true
		}
		if opts.EndKey != "" && id > opts.EndKey {
			return false
		}
		if doc.Deleted() {
			return true
		}
		row := Row{ID: id, Key: id, Rev: doc.Rev()}
		if opts.IncludeDocs {
			row.Doc = copyDoc(doc)
		}
		rows = append(rows, row)
		return true
	})
	if err != nil {
		return nil, err
	}

	if opts.Descending {
		slices.Reverse(rows)
	}
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows, nil
}

// live collects every live document without copying. Callers hold s.mu.
func (s *Store) live(ctx context.Context) ([]types.Document, error) {
	var docs []types.Document
	err := s.backend.Range(ctx, func(doc types.Document) bool {
		if !doc.Deleted() {
			docs = append(docs, doc)
		}
		return true
	})
	return docs, err
}

// CreateIndex builds an equality index on field. Creating an existing index
// is a no-op.
func (s *Store) CreateIndex(ctx context.Context, field string) error {
	if field == "" {
		return fmt.Errorf("%w: empty index field", dberrors.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return dberrors.ErrClosed
	}
	if _, ok := s.indexes[field]; ok {
		return nil
	}

	docs, err := s.live(ctx)
	if err != nil {
		return err
	}
	ix := newIndex(field)
	for _, doc := range docs {
		ix.update(doc.ID(), nil, doc)
	}
	s.indexes[field] = ix

	s.logger.Debug("index created", "field", field, "docs", len(docs))
	return nil
}

// Indexes returns the indexed fields, sorted.
func (s *Store) Indexes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields := make([]string, 0, len(s.indexes))
	for f := range s.indexes {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	return fields
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.Close()
}
