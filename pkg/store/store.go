// Package store is a replicated document store: a local docstore kept in sync
// with peer replicas through a content addressed operation log.
//
// Every mutation is written to the docstore first and then appended to the
// log. The log is the source of truth; the docstore can always be rebuilt
// by replaying it.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"replidb/pkg/dberrors"
	"replidb/pkg/docstore"
	"replidb/pkg/encoding"
	"replidb/pkg/network"
	"replidb/pkg/oplog"
	"replidb/pkg/types"

	"github.com/google/uuid"
)

// DocumentStore is the materialized view a Store writes through.
type DocumentStore interface {
	Upsert(ctx context.Context, doc types.Document) (string, string, error)
	BulkUpsertNoConflictCheck(ctx context.Context, docs []types.Document) ([]docstore.BulkResult, error)
	Get(ctx context.Context, id string) (types.Document, error)
	Remove(ctx context.Context, id, rev string) (string, error)
	Scan(ctx context.Context, opts docstore.ScanOptions) ([]docstore.Row, error)
	Find(ctx context.Context, req docstore.FindRequest) ([]types.Document, error)
	Query(ctx context.Context, v docstore.View) ([]docstore.ViewRow, error)
	CreateIndex(ctx context.Context, field string) error
	Close() error
}

// Source is anything a store can join: another Store or a bare log.
type Source = oplog.Source

// Result identifies the revision a mutation produced.
type Result struct {
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

// AllOptions bound All. Without options documents are included.
type AllOptions = docstore.ScanOptions

// Store is not safe for concurrent mutations: callers serialize Put, Post,
// Patch, Delete and Join themselves. Reads may run at any time but can
// observe a partially replayed view while Join is running.
type Store struct {
	addr      types.Address
	net       network.Network
	logger    *slog.Logger
	validator Validator
	newLog    LogFactory

	log  *oplog.Log
	docs DocumentStore

	mu          sync.Mutex
	fingerprint types.Fingerprint
	// entries that failed to apply; later replays skip them
	rejected map[string]error
}

// New binds a log and a docstore to addr.Name. It does no network I/O.
func New(addr types.Address, opts Options) (*Store, error) {
	if addr.Name == "" {
		return nil, fmt.Errorf("%w: empty store name", dberrors.ErrInvalidArgument)
	}
	opts = opts.withDefaults()

	s := &Store{
		addr:      addr,
		net:       opts.Network,
		logger:    opts.Logger.With("store", addr.Name),
		validator: opts.Validator,
		newLog:    opts.LogFactory,
		rejected:  make(map[string]error),
	}

	var err error
	s.log, err = s.openLog(addr.Name)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}

	s.docs, err = opts.StoreFactory(addr.Name,
		docstore.WithLogger(s.logger),
		docstore.WithIndexes(opts.Indexes...),
	)
	if err != nil {
		_ = s.log.Close()
		return nil, fmt.Errorf("open docstore: %w", err)
	}

	return s, nil
}

func (s *Store) openLog(name string) (*oplog.Log, error) {
	return s.newLog(name, oplog.WithNetwork(s.net), oplog.WithLogger(s.logger))
}

func (s *Store) Name() string           { return s.addr.Name }
func (s *Store) Address() types.Address { return s.addr }
func (s *Store) Log() *oplog.Log        { return s.log }

// OpLog implements Source.
func (s *Store) OpLog() *oplog.Log { return s.log }

// Validate normalizes doc and rejects anything that is not a structured
// mapping, then runs the configured Validator.
func (s *Store) Validate(doc any) (types.Document, error) {
	switch doc.(type) {
	case []any, []types.Document, []map[string]any:
		return nil, fmt.Errorf("%w: a document cannot be a sequence", dberrors.ErrInvalidDocument)
	}

	d, err := encoding.Normalize(doc)
	if err != nil {
		return nil, err
	}
	if v, ok := d[types.FieldID]; ok {
		if _, isString := v.(string); !isString {
			return nil, fmt.Errorf("%w: _id must be a string", dberrors.ErrInvalidDocument)
		}
	}
	if s.validator != nil {
		if err := s.validator(d); err != nil {
			return nil, fmt.Errorf("%w: %v", dberrors.ErrInvalidDocument, err)
		}
	}
	return d, nil
}

// Put writes a document that carries its own _id.
func (s *Store) Put(ctx context.Context, doc any) (Result, error) {
	d, err := s.Validate(doc)
	if err != nil {
		return Result{}, err
	}
	if d.ID() == "" {
		return Result{}, dberrors.ErrMissingIdentifier
	}
	return s.upsert(ctx, d)
}

// Post writes a document, assigning an _id when it has none.
func (s *Store) Post(ctx context.Context, doc any) (Result, error) {
	d, err := s.Validate(doc)
	if err != nil {
		return Result{}, err
	}
	if d.ID() == "" {
		d[types.FieldID] = uuid.NewString()
	}
	return s.upsert(ctx, d)
}

// PutMany puts every document independently. Failed elements are reported
// as *dberrors.ElementError values joined into the returned error; results
// of failed elements are zero.
func (s *Store) PutMany(ctx context.Context, docs []any) ([]Result, error) {
	return s.many(ctx, docs, s.Put)
}

func (s *Store) PostMany(ctx context.Context, docs []any) ([]Result, error) {
	return s.many(ctx, docs, s.Post)
}

func (s *Store) many(ctx context.Context, docs []any, op func(context.Context, any) (Result, error)) ([]Result, error) {
	results := make([]Result, len(docs))
	var errs []error
	for i, doc := range docs {
		res, err := op(ctx, doc)
		if err != nil {
			var id string
			if m, ok := doc.(map[string]any); ok {
				id, _ = m[types.FieldID].(string)
			} else if d, ok := doc.(types.Document); ok {
				id = d.ID()
			}
			errs = append(errs, &dberrors.ElementError{Index: i, ID: id, Err: err})
			continue
		}
		results[i] = res
	}
	return results, errors.Join(errs...)
}

// upsert writes d to the docstore, then appends the stored revision to the
// log. A failed append leaves the log behind the docstore, never ahead.
func (s *Store) upsert(ctx context.Context, d types.Document) (Result, error) {
	id, rev, err := s.docs.Upsert(ctx, d)
	if err != nil {
		return Result{}, err
	}

	entry := d.Clone()
	delete(entry, types.FieldDeleted)
	entry[types.FieldRev] = rev
	if _, err := s.log.Append(ctx, entry); err != nil {
		return Result{}, fmt.Errorf("append %s@%s: %w", id, rev, err)
	}

	s.invalidate()
	return Result{ID: id, Rev: rev}, nil
}

// Get returns a live document.
func (s *Store) Get(ctx context.Context, id string) (types.Document, error) {
	return s.docs.Get(ctx, id)
}

// All lists the live documents.
func (s *Store) All(ctx context.Context, opts ...AllOptions) ([]docstore.Row, error) {
	o := AllOptions{IncludeDocs: true}
	if len(opts) > 0 {
		o = opts[0]
	}
	return s.docs.Scan(ctx, o)
}

// Delete tombstones a document. doc must carry the current _id and _rev; the
// log records the revision of the tombstone.
func (s *Store) Delete(ctx context.Context, doc any) (Result, error) {
	d, err := s.Validate(doc)
	if err != nil {
		return Result{}, err
	}
	id, rev := d.ID(), d.Rev()
	if id == "" {
		return Result{}, dberrors.ErrMissingIdentifier
	}
	if rev == "" {
		return Result{}, dberrors.ErrMissingRevision
	}

	newRev, err := s.docs.Remove(ctx, id, rev)
	if err != nil {
		return Result{}, err
	}

	entry := types.Document{
		types.FieldID:      id,
		types.FieldRev:     newRev,
		types.FieldDeleted: true,
	}
	if _, err := s.log.Append(ctx, entry); err != nil {
		return Result{}, fmt.Errorf("append tombstone %s@%s: %w", id, newRev, err)
	}

	s.invalidate()
	return Result{ID: id, Rev: newRev}, nil
}

func (s *Store) Find(ctx context.Context, req docstore.FindRequest) ([]types.Document, error) {
	return s.docs.Find(ctx, req)
}

func (s *Store) Query(ctx context.Context, v docstore.View) ([]docstore.ViewRow, error) {
	return s.docs.Query(ctx, v)
}

func (s *Store) CreateIndex(ctx context.Context, field string) error {
	return s.docs.CreateIndex(ctx, field)
}

// Close releases the log and the docstore.
func (s *Store) Close() error {
	return errors.Join(s.log.Close(), s.docs.Close())
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.fingerprint = ""
	s.mu.Unlock()
}
