// Package oplog implements an append-only, content addressed operation log.
//
// Every entry links to the heads of the log at the time it was appended, so
// the entries form a Merkle DAG. Two logs with the same name can be joined:
// the result is the causal union of both, and Entries yields it in the same
// total order on every replica that holds the same set of entries.
package oplog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"replidb/pkg/clock"
	"replidb/pkg/dberrors"
	"replidb/pkg/network"
	"replidb/pkg/types"
	"replidb/pkg/wal"

	"github.com/zhangyunhao116/skipmap"
	"github.com/zhangyunhao116/skipset"
)

// Source is anything that can hand out its log for a join.
type Source interface {
	OpLog() *Log
}

type Option func(*Log)

// WithNetwork sets the exchange used by Fingerprint.
func WithNetwork(net network.Network) Option {
	return func(l *Log) { l.net = net }
}

// WithJournal makes every accepted entry durable in dir before it becomes
// visible, and restores previously journaled entries on open.
func WithJournal(dir string) Option {
	return func(l *Log) { l.journalDir = dir }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// Log is safe for concurrent use. Writers (Append, Join) are serialized.
type Log struct {
	name       string
	net        network.Network
	journalDir string
	journal    *wal.WAL
	logger     *slog.Logger
	clock      *clock.Lamport

	mu      sync.Mutex
	byID    *skipmap.FuncMap[string, Entry]
	order   *skipmap.FuncMap[orderKey, string]
	heads   *skipset.FuncSet[string]
	pending *skipmap.FuncMap[string, Entry]
	// blocks already handed to net
	published *skipset.FuncSet[string]
}

func stringLess(a, b string) bool { return a < b }

// New creates an empty log, or restores it from its journal.
func New(name string, opts ...Option) (*Log, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty log name", dberrors.ErrInvalidArgument)
	}

	l := &Log{
		name:      name,
		logger:    slog.Default(),
		clock:     clock.NewLamport(0),
		byID:      skipmap.NewFunc[string, Entry](stringLess),
		order:     skipmap.NewFunc[orderKey, string](orderKey.less),
		heads:     skipset.NewFunc[string](stringLess),
		pending:   skipmap.NewFunc[string, Entry](stringLess),
		published: skipset.NewFunc[string](stringLess),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.journalDir != "" {
		if err := l.openJournal(); err != nil {
			return nil, err
		}
	}

	return l, nil
}

func (l *Log) openJournal() error {
	journal, err := wal.New(l.journalDir)
	if err != nil {
		return fmt.Errorf("open log journal: %w", err)
	}

	var restored []Entry
	err = journal.Replay(0, func(rec wal.Entry) error {
		e, err := decodeEntry(rec.Value)
		if err != nil {
			return err
		}
		if e.ID != string(rec.Key) {
			return fmt.Errorf("%w: journal record %s holds entry %s", dberrors.ErrInvalidArgument, rec.Key, e.ID)
		}
		restored = append(restored, e)
		return nil
	})
	if err != nil {
		_ = journal.Close()
		return fmt.Errorf("restore log journal: %w", err)
	}

	// записи в журнале уже в причинном порядке, журналировать их повторно не нужно
	l.insert(restored)
	l.journal = journal

	l.logger.Debug("log restored from journal", "name", l.name, "entries", l.byID.Len(), "pending", l.pending.Len())
	return nil
}

func (l *Log) Name() string { return l.name }

// OpLog implements Source.
func (l *Log) OpLog() *Log { return l }

// Len returns the number of entries whose history is complete.
func (l *Log) Len() int {
	return l.byID.Len()
}

// Pending returns the number of entries waiting for missing predecessors.
func (l *Log) Pending() int {
	return l.pending.Len()
}

// Heads returns the IDs of entries no other entry points to, sorted.
func (l *Log) Heads() []string {
	heads := make([]string, 0, l.heads.Len())
	l.heads.Range(func(id string) bool {
		heads = append(heads, id)
		return true
	})
	return heads
}

// Get returns an entry by ID.
func (l *Log) Get(id string) (Entry, bool) {
	return l.byID.Load(id)
}

// Entries returns every complete entry, oldest first. Entries and their
// payloads are shared and must not be modified.
func (l *Log) Entries() []Entry {
	out := make([]Entry, 0, l.order.Len())
	l.order.Range(func(_ orderKey, id string) bool {
		if e, ok := l.byID.Load(id); ok {
			out = append(out, e)
		}
		return true
	})
	return out
}

// Append records payload as a new entry following the current heads.
func (l *Log) Append(ctx context.Context, payload types.Document) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.Heads()
	var after uint64
	for _, id := range next {
		if head, ok := l.byID.Load(id); ok {
			after = max(after, head.Clock)
		}
	}
	if len(next) == 0 {
		next = nil
	}

	e := Entry{
		Log:     l.name,
		Clock:   l.clock.Tick(after),
		Next:    next,
		Payload: payload.Clone(),
	}
	data, err := encodeEntry(e)
	if err != nil {
		return Entry{}, err
	}
	e, err = decodeEntry(data)
	if err != nil {
		return Entry{}, err
	}

	if l.journal != nil {
		if _, err := l.journal.Append([]byte(e.ID), data, e.Clock); err != nil {
			return Entry{}, fmt.Errorf("journal entry: %w", err)
		}
	}

	l.put(e)
	return e, nil
}

// Join merges the causal history of other into l. Entries already present
// are skipped; entries whose predecessors are still unknown are kept pending
// until a later join supplies them.
func (l *Log) Join(ctx context.Context, other *Log) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if other == nil || other == l {
		return nil
	}
	if other.name != l.name {
		return fmt.Errorf("%w: cannot join log %q into %q", dberrors.ErrInvalidArgument, other.name, l.name)
	}

	incoming := other.Entries()
	other.pending.Range(func(_ string, e Entry) bool {
		incoming = append(incoming, e)
		return true
	})

	return l.merge(ctx, incoming)
}

// merge verifies and inserts foreign entries.
func (l *Log) merge(ctx context.Context, incoming []Entry) error {
	fresh := make([]Entry, 0, len(incoming))
	for _, e := range incoming {
		if _, ok := l.byID.Load(e.ID); ok {
			continue
		}
		if e.Log != l.name {
			return fmt.Errorf("%w: entry %s belongs to log %q", dberrors.ErrInvalidArgument, e.ID, e.Log)
		}
		if err := verify(e); err != nil {
			return err
		}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	added := l.insert(fresh)

	if l.journal != nil {
		for _, e := range added {
			data, err := encodeEntry(e)
			if err != nil {
				return err
			}
			if _, err := l.journal.Append([]byte(e.ID), data, e.Clock); err != nil {
				return fmt.Errorf("journal entry: %w", err)
			}
		}
	}

	l.logger.Debug("log joined", "name", l.name, "added", len(added), "pending", l.pending.Len(), "len", l.byID.Len())
	return nil
}

// insert adds entries (and previously pending ones) in causal order and
// returns the ones that became visible. Callers hold l.mu or own l.
func (l *Log) insert(entries []Entry) []Entry {
	candidates := make([]Entry, 0, len(entries)+l.pending.Len())
	candidates = append(candidates, entries...)
	l.pending.Range(func(_ string, e Entry) bool {
		candidates = append(candidates, e)
		return true
	})
	slices.SortFunc(candidates, func(a, b Entry) int {
		switch ka, kb := keyOf(a), keyOf(b); {
		case ka.less(kb):
			return -1
		case kb.less(ka):
			return 1
		}
		return 0
	})

	var added []Entry
	for _, e := range candidates {
		if _, ok := l.byID.Load(e.ID); ok {
			l.pending.Delete(e.ID)
			continue
		}
		if !l.complete(e) {
			l.pending.Store(e.ID, e)
			continue
		}
		l.pending.Delete(e.ID)
		l.put(e)
		added = append(added, e)
	}
	return added
}

// predecessors always carry a smaller clock, so a single pass in clock
// order sees them before their successors
func (l *Log) complete(e Entry) bool {
	for _, p := range e.Next {
		if _, ok := l.byID.Load(p); !ok {
			return false
		}
	}
	return true
}

func (l *Log) put(e Entry) {
	l.byID.Store(e.ID, e)
	l.order.Store(keyOf(e), e.ID)
	for _, p := range e.Next {
		l.heads.Remove(p)
	}
	l.heads.Add(e.ID)
	l.clock.Witness(e.Clock)
}

// Close releases the journal.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal == nil {
		return nil
	}
	err := l.journal.Close()
	l.journal = nil
	return err
}
