package store

import (
	"context"
	"errors"
	"fmt"

	"replidb/pkg/dberrors"
	"replidb/pkg/docstore"
	"replidb/pkg/oplog"
	"replidb/pkg/types"

	"github.com/cenkalti/backoff"
)

// operation is the decoded payload of a log entry.
type operation interface {
	document() types.Document
}

type upsertOp struct {
	doc types.Document
}

func (op upsertOp) document() types.Document { return op.doc }

type tombstoneOp struct {
	id, rev string
}

func (op tombstoneOp) document() types.Document {
	return types.Document{
		types.FieldID:      op.id,
		types.FieldRev:     op.rev,
		types.FieldDeleted: true,
	}
}

func decodeOperation(payload types.Document) (operation, error) {
	id, rev := payload.ID(), payload.Rev()
	if id == "" {
		return nil, fmt.Errorf("%w: entry payload has no _id", dberrors.ErrInvalidDocument)
	}
	if _, err := docstore.ParseRevision(rev); err != nil {
		return nil, err
	}
	if payload.Deleted() {
		return tombstoneOp{id: id, rev: rev}, nil
	}
	return upsertOp{doc: payload}, nil
}

// Join merges the history of other into the local log and replays the
// whole log into the docstore.
func (s *Store) Join(ctx context.Context, other Source) error {
	if other == nil {
		return fmt.Errorf("%w: nothing to join", dberrors.ErrInvalidArgument)
	}
	if err := s.log.Join(ctx, other.OpLog()); err != nil {
		return fmt.Errorf("join log: %w", err)
	}
	s.invalidate()
	return s.Replay(ctx)
}

// Replay applies every log entry, oldest first, to the docstore. Entries
// already materialized are no-ops. The first entry that cannot be applied
// stops the replay; it is remembered and skipped by the next replay so a
// repair call makes progress.
func (s *Store) Replay(ctx context.Context) error {
	var applied, skipped int
	for _, e := range s.log.Entries() {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		prevErr, bad := s.rejected[e.ID]
		s.mu.Unlock()
		if bad {
			s.logger.Warn("skipping rejected entry", "entry", e.ID, "error", prevErr)
			continue
		}

		op, err := decodeOperation(e.Payload)
		if err != nil {
			s.reject(e.ID, err)
			return fmt.Errorf("replay entry %s: %w", e.ID, err)
		}

		res, err := s.docs.BulkUpsertNoConflictCheck(ctx, []types.Document{op.document()})
		if err != nil {
			if errors.Is(err, dberrors.ErrInvalidDocument) {
				s.reject(e.ID, err)
			}
			return fmt.Errorf("replay entry %s: %w", e.ID, err)
		}
		if res[0].Applied {
			applied++
			continue
		}
		skipped++
		s.logger.Debug("entry already applied", "entry", e.ID, "id", res[0].ID, "rev", res[0].Rev)
	}

	s.logger.Debug("replay finished", "applied", applied, "skipped", skipped, "len", s.log.Len())
	return nil
}

func (s *Store) reject(id string, err error) {
	s.mu.Lock()
	s.rejected[id] = err
	s.mu.Unlock()
	s.logger.Error("log entry rejected", "entry", id, "error", err)
}

// ToFingerprint publishes the log and caches its fingerprint.
func (s *Store) ToFingerprint(ctx context.Context) (types.Fingerprint, error) {
	fp, err := s.log.Fingerprint(ctx)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.fingerprint = fp
	s.mu.Unlock()
	return fp, nil
}

// Fingerprint returns the fingerprint cached by ToFingerprint. Any mutation
// or join since then clears it.
func (s *Store) Fingerprint() (types.Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fingerprint == "" {
		return "", dberrors.ErrNoFingerprintYet
	}
	return s.fingerprint, nil
}

// Load resolves the log the store address points to and joins it. It
// blocks as long as the network does; bound it with ctx and retry
// ErrNetworkUnavailable with RetryLoad.
func (s *Store) Load(ctx context.Context) error {
	if !s.addr.Loadable() {
		return fmt.Errorf("store %q: %w", s.addr.Name, dberrors.ErrNotLoadable)
	}

	resolved, err := oplog.FromFingerprint(ctx, s.net, s.addr.Fingerprint, oplog.WithLogger(s.logger))
	if err != nil {
		return fmt.Errorf("load %s: %w", s.addr.Fingerprint, err)
	}
	defer resolved.Close()

	if resolved.Name() != s.log.Name() {
		if err := s.adopt(resolved.Name()); err != nil {
			return err
		}
	}

	s.logger.Info("store loaded", "fingerprint", s.addr.Fingerprint, "entries", resolved.Len())
	return s.Join(ctx, resolved)
}

// adopt renames a store opened from a bare fingerprint to the name of the
// log behind it. Stores opened with an explicit name never change it.
func (s *Store) adopt(name string) error {
	if s.addr.Name != string(s.addr.Fingerprint) || s.log.Len() != 0 {
		return fmt.Errorf("%w: fingerprint %s names log %q, store is %q",
			dberrors.ErrInvalidArgument, s.addr.Fingerprint, name, s.addr.Name)
	}

	l, err := s.openLog(name)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	_ = s.log.Close()
	s.log = l
	s.addr.Name = name
	s.logger = s.logger.With("log", name)
	return nil
}

// RetryLoad calls Load until it succeeds, fails with anything other than
// ErrNetworkUnavailable, or b gives up.
func RetryLoad(ctx context.Context, s *Store, b backoff.BackOff) error {
	var final error
	err := backoff.Retry(func() error {
		err := s.Load(ctx)
		if errors.Is(err, dberrors.ErrNetworkUnavailable) {
			s.logger.Warn("load failed, retrying", "error", err)
			return err
		}
		final = err
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return err
	}
	return final
}
