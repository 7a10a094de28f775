package store

import (
	"context"
	"encoding/json"
	"fmt"

	"replidb/pkg/dberrors"
	"replidb/pkg/types"

	jsonpatch "github.com/evanphx/json-patch"
)

// Patch applies an RFC 6902 JSON Patch to the current document and stores
// the result as a new revision. The patch cannot move the document to
// another _id.
func (s *Store) Patch(ctx context.Context, id string, patch []byte) (Result, error) {
	ops, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return Result{}, fmt.Errorf("%w: decode patch: %v", dberrors.ErrInvalidArgument, err)
	}

	cur, err := s.docs.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	raw, err := json.Marshal(cur)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s: %w", id, err)
	}

	patched, err := ops.Apply(raw)
	if err != nil {
		return Result{}, fmt.Errorf("%w: apply patch to %s: %v", dberrors.ErrInvalidArgument, id, err)
	}

	d, err := s.Validate(json.RawMessage(patched))
	if err != nil {
		return Result{}, err
	}
	d[types.FieldID] = id
	return s.upsert(ctx, d)
}
