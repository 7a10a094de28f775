package network

import (
	"context"
	"errors"

	"replidb/pkg/dberrors"
	"replidb/pkg/types"
)

// Tiered publishes into a local exchange and falls back to a remote one for
// blocks the local side does not hold. Fetched blocks are kept locally so
// they can be served on to other replicas.
type Tiered struct {
	local  Network
	remote Network
}

func NewTiered(local, remote Network) *Tiered {
	return &Tiered{local: local, remote: remote}
}

func (t *Tiered) Put(ctx context.Context, data []byte) (types.Fingerprint, error) {
	return t.local.Put(ctx, data)
}

func (t *Tiered) Get(ctx context.Context, fp types.Fingerprint) ([]byte, error) {
	data, err := t.local.Get(ctx, fp)
	if err == nil || !errors.Is(err, dberrors.ErrNotFound) {
		return data, err
	}

	data, err = t.remote.Get(ctx, fp)
	if err != nil {
		return nil, err
	}
	if _, err := t.local.Put(ctx, data); err != nil {
		return nil, err
	}
	return data, nil
}
