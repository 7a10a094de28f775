// Package network defines the content exchange used to publish and resolve
// blocks by fingerprint.
package network

import (
	"context"
	"fmt"

	"replidb/pkg/dberrors"
	"replidb/pkg/encoding"
	"replidb/pkg/types"
)

// Network resolves and transports content by fingerprint.
//
// Get fails with dberrors.ErrNotFound when the content is unknown and with
// dberrors.ErrNetworkUnavailable when the transport itself failed. Get may
// block for as long as the underlying transport does; callers bound it
// through ctx.
type Network interface {
	Put(ctx context.Context, data []byte) (types.Fingerprint, error)
	Get(ctx context.Context, fp types.Fingerprint) ([]byte, error)
}

// Verify checks that data hashes to fp.
func Verify(fp types.Fingerprint, data []byte) error {
	if got := encoding.Fingerprint(data); got != fp {
		return fmt.Errorf("%w: block %s hashes to %s", dberrors.ErrInvalidArgument, fp, got)
	}
	return nil
}
