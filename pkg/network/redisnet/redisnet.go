// Package redisnet shares blocks between replicas through a Redis server.
package redisnet

import (
	"context"
	"errors"
	"fmt"

	"replidb/pkg/compression"
	"replidb/pkg/dberrors"
	"replidb/pkg/encoding"
	"replidb/pkg/network"
	"replidb/pkg/types"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "replidb:block:"

// Network stores blocks as plain Redis keys. Blocks are immutable, so SETNX
// is enough and no expiry is applied.
type Network struct {
	rdb    redis.UniversalClient
	prefix string
	codec  compression.Codec
}

// New wraps an existing client. prefix "" selects the default key prefix.
func New(rdb redis.UniversalClient, prefix string) *Network {
	if prefix == "" {
		prefix = defaultPrefix
	}
	none, _ := compression.ByName(compression.None)
	return &Network{rdb: rdb, prefix: prefix, codec: none}
}

// WithCodec compresses blocks stored in Redis. Every replica sharing the
// prefix must use the same codec.
func (n *Network) WithCodec(c compression.Codec) *Network {
	if c != nil {
		n.codec = c
	}
	return n
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr, prefix string) (*Network, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %v", dberrors.ErrNetworkUnavailable, addr, err)
	}
	return New(rdb, prefix), nil
}

func (n *Network) key(fp types.Fingerprint) string {
	return n.prefix + fp.Digest()
}

func (n *Network) Put(ctx context.Context, data []byte) (types.Fingerprint, error) {
	fp := encoding.Fingerprint(data)
	packed, err := n.codec.Encode(data)
	if err != nil {
		return "", fmt.Errorf("%s encode %s: %w", n.codec.Name(), fp, err)
	}
	if err := n.rdb.SetNX(ctx, n.key(fp), packed, 0).Err(); err != nil {
		return "", fmt.Errorf("%w: redis set %s: %v", dberrors.ErrNetworkUnavailable, fp, err)
	}
	return fp, nil
}

func (n *Network) Get(ctx context.Context, fp types.Fingerprint) ([]byte, error) {
	packed, err := n.rdb.Get(ctx, n.key(fp)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("block %s: %w", fp, dberrors.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("%w: redis get %s: %v", dberrors.ErrNetworkUnavailable, fp, err)
	}

	data, err := n.codec.Decode(packed)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", fp, err)
	}
	if err := network.Verify(fp, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (n *Network) Close() error {
	return n.rdb.Close()
}
