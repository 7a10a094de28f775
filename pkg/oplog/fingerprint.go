package oplog

import (
	"context"
	"fmt"

	"replidb/pkg/dberrors"
	"replidb/pkg/encoding"
	"replidb/pkg/network"
	"replidb/pkg/types"
)

// Fingerprint publishes the log to its network and returns the address of a
// manifest naming the current heads. Any replica able to reach the same
// network can rebuild the log from it with FromFingerprint.
func (l *Log) Fingerprint(ctx context.Context) (types.Fingerprint, error) {
	if l.net == nil {
		return "", fmt.Errorf("%w: log %q has no network", dberrors.ErrNetworkUnavailable, l.name)
	}

	for _, e := range l.Entries() {
		if l.published.Contains(e.ID) {
			continue
		}
		data, err := encodeEntry(e)
		if err != nil {
			return "", err
		}
		fp, err := l.net.Put(ctx, data)
		if err != nil {
			return "", fmt.Errorf("publish entry %s: %w", e.ID, err)
		}
		if fp != e.Fingerprint() {
			return "", fmt.Errorf("%w: network stored entry %s as %s", dberrors.ErrInvalidArgument, e.ID, fp)
		}
		l.published.Add(e.ID)
	}

	data, err := encoding.Marshal(manifest{Log: l.name, Heads: l.Heads()})
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	fp, err := l.net.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("publish manifest: %w", err)
	}
	return fp, nil
}

// FromFingerprint rebuilds the log a fingerprint points to, fetching every
// missing entry from net. It blocks for as long as net does and does not
// retry; bound it with ctx.
func FromFingerprint(ctx context.Context, net network.Network, fp types.Fingerprint, opts ...Option) (*Log, error) {
	if net == nil {
		return nil, fmt.Errorf("%w: no network to resolve %s", dberrors.ErrNetworkUnavailable, fp)
	}
	if !fp.Valid() {
		return nil, fmt.Errorf("%w: malformed fingerprint %q", dberrors.ErrInvalidArgument, fp)
	}

	data, err := fetch(ctx, net, fp)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest: %w", err)
	}
	var m manifest
	if err := encoding.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest %s: %v", dberrors.ErrInvalidArgument, fp, err)
	}

	l, err := New(m.Log, append(opts, WithNetwork(net))...)
	if err != nil {
		return nil, err
	}

	// обход DAG в ширину от голов к корням
	var (
		fetched []Entry
		seen    = make(map[string]struct{}, len(m.Heads))
		queue   = append([]string(nil), m.Heads...)
	)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := l.byID.Load(id); ok {
			// already restored from the journal, and so is its history
			continue
		}

		block, err := fetch(ctx, net, types.NewFingerprint(id))
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("resolve entry %s: %w", id, err)
		}
		e, err := decodeEntry(block)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		if e.Log != m.Log {
			_ = l.Close()
			return nil, fmt.Errorf("%w: entry %s belongs to log %q", dberrors.ErrInvalidArgument, e.ID, e.Log)
		}
		fetched = append(fetched, e)
		queue = append(queue, e.Next...)
	}

	if err := l.merge(ctx, fetched); err != nil {
		_ = l.Close()
		return nil, err
	}
	for _, e := range fetched {
		l.published.Add(e.ID)
	}

	l.logger.Debug("log resolved", "name", l.name, "fingerprint", fp, "entries", l.Len())
	return l, nil
}

func fetch(ctx context.Context, net network.Network, fp types.Fingerprint) ([]byte, error) {
	data, err := net.Get(ctx, fp)
	if err != nil {
		return nil, err
	}
	if err := network.Verify(fp, data); err != nil {
		return nil, err
	}
	return data, nil
}
