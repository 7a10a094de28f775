package network

import (
	"context"
	"fmt"

	"replidb/pkg/dberrors"
	"replidb/pkg/encoding"
	"replidb/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

type blockSet = skipmap.FuncMap[types.Fingerprint, []byte]

// Memory is an in-process exchange. Replicas sharing one Memory see each
// other's published blocks immediately.
type Memory struct {
	blocks *blockSet
}

func NewMemory() *Memory {
	return &Memory{
		blocks: skipmap.NewFunc[types.Fingerprint, []byte](func(a, b types.Fingerprint) bool {
			return a < b
		}),
	}
}

func (m *Memory) Put(ctx context.Context, data []byte) (types.Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fp := encoding.Fingerprint(data)
	m.blocks.Store(fp, append([]byte(nil), data...))
	return fp, nil
}

func (m *Memory) Get(ctx context.Context, fp types.Fingerprint) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, ok := m.blocks.Load(fp)
	if !ok {
		return nil, fmt.Errorf("block %s: %w", fp, dberrors.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of blocks held.
func (m *Memory) Len() int {
	return m.blocks.Len()
}
