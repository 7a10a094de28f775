package network

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"replidb/pkg/dberrors"
	"replidb/pkg/types"
)

// countingNetwork считает обращения к нижнему уровню
type countingNetwork struct {
	*Memory
	gets atomic.Int32
}

func (c *countingNetwork) Get(ctx context.Context, fp types.Fingerprint) ([]byte, error) {
	c.gets.Add(1)
	return c.Memory.Get(ctx, fp)
}

func TestMemory_PutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	fp, err := m.Put(ctx, []byte("block"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !fp.Valid() {
		t.Fatalf("invalid fingerprint %q", fp)
	}

	data, err := m.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "block" {
		t.Fatalf("expected block, got %q", data)
	}
	if err := Verify(fp, data); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	// тот же контент, тот же адрес
	again, _ := m.Put(ctx, []byte("block"))
	if again != fp || m.Len() != 1 {
		t.Fatalf("duplicate content stored twice: fp=%s len=%d", again, m.Len())
	}
}

func TestMemory_Missing(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), types.NewFingerprint(fmt.Sprintf("%064d", 0)))
	if !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_CanceledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Put(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestVerify_Mismatch(t *testing.T) {
	m := NewMemory()
	fp, _ := m.Put(context.Background(), []byte("one"))
	if err := Verify(fp, []byte("two")); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestCached_HitsAndEviction(t *testing.T) {
	ctx := context.Background()
	inner := &countingNetwork{Memory: NewMemory()}

	fps := make([]types.Fingerprint, 3)
	for i := range fps {
		fp, err := inner.Memory.Put(ctx, []byte(fmt.Sprintf("block-%d", i)))
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		fps[i] = fp
	}

	c := NewCached(inner, 2)

	for i := 0; i < 3; i++ {
		if _, err := c.Get(ctx, fps[0]); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
	}
	if got := inner.gets.Load(); got != 1 {
		t.Fatalf("expected 1 inner get, got %d", got)
	}

	_, _ = c.Get(ctx, fps[1])
	_, _ = c.Get(ctx, fps[2]) // вытесняет fps[0]
	if c.Len() != 2 {
		t.Fatalf("expected 2 cached blocks, got %d", c.Len())
	}

	_, _ = c.Get(ctx, fps[0])
	if got := inner.gets.Load(); got != 4 {
		t.Fatalf("expected evicted block to be fetched again, inner gets=%d", got)
	}
}

func TestCached_PutPopulates(t *testing.T) {
	ctx := context.Background()
	inner := &countingNetwork{Memory: NewMemory()}
	c := NewCached(inner, 4)

	fp, err := c.Put(ctx, []byte("fresh"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data, err := c.Get(ctx, fp)
	if err != nil || string(data) != "fresh" {
		t.Fatalf("unexpected get: %q, %v", data, err)
	}
	if inner.gets.Load() != 0 {
		t.Fatal("cached block should not hit the inner network")
	}
}

func TestTiered_FallsBackAndKeepsBlock(t *testing.T) {
	ctx := context.Background()
	local := NewMemory()
	remote := &countingNetwork{Memory: NewMemory()}
	tiered := NewTiered(local, remote)

	fp, err := remote.Put(ctx, []byte("from peer"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		data, err := tiered.Get(ctx, fp)
		if err != nil || string(data) != "from peer" {
			t.Fatalf("unexpected get: %q, %v", data, err)
		}
	}
	if got := remote.gets.Load(); got != 1 {
		t.Fatalf("expected one remote fetch, got %d", got)
	}
	if local.Len() != 1 {
		t.Fatalf("fetched block not kept locally, local has %d", local.Len())
	}
}

func TestTiered_PutStaysLocal(t *testing.T) {
	ctx := context.Background()
	local, remote := NewMemory(), NewMemory()
	tiered := NewTiered(local, remote)

	if _, err := tiered.Put(ctx, []byte("mine")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if local.Len() != 1 || remote.Len() != 0 {
		t.Fatalf("unexpected placement: local=%d remote=%d", local.Len(), remote.Len())
	}

	_, err := tiered.Get(ctx, types.NewFingerprint(fmt.Sprintf("%064d", 3)))
	if !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
