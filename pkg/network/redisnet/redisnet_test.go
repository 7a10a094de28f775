package redisnet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"replidb/pkg/compression"
	"replidb/pkg/dberrors"
	"replidb/pkg/types"

	"github.com/redis/go-redis/v9"
)

// интеграционный тест: нужен живой Redis в REDIS_ADDR
func dialOrSkip(t *testing.T) *Network {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is not set")
	}
	n, err := Dial(context.Background(), addr, "replidb:test:"+t.Name()+":")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNetwork_PutGet(t *testing.T) {
	n := dialOrSkip(t)
	ctx := context.Background()

	fp, err := n.Put(ctx, []byte("redis block"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data, err := n.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "redis block" {
		t.Fatalf("unexpected block %q", data)
	}

	_, err = n.Get(ctx, types.NewFingerprint(fmt.Sprintf("%064d", 3)))
	if !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNetwork_CompressedBlocks(t *testing.T) {
	codec, err := compression.ByName(compression.Zstd)
	if err != nil {
		t.Fatalf("ByName failed: %v", err)
	}
	n := dialOrSkip(t).WithCodec(codec)
	ctx := context.Background()

	block := []byte(`{"_id":"bowser","team":"koopa","coins":99}`)
	fp, err := n.Put(ctx, block)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	raw, err := n.rdb.Get(ctx, n.key(fp)).Bytes()
	if err != nil {
		t.Fatalf("raw get failed: %v", err)
	}
	if string(raw) == string(block) {
		t.Fatal("block stored uncompressed")
	}

	data, err := n.Get(ctx, fp)
	if err != nil || string(data) != string(block) {
		t.Fatalf("unexpected block %q, %v", data, err)
	}
}

func TestNetwork_Unreachable(t *testing.T) {
	// порт 1 на localhost заведомо закрыт
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	n := New(rdb, "")
	defer n.Close()

	_, err := n.Get(context.Background(), types.NewFingerprint(fmt.Sprintf("%064d", 3)))
	if !errors.Is(err, dberrors.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable, got %v", err)
	}
}

func TestNetwork_KeyPrefix(t *testing.T) {
	n := New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), "")
	defer n.Close()

	fp := types.NewFingerprint(fmt.Sprintf("%064d", 5))
	if got := n.key(fp); got != defaultPrefix+fp.Digest() {
		t.Fatalf("unexpected key %q", got)
	}
}
