package oplog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"replidb/pkg/dberrors"
	"replidb/pkg/network"
	"replidb/pkg/types"

	"github.com/google/go-cmp/cmp"
)

func newLog(t *testing.T, name string, opts ...Option) *Log {
	t.Helper()
	l, err := New(name, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func appendDocs(t *testing.T, l *Log, ids ...string) []Entry {
	t.Helper()
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, err := l.Append(context.Background(), types.Document{"_id": id, "_rev": "1-" + id})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestNew_EmptyName(t *testing.T) {
	if _, err := New(""); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestAppend_ChainsHeads(t *testing.T) {
	l := newLog(t, "players")
	entries := appendDocs(t, l, "mario", "luigi", "peach")

	if l.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", l.Len())
	}
	if len(entries[0].Next) != 0 {
		t.Fatalf("first entry must have no predecessors, got %v", entries[0].Next)
	}
	for i := 1; i < len(entries); i++ {
		if diff := cmp.Diff([]string{entries[i-1].ID}, entries[i].Next); diff != "" {
			t.Fatalf("entry %d does not point to previous head (-want +got):\n%s", i, diff)
		}
		if entries[i].Clock <= entries[i-1].Clock {
			t.Fatalf("clock did not advance: %d <= %d", entries[i].Clock, entries[i-1].Clock)
		}
	}
	if diff := cmp.Diff([]string{entries[2].ID}, l.Heads()); diff != "" {
		t.Fatalf("unexpected heads (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ids(entries), ids(l.Entries())); diff != "" {
		t.Fatalf("entries out of order (-want +got):\n%s", diff)
	}
}

func TestAppend_PayloadIsCopied(t *testing.T) {
	l := newLog(t, "players")
	doc := types.Document{"_id": "mario", "lives": 3.0}

	e, err := l.Append(context.Background(), doc)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	doc["lives"] = 0.0

	if got, _ := l.Get(e.ID); got.Payload["lives"] != 3.0 {
		t.Fatalf("entry changed after caller mutated its document: %v", got.Payload)
	}
}

func TestJoin_Deduplicates(t *testing.T) {
	ctx := context.Background()
	a := newLog(t, "players")
	b := newLog(t, "players")
	appendDocs(t, a, "mario", "luigi")

	if err := b.Join(ctx, a); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := b.Join(ctx, a); err != nil {
		t.Fatalf("second Join failed: %v", err)
	}
	if err := a.Join(ctx, b); err != nil {
		t.Fatalf("reverse Join failed: %v", err)
	}

	if a.Len() != 2 || b.Len() != 2 {
		t.Fatalf("expected 2 entries on both sides, got a=%d b=%d", a.Len(), b.Len())
	}
	if diff := cmp.Diff(ids(a.Entries()), ids(b.Entries())); diff != "" {
		t.Fatalf("logs differ (-a +b):\n%s", diff)
	}
}

func TestJoin_ConcurrentEntriesConverge(t *testing.T) {
	ctx := context.Background()
	a := newLog(t, "players")
	b := newLog(t, "players")

	appendDocs(t, a, "base")
	if err := b.Join(ctx, a); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	// независимые записи на обеих репликах
	appendDocs(t, a, "mario", "luigi")
	appendDocs(t, b, "bowser")

	if err := a.Join(ctx, b); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := b.Join(ctx, a); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if a.Len() != 4 || b.Len() != 4 {
		t.Fatalf("expected 4 entries, got a=%d b=%d", a.Len(), b.Len())
	}
	if diff := cmp.Diff(ids(a.Entries()), ids(b.Entries())); diff != "" {
		t.Fatalf("replicas disagree on order (-a +b):\n%s", diff)
	}
	if diff := cmp.Diff(a.Heads(), b.Heads()); diff != "" {
		t.Fatalf("replicas disagree on heads (-a +b):\n%s", diff)
	}
	if len(a.Heads()) != 2 {
		t.Fatalf("expected two concurrent heads, got %v", a.Heads())
	}

	// causal order: every predecessor comes before its successor
	pos := make(map[string]int)
	for i, e := range a.Entries() {
		pos[e.ID] = i
	}
	for _, e := range a.Entries() {
		for _, p := range e.Next {
			if pos[p] >= pos[e.ID] {
				t.Fatalf("entry %s precedes its predecessor %s", e.ID, p)
			}
		}
	}

	// the next append follows both heads
	merged := appendDocs(t, a, "peach")[0]
	if len(merged.Next) != 2 {
		t.Fatalf("expected merge entry to follow 2 heads, got %v", merged.Next)
	}
}

func TestJoin_NameMismatch(t *testing.T) {
	a := newLog(t, "players")
	b := newLog(t, "enemies")
	appendDocs(t, b, "goomba")

	if err := a.Join(context.Background(), b); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestJoin_PendingUntilDependenciesArrive(t *testing.T) {
	ctx := context.Background()
	src := newLog(t, "players")
	entries := appendDocs(t, src, "mario", "luigi", "peach")

	dst := newLog(t, "players")
	// только хвост без предков
	if err := dst.merge(ctx, []Entry{entries[2], entries[1]}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if dst.Len() != 0 || dst.Pending() != 2 {
		t.Fatalf("expected 0 visible / 2 pending, got %d / %d", dst.Len(), dst.Pending())
	}
	if len(dst.Entries()) != 0 {
		t.Fatal("pending entries must not be replayable")
	}

	if err := dst.merge(ctx, []Entry{entries[0]}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if dst.Len() != 3 || dst.Pending() != 0 {
		t.Fatalf("expected 3 visible / 0 pending, got %d / %d", dst.Len(), dst.Pending())
	}
	if diff := cmp.Diff(ids(entries), ids(dst.Entries())); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestJoin_RejectsTamperedEntry(t *testing.T) {
	src := newLog(t, "players")
	e := appendDocs(t, src, "mario")[0]

	forged := e
	forged.Payload = types.Document{"_id": "mario", "_rev": "1-forged"}

	dst := newLog(t, "players")
	if err := dst.merge(context.Background(), []Entry{forged}); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if dst.Len() != 0 {
		t.Fatal("tampered entry was accepted")
	}
}

func TestJournal_RestoresEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l1, err := New("players", WithJournal(dir))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	appendDocs(t, l1, "mario", "luigi")

	other := newLog(t, "players")
	appendDocs(t, other, "bowser")
	if err := l1.Join(ctx, other); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	want := ids(l1.Entries())
	wantHeads := l1.Heads()
	if err := l1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	l2 := newLog(t, "players", WithJournal(dir))
	if diff := cmp.Diff(want, ids(l2.Entries())); diff != "" {
		t.Fatalf("restored entries differ (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantHeads, l2.Heads()); diff != "" {
		t.Fatalf("restored heads differ (-want +got):\n%s", diff)
	}

	// часы продолжают идти после восстановления
	next := appendDocs(t, l2, "peach")[0]
	for _, e := range l2.Entries()[:3] {
		if next.Clock <= e.Clock {
			t.Fatalf("clock went backwards after restore: %d <= %d", next.Clock, e.Clock)
		}
	}
}

func TestFingerprint_RoundTrip(t *testing.T) {
	ctx := context.Background()
	net := network.NewMemory()

	src := newLog(t, "players", WithNetwork(net))
	appendDocs(t, src, "mario", "luigi", "bowser")

	fp, err := src.Fingerprint(ctx)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if !fp.Valid() {
		t.Fatalf("invalid fingerprint %q", fp)
	}

	again, err := src.Fingerprint(ctx)
	if err != nil || again != fp {
		t.Fatalf("fingerprint of unchanged log changed: %s -> %s (%v)", fp, again, err)
	}

	dst, err := FromFingerprint(ctx, net, fp)
	if err != nil {
		t.Fatalf("FromFingerprint failed: %v", err)
	}
	defer dst.Close()

	if dst.Name() != "players" {
		t.Fatalf("unexpected name %q", dst.Name())
	}
	if diff := cmp.Diff(ids(src.Entries()), ids(dst.Entries())); diff != "" {
		t.Fatalf("resolved log differs (-src +dst):\n%s", diff)
	}

	appendDocs(t, src, "peach")
	changed, err := src.Fingerprint(ctx)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if changed == fp {
		t.Fatal("fingerprint did not change after append")
	}
}

func TestFingerprint_EmptyLog(t *testing.T) {
	ctx := context.Background()
	net := network.NewMemory()
	src := newLog(t, "empty", WithNetwork(net))

	fp, err := src.Fingerprint(ctx)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	dst, err := FromFingerprint(ctx, net, fp)
	if err != nil {
		t.Fatalf("FromFingerprint failed: %v", err)
	}
	if dst.Len() != 0 || dst.Name() != "empty" {
		t.Fatalf("unexpected log: name=%q len=%d", dst.Name(), dst.Len())
	}
}

func TestFingerprint_Errors(t *testing.T) {
	ctx := context.Background()

	l := newLog(t, "players")
	if _, err := l.Fingerprint(ctx); !errors.Is(err, dberrors.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable without network, got %v", err)
	}

	net := network.NewMemory()
	missing := types.NewFingerprint(fmt.Sprintf("%064d", 42))
	if _, err := FromFingerprint(ctx, net, missing); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := FromFingerprint(ctx, net, "garbage"); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := FromFingerprint(ctx, nil, missing); !errors.Is(err, dberrors.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable, got %v", err)
	}
}

func TestFromFingerprint_Canceled(t *testing.T) {
	net := network.NewMemory()
	src := newLog(t, "players", WithNetwork(net))
	appendDocs(t, src, "mario")
	fp, err := src.Fingerprint(context.Background())
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := FromFingerprint(ctx, net, fp); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
