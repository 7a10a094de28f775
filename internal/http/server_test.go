package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"replidb/pkg/network"
	"replidb/pkg/store"
	"replidb/pkg/types"

	"github.com/google/go-cmp/cmp"
)

type testResponse struct {
	Status Status          `json:"status"`
	Value  json.RawMessage `json:"value"`
	Error  string          `json:"error"`
}

func newReplica(t *testing.T, name string) (*store.Store, *network.Memory) {
	t.Helper()
	mem := network.NewMemory()
	s, err := store.New(types.Address{Name: name}, store.Options{Network: mem})
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mem
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, mem := newReplica(t, "players")
	return NewServer(st, mem, ""), st
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, testResponse) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp testResponse
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
		}
	}
	return rr, resp
}

func decodeValue[T any](t *testing.T, resp testResponse) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(resp.Value, &v); err != nil {
		t.Fatalf("failed to decode value: %v, value=%s", err, resp.Value)
	}
	return v
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)

	rr, resp := do(t, s.Handler(), http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestDocumentFlow(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	// PUT
	rr, resp := do(t, h, http.MethodPut, "/docs/mario", `{"team":"red","_id":"ignored"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("put: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	created := decodeValue[store.Result](t, resp)
	if created.ID != "mario" || !strings.HasPrefix(created.Rev, "1-") {
		t.Fatalf("put: unexpected result %+v", created)
	}

	// GET
	rr, resp = do(t, h, http.MethodGet, "/docs/mario", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	doc := decodeValue[map[string]any](t, resp)
	want := map[string]any{"_id": "mario", "_rev": created.Rev, "team": "red"}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Fatalf("get: unexpected document (-want +got):\n%s", diff)
	}

	// DELETE without a revision
	rr, _ = do(t, h, http.MethodDelete, "/docs/mario", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("delete-no-rev: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	// DELETE
	rr, resp = do(t, h, http.MethodDelete, "/docs/mario?rev="+created.Rev, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp.Status != StatusSuccess {
		t.Fatalf("delete: expected status %s, got %s", StatusSuccess, resp.Status)
	}

	// GET after delete -> 404
	rr, _ = do(t, h, http.MethodGet, "/docs/mario", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestDelete_StaleRevision(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	_, resp := do(t, h, http.MethodPut, "/docs/luigi", `{"team":"green"}`)
	first := decodeValue[store.Result](t, resp)
	if rr, _ := do(t, h, http.MethodPut, "/docs/luigi", `{"team":"green","lives":3}`); rr.Code != http.StatusCreated {
		t.Fatalf("second put: expected 201, got %d", rr.Code)
	}

	rr, resp := do(t, h, http.MethodDelete, "/docs/luigi?rev="+first.Rev, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp.Status != StatusError || resp.Error == "" {
		t.Fatalf("expected an error response, got %+v", resp)
	}
}

func TestPost(t *testing.T) {
	s, st := newTestServer(t)
	h := s.Handler()

	rr, resp := do(t, h, http.MethodPost, "/docs", `{"name":"toad"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("post: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	res := decodeValue[store.Result](t, resp)
	if res.ID == "" {
		t.Fatal("post: no _id assigned")
	}

	rr, resp = do(t, h, http.MethodPost, "/docs", `[{"_id":"peach"},{"_id":"daisy"}]`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("post-many: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got := decodeValue[[]store.Result](t, resp); len(got) != 2 || got[0].ID != "peach" || got[1].ID != "daisy" {
		t.Fatalf("post-many: unexpected results %+v", got)
	}

	rows, err := st.All(context.Background())
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(rows))
	}

	rr, resp = do(t, h, http.MethodPost, "/docs", `[{"_id":"wario"},{"_id":7}]`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("post-many-bad: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(resp.Error, "element 1") {
		t.Fatalf("post-many-bad: error does not name the element: %q", resp.Error)
	}
}

func TestBadRequests(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"put array", http.MethodPut, "/docs/x", `[1,2]`, http.StatusBadRequest},
		{"put garbage", http.MethodPut, "/docs/x", `{`, http.StatusBadRequest},
		{"put null", http.MethodPut, "/docs/x", `null`, http.StatusBadRequest},
		{"get missing", http.MethodGet, "/docs/nobody", "", http.StatusNotFound},
		{"patch missing", http.MethodPatch, "/docs/nobody", `[]`, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/docs?limit=many", "", http.StatusBadRequest},
		{"bad selector", http.MethodPost, "/_find", `{"selector":{"name":{"$near":1}}}`, http.StatusBadRequest},
		{"empty index", http.MethodPost, "/_index", `{"field":""}`, http.StatusBadRequest},
		{"join without peer", http.MethodPost, "/_join", "", http.StatusBadRequest},
		{"method not allowed", http.MethodPost, "/health", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d body=%s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestPatchHandler(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	do(t, h, http.MethodPut, "/docs/bowser", `{"team":"koopa","lives":1}`)

	rr, resp := do(t, h, http.MethodPatch, "/docs/bowser", `[{"op":"replace","path":"/lives","value":9}]`)
	if rr.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if res := decodeValue[store.Result](t, resp); !strings.HasPrefix(res.Rev, "2-") {
		t.Fatalf("patch: expected a second revision, got %q", res.Rev)
	}

	_, resp = do(t, h, http.MethodGet, "/docs/bowser", "")
	doc := decodeValue[map[string]any](t, resp)
	if doc["lives"] != float64(9) {
		t.Fatalf("patch not applied: %v", doc)
	}
}

func TestAllHandler(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	for _, id := range []string{"c", "a", "b"} {
		do(t, h, http.MethodPut, "/docs/"+id, `{"n":1}`)
	}

	_, resp := do(t, h, http.MethodGet, "/docs?include_docs=false&descending=true&limit=2", "")
	rows := decodeValue[[]map[string]any](t, resp)
	var ids []string
	for _, row := range rows {
		ids = append(ids, row["id"].(string))
		if _, ok := row["doc"]; ok {
			t.Fatalf("row carries a document: %v", row)
		}
	}
	if diff := cmp.Diff([]string{"c", "b"}, ids); diff != "" {
		t.Fatalf("unexpected ids (-want +got):\n%s", diff)
	}
}

func TestFindQueryIndex(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	do(t, h, http.MethodPost, "/docs", `[
		{"_id":"mario","team":"red","coins":10},
		{"_id":"luigi","team":"green","coins":5},
		{"_id":"toad","team":"red","coins":2}
	]`)

	if rr, _ := do(t, h, http.MethodPost, "/_index", `{"field":"team"}`); rr.Code != http.StatusOK {
		t.Fatalf("index: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, resp := do(t, h, http.MethodPost, "/_find", `{"selector":{"team":"red"},"fields":["_id"],"sort":["_id"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("find: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	found := decodeValue[[]map[string]any](t, resp)
	want := []map[string]any{{"_id": "mario"}, {"_id": "toad"}}
	if diff := cmp.Diff(want, found); diff != "" {
		t.Fatalf("find: unexpected documents (-want +got):\n%s", diff)
	}

	rr, resp = do(t, h, http.MethodPost, "/_query", `{"map":"doc.team","value":"doc.coins","reduce":"_sum","group":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("query: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rows := decodeValue[[]map[string]any](t, resp)
	wantRows := []map[string]any{
		{"key": "green", "value": float64(5)},
		{"key": "red", "value": float64(12)},
	}
	if diff := cmp.Diff(wantRows, rows); diff != "" {
		t.Fatalf("query: unexpected rows (-want +got):\n%s", diff)
	}
}

func TestFingerprintHandlers(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rr, _ := do(t, h, http.MethodGet, "/_fingerprint", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before publishing, got %d", rr.Code)
	}

	do(t, h, http.MethodPut, "/docs/mario", `{"team":"red"}`)
	rr, resp := do(t, h, http.MethodPost, "/_fingerprint", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("publish: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	published := decodeValue[string](t, resp)
	if !types.Fingerprint(published).Valid() {
		t.Fatalf("malformed fingerprint %q", published)
	}

	_, resp = do(t, h, http.MethodGet, "/_fingerprint", "")
	if got := decodeValue[string](t, resp); got != published {
		t.Fatalf("cached fingerprint %q, published %q", got, published)
	}

	// any mutation clears the cached fingerprint
	do(t, h, http.MethodPut, "/docs/luigi", `{"team":"green"}`)
	if rr, _ := do(t, h, http.MethodGet, "/_fingerprint", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after a mutation, got %d", rr.Code)
	}
}

func TestJoinPeer(t *testing.T) {
	ctx := context.Background()

	a, memA := newReplica(t, "players")
	peer := httptest.NewServer(NewServer(a, memA, "").Handler())
	t.Cleanup(peer.Close)

	for _, id := range []string{"mario", "luigi", "bowser"} {
		if _, err := a.Put(ctx, map[string]any{"_id": id, "kind": "player"}); err != nil {
			t.Fatalf("Put %s failed: %v", id, err)
		}
	}

	b, memB := newReplica(t, "players")
	if _, err := b.Put(ctx, map[string]any{"_id": "peach", "kind": "player"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	local := NewServer(b, memB, "").WithPeer(peer.URL)

	rr, resp := do(t, local.Handler(), http.MethodPost, "/_join", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if fp := decodeValue[string](t, resp); !types.Fingerprint(fp).Valid() {
		t.Fatalf("join: malformed fingerprint %q", fp)
	}

	rows, err := b.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	var ids []string
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	if diff := cmp.Diff([]string{"bowser", "luigi", "mario", "peach"}, ids); diff != "" {
		t.Fatalf("unexpected documents after join (-want +got):\n%s", diff)
	}
	if memB.Len() == 0 {
		t.Fatal("fetched blocks were not kept by the local exchange")
	}

	// joining the same peer again over the wire changes nothing
	wire := httptest.NewServer(local.Handler())
	t.Cleanup(wire.Close)
	resp2, err := http.Post(wire.URL+"/_join", contentTypeJSON, bytes.NewBufferString(`{"peer":"`+peer.URL+`"}`))
	if err != nil {
		t.Fatalf("join over the wire failed: %v", err)
	}
	_ = resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("repeated join: expected 200, got %d", resp2.StatusCode)
	}
	if rows, _ := b.All(ctx); len(rows) != 4 {
		t.Fatalf("repeated join changed the replica: %d documents", len(rows))
	}
}

func TestJoinPeer_NameMismatch(t *testing.T) {
	ctx := context.Background()

	a, memA := newReplica(t, "players")
	peer := httptest.NewServer(NewServer(a, memA, "").Handler())
	t.Cleanup(peer.Close)
	if _, err := a.Put(ctx, map[string]any{"_id": "mario"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	b, memB := newReplica(t, "karts")
	rr, _ := do(t, NewServer(b, memB, "").Handler(), http.MethodPost, "/_join", `{"peer":"`+peer.URL+`"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestJoinPeer_Unreachable(t *testing.T) {
	s, _ := newTestServer(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	rr, _ := do(t, s.Handler(), http.MethodPost, "/_join", `{"peer":"`+dead.URL+`"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestMetricsHandler(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	do(t, h, http.MethodPut, "/docs/mario", `{"team":"red"}`)
	do(t, h, http.MethodGet, "/docs/nobody", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	out := rr.Body.String()
	for _, want := range []string{
		`replidb_http_requests_total{code="201",method="PUT"`,
		`replidb_http_requests_total{code="404",method="GET"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics are missing %q:\n%s", want, out)
		}
	}
}
