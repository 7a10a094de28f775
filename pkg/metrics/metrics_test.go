package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rr.Body)
	if err != nil {
		t.Fatalf("read scrape: %v", err)
	}
	return string(body)
}

func TestRegistry_Exposition(t *testing.T) {
	r := NewRegistry("replidb")

	r.IncCounter("requests_total", map[string]string{"route": "/docs/{id}", "code": "201"}, 1)
	r.IncCounter("requests_total", map[string]string{"route": "/docs/{id}", "code": "201"}, 2)
	r.SetGauge("log_entries", nil, 7)
	r.ObserveHistogram("request_seconds", map[string]string{"route": "/_find"}, 0.02)

	out := scrape(t, r)
	for _, want := range []string{
		`replidb_requests_total{code="201",route="/docs/{id}"} 3`,
		`replidb_log_entries 7`,
		`replidb_request_seconds_count{route="/_find"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("scrape is missing %q:\n%s", want, out)
		}
	}
}

func TestRegistry_MismatchedLabelsIgnored(t *testing.T) {
	r := NewRegistry("replidb")
	r.IncCounter("joins_total", map[string]string{"result": "ok"}, 1)
	r.IncCounter("joins_total", map[string]string{"peer": "x"}, 1)

	if out := scrape(t, r); !strings.Contains(out, `replidb_joins_total{result="ok"} 1`) {
		t.Fatalf("unexpected scrape:\n%s", out)
	}
}

var _ Collector = (*Registry)(nil)
