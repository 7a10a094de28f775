package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"
)

var client = &http.Client{Timeout: 10 * time.Second}

func call(method, base, path string, body any) []byte {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("encode body: %v", err)
		}
		rdr = bytes.NewReader(data)
	}

	fmt.Printf("[client] %-6s %s%s\n", method, base, path)
	req, err := http.NewRequest(method, base+path, rdr)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		log.Println(method, "error:", err)
		return nil
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	fmt.Printf("[client] %d %s", resp.StatusCode, out)
	return out
}

// revOf extracts the _rev of a document returned by GET /docs/{id}.
func revOf(resp []byte) string {
	var body struct {
		Value struct {
			Rev string `json:"_rev"`
		} `json:"value"`
	}
	_ = json.Unmarshal(resp, &body)
	return body.Value.Rev
}

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: demo http://replica1:8080 http://replica2:8080")
		os.Exit(1)
	}
	a, b := os.Args[1], os.Args[2]

	fmt.Println("=== [ШАГ 1] пишем игроков в первую реплику ===")
	call(http.MethodPut, a, "/docs/mario", map[string]any{"name": "Mario", "team": "red", "coins": 10})
	call(http.MethodPut, a, "/docs/luigi", map[string]any{"name": "Luigi", "team": "green", "coins": 5})
	call(http.MethodPost, a, "/docs", []map[string]any{
		{"_id": "bowser", "name": "Bowser", "team": "koopa", "coins": 99},
		{"_id": "toad", "name": "Toad", "team": "red", "coins": 2},
	})

	fmt.Println("\n=== [ШАГ 2] вторая реплика подтягивает лог первой ===")
	call(http.MethodPost, b, "/_join", map[string]string{"peer": a})
	call(http.MethodGet, b, "/docs?include_docs=false", nil)

	fmt.Println("\n=== [ШАГ 3] запросы на второй реплике ===")
	call(http.MethodPost, b, "/_index", map[string]string{"field": "team"})
	call(http.MethodPost, b, "/_find", map[string]any{
		"selector": map[string]any{"team": "red", "coins": map[string]any{"$gt": 1}},
		"fields":   []string{"_id", "coins"},
		"sort":     []any{map[string]string{"coins": "desc"}},
	})
	call(http.MethodPost, b, "/_query", map[string]any{
		"map":    "doc.team",
		"value":  "doc.coins",
		"reduce": "_sum",
		"group":  true,
	})

	fmt.Println("\n=== [ШАГ 4] конкурентные правки одного документа ===")
	call(http.MethodPatch, a, "/docs/mario", []map[string]any{{"op": "replace", "path": "/coins", "value": 20}})
	call(http.MethodPatch, b, "/docs/mario", []map[string]any{{"op": "replace", "path": "/coins", "value": 30}})

	call(http.MethodPost, a, "/_join", map[string]string{"peer": b})
	call(http.MethodPost, b, "/_join", map[string]string{"peer": a})

	fromA := call(http.MethodGet, a, "/docs/mario", nil)
	fromB := call(http.MethodGet, b, "/docs/mario", nil)
	if bytes.Equal(fromA, fromB) {
		fmt.Println("реплики сошлись к одной ревизии 💚")
	} else {
		fmt.Println("реплики разошлись!")
	}

	fmt.Println("\n=== [ШАГ 5] удаление реплицируется как tombstone ===")
	rev := revOf(call(http.MethodGet, a, "/docs/toad", nil))
	call(http.MethodDelete, a, "/docs/toad?rev="+url.QueryEscape(rev), nil)
	call(http.MethodPost, b, "/_join", map[string]string{"peer": a})
	call(http.MethodGet, b, "/docs/toad", nil)

	call(http.MethodPost, b, "/_fingerprint", nil)
}
