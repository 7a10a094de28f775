package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

var client = &http.Client{Timeout: 5 * time.Second}

func main() {
	baseURL := "http://localhost:8080"
	if len(os.Args) > 1 {
		baseURL = os.Args[1]
	}
	var peerURL string
	if len(os.Args) > 2 {
		peerURL = os.Args[2]
	}

	fmt.Println("=== replidb Benchmark Test ===")
	fmt.Printf("Target: %s\n", baseURL)
	fmt.Println()

	// Проверка доступности
	if !checkHealth(baseURL) {
		fmt.Printf("ERROR: Replica %s is not available\n", baseURL)
		return
	}

	fmt.Println("Test 1: Sequential Writes (100 operations)")
	printResult(benchmark(100, 1, func(g, j int) error {
		return putDoc(baseURL, fmt.Sprintf("bench-%d-%d", g, j), j)
	}))

	fmt.Println("\nTest 2: Concurrent Writes (100 operations, 10 goroutines)")
	printResult(benchmark(100, 10, func(g, j int) error {
		return putDoc(baseURL, fmt.Sprintf("bench-c-%d-%d", g, j), j)
	}))

	fmt.Println("\nTest 3: Concurrent Reads (100 operations, 10 goroutines)")
	printResult(benchmark(100, 10, func(g, j int) error {
		return getDoc(baseURL, fmt.Sprintf("bench-c-%d-%d", g, j))
	}))

	fmt.Println("\nTest 4: Concurrent Finds (50 operations, 5 goroutines)")
	printResult(benchmark(50, 5, func(g, j int) error {
		return find(baseURL, j)
	}))

	fmt.Println("\nTest 5: Publish log fingerprint (10 operations)")
	printResult(benchmark(10, 1, func(_, _ int) error {
		return post(baseURL, "/_fingerprint", nil)
	}))

	if peerURL != "" {
		fmt.Printf("\nTest 6: Join %s from %s (5 operations)\n", baseURL, peerURL)
		printResult(benchmark(5, 1, func(_, _ int) error {
			return post(peerURL, "/_join", map[string]string{"peer": baseURL})
		}))
	}

	fmt.Println("\n=== Benchmark Complete ===")
}

func checkHealth(baseURL string) bool {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// benchmark spreads totalOps calls of op over concurrency goroutines.
// op receives the goroutine number and the call number inside it.
func benchmark(totalOps, concurrency int, op func(g, j int) error) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()

			ops := opsPerGoroutine
			if goroutineID < remainder {
				ops++
			}

			for j := 0; j < ops; j++ {
				opStart := time.Now()
				err := op(goroutineID, j)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	duration := time.Since(start)

	// Вычисление статистики латентности
	var min, max, sum time.Duration
	if len(latencies) > 0 {
		min = latencies[0]
		max = latencies[0]
		for _, lat := range latencies {
			if lat < min {
				min = lat
			}
			if lat > max {
				max = lat
			}
			sum += lat
		}
	}
	var avgLatency time.Duration
	if len(latencies) > 0 {
		avgLatency = sum / time.Duration(len(latencies))
	}

	return BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
		AvgLatency:    avgLatency,
		MinLatency:    min,
		MaxLatency:    max,
	}
}

func putDoc(baseURL, id string, n int) error {
	doc := map[string]any{
		"kind":  "bench",
		"n":     n,
		"stamp": time.Now().UnixNano(),
	}
	return send(http.MethodPut, baseURL+"/docs/"+url.PathEscape(id), doc, http.StatusCreated)
}

func getDoc(baseURL, id string) error {
	return send(http.MethodGet, baseURL+"/docs/"+url.PathEscape(id), nil, http.StatusOK)
}

func find(baseURL string, n int) error {
	req := map[string]any{
		"selector": map[string]any{"kind": "bench", "n": map[string]any{"$gte": n % 10}},
		"limit":    10,
	}
	return post(baseURL, "/_find", req)
}

func post(baseURL, path string, body any) error {
	return send(http.MethodPost, baseURL+path, body, http.StatusOK)
}

func send(method, target string, body any, want int) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, target, rdr)
	if err != nil {
		return err
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Читаем тело ответа для очистки
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != want {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
