// Loadtest drives concurrent requests at one handler route and reports
// throughput, latency percentiles and which model answered.
//
// Usage:
//
//	go run ./scripts/loadtest -url http://localhost:8080/remove-text -concurrency 10 -requests 200
//	go run ./scripts/loadtest -image https://example.com/in.png -csv results.csv -out summary.json
//
// Run it against scripts/fakefal to exercise fallback and the circuit
// breaker without spending credits.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type methodStats struct {
	Count     int32           `json:"count"`
	Latencies []time.Duration `json:"-"`
}

type methodSummary struct {
	Count int32   `json:"count"`
	P50   float64 `json:"p50_ms"`
	P90   float64 `json:"p90_ms"`
	P99   float64 `json:"p99_ms"`
}

type response struct {
	Success bool   `json:"success"`
	Method  string `json:"method"`
	Error   string `json:"error"`
}

func main() {
	var (
		url         = flag.String("url", "http://localhost:8080/remove-text", "Target URL")
		concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
		requests    = flag.Int("requests", 100, "Total number of requests to send")
		image       = flag.String("image", "https://example.com/sample.png", "image_url sent in every request")
		timeout     = flag.Duration("timeout", 5*time.Minute, "Per-request timeout")
		outJSON     = flag.String("out", "", "Write JSON summary to this file (optional)")
		outCSV      = flag.String("csv", "", "Write per-request CSV to this file (optional)")
		verbose     = flag.Bool("v", false, "Verbose per-request logging to stdout")
	)
	flag.Parse()

	payload, _ := json.Marshal(map[string]string{"image_url": *image})
	client := &http.Client{Timeout: *timeout}

	var success, failure int32

	stats := make(map[string]*methodStats)
	statusCodes := make(map[int]int32)
	var all []time.Duration
	var mu sync.Mutex

	var csvWriter *csv.Writer
	if *outCSV != "" {
		f, err := os.Create(*outCSV)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create csv file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		csvWriter = csv.NewWriter(f)
		csvWriter.Write([]string{"idx", "request_id", "method", "status", "duration_ms"})
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	testStart := time.Now()

	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for idx := range jobs {
				requestID := uuid.NewString()
				start := time.Now()

				req, err := http.NewRequest(http.MethodPost, *url, bytes.NewReader(payload))
				if err != nil {
					atomic.AddInt32(&failure, 1)
					continue
				}
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("X-Request-Id", requestID)

				resp, err := client.Do(req)
				dur := time.Since(start)
				if err != nil {
					atomic.AddInt32(&failure, 1)
					if *verbose {
						fmt.Printf("[%d] idx=%d error=%v\n", workerID, idx, err)
					}
					continue
				}

				var body response
				data, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				_ = json.Unmarshal(data, &body)

				method := body.Method
				switch {
				case !body.Success:
					method = "(failed)"
					atomic.AddInt32(&failure, 1)
				case method == "":
					method = "single"
					atomic.AddInt32(&success, 1)
				default:
					atomic.AddInt32(&success, 1)
				}

				mu.Lock()
				all = append(all, dur)
				statusCodes[resp.StatusCode]++
				ms, ok := stats[method]
				if !ok {
					ms = &methodStats{}
					stats[method] = ms
				}
				ms.Count++
				ms.Latencies = append(ms.Latencies, dur)
				if csvWriter != nil {
					csvWriter.Write([]string{
						strconv.Itoa(idx),
						requestID,
						method,
						strconv.Itoa(resp.StatusCode),
						fmt.Sprintf("%.3f", float64(dur.Microseconds())/1000.0),
					})
				}
				mu.Unlock()

				if *verbose {
					fmt.Printf("[%d] idx=%d method=%s status=%d dur=%v err=%q\n", workerID, idx, method, resp.StatusCode, dur, body.Error)
				}
			}
		}(w)
	}

	go func() {
		for i := 0; i < *requests; i++ {
			jobs <- i
		}
		close(jobs)
	}()

	wg.Wait()
	totalDuration := time.Since(testStart)

	if csvWriter != nil {
		csvWriter.Flush()
	}

	throughput := float64(success+failure) / totalDuration.Seconds()

	fmt.Println("--- Load Test Summary ---")
	fmt.Printf("Target: %s\n", *url)
	fmt.Printf("Requests: %d  Concurrency: %d\n", *requests, *concurrency)
	fmt.Printf("Success: %d  Failure: %d\n", success, failure)
	fmt.Printf("Duration: %v  Throughput: %.2f req/s\n", totalDuration, throughput)

	fmt.Println("\nStatus codes:")
	codes := make([]int, 0, len(statusCodes))
	for k := range statusCodes {
		codes = append(codes, k)
	}
	sort.Ints(codes)
	for _, k := range codes {
		fmt.Printf("  %d -> %d\n", k, statusCodes[k])
	}

	fmt.Println("\nAnswered by:")
	summaries := make(map[string]methodSummary, len(stats))
	names := make([]string, 0, len(stats))
	for k := range stats {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		ms := stats[k]
		sorted := sortedCopy(ms.Latencies)
		sum := methodSummary{
			Count: ms.Count,
			P50:   ms2f(percentile(sorted, 0.50)),
			P90:   ms2f(percentile(sorted, 0.90)),
			P99:   ms2f(percentile(sorted, 0.99)),
		}
		summaries[k] = sum
		fmt.Printf("  %s -> count=%d p50=%.0fms p90=%.0fms p99=%.0fms\n", k, sum.Count, sum.P50, sum.P90, sum.P99)
	}

	if len(all) > 0 {
		sorted := sortedCopy(all)
		fmt.Println("\nOverall latencies:")
		fmt.Printf("  samples=%d min=%v max=%v p50=%v p90=%v p99=%v\n",
			len(sorted), sorted[0], sorted[len(sorted)-1],
			percentile(sorted, 0.50), percentile(sorted, 0.90), percentile(sorted, 0.99))
	}

	if *outJSON != "" {
		report := map[string]any{
			"target":         *url,
			"requests":       *requests,
			"concurrency":    *concurrency,
			"success":        success,
			"failure":        failure,
			"duration_ms":    totalDuration.Milliseconds(),
			"throughput_rps": throughput,
			"methods":        summaries,
		}

		f, err := os.Create(*outJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create json file: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		f.Close()
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if failure > 0 {
		os.Exit(2)
	}
}

func sortedCopy(in []time.Duration) []time.Duration {
	out := make([]time.Duration, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

func ms2f(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
