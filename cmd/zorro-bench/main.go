// Command zorro-bench exercises the Worker Pool Wrapper end to end: a
// fixed-size burst of simulated calls races a per-call timeout through a
// bounded Pool, and the results are reported as latency percentiles.
//
// When stdout is a terminal it prints a short human-readable summary;
// otherwise (piped to a file or another tool) it emits one JSON object,
// grounded on how the teacher's benchmark commands distinguish
// interactive from scripted output.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/tailhook/zorro/pkg/channel"
	"github.com/tailhook/zorro/pkg/config"
	"github.com/tailhook/zorro/pkg/hub"
	"github.com/tailhook/zorro/pkg/zlog"
)

func main() {
	calls := flag.Int("calls", 200, "number of simulated calls to run")
	concurrency := flag.Int("concurrency", 8, "Pool limit: max calls in flight at once")
	callTimeout := flag.Duration("call-timeout", 50*time.Millisecond, "per-call timeout")
	minLatency := flag.Duration("min-latency", 2*time.Millisecond, "fastest simulated call latency")
	maxLatency := flag.Duration("max-latency", 80*time.Millisecond, "slowest simulated call latency")
	jsonOutput := flag.Bool("json", false, "force JSON output even on a terminal")
	flag.Parse()

	report, err := runBenchmark(benchConfig{
		calls:       *calls,
		concurrency: *concurrency,
		callTimeout: *callTimeout,
		minLatency:  *minLatency,
		maxLatency:  *maxLatency,
	})
	if err != nil {
		log.Fatalf("zorro-bench: %v", err)
	}

	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	if interactive && !*jsonOutput {
		printSummary(report)
	} else {
		printJSON(report)
	}
}

type benchConfig struct {
	calls       int
	concurrency int
	callTimeout time.Duration
	minLatency  time.Duration
	maxLatency  time.Duration
}

type benchReport struct {
	Calls       int     `json:"calls"`
	Concurrency int     `json:"concurrency"`
	Succeeded   int     `json:"succeeded"`
	TimedOut    int     `json:"timed_out"`
	P50Millis   float64 `json:"p50_ms"`
	P95Millis   float64 `json:"p95_ms"`
	P99Millis   float64 `json:"p99_ms"`
	WallMillis  float64 `json:"wall_ms"`
}

// runBenchmark spawns one user task per simulated call; each task first
// waits for a Pool slot, then races its work through channel.Call against
// callTimeout, exercising both Pool.WaitSlot and Call in the same run. It
// drives its own Hub to completion and returns the finished report.
func runBenchmark(cfg benchConfig) (*benchReport, error) {
	logger := zlog.New(zlog.DefaultConfig()).WithComponent("zorro-bench")
	h, err := hub.New(config.DefaultHubConfig(), logger)
	if err != nil {
		return nil, err
	}

	pool := channel.NewPool(h, cfg.concurrency, cfg.callTimeout)
	rng := rand.New(rand.NewSource(1))

	var mu sync.Mutex
	latencies := make([]time.Duration, 0, cfg.calls)
	timedOut := 0
	remaining := cfg.calls
	start := time.Now()

	if _, err := h.SpawnService("bench-driver", func(t *hub.Task) {
		for i := 0; i < cfg.calls; i++ {
			work := randomDuration(rng, cfg.minLatency, cfg.maxLatency)
			h.Spawn("bench-call", func(t *hub.Task) {
				defer func() {
					mu.Lock()
					remaining--
					done := remaining == 0
					mu.Unlock()
					if done {
						h.Stop()
					}
				}()

				if err := pool.WaitSlot(t); err != nil {
					return
				}
				callStart := time.Now()
				_, callErr := channel.Call(pool, func(t *hub.Task) (struct{}, error) {
					return struct{}{}, t.Sleep(work)
				})
				elapsed := time.Since(callStart)

				mu.Lock()
				if callErr != nil {
					timedOut++
				} else {
					latencies = append(latencies, elapsed)
				}
				mu.Unlock()
			})
		}
	}); err != nil {
		return nil, fmt.Errorf("spawn bench-driver: %w", err)
	}

	if err := h.Run(); err != nil {
		return nil, fmt.Errorf("hub crashed: %w", err)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	return &benchReport{
		Calls:       cfg.calls,
		Concurrency: cfg.concurrency,
		Succeeded:   len(latencies),
		TimedOut:    timedOut,
		P50Millis:   percentileMillis(latencies, 0.50),
		P95Millis:   percentileMillis(latencies, 0.95),
		P99Millis:   percentileMillis(latencies, 0.99),
		WallMillis:  float64(time.Since(start)) / float64(time.Millisecond),
	}, nil
}

func percentileMillis(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return float64(sorted[idx]) / float64(time.Millisecond)
}

func randomDuration(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int63n(int64(hi-lo)))
}

func printSummary(r *benchReport) {
	fmt.Println("zorro-bench: Worker Pool Wrapper benchmark")
	fmt.Println("-------------------------------------------")
	fmt.Printf("calls:        %d (concurrency %d)\n", r.Calls, r.Concurrency)
	fmt.Printf("succeeded:    %d\n", r.Succeeded)
	fmt.Printf("timed out:    %d\n", r.TimedOut)
	fmt.Printf("p50 latency:  %.2f ms\n", r.P50Millis)
	fmt.Printf("p95 latency:  %.2f ms\n", r.P95Millis)
	fmt.Printf("p99 latency:  %.2f ms\n", r.P99Millis)
	fmt.Printf("wall time:    %.2f ms\n", r.WallMillis)
}

func printJSON(r *benchReport) {
	data, _ := json.MarshalIndent(r, "", "  ")
	fmt.Println(string(data))
}
