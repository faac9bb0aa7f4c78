// Benchmark tool for driving the Harrier assessment pipeline over NATS.
//
// Usage:
//   go run cmd/benchmark/main.go -ids /path/to/tender-ids.txt -nats nats://localhost:4222
//
// This tool:
//   1. Reads tender ids (one per line, or the first CSV column)
//   2. Publishes a change event per tender on risks.tender.changed
//   3. Listens on risks.assessed / risks.alert for the results
//   4. Reports throughput, latency, and the worked-risk distribution
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-procurement/harrier/internal/bus"
	"github.com/opensource-procurement/harrier/internal/domain"
)

// ChangeMessage mirrors the change event the crawler consumes.
type ChangeMessage struct {
	TenderID     string `json:"tenderId"`
	DateModified string `json:"dateModified,omitempty"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	Published int64
	Assessed  int64
	WithRisks int64
	Alerted   int64
	Errors    int64

	mu         sync.Mutex
	latencies  map[string]time.Duration
	started    map[string]time.Time
	riskCounts map[string]int64
}

func main() {
	idsPath := flag.String("ids", "", "Path to a file of tender ids (one per line or first CSV column)")
	natsURL := flag.String("nats", "nats://localhost:4222", "NATS server URL")
	limit := flag.Int("limit", 0, "Maximum tenders to publish (0 = all)")
	rate := flag.Int("rate", 50, "Publish rate, events per second (0 = unthrottled)")
	drain := flag.Duration("drain", 30*time.Second, "How long to wait for assessments after the last publish")
	flag.Parse()

	if *idsPath == "" {
		fmt.Println("Usage: benchmark -ids /path/to/tender-ids.txt [-nats nats://localhost:4222]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	ids, err := readTenderIDs(*idsPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: failed to read tender ids: %v\n", err)
		os.Exit(1)
	}
	if len(ids) == 0 {
		fmt.Println("ERROR: no tender ids found")
		os.Exit(1)
	}

	fmt.Println("HARRIER BENCHMARK - assessment pipeline")
	fmt.Printf("\nTender ids:  %d (from %s)\n", len(ids), *idsPath)
	fmt.Printf("NATS:        %s\n", *natsURL)
	fmt.Printf("Rate:        %d events/sec\n", *rate)
	fmt.Printf("Drain:       %v\n\n", *drain)

	eventBus, err := bus.NewNATSBus(domain.EventBusConfig{
		Type:    "nats",
		NATSUrl: *natsURL,
	})
	if err != nil {
		fmt.Printf("ERROR: NATS not reachable at %s: %v\n", *natsURL, err)
		os.Exit(1)
	}
	defer eventBus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := &Metrics{
		latencies:  make(map[string]time.Duration),
		started:    make(map[string]time.Time),
		riskCounts: make(map[string]int64),
	}

	done := make(chan struct{})
	if err := subscribeResults(ctx, eventBus, metrics, len(ids), done); err != nil {
		fmt.Printf("ERROR: failed to subscribe: %v\n", err)
		os.Exit(1)
	}

	startTime := time.Now()
	publish(ctx, eventBus, metrics, ids, *rate)
	fmt.Printf("published %d change events in %v, waiting for assessments...\n",
		atomic.LoadInt64(&metrics.Published), time.Since(startTime).Round(time.Millisecond))

	select {
	case <-done:
	case <-time.After(*drain):
		fmt.Println("drain timeout reached")
	}

	printResults(metrics, time.Since(startTime))
}

func readTenderIDs(path string, limit int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, line := range strings.Split(string(data), "\n") {
		id := strings.TrimSpace(line)
		if i := strings.IndexByte(id, ','); i >= 0 {
			id = strings.TrimSpace(id[:i])
		}
		if id == "" || id == "id" || id == "tender_id" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func subscribeResults(ctx context.Context, eventBus domain.EventBus, m *Metrics, expected int, done chan struct{}) error {
	var once sync.Once

	_, err := eventBus.Subscribe(ctx, domain.TopicAssessed, func(ctx context.Context, msg *domain.Message) error {
		var a domain.Assessment
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			atomic.AddInt64(&m.Errors, 1)
			return nil
		}

		total := atomic.AddInt64(&m.Assessed, 1)
		if a.HasRisks {
			atomic.AddInt64(&m.WithRisks, 1)
		}

		m.mu.Lock()
		if start, ok := m.started[a.TenderID]; ok {
			m.latencies[a.TenderID] = time.Since(start)
		}
		for _, rule := range a.WorkedRisks {
			m.riskCounts[rule]++
		}
		m.mu.Unlock()

		if int(total) >= expected {
			once.Do(func() { close(done) })
		}
		return nil
	})
	if err != nil {
		return err
	}

	_, err = eventBus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		atomic.AddInt64(&m.Alerted, 1)
		return nil
	})
	return err
}

func publish(ctx context.Context, eventBus domain.EventBus, m *Metrics, ids []string, rate int) {
	var ticker *time.Ticker
	if rate > 0 {
		ticker = time.NewTicker(time.Second / time.Duration(rate))
		defer ticker.Stop()
	}

	for _, id := range ids {
		if ticker != nil {
			<-ticker.C
		}

		payload, err := json.Marshal(ChangeMessage{TenderID: id})
		if err != nil {
			atomic.AddInt64(&m.Errors, 1)
			continue
		}

		m.mu.Lock()
		m.started[id] = time.Now()
		m.mu.Unlock()

		if err := eventBus.Publish(ctx, domain.TopicTenderChanged, payload); err != nil {
			atomic.AddInt64(&m.Errors, 1)
			fmt.Printf("ERROR: publish %s: %v\n", id, err)
			continue
		}
		atomic.AddInt64(&m.Published, 1)
	}
}

func printResults(m *Metrics, duration time.Duration) {
	published := atomic.LoadInt64(&m.Published)
	assessed := atomic.LoadInt64(&m.Assessed)

	fmt.Println("\nBENCHMARK RESULTS")
	fmt.Printf("   Published:     %d\n", published)
	fmt.Printf("   Assessed:      %d\n", assessed)
	fmt.Printf("   With risks:    %d\n", atomic.LoadInt64(&m.WithRisks))
	fmt.Printf("   Alerts:        %d\n", atomic.LoadInt64(&m.Alerted))
	fmt.Printf("   Errors:        %d\n", atomic.LoadInt64(&m.Errors))
	if published > 0 && assessed < published {
		fmt.Printf("   Unassessed:    %d (crawler still catching up, or fetch failures)\n", published-assessed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.latencies) > 0 {
		sorted := make([]time.Duration, 0, len(m.latencies))
		var total time.Duration
		for _, d := range m.latencies {
			sorted = append(sorted, d)
			total += d
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		fmt.Println("\nLATENCY (change event to assessed)")
		fmt.Printf("   Avg:  %v\n", (total / time.Duration(len(sorted))).Round(time.Millisecond))
		fmt.Printf("   P50:  %v\n", sorted[len(sorted)/2].Round(time.Millisecond))
		fmt.Printf("   P95:  %v\n", sorted[len(sorted)*95/100].Round(time.Millisecond))
		fmt.Printf("   Max:  %v\n", sorted[len(sorted)-1].Round(time.Millisecond))
	}

	if assessed > 0 {
		fmt.Printf("\nTHROUGHPUT\n")
		fmt.Printf("   Duration:  %v\n", duration.Round(time.Millisecond))
		fmt.Printf("   Rate:      %.2f assessments/sec\n", float64(assessed)/duration.Seconds())
	}

	if len(m.riskCounts) > 0 {
		rules := make([]string, 0, len(m.riskCounts))
		for rule := range m.riskCounts {
			rules = append(rules, rule)
		}
		sort.Strings(rules)

		fmt.Println("\nWORKED RISKS")
		for _, rule := range rules {
			fmt.Printf("   %-16s %d\n", rule, m.riskCounts[rule])
		}
	}
	fmt.Println()
}
