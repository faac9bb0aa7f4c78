package source

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/opensource-procurement/harrier/internal/domain"
)

func testConfig(baseURL string) domain.SourceConfig {
	return domain.SourceConfig{
		BaseURL:      baseURL,
		Timeout:      5 * time.Second,
		MaxRetries:   5,
		BackoffShort: time.Millisecond,
		BackoffLong:  time.Millisecond,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestFetchTenderRetriesPreconditionFailed(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		w.Write([]byte(`{"data": {"id": "abc", "status": "active.tendering"}}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), discardLogger())
	tender, err := client.FetchTender(context.Background(), "abc")
	if err != nil {
		t.Fatalf("FetchTender: %v", err)
	}
	if tender.ID != "abc" || tender.Status != "active.tendering" {
		t.Errorf("unexpected tender %+v", tender)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestFetchTenderHonorsRetryAfter(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data": {"id": "abc"}}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), discardLogger())
	if _, err := client.FetchTender(context.Background(), "abc"); err != nil {
		t.Fatalf("FetchTender: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestFetchTenderNotFoundDoesNotRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), discardLogger())
	if _, err := client.FetchTender(context.Background(), "missing"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestFetchTenderExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), discardLogger())
	_, err := client.FetchTender(context.Background(), "abc")
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}
}

func TestFetchTenderRetriesMalformedPayload(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`{"data": truncated`))
			return
		}
		w.Write([]byte(`{"data": {"id": "abc"}}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), discardLogger())
	if _, err := client.FetchTender(context.Background(), "abc"); err != nil {
		t.Fatalf("FetchTender: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

// mapCache is a minimal in-memory domain.Cache for rate lookups.
type mapCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	counts map[string]int64
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string][]byte{}, counts: map[string]int64{}}
}

func (c *mapCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *mapCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *mapCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

func (c *mapCache) Ping(ctx context.Context) error { return nil }
func (c *mapCache) Close() error                   { return nil }

func TestRatesValueAt(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`[{"cc": "USD", "rate": 40.5}, {"cc": "EUR", "rate": 43.2}]`))
	}))
	defer srv.Close()

	cfg := testConfig("")
	cfg.RatesURL = srv.URL
	rates := NewRates(cfg, newMapCache(), discardLogger())
	date := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	got, err := rates.ValueAt(context.Background(), 100, "USD", date)
	if err != nil {
		t.Fatalf("ValueAt: %v", err)
	}
	if got != 4050 {
		t.Errorf("ValueAt = %v, want 4050", got)
	}

	// Second lookup for the same day must come from cache.
	if _, err := rates.ValueAt(context.Background(), 10, "EUR", date); err != nil {
		t.Fatalf("ValueAt: %v", err)
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1", calls)
	}
}

func TestRatesBacksOffFailingUpstream(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig("")
	cfg.RatesURL = srv.URL
	rates := NewRates(cfg, newMapCache(), discardLogger())
	date := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < ratesMissLimit+2; i++ {
		if _, err := rates.ValueAt(context.Background(), 100, "USD", date); err == nil {
			t.Fatalf("lookup %d: expected error from failing upstream", i)
		}
	}
	if calls != ratesMissLimit {
		t.Errorf("upstream calls = %d, want %d", calls, ratesMissLimit)
	}
}

func TestRatesUAHPassThrough(t *testing.T) {
	rates := NewRates(testConfig(""), newMapCache(), discardLogger())
	got, err := rates.ValueAt(context.Background(), 250, "UAH", time.Now())
	if err != nil {
		t.Fatalf("ValueAt: %v", err)
	}
	if got != 250 {
		t.Errorf("ValueAt = %v, want 250", got)
	}
}

func TestRatesUnknownCurrency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"cc": "USD", "rate": 40.5}]`))
	}))
	defer srv.Close()

	cfg := testConfig("")
	cfg.RatesURL = srv.URL
	rates := NewRates(cfg, newMapCache(), discardLogger())
	if _, err := rates.ValueAt(context.Background(), 5, "XXX", time.Now()); err == nil {
		t.Fatal("expected error for unpublished currency")
	}
}
