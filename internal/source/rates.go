package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-procurement/harrier/internal/domain"
)

// Rates converts monetary values to UAH using the national bank's reference
// rates for a given day. Rate tables are immutable once published, so cached
// entries get a generous TTL.
type Rates struct {
	http   *http.Client
	cfg    domain.SourceConfig
	cache  domain.Cache
	logger *slog.Logger
}

const (
	ratesTTL = 24 * time.Hour

	// Rate tables for a day are fetched at most ratesMissLimit times per
	// window, so a broken upstream is not hammered once per skipped rule.
	ratesMissLimit  = 3
	ratesMissWindow = 10 * time.Minute
)

// NewRates creates a rate source backed by cache.
func NewRates(cfg domain.SourceConfig, cache domain.Cache, logger *slog.Logger) *Rates {
	return &Rates{
		http:   &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		cache:  cache,
		logger: logger.With("component", "rates"),
	}
}

type rateEntry struct {
	Currency string  `json:"cc"`
	Rate     float64 `json:"rate"`
}

// ValueAt converts amount from currency into UAH at the rate effective on
// date. UAH passes through unchanged.
func (r *Rates) ValueAt(ctx context.Context, amount float64, currency string, date time.Time) (float64, error) {
	if currency == "" || currency == "UAH" {
		return amount, nil
	}
	table, err := r.tableFor(ctx, date)
	if err != nil {
		return 0, err
	}
	for _, entry := range table {
		if entry.Currency == currency {
			return amount * entry.Rate, nil
		}
	}
	return 0, fmt.Errorf("no %s rate published for %s", currency, date.Format("2006-01-02"))
}

func (r *Rates) tableFor(ctx context.Context, date time.Time) ([]rateEntry, error) {
	key := "rates:" + date.Format("2006-01-02")

	if cached, err := r.cache.Get(ctx, key); err != nil {
		r.logger.Warn("rates cache read failed", "key", key, "error", err)
	} else if cached != nil {
		var table []rateEntry
		if err := json.Unmarshal(cached, &table); err == nil {
			return table, nil
		}
	}

	day := date.Format("2006-01-02")
	missKey := "rates-miss:" + day
	if attempts, err := r.cache.IncrementCounter(ctx, missKey, ratesMissWindow); err == nil && attempts > ratesMissLimit {
		return nil, fmt.Errorf("rates for %s: upstream attempts exhausted, waiting out the window", day)
	}

	url := fmt.Sprintf("%s?json&date=%s", r.cfg.RatesURL, date.Format("20060102"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch rates: http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	var table []rateEntry
	if err := json.Unmarshal(body, &table); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}

	if encoded, err := json.Marshal(table); err == nil {
		if err := r.cache.Set(ctx, key, encoded, ratesTTL); err != nil {
			r.logger.Warn("rates cache write failed", "key", key, "error", err)
		}
	}
	return table, nil
}
