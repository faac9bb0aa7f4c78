// Package source implements the upstream procurement API client and the
// exchange-rate lookup used by statistical rules.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/opensource-procurement/harrier/internal/domain"
)

// ErrRetryExhausted wraps the last failure after the retry budget is spent.
var ErrRetryExhausted = errors.New("fetch retries exhausted")

// criticalAfter is the attempt count past which failures escalate from warn
// to error logging.
const criticalAfter = 20

// Client fetches procurement objects with class-based retry handling:
// HTTP 412 retries immediately, HTTP 429 waits the long interval (or
// Retry-After), connection failures and malformed payloads wait the short
// interval.
type Client struct {
	http   *http.Client
	cfg    domain.SourceConfig
	logger *slog.Logger
}

// NewClient creates an upstream API client.
func NewClient(cfg domain.SourceConfig, logger *slog.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger.With("component", "source"),
	}
}

// FetchTender returns the full tender record by its identifier.
func (c *Client) FetchTender(ctx context.Context, tenderID string) (*domain.Tender, error) {
	var tender *domain.Tender
	err := c.fetchObject(ctx, "tenders", tenderID, func(body []byte) error {
		var envelope struct {
			Data *domain.Tender `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return err
		}
		if envelope.Data == nil {
			return errors.New("empty payload")
		}
		tender = envelope.Data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tender, nil
}

// fetchObject retries until decode succeeds; a malformed payload counts as a
// short-interval retry like a connection failure.
func (c *Client) fetchObject(ctx context.Context, resource, id string, decode func([]byte) error) error {
	url := fmt.Sprintf("%s/%s/%s", c.cfg.BaseURL, resource, id)

	var lastErr error
	for attempt := 1; c.cfg.MaxRetries <= 0 || attempt <= c.cfg.MaxRetries; attempt++ {
		body, wait, err := c.attempt(ctx, url)
		if err == nil {
			if err = decode(body); err == nil {
				return nil
			}
			wait = c.cfg.BackoffShort
		}
		lastErr = err

		level := slog.LevelWarn
		if attempt >= criticalAfter {
			level = slog.LevelError
		}
		c.logger.Log(ctx, level, "fetch failed",
			"resource", resource, "id", id, "attempt", attempt, "error", err)

		if wait < 0 {
			// Not retryable (e.g. 404): report immediately.
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%w: %s %s: %v", ErrRetryExhausted, resource, id, lastErr)
}

// attempt performs one request. The returned duration is how long to wait
// before the next attempt; negative means do not retry.
func (c *Client) attempt(ctx context.Context, url string) ([]byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, -1, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.cfg.BackoffShort, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, c.cfg.BackoffShort, err
		}
		return body, 0, nil
	case http.StatusPreconditionFailed:
		// Cookie/session bounce; safe to retry at once.
		return nil, 0, fmt.Errorf("http %d", resp.StatusCode)
	case http.StatusTooManyRequests:
		wait := c.cfg.BackoffLong
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		return nil, wait, fmt.Errorf("http %d", resp.StatusCode)
	case http.StatusNotFound, http.StatusGone:
		return nil, -1, fmt.Errorf("http %d", resp.StatusCode)
	default:
		if resp.StatusCode >= 500 {
			return nil, c.cfg.BackoffShort, fmt.Errorf("http %d", resp.StatusCode)
		}
		return nil, -1, fmt.Errorf("http %d", resp.StatusCode)
	}
}
