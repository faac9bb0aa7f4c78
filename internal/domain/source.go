package domain

import (
	"context"
	"time"
)

// ObjectSource fetches public procurement objects from the upstream API.
// Implementations handle retry classes internally; a returned error means the
// object could not be obtained after the retry budget was spent.
type ObjectSource interface {
	// FetchTender returns the full tender record by its identifier.
	FetchTender(ctx context.Context, tenderID string) (*Tender, error)
}

// RateSource resolves national-bank exchange rates for a given day. ValueAt
// converts amount from the given currency into UAH using the rate effective
// on date; a currency without a published rate is an error.
type RateSource interface {
	ValueAt(ctx context.Context, amount float64, currency string, date time.Time) (float64, error)
}

// SourceConfig holds configuration for the upstream API client.
type SourceConfig struct {
	// BaseURL of the public procurement API, without trailing slash.
	BaseURL string

	// RatesURL of the national bank exchange-rate endpoint.
	RatesURL string

	// Timeout per HTTP attempt.
	Timeout time.Duration

	// MaxRetries before an attempt is abandoned and logged as critical.
	MaxRetries int

	// BackoffShort applies to connection-level failures, BackoffLong to
	// rate-limit responses without a Retry-After header.
	BackoffShort time.Duration
	BackoffLong  time.Duration
}
