// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by Repository implementations. Callers branch on
// these with errors.Is; everything else is a transient store failure.
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned by SaveAssessment when the stored version
	// token no longer matches the token the caller read. The writer must
	// re-read and merge again.
	ErrConflict = errors.New("assessment version conflict")

	// ErrQueryTimeout is returned when a list query exceeds the configured
	// statement budget. The API maps it to a "narrow your filters" response.
	ErrQueryTimeout = errors.New("query exceeded time budget")
)

// SortOrder for list queries.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// AssessmentFilter narrows ListAssessments. Zero values mean "not filtered".
type AssessmentFilter struct {
	TenderID string

	// Risks matches against workedRisks. With RequireAll every listed rule
	// must have fired; otherwise any single match qualifies.
	Risks      []string
	RequireAll bool

	// RiskOwner matches any worked risk whose identifier starts with
	// owner + "-".
	RiskOwner string

	Regions    []string
	EDRPOU     string
	Terminated *bool
}

// AssessmentPage selects ordering and a window for ListAssessments.
type AssessmentPage struct {
	SortField string // dateAssessed | dateCreated | dateModified | valueAmount
	Order     SortOrder
	Skip      int
	Limit     int
}

// AssessmentList is one page plus the total match count. Total is capped at
// the counting horizon to keep the count query bounded.
type AssessmentList struct {
	Items []*Assessment
	Total int
}

// FeedRequest is a cursor page over assessments ordered by dateAssessed.
// After is an exclusive bound token; empty means from the start of the feed.
// Descending walks the feed backwards from the cursor.
type FeedRequest struct {
	After      string
	Limit      int
	Descending bool
}

// TenderSnapshot is the stored copy of a crawled object, kept for rules that
// reason over an entity's purchasing history.
type TenderSnapshot struct {
	ID           string    `json:"id"`
	TenderID     string    `json:"tenderID"`
	DateModified string    `json:"dateModified"`
	Subject      string    `json:"subject,omitempty"`
	Tender       *Tender   `json:"tender"`
	FetchedAt    time.Time `json:"fetchedAt"`
}

// Repository defines the persistence surface for assessments, snapshots and
// expression rule configs.
type Repository interface {
	// GetAssessment returns the full record including non-public fields.
	GetAssessment(ctx context.Context, id string) (*Assessment, error)

	// GetAssessmentByTender looks up the record by the business identifier.
	GetAssessmentByTender(ctx context.Context, tenderID string) (*Assessment, error)

	// SaveAssessment persists the record if and only if the stored
	// dateAssessed still equals prevDateAssessed; empty prevDateAssessed
	// means the record must not exist yet. Returns ErrConflict otherwise.
	SaveAssessment(ctx context.Context, a *Assessment, prevDateAssessed string) error

	// ListAssessments returns a filtered, sorted page.
	ListAssessments(ctx context.Context, filter AssessmentFilter, page AssessmentPage) (*AssessmentList, error)

	// FeedAssessments returns records strictly after the cursor token,
	// ordered by (dateAssessed, id).
	FeedAssessments(ctx context.Context, req FeedRequest) ([]*Assessment, error)

	// DistinctFilterValues returns the distinct stored values of a
	// whitelisted filter column, for the filter-values endpoint.
	DistinctFilterValues(ctx context.Context, field string) ([]string, error)

	// Snapshot operations
	SaveSnapshot(ctx context.Context, snap *TenderSnapshot) error
	GetSnapshot(ctx context.Context, tenderID string) (*TenderSnapshot, error)
	ListSnapshotsByEntity(ctx context.Context, edrpou string, since time.Time) ([]*TenderSnapshot, error)

	// Expression rule configuration operations
	SaveExprRule(ctx context.Context, rule *ExprRuleConfig) error
	GetExprRule(ctx context.Context, ruleID string) (*ExprRuleConfig, error)
	ListExprRules(ctx context.Context) ([]*ExprRuleConfig, error)
	DeleteExprRule(ctx context.Context, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// QueryTimeout bounds list/report queries; ErrQueryTimeout past it.
	QueryTimeout time.Duration

	// CountHorizon caps the total reported by ListAssessments.
	CountHorizon int
}
