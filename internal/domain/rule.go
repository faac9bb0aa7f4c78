package domain

import (
	"context"
	"errors"
	"time"
)

// ErrSkipAssessment signals that the object is not yet stable enough to
// assess. It is control flow, not failure: the orchestrator aborts the whole
// batch for the object and the next crawl cycle retries it.
var ErrSkipAssessment = errors.New("assessment skipped: object not stable yet")

// RuleMeta is the static descriptor every rule carries. Identifiers are stable
// and globally unique; the owner tag namespaces rules across programs.
type RuleMeta struct {
	ID               string `json:"id"`
	Owner            string `json:"owner,omitempty"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	Legitimateness   string `json:"legitimateness,omitempty"`
	DevelopmentBasis string `json:"developmentBasis,omitempty"`

	ProcurementMethods    []string `json:"procurementMethods,omitempty"`
	TenderStatuses        []string `json:"tenderStatuses,omitempty"`
	ProcurementCategories []string `json:"procurementCategories,omitempty"`
	ProcuringEntityKinds  []string `json:"procuringEntityKinds,omitempty"`
	ContractStatuses      []string `json:"contractStatuses,omitempty"`

	// Minimum value thresholds per procurement category; zero means no floor.
	ValueForServices float64 `json:"valueForServices,omitempty"`
	ValueForWorks    float64 `json:"valueForWorks,omitempty"`

	// Validity window [StartDate, EndDate), "2006-01-02" layout, either side
	// may be empty (open).
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`

	// StopAssessmentStatus freezes the rule: at this object status the rule
	// reports UsePreviousResult instead of re-evaluating.
	StopAssessmentStatus string `json:"stopAssessmentStatus,omitempty"`
}

const metaDateLayout = "2006-01-02"

// ActiveAt reports whether the validity window contains now (end exclusive).
func (m RuleMeta) ActiveAt(now time.Time) bool {
	if m.EndDate != "" {
		if end, err := time.Parse(metaDateLayout, m.EndDate); err == nil && !now.Before(end) {
			return false
		}
	}
	return true
}

// AppliesTo reports whether an object created at dateCreated falls inside the
// rule's phase-in window.
func (m RuleMeta) AppliesTo(dateCreated string) bool {
	if m.StartDate == "" || dateCreated == "" {
		return true
	}
	start, err := time.Parse(metaDateLayout, m.StartDate)
	if err != nil {
		return true
	}
	created, err := time.Parse(time.RFC3339, dateCreated)
	if err != nil {
		return true
	}
	y, mo, d := created.Date()
	return !time.Date(y, mo, d, 0, 0, 0, 0, time.UTC).Before(start)
}

// MatchOpts toggles which eligibility dimensions TenderMatches checks.
type MatchOpts struct {
	SkipStatus   bool
	SkipCategory bool
	CheckValue   bool
}

// TenderMatches applies the declarative eligibility metadata to a tender.
// Rules call this themselves; an ineligible object is a fresh RiskNotFound,
// never an error.
func (m RuleMeta) TenderMatches(t *Tender, opts MatchOpts) bool {
	if len(m.ProcurementMethods) > 0 && !contains(m.ProcurementMethods, t.ProcurementMethodType) {
		return false
	}
	if !opts.SkipStatus && len(m.TenderStatuses) > 0 && !contains(m.TenderStatuses, t.Status) {
		return false
	}
	if !opts.SkipCategory && len(m.ProcurementCategories) > 0 && !contains(m.ProcurementCategories, t.MainProcurementCategory) {
		return false
	}
	if len(m.ProcuringEntityKinds) > 0 && !contains(m.ProcuringEntityKinds, t.ProcuringEntity.Kind) {
		return false
	}
	if opts.CheckValue {
		if t.Value == nil {
			return false
		}
		threshold := m.ValueForServices
		if t.MainProcurementCategory == "works" {
			threshold = m.ValueForWorks
		}
		if threshold > 0 && t.Value.Amount < threshold {
			return false
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}

// TenderRule assesses a tender. Implementations are stateless and
// side-effect-free apart from read-only lookups through injected services.
type TenderRule interface {
	Meta() RuleMeta
	ProcessTender(ctx context.Context, tender *Tender) ([]RiskFinding, error)
}

// ContractRule assesses a contract in the context of its owning tender.
type ContractRule interface {
	Meta() RuleMeta
	ProcessContract(ctx context.Context, contract *Contract, tender *Tender) ([]RiskFinding, error)
}

// ExprRuleConfig is an operator-defined expression rule stored alongside the
// built-in registry. The expression evaluates against a tender and yields a
// boolean risk verdict.
type ExprRuleConfig struct {
	Meta       RuleMeta `json:"meta"`
	Expression string   `json:"expression"`
	Enabled    bool     `json:"enabled"`
	Version    string   `json:"version"`
}
