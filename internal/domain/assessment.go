// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"slices"
	"time"
)

// Indicator is the verdict a risk rule assigns to a tender or contract.
type Indicator string

const (
	// RiskFound means the rule's red-flag condition holds.
	RiskFound Indicator = "risk_found"

	// RiskNotFound is a fresh determination that the condition does not hold.
	RiskNotFound Indicator = "risk_not_found"

	// UsePreviousResult freezes the stored record: the merge engine must not
	// overwrite the indicator or append a history entry.
	UsePreviousResult Indicator = "use_previous_result"

	// LowQualityData means the object lacks the fields needed for assessment.
	LowQualityData Indicator = "low_quality_data"

	// CannotBeAssessed is kept for records written by retired rule generations.
	CannotBeAssessed Indicator = "can_not_be_assessed"
)

// DateFormat is the canonical timestamp layout stored in assessment documents.
// Fixed fractional digits keep the stored strings lexicographically sortable,
// which the feed endpoint relies on.
const DateFormat = "2006-01-02T15:04:05.000000Z07:00"

// FormatDate renders t in the canonical stored layout (UTC).
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateFormat)
}

// ItemRef ties a risk record to a specific sub-object of the tender.
type ItemRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// HistoryEntry is one append-only audit log line for a rule's sub-item record.
type HistoryEntry struct {
	Date      string    `json:"date"`
	Indicator Indicator `json:"indicator"`
}

// RiskRecord is the current verdict of one rule for one sub-item, plus the
// full log of past assessments. History only ever grows.
type RiskRecord struct {
	Indicator Indicator      `json:"indicator"`
	Date      string         `json:"date"`
	Item      *ItemRef       `json:"item,omitempty"`
	History   []HistoryEntry `json:"history"`
}

// SubItemKey identifies which sub-object a record belongs to. Records without
// an item reference describe the tender itself.
func (r *RiskRecord) SubItemKey() string {
	if r.Item == nil {
		return SubItemTender
	}
	return r.Item.ID
}

// SubItemTender is the implicit sub-item key for tender-level records.
const SubItemTender = "tender"

// RiskFinding is the raw output of a single rule evaluation, before the result
// is stamped with a date and merged into the stored document.
type RiskFinding struct {
	Type      string    `json:"type"` // "tender" or "contract"
	ID        string    `json:"id,omitempty"`
	Indicator Indicator `json:"indicator"`
}

// TenderFinding builds a tender-level finding.
func TenderFinding(indicator Indicator) RiskFinding {
	return RiskFinding{Type: SubItemTender, Indicator: indicator}
}

// ContractFinding builds a contract-level finding bound to a contract id.
func ContractFinding(indicator Indicator, contractID string) RiskFinding {
	return RiskFinding{Type: "contract", ID: contractID, Indicator: indicator}
}

// SubItemKey returns the merge grouping key for the finding.
func (f RiskFinding) SubItemKey() string {
	if f.Type == SubItemTender || f.ID == "" {
		return SubItemTender
	}
	return f.ID
}

// Assessment is the accumulated risk history for one tender. One document per
// tender id; created on first merge, mutated forever after, never deleted.
type Assessment struct {
	ID       string `json:"id"`
	TenderID string `json:"tenderID,omitempty"`

	// Risks maps rule identifier to its sub-item records.
	Risks map[string][]RiskRecord `json:"risks"`

	// WorkedRisks lists rule ids currently in triggered state. Derived:
	// recomputed in full on every merge, kept sorted for determinism.
	WorkedRisks []string `json:"workedRisks"`

	// HasRisks is true iff WorkedRisks is non-empty.
	HasRisks bool `json:"hasRisks"`

	// DateAssessed is the timestamp of the last merge that carried fresh rule
	// results. It doubles as the optimistic-concurrency version token.
	DateAssessed string `json:"dateAssessed,omitempty"`

	// Contracts maps contract id to its last observed status. Keys only ever
	// accumulate; values are overwritten as statuses change.
	Contracts map[string]string `json:"contracts,omitempty"`

	// Terminated is true once the tender and all its contracts can no longer
	// change, so crawl cycles may stop re-assessing it.
	Terminated bool `json:"terminated"`

	Status       string `json:"status,omitempty"`
	DateCreated  string `json:"dateCreated,omitempty"`
	DateModified string `json:"dateModified,omitempty"`

	// Denormalized filter fields, copied from the source tender.
	Region          string           `json:"procuringEntityRegion,omitempty"`
	EDRPOU          string           `json:"procuringEntityEDRPOU,omitempty"`
	Value           *Value           `json:"value,omitempty"`
	ProcuringEntity *ProcuringEntity `json:"procuringEntity,omitempty"`
}

// RecomputeWorked rebuilds WorkedRisks and HasRisks from the full record set.
// It is never patched incrementally, so it cannot drift from Risks.
func (a *Assessment) RecomputeWorked() {
	worked := make([]string, 0, len(a.Risks))
	for ruleID, records := range a.Risks {
		for _, rec := range records {
			if rec.Indicator == RiskFound {
				worked = append(worked, ruleID)
				break
			}
		}
	}
	slices.Sort(worked)
	a.WorkedRisks = worked
	a.HasRisks = len(worked) > 0
}

// Public returns a copy with internal-only denormalized filter fields cleared,
// the shape served by the read API.
func (a *Assessment) Public() *Assessment {
	pub := *a
	pub.Region = ""
	pub.EDRPOU = ""
	return &pub
}
