// Package rules implements the risk rule catalogue: the statically registered
// built-in rules plus the CEL engine for operator-defined expression rules.
package rules

import (
	"context"
	"time"

	"github.com/opensource-procurement/harrier/internal/domain"
	"github.com/opensource-procurement/harrier/internal/temporal"
)

// SnapshotLister looks up stored tenders of a procuring entity, for rules
// that reason over purchasing history.
type SnapshotLister interface {
	ListSnapshotsByEntity(ctx context.Context, edrpou string, since time.Time) ([]*domain.TenderSnapshot, error)
}

// RateConverter converts monetary values to UAH at a historical date.
type RateConverter interface {
	ValueAt(ctx context.Context, amount float64, currency string, date time.Time) (float64, error)
}

// Deps are the shared services injected into the built-in catalogue.
type Deps struct {
	Snapshots SnapshotLister
	Rates     RateConverter

	// Now provides the assessment clock; nil means time.Now.
	Now func() time.Time

	// Accelerator compresses statutory periods in test environments.
	Accelerator int
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Complaints collects complaints matching any of the given statuses from the
// tender itself and from its awards, qualifications and cancellations.
func Complaints(t *domain.Tender, statuses ...string) []domain.Complaint {
	match := func(c domain.Complaint) bool {
		for _, s := range statuses {
			if c.Status == s {
				return true
			}
		}
		return len(statuses) == 0
	}
	var out []domain.Complaint
	for _, c := range t.Complaints {
		if match(c) {
			out = append(out, c)
		}
	}
	for _, a := range t.Awards {
		for _, c := range a.Complaints {
			if match(c) {
				out = append(out, c)
			}
		}
	}
	for _, q := range t.Qualifications {
		for _, c := range q.Complaints {
			if match(c) {
				out = append(out, c)
			}
		}
	}
	for _, cn := range t.Cancellations {
		for _, c := range cn.Complaints {
			if match(c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// LotAwards returns the tender's awards for the given lot; an empty lotID
// matches awards without lot attribution (single-lot procedures).
func LotAwards(t *domain.Tender, lotID string) []domain.Award {
	var out []domain.Award
	for _, a := range t.Awards {
		if a.LotID == lotID {
			out = append(out, a)
		}
	}
	return out
}

// CountDisqualifications counts unsuccessful awards on the lot.
func CountDisqualifications(t *domain.Tender, lotID string) int {
	n := 0
	for _, a := range LotAwards(t, lotID) {
		if a.Status == "unsuccessful" {
			n++
		}
	}
	return n
}

// WinnerAwarded reports whether the award is an active winner whose statutory
// objection window of graceDays has already passed at now. An explicit
// complaint period end wins over the grace heuristic.
func WinnerAwarded(a *domain.Award, graceDays int, now time.Time, accelerator int) bool {
	if a.Status != "active" {
		return false
	}
	if a.ComplaintPeriod != nil && a.ComplaintPeriod.EndDate != "" {
		end, err := temporal.ParseDate(a.ComplaintPeriod.EndDate)
		if err == nil {
			return now.After(end)
		}
	}
	if a.Date == "" {
		return false
	}
	awarded, err := temporal.ParseDate(a.Date)
	if err != nil {
		return false
	}
	var opts []temporal.Option
	if accelerator > 1 {
		opts = append(opts, temporal.Accelerated(accelerator))
	}
	return now.After(temporal.EndDate(awarded, graceDays, opts...))
}

// ActiveWinner returns the lot's awarded winner past its objection window,
// or nil.
func ActiveWinner(t *domain.Tender, lotID string, graceDays int, now time.Time, accelerator int) *domain.Award {
	for _, a := range LotAwards(t, lotID) {
		if WinnerAwarded(&a, graceDays, now, accelerator) {
			return &a
		}
	}
	return nil
}

// FindMilestone returns the first milestone with the given code, or nil.
func FindMilestone(ms []domain.Milestone, code string) *domain.Milestone {
	for i := range ms {
		if ms[i].Code == code {
			return &ms[i]
		}
	}
	return nil
}

// lotIDs returns the distinct lot identifiers of the tender, or the single
// empty id for procedures without lots.
func lotIDs(t *domain.Tender) []string {
	if len(t.Lots) == 0 {
		return []string{""}
	}
	ids := make([]string, 0, len(t.Lots))
	for _, lot := range t.Lots {
		ids = append(ids, lot.ID)
	}
	return ids
}

// lotValue returns the value the lot competes on: the lot's own value when
// present, otherwise the tender value.
func lotValue(t *domain.Tender, lotID string) *domain.Value {
	for _, lot := range t.Lots {
		if lot.ID == lotID {
			if lot.Value != nil {
				return lot.Value
			}
			break
		}
	}
	return t.Value
}
