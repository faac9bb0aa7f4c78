package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-procurement/harrier/internal/domain"
	"github.com/opensource-procurement/harrier/internal/temporal"
)

// SupplierConcentrationRule flags buyers that keep awarding the same
// procurement subject to one supplier. It totals the buyer's awards over the
// lookback window, in UAH at historical rates, per (subject, supplier) pair.
type SupplierConcentrationRule struct {
	meta           domain.RuleMeta
	deps           Deps
	lookback       time.Duration
	totalThreshold float64
}

func (r *SupplierConcentrationRule) Meta() domain.RuleMeta { return r.meta }

func (r *SupplierConcentrationRule) ProcessTender(ctx context.Context, t *domain.Tender) ([]domain.RiskFinding, error) {
	if t.Status == r.meta.StopAssessmentStatus {
		return []domain.RiskFinding{domain.TenderFinding(domain.UsePreviousResult)}, nil
	}
	if !r.meta.TenderMatches(t, domain.MatchOpts{CheckValue: true}) {
		return []domain.RiskFinding{domain.TenderFinding(domain.RiskNotFound)}, nil
	}

	subject := domain.SubjectOfProcurement(t.Items)
	supplier := winningSupplier(t)
	if subject == "" || supplier == "" {
		return []domain.RiskFinding{domain.TenderFinding(domain.RiskNotFound)}, nil
	}

	now := r.deps.now()
	snaps, err := r.deps.Snapshots.ListSnapshotsByEntity(ctx, t.EDRPOU(), now.Add(-r.lookback))
	if err != nil {
		return nil, fmt.Errorf("list entity history: %w", err)
	}

	total, err := r.totalUAH(ctx, t, now)
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		if snap.Tender == nil || snap.Tender.ID == t.ID || snap.Subject != subject {
			continue
		}
		if winningSupplier(snap.Tender) != supplier {
			continue
		}
		v, err := r.totalUAH(ctx, snap.Tender, now)
		if err != nil {
			return nil, err
		}
		total += v
	}

	if total > r.totalThreshold {
		return []domain.RiskFinding{domain.TenderFinding(domain.RiskFound)}, nil
	}
	return []domain.RiskFinding{domain.TenderFinding(domain.RiskNotFound)}, nil
}

// totalUAH converts the tender value to UAH at its creation date. A missing
// rate for the day means the rate table is not out yet, so the assessment is
// deferred rather than failed.
func (r *SupplierConcentrationRule) totalUAH(ctx context.Context, t *domain.Tender, now time.Time) (float64, error) {
	if t.Value == nil {
		return 0, nil
	}
	date := now
	if t.DateCreated != "" {
		if parsed, err := temporal.ParseDate(t.DateCreated); err == nil {
			date = parsed
		}
	}
	v, err := r.deps.Rates.ValueAt(ctx, t.Value.Amount, t.Value.Currency, date)
	if err != nil {
		return 0, domain.ErrSkipAssessment
	}
	return v, nil
}

// winningSupplier returns the identifier of the supplier on the tender's
// first active contract or award.
func winningSupplier(t *domain.Tender) string {
	for _, c := range t.Contracts {
		if !domain.ActiveContractStates[c.Status] {
			continue
		}
		for _, s := range c.Suppliers {
			return s.Identifier.String()
		}
	}
	return ""
}
