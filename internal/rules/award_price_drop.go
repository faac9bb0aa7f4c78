package rules

import (
	"context"

	"github.com/opensource-procurement/harrier/internal/domain"
	"github.com/opensource-procurement/harrier/internal/temporal"
)

// AwardPriceDropRule flags winning offers that undercut the expected lot
// value by more than the configured percentage. A drop that deep usually
// means the subject was under-specified or the offer is not serious.
type AwardPriceDropRule struct {
	meta        domain.RuleMeta
	deps        Deps
	dropPercent float64
}

func (r *AwardPriceDropRule) Meta() domain.RuleMeta { return r.meta }

func (r *AwardPriceDropRule) ProcessTender(ctx context.Context, t *domain.Tender) ([]domain.RiskFinding, error) {
	if t.Status == r.meta.StopAssessmentStatus {
		return []domain.RiskFinding{domain.TenderFinding(domain.UsePreviousResult)}, nil
	}
	if !r.meta.TenderMatches(t, domain.MatchOpts{}) {
		return []domain.RiskFinding{domain.TenderFinding(domain.RiskNotFound)}, nil
	}

	now := r.deps.now()
	for _, lotID := range lotIDs(t) {
		winner := ActiveWinner(t, lotID, winnerAwardedGraceDays, now, r.deps.Accelerator)
		if winner == nil || winner.Value == nil {
			continue
		}
		expected := lotValue(t, lotID)
		if expected == nil || expected.Amount == 0 || expected.Currency != winner.Value.Currency {
			continue
		}
		if temporal.PercentDiff(expected.Amount, winner.Value.Amount) >= r.dropPercent {
			return []domain.RiskFinding{domain.TenderFinding(domain.RiskFound)}, nil
		}
	}
	return []domain.RiskFinding{domain.TenderFinding(domain.RiskNotFound)}, nil
}
