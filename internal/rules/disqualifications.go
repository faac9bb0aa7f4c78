package rules

import (
	"context"

	"github.com/opensource-procurement/harrier/internal/domain"
)

// RepeatedDisqualificationRule flags lots where the buyer disqualified
// several bids before settling on a winner.
type RepeatedDisqualificationRule struct {
	meta    domain.RuleMeta
	deps    Deps
	minimum int
}

func (r *RepeatedDisqualificationRule) Meta() domain.RuleMeta { return r.meta }

func (r *RepeatedDisqualificationRule) ProcessTender(ctx context.Context, t *domain.Tender) ([]domain.RiskFinding, error) {
	if t.Status == r.meta.StopAssessmentStatus {
		return []domain.RiskFinding{domain.TenderFinding(domain.UsePreviousResult)}, nil
	}
	if !r.meta.TenderMatches(t, domain.MatchOpts{}) {
		return []domain.RiskFinding{domain.TenderFinding(domain.RiskNotFound)}, nil
	}

	now := r.deps.now()
	for _, lotID := range lotIDs(t) {
		if CountDisqualifications(t, lotID) < r.minimum {
			continue
		}
		if ActiveWinner(t, lotID, winnerAwardedGraceDays, now, r.deps.Accelerator) != nil {
			return []domain.RiskFinding{domain.TenderFinding(domain.RiskFound)}, nil
		}
	}
	return []domain.RiskFinding{domain.TenderFinding(domain.RiskNotFound)}, nil
}
