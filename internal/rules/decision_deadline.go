package rules

import (
	"context"

	"github.com/opensource-procurement/harrier/internal/domain"
	"github.com/opensource-procurement/harrier/internal/temporal"
)

// DecisionDeadlineRule flags tenders where a satisfied review-body decision
// is still pending past the statutory deadline. The pre-2024 and 2024
// variants differ only in metadata and day counting, configured per instance.
type DecisionDeadlineRule struct {
	meta         domain.RuleMeta
	deps         Deps
	deadlineDays int
	workingDays  bool
}

func (r *DecisionDeadlineRule) Meta() domain.RuleMeta { return r.meta }

func (r *DecisionDeadlineRule) ProcessTender(ctx context.Context, t *domain.Tender) ([]domain.RiskFinding, error) {
	if t.Status == r.meta.StopAssessmentStatus {
		return []domain.RiskFinding{domain.TenderFinding(domain.UsePreviousResult)}, nil
	}
	if !r.meta.TenderMatches(t, domain.MatchOpts{}) {
		return []domain.RiskFinding{domain.TenderFinding(domain.RiskNotFound)}, nil
	}

	now := r.deps.now()
	for _, c := range Complaints(t, "satisfied") {
		if c.DateDecision == "" {
			continue
		}
		decided, err := temporal.ParseDate(c.DateDecision)
		if err != nil {
			continue
		}
		opts := []temporal.Option{temporal.Normalized()}
		if r.workingDays {
			opts = append(opts, temporal.Working(nil))
		}
		if r.deps.Accelerator > 1 {
			opts = append(opts, temporal.Accelerated(r.deps.Accelerator))
		}
		if now.After(temporal.EndDate(decided, r.deadlineDays, opts...)) {
			return []domain.RiskFinding{domain.TenderFinding(domain.RiskFound)}, nil
		}
	}
	return []domain.RiskFinding{domain.TenderFinding(domain.RiskNotFound)}, nil
}
