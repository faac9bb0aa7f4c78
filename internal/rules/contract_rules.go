package rules

import (
	"context"

	"github.com/opensource-procurement/harrier/internal/domain"
	"github.com/opensource-procurement/harrier/internal/temporal"
)

// contractEligible applies the shared contract-rule gate: status lists for
// both the contract and its tender, plus the tender-level metadata.
func contractEligible(meta domain.RuleMeta, c *domain.Contract, t *domain.Tender) bool {
	if len(meta.ContractStatuses) > 0 {
		ok := false
		for _, s := range meta.ContractStatuses {
			if c.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return meta.TenderMatches(t, domain.MatchOpts{SkipStatus: true, CheckValue: meta.ValueForWorks > 0 || meta.ValueForServices > 0})
}

// ShortWorksContractRule flags high-value works contracts scheduled over a
// period too short for the work to plausibly happen.
type ShortWorksContractRule struct {
	meta    domain.RuleMeta
	deps    Deps
	minDays int
}

func (r *ShortWorksContractRule) Meta() domain.RuleMeta { return r.meta }

func (r *ShortWorksContractRule) ProcessContract(ctx context.Context, c *domain.Contract, t *domain.Tender) ([]domain.RiskFinding, error) {
	if c.Status == r.meta.StopAssessmentStatus {
		return []domain.RiskFinding{domain.ContractFinding(domain.UsePreviousResult, c.ID)}, nil
	}
	if !contractEligible(r.meta, c, t) {
		return []domain.RiskFinding{domain.ContractFinding(domain.RiskNotFound, c.ID)}, nil
	}
	if c.Period == nil || c.Period.StartDate == "" || c.Period.EndDate == "" {
		return []domain.RiskFinding{domain.ContractFinding(domain.RiskNotFound, c.ID)}, nil
	}
	days, err := temporal.CountDaysBetween(c.Period.EndDate, c.Period.StartDate)
	if err != nil {
		return []domain.RiskFinding{domain.ContractFinding(domain.RiskNotFound, c.ID)}, nil
	}
	if days >= 0 && days < r.minDays {
		return []domain.RiskFinding{domain.ContractFinding(domain.RiskFound, c.ID)}, nil
	}
	return []domain.RiskFinding{domain.ContractFinding(domain.RiskNotFound, c.ID)}, nil
}

// PriceChangeRule flags contracts whose price was amended repeatedly within
// the modification window after signing.
type PriceChangeRule struct {
	meta       domain.RuleMeta
	deps       Deps
	maxChanges int
	windowDays int
}

func (r *PriceChangeRule) Meta() domain.RuleMeta { return r.meta }

func (r *PriceChangeRule) ProcessContract(ctx context.Context, c *domain.Contract, t *domain.Tender) ([]domain.RiskFinding, error) {
	if c.Status == r.meta.StopAssessmentStatus {
		return []domain.RiskFinding{domain.ContractFinding(domain.UsePreviousResult, c.ID)}, nil
	}
	if !contractEligible(r.meta, c, t) || c.DateSigned == "" {
		return []domain.RiskFinding{domain.ContractFinding(domain.RiskNotFound, c.ID)}, nil
	}

	count := 0
	for _, ch := range c.Changes {
		if ch.Status != "active" || ch.DateSigned == "" {
			continue
		}
		if !hasRationale(ch, "itemPriceVariation") {
			continue
		}
		days, err := temporal.CountDaysBetween(ch.DateSigned, c.DateSigned)
		if err != nil || days < 0 || days > r.windowDays {
			continue
		}
		count++
	}
	if count > r.maxChanges {
		return []domain.RiskFinding{domain.ContractFinding(domain.RiskFound, c.ID)}, nil
	}
	return []domain.RiskFinding{domain.ContractFinding(domain.RiskNotFound, c.ID)}, nil
}

func hasRationale(ch domain.Change, rationale string) bool {
	for _, rt := range ch.RationaleTypes {
		if rt == rationale {
			return true
		}
	}
	return false
}

// AdvancePaymentRule flags prepayment milestones that exceed the allowed
// share of the contract value or stretch past the allowed term.
type AdvancePaymentRule struct {
	meta          domain.RuleMeta
	deps          Deps
	maxPercentage float64
	maxTermDays   int
}

func (r *AdvancePaymentRule) Meta() domain.RuleMeta { return r.meta }

func (r *AdvancePaymentRule) ProcessContract(ctx context.Context, c *domain.Contract, t *domain.Tender) ([]domain.RiskFinding, error) {
	if c.Status == r.meta.StopAssessmentStatus {
		return []domain.RiskFinding{domain.ContractFinding(domain.UsePreviousResult, c.ID)}, nil
	}
	if !contractEligible(r.meta, c, t) {
		return []domain.RiskFinding{domain.ContractFinding(domain.RiskNotFound, c.ID)}, nil
	}

	milestones := c.Milestones
	if len(milestones) == 0 {
		milestones = t.Milestones
	}
	m := FindMilestone(milestones, "prepayment")
	if m == nil {
		return []domain.RiskFinding{domain.ContractFinding(domain.RiskNotFound, c.ID)}, nil
	}
	if m.Percentage > r.maxPercentage {
		return []domain.RiskFinding{domain.ContractFinding(domain.RiskFound, c.ID)}, nil
	}
	if m.Duration != nil {
		days := m.Duration.Days
		if m.Duration.Type == "working" || m.Duration.Type == "banking" {
			// Rough calendar equivalent; statutory terms are quoted both ways.
			days = days * 7 / 5
		}
		if days > r.maxTermDays {
			return []domain.RiskFinding{domain.ContractFinding(domain.RiskFound, c.ID)}, nil
		}
	}
	return []domain.RiskFinding{domain.ContractFinding(domain.RiskNotFound, c.ID)}, nil
}
