// Package assess runs the rule catalogue over procurement objects and merges
// the results into the stored risk history.
package assess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-procurement/harrier/internal/domain"
	"github.com/opensource-procurement/harrier/internal/rules"
)

// Batch is one assessment run's output. Results is keyed by rule identifier;
// Skipped means a rule judged the object not stable yet and the whole batch
// must be discarded without merging.
type Batch struct {
	Results map[string][]domain.RiskFinding
	Skipped bool
}

// Processor invokes the catalogue in registration order, gating each rule on
// its validity window and phase-in date before it runs.
type Processor struct {
	registry *rules.Registry
	expr     *rules.ExprEngine
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor creates a processor. expr may be nil when expression rules are
// not configured.
func NewProcessor(registry *rules.Registry, expr *rules.ExprEngine, logger *slog.Logger) *Processor {
	return &Processor{
		registry: registry,
		expr:     expr,
		logger:   logger.With("component", "processor"),
		now:      time.Now,
	}
}

// ProcessTender runs all applicable tender rules plus loaded expression rules.
func (p *Processor) ProcessTender(ctx context.Context, tender *domain.Tender) (*Batch, error) {
	batch := &Batch{Results: make(map[string][]domain.RiskFinding)}
	now := p.now()

	for _, rule := range p.registry.TenderRules() {
		meta := rule.Meta()
		if !p.applicable(meta, tender.DateCreated, now) {
			continue
		}
		findings, err := rule.ProcessTender(ctx, tender)
		if err != nil {
			if errors.Is(err, domain.ErrSkipAssessment) {
				p.logger.Debug("assessment deferred", "rule", meta.ID, "tender", tender.ID)
				return &Batch{Skipped: true}, nil
			}
			return nil, fmt.Errorf("rule %s: %w", meta.ID, err)
		}
		batch.Results[meta.ID] = findings
	}

	if p.expr != nil {
		exprResults, err := p.expr.EvaluateAll(ctx, tender)
		if err != nil {
			return nil, fmt.Errorf("expression rules: %w", err)
		}
		for _, res := range exprResults {
			if !p.applicable(res.Meta, tender.DateCreated, now) {
				continue
			}
			batch.Results[res.Meta.ID] = []domain.RiskFinding{res.Finding}
		}
	}
	return batch, nil
}

// ProcessContract runs all applicable contract rules for one contract in the
// context of its owning tender.
func (p *Processor) ProcessContract(ctx context.Context, contract *domain.Contract, tender *domain.Tender) (*Batch, error) {
	batch := &Batch{Results: make(map[string][]domain.RiskFinding)}
	now := p.now()

	for _, rule := range p.registry.ContractRules() {
		meta := rule.Meta()
		if !p.applicable(meta, contract.DateCreated, now) {
			continue
		}
		findings, err := rule.ProcessContract(ctx, contract, tender)
		if err != nil {
			if errors.Is(err, domain.ErrSkipAssessment) {
				p.logger.Debug("assessment deferred", "rule", meta.ID, "contract", contract.ID)
				return &Batch{Skipped: true}, nil
			}
			return nil, fmt.Errorf("rule %s: %w", meta.ID, err)
		}
		batch.Results[meta.ID] = findings
	}
	return batch, nil
}

func (p *Processor) applicable(meta domain.RuleMeta, dateCreated string, now time.Time) bool {
	return meta.ActiveAt(now) && meta.AppliesTo(dateCreated)
}
