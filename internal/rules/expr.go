package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-procurement/harrier/internal/domain"
)

// ExprEngine evaluates operator-defined CEL expression rules alongside the
// built-in catalogue. Expressions see a flattened view of the tender and must
// produce a boolean verdict: true means risk_found.
type ExprEngine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*compiledExpr
	order      []string
	maxWorkers int
}

type compiledExpr struct {
	config  *domain.ExprRuleConfig
	program cel.Program
}

// NewExprEngine creates the expression rule engine.
func NewExprEngine(maxWorkers int) (*ExprEngine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("tender", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("status", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("region", cel.StringType),
		cel.Variable("edrpou", cel.StringType),
		cel.Variable("value_amount", cel.DoubleType),
		cel.Variable("value_currency", cel.StringType),
		cel.Variable("awards_count", cel.IntType),
		cel.Variable("complaints_count", cel.IntType),
		cel.Variable("disqualifications", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &ExprEngine{
		env:        env,
		compiled:   make(map[string]*compiledExpr),
		maxWorkers: maxWorkers,
	}, nil
}

// Validate compiles a rule without loading it.
func (e *ExprEngine) Validate(cfg *domain.ExprRuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, err := e.compile(cfg)
	return err
}

// Reload replaces the loaded rule set. Disabled rules are dropped. Load order
// is preserved so findings merge deterministically.
func (e *ExprEngine) Reload(configs []*domain.ExprRuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled := make(map[string]*compiledExpr)
	var order []string
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		c, err := e.compile(cfg)
		if err != nil {
			return err
		}
		compiled[cfg.Meta.ID] = c
		order = append(order, cfg.Meta.ID)
	}
	e.compiled = compiled
	e.order = order
	return nil
}

// Count returns the number of loaded rules.
func (e *ExprEngine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Loaded returns the loaded rule configurations in load order.
func (e *ExprEngine) Loaded() []*domain.ExprRuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.ExprRuleConfig, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.compiled[id].config)
	}
	return out
}

// ExprResult is one expression rule's verdict on a tender.
type ExprResult struct {
	Meta    domain.RuleMeta
	Finding domain.RiskFinding
}

// EvaluateAll runs every loaded rule against the tender in parallel and
// returns results in load order. An expression error yields risk_not_found
// for that rule rather than failing the batch.
func (e *ExprEngine) EvaluateAll(ctx context.Context, t *domain.Tender) ([]ExprResult, error) {
	e.mu.RLock()
	rules := make([]*compiledExpr, 0, len(e.order))
	for _, id := range e.order {
		rules = append(rules, e.compiled[id])
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil, nil
	}

	activation := activationFor(t)

	results := make([]ExprResult, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *compiledExpr) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			indicator := domain.RiskNotFound
			if t.Status == r.config.Meta.StopAssessmentStatus && r.config.Meta.StopAssessmentStatus != "" {
				indicator = domain.UsePreviousResult
			} else if r.config.Meta.TenderMatches(t, domain.MatchOpts{}) {
				out, _, err := r.program.Eval(activation)
				if err == nil {
					if verdict, ok := out.(types.Bool); ok && bool(verdict) {
						indicator = domain.RiskFound
					}
				}
			}
			results[idx] = ExprResult{
				Meta:    r.config.Meta,
				Finding: domain.TenderFinding(indicator),
			}
		}(i, rule)
	}
	wg.Wait()

	return results, nil
}

func activationFor(t *domain.Tender) map[string]any {
	disqualified := 0
	for _, a := range t.Awards {
		if a.Status == "unsuccessful" {
			disqualified++
		}
	}
	var amount float64
	var currency string
	if t.Value != nil {
		amount = t.Value.Amount
		currency = t.Value.Currency
	}
	return map[string]any{
		"tender": map[string]any{
			"id":           t.ID,
			"tenderID":     t.TenderID,
			"status":       t.Status,
			"dateCreated":  t.DateCreated,
			"dateModified": t.DateModified,
		},
		"status":            t.Status,
		"method":            t.ProcurementMethodType,
		"category":          t.MainProcurementCategory,
		"kind":              t.ProcuringEntity.Kind,
		"region":            t.Region(),
		"edrpou":            t.EDRPOU(),
		"value_amount":      amount,
		"value_currency":    currency,
		"awards_count":      len(t.Awards),
		"complaints_count":  len(Complaints(t)),
		"disqualifications": disqualified,
	}
}

func (e *ExprEngine) compile(cfg *domain.ExprRuleConfig) (*compiledExpr, error) {
	if cfg.Meta.ID == "" {
		return nil, fmt.Errorf("expression rule needs an id")
	}
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile rule %s: %w", cfg.Meta.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.Meta.ID, ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create program for rule %s: %w", cfg.Meta.ID, err)
	}
	return &compiledExpr{config: cfg, program: program}, nil
}
