package assess

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/opensource-procurement/harrier/internal/domain"
	"github.com/opensource-procurement/harrier/internal/rules"
)

type stubTenderRule struct {
	meta     domain.RuleMeta
	findings []domain.RiskFinding
	err      error
	calls    int
}

func (r *stubTenderRule) Meta() domain.RuleMeta { return r.meta }

func (r *stubTenderRule) ProcessTender(ctx context.Context, t *domain.Tender) ([]domain.RiskFinding, error) {
	r.calls++
	return r.findings, r.err
}

type stubContractRule struct {
	meta     domain.RuleMeta
	findings []domain.RiskFinding
	err      error
}

func (r *stubContractRule) Meta() domain.RuleMeta { return r.meta }

func (r *stubContractRule) ProcessContract(ctx context.Context, c *domain.Contract, t *domain.Tender) ([]domain.RiskFinding, error) {
	return r.findings, r.err
}

func testProcessor(reg *rules.Registry) *Processor {
	p := NewProcessor(reg, nil, slog.New(slog.DiscardHandler))
	p.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestProcessTenderCollectsResults(t *testing.T) {
	reg := &rules.Registry{}
	reg.RegisterTender(&stubTenderRule{
		meta:     domain.RuleMeta{ID: "a-1"},
		findings: []domain.RiskFinding{domain.TenderFinding(domain.RiskFound)},
	})
	reg.RegisterTender(&stubTenderRule{
		meta:     domain.RuleMeta{ID: "a-2"},
		findings: []domain.RiskFinding{domain.TenderFinding(domain.RiskNotFound)},
	})

	batch, err := testProcessor(reg).ProcessTender(context.Background(), &domain.Tender{ID: "t-1"})
	if err != nil {
		t.Fatalf("ProcessTender: %v", err)
	}
	if batch.Skipped {
		t.Fatal("unexpected skip")
	}
	if len(batch.Results) != 2 {
		t.Fatalf("results = %v", batch.Results)
	}
	if batch.Results["a-1"][0].Indicator != domain.RiskFound {
		t.Errorf("a-1 = %+v", batch.Results["a-1"])
	}
}

func TestProcessTenderSkipAbortsBatch(t *testing.T) {
	reg := &rules.Registry{}
	reg.RegisterTender(&stubTenderRule{
		meta:     domain.RuleMeta{ID: "a-1"},
		findings: []domain.RiskFinding{domain.TenderFinding(domain.RiskFound)},
	})
	reg.RegisterTender(&stubTenderRule{
		meta: domain.RuleMeta{ID: "a-2"},
		err:  domain.ErrSkipAssessment,
	})

	batch, err := testProcessor(reg).ProcessTender(context.Background(), &domain.Tender{ID: "t-1"})
	if err != nil {
		t.Fatalf("ProcessTender: %v", err)
	}
	if !batch.Skipped {
		t.Fatal("batch not skipped")
	}
	if len(batch.Results) != 0 {
		t.Errorf("skipped batch carries results: %v", batch.Results)
	}
}

func TestProcessTenderRuleErrorPropagates(t *testing.T) {
	reg := &rules.Registry{}
	reg.RegisterTender(&stubTenderRule{
		meta: domain.RuleMeta{ID: "a-1"},
		err:  errors.New("backend down"),
	})
	_, err := testProcessor(reg).ProcessTender(context.Background(), &domain.Tender{ID: "t-1"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestProcessTenderGatesByWindows(t *testing.T) {
	retired := &stubTenderRule{
		meta:     domain.RuleMeta{ID: "old", EndDate: "2024-01-01"},
		findings: []domain.RiskFinding{domain.TenderFinding(domain.RiskFound)},
	}
	phasedIn := &stubTenderRule{
		meta:     domain.RuleMeta{ID: "new", StartDate: "2024-01-01"},
		findings: []domain.RiskFinding{domain.TenderFinding(domain.RiskFound)},
	}
	reg := &rules.Registry{}
	reg.RegisterTender(retired)
	reg.RegisterTender(phasedIn)
	p := testProcessor(reg)

	batch, err := p.ProcessTender(context.Background(), &domain.Tender{ID: "t-1", DateCreated: "2023-06-01T10:00:00+03:00"})
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Results) != 0 {
		t.Errorf("both windows should gate a 2023 tender at a 2024 clock: %v", batch.Results)
	}
	if retired.calls != 0 || phasedIn.calls != 0 {
		t.Errorf("gated rules were invoked: retired=%d phased=%d", retired.calls, phasedIn.calls)
	}

	batch, err = p.ProcessTender(context.Background(), &domain.Tender{ID: "t-2", DateCreated: "2024-02-01T10:00:00+02:00"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := batch.Results["new"]; !ok {
		t.Error("phased-in rule did not run for a 2024 tender")
	}
	if _, ok := batch.Results["old"]; ok {
		t.Error("retired rule ran")
	}
}

func TestProcessContract(t *testing.T) {
	reg := &rules.Registry{}
	reg.RegisterContract(&stubContractRule{
		meta:     domain.RuleMeta{ID: "c-1"},
		findings: []domain.RiskFinding{domain.ContractFinding(domain.RiskFound, "ctr-1")},
	})
	batch, err := testProcessor(reg).ProcessContract(context.Background(), &domain.Contract{ID: "ctr-1"}, &domain.Tender{ID: "t-1"})
	if err != nil {
		t.Fatal(err)
	}
	f := batch.Results["c-1"][0]
	if f.Type != "contract" || f.ID != "ctr-1" || f.Indicator != domain.RiskFound {
		t.Errorf("finding = %+v", f)
	}
}
