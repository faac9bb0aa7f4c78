package assess

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-procurement/harrier/internal/domain"
)

// fakeStore is an in-memory assessment store with the repository's
// conditional-write semantics plus hooks for failure injection.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*domain.Assessment

	// beforeSave runs under the lock before each save attempt; it can mutate
	// the stored record to simulate a concurrent writer.
	beforeSave func(attempt int)
	saveErrs   []error // consumed one per save call, nil entries succeed
	saves      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*domain.Assessment)}
}

func clone(a *domain.Assessment) *domain.Assessment {
	raw, _ := json.Marshal(a)
	var out domain.Assessment
	json.Unmarshal(raw, &out)
	return &out
}

func (s *fakeStore) GetAssessment(ctx context.Context, id string) (*domain.Assessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(rec), nil
}

func (s *fakeStore) SaveAssessment(ctx context.Context, a *domain.Assessment, prev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.beforeSave != nil {
		s.beforeSave(s.saves)
	}
	if len(s.saveErrs) > 0 {
		err := s.saveErrs[0]
		s.saveErrs = s.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	cur := s.records[a.ID]
	if prev == "" {
		if cur != nil {
			return domain.ErrConflict
		}
	} else if cur == nil || cur.DateAssessed != prev {
		return domain.ErrConflict
	}
	s.records[a.ID] = clone(a)
	return nil
}

func testMerger(store Store) *Merger {
	cfg := domain.AssessConfig{
		MaxSaveAttempts:    0,
		RetryBase:          time.Millisecond,
		TerminationCutover: "2024-01-24",
	}
	m := NewMerger(store, cfg, slog.New(slog.DiscardHandler))
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	// Globally unique stamps: a reused version token would defeat the
	// conditional write these tests exercise.
	m.now = func() time.Time {
		return base.Add(time.Duration(testClock.Add(1)) * time.Millisecond)
	}
	return m
}

var testClock atomic.Int64

func mergeTender() *domain.Tender {
	return &domain.Tender{
		ID:          "t-1",
		TenderID:    "UA-2024-01-01-000001-a",
		Status:      "active.qualification",
		DateCreated: "2024-02-01T10:00:00+02:00",
		Value:       &domain.Value{Amount: 1_600_000, Currency: "UAH"},
		ProcuringEntity: domain.ProcuringEntity{
			Identifier: domain.Identifier{Scheme: "UA-EDR", ID: "12345678"},
			Address:    &domain.Address{Region: "Київська область"},
		},
	}
}

func found(rule string) map[string][]domain.RiskFinding {
	return map[string][]domain.RiskFinding{
		rule: {domain.TenderFinding(domain.RiskFound)},
	}
}

func TestMergeCreatesRecord(t *testing.T) {
	store := newFakeStore()
	m := testMerger(store)

	a, err := m.UpdateTenderRisks(context.Background(), mergeTender(), found("sas24-3-1"), map[string]string{"ctr-1": "pending"})
	if err != nil {
		t.Fatalf("UpdateTenderRisks: %v", err)
	}
	if a.DateAssessed == "" {
		t.Error("DateAssessed not stamped")
	}
	recs := a.Risks["sas24-3-1"]
	if len(recs) != 1 || recs[0].Indicator != domain.RiskFound || len(recs[0].History) != 1 {
		t.Fatalf("unexpected records %+v", recs)
	}
	if !reflect.DeepEqual(a.WorkedRisks, []string{"sas24-3-1"}) || !a.HasRisks {
		t.Errorf("worked = %v hasRisks = %v", a.WorkedRisks, a.HasRisks)
	}
	if a.Contracts["ctr-1"] != "pending" {
		t.Errorf("contracts = %v", a.Contracts)
	}
	if a.Region != "Київська область" || a.EDRPOU != "12345678" {
		t.Errorf("filter fields not denormalized: %+v", a)
	}
}

func TestMergeAppendsHistoryOnRerun(t *testing.T) {
	store := newFakeStore()
	m := testMerger(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.UpdateTenderRisks(ctx, mergeTender(), found("sas24-3-1"), nil); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	a, _ := store.GetAssessment(ctx, "t-1")
	recs := a.Risks["sas24-3-1"]
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if len(recs[0].History) != 3 {
		t.Errorf("history length = %d, want 3", len(recs[0].History))
	}
	for i := 1; i < len(recs[0].History); i++ {
		if recs[0].History[i].Date <= recs[0].History[i-1].Date {
			t.Errorf("history dates not increasing: %+v", recs[0].History)
		}
	}
}

func TestMergeUsePreviousResultIsNoOp(t *testing.T) {
	store := newFakeStore()
	m := testMerger(store)
	ctx := context.Background()

	if _, err := m.UpdateTenderRisks(ctx, mergeTender(), found("sas24-3-1"), nil); err != nil {
		t.Fatal(err)
	}
	before, _ := store.GetAssessment(ctx, "t-1")

	frozen := map[string][]domain.RiskFinding{
		"sas24-3-1": {domain.TenderFinding(domain.UsePreviousResult)},
	}
	if _, err := m.UpdateTenderRisks(ctx, mergeTender(), frozen, nil); err != nil {
		t.Fatal(err)
	}
	after, _ := store.GetAssessment(ctx, "t-1")

	if !reflect.DeepEqual(before.Risks, after.Risks) {
		t.Errorf("risks changed under use_previous_result:\nbefore %+v\nafter %+v", before.Risks, after.Risks)
	}
	if !reflect.DeepEqual(before.WorkedRisks, after.WorkedRisks) {
		t.Errorf("workedRisks changed: %v -> %v", before.WorkedRisks, after.WorkedRisks)
	}
}

func TestMergeRetriesOnConflictWithoutLosingHistory(t *testing.T) {
	store := newFakeStore()
	m := testMerger(store)
	ctx := context.Background()

	if _, err := m.UpdateTenderRisks(ctx, mergeTender(), found("sas24-3-1"), nil); err != nil {
		t.Fatal(err)
	}

	// A competing writer lands a different rule's result between our read
	// and our first save, so our conditional write must fail and re-merge.
	competing := testMerger(store)
	first := true
	store.beforeSave = func(attempt int) {
		if !first {
			return
		}
		first = false
		store.mu.Unlock()
		if _, err := competing.UpdateTenderRisks(ctx, mergeTender(), found("sas24-3-2"), nil); err != nil {
			t.Errorf("competing merge: %v", err)
		}
		store.mu.Lock()
	}

	if _, err := m.UpdateTenderRisks(ctx, mergeTender(), found("sas24-3-1"), nil); err != nil {
		t.Fatal(err)
	}

	a, _ := store.GetAssessment(ctx, "t-1")
	if len(a.Risks["sas24-3-1"][0].History) != 2 {
		t.Errorf("sas24-3-1 history = %d, want 2", len(a.Risks["sas24-3-1"][0].History))
	}
	if len(a.Risks["sas24-3-2"]) != 1 {
		t.Error("competing writer's result was lost")
	}
	if !reflect.DeepEqual(a.WorkedRisks, []string{"sas24-3-1", "sas24-3-2"}) {
		t.Errorf("workedRisks = %v", a.WorkedRisks)
	}
}

func TestMergeRetriesTransientErrors(t *testing.T) {
	store := newFakeStore()
	store.saveErrs = []error{errors.New("connection reset"), nil}
	m := testMerger(store)

	if _, err := m.UpdateTenderRisks(context.Background(), mergeTender(), found("sas24-3-1"), nil); err != nil {
		t.Fatalf("UpdateTenderRisks: %v", err)
	}
	if store.saves != 2 {
		t.Errorf("saves = %d, want 2", store.saves)
	}
}

func TestMergeAttemptCeiling(t *testing.T) {
	store := newFakeStore()
	store.saveErrs = []error{domain.ErrConflict, domain.ErrConflict, domain.ErrConflict}
	m := testMerger(store)
	m.cfg.MaxSaveAttempts = 3

	_, err := m.UpdateTenderRisks(context.Background(), mergeTender(), found("sas24-3-1"), nil)
	if err == nil {
		t.Fatal("expected error after attempt ceiling")
	}
	if store.saves != 3 {
		t.Errorf("saves = %d, want 3", store.saves)
	}
}

func TestMergeContractsMapIsMonotonic(t *testing.T) {
	store := newFakeStore()
	m := testMerger(store)
	ctx := context.Background()

	if _, err := m.UpdateTenderRisks(ctx, mergeTender(), nil, map[string]string{"ctr-1": "pending"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpdateTenderRisks(ctx, mergeTender(), nil, map[string]string{"ctr-2": "active"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpdateTenderRisks(ctx, mergeTender(), nil, map[string]string{"ctr-1": "terminated"}); err != nil {
		t.Fatal(err)
	}

	a, _ := store.GetAssessment(ctx, "t-1")
	if a.Contracts["ctr-1"] != "terminated" || a.Contracts["ctr-2"] != "active" {
		t.Errorf("contracts = %v", a.Contracts)
	}
}

func TestMergeTermination(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		created   string
		contracts map[string]string
		want      bool
	}{
		{"cancelled", "cancelled", "2024-02-01T10:00:00+02:00", nil, true},
		{"unsuccessful", "unsuccessful", "2024-02-01T10:00:00+02:00", nil, true},
		{"complete, no live contracts", "complete", "2024-02-01T10:00:00+02:00", map[string]string{"ctr-1": "terminated"}, true},
		{"complete, no contracts observed yet", "complete", "2024-02-01T10:00:00+02:00", nil, false},
		{"complete, live contract", "complete", "2024-02-01T10:00:00+02:00", map[string]string{"ctr-1": "active"}, false},
		{"still running", "active.awarded", "2024-02-01T10:00:00+02:00", nil, false},
		{"predates cutover", "cancelled", "2023-06-01T10:00:00+03:00", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			m := testMerger(store)
			tender := mergeTender()
			tender.Status = tt.status
			tender.DateCreated = tt.created
			a, err := m.UpdateTenderRisks(context.Background(), tender, nil, tt.contracts)
			if err != nil {
				t.Fatal(err)
			}
			if a.Terminated != tt.want {
				t.Errorf("Terminated = %v, want %v", a.Terminated, tt.want)
			}
		})
	}
}

func TestMergeRacingWritersUnion(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	ruleIDs := []string{"sas24-3-1", "sas24-3-2", "sas24-3-3", "sas24-3-4"}
	for _, id := range ruleIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m := testMerger(store)
			if _, err := m.UpdateTenderRisks(ctx, mergeTender(), found(id), nil); err != nil {
				t.Errorf("merge %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	a, err := store.GetAssessment(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.WorkedRisks, ruleIDs) {
		t.Errorf("workedRisks = %v, want %v", a.WorkedRisks, ruleIDs)
	}
	for _, id := range ruleIDs {
		if len(a.Risks[id]) != 1 || len(a.Risks[id][0].History) != 1 {
			t.Errorf("rule %s records = %+v", id, a.Risks[id])
		}
	}
}
