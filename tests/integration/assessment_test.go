//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Harrier assessment
// pipeline.
//
// These tests wire the real components together and verify the COMPLETE flow:
//
//	Change event → Fetch → Rules → Merge → Read API
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. TENDER: A public procurement procedure fetched from the upstream API.
//
// 2. RULE: A risk detection pattern from the built-in catalogue. Each rule
//    declares eligibility metadata (procedure types, statuses, validity
//    window) and reports one of: risk_found, risk_not_found,
//    use_previous_result.
//
// 3. MERGE: Rule results are folded into the stored assessment under
//    optimistic concurrency. History is append-only; workedRisks is the
//    derived list of currently triggered rules.
//
// 4. FEED: Consumers page through assessments ordered by dateAssessed.
//
// The upstream procurement API is stubbed with an httptest server; the
// repository is a real SQLite database and the event bus is the in-process
// channel implementation.
package integration

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-procurement/harrier/internal/api"
	"github.com/opensource-procurement/harrier/internal/assess"
	"github.com/opensource-procurement/harrier/internal/bus"
	"github.com/opensource-procurement/harrier/internal/cache"
	"github.com/opensource-procurement/harrier/internal/crawler"
	"github.com/opensource-procurement/harrier/internal/domain"
	"github.com/opensource-procurement/harrier/internal/repository"
	"github.com/opensource-procurement/harrier/internal/rules"
	"github.com/opensource-procurement/harrier/internal/source"
)

// assessmentClock pins the rules' notion of "now" so statutory windows are
// deterministic regardless of when the test runs.
var assessmentClock = time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)

// fixedRates converts everything 1:1, standing in for the national bank feed.
type fixedRates struct{}

func (fixedRates) ValueAt(ctx context.Context, amount float64, currency string, date time.Time) (float64, error) {
	return amount, nil
}

// stack is the fully wired pipeline under test.
type stack struct {
	repo     domain.Repository
	bus      domain.EventBus
	worker   *crawler.Worker
	api      *httptest.Server
	upstream *httptest.Server

	mu       sync.Mutex
	tenders  map[string]*domain.Tender
	assessed chan *domain.Assessment
	alerts   chan crawler.AlertMessage
}

func startStack(t *testing.T) *stack {
	t.Helper()

	s := &stack{
		tenders:  make(map[string]*domain.Tender),
		assessed: make(chan *domain.Assessment, 16),
		alerts:   make(chan crawler.AlertMessage, 16),
	}

	// Stubbed upstream procurement API.
	s.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/tenders/")
		s.mu.Lock()
		tender, ok := s.tenders[id]
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": tender})
	}))
	t.Cleanup(s.upstream.Close)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "harrier-integration.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	s.repo = repo

	eventBus, err := bus.New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 64})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(func() { eventBus.Close() })
	s.bus = eventBus

	logger := slog.New(slog.DiscardHandler)

	client := source.NewClient(domain.SourceConfig{
		BaseURL:      s.upstream.URL,
		Timeout:      5 * time.Second,
		MaxRetries:   3,
		BackoffShort: 10 * time.Millisecond,
		BackoffLong:  10 * time.Millisecond,
	}, logger)

	registry := rules.NewCatalogue(rules.Deps{
		Snapshots: repo,
		Rates:     fixedRates{},
		Now:       func() time.Time { return assessmentClock },
	})

	processor := assess.NewProcessor(registry, nil, logger)
	merger := assess.NewMerger(repo, domain.AssessConfig{
		RetryBase:          time.Millisecond,
		TerminationCutover: "2024-01-24",
	}, logger)

	s.worker = crawler.NewWorker(eventBus, repo, cache.NewLRUCache(128), client, processor, merger, logger)
	if err := s.worker.Start(); err != nil {
		t.Fatalf("failed to start crawler: %v", err)
	}
	t.Cleanup(func() { s.worker.Stop() })

	// Observe pipeline output the way external consumers do.
	ctx := context.Background()
	_, err = eventBus.Subscribe(ctx, domain.TopicAssessed, func(ctx context.Context, msg *domain.Message) error {
		var a domain.Assessment
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			return err
		}
		s.assessed <- &a
		return nil
	})
	if err != nil {
		t.Fatalf("failed to subscribe to assessed topic: %v", err)
	}
	_, err = eventBus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		var alert crawler.AlertMessage
		if err := json.Unmarshal(msg.Payload, &alert); err != nil {
			return err
		}
		s.alerts <- alert
		return nil
	})
	if err != nil {
		t.Fatalf("failed to subscribe to alert topic: %v", err)
	}

	expr, err := rules.NewExprEngine(4)
	if err != nil {
		t.Fatalf("failed to create expression engine: %v", err)
	}

	srv := api.NewServer(
		domain.ServerConfig{Host: "127.0.0.1", Port: 0},
		domain.QueryConfig{MaxListLimit: 100, ReportItemsLimit: 1000},
		repo, nil, registry, expr, "integration-test",
	)
	s.api = httptest.NewServer(srv.Router())
	t.Cleanup(s.api.Close)

	return s
}

// serveTender registers the tender with the stubbed upstream API.
func (s *stack) serveTender(t *domain.Tender) {
	s.mu.Lock()
	s.tenders[t.ID] = t
	s.mu.Unlock()
}

// change publishes a change event and waits for the resulting assessment.
func (s *stack) change(t *testing.T, tenderID string) *domain.Assessment {
	t.Helper()

	payload, _ := json.Marshal(crawler.ChangeMessage{TenderID: tenderID})
	if err := s.bus.Publish(context.Background(), domain.TopicTenderChanged, payload); err != nil {
		t.Fatalf("failed to publish change event: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case a := <-s.assessed:
			if a.ID == tenderID {
				return a
			}
		case <-deadline:
			t.Fatalf("timed out waiting for assessment of %s", tenderID)
			return nil
		}
	}
}

func (s *stack) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()

	resp, err := http.Get(s.api.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s response: %v", path, err)
		}
	}
	return resp
}

// disqualificationTender fires sas24-3-2: two bids disqualified on the lot
// before an awarded winner whose objection window has passed.
func disqualificationTender(id string) *domain.Tender {
	return &domain.Tender{
		ID:                      id,
		TenderID:                "UA-2024-" + id,
		Status:                  "active.qualification",
		ProcurementMethodType:   "aboveThresholdUA",
		MainProcurementCategory: "goods",
		DateCreated:             "2024-03-01T10:00:00Z",
		DateModified:            "2024-04-01T10:00:00Z",
		Value:                   &domain.Value{Amount: 500_000, Currency: "UAH"},
		ProcuringEntity: domain.ProcuringEntity{
			Name:       "Test City Council",
			Kind:       "general",
			Identifier: domain.Identifier{Scheme: "UA-EDR", ID: "11111111"},
			Address:    &domain.Address{Region: "Київська область"},
		},
		Items: []domain.Item{
			{ID: "item-1", Classification: domain.Classification{Scheme: "ДК021", ID: "03111000-2"}},
		},
		Awards: []domain.Award{
			{ID: "award-1", Status: "unsuccessful", Date: "2024-03-05T10:00:00Z"},
			{ID: "award-2", Status: "unsuccessful", Date: "2024-03-10T10:00:00Z"},
			{
				ID: "award-3", Status: "active", Date: "2024-03-15T10:00:00Z",
				ComplaintPeriod: &domain.Period{EndDate: "2024-03-20"},
			},
		},
	}
}

// shortWorksTender fires sas24-3-5: a high-value works contract scheduled
// over 30 days.
func shortWorksTender(id string) *domain.Tender {
	return &domain.Tender{
		ID:                      id,
		TenderID:                "UA-2024-" + id,
		Status:                  "active.qualification",
		ProcurementMethodType:   "aboveThresholdUA",
		MainProcurementCategory: "works",
		DateCreated:             "2024-03-05T10:00:00Z",
		DateModified:            "2024-04-02T10:00:00Z",
		Value:                   &domain.Value{Amount: 1_600_000, Currency: "UAH"},
		ProcuringEntity: domain.ProcuringEntity{
			Name:       "Road Service",
			Kind:       "general",
			Identifier: domain.Identifier{Scheme: "UA-EDR", ID: "22222222"},
			Address:    &domain.Address{Region: "Львівська область"},
		},
		Items: []domain.Item{
			{ID: "item-1", Classification: domain.Classification{Scheme: "ДК021", ID: "45233142-6"}},
		},
		Contracts: []domain.Contract{
			{
				ID:          "contract-1",
				Status:      "active",
				DateCreated: "2024-03-20T10:00:00Z",
				DateSigned:  "2024-03-20T10:00:00Z",
				Value:       &domain.Value{Amount: 1_600_000, Currency: "UAH"},
				Period:      &domain.Period{StartDate: "2024-04-01", EndDate: "2024-05-01"},
			},
		},
	}
}

func TestAssessmentPipeline(t *testing.T) {
	s := startStack(t)

	tender := disqualificationTender("int-disq-1")
	s.serveTender(tender)

	t.Run("ChangeEventProducesAssessment", func(t *testing.T) {
		a := s.change(t, tender.ID)

		if !a.HasRisks {
			t.Error("expected hasRisks after disqualification scenario")
		}
		found := false
		for _, r := range a.WorkedRisks {
			if r == "sas24-3-2" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected sas24-3-2 in workedRisks, got %v", a.WorkedRisks)
		}
		if a.Terminated {
			t.Error("active.qualification tender must not be terminated")
		}
	})

	t.Run("AlertCarriesNewlyWorkedRules", func(t *testing.T) {
		select {
		case alert := <-s.alerts:
			if alert.TenderID != tender.ID {
				t.Errorf("alert for wrong tender: %s", alert.TenderID)
			}
			found := false
			for _, r := range alert.Risks {
				if r == "sas24-3-2" {
					found = true
				}
			}
			if !found {
				t.Errorf("expected sas24-3-2 in alert risks, got %v", alert.Risks)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for alert")
		}
	})

	t.Run("ReassessmentAppendsHistory", func(t *testing.T) {
		first, err := s.repo.GetAssessment(context.Background(), tender.ID)
		if err != nil {
			t.Fatalf("failed to read assessment: %v", err)
		}

		a := s.change(t, tender.ID)
		if a.DateAssessed <= first.DateAssessed {
			t.Errorf("version token did not advance: %s -> %s", first.DateAssessed, a.DateAssessed)
		}

		records := a.Risks["sas24-3-2"]
		if len(records) != 1 {
			t.Fatalf("expected one sub-item record, got %d", len(records))
		}
		if len(records[0].History) < 2 {
			t.Errorf("expected history to grow on reassessment, got %d entries", len(records[0].History))
		}

		// Still risky, but not newly risky: no second alert.
		select {
		case alert := <-s.alerts:
			t.Errorf("unexpected alert on reassessment: %v", alert)
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("ReadAPIHidesFilterFields", func(t *testing.T) {
		var body map[string]any
		resp := s.get(t, "/api/risks/"+tender.ID, &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if _, ok := body["procuringEntityRegion"]; ok {
			t.Error("region must not be exposed by the read API")
		}
		if _, ok := body["procuringEntityEDRPOU"]; ok {
			t.Error("EDRPOU must not be exposed by the read API")
		}
		if body["id"] != tender.ID {
			t.Errorf("expected id %s, got %v", tender.ID, body["id"])
		}
	})
}

func TestContractAssessmentPipeline(t *testing.T) {
	s := startStack(t)

	tender := shortWorksTender("int-works-1")
	s.serveTender(tender)

	a := s.change(t, tender.ID)

	t.Run("ContractRuleFires", func(t *testing.T) {
		found := false
		for _, r := range a.WorkedRisks {
			if r == "sas24-3-5" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected sas24-3-5 in workedRisks, got %v", a.WorkedRisks)
		}

		records := a.Risks["sas24-3-5"]
		if len(records) != 1 {
			t.Fatalf("expected one contract record, got %d", len(records))
		}
		if records[0].Item == nil || records[0].Item.ID != "contract-1" {
			t.Error("contract record must reference the contract id")
		}
	})

	t.Run("ContractStatusTracked", func(t *testing.T) {
		if a.Contracts["contract-1"] != "active" {
			t.Errorf("expected contract-1 tracked as active, got %v", a.Contracts)
		}
	})

	t.Run("SnapshotStored", func(t *testing.T) {
		snaps, err := s.repo.ListSnapshotsByEntity(context.Background(), "22222222", time.Time{})
		if err != nil {
			t.Fatalf("failed to list snapshots: %v", err)
		}
		if len(snaps) != 1 {
			t.Fatalf("expected one snapshot, got %d", len(snaps))
		}
		if snaps[0].Subject == "" {
			t.Error("snapshot must carry the procurement subject")
		}
	})
}

func TestReadSurfaceEndToEnd(t *testing.T) {
	s := startStack(t)

	disq := disqualificationTender("int-list-1")
	works := shortWorksTender("int-list-2")
	s.serveTender(disq)
	s.serveTender(works)
	s.change(t, disq.ID)
	s.change(t, works.ID)

	t.Run("FilteredList", func(t *testing.T) {
		var body struct {
			Items []map[string]any `json:"items"`
			Count int              `json:"count"`
		}
		s.get(t, "/api/risks?risks=sas24-3-5", &body)
		if body.Count != 1 {
			t.Fatalf("expected one works assessment, got %d", body.Count)
		}
		if body.Items[0]["id"] != works.ID {
			t.Errorf("expected %s, got %v", works.ID, body.Items[0]["id"])
		}
	})

	t.Run("Feed", func(t *testing.T) {
		var body struct {
			Data     []map[string]any `json:"data"`
			NextPage *struct {
				Offset string `json:"offset"`
				Path   string `json:"path"`
			} `json:"next_page"`
		}
		s.get(t, "/api/risks-feed?limit=1", &body)
		if len(body.Data) != 1 {
			t.Fatalf("expected one feed item, got %d", len(body.Data))
		}
		if body.NextPage == nil || body.NextPage.Offset == "" {
			t.Fatal("expected a next_page cursor")
		}

		var rest struct {
			Data []map[string]any `json:"data"`
		}
		s.get(t, body.NextPage.Path, &rest)
		if len(rest.Data) != 1 {
			t.Fatalf("expected the second feed item, got %d", len(rest.Data))
		}
		if rest.Data[0]["id"] == body.Data[0]["id"] {
			t.Error("feed pages must not overlap")
		}
	})

	t.Run("CSVReport", func(t *testing.T) {
		resp, err := http.Get(s.api.URL + "/api/risks-report")
		if err != nil {
			t.Fatalf("report request failed: %v", err)
		}
		defer resp.Body.Close()

		rows, err := csv.NewReader(resp.Body).ReadAll()
		if err != nil {
			t.Fatalf("failed to parse report CSV: %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("expected header plus two rows, got %d", len(rows))
		}
		if rows[0][0] != "id" || rows[0][1] != "tender_id" {
			t.Errorf("unexpected header %v", rows[0])
		}
	})

	t.Run("FilterValues", func(t *testing.T) {
		var body struct {
			Regions []string `json:"regions"`
		}
		s.get(t, "/api/filter-values", &body)
		if len(body.Regions) != 2 {
			t.Errorf("expected two regions, got %v", body.Regions)
		}
	})
}

// TestConcurrentMerges drives many change events for the same tender and
// verifies no history entry is lost under optimistic-concurrency retries.
func TestConcurrentMerges(t *testing.T) {
	s := startStack(t)

	tender := disqualificationTender("int-conc-1")
	s.serveTender(tender)

	const rounds = 5
	for i := 0; i < rounds; i++ {
		payload, _ := json.Marshal(crawler.ChangeMessage{TenderID: tender.ID})
		if err := s.bus.Publish(context.Background(), domain.TopicTenderChanged, payload); err != nil {
			t.Fatalf("failed to publish: %v", err)
		}
	}

	deadline := time.After(15 * time.Second)
	received := 0
	for received < rounds {
		select {
		case <-s.assessed:
			received++
		case <-deadline:
			t.Fatalf("timed out after %d of %d assessments", received, rounds)
		}
	}

	a, err := s.repo.GetAssessment(context.Background(), tender.ID)
	if err != nil {
		t.Fatalf("failed to read assessment: %v", err)
	}
	records := a.Risks["sas24-3-2"]
	if len(records) != 1 {
		t.Fatalf("expected one sub-item record, got %d", len(records))
	}
	if got := len(records[0].History); got != rounds {
		t.Errorf("expected %d history entries, got %d", rounds, got)
	}
}
