package assess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-procurement/harrier/internal/domain"
)

// Store is the slice of the repository the merge engine needs.
type Store interface {
	GetAssessment(ctx context.Context, id string) (*domain.Assessment, error)
	SaveAssessment(ctx context.Context, a *domain.Assessment, prevDateAssessed string) error
}

// Merger folds rule results into the stored assessment under optimistic
// concurrency: read, merge, conditionally write, and start over whenever
// another writer got there first. History is append-only; a lost write is
// always retried from a fresh read, so no concurrent result can be dropped.
type Merger struct {
	store  Store
	cfg    domain.AssessConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewMerger creates a merge engine on top of store.
func NewMerger(store Store, cfg domain.AssessConfig, logger *slog.Logger) *Merger {
	return &Merger{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "merger"),
		now:    time.Now,
	}
}

// UpdateTenderRisks merges one batch of rule results for the tender. The
// contracts argument maps contract id to last observed status; keys
// accumulate across merges, values overwrite. Returns the written record.
func (m *Merger) UpdateTenderRisks(ctx context.Context, tender *domain.Tender, results map[string][]domain.RiskFinding, contracts map[string]string) (*domain.Assessment, error) {
	for attempt := 1; ; attempt++ {
		merged, prev, err := m.mergeOnce(ctx, tender, results, contracts)
		if err == nil {
			err = m.store.SaveAssessment(ctx, merged, prev)
			if err == nil {
				return merged, nil
			}
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if m.cfg.MaxSaveAttempts > 0 && attempt >= m.cfg.MaxSaveAttempts {
			return nil, fmt.Errorf("merge tender %s: attempts exhausted: %w", tender.ID, err)
		}

		wait := m.cfg.RetryBase
		if errors.Is(err, domain.ErrConflict) {
			// Another writer advanced the token; re-read immediately.
			m.logger.Debug("merge conflict, retrying", "tender", tender.ID, "attempt", attempt)
			wait = 0
		} else {
			m.logger.Warn("merge attempt failed", "tender", tender.ID, "attempt", attempt, "error", err)
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// mergeOnce reads the current record and produces the merged successor plus
// the version token the write must be conditioned on.
func (m *Merger) mergeOnce(ctx context.Context, tender *domain.Tender, results map[string][]domain.RiskFinding, contracts map[string]string) (*domain.Assessment, string, error) {
	current, err := m.store.GetAssessment(ctx, tender.ID)
	if errors.Is(err, domain.ErrNotFound) {
		current = &domain.Assessment{ID: tender.ID}
		err = nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read assessment %s: %w", tender.ID, err)
	}
	prev := current.DateAssessed

	m.applyTenderFields(current, tender)

	if current.Contracts == nil && len(contracts) > 0 {
		current.Contracts = make(map[string]string, len(contracts))
	}
	for id, status := range contracts {
		current.Contracts[id] = status
	}

	stamp := domain.FormatDate(m.now())
	if current.Risks == nil {
		current.Risks = make(map[string][]domain.RiskRecord)
	}
	for ruleID, findings := range results {
		current.Risks[ruleID] = mergeRecords(current.Risks[ruleID], findings, stamp)
	}

	current.RecomputeWorked()
	current.Terminated = m.terminated(current)
	// The version token only advances when fresh rule results landed, so
	// feed consumers are not woken by termination-only refreshes. First
	// writes always stamp it, or the record would have no token at all.
	if len(results) > 0 || prev == "" {
		current.DateAssessed = stamp
	}
	return current, prev, nil
}

// mergeRecords folds one rule's findings into its stored sub-item records.
// use_previous_result leaves the matching record byte-identical; any other
// indicator overwrites the current verdict and appends one history entry.
func mergeRecords(records []domain.RiskRecord, findings []domain.RiskFinding, stamp string) []domain.RiskRecord {
	for _, f := range findings {
		if f.Indicator == domain.UsePreviousResult {
			continue
		}
		key := f.SubItemKey()
		idx := -1
		for i := range records {
			if records[i].SubItemKey() == key {
				idx = i
				break
			}
		}
		if idx < 0 {
			rec := domain.RiskRecord{Indicator: f.Indicator, Date: stamp}
			if key != domain.SubItemTender {
				rec.Item = &domain.ItemRef{Type: f.Type, ID: f.ID}
			}
			rec.History = []domain.HistoryEntry{{Date: stamp, Indicator: f.Indicator}}
			records = append(records, rec)
			continue
		}
		records[idx].Indicator = f.Indicator
		records[idx].Date = stamp
		records[idx].History = append(records[idx].History, domain.HistoryEntry{Date: stamp, Indicator: f.Indicator})
	}
	return records
}

func (m *Merger) applyTenderFields(a *domain.Assessment, t *domain.Tender) {
	a.TenderID = t.TenderID
	a.Status = t.Status
	a.DateCreated = t.DateCreated
	a.DateModified = t.DateModified
	a.Region = t.Region()
	a.EDRPOU = t.EDRPOU()
	a.Value = t.Value
	entity := t.ProcuringEntity
	a.ProcuringEntity = &entity
}

// Final-failure tender statuses: nothing can change on the object anymore.
var finalFailureStatuses = map[string]bool{
	"cancelled":    true,
	"unsuccessful": true,
}

// terminated decides whether crawl cycles may stop re-assessing the record.
// Records created before the cutover predate the flag and keep their value.
func (m *Merger) terminated(a *domain.Assessment) bool {
	if m.cfg.TerminationCutover != "" && a.DateCreated < m.cfg.TerminationCutover {
		return a.Terminated
	}
	if finalFailureStatuses[a.Status] {
		return true
	}
	if a.Status != "complete" {
		return false
	}
	// A completed tender with no observed contracts yet can still grow one,
	// so the verdict stays open until the contract map has entries.
	if len(a.Contracts) == 0 {
		return false
	}
	for _, status := range a.Contracts {
		if domain.ActiveContractStates[status] {
			return false
		}
	}
	return true
}
