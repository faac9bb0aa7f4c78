// Package crawler consumes change-feed events and drives re-assessment.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/opensource-procurement/harrier/internal/assess"
	"github.com/opensource-procurement/harrier/internal/cache"
	"github.com/opensource-procurement/harrier/internal/domain"
)

// A fetched document is reused while the change feed reports the same
// dateModified, so bursts of events for one tender cost one upstream call.
const tenderCacheTTL = time.Hour

// Worker processes tender and contract change events from the EventBus.
// For every event it refetches the tender, stores a snapshot, runs the
// rule pipeline and merges the results into the risk history.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	cache     domain.Cache
	source    domain.ObjectSource
	processor *assess.Processor
	merger    *assess.Merger
	logger    *slog.Logger

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new change-feed worker. cacheImpl may be nil, in which
// case every change event goes to the upstream.
func NewWorker(bus domain.EventBus, repo domain.Repository, cacheImpl domain.Cache, source domain.ObjectSource, processor *assess.Processor, merger *assess.Merger, logger *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		repo:      repo,
		cache:     cacheImpl,
		source:    source,
		processor: processor,
		merger:    merger,
		logger:    logger.With("component", "crawler"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the change topics.
func (w *Worker) Start() error {
	for _, topic := range []string{domain.TopicTenderChanged, domain.TopicContractChanged} {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
		if err != nil {
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.logger.Info("crawler started",
		"topics", []string{domain.TopicTenderChanged, domain.TopicContractChanged},
	)
	return nil
}

// ChangeMessage is the payload for tender and contract change events.
// Contract changes carry the owning tender's id: assessment is always
// performed against the full tender document.
type ChangeMessage struct {
	TenderID     string `json:"tenderId"`
	DateModified string `json:"dateModified,omitempty"`
}

// AlertMessage is published when a merge newly raises a rule for a tender.
type AlertMessage struct {
	TenderID string   `json:"tenderId"`
	Risks    []string `json:"risks"`
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var change ChangeMessage
	if err := json.Unmarshal(msg.Payload, &change); err != nil {
		w.logger.Error("failed to parse change message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if change.TenderID == "" {
		w.logger.Warn("change message without tender id", "message_id", msg.ID)
		return nil
	}
	return w.Process(ctx, change.TenderID, change.DateModified)
}

// Process fetches, assesses and merges one tender. dateModified is the
// revision the change event announced; a cached document at least that fresh
// is used without going upstream. Pass "" to force a fetch.
func (w *Worker) Process(ctx context.Context, tenderID, dateModified string) error {
	start := time.Now()

	tender, err := w.fetchTender(ctx, tenderID, dateModified)
	if err != nil {
		w.logger.Error("tender fetch failed",
			"tender_id", tenderID,
			"error", err,
		)
		return err
	}

	snap := &domain.TenderSnapshot{
		ID:           tender.ID,
		TenderID:     tender.TenderID,
		DateModified: tender.DateModified,
		Subject:      domain.SubjectOfProcurement(tender.Items),
		Tender:       tender,
		FetchedAt:    time.Now().UTC(),
	}
	if err := w.repo.SaveSnapshot(ctx, snap); err != nil {
		w.logger.Error("failed to save snapshot",
			"tender_id", tenderID,
			"error", err,
		)
	}

	batch, err := w.processor.ProcessTender(ctx, tender)
	if err != nil {
		w.logger.Error("tender assessment failed",
			"tender_id", tenderID,
			"error", err,
		)
		return err
	}
	if batch.Skipped {
		w.logger.Info("assessment skipped", "tender_id", tenderID)
		return nil
	}

	contracts := make(map[string]string, len(tender.Contracts))
	for i := range tender.Contracts {
		contract := &tender.Contracts[i]
		contracts[contract.ID] = contract.Status

		cb, err := w.processor.ProcessContract(ctx, contract, tender)
		if err != nil {
			w.logger.Error("contract assessment failed",
				"tender_id", tenderID,
				"contract_id", contract.ID,
				"error", err,
			)
			return err
		}
		if cb.Skipped {
			w.logger.Info("assessment skipped",
				"tender_id", tenderID,
				"contract_id", contract.ID,
			)
			return nil
		}
		for ruleID, findings := range cb.Results {
			batch.Results[ruleID] = append(batch.Results[ruleID], findings...)
		}
	}

	// Remember what was raised before the merge so newly worked rules
	// can be alerted on.
	prevWorked := map[string]bool{}
	if prev, err := w.repo.GetAssessment(ctx, tender.ID); err == nil {
		for _, ruleID := range prev.WorkedRisks {
			prevWorked[ruleID] = true
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		w.logger.Warn("failed to load previous assessment",
			"tender_id", tenderID,
			"error", err,
		)
	}

	saved, err := w.merger.UpdateTenderRisks(ctx, tender, batch.Results, contracts)
	if err != nil {
		w.logger.Error("risk merge failed",
			"tender_id", tenderID,
			"error", err,
		)
		return err
	}

	payload, _ := json.Marshal(saved)
	if err := w.bus.Publish(ctx, domain.TopicAssessed, payload); err != nil {
		w.logger.Error("failed to publish assessment",
			"tender_id", tenderID,
			"error", err,
		)
	}

	var fresh []string
	for _, ruleID := range saved.WorkedRisks {
		if !prevWorked[ruleID] {
			fresh = append(fresh, ruleID)
		}
	}
	if len(fresh) > 0 {
		alert, _ := json.Marshal(AlertMessage{TenderID: tender.ID, Risks: fresh})
		if err := w.bus.Publish(ctx, domain.TopicAlert, alert); err != nil {
			w.logger.Error("failed to publish alert",
				"tender_id", tenderID,
				"error", err,
			)
		}
	}

	w.logger.Info("tender assessed",
		"tender_id", tenderID,
		"worked_risks", len(saved.WorkedRisks),
		"new_risks", len(fresh),
		"terminated", saved.Terminated,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func (w *Worker) fetchTender(ctx context.Context, tenderID, dateModified string) (*domain.Tender, error) {
	if w.cache != nil && dateModified != "" {
		cached, err := cache.GetTender(ctx, w.cache, tenderID)
		if err != nil {
			w.logger.Warn("tender cache read failed", "tender_id", tenderID, "error", err)
		} else if cached != nil && cached.DateModified >= dateModified {
			return cached, nil
		}
	}

	tender, err := w.source.FetchTender(ctx, tenderID)
	if err != nil {
		return nil, err
	}
	if w.cache != nil {
		if err := cache.SetTender(ctx, w.cache, tender, tenderCacheTTL); err != nil {
			w.logger.Warn("tender cache write failed", "tender_id", tenderID, "error", err)
		}
	}
	return tender, nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("crawler stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
