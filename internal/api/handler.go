package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-procurement/harrier/internal/domain"
	"github.com/opensource-procurement/harrier/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	registry *rules.Registry
	expr     *rules.ExprEngine
	query    domain.QueryConfig
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, registry *rules.Registry, expr *rules.ExprEngine, query domain.QueryConfig, version string) *Handler {
	if query.MaxListLimit <= 0 {
		query.MaxListLimit = 100
	}
	if query.ReportItemsLimit <= 0 {
		query.ReportItemsLimit = 100000
	}
	return &Handler{
		repo:     repo,
		cache:    cache,
		registry: registry,
		expr:     expr,
		query:    query,
		version:  version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetRisks retrieves one risk assessment by tender id.
func (h *Handler) GetRisks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	a, err := h.repo.GetAssessment(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "risk assessment not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get assessment", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}

	writeJSON(w, http.StatusOK, a.Public())
}

// ListRisks retrieves a filtered, paginated page of assessments.
func (h *Handler) ListRisks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	page := h.parsePage(r)

	list, err := h.repo.ListAssessments(ctx, filter, page)
	if err != nil {
		h.writeQueryErr(w, err)
		return
	}

	items := make([]*domain.Assessment, len(list.Items))
	for i, a := range list.Items {
		items[i] = a.Public()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": list.Total,
	})
}

// reportColumns is the fixed CSV column order of the risks report.
var reportColumns = []string{
	"id", "tender_id", "date_assessed", "date_created", "status",
	"terminated", "has_risks", "worked_risks",
}

// RisksReport streams a CSV report with the same filters as ListRisks.
func (h *Handler) RisksReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="risks-report.csv"`)

	cw := csv.NewWriter(w)
	if err := cw.Write(reportColumns); err != nil {
		return
	}

	written := 0
	skip := 0
	for written < h.query.ReportItemsLimit {
		page := domain.AssessmentPage{
			SortField: "dateAssessed",
			Order:     domain.SortAsc,
			Skip:      skip,
			Limit:     h.query.MaxListLimit,
		}
		list, err := h.repo.ListAssessments(ctx, filter, page)
		if err != nil {
			// Headers are out already; stop the stream.
			slog.Error("report query failed", "error", err)
			break
		}
		if len(list.Items) == 0 {
			break
		}
		for _, a := range list.Items {
			if written >= h.query.ReportItemsLimit {
				break
			}
			row := []string{
				a.ID,
				a.TenderID,
				a.DateAssessed,
				a.DateCreated,
				a.Status,
				strconv.FormatBool(a.Terminated),
				strconv.FormatBool(a.HasRisks),
				strings.Join(a.WorkedRisks, ";"),
			}
			if err := cw.Write(row); err != nil {
				return
			}
			written++
		}
		skip += len(list.Items)
		cw.Flush()
	}
	cw.Flush()
}

// feedPage is a cursor link in the feed response.
type feedPage struct {
	Offset string `json:"offset"`
	Path   string `json:"path"`
}

// RisksFeed serves the cursor-paginated change feed ordered by dateAssessed.
func (h *Handler) RisksFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit := clamp(atoiDefault(q.Get("limit"), 20), 1, h.query.MaxListLimit)
	descending := boolParam(q.Get("descending"))
	offset := q.Get("offset")
	optFields := splitParam(q.Get("opt_fields"))

	items, err := h.repo.FeedAssessments(ctx, domain.FeedRequest{
		After:      offset,
		Limit:      limit,
		Descending: descending,
	})
	if err != nil {
		h.writeQueryErr(w, err)
		return
	}

	data := make([]any, len(items))
	for i, a := range items {
		data[i] = project(a.Public(), optFields)
	}

	resp := map[string]any{"data": data}
	if len(items) > 0 {
		first := items[0].DateAssessed
		last := items[len(items)-1].DateAssessed
		resp["next_page"] = feedLink(last, limit, descending, optFields)
		resp["prev_page"] = feedLink(first, limit, !descending, optFields)
	}

	writeJSON(w, http.StatusOK, resp)
}

func feedLink(offset string, limit int, descending bool, optFields []string) feedPage {
	vals := url.Values{}
	vals.Set("offset", offset)
	vals.Set("limit", strconv.Itoa(limit))
	if descending {
		vals.Set("descending", "1")
	}
	if len(optFields) > 0 {
		vals.Set("opt_fields", strings.Join(optFields, ","))
	}
	return feedPage{
		Offset: offset,
		Path:   "/api/risks-feed?" + vals.Encode(),
	}
}

// project narrows an assessment to the requested fields. The id and cursor
// field always survive so feed consumers can resume.
func project(a *domain.Assessment, fields []string) any {
	if len(fields) == 0 {
		return a
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return a
	}
	var full map[string]any
	if err := json.Unmarshal(raw, &full); err != nil {
		return a
	}

	keep := map[string]bool{"id": true, "dateAssessed": true}
	for _, f := range fields {
		keep[f] = true
	}
	out := make(map[string]any, len(keep))
	for k, v := range full {
		if keep[k] {
			out[k] = v
		}
	}
	return out
}

// FilterValues returns distinct filterable values plus the catalogue's rule
// descriptors with their current validity status.
func (h *Handler) FilterValues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	regions, err := h.repo.DistinctFilterValues(ctx, "region")
	if err != nil {
		h.writeQueryErr(w, err)
		return
	}

	now := time.Now().UTC()
	metas := h.registry.Metas()
	if h.expr != nil {
		for _, cfg := range h.expr.Loaded() {
			metas = append(metas, cfg.Meta)
		}
	}

	type ruleInfo struct {
		ID     string `json:"id"`
		Owner  string `json:"owner"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	ruleInfos := make([]ruleInfo, len(metas))
	for i, meta := range metas {
		status := "archived"
		if meta.ActiveAt(now) {
			status = "active"
		}
		ruleInfos[i] = ruleInfo{
			ID:     meta.ID,
			Owner:  meta.Owner,
			Name:   meta.Name,
			Status: status,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"regions": regions,
		"rules":   ruleInfos,
	})
}

// ListRules returns the expression rules currently loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.expr == nil {
		writeJSON(w, http.StatusOK, map[string]any{"rules": []any{}, "count": 0})
		return
	}
	loaded := h.expr.Loaded()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves an expression rule by id from the database.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetExprRule(r.Context(), ruleID)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
		return
	}
	if err != nil {
		slog.Error("failed to get rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the request body for creating an expression rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule validates and persists a new expression rule.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	cfg := &domain.ExprRuleConfig{
		Meta: domain.RuleMeta{
			ID:          req.ID,
			Owner:       req.Owner,
			Name:        req.Name,
			Description: req.Description,
		},
		Expression: req.Expression,
		Enabled:    req.Enabled,
		Version:    "1",
	}

	if h.expr != nil {
		if err := h.expr.Validate(cfg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid expression: " + err.Error(),
			})
			return
		}
	}

	if err := h.repo.SaveExprRule(ctx, cfg); err != nil {
		slog.Error("failed to save rule", "id", cfg.Meta.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", cfg.Meta.ID, "name", cfg.Meta.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    cfg,
		"message": "Rule created. Call POST /api/rules/reload to apply changes.",
	})
}

// ReloadRules reloads all expression rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.expr == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "expression engine not available",
		})
		return
	}

	configs, err := h.repo.ListExprRules(ctx)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.expr.Reload(configs); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", h.expr.Count())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.expr.Count(),
	})
}

// DeleteRule disables an expression rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	err := h.repo.DeleteExprRule(r.Context(), ruleID)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
		return
	}
	if err != nil {
		slog.Error("failed to delete rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Rule disabled. Call POST /api/rules/reload to apply changes.",
	})
}

func parseFilter(r *http.Request) (domain.AssessmentFilter, error) {
	q := r.URL.Query()

	filter := domain.AssessmentFilter{
		TenderID:   q.Get("tender_id"),
		EDRPOU:     q.Get("edrpou"),
		RiskOwner:  q.Get("owner"),
		Regions:    multiParam(q, "region"),
		Risks:      multiParam(q, "risks"),
		RequireAll: boolParam(q.Get("risks_all")),
	}

	if raw := q.Get("terminated"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, errors.New("terminated must be a boolean")
		}
		filter.Terminated = &v
	}

	return filter, nil
}

func (h *Handler) parsePage(r *http.Request) domain.AssessmentPage {
	q := r.URL.Query()

	order := domain.SortDesc
	if strings.EqualFold(q.Get("order"), "asc") {
		order = domain.SortAsc
	}

	return domain.AssessmentPage{
		SortField: q.Get("sort"),
		Order:     order,
		Skip:      clamp(atoiDefault(q.Get("skip"), 0), 0, 1<<30),
		Limit:     clamp(atoiDefault(q.Get("limit"), 20), 1, h.query.MaxListLimit),
	}
}

// multiParam collects repeated and comma-separated values for a key.
func multiParam(q url.Values, key string) []string {
	var out []string
	for _, raw := range q[key] {
		out = append(out, splitParam(raw)...)
	}
	return out
}

func splitParam(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func boolParam(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func (h *Handler) writeQueryErr(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrQueryTimeout) {
		writeJSON(w, http.StatusRequestTimeout, map[string]string{
			"error": "query timed out, narrow the filters and try again",
		})
		return
	}
	slog.Error("query failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "internal server error",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
