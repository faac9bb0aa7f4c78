// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-procurement/harrier/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db           *sql.DB
	driver       string
	queryTimeout time.Duration
	countHorizon int
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:           db,
		driver:       cfg.Driver,
		queryTimeout: cfg.QueryTimeout,
		countHorizon: cfg.CountHorizon,
	}
	if repo.queryTimeout <= 0 {
		repo.queryTimeout = 10 * time.Second
	}
	if repo.countHorizon <= 0 {
		repo.countHorizon = 100000
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// GetAssessment retrieves the full document by tender system id.
func (r *SQLRepository) GetAssessment(ctx context.Context, id string) (*domain.Assessment, error) {
	return r.getAssessmentBy(ctx, "id", id)
}

// GetAssessmentByTender retrieves the document by the human-readable tender id.
func (r *SQLRepository) GetAssessmentByTender(ctx context.Context, tenderID string) (*domain.Assessment, error) {
	return r.getAssessmentBy(ctx, "tender_id", tenderID)
}

func (r *SQLRepository) getAssessmentBy(ctx context.Context, column, value string) (*domain.Assessment, error) {
	query := fmt.Sprintf(`SELECT doc FROM risk_assessments WHERE %s = ?`, column)

	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(query), value).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var a domain.Assessment
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, fmt.Errorf("decode assessment %s: %w", value, err)
	}
	return &a, nil
}

// SaveAssessment writes the document conditionally on the stored version
// token and refreshes the worked-risk side table in the same transaction.
func (r *SQLRepository) SaveAssessment(ctx context.Context, a *domain.Assessment, prevDateAssessed string) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode assessment %s: %w", a.ID, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	terminated, hasRisks := 0, 0
	if a.Terminated {
		terminated = 1
	}
	if a.HasRisks {
		hasRisks = 1
	}
	var valueAmount float64
	if a.Value != nil {
		valueAmount = a.Value.Amount
	}

	var result sql.Result
	if prevDateAssessed == "" {
		query := `
			INSERT INTO risk_assessments (
				id, tender_id, date_assessed, status, terminated, has_risks,
				region, edrpou, value_amount, date_created, date_modified, doc
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`
		result, err = tx.ExecContext(ctx, r.rebind(query),
			a.ID, a.TenderID, a.DateAssessed, a.Status, terminated, hasRisks,
			a.Region, a.EDRPOU, valueAmount, a.DateCreated, a.DateModified,
			string(doc),
		)
	} else {
		query := `
			UPDATE risk_assessments SET
				tender_id = ?, date_assessed = ?, status = ?, terminated = ?,
				has_risks = ?, region = ?, edrpou = ?, value_amount = ?,
				date_created = ?, date_modified = ?, doc = ?
			WHERE id = ? AND date_assessed = ?
		`
		result, err = tx.ExecContext(ctx, r.rebind(query),
			a.TenderID, a.DateAssessed, a.Status, terminated, hasRisks,
			a.Region, a.EDRPOU, valueAmount, a.DateCreated, a.DateModified,
			string(doc),
			a.ID, prevDateAssessed,
		)
	}
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the token moved or a first write raced us.
		return domain.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM assessment_worked_risks WHERE assessment_id = ?`), a.ID); err != nil {
		return err
	}
	for _, ruleID := range a.WorkedRisks {
		if _, err := tx.ExecContext(ctx,
			r.rebind(`INSERT INTO assessment_worked_risks (assessment_id, rule_id) VALUES (?, ?)`),
			a.ID, ruleID,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Whitelisted sort columns for list queries.
var sortColumns = map[string]string{
	"dateAssessed": "date_assessed",
	"dateCreated":  "date_created",
	"dateModified": "date_modified",
	"valueAmount":  "value_amount",
}

// ListAssessments returns a filtered, sorted page plus the capped total count.
func (r *SQLRepository) ListAssessments(ctx context.Context, filter domain.AssessmentFilter, page domain.AssessmentPage) (*domain.AssessmentList, error) {
	where, args := r.buildFilter(filter)

	column, ok := sortColumns[page.SortField]
	if !ok {
		column = "date_assessed"
	}
	direction := "ASC"
	if page.Order == domain.SortDesc {
		direction = "DESC"
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(
		`SELECT doc FROM risk_assessments %s ORDER BY %s %s, id %s LIMIT %d OFFSET %d`,
		where, column, direction, direction, limit, page.Skip,
	)
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, r.mapQueryErr(ctx, err)
	}
	defer rows.Close()

	list := &domain.AssessmentList{Items: []*domain.Assessment{}}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var a domain.Assessment
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, fmt.Errorf("decode assessment: %w", err)
		}
		list.Items = append(list.Items, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapQueryErr(ctx, err)
	}

	// The count walks at most countHorizon rows so one broad filter cannot
	// stall the endpoint.
	countQuery := fmt.Sprintf(
		`SELECT COUNT(*) FROM (SELECT id FROM risk_assessments %s LIMIT %d) c`,
		where, r.countHorizon,
	)
	if err := r.db.QueryRowContext(ctx, r.rebind(countQuery), args...).Scan(&list.Total); err != nil {
		return nil, r.mapQueryErr(ctx, err)
	}
	return list, nil
}

func (r *SQLRepository) buildFilter(filter domain.AssessmentFilter) (string, []any) {
	var clauses []string
	var args []any

	if filter.TenderID != "" {
		clauses = append(clauses, "tender_id = ?")
		args = append(args, filter.TenderID)
	}
	if len(filter.Regions) > 0 {
		clauses = append(clauses, "region IN ("+placeholders(len(filter.Regions))+")")
		for _, region := range filter.Regions {
			args = append(args, region)
		}
	}
	if filter.EDRPOU != "" {
		clauses = append(clauses, "edrpou = ?")
		args = append(args, filter.EDRPOU)
	}
	if filter.Terminated != nil {
		v := 0
		if *filter.Terminated {
			v = 1
		}
		clauses = append(clauses, "terminated = ?")
		args = append(args, v)
	}
	if len(filter.Risks) > 0 {
		sub := `SELECT assessment_id FROM assessment_worked_risks WHERE rule_id IN (` + placeholders(len(filter.Risks)) + `)`
		if filter.RequireAll {
			sub += fmt.Sprintf(` GROUP BY assessment_id HAVING COUNT(DISTINCT rule_id) = %d`, len(filter.Risks))
		}
		clauses = append(clauses, "id IN ("+sub+")")
		for _, ruleID := range filter.Risks {
			args = append(args, ruleID)
		}
	}
	if filter.RiskOwner != "" {
		clauses = append(clauses, `id IN (SELECT assessment_id FROM assessment_worked_risks WHERE rule_id LIKE ?)`)
		args = append(args, filter.RiskOwner+"-%")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// FeedAssessments returns documents strictly past the cursor token, ordered
// by (date_assessed, id) in the requested direction.
func (r *SQLRepository) FeedAssessments(ctx context.Context, req domain.FeedRequest) ([]*domain.Assessment, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	var clause, order string
	if req.Descending {
		clause, order = "date_assessed < ?", "DESC"
	} else {
		clause, order = "date_assessed > ?", "ASC"
	}

	var args []any
	query := `SELECT doc FROM risk_assessments`
	if req.After != "" {
		query += " WHERE " + clause
		args = append(args, req.After)
	}
	query += fmt.Sprintf(" ORDER BY date_assessed %s, id %s LIMIT %d", order, order, limit)

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, r.mapQueryErr(ctx, err)
	}
	defer rows.Close()

	var items []*domain.Assessment
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var a domain.Assessment
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, fmt.Errorf("decode assessment: %w", err)
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}

// Whitelisted columns for the filter-values endpoint.
var filterValueColumns = map[string]string{
	"region": "region",
	"status": "status",
}

// DistinctFilterValues returns the distinct non-empty stored values of a
// whitelisted filter column.
func (r *SQLRepository) DistinctFilterValues(ctx context.Context, field string) ([]string, error) {
	column, ok := filterValueColumns[field]
	if !ok {
		return nil, fmt.Errorf("unknown filter field %q", field)
	}

	query := fmt.Sprintf(`SELECT DISTINCT %s FROM risk_assessments WHERE %s <> '' ORDER BY %s`, column, column, column)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// SaveSnapshot overwrites the stored snapshot for the tender.
func (r *SQLRepository) SaveSnapshot(ctx context.Context, snap *domain.TenderSnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}

	var edrpou, dateCreated string
	if snap.Tender != nil {
		edrpou = snap.Tender.EDRPOU()
		dateCreated = snap.Tender.DateCreated
	}

	query := `
		INSERT INTO tender_snapshots (
			id, tender_id, date_modified, date_created, subject, edrpou, doc, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tender_id = excluded.tender_id,
			date_modified = excluded.date_modified,
			date_created = excluded.date_created,
			subject = excluded.subject,
			edrpou = excluded.edrpou,
			doc = excluded.doc,
			fetched_at = excluded.fetched_at
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		snap.ID, snap.TenderID, snap.DateModified, dateCreated, snap.Subject,
		edrpou, string(doc), snap.FetchedAt.UTC(),
	)
	return err
}

// GetSnapshot retrieves the snapshot by tender system id.
func (r *SQLRepository) GetSnapshot(ctx context.Context, tenderID string) (*domain.TenderSnapshot, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT doc FROM tender_snapshots WHERE id = ?`), tenderID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap domain.TenderSnapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", tenderID, err)
	}
	return &snap, nil
}

// ListSnapshotsByEntity returns the buyer's snapshots created since the given
// time, newest first.
func (r *SQLRepository) ListSnapshotsByEntity(ctx context.Context, edrpou string, since time.Time) ([]*domain.TenderSnapshot, error) {
	query := `
		SELECT doc FROM tender_snapshots
		WHERE edrpou = ? AND date_created >= ?
		ORDER BY date_created DESC
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), edrpou, domain.FormatDate(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*domain.TenderSnapshot
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var snap domain.TenderSnapshot
		if err := json.Unmarshal([]byte(doc), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// SaveExprRule stores or updates an expression rule configuration.
func (r *SQLRepository) SaveExprRule(ctx context.Context, rule *domain.ExprRuleConfig) error {
	meta, err := json.Marshal(rule.Meta)
	if err != nil {
		return err
	}
	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (id, meta, expression, version, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			meta = excluded.meta,
			expression = excluded.expression,
			version = excluded.version,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.Meta.ID, string(meta), rule.Expression, rule.Version, enabled, now, now,
	)
	return err
}

// GetExprRule retrieves an expression rule by id.
func (r *SQLRepository) GetExprRule(ctx context.Context, ruleID string) (*domain.ExprRuleConfig, error) {
	query := `SELECT meta, expression, version, enabled FROM rule_configs WHERE id = ?`

	var rule domain.ExprRuleConfig
	var meta string
	var enabled int
	err := r.db.QueryRowContext(ctx, r.rebind(query), ruleID).Scan(&meta, &rule.Expression, &rule.Version, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &rule.Meta); err != nil {
		return nil, fmt.Errorf("decode rule meta %s: %w", ruleID, err)
	}
	rule.Enabled = enabled == 1
	return &rule, nil
}

// ListExprRules retrieves all expression rules, disabled ones included.
func (r *SQLRepository) ListExprRules(ctx context.Context) ([]*domain.ExprRuleConfig, error) {
	query := `SELECT meta, expression, version, enabled FROM rule_configs ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ExprRuleConfig
	for rows.Next() {
		var rule domain.ExprRuleConfig
		var meta string
		var enabled int
		if err := rows.Scan(&meta, &rule.Expression, &rule.Version, &enabled); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &rule.Meta); err != nil {
			return nil, fmt.Errorf("decode rule meta: %w", err)
		}
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// DeleteExprRule soft-deletes an expression rule by setting enabled = 0.
func (r *SQLRepository) DeleteExprRule(ctx context.Context, ruleID string) error {
	query := `UPDATE rule_configs SET enabled = 0, updated_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), ruleID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// mapQueryErr turns a statement-budget expiry into ErrQueryTimeout while
// leaving caller-driven cancellation untouched.
func (r *SQLRepository) mapQueryErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ErrQueryTimeout
	}
	return err
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
