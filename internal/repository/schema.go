package repository

// Schema definitions for the Harrier database.
// Compatible with both SQLite and PostgreSQL.

// risk_assessments holds one document per tender. The full record lives in
// the doc JSON column; the remaining columns are denormalized copies used
// only for filtering and sorting. date_assessed doubles as the optimistic
// concurrency token.
const schemaAssessments = `
CREATE TABLE IF NOT EXISTS risk_assessments (
    id TEXT PRIMARY KEY,
    tender_id TEXT,
    date_assessed TEXT NOT NULL,
    status TEXT,
    terminated INTEGER NOT NULL DEFAULT 0,
    has_risks INTEGER NOT NULL DEFAULT 0,
    region TEXT,
    edrpou TEXT,
    value_amount REAL,
    date_created TEXT,
    date_modified TEXT,
    doc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_feed ON risk_assessments(date_assessed, id);
CREATE INDEX IF NOT EXISTS idx_assessments_tender ON risk_assessments(tender_id);
CREATE INDEX IF NOT EXISTS idx_assessments_region ON risk_assessments(region);
CREATE INDEX IF NOT EXISTS idx_assessments_edrpou ON risk_assessments(edrpou);
CREATE INDEX IF NOT EXISTS idx_assessments_created ON risk_assessments(date_created);
`

// assessment_worked_risks mirrors each document's workedRisks list so the
// list endpoint can filter by rule id without unpacking JSON.
const schemaWorkedRisks = `
CREATE TABLE IF NOT EXISTS assessment_worked_risks (
    assessment_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    PRIMARY KEY (assessment_id, rule_id)
);

CREATE INDEX IF NOT EXISTS idx_worked_risks_rule ON assessment_worked_risks(rule_id);
`

// tender_snapshots is a rolling cache of crawled tenders, overwritten on each
// fetch and never deleted. Statistical rules query it by buyer identifier.
const schemaSnapshots = `
CREATE TABLE IF NOT EXISTS tender_snapshots (
    id TEXT PRIMARY KEY,
    tender_id TEXT,
    date_modified TEXT,
    date_created TEXT,
    subject TEXT,
    edrpou TEXT,
    doc TEXT NOT NULL,
    fetched_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_entity ON tender_snapshots(edrpou, date_created);
CREATE INDEX IF NOT EXISTS idx_snapshots_subject ON tender_snapshots(subject);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    meta TEXT NOT NULL,
    expression TEXT NOT NULL,
    version TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAssessments,
		schemaWorkedRisks,
		schemaSnapshots,
		schemaRuleConfigs,
	}
}
