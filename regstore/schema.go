package regstore

import "database/sql"

// Schema is the pipeline state shared by all stages. Evidence has its own
// table (see the evidence package); everything downstream of extraction
// lives here.
const Schema = `
-- Extracted claims, immutable once attached to a rule
CREATE TABLE IF NOT EXISTS source_pointers (
    id           TEXT PRIMARY KEY,
    evidence_id  TEXT NOT NULL,
    rule_id      TEXT NOT NULL DEFAULT '',
    quote        TEXT NOT NULL,
    value        TEXT NOT NULL,
    value_type   TEXT NOT NULL,
    domain       TEXT NOT NULL,
    confidence   REAL NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pointers_rule ON source_pointers(rule_id);
CREATE INDEX IF NOT EXISTS idx_pointers_evidence ON source_pointers(evidence_id);
CREATE INDEX IF NOT EXISTS idx_pointers_domain ON source_pointers(domain);

-- Regulatory topics
CREATE TABLE IF NOT EXISTS concepts (
    slug        TEXT PRIMARY KEY,
    title       TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);

-- Machine-evaluable facts
CREATE TABLE IF NOT EXISTS rules (
    id             TEXT PRIMARY KEY,
    concept_slug   TEXT NOT NULL REFERENCES concepts(slug),
    predicate_json TEXT NOT NULL,
    value          TEXT NOT NULL,
    value_type     TEXT NOT NULL,
    authority      TEXT NOT NULL,
    risk_tier      TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'draft',
    approved_by    TEXT NOT NULL DEFAULT '',
    reject_reason  TEXT NOT NULL DEFAULT '',
    review_notes   TEXT NOT NULL DEFAULT '',
    source_date    TEXT NOT NULL DEFAULT '',
    superseded_by  TEXT NOT NULL DEFAULT '',
    release_id     TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_status ON rules(status);
CREATE INDEX IF NOT EXISTS idx_rules_concept ON rules(concept_slug, status);

-- Detected contradictions
CREATE TABLE IF NOT EXISTS conflicts (
    id           TEXT PRIMARY KEY,
    rule_ids     TEXT NOT NULL,             -- JSON array
    type         TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'open',
    winner_id    TEXT NOT NULL DEFAULT '',
    rationale    TEXT NOT NULL DEFAULT '',
    inputs_json  TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    resolved_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);

-- Published bundles, immutable
CREATE TABLE IF NOT EXISTS releases (
    id               TEXT PRIMARY KEY,
    version          TEXT NOT NULL UNIQUE,
    release_type     TEXT NOT NULL,
    content_hash     TEXT NOT NULL,
    rule_ids         TEXT NOT NULL,         -- JSON array
    published_count  INTEGER NOT NULL DEFAULT 0,
    deprecated_count INTEGER NOT NULL DEFAULT 0,
    changelog_json   TEXT NOT NULL DEFAULT '',
    published_at     INTEGER NOT NULL
);

-- Stage execution records (operator visibility into failures)
CREATE TABLE IF NOT EXISTS agent_runs (
    id           TEXT PRIMARY KEY,
    stage        TEXT NOT NULL,
    subject_id   TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'running',
    error        TEXT NOT NULL DEFAULT '',
    attempt      INTEGER NOT NULL DEFAULT 1,
    started_at   INTEGER NOT NULL,
    finished_at  INTEGER,
    duration_ms  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_stage ON agent_runs(stage, status);
CREATE INDEX IF NOT EXISTS idx_runs_subject ON agent_runs(subject_id);
`

// ApplySchema creates all pipeline tables and indexes.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
