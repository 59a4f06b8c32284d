package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder style and DDL for a SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Timestamps are stored as fixed-width UTC strings so range scans and
// ORDER BY behave identically in both engines.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS policy_decisions (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	request_id    TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	decision_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_tenant ON policy_decisions (tenant_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS receipts (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	capability_id   TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	timestamp       TEXT NOT NULL,
	receipt_json    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_tenant ON receipts (tenant_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_receipts_time ON receipts (timestamp);

CREATE TABLE IF NOT EXISTS outcome_events (
	seq                INTEGER PRIMARY KEY AUTOINCREMENT,
	receipt_id         TEXT NOT NULL,
	capability_id      TEXT NOT NULL,
	capability_version TEXT NOT NULL,
	success            INTEGER NOT NULL,
	latency_ms         INTEGER NOT NULL,
	error_taxonomy     TEXT NOT NULL DEFAULT '',
	is_synthetic       INTEGER NOT NULL DEFAULT 0,
	timestamp          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_capability ON outcome_events (capability_id, capability_version, timestamp);
CREATE INDEX IF NOT EXISTS idx_outcomes_time ON outcome_events (timestamp);

CREATE TABLE IF NOT EXISTS capability_stats (
	capability_id      TEXT NOT NULL,
	capability_version TEXT NOT NULL,
	computed_at        TEXT NOT NULL,
	stats_json         TEXT NOT NULL,
	PRIMARY KEY (capability_id, capability_version)
);`

const pgSchema = `
CREATE TABLE IF NOT EXISTS policy_decisions (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	request_id    TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	decision_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_tenant ON policy_decisions (tenant_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS receipts (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	capability_id   TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	timestamp       TEXT NOT NULL,
	receipt_json    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_tenant ON receipts (tenant_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_receipts_time ON receipts (timestamp);

CREATE TABLE IF NOT EXISTS outcome_events (
	seq                BIGSERIAL PRIMARY KEY,
	receipt_id         TEXT NOT NULL,
	capability_id      TEXT NOT NULL,
	capability_version TEXT NOT NULL,
	success            INTEGER NOT NULL,
	latency_ms         BIGINT NOT NULL,
	error_taxonomy     TEXT NOT NULL DEFAULT '',
	is_synthetic       INTEGER NOT NULL DEFAULT 0,
	timestamp          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_capability ON outcome_events (capability_id, capability_version, timestamp);
CREATE INDEX IF NOT EXISTS idx_outcomes_time ON outcome_events (timestamp);

CREATE TABLE IF NOT EXISTS capability_stats (
	capability_id      TEXT NOT NULL,
	capability_version TEXT NOT NULL,
	computed_at        TEXT NOT NULL,
	stats_json         TEXT NOT NULL,
	PRIMARY KEY (capability_id, capability_version)
);`

// Init creates the execution-record tables.
func Init(ctx context.Context, db *sql.DB, dialect Dialect) error {
	schema := sqliteSchema
	if dialect == DialectPostgres {
		schema = pgSchema
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// bind rewrites ? placeholders for the postgres wire protocol.
func bind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
