package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
)

// SQLDecisionStore persists decisions as JSON documents with the
// query columns lifted out. Write-once is enforced by the insert
// itself, never by a read-then-write.
type SQLDecisionStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewPostgresDecisionStore(db *sql.DB) *SQLDecisionStore {
	return &SQLDecisionStore{db: db, dialect: DialectPostgres}
}

func NewSQLiteDecisionStore(db *sql.DB) *SQLDecisionStore {
	return &SQLDecisionStore{db: db, dialect: DialectSQLite}
}

func (s *SQLDecisionStore) Put(ctx context.Context, d *contracts.PolicyDecision) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshal decision: %w", err)
	}
	query := bind(s.dialect, `
		INSERT INTO policy_decisions (id, tenant_id, request_id, timestamp, decision_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query, d.ID, d.TenantID, d.RequestID, fmtTime(d.Timestamp), string(doc))
	if err != nil {
		return fmt.Errorf("store: insert decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: insert decision: %w", err)
	}
	if n == 0 {
		return ErrDecisionExists
	}
	return nil
}

func (s *SQLDecisionStore) Get(ctx context.Context, id string) (*contracts.PolicyDecision, error) {
	query := bind(s.dialect, `SELECT decision_json FROM policy_decisions WHERE id = ?`)
	var doc string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get decision: %w", err)
	}
	var d contracts.PolicyDecision
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("store: decode decision %s: %w", id, err)
	}
	return &d, nil
}

func (s *SQLDecisionStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*contracts.PolicyDecision, error) {
	query := bind(s.dialect, `
		SELECT decision_json FROM policy_decisions
		WHERE tenant_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.PolicyDecision
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var d contracts.PolicyDecision
		if err := json.Unmarshal([]byte(doc), &d); err != nil {
			return nil, fmt.Errorf("store: decode decision row: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// SQLReceiptStore persists receipts write-once.
type SQLReceiptStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewPostgresReceiptStore(db *sql.DB) *SQLReceiptStore {
	return &SQLReceiptStore{db: db, dialect: DialectPostgres}
}

func NewSQLiteReceiptStore(db *sql.DB) *SQLReceiptStore {
	return &SQLReceiptStore{db: db, dialect: DialectSQLite}
}

func (s *SQLReceiptStore) Put(ctx context.Context, r *contracts.Receipt) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal receipt: %w", err)
	}
	query := bind(s.dialect, `
		INSERT INTO receipts (id, tenant_id, capability_id, idempotency_key, timestamp, receipt_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		r.ID, r.TenantID, r.CapabilityID, r.IdempotencyKey, fmtTime(r.Timestamp), string(doc))
	if err != nil {
		return fmt.Errorf("store: insert receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: insert receipt: %w", err)
	}
	if n == 0 {
		return ErrReceiptExists
	}
	return nil
}

func (s *SQLReceiptStore) Get(ctx context.Context, id string) (*contracts.Receipt, error) {
	query := bind(s.dialect, `SELECT receipt_json FROM receipts WHERE id = ?`)
	var doc string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get receipt: %w", err)
	}
	return decodeReceipt(doc)
}

func (s *SQLReceiptStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*contracts.Receipt, error) {
	query := bind(s.dialect, `
		SELECT receipt_json FROM receipts
		WHERE tenant_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`)
	return s.queryReceipts(ctx, query, tenantID, limit)
}

func (s *SQLReceiptStore) ListWindow(ctx context.Context, from, to time.Time) ([]*contracts.Receipt, error) {
	query := bind(s.dialect, `
		SELECT receipt_json FROM receipts
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC`)
	return s.queryReceipts(ctx, query, fmtTime(from), fmtTime(to))
}

func (s *SQLReceiptStore) queryReceipts(ctx context.Context, query string, args ...any) ([]*contracts.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Receipt
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		r, err := decodeReceipt(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeReceipt(doc string) (*contracts.Receipt, error) {
	var r contracts.Receipt
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("store: decode receipt: %w", err)
	}
	return &r, nil
}

// SQLOutcomeStore is the append-only event log.
type SQLOutcomeStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewPostgresOutcomeStore(db *sql.DB) *SQLOutcomeStore {
	return &SQLOutcomeStore{db: db, dialect: DialectPostgres}
}

func NewSQLiteOutcomeStore(db *sql.DB) *SQLOutcomeStore {
	return &SQLOutcomeStore{db: db, dialect: DialectSQLite}
}

func (s *SQLOutcomeStore) Append(ctx context.Context, ev *contracts.OutcomeEvent) error {
	query := bind(s.dialect, `
		INSERT INTO outcome_events
			(receipt_id, capability_id, capability_version, success, latency_ms, error_taxonomy, is_synthetic, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		ev.ReceiptID, ev.CapabilityID, ev.CapabilityVersion,
		boolToInt(ev.Success), ev.LatencyMS, string(ev.ErrorTaxonomy),
		boolToInt(ev.IsSynthetic), fmtTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("store: append outcome: %w", err)
	}
	return nil
}

func (s *SQLOutcomeStore) ListWindow(ctx context.Context, capabilityID, version string, from, to time.Time) ([]*contracts.OutcomeEvent, error) {
	query := bind(s.dialect, `
		SELECT receipt_id, capability_id, capability_version, success, latency_ms, error_taxonomy, is_synthetic, timestamp
		FROM outcome_events
		WHERE capability_id = ? AND capability_version = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC, seq ASC`)
	rows, err := s.db.QueryContext(ctx, query, capabilityID, version, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, fmt.Errorf("store: list outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.OutcomeEvent
	for rows.Next() {
		var (
			ev        contracts.OutcomeEvent
			success   int
			synthetic int
			taxonomy  string
			ts        string
		)
		if err := rows.Scan(&ev.ReceiptID, &ev.CapabilityID, &ev.CapabilityVersion,
			&success, &ev.LatencyMS, &taxonomy, &synthetic, &ts); err != nil {
			return nil, err
		}
		ev.Success = success != 0
		ev.IsSynthetic = synthetic != 0
		ev.ErrorTaxonomy = contracts.ErrorCode(taxonomy)
		ev.Timestamp = parseTime(ts)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *SQLOutcomeStore) Versions(ctx context.Context, since time.Time) ([]contracts.CapabilityVersionKey, error) {
	query := bind(s.dialect, `
		SELECT DISTINCT capability_id, capability_version
		FROM outcome_events
		WHERE timestamp >= ?
		ORDER BY capability_id, capability_version`)
	rows, err := s.db.QueryContext(ctx, query, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("store: list outcome versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.CapabilityVersionKey
	for rows.Next() {
		var k contracts.CapabilityVersionKey
		if err := rows.Scan(&k.CapabilityID, &k.Version); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLOutcomeStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	query := bind(s.dialect, `DELETE FROM outcome_events WHERE timestamp < ?`)
	res, err := s.db.ExecContext(ctx, query, fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("store: prune outcomes: %w", err)
	}
	return res.RowsAffected()
}

// SQLStatsStore holds the scorer's latest aggregate per capability
// version. The only overwriting store in the package.
type SQLStatsStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewPostgresStatsStore(db *sql.DB) *SQLStatsStore {
	return &SQLStatsStore{db: db, dialect: DialectPostgres}
}

func NewSQLiteStatsStore(db *sql.DB) *SQLStatsStore {
	return &SQLStatsStore{db: db, dialect: DialectSQLite}
}

func (s *SQLStatsStore) Upsert(ctx context.Context, st *contracts.CapabilityStats) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("store: marshal stats: %w", err)
	}
	query := bind(s.dialect, `
		INSERT INTO capability_stats (capability_id, capability_version, computed_at, stats_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (capability_id, capability_version)
		DO UPDATE SET computed_at = excluded.computed_at, stats_json = excluded.stats_json`)
	_, err = s.db.ExecContext(ctx, query,
		st.CapabilityID, st.CapabilityVersion, fmtTime(st.ComputedAt), string(doc))
	if err != nil {
		return fmt.Errorf("store: upsert stats: %w", err)
	}
	return nil
}

func (s *SQLStatsStore) Get(ctx context.Context, capabilityID, version string) (*contracts.CapabilityStats, error) {
	query := bind(s.dialect, `
		SELECT stats_json FROM capability_stats
		WHERE capability_id = ? AND capability_version = ?`)
	var doc string
	err := s.db.QueryRowContext(ctx, query, capabilityID, version).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get stats: %w", err)
	}
	var st contracts.CapabilityStats
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		return nil, fmt.Errorf("store: decode stats: %w", err)
	}
	return &st, nil
}

func (s *SQLStatsStore) List(ctx context.Context) ([]*contracts.CapabilityStats, error) {
	query := `
		SELECT stats_json FROM capability_stats
		ORDER BY capability_id, capability_version`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.CapabilityStats
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var st contracts.CapabilityStats
		if err := json.Unmarshal([]byte(doc), &st); err != nil {
			return nil, fmt.Errorf("store: decode stats row: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

var (
	_ DecisionStore = (*SQLDecisionStore)(nil)
	_ ReceiptStore  = (*SQLReceiptStore)(nil)
	_ OutcomeStore  = (*SQLOutcomeStore)(nil)
	_ StatsStore    = (*SQLStatsStore)(nil)

	_ DecisionStore = (*MemoryDecisionStore)(nil)
	_ ReceiptStore  = (*MemoryReceiptStore)(nil)
	_ OutcomeStore  = (*MemoryOutcomeStore)(nil)
	_ StatsStore    = (*MemoryStatsStore)(nil)
)
