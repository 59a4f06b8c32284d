package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
)

const pgRegistrySchema = `
CREATE TABLE IF NOT EXISTS capability_manifests (
    id             TEXT NOT NULL,
    version        TEXT NOT NULL,
    status         TEXT NOT NULL,
    routing_status TEXT NOT NULL,
    manifest_json  TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (id, version)
);
CREATE INDEX IF NOT EXISTS idx_capability_manifests_status ON capability_manifests (id, status);
`

const sqliteRegistrySchema = `
CREATE TABLE IF NOT EXISTS capability_manifests (
    id             TEXT NOT NULL,
    version        TEXT NOT NULL,
    status         TEXT NOT NULL,
    routing_status TEXT NOT NULL,
    manifest_json  TEXT NOT NULL,
    created_at     TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (id, version)
);
CREATE INDEX IF NOT EXISTS idx_capability_manifests_status ON capability_manifests (id, status);
`

// Dialect selects the SQL flavor for SQLRegistry.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLRegistry is a Registry backed by PostgreSQL or SQLite. Queries are
// written once with ? placeholders and rebound for Postgres. The
// routing_status column is authoritative; the stored JSON is overlaid
// with it on read so SetRoutingStatus never rewrites the document.
type SQLRegistry struct {
	db      *sql.DB
	dialect Dialect
}

// NewPostgresRegistry wraps an open Postgres handle.
func NewPostgresRegistry(db *sql.DB) *SQLRegistry {
	return &SQLRegistry{db: db, dialect: DialectPostgres}
}

// NewSQLiteRegistry wraps an open SQLite handle.
func NewSQLiteRegistry(db *sql.DB) *SQLRegistry {
	return &SQLRegistry{db: db, dialect: DialectSQLite}
}

// Init creates the registry schema if it does not exist.
func (r *SQLRegistry) Init(ctx context.Context) error {
	schema := sqliteRegistrySchema
	if r.dialect == DialectPostgres {
		schema = pgRegistrySchema
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

func (r *SQLRegistry) Publish(ctx context.Context, m *contracts.CapabilityManifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	cp := *m
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("marshal manifest %s: %w", cp.Key(), err)
	}

	// The upsert only replaces drafts. Zero rows affected means the
	// row exists with a non-draft status.
	res, err := r.db.ExecContext(ctx, r.bind(`
        INSERT INTO capability_manifests (id, version, status, routing_status, manifest_json, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (id, version) DO UPDATE SET
            status = excluded.status,
            routing_status = excluded.routing_status,
            manifest_json = excluded.manifest_json
        WHERE capability_manifests.status = 'draft'`),
		cp.ID, cp.Version, string(cp.Status), string(cp.RoutingStatus), string(doc),
		cp.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("publish manifest %s: %w", cp.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("publish manifest %s: %w", cp.Key(), err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrManifestImmutable, cp.Key())
	}
	return nil
}

func (r *SQLRegistry) GetManifest(ctx context.Context, id, version string) (*contracts.CapabilityManifest, error) {
	if version != "" {
		row := r.db.QueryRowContext(ctx, r.bind(
			`SELECT manifest_json, routing_status FROM capability_manifests WHERE id = ? AND version = ?`,
		), id, version)
		m, err := scanManifest(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s@%s", ErrManifestNotFound, id, version)
		}
		return m, err
	}

	published, err := r.queryManifests(ctx,
		`SELECT manifest_json, routing_status FROM capability_manifests WHERE id = ? AND status = 'published'`, id)
	if err != nil {
		return nil, err
	}
	latest := latestByVersion(published)
	if latest == nil {
		return nil, fmt.Errorf("%w: %s (no published version)", ErrManifestNotFound, id)
	}
	return latest, nil
}

func (r *SQLRegistry) SetRoutingStatus(ctx context.Context, id, version string, rs contracts.RoutingStatus) error {
	res, err := r.db.ExecContext(ctx, r.bind(
		`UPDATE capability_manifests SET routing_status = ? WHERE id = ? AND version = ?`,
	), string(rs), id, version)
	if err != nil {
		return fmt.Errorf("set routing status %s@%s: %w", id, version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set routing status %s@%s: %w", id, version, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s@%s", ErrManifestNotFound, id, version)
	}
	return nil
}

func (r *SQLRegistry) ListVersions(ctx context.Context, id string) ([]*contracts.CapabilityManifest, error) {
	out, err := r.queryManifests(ctx,
		`SELECT manifest_json, routing_status FROM capability_manifests WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	sortByVersionDesc(out)
	return out, nil
}

func (r *SQLRegistry) List(ctx context.Context) ([]*contracts.CapabilityManifest, error) {
	all, err := r.queryManifests(ctx,
		`SELECT manifest_json, routing_status FROM capability_manifests WHERE status = 'published'`)
	if err != nil {
		return nil, err
	}
	byID := make(map[string][]*contracts.CapabilityManifest)
	for _, m := range all {
		byID[m.ID] = append(byID[m.ID], m)
	}
	out := make([]*contracts.CapabilityManifest, 0, len(byID))
	for _, versions := range byID {
		if latest := latestByVersion(versions); latest != nil {
			out = append(out, latest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *SQLRegistry) queryManifests(ctx context.Context, query string, args ...any) ([]*contracts.CapabilityManifest, error) {
	rows, err := r.db.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query manifests: %w", err)
	}
	defer rows.Close()

	var out []*contracts.CapabilityManifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row rowScanner) (*contracts.CapabilityManifest, error) {
	var doc, routing string
	if err := row.Scan(&doc, &routing); err != nil {
		return nil, err
	}
	var m contracts.CapabilityManifest
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("decode manifest row: %w", err)
	}
	m.RoutingStatus = contracts.RoutingStatus(routing)
	return &m, nil
}

// bind rewrites ? placeholders to $1..$n for Postgres.
func (r *SQLRegistry) bind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
