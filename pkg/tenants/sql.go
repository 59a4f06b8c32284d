package tenants

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
)

const pgTenantsSchema = `
CREATE TABLE IF NOT EXISTS tenants (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_bundles (
    tenant_id          TEXT NOT NULL,
    capability_id      TEXT NOT NULL,
    capability_version TEXT NOT NULL DEFAULT '',
    bundle_json        TEXT NOT NULL,
    updated_at         TEXT NOT NULL,
    PRIMARY KEY (tenant_id, capability_id, capability_version)
);
CREATE INDEX IF NOT EXISTS idx_policy_bundles_tenant ON policy_bundles (tenant_id);
`

const sqliteTenantsSchema = pgTenantsSchema

// Dialect selects the SQL flavor for SQLStore.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLStore is a Store backed by PostgreSQL or SQLite. Bundles are
// stored as JSON documents with the key columns lifted out; the
// document is authoritative on read.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewPostgresStore wraps an open Postgres handle.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectPostgres}
}

// NewSQLiteStore wraps an open SQLite handle.
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectSQLite}
}

// Init creates the tenants schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	schema := sqliteTenantsSchema
	if s.dialect == DialectPostgres {
		schema = pgTenantsSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init tenants schema: %w", err)
	}
	return nil
}

func (s *SQLStore) PutTenant(ctx context.Context, t *Tenant) error {
	cp := *t
	if err := normalizeTenant(&cp); err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	// created_at survives updates; the insert value only lands on the
	// first write.
	_, err := s.db.ExecContext(ctx, s.bind(`
        INSERT INTO tenants (id, name, status, created_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            name = excluded.name,
            status = excluded.status`),
		cp.ID, cp.Name, string(cp.Status), cp.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put tenant %s: %w", cp.ID, err)
	}
	return nil
}

func (s *SQLStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var (
		t         Tenant
		status    string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, s.bind(
		`SELECT id, name, status, created_at FROM tenants WHERE id = ?`,
	), id).Scan(&t.ID, &t.Name, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", id, err)
	}
	t.Status = Status(status)
	if ts, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		t.CreatedAt = ts
	}
	return &t, nil
}

func (s *SQLStore) SetStatus(ctx context.Context, id string, status Status) error {
	if !validStatus(status) {
		return fmt.Errorf("tenants: invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE tenants SET status = ? WHERE id = ?`,
	), string(status), id)
	if err != nil {
		return fmt.Errorf("set tenant status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set tenant status %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	return nil
}

func (s *SQLStore) PutBundle(ctx context.Context, b *contracts.PolicyBundle) error {
	if err := validateBundle(b); err != nil {
		return err
	}
	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bundle %s/%s: %w", b.TenantID, b.CapabilityID, err)
	}
	_, err = s.db.ExecContext(ctx, s.bind(`
        INSERT INTO policy_bundles (tenant_id, capability_id, capability_version, bundle_json, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (tenant_id, capability_id, capability_version) DO UPDATE SET
            bundle_json = excluded.bundle_json,
            updated_at = excluded.updated_at`),
		b.TenantID, b.CapabilityID, b.CapabilityVersion, string(doc),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put bundle %s/%s: %w", b.TenantID, b.CapabilityID, err)
	}
	return nil
}

func (s *SQLStore) GetBundle(ctx context.Context, tenantID, capabilityID, version string) (*contracts.PolicyBundle, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.bind(
		`SELECT status FROM tenants WHERE id = ?`,
	), tenantID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No directory entry carries no opinion; seeded bundles stand
		// on their own.
	case err != nil:
		return nil, fmt.Errorf("get tenant status %s: %w", tenantID, err)
	case Status(status) == StatusSuspended:
		return nil, fmt.Errorf("%w: tenant %s is suspended", ErrNoBundle, tenantID)
	}

	b, err := s.queryBundle(ctx, tenantID, capabilityID, version)
	if err == nil || !errors.Is(err, sql.ErrNoRows) {
		return b, err
	}
	if version != "" {
		b, err = s.queryBundle(ctx, tenantID, capabilityID, "")
		if err == nil || !errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
	}
	return nil, fmt.Errorf("%w: %s/%s@%s", ErrNoBundle, tenantID, capabilityID, version)
}

// queryBundle returns sql.ErrNoRows unwrapped so GetBundle can fall
// through to the versionless row.
func (s *SQLStore) queryBundle(ctx context.Context, tenantID, capabilityID, version string) (*contracts.PolicyBundle, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.bind(
		`SELECT bundle_json FROM policy_bundles WHERE tenant_id = ? AND capability_id = ? AND capability_version = ?`,
	), tenantID, capabilityID, version).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get bundle %s/%s@%s: %w", tenantID, capabilityID, version, err)
	}
	var b contracts.PolicyBundle
	if err := json.Unmarshal([]byte(doc), &b); err != nil {
		return nil, fmt.Errorf("decode bundle %s/%s@%s: %w", tenantID, capabilityID, version, err)
	}
	return &b, nil
}

// bind rewrites ? placeholders to $1..$n for Postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != DialectPostgres {
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
