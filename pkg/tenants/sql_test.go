package tenants_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moatlabs/moat/pkg/tenants"
)

func TestSQLPutTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := tenants.NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO tenants (id, name, status, created_at)",
	)).WithArgs("tenant-a", "Acme", "active", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.PutTenant(context.Background(), &tenants.Tenant{ID: "tenant-a", Name: "Acme"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := tenants.NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT id, name, status, created_at FROM tenants WHERE id = $1",
	)).WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "created_at"}).
			AddRow("tenant-a", "Acme", "suspended", "2026-01-15T09:00:00Z"))

	got, err := s.GetTenant(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)
	assert.Equal(t, tenants.StatusSuspended, got.Status)
	assert.Equal(t, 2026, got.CreatedAt.Year())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetTenantNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := tenants.NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, status, created_at FROM tenants")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err = s.GetTenant(context.Background(), "ghost")
	assert.ErrorIs(t, err, tenants.ErrTenantNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSetStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := tenants.NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE tenants SET status = $1 WHERE id = $2",
	)).WithArgs("suspended", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.SetStatus(context.Background(), "ghost", tenants.StatusSuspended), tenants.ErrTenantNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLPutBundle(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := tenants.NewPostgresStore(db)
	b := newBundle("tenant-a", "example.send_message", "1.0.0", "example.send_message")
	doc, err := json.Marshal(b)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO policy_bundles (tenant_id, capability_id, capability_version, bundle_json, updated_at)",
	)).WithArgs("tenant-a", "example.send_message", "1.0.0", string(doc), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.PutBundle(context.Background(), b))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetBundleExact(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := tenants.NewPostgresStore(db)
	doc, err := json.Marshal(newBundle("tenant-a", "example.send_message", "1.0.0", "example.send_message"))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM tenants WHERE id = $1")).
		WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT bundle_json FROM policy_bundles WHERE tenant_id = $1 AND capability_id = $2 AND capability_version = $3",
	)).WithArgs("tenant-a", "example.send_message", "1.0.0").
		WillReturnRows(sqlmock.NewRows([]string{"bundle_json"}).AddRow(string(doc)))

	got, err := s.GetBundle(context.Background(), "tenant-a", "example.send_message", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.CapabilityVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetBundleFallsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := tenants.NewPostgresStore(db)
	doc, err := json.Marshal(newBundle("tenant-a", "example.send_message", "", "example.send_message"))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM tenants")).
		WithArgs("tenant-a").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT bundle_json FROM policy_bundles")).
		WithArgs("tenant-a", "example.send_message", "1.0.0").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT bundle_json FROM policy_bundles")).
		WithArgs("tenant-a", "example.send_message", "").
		WillReturnRows(sqlmock.NewRows([]string{"bundle_json"}).AddRow(string(doc)))

	got, err := s.GetBundle(context.Background(), "tenant-a", "example.send_message", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "", got.CapabilityVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetBundleSuspendedTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := tenants.NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM tenants")).
		WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("suspended"))

	_, err = s.GetBundle(context.Background(), "tenant-a", "example.send_message", "1.0.0")
	assert.ErrorIs(t, err, tenants.ErrNoBundle)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetBundleMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := tenants.NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM tenants")).
		WithArgs("tenant-a").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT bundle_json FROM policy_bundles")).
		WithArgs("tenant-a", "example.send_message", "1.0.0").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT bundle_json FROM policy_bundles")).
		WithArgs("tenant-a", "example.send_message", "").
		WillReturnError(sql.ErrNoRows)

	_, err = s.GetBundle(context.Background(), "tenant-a", "example.send_message", "1.0.0")
	assert.ErrorIs(t, err, tenants.ErrNoBundle)
	assert.NoError(t, mock.ExpectationsWereMet())
}
