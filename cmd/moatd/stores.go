package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moatlabs/moat/pkg/config"
	"github.com/moatlabs/moat/pkg/prober"
	"github.com/moatlabs/moat/pkg/registry"
	"github.com/moatlabs/moat/pkg/store"
	"github.com/moatlabs/moat/pkg/tenants"
	"github.com/moatlabs/moat/pkg/vault"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (lite mode)
)

// openDatabase connects to Postgres when DATABASE_URL is set and falls
// back to embedded SQLite otherwise.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, store.Dialect, error) {
	if cfg.LiteMode() {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, "", fmt.Errorf("create data dir: %w", err)
			}
		}
		log.Printf("[moatd] lite mode: using sqlite at %s", cfg.SQLitePath)

		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite: %w", err)
		}
		return db, store.DialectSQLite, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("postgres ping: %w", err)
	}
	log.Printf("[moatd] postgres: connected")
	return db, store.DialectPostgres, nil
}

// gatewayStores groups every SQL-backed store behind one dialect
// switch.
type gatewayStores struct {
	registry  *registry.SQLRegistry
	tenants   *tenants.SQLStore
	decisions *store.SQLDecisionStore
	receipts  *store.SQLReceiptStore
	outcomes  *store.SQLOutcomeStore
	stats     *store.SQLStatsStore
}

func buildStores(db *sql.DB, dialect store.Dialect) *gatewayStores {
	if dialect == store.DialectPostgres {
		return &gatewayStores{
			registry:  registry.NewPostgresRegistry(db),
			tenants:   tenants.NewPostgresStore(db),
			decisions: store.NewPostgresDecisionStore(db),
			receipts:  store.NewPostgresReceiptStore(db),
			outcomes:  store.NewPostgresOutcomeStore(db),
			stats:     store.NewPostgresStatsStore(db),
		}
	}
	return &gatewayStores{
		registry:  registry.NewSQLiteRegistry(db),
		tenants:   tenants.NewSQLiteStore(db),
		decisions: store.NewSQLiteDecisionStore(db),
		receipts:  store.NewSQLiteReceiptStore(db),
		outcomes:  store.NewSQLiteOutcomeStore(db),
		stats:     store.NewSQLiteStatsStore(db),
	}
}

func (s *gatewayStores) init(ctx context.Context, db *sql.DB, dialect store.Dialect) error {
	if err := store.Init(ctx, db, dialect); err != nil {
		return err
	}
	if err := s.registry.Init(ctx); err != nil {
		return fmt.Errorf("init registry: %w", err)
	}
	if err := s.tenants.Init(ctx); err != nil {
		return fmt.Errorf("init tenant directory: %w", err)
	}
	return nil
}

// buildVault assembles the credential resolver: env refs always work,
// local refs only when a master key is configured.
func buildVault(cfg *config.Config) (vault.Resolver, error) {
	mux := vault.NewMux(vault.EnvResolver{})
	mux.Register("env", vault.EnvResolver{})

	if cfg.VaultMasterKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.VaultMasterKey)
		if err != nil {
			return nil, fmt.Errorf("decode MOAT_VAULT_MASTER_KEY: %w", err)
		}
		if dir := filepath.Dir(cfg.VaultPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("create vault dir: %w", err)
			}
		}
		lv, err := vault.NewLocalVault(cfg.VaultPath, key)
		if err != nil {
			return nil, err
		}
		mux.Register("local", lv)
		log.Printf("[moatd] vault: local store at %s", cfg.VaultPath)
	}
	return mux, nil
}

// loadProbes merges every *.yaml probe file in dir, in filename order.
func loadProbes(dir string) ([]*prober.Probe, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var probes []*prober.Probe
	for _, path := range matches {
		ps, err := prober.LoadFile(path)
		if err != nil {
			return nil, err
		}
		probes = append(probes, ps...)
	}
	return probes, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
