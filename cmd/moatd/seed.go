package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/moatlabs/moat/pkg/auth"
	"github.com/moatlabs/moat/pkg/config"
	"github.com/moatlabs/moat/pkg/registry"
)

// runSeedCmd applies manifest and bundle seed files to the configured
// stores, creating the schema on first run.
func runSeedCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		dir  string
		file string
	)
	fs.StringVar(&dir, "dir", "seeds", "directory of seed YAML files")
	fs.StringVar(&file, "file", "", "single seed YAML file (overrides -dir)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	ctx := context.Background()

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "moatd: %v\n", err)
		return 1
	}
	defer db.Close()

	stores := buildStores(db, dialect)
	if err := stores.init(ctx, db, dialect); err != nil {
		fmt.Fprintf(stderr, "moatd: %v\n", err)
		return 1
	}

	var sf *registry.SeedFile
	if file != "" {
		sf, err = registry.LoadSeedFile(file)
	} else {
		sf, err = registry.LoadSeedDir(dir)
	}
	if err != nil {
		fmt.Fprintf(stderr, "moatd: %v\n", err)
		return 1
	}
	if len(sf.Manifests) == 0 && len(sf.Bundles) == 0 {
		fmt.Fprintln(stderr, "moatd: no manifests or bundles found")
		return 1
	}

	if err := sf.Apply(ctx, stores.registry, stores.tenants); err != nil {
		fmt.Fprintf(stderr, "moatd: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "applied %d manifests and %d bundles\n", len(sf.Manifests), len(sf.Bundles))
	return 0
}

// runMintCmd mints a tenant bearer token with the configured signing
// secret. Production deployments usually mint at their identity
// provider; this covers development and smoke tests.
func runMintCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		tenant string
		ttl    time.Duration
	)
	fs.StringVar(&tenant, "tenant", "", "tenant id to mint a token for (REQUIRED)")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if tenant == "" {
		fmt.Fprintln(stderr, "Error: -tenant is required")
		fs.Usage()
		return 2
	}

	cfg := config.Load()
	if cfg.AuthSecret == "" {
		fmt.Fprintln(stderr, "Error: MOAT_AUTH_SECRET must be set to mint tokens")
		return 1
	}

	authn, err := auth.NewAuthenticator(auth.Config{
		Secret: []byte(cfg.AuthSecret),
		Issuer: cfg.AuthIssuer,
		TTL:    ttl,
	})
	if err != nil {
		fmt.Fprintf(stderr, "moatd: %v\n", err)
		return 1
	}

	token, err := authn.Mint(tenant)
	if err != nil {
		fmt.Fprintf(stderr, "moatd: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, token)
	return 0
}
