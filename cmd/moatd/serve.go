package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/moatlabs/moat/pkg/adapters"
	"github.com/moatlabs/moat/pkg/api"
	"github.com/moatlabs/moat/pkg/approval"
	"github.com/moatlabs/moat/pkg/archive"
	"github.com/moatlabs/moat/pkg/auth"
	"github.com/moatlabs/moat/pkg/budget"
	"github.com/moatlabs/moat/pkg/catalog"
	"github.com/moatlabs/moat/pkg/config"
	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/idempotency"
	"github.com/moatlabs/moat/pkg/observability"
	"github.com/moatlabs/moat/pkg/outcome"
	"github.com/moatlabs/moat/pkg/pipeline"
	"github.com/moatlabs/moat/pkg/policy"
	"github.com/moatlabs/moat/pkg/prober"
	"github.com/moatlabs/moat/pkg/registry"
	"github.com/moatlabs/moat/pkg/routing"
	"github.com/moatlabs/moat/pkg/schema"
	"github.com/moatlabs/moat/pkg/scorer"
	"github.com/moatlabs/moat/pkg/store"
)

//nolint:gocognit,gocyclo // Wiring is linear and intentionally exhaustive.
func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var addrFlag string
	fs.StringVar(&addrFlag, "addr", "", "listen address (overrides MOAT_LISTEN_ADDR)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if addrFlag != "" {
		cfg.Addr = addrFlag
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	fmt.Fprintf(stdout, "%sMoat gateway starting...%s\n", ColorBold+ColorBlue, ColorReset)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable stores.
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

	audit := store.NewAuditLog()

	if cfg.SeedsDir != "" {
		sf, err := registry.LoadSeedDir(cfg.SeedsDir)
		if err != nil {
			fmt.Fprintf(stderr, "moatd: load seeds: %v\n", err)
			return 1
		}
		if err := sf.Apply(ctx, stores.registry, stores.tenants); err != nil {
			fmt.Fprintf(stderr, "moatd: apply seeds: %v\n", err)
			return 1
		}
		log.Printf("[moatd] seeds: applied %d manifests, %d bundles from %s",
			len(sf.Manifests), len(sf.Bundles), cfg.SeedsDir)
	}

	// Fast stores.
	var (
		idem    idempotency.Store
		budgets budget.Store
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			fmt.Fprintf(stderr, "moatd: redis ping: %v\n", err)
			return 1
		}
		defer client.Close()
		idem = idempotency.NewRedisStore(client)
		budgets = budget.NewRedisStore(client)
		log.Printf("[moatd] redis: connected %s", cfg.RedisAddr)
	} else {
		mem := idempotency.NewMemoryStore(0)
		defer mem.Close()
		idem = mem
		budgets = budget.NewMemoryStore()
		log.Printf("[moatd] fast stores: in-memory")
	}

	// Tenant auth. Lite mode mints an ephemeral secret so a fresh
	// checkout serves without configuration; everything else requires
	// an operator-provided one.
	secret := []byte(cfg.AuthSecret)
	if len(secret) == 0 {
		if !cfg.LiteMode() {
			fmt.Fprintln(stderr, "moatd: MOAT_AUTH_SECRET is required when DATABASE_URL is set")
			return 1
		}
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			fmt.Fprintf(stderr, "moatd: generate ephemeral secret: %v\n", err)
			return 1
		}
		log.Printf("[moatd] auth: minted ephemeral signing secret; tokens die with the process")
	}
	authn, err := auth.NewAuthenticator(auth.Config{Secret: secret, Issuer: cfg.AuthIssuer})
	if err != nil {
		fmt.Fprintf(stderr, "moatd: %v\n", err)
		return 1
	}

	approvals, err := approval.NewManager(secret, cfg.ApprovalTTL)
	if err != nil {
		fmt.Fprintf(stderr, "moatd: %v\n", err)
		return 1
	}
	engine := policy.NewEngine(approvals)

	resolver, err := buildVault(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "moatd: %v\n", err)
		return 1
	}

	// Adapters. The HTTP proxy serves provider "http"; lite mode adds
	// the stub as fallback so unseeded providers still answer.
	var stub adapters.Adapter
	if cfg.LiteMode() {
		stub = adapters.NewStubAdapter()
	}
	areg := adapters.NewRegistry(stub)
	areg.Register("http", adapters.NewHTTPAdapter(adapters.HTTPOptions{
		MaxResponseBytes: cfg.OutputLimitBytes,
	}))

	cat := catalog.New(stores.registry, catalog.Options{
		TTL:         cfg.CatalogTTL,
		NegativeTTL: cfg.CatalogNegativeTTL,
	})

	// Outcome fan-out: scorer feeds the routing advisor, the optional
	// webhook pushes receipts outward.
	bus := outcome.NewBus(logger)
	advisor := routing.New(stores.registry, routing.Options{
		Catalog:        cat,
		Audit:          audit,
		HideThreshold:  cfg.HideThreshold,
		HideSustain:    cfg.HideSustain,
		ThrottleP95MS:  cfg.ThrottleP95MS,
		PreferredRate:  cfg.PreferredRate,
		PreferredP95MS: cfg.PreferredP95MS,
		Logger:         logger,
	})
	trust := scorer.New(stores.outcomes, stores.stats, scorer.Options{
		Window:    cfg.ScorerWindow,
		Interval:  cfg.ScorerInterval,
		MinVolume: cfg.ScorerMinVolume,
		OnBatch: func(ctx context.Context, batch []*contracts.CapabilityStats) {
			advisor.Apply(ctx, batch)
		},
		Logger: logger,
	})
	bus.Subscribe("scorer", 256, trust.Handler())

	if cfg.WebhookURL != "" {
		publisher, err := outcome.NewWebhookPublisher(outcome.WebhookConfig{
			URL:             cfg.WebhookURL,
			Secret:          cfg.WebhookSecret,
			IncludeFailures: cfg.WebhookIncludeFailures,
		}, logger)
		if err != nil {
			fmt.Fprintf(stderr, "moatd: %v\n", err)
			return 1
		}
		bus.Subscribe("webhook", 256, publisher.Handler())
		log.Printf("[moatd] webhook: publishing outcomes to %s", cfg.WebhookURL)
	}

	var obs *observability.Provider
	if cfg.ObservabilityEnabled {
		obs, err = observability.New(ctx, &observability.Config{
			ServiceName:    "moat-gateway",
			ServiceVersion: version,
			Environment:    cfg.Environment,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     cfg.SampleRate,
			Enabled:        true,
			Insecure:       cfg.OTLPInsecure,
		})
		if err != nil {
			fmt.Fprintf(stderr, "moatd: observability: %v\n", err)
			return 1
		}
	}

	deps := pipeline.Deps{
		Manifests:   cat,
		Bundles:     stores.tenants,
		Engine:      engine,
		Budgets:     budgets,
		Idempotency: idem,
		Vault:       resolver,
		Adapters:    areg,
		Gate:        schema.NewGate(),
		Decisions:   stores.decisions,
		Receipts:    stores.receipts,
		Emitter:     bus,
	}
	if obs != nil {
		deps.Observer = obs
	}
	pipe, err := pipeline.New(deps, pipeline.Options{
		AdapterTimeout: cfg.AdapterTimeout,
		SuccessTTL:     cfg.SuccessTTL,
		FailureTTL:     cfg.FailureTTL,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "moatd: %v\n", err)
		return 1
	}

	// Control loops.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = trust.Run(ctx)
	}()
	log.Printf("[moatd] scorer: recomputing every %s over a %s window", cfg.ScorerInterval, cfg.ScorerWindow)

	if cfg.ProbesDir != "" {
		probes, err := loadProbes(cfg.ProbesDir)
		if err != nil {
			fmt.Fprintf(stderr, "moatd: load probes: %v\n", err)
			return 1
		}
		if len(probes) > 0 {
			pr := prober.New(pipe, stores.stats, probes, prober.Options{
				Audit:    audit,
				Interval: cfg.ProbeInterval,
				Logger:   logger,
			})
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = pr.Run(ctx)
			}()
			log.Printf("[moatd] prober: %d probes every %s", len(probes), cfg.ProbeInterval)
		}
	}

	if cfg.ArchiveStorageType != "" && cfg.ArchiveStorageType != "none" {
		objects, err := archive.NewObjectStore(ctx, archive.StoreConfig{
			Type:   archive.StoreType(cfg.ArchiveStorageType),
			Bucket: cfg.ArchiveBucket,
		})
		if err != nil {
			fmt.Fprintf(stderr, "moatd: archive: %v\n", err)
			return 1
		}
		prefix := cfg.ArchivePrefix
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		archiver := archive.New(stores.receipts, objects, archive.Options{
			Interval:  cfg.ArchiveInterval,
			KeyPrefix: prefix,
			Logger:    logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = archiver.Run(ctx)
		}()
		log.Printf("[moatd] archive: %s segments every %s", cfg.ArchiveStorageType, cfg.ArchiveInterval)
	}

	srv, err := api.NewServer(api.Config{
		Addr:          cfg.Addr,
		RateRPS:       cfg.RateRPS,
		RateBurst:     cfg.RateBurst,
		ShutdownGrace: cfg.ShutdownGrace,
		Version:       version,
	}, api.Deps{
		Executor: pipe,
		Stats:    stores.stats,
		Auth:     authn,
		Tracing:  obs,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "moatd: %v\n", err)
		return 1
	}

	log.Printf("[moatd] ready: listening on %s", cfg.Addr)
	log.Printf("[moatd] press ctrl+c to stop")

	serveErr := srv.ListenAndServe(ctx)

	// Drain: stop the control loops, flush the bus, export what's left.
	stop()
	bus.Close()
	wg.Wait()
	if obs != nil {
		_ = obs.Shutdown(context.Background())
	}

	if serveErr != nil {
		fmt.Fprintf(stderr, "moatd: server: %v\n", serveErr)
		return 1
	}
	log.Printf("[moatd] shutting down")
	return 0
}
