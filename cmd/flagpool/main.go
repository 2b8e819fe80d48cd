package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hfi/flagpool/internal/api"
	"github.com/hfi/flagpool/internal/audit"
	"github.com/hfi/flagpool/internal/challenge"
	"github.com/hfi/flagpool/internal/config"
	"github.com/hfi/flagpool/internal/cost"
	"github.com/hfi/flagpool/internal/generator"
	"github.com/hfi/flagpool/internal/keyfile"
	"github.com/hfi/flagpool/internal/lease"
	"github.com/hfi/flagpool/internal/logging"
	"github.com/hfi/flagpool/internal/scheme"
	"github.com/hfi/flagpool/internal/server"
	"github.com/hfi/flagpool/internal/staging"
	"github.com/hfi/flagpool/internal/storage"
	"github.com/hfi/flagpool/pkg/flagfmt"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "version":
		fmt.Printf("flagpool %s\n", Version)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Build Time: %s\n", BuildTime)
		return
	case "serve":
		err = runServe()
	case "ingest":
		err = runIngest()
	case "keygen":
		err = runKeygen(args)
	default:
		fmt.Fprintf(os.Stderr, "usage: flagpool [serve|ingest|keygen|version]\n")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "flagpool: %v\n", err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	log.Info().Str("version", Version).Str("storage", cfg.Storage.Type).Msg("flagpool starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditor, closeAudit, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer closeAudit()

	g := cfg.Generator
	key, created, err := keyfile.LoadOrGenerate(g.KeyFile, g.KeyBits)
	if err != nil {
		return err
	}
	if created {
		log.Info().Int("bits", key.N.BitLen()).Str("key_file", g.KeyFile).Msg("Generated encryption key")
	}
	hash, err := scheme.ParseHash(g.OAEPHash)
	if err != nil {
		return err
	}
	gen := generator.New(key, scheme.NewDefaultRegistry(&key.PublicKey, hash), cost.NewDefaultRegistry(g.QueryLimit), g.FlagLength)

	store, repo, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		sink     generator.Sink = generator.StoreSink{Store: store}
		ingester *staging.Ingester
	)
	if g.StagingDir != "" {
		dir, err := staging.NewDir(g.StagingDir, store)
		if err != nil {
			return err
		}
		sink = dir
		ingester = staging.NewIngester(dir, store, auditor, logging.Component(log, "ingest"))
		ingester.FlagLength = g.FlagLength
	}

	pipelines, err := buildPipelines(cfg, gen, sink, logging.Component(log, "generator"))
	if err != nil {
		return err
	}

	leases := lease.NewManager(store, challenge.ConfigSource{Repo: repo}, flagfmt.New(g.FlagLength),
		lease.WithEmergency(gen, cfg.Lease.EmergencyTimeout),
		lease.WithClaimRetries(cfg.Lease.ClaimRetries),
		lease.WithAudit(auditor),
		lease.WithLogger(logging.Component(log, "lease")),
	)

	registry := challenge.NewRegistry()
	registry.Register(challenge.NewOracleType(repo, leases, auditor, logging.Component(log, "challenge")))

	apiServer := api.New(cfg.API.Listen, api.Deps{
		Registry:  registry,
		Repo:      repo,
		Pool:      store,
		PublicKey: &key.PublicKey,
		Logger:    logging.Component(log, "api"),
	})

	mgmtCfg := server.DefaultConfig()
	mgmtCfg.Addr = cfg.Management.Listen
	mgmtCfg.Version = Version
	mgmtCfg.MetricsPath = ""
	if cfg.Metrics.Enabled {
		mgmtCfg.MetricsPath = cfg.Metrics.Endpoint
	}
	mgmt := server.New(mgmtCfg, logging.Component(log, "management"))
	mgmt.RegisterHealthCheck("pool", server.PingCheck(store))

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return generator.RunAll(gctx, pipelines)
	})
	if ingester != nil {
		grp.Go(func() error {
			return ingester.Run(gctx, g.IngestInterval)
		})
	}
	grp.Go(func() error {
		return serveHTTP(apiServer.Start)
	})
	grp.Go(func() error {
		return serveHTTP(mgmt.Start)
	})
	grp.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(apiServer.Stop(sctx), mgmt.Stop(sctx))
	})

	if err := grp.Wait(); err != nil {
		return err
	}
	log.Info().Msg("flagpool stopped")
	return nil
}

// runIngest moves every staged artifact into the pool once
func runIngest() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if cfg.Generator.StagingDir == "" {
		return errors.New("generator.staging_dir is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditor, closeAudit, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer closeAudit()

	store, _, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	dir, err := staging.NewDir(cfg.Generator.StagingDir, store)
	if err != nil {
		return err
	}
	in := staging.NewIngester(dir, store, auditor, log)
	in.FlagLength = cfg.Generator.FlagLength
	n, err := in.Once(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("ingested %d artifacts\n", n)
	return nil
}

// runKeygen writes a new encryption key
func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "flag.key", "path of the PEM key to write")
	bits := fs.Int("bits", 1024, "modulus size in bits")
	force := fs.Bool("force", false, "overwrite an existing key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s exists, use -force to overwrite", *out)
	}
	key, err := keyfile.Generate(*out, *bits)
	if err != nil {
		return err
	}
	pub, err := keyfile.PublicPEM(&key.PublicKey)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d-bit key to %s\n%s", key.N.BitLen(), *out, pub)
	return nil
}

func openAudit(cfg *config.Config) (audit.Auditor, func(), error) {
	a := cfg.Logging.Audit
	if !a.Enabled {
		return audit.NewNopLogger(), func() {}, nil
	}
	l, err := audit.NewLogger(&audit.Config{
		Enabled: a.Enabled,
		Level:   a.Level,
		Output:  a.Output,
		Format:  a.Format,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

// openStorage returns the pool store and the challenge repository. The
// durable backends keep both in the same database so challenge IDs and lease
// sets survive restarts together.
func openStorage(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.PoolStore, challenge.Repository, error) {
	switch cfg.Storage.Type {
	case "sqlite":
		db, err := storage.OpenSQLite(ctx, cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewSQLiteStore(db), challenge.NewStoreRepository(storage.NewSQLiteChallenges(db)), nil
	case "redis":
		r := cfg.Storage.Redis
		store, err := storage.NewRedisStore(r.Address, r.Password, r.DB)
		if err != nil {
			return nil, nil, err
		}
		return store, challenge.NewStoreRepository(storage.NewRedisChallenges(store)), nil
	default:
		log.Warn().Msg("Pool and challenges are kept in memory and lost on restart")
		return storage.NewMemoryStore(), challenge.NewMemoryRepository(), nil
	}
}

func buildPipelines(cfg *config.Config, gen *generator.Generator, sink generator.Sink, log zerolog.Logger) ([]*generator.Pipeline, error) {
	g := cfg.Generator
	pipelines := make([]*generator.Pipeline, 0, len(g.Pipelines))
	for _, pc := range g.Pipelines {
		category, err := cost.Canonical(pc.Category)
		if err != nil {
			return nil, err
		}
		schemeName, err := scheme.Canonical(pc.Scheme)
		if err != nil {
			return nil, err
		}

		if err := gen.Check(category, schemeName); err != nil {
			return nil, fmt.Errorf("pipeline %s/%s: %w", category, schemeName, err)
		}

		p := generator.NewPipeline(gen, sink, category, schemeName, log)
		p.Workers = g.Workers
		p.MaxFlags = g.MaxFlags
		if g.PollInterval > 0 {
			p.PollInterval = g.PollInterval
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

func serveHTTP(start func() error) error {
	if err := start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
