package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mattjoyce/payhook/internal/api"
	"github.com/mattjoyce/payhook/internal/auth"
	"github.com/mattjoyce/payhook/internal/config"
	"github.com/mattjoyce/payhook/internal/deadletter"
	"github.com/mattjoyce/payhook/internal/dedup"
	"github.com/mattjoyce/payhook/internal/events"
	"github.com/mattjoyce/payhook/internal/ingest"
	"github.com/mattjoyce/payhook/internal/lock"
	"github.com/mattjoyce/payhook/internal/log"
	"github.com/mattjoyce/payhook/internal/normalize"
	"github.com/mattjoyce/payhook/internal/order"
	"github.com/mattjoyce/payhook/internal/payment"
	"github.com/mattjoyce/payhook/internal/queue"
	"github.com/mattjoyce/payhook/internal/reconcile"
	"github.com/mattjoyce/payhook/internal/storage"
	"github.com/mattjoyce/payhook/internal/sweeper"
	"github.com/mattjoyce/payhook/internal/verify"
)

const eventHubCapacity = 256

// pipeline is the assembled set of components sharing one state database.
type pipeline struct {
	db          *sql.DB
	dedup       *dedup.Store
	deadLetters *deadletter.SQLiteSink
	sink        deadletter.Sink
	queue       *queue.Queue
	orders      *order.Repository
	replayer    *deadletter.Replayer

	closers []io.Closer
}

// openPipeline opens the state database and builds the storage-side
// components. Callers must call Close.
func openPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}
	p := &pipeline{db: db, closers: []io.Closer{db}}

	var cache dedup.Cache
	if cfg.Dedup.RedisURL != "" {
		client, err := dedup.ConnectRedis(cfg.Dedup.RedisURL)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.closers = append(p.closers, client)
		cache = dedup.NewRedisCache(client, cfg.Dedup.CacheTTL)
	}
	p.dedup = dedup.NewStore(db, dedup.Options{
		PendingTimeout: cfg.Dedup.PendingTimeout,
		Cache:          cache,
	})

	p.deadLetters = deadletter.NewSQLiteSink(db)
	p.sink = p.deadLetters
	if k := cfg.DeadLetter.Kafka; k != nil {
		kafkaSink, err := deadletter.NewKafkaSink(k.Brokers, k.Topic)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.closers = append(p.closers, kafkaSink)
		p.sink = deadletter.NewFanout(p.deadLetters, kafkaSink)
	}

	p.queue = queue.New(db, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     queue.NewBackoff(cfg.Queue.BackoffBase, cfg.Queue.BackoffCap),
		DeadLetters: p.sink,
		Dedup:       p.dedup,
	})
	p.orders = order.NewRepository(db)
	p.replayer = deadletter.NewReplayer(p.deadLetters, p.dedup, p.queue)
	return p, nil
}

// Close releases every resource in reverse order of acquisition.
func (p *pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildVerifiers registers one verifier per configured provider.
func buildVerifiers(providers map[string]config.ProviderConfig) (*verify.Registry, error) {
	reg := verify.NewRegistry()
	for name, pc := range providers {
		provider, err := payment.ParseProvider(name)
		if err != nil {
			return nil, err
		}
		switch provider {
		case payment.ProviderStripe:
			reg.Register(provider, verify.NewStripe(pc.Secret, pc.Tolerance))
		case payment.ProviderPayPal:
			reg.Register(provider, verify.NewPayPal(verify.PayPalConfig{
				WebhookID:    pc.WebhookID,
				CertHosts:    pc.CertHosts,
				CertCacheTTL: pc.CertCacheTTL,
				Tolerance:    pc.Tolerance,
			}))
		case payment.ProviderOther:
			reg.Register(provider, verify.NewHMAC(verify.HMACConfig{
				Secret:          pc.Secret,
				SignatureHeader: pc.SignatureHeader,
				TimestampHeader: pc.TimestampHeader,
				Tolerance:       pc.Tolerance,
			}))
		}
	}
	return reg, nil
}

func apiTokens(cfg config.APIAuthConfig) []auth.TokenConfig {
	tokens := make([]auth.TokenConfig, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	return tokens
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("payhook starting", "version", version, "config", cfg.SourceFile)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := openPipeline(ctx, cfg)
	if err != nil {
		logger.Error("failed to open pipeline", "error", err)
		return 1
	}
	defer p.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	verifiers, err := buildVerifiers(cfg.Ingest.Providers)
	if err != nil {
		logger.Error("failed to configure verifiers", "error", err)
		return 1
	}
	stripeCfg := cfg.Ingest.Providers[string(payment.ProviderStripe)]
	normalizer := normalize.New(normalize.Options{
		StripeOrderReferenceField: stripeCfg.OrderReferenceField,
		StripeDisputeReference:    stripeCfg.DisputeReference,
	})

	ingestConfig, err := ingest.FromConfig(cfg.Ingest)
	if err != nil {
		logger.Error("failed to configure ingestion", "error", err)
		return 1
	}

	hub := events.NewHub(eventHubCapacity)

	ingestServer := ingest.New(ingestConfig, ingest.Deps{
		Verifier:    verifiers,
		Normalizer:  normalizer,
		Dedup:       p.dedup,
		Queue:       p.queue,
		DeadLetters: p.sink,
		Events:      hub,
	}, log.WithComponent("ingest"))

	committer := reconcile.NewCommitter(p.db, p.orders, p.dedup)
	pool := reconcile.NewPool(reconcile.Config{
		Workers:      cfg.Workers.Count,
		Lease:        cfg.Workers.Lease,
		PollInterval: cfg.Workers.PollInterval,
	}, p.queue, p.dedup, p.orders, committer, hub)

	sweep := sweeper.New(sweeper.Config{
		Interval:  cfg.Sweeper.Interval,
		Retention: cfg.Sweeper.Retention,
		OrphanAge: cfg.Sweeper.OrphanAge,
	}, p.dedup, hub, log.WithComponent("sweeper"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pool.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("workers: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ingestServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("ingest: %w", err)
		}
	}()
	logger.Info("ingestion enabled", "listen", ingestConfig.Listen, "endpoints", len(ingestConfig.Endpoints))

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: apiTokens(cfg.API.Auth),
		}, api.Deps{
			Queue:       p.queue,
			Dedup:       p.dedup,
			DeadLetters: p.deadLetters,
			Replayer:    p.replayer,
			Events:      hub,
		}, log.WithComponent("api"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	sweep.Start(ctx)
	defer sweep.Stop()

	logger.Info("payhook running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}
	cancel()
	wg.Wait()

	logger.Info("payhook stopped")
	return exitCode
}
