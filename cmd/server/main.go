package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"verify-engine/internal/api"
	"verify-engine/internal/audit"
	"verify-engine/internal/cache"
	"verify-engine/internal/config"
	"verify-engine/internal/correlate"
	"verify-engine/internal/executor"
	"verify-engine/internal/minimize"
	"verify-engine/internal/monitor"
	"verify-engine/internal/sched"
	"verify-engine/internal/score"
	"verify-engine/internal/verify"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Initialize execution backend (auto-detects Docker vs local)
	backend, err := executor.NewBackend(executor.Options{
		Backend:       cfg.Executor.Backend,
		Image:         cfg.Executor.Image,
		MaxConcurrent: cfg.Executor.MaxConcurrent,
		WorkspaceRoot: cfg.Executor.WorkspaceRoot,
	})
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Executor.Backend).Msg("execution backend unavailable")
	}

	// Initialize database (optional — runs without it for development)
	var db *audit.DB
	if cfg.Database.DSN != "" {
		db, err = audit.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	// Initialize audit writer (buffered, reliable logging)
	var auditWriter *audit.Writer
	if db != nil {
		auditWriter = audit.NewWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	// Result cache with hit/miss counters
	resultCache := cache.New(cache.Config{
		TTL:        cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
	})
	resultCache.SetCounters(
		func() { metrics.CacheHits.Inc() },
		func() { metrics.CacheMisses.Inc() },
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resultCache.Sweep()
			}
		}
	}()

	// Scheduler
	var sink sched.AuditSink
	if auditWriter != nil {
		sink = auditWriter
	}
	scheduler := sched.New(sched.Config{
		GlobalMaxConcurrent: cfg.Scheduler.GlobalMaxConcurrent,
		TenantMaxConcurrent: cfg.Scheduler.TenantMaxConcurrent,
		QueueDepth:          cfg.Scheduler.QueueDepth,
		DefaultTimeout:      cfg.Scheduler.DefaultTimeout,
		MaxTimeout:          cfg.Scheduler.MaxTimeout,
		CancelGrace:         cfg.Scheduler.CancelGrace,
		Retry:               cfg.Scheduler.Retry,
	}, backend, resultCache, sink, metrics)
	defer scheduler.Close()

	// Verification, scoring, correlation
	verifier := verify.NewVerifier(scheduler, nil, metrics)
	scorer := score.NewScorer(cfg.Scorer.Weights, metrics)

	indexRoot := os.Getenv("INDEX_ROOT")
	if indexRoot == "" {
		indexRoot = "."
	}
	correlator := correlate.New(correlate.NewDirIndex(indexRoot), correlate.Config{
		TopN:           cfg.Correlator.TopN,
		ExactWeight:    cfg.Correlator.ExactWeight,
		FuzzyWeight:    cfg.Correlator.FuzzyWeight,
		SemanticWeight: cfg.Correlator.SemanticWeight,
		RecencyWeight:  cfg.Correlator.RecencyWeight,
		RecencyWindow:  cfg.Correlator.RecencyWindow,
	})

	minOpts := minimize.Options{
		Parallelism: cfg.Minimizer.Parallelism,
		OnVerdict:   metrics.RecordOracleCall,
	}

	handlers := api.NewHandlers(scheduler, verifier, scorer, correlator, db, metrics, minOpts)
	server := api.NewServer(cfg, handlers, backend, db, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Cleanup backend resources
		if backend != nil {
			if err := backend.Close(); err != nil {
				log.Error().Err(err).Msg("backend close error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("backend_available", backend != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
