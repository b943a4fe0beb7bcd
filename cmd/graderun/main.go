package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/me/graderun/internal/ci"
	"github.com/me/graderun/internal/clock"
	"github.com/me/graderun/internal/config"
	"github.com/me/graderun/internal/eligibility"
	"github.com/me/graderun/internal/gradefile"
	"github.com/me/graderun/internal/grades"
	"github.com/me/graderun/internal/kv"
	"github.com/me/graderun/internal/lock"
	"github.com/me/graderun/internal/logging"
	"github.com/me/graderun/internal/metrics"
	"github.com/me/graderun/internal/reconciler"
	"github.com/me/graderun/internal/scheduler"
	"github.com/me/graderun/internal/server"
	"github.com/me/graderun/internal/store"
	"github.com/me/graderun/pkg/model"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML config file")
	flagAddr := flag.String("addr", "", "Listen address (overrides config)")
	flagDB := flag.String("db", "", "Database path (overrides config)")
	flagLogLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flagLogFormat := flag.String("log-format", "", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *flagAddr != "" {
		cfg.Server.Addr = *flagAddr
	}
	if *flagDB != "" {
		cfg.DB.Path = *flagDB
	}
	if *flagLogLevel != "" {
		cfg.Log.Level = *flagLogLevel
	}
	if *flagLogFormat != "" {
		cfg.Log.Format = *flagLogFormat
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	clk := clock.New()

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(cfg.DB.Path, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", cfg.DB.Path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Mutation lock backend.
	lockTTL := cfg.Lock.TTL
	if lockTTL <= 0 {
		lockTTL = lock.TTLDefault
	}
	var locks *lock.Manager
	switch cfg.Lock.Backend {
	case "nats":
		nc, err := nats.Connect(cfg.Lock.NATSURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect nats %s: %v\n", cfg.Lock.NATSURL, err)
			os.Exit(1)
		}
		defer nc.Close()
		bucket, err := kv.OpenBucket(ctx, nc, cfg.Lock.Bucket, lockTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open lock bucket: %v\n", err)
			os.Exit(1)
		}
		locks = lock.NewManager(bucket, clk, logger)
		logger.Info("distributed locks ready", "backend", "nats", "bucket", cfg.Lock.Bucket)
	default:
		locks = lock.NewManager(kv.NewMemory(lockTTL, clk), clk, logger)
		logger.Warn("using in-process locks; run a single instance or configure the nats backend")
	}

	// Grade file backend.
	var remote gradefile.Remote
	switch cfg.GradeFiles.Backend {
	case "s3":
		remote, err = gradefile.NewS3Remote(ctx, cfg.GradeFiles.Bucket, cfg.GradeFiles.Region, cfg.GradeFiles.Endpoint, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open grade file bucket: %v\n", err)
			os.Exit(1)
		}
		logger.Info("grade files ready", "backend", "s3", "bucket", cfg.GradeFiles.Bucket)
	default:
		remote = gradefile.NewLocal(cfg.GradeFiles.Dir)
		logger.Info("grade files ready", "backend", "local", "dir", cfg.GradeFiles.Dir)
	}

	// External executor client.
	ciCfg := ci.DefaultConfig(cfg.Executor.BaseURL, cfg.Executor.Token)
	if cfg.Executor.Timeout > 0 {
		ciCfg.Timeout = cfg.Executor.Timeout
	}
	if cfg.Executor.MaxRetries > 0 {
		ciCfg.MaxRetries = cfg.Executor.MaxRetries
	}
	if cfg.Executor.RetryDelay > 0 {
		ciCfg.RetryDelay = cfg.Executor.RetryDelay
	}
	client := ci.NewClient(ciCfg, logger)

	m := metrics.NewCollector()
	svc := grades.NewService(st, client, locks, remote, m, clk, logger)
	calc := eligibility.NewCalculator(st, clk, logger)

	// Every grading job type dispatches to the executor when its timer fires.
	reg := scheduler.NewRegistry(logger)
	for _, jt := range []model.JobType{
		model.JobTypeFinalGrading,
		model.JobTypeRegrade,
		model.JobTypeStudentInitiated,
		model.JobTypeStaffInitiated,
		model.JobTypeStaffInitiatedGrading,
	} {
		reg.Register(jt, svc.DispatchAndRecord)
	}

	sched := scheduler.New(st, reg, clk, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		Lookahead:    cfg.Scheduler.Lookahead,
		GracePeriod:  cfg.Scheduler.GracePeriod,
	}, m, logger)

	recon := reconciler.New(st, client, reconciler.Config{
		PollInterval:  cfg.Reconciler.PollInterval,
		MaxConcurrent: cfg.Reconciler.MaxConcurrent,
	}, m, logger)

	srv := server.New(cfg.Server, st, sched, calc, svc, m, clk, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	// Both loops block until shutdown, so they run in the background.
	go func() {
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler exited", "error", err)
		}
	}()
	go func() {
		if err := recon.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciler exited", "error", err)
		}
	}()

	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop the loops before the HTTP server so in-flight handlers can still
	// read consistent state.
	if err := recon.Stop(); err != nil {
		logger.Error("reconciler stop error", "error", err)
	}
	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
