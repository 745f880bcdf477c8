package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/guestpost/marketplace/submission-engine/internal/auth"
	"github.com/guestpost/marketplace/submission-engine/internal/config"
	"github.com/guestpost/marketplace/submission-engine/internal/events"
	"github.com/guestpost/marketplace/submission-engine/internal/httpserver"
	"github.com/guestpost/marketplace/submission-engine/internal/logging"
	"github.com/guestpost/marketplace/submission-engine/internal/models"
	"github.com/guestpost/marketplace/submission-engine/internal/notify"
	"github.com/guestpost/marketplace/submission-engine/internal/payment"
	"github.com/guestpost/marketplace/submission-engine/internal/runner"
	"github.com/guestpost/marketplace/submission-engine/internal/scheduler"
	"github.com/guestpost/marketplace/submission-engine/internal/store"
	"github.com/guestpost/marketplace/submission-engine/internal/validation"
	"github.com/guestpost/marketplace/submission-engine/internal/workflow"
)

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "apply the schema and exit")
	noWorkers := flag.Bool("no-workers", false, "serve HTTP only; do not run validation, scheduling or reconciliation")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal(slog.Default(), "config load", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore := openStore(ctx, cfg, logger, *migrateOnly)
	defer closeStore()
	if *migrateOnly {
		logger.Info("schema applied")
		return
	}

	plagiarism, err := newChecker("plagiarism", cfg.Integrations.Plagiarism)
	if err != nil {
		fatal(logger, "plagiarism checker init", err)
	}
	aiContent, err := newChecker("ai_content", cfg.Integrations.AIContent)
	if err != nil {
		fatal(logger, "ai content checker init", err)
	}
	thresholds := models.Thresholds{Plagiarism: cfg.PlagiarismThreshold, AIContent: cfg.AIContentThreshold}
	aggregator := validation.NewAggregator(plagiarism, aiContent, st, thresholds, logger)

	gateway, webhookSecret := newGateway(cfg, logger)

	publisher, closePublisher := newPublisher(ctx, cfg, st, logger)
	defer closePublisher()

	machine := workflow.NewMachine(st, gateway, publisher, workflow.Config{
		Thresholds:            thresholds,
		MaxValidationAttempts: cfg.MaxValidationAttempts,
		Fee:                   cfg.SubmissionFee,
		Currency:              cfg.Currency,
	}, logger)

	verifier, err := auth.NewVerifier(auth.Config{
		HS256Secret:    cfg.AuthHS256Secret,
		PublicKeysFile: cfg.AuthPublicKeysFile,
		Issuer:         cfg.AuthIssuer,
		DevAllowLocal:  cfg.AuthDevAllowLocal,
	})
	if err != nil {
		fatal(logger, "auth init", err)
	}

	var workers sync.WaitGroup
	if !*noWorkers {
		validationRunner := runner.New(machine, aggregator, st, runner.Config{
			Concurrency:  cfg.RunnerConcurrency,
			PollInterval: cfg.RunnerPoll,
			StaleAfter:   cfg.ValidationStale,
			Logger:       logger,
		})
		machine.SetValidationQueue(validationRunner)
		publications := scheduler.New(machine, st, scheduler.Config{
			Interval: cfg.SchedulerInterval,
			Lease:    cfg.ClaimLease,
			WorkerID: cfg.WorkerID,
			Logger:   logger,
		})
		reconciler := scheduler.NewReconciler(machine, st, gateway, scheduler.ReconcilerConfig{
			Interval:   cfg.SchedulerInterval,
			SessionTTL: cfg.PaymentSessionTTL,
			Logger:     logger,
		})
		for _, run := range []func(context.Context){validationRunner.Run, publications.Run, reconciler.Run} {
			workers.Add(1)
			go func(run func(context.Context)) {
				defer workers.Done()
				run(ctx)
			}(run)
		}
	}

	server := httpserver.New(machine, st, verifier, webhookSecret, logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("submission engine listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "http server error", err)
		}
	}()

	waitForShutdown(logger, cancel, httpServer)
	workers.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger, migrateOnly bool) (store.Store, func()) {
	if cfg.DatabaseURL == "" {
		if migrateOnly {
			fatal(logger, "migrate", errors.New("DATABASE_URL or SUBMISSION_ENGINE_DATABASE_URL required"))
		}
		logger.Warn("no database configured; using in-memory store")
		return store.NewMemoryStore(), func() {}
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "db open", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		fatal(logger, "db ping", err)
	}
	if cfg.AutoMigrate || migrateOnly {
		if err := store.Migrate(ctx, db); err != nil {
			fatal(logger, "db migrate", err)
		}
	}
	return store.NewPGStore(db), func() { _ = db.Close() }
}

func newChecker(name string, svc *config.ValidationService) (validation.Checker, error) {
	return validation.NewHTTPChecker(validation.HTTPCheckerConfig{
		Name:        name,
		BaseURL:     svc.BaseURL,
		Path:        svc.Path,
		APIKey:      svc.APIKey,
		Timeout:     svc.Timeout,
		MaxAttempts: svc.MaxAttempts,
		Backoff:     svc.Backoff,
	})
}

func newGateway(cfg config.Config, logger *slog.Logger) (payment.Gateway, string) {
	secret := cfg.PaymentWebhookSecret()
	if secret == "" {
		logger.Warn("payment webhook signatures are not verified")
	}
	gw := cfg.Integrations.PaymentGateway
	if gw == nil {
		logger.Warn("no payment gateway configured; sessions stay pending")
		return payment.NewStaticGateway(cfg.PublicBaseURL), secret
	}
	client, err := payment.NewHTTPGateway(payment.HTTPGatewayConfig{
		BaseURL: gw.BaseURL,
		APIKey:  gw.APIKey,
		Timeout: gw.Timeout,
		Retries: gw.Retries,
	})
	if err != nil {
		fatal(logger, "payment gateway init", err)
	}
	return client, secret
}

func newPublisher(ctx context.Context, cfg config.Config, st store.Store, logger *slog.Logger) (events.Publisher, func()) {
	var (
		fanout  events.Fanout
		closers []func() error
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			fatal(logger, "kafka publisher init", err)
		}
		fanout = append(fanout, kp)
		closers = append(closers, kp.Close)
		logger.Info("publishing transitions to kafka", "topic", cfg.KafkaTopic)
	}
	if cfg.S3Bucket != "" {
		archiver, err := events.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			fatal(logger, "s3 archiver init", err)
		}
		fanout = append(fanout, archiver)
		logger.Info("archiving transitions to s3", "bucket", cfg.S3Bucket)
	}
	if cfg.SMTPHost != "" {
		mailer, err := notify.NewMailer(notify.Config{
			Host:          cfg.SMTPHost,
			Port:          cfg.SMTPPort,
			Username:      cfg.SMTPUser,
			Password:      cfg.SMTPPass,
			From:          cfg.SMTPFrom,
			SkipTLSVerify: cfg.SMTPSkipTLSVerify,
			Timeout:       10 * time.Second,
			BaseURL:       cfg.PublicBaseURL,
		}, st, logger)
		if err != nil {
			fatal(logger, "mailer init", err)
		}
		fanout = append(fanout, mailer)
	}
	async := events.NewAsyncPublisher(fanout, events.AsyncConfig{Logger: logger})
	closers = append([]func() error{async.Close}, closers...)
	return async, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("close publisher", "error", err)
			}
		}
	}
}

func waitForShutdown(logger *slog.Logger, cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
