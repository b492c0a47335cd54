package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sluice-labs/sluice-go/internal/domain"
	"github.com/sluice-labs/sluice-go/internal/engine"
	"github.com/sluice-labs/sluice-go/internal/jobs"
	"github.com/sluice-labs/sluice-go/internal/notify"
	"github.com/sluice-labs/sluice-go/internal/platform/auditlog"
	"github.com/sluice-labs/sluice-go/internal/platform/auth"
	"github.com/sluice-labs/sluice-go/internal/platform/env"
	"github.com/sluice-labs/sluice-go/internal/platform/httpserver"
	"github.com/sluice-labs/sluice-go/internal/platform/objectstore"
	"github.com/sluice-labs/sluice-go/internal/platform/postgres"
	"github.com/sluice-labs/sluice-go/internal/quarantine"
	runstore "github.com/sluice-labs/sluice-go/internal/repo/postgres"
	"github.com/sluice-labs/sluice-go/internal/service/runs"
	"github.com/sluice-labs/sluice-go/internal/trigger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("SLUICE_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("SLUICE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	rulesetPath := env.String("SLUICE_RULESET_PATH", "ruleset.yaml")
	rulesetRaw, err := os.ReadFile(rulesetPath)
	if err != nil {
		logger.Error("ruleset unreadable", "path", rulesetPath, "error", err)
		os.Exit(2)
	}
	ruleset, err := domain.ParseRuleset(rulesetRaw)
	if err != nil {
		logger.Error("invalid ruleset", "path", rulesetPath, "error", err)
		os.Exit(2)
	}
	logger.Info("ruleset loaded", "path", rulesetPath, "version", ruleset.Version, "rules", len(ruleset.Rules))

	jobsCfg, err := jobs.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid job runner config", "error", err)
		os.Exit(2)
	}
	jobClient, err := jobs.NewHTTPClient(jobsCfg)
	if err != nil {
		logger.Error("job runner client init failed", "error", err)
		os.Exit(2)
	}

	quarantinePrefix := env.String("SLUICE_QUARANTINE_PREFIX", "rejected")
	mover, err := quarantine.NewMinioMover(storeClient, storeCfg, quarantinePrefix)
	if err != nil {
		logger.Error("quarantine mover init failed", "error", err)
		os.Exit(2)
	}

	webhookCfg, err := notify.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid webhook config", "error", err)
		os.Exit(2)
	}
	var notifier notify.Notifier
	if strings.TrimSpace(webhookCfg.URL) == "" {
		logger.Info("webhook url not set, outcomes will be logged")
		notifier = notify.LogNotifier{Logger: logger}
	} else {
		webhook, err := notify.NewWebhook(webhookCfg)
		if err != nil {
			logger.Error("invalid webhook config", "error", err)
			os.Exit(2)
		}
		notifier = webhook
	}

	runRepo := runstore.NewRunStore(db)
	transitionRepo := runstore.NewTransitionStore(db)

	engineCfg, err := engineConfigFromEnv()
	if err != nil {
		logger.Error("invalid engine config", "error", err)
		os.Exit(2)
	}
	eng, err := engine.New(logger, runRepo, transitionRepo, jobClient, mover, notifier, ruleset, engineCfg)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}

	service := runs.New(runRepo, transitionRepo)
	if service == nil {
		logger.Error("run service init failed")
		os.Exit(2)
	}

	schedulerCfg, err := schedulerConfigFromEnv()
	if err != nil {
		logger.Error("invalid scheduler config", "error", err)
		os.Exit(2)
	}
	if _, err := engine.StartScheduler(ctx, logger, eng, runRepo, schedulerCfg); err != nil {
		logger.Error("scheduler start failed", "error", err)
		os.Exit(2)
	}

	triggerCfg, err := trigger.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid trigger config", "error", err)
		os.Exit(2)
	}
	if _, err := trigger.StartListener(ctx, logger, storeClient, service, storeCfg.BucketRaw, quarantinePrefix, triggerCfg); err != nil {
		logger.Error("trigger listener start failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	case auth.ModeOIDC:
		verifier, err := auth.NewOIDCVerifier(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(1)
		}
		authenticator = verifier
	case auth.ModeDisabled:
		logger.Warn("auth disabled, api is unauthenticated")
		authenticator = nil
	default:
		logger.Error("unsupported auth mode", "mode", authCfg.Mode)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("orchestrator"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"orchestrator",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newOrchestratorAPI(logger, db, service, ruleset)
	api.register(mux)

	var handler http.Handler = mux
	if authenticator != nil {
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			Audit: func(ctx context.Context, event auth.DenyEvent) error {
				auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return auditlog.AppendAuthDeny(auditCtx, db, "orchestrator", event)
			},
			SkipPrefixes: []string{"/healthz", "/readyz"},
		}.Wrap(mux)
	}

	cfg := httpserver.Config{
		Service:         "orchestrator",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "orchestrator", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func engineConfigFromEnv() (engine.Config, error) {
	retryCeiling, err := env.Int("SLUICE_RETRY_CEILING", 3)
	if err != nil {
		return engine.Config{}, err
	}
	backoffBase, err := env.Duration("SLUICE_BACKOFF_BASE", 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	backoffCap, err := env.Duration("SLUICE_BACKOFF_CAP", 10*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	budgetDiscover, err := env.Duration("SLUICE_BUDGET_DISCOVER", 15*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	budgetEvaluate, err := env.Duration("SLUICE_BUDGET_EVALUATE", 30*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	budgetTransform, err := env.Duration("SLUICE_BUDGET_TRANSFORM", 2*time.Hour)
	if err != nil {
		return engine.Config{}, err
	}
	targetLocation := strings.TrimSpace(env.String("SLUICE_TARGET_LOCATION", ""))
	if targetLocation == "" {
		return engine.Config{}, errors.New("SLUICE_TARGET_LOCATION is required")
	}
	return engine.Config{
		RetryCeiling: retryCeiling,
		BackoffBase:  backoffBase,
		BackoffCap:   backoffCap,
		Budgets: map[domain.JobKind]time.Duration{
			domain.JobKindDiscover:  budgetDiscover,
			domain.JobKindEvaluate:  budgetEvaluate,
			domain.JobKindTransform: budgetTransform,
		},
		SourceDatabase: env.String("SLUICE_CATALOG_SOURCE_DB", "raw"),
		TargetDatabase: env.String("SLUICE_CATALOG_TARGET_DB", "warehouse"),
		TargetLocation: targetLocation,
	}, nil
}

func schedulerConfigFromEnv() (engine.SchedulerConfig, error) {
	enabled, err := env.Bool("SLUICE_SCHEDULER_ENABLED", true)
	if err != nil {
		return engine.SchedulerConfig{}, err
	}
	interval, err := env.Duration("SLUICE_SCHEDULER_INTERVAL", 5*time.Second)
	if err != nil {
		return engine.SchedulerConfig{}, err
	}
	batch, err := env.Int("SLUICE_SCHEDULER_BATCH", 25)
	if err != nil {
		return engine.SchedulerConfig{}, err
	}
	workers, err := env.Int("SLUICE_SCHEDULER_WORKERS", 4)
	if err != nil {
		return engine.SchedulerConfig{}, err
	}
	pollRate, err := env.Float64("SLUICE_POLL_RATE", 10.0)
	if err != nil {
		return engine.SchedulerConfig{}, err
	}
	pollBurst, err := env.Int("SLUICE_POLL_BURST", 5)
	if err != nil {
		return engine.SchedulerConfig{}, err
	}
	return engine.SchedulerConfig{
		Enabled:   enabled,
		Interval:  interval,
		BatchSize: batch,
		Workers:   workers,
		PollRate:  pollRate,
		PollBurst: pollBurst,
	}, nil
}
