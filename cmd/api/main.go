package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"voiceagent-platform/internal/agents"
	"voiceagent-platform/internal/ai"
	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/config"
	"voiceagent-platform/internal/crm"
	"voiceagent-platform/internal/dialer"
	"voiceagent-platform/internal/email"
	"voiceagent-platform/internal/httpapi"
	"voiceagent-platform/internal/ledger"
	"voiceagent-platform/internal/notify"
	"voiceagent-platform/internal/queue"
	"voiceagent-platform/internal/reporting"
	"voiceagent-platform/internal/tasks"
	"voiceagent-platform/internal/telephony"
	"voiceagent-platform/internal/watchdog"
	"voiceagent-platform/internal/webhook"
	"voiceagent-platform/internal/workflow"
	"voiceagent-platform/pkg/logger"
	"voiceagent-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown; every pool and pump hangs
	// off it.
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Stores.
	callStore := calls.NewPostgresStore(db)
	led := ledger.NewPostgresLedger(db)
	defs := workflow.NewPostgresDefinitions(db)
	executions := workflow.NewPostgresExecutions(db)
	sessions := workflow.NewPostgresSessions(db)

	box, err := agents.NewSecretBox(cfg.Providers.CredentialsKey)
	if err != nil {
		log.Error("credentials key invalid", "err", err)
		os.Exit(1)
	}
	directory := agents.NewPostgresDirectory(db, box)

	// Telephony.
	tokens := telephony.NewCallbackTokens(cfg.Providers.CallbackTokenSecret, 0)
	carrier := telephony.NewCarrierProvider(cfg.Providers.AIBackendURL, nil)
	sip := telephony.NewSIPProvider(cfg.Providers.SignalingURL, cfg.Providers.SIPOriginateTimeout, nil)

	// Queueing and dial worker.
	q := queue.NewRedisQueue(rdb, log)
	claimer := dialer.RedisClaimer{Rdb: rdb}
	limiter := dialer.RedisLimiter{Rdb: rdb, Limit: cfg.Dialer.OrgConcurrencyCap}
	worker := dialer.NewWorker(
		dialer.WorkerConfig{
			PublicBaseURL: cfg.App.PublicBaseURL,
			WatchdogDelay: cfg.Watchdog.Delay,
		},
		callStore, carrier, sip, tokens, q, q, claimer, limiter, log,
	)
	dialSvc := dialer.NewService(
		callStore, led, ledger.Estimator{}, directory, q, q, worker,
		cfg.Dialer.GuardWindow, cfg.Dialer.MaxAttempts, log,
	)

	notifier := notify.LogNotifier{Log: log}
	runner := tasks.NewRunner(log, 2*time.Minute)

	// Workflow engine.
	wfHandlers := workflow.Handlers{
		Adapter: ai.HTTPAdapter{
			BaseURL: cfg.Providers.LLMURL,
			APIKey:  cfg.Providers.LLMAPIKey,
			Model:   cfg.Providers.LLMModel,
		},
		Sender: email.APIClient{
			BaseURL: cfg.Providers.EmailAPIURL,
			APIKey:  cfg.Providers.EmailAPIKey,
		},
		Hubspot: hubspotClient(cfg),
		Zoho:    zohoClient(cfg),
		Dialer:  dialSvc,
	}
	executor := workflow.NewExecutor(executions, wfHandlers.Registry(), notifier, log)
	matcher := workflow.NewMatcher(callStore, defs, sessions, executor, runner, log)

	// Webhook ingestion.
	tracker := reporting.NewLiveTracker()
	pipeline := webhook.NewPipeline(callStore, led, ledger.Estimator{}, matcher, runner, tracker, log)
	checker := watchdog.NewChecker(callStore, notifier, log)

	// Background pools: dial jobs, fired timeout checks, and the pumps
	// moving due delayed jobs onto their FIFO queues.
	dialPoolCfg := queue.PoolConfig{
		QueueName:   queue.DialQueue,
		Workers:     cfg.Dialer.Workers,
		MaxAttempts: cfg.Dialer.MaxAttempts,
		BackoffBase: cfg.Dialer.BackoffBase,
	}
	timeoutPoolCfg := queue.PoolConfig{
		QueueName: queue.TimeoutQueue,
		Workers:   cfg.Watchdog.Workers,
	}
	var bg sync.WaitGroup
	runBackground := func(name string, run func(ctx context.Context)) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			log.Info("background loop started", "name", name)
			run(rootCtx)
		}()
	}
	runBackground("dial-pool", queue.NewPool(dialPoolCfg, q, q, worker.Handle, log).Run)
	runBackground("dial-retry-pump", queue.RetryPump(dialPoolCfg, q, q, log).Run)
	runBackground("timeout-pool", queue.NewPool(timeoutPoolCfg, q, q, checker.Handle, log).Run)
	runBackground("timeout-retry-pump", queue.RetryPump(timeoutPoolCfg, q, q, log).Run)
	runBackground("watchdog-pump", (&queue.DelayPump{
		From:    queue.WatchdogQueue,
		To:      queue.TimeoutQueue,
		Delayed: q,
		Queue:   q,
		Log:     log,
	}).Run)
	runBackground("tracker-prune", func(ctx context.Context) {
		tracker.PruneLoop(ctx, time.Hour, 24*time.Hour)
	})

	// HTTP surface.
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r,
		httpapi.Handlers{
			Dialer:  dialSvc,
			Store:   callStore,
			Ledger:  led,
			Reports: reporting.NewService(callStore, led),
			Tracker: tracker,
			Log:     log,
		},
		webhook.Handlers{Pipeline: pipeline, Tokens: tokens, Log: log},
		db,
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Pools drain in-flight jobs once rootCtx is cancelled; the runner
	// waits for detached work (workflow firings, trigger matching).
	bg.Wait()
	runner.Close()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

func hubspotClient(cfg config.Config) crm.Client {
	if cfg.Providers.HubspotToken == "" {
		return nil
	}
	return &crm.HubSpotClient{AccessToken: cfg.Providers.HubspotToken}
}

func zohoClient(cfg config.Config) crm.Client {
	if cfg.Providers.ZohoToken == "" {
		return nil
	}
	return &crm.ZohoClient{AccessToken: cfg.Providers.ZohoToken}
}
