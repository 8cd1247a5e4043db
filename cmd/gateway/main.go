package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/api"
	"github.com/lalithlochan/partyline/internal/app"
	"github.com/lalithlochan/partyline/internal/config"
	"github.com/lalithlochan/partyline/internal/inbound"
	"github.com/lalithlochan/partyline/internal/metrics"
	"github.com/lalithlochan/partyline/internal/notify"
	"github.com/lalithlochan/partyline/internal/observ"
	"github.com/lalithlochan/partyline/internal/provider"
	"github.com/lalithlochan/partyline/internal/redis"
	"github.com/lalithlochan/partyline/internal/sns"
	"github.com/lalithlochan/partyline/internal/sqs"
	"github.com/lalithlochan/partyline/internal/templates"
	"github.com/lalithlochan/partyline/internal/worker"
	"github.com/lalithlochan/partyline/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting partyline gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("provider", cfg.Provider),
		zap.Bool("debug", cfg.Debug),
	)

	ctx := context.Background()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Inbound callbacks, with optional fan-out to SNS and admin emails
	in := inbound.New(a.Repo, a.Repo, a.Sender, a.Catalog, logger)

	if cfg.SNSTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.SNSTopicARN, awsconfig.WithRegion(cfg.SNSRegion))
		if err != nil {
			logger.Warn("sns publisher unavailable, events will not be published", zap.Error(err))
		} else {
			in.WithEvents(publisher)
		}
	}

	if len(cfg.AdminEmails) > 0 {
		notifier, err := notify.NewSESNotifier(ctx, notify.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			AdminTo:   cfg.AdminEmails,
		}, logger)
		if err != nil {
			logger.Warn("ses notifier unavailable, admins will not be emailed", zap.Error(err))
		} else {
			in.WithAdminNotifier(notifier)
		}
	}

	if a.WhatsApp != nil {
		a.WhatsApp.Listen(in)
	}

	// Dispatch queue
	var producer *sqs.Producer
	var consumer *sqs.Consumer
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{Region: cfg.AWSRegion, QueueURL: cfg.SQSQueueURL}
		producer, err = sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, dispatches will run inline", zap.Error(err))
			producer = nil
		}
		consumer, err = sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, queued dispatches will not be processed", zap.Error(err))
			consumer = nil
		}
	}

	var queue workflow.Enqueuer
	if producer != nil {
		queue = producer
	}
	flows := workflow.New(a.Repo, a.Content, a.Dispatcher, queue, logger)

	seeds := a.Catalog.Catalog().Seeds()
	for i := range seeds {
		if seeds[i].Language == "" {
			seeds[i].Language = cfg.TemplateLanguageCode
		}
	}
	if created, err := flows.SeedTemplates(ctx, seeds); err != nil {
		logger.Error("failed to seed templates", zap.Error(err))
	} else if created > 0 {
		logger.Info("templates seeded", zap.Int("created", created))
	}

	// Background workers
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go worker.NewScheduler(a.Dispatcher, cfg.DispatchInterval, logger).Start(workerCtx)
	if a.Content != nil {
		go worker.NewApprovalPoller(flows, cfg.ApprovalInterval, logger).Start(workerCtx)
	}
	if consumer != nil {
		go worker.NewQueueWorker(consumer, a.Dispatcher, logger).Start(workerCtx)
	}
	go reportPoolStats(workerCtx, a)

	logger.Info("background workers started",
		zap.Duration("dispatch_interval", cfg.DispatchInterval),
		zap.Bool("approval_poller", a.Content != nil),
		zap.Bool("queue_worker", consumer != nil),
	)

	// API
	var limiter *redis.RateLimiter
	handler := api.NewHandler(logger, a.Repo, in, a.Dispatcher, flows).
		WithHealthCheck("postgres", a.DB.Health).
		WithBreakers(a.Breakers...)
	if a.Redis != nil {
		handler.WithHealthCheck("redis", a.Redis.Ping)
		handler.WithIdempotency(redis.NewIdempotencyService(a.Redis, logger))
		limiter = redis.NewRateLimiter(a.Redis, logger, redis.RateLimitConfig{
			Limit:  cfg.WebhookRateLimit,
			Window: cfg.WebhookRateWindow,
		})
	}
	if producer != nil {
		handler.WithQueue(producer)
	}
	if cfg.ValidateSignatures && cfg.Provider == config.ProviderTwilio {
		handler.WithSignatures(cfg.TwilioAuthToken, cfg.PublicURL)
	}

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.Router(handler, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // synchronous dispatches can be slow
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	if !cfg.Debug && cfg.AdminPhone != "" {
		announceReady(ctx, a, logger)
	}

	// SIGHUP reloads the catalog and closes the breakers, the others shut down
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-reload:
			if err := a.Catalog.Reload(); err != nil {
				logger.Error("catalog reload failed", zap.Error(err))
			}
			for _, b := range a.Breakers {
				b.Reset()
			}
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case sig := <-shutdown:
			logger.Info("shutdown signal received", zap.String("signal", sig.String()))
			workerCancel()

			// Give outstanding requests 10 seconds to complete
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}

			logger.Info("server stopped gracefully")
			return nil
		}
	}
}

// announceReady tells the admin phone that the gateway is up.
func announceReady(ctx context.Context, a *app.App, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, a.Config.SendTimeout)
	defer cancel()

	_, err := a.Sender.Send(ctx, provider.Outbound{
		To:   a.Config.AdminPhone,
		Body: a.Catalog.Catalog().Text(templates.TextServerReady),
	})
	if err != nil {
		logger.Warn("failed to announce readiness", zap.Error(err))
	}
}

func reportPoolStats(ctx context.Context, a *app.App) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(int(a.DB.Pool().Stat().TotalConns()))
		}
	}
}
