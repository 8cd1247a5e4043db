// Package app wires the shared runtime used by the gateway and the command
// line tools: database, Redis, the provider sender chain and the dispatcher.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/circuitbreaker"
	"github.com/lalithlochan/partyline/internal/config"
	"github.com/lalithlochan/partyline/internal/db"
	"github.com/lalithlochan/partyline/internal/dispatch"
	"github.com/lalithlochan/partyline/internal/metrics"
	"github.com/lalithlochan/partyline/internal/provider"
	"github.com/lalithlochan/partyline/internal/redis"
	"github.com/lalithlochan/partyline/internal/templates"
	"github.com/lalithlochan/partyline/internal/whatsapp"
	"github.com/lalithlochan/partyline/internal/workflow"
)

// StatusWebhookPath is where providers post delivery reports.
const StatusWebhookPath = "/v1/webhooks/status"

type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	DB         *db.DB
	Repo       *db.Repository
	Redis      *redis.Client // nil when Redis is not configured
	Catalog    *templates.CatalogStore
	Sender     provider.Sender
	Content    workflow.ContentAPI // nil unless the provider has a content API
	WhatsApp   *whatsapp.Client    // set for the whatsmeow provider
	Dispatcher *dispatch.Dispatcher
	Breakers   []*circuitbreaker.CircuitBreaker

	closers []func()
}

// New connects to the backing services and builds the dispatcher.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = database
	a.closers = append(a.closers, database.Close)
	a.Repo = db.NewRepository(database, logger)

	if cfg.RedisHost != "" {
		client, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, claims and rate limits disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			a.Redis = client
			a.closers = append(a.closers, func() { _ = client.Close() })
		}
	}

	a.Catalog, err = templates.NewCatalogStore(cfg.CatalogDir, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	if err := a.buildSender(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var claims dispatch.Claimer
	if a.Redis != nil {
		claims = redis.NewClaims(a.Redis, cfg.ClaimTTL, logger)
	}

	statusCallback := ""
	if cfg.Provider == config.ProviderTwilio {
		statusCallback = cfg.PublicURL + StatusWebhookPath
	}

	a.Dispatcher = dispatch.New(a.Repo, a.Repo, a.Sender, claims, dispatch.Config{
		PublicURL:         cfg.PublicURL,
		StatusCallbackURL: statusCallback,
		Channel:           db.ChannelWhatsApp,
		Concurrency:       cfg.DispatchConcurrency,
		SendTimeout:       cfg.SendTimeout,
		MaxFailedAttempts: cfg.MaxFailedAttempts,
		SilenceWindow:     cfg.SilenceWindow,
		WaitDelay:         cfg.WaitDelay,
	}, logger)

	return a, nil
}

func (a *App) buildSender(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	var primary provider.Sender
	switch cfg.Provider {
	case config.ProviderTwilio:
		tc := provider.NewTwilioClient(provider.TwilioConfig{
			AccountSID:          cfg.TwilioAccountSID,
			AuthToken:           cfg.TwilioAuthToken,
			From:                cfg.TwilioFrom,
			MessagingServiceSID: cfg.TwilioMessagingSID,
			Timeout:             cfg.SendTimeout,
		}, logger)
		primary = tc
		a.Content = tc
	case config.ProviderWhatsApp:
		wa, err := whatsapp.Open(ctx, whatsapp.Config{StoreDir: cfg.WhatsAppStoreDir, Debug: cfg.Debug}, logger)
		if err != nil {
			return fmt.Errorf("failed to open whatsapp session: %w", err)
		}
		if err := wa.Connect(); err != nil {
			wa.Disconnect()
			return err
		}
		a.WhatsApp = wa
		a.closers = append(a.closers, wa.Disconnect)
		primary = whatsapp.NewSender(wa)
	default:
		primary = provider.NewLogSender(logger)
	}

	senders := []provider.Sender{a.protect(cfg.Provider, primary)}

	if cfg.SMSEnabled {
		sms, err := provider.NewSNSSender(ctx, provider.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			logger.Warn("SNS sender unavailable, SMS disabled", zap.Error(err))
		} else {
			senders = append(senders, a.protect("sns", sms))
		}
	}

	var sender provider.Sender = provider.NewMultiSender(logger, senders...)
	if cfg.Debug {
		sender = provider.NewAllowlistSender(sender, cfg.DebugNumbersAllowed, logger)
	}
	a.Sender = sender

	logger.Info("sender chain ready",
		zap.String("provider", cfg.Provider),
		zap.Bool("sms_enabled", len(senders) > 1),
		zap.Bool("debug_allowlist", cfg.Debug),
	)
	return nil
}

func (a *App) protect(name string, s provider.Sender) provider.Sender {
	cfg := circuitbreaker.DefaultConfig(name)
	if a.Config.BreakerMaxFailures > 0 {
		cfg.MaxFailures = a.Config.BreakerMaxFailures
	}
	if a.Config.BreakerResetTimeout > 0 {
		cfg.RecoveryTimeout = a.Config.BreakerResetTimeout
	}
	cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	breaker := circuitbreaker.New(cfg, a.Logger)
	a.Breakers = append(a.Breakers, breaker)
	metrics.SetBreakerState(name, int(circuitbreaker.StateClosed))
	return circuitbreaker.NewProtectedSender(s, breaker, a.Logger)
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
