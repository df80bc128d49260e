// Package bootstrap wires configuration into the services shared by the API
// server and the operator CLI.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/dive-affiliate-payouts/internal/crm"
	"github.com/noah-isme/dive-affiliate-payouts/internal/provider"
	"github.com/noah-isme/dive-affiliate-payouts/internal/repository"
	"github.com/noah-isme/dive-affiliate-payouts/internal/service"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/cache"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/config"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/database"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/events"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/retry"
)

// Container holds the long-lived dependencies of a process.
type Container struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *sqlx.DB
	Redis  *redis.Client

	Metrics    *service.MetricsService
	Publisher  events.Publisher
	OAuth      *crm.AuthorizationServer
	Tokens     *service.TokenService
	CRM        *crm.Client
	CRMSync    *service.CRMSyncService
	Providers  *provider.Registry
	Dispatcher *service.PayoutDispatcher
	Scheduler  *service.BatchScheduler
	Payouts    *service.PayoutQueryService
	APITokens  *service.APITokenService
}

// New connects to Postgres, Redis and RabbitMQ and builds every service.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Container{Config: cfg, Logger: logger, Metrics: service.NewMetricsService()}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	c.DB = db

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	c.Redis = redisClient

	c.Publisher = &events.NopPublisher{Logger: logger}
	if cfg.AMQP.URL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Publisher = publisher
	}

	httpClient := &http.Client{}

	credentials := repository.NewCredentialRepository(db)
	ledger := repository.NewPayoutRepository(db)
	commissions := repository.NewCommissionRepository(db)
	lease := repository.NewRefreshLeaseRepository(redisClient)

	c.OAuth = crm.NewAuthorizationServer(cfg.CRM, httpClient)
	c.Tokens = service.NewTokenService(credentials, c.OAuth, lease, c.Metrics, logger.Named("crm-token"), service.TokenServiceConfig{
		ConnectionID:   cfg.CRM.ConnectionID,
		LocationID:     cfg.CRM.LocationID,
		RefreshMargin:  cfg.CRM.RefreshMargin,
		RefreshTimeout: cfg.CRM.RefreshTimeout,
		LeaseTTL:       cfg.CRM.RefreshLease,
	})
	c.CRM = crm.NewClient(crm.ClientConfig{
		BaseURL:         cfg.CRM.APIBaseURL,
		Version:         cfg.CRM.APIVersion,
		LocationID:      cfg.CRM.LocationID,
		RequestTimeout:  cfg.CRM.RequestTimeout,
		ContactCacheTTL: cfg.CRM.ContactCacheTTL,
	}, c.Tokens, httpClient, logger.Named("crm"))
	c.CRMSync = service.NewCRMSyncService(c.CRM, ledger, c.Metrics, logger.Named("crm-sync"))

	c.Providers, err = provider.NewRegistryFromConfig(cfg, httpClient)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("configure payout providers: %w", err)
	}

	c.Dispatcher = service.NewPayoutDispatcher(commissions, ledger, c.Providers, c.CRMSync, c.Publisher, c.Metrics, validator.New(), logger.Named("payouts"), service.PayoutDispatcherConfig{
		MinimumThreshold: cfg.Payouts.MinimumThreshold,
		Workers:          cfg.Payouts.Workers,
		BatchTimeout:     cfg.Payouts.BatchTimeout,
		ProviderTimeout:  cfg.Payouts.ProviderTimeout,
		ProviderRetry: retry.Policy{
			MaxAttempts:  cfg.Payouts.ProviderRetries + 1,
			InitialDelay: cfg.Payouts.ProviderRetryDelay,
			Multiplier:   4,
		},
		DefaultCurrency: cfg.Payouts.DefaultCurrency,
	})

	schedule := ""
	if cfg.Payouts.Enabled {
		schedule = cfg.Payouts.Schedule
	}
	c.Scheduler = service.NewBatchScheduler(c.Dispatcher, service.BatchSchedulerConfig{Schedule: schedule}, logger.Named("batch-scheduler"))
	c.Payouts = service.NewPayoutQueryService(ledger, nil, nil, logger.Named("payout-query"))
	c.APITokens = NewAPITokens(cfg, logger)

	logger.Sugar().Infow("services wired",
		"providers", len(c.Providers.Capabilities()),
		"redis", redisClient != nil,
		"amqp", cfg.AMQP.URL != "",
		"scheduled_payouts", schedule != "",
	)
	return c, nil
}

// NewAPITokens builds the API token service without touching any backing store.
func NewAPITokens(cfg *config.Config, logger *zap.Logger) *service.APITokenService {
	return service.NewAPITokenService(service.APITokenConfig{
		Secret:     cfg.JWT.Secret,
		Issuer:     cfg.JWT.Issuer,
		DefaultTTL: cfg.JWT.Expiration,
	}, logger.Named("api-token"))
}

// Close releases connections in reverse order of creation.
func (c *Container) Close() {
	if c.CRM != nil {
		c.CRM.Close()
	}
	if c.Publisher != nil {
		c.Publisher.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		_ = c.DB.Close()
	}
}
