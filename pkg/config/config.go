package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	AMQP     AMQPConfig
	CRM      CRMConfig
	Stripe   StripeConfig
	PayPal   PayPalConfig
	Revolut  RevolutConfig
	Payouts  PayoutsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

// CORSConfig controls which dashboard origins may call the operator API.
type CORSConfig struct {
	AllowedOrigins []string
	MaxAge         time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// AMQPConfig points the payout event publisher at RabbitMQ. An empty URL disables publishing.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// CRMConfig describes the OAuth application and REST API of the CRM connection.
type CRMConfig struct {
	ConnectionID    string
	ClientID        string
	ClientSecret    string
	AuthURL         string
	TokenURL        string
	RedirectURL     string
	Scopes          []string
	APIBaseURL      string
	APIVersion      string
	LocationID      string
	RefreshMargin   time.Duration
	RequestTimeout  time.Duration
	RefreshTimeout  time.Duration
	RefreshLease    time.Duration
	ContactCacheTTL time.Duration
}

// StripeConfig configures the Stripe transfer rail.
type StripeConfig struct {
	Enabled                bool
	BaseURL                string
	SecretKey              string
	Currencies             []string
	MinimumAmount          int64
	TransfersSettleInstant bool
	RequestsPerSecond      float64
}

// PayPalConfig configures the PayPal Payouts rail.
type PayPalConfig struct {
	Enabled           bool
	BaseURL           string
	ClientID          string
	ClientSecret      string
	Currencies        []string
	MinimumAmount     int64
	EmailSubject      string
	RequestsPerSecond float64
}

// RevolutConfig configures the Revolut Business bank transfer rail.
type RevolutConfig struct {
	Enabled           bool
	BaseURL           string
	APIKey            string
	SourceAccountID   string
	Currencies        []string
	MinimumAmount     int64
	RequestsPerSecond float64
}

// PayoutsConfig tunes the commission payout dispatcher and its schedule.
type PayoutsConfig struct {
	Enabled            bool
	Schedule           string
	MinimumThreshold   int64
	Workers            int
	BatchTimeout       time.Duration
	ProviderTimeout    time.Duration
	ProviderRetries    int
	ProviderRetryDelay time.Duration
	FallbackOrder      []string
	DefaultCurrency    string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Issuer:     v.GetString("JWT_ISSUER"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{
		AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS")),
		MaxAge:         parseDuration(v.GetString("CORS_MAX_AGE"), 10*time.Minute),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.AMQP = AMQPConfig{
		URL:      v.GetString("AMQP_URL"),
		Exchange: v.GetString("AMQP_EXCHANGE"),
	}

	cfg.CRM = CRMConfig{
		ConnectionID:    v.GetString("CRM_CONNECTION_ID"),
		ClientID:        v.GetString("CRM_CLIENT_ID"),
		ClientSecret:    v.GetString("CRM_CLIENT_SECRET"),
		AuthURL:         v.GetString("CRM_AUTH_URL"),
		TokenURL:        v.GetString("CRM_TOKEN_URL"),
		RedirectURL:     v.GetString("CRM_REDIRECT_URL"),
		Scopes:          splitAndTrim(v.GetString("CRM_SCOPES")),
		APIBaseURL:      v.GetString("CRM_API_BASE_URL"),
		APIVersion:      v.GetString("CRM_API_VERSION"),
		LocationID:      v.GetString("CRM_LOCATION_ID"),
		RefreshMargin:   parseDuration(v.GetString("CRM_REFRESH_MARGIN"), 5*time.Minute),
		RequestTimeout:  parseDuration(v.GetString("CRM_REQUEST_TIMEOUT"), 10*time.Second),
		RefreshTimeout:  parseDuration(v.GetString("CRM_REFRESH_TIMEOUT"), 30*time.Second),
		RefreshLease:    parseDuration(v.GetString("CRM_REFRESH_LEASE"), 15*time.Second),
		ContactCacheTTL: parseDuration(v.GetString("CRM_CONTACT_CACHE_TTL"), time.Hour),
	}

	cfg.Stripe = StripeConfig{
		Enabled:                v.GetBool("ENABLE_STRIPE"),
		BaseURL:                v.GetString("STRIPE_BASE_URL"),
		SecretKey:              v.GetString("STRIPE_SECRET_KEY"),
		Currencies:             splitAndTrim(v.GetString("STRIPE_CURRENCIES")),
		MinimumAmount:          v.GetInt64("STRIPE_MINIMUM_AMOUNT"),
		TransfersSettleInstant: v.GetBool("STRIPE_TRANSFERS_SETTLE_INSTANTLY"),
		RequestsPerSecond:      v.GetFloat64("STRIPE_REQUESTS_PER_SECOND"),
	}

	cfg.PayPal = PayPalConfig{
		Enabled:           v.GetBool("ENABLE_PAYPAL"),
		BaseURL:           v.GetString("PAYPAL_BASE_URL"),
		ClientID:          v.GetString("PAYPAL_CLIENT_ID"),
		ClientSecret:      v.GetString("PAYPAL_CLIENT_SECRET"),
		Currencies:        splitAndTrim(v.GetString("PAYPAL_CURRENCIES")),
		MinimumAmount:     v.GetInt64("PAYPAL_MINIMUM_AMOUNT"),
		EmailSubject:      v.GetString("PAYPAL_EMAIL_SUBJECT"),
		RequestsPerSecond: v.GetFloat64("PAYPAL_REQUESTS_PER_SECOND"),
	}

	cfg.Revolut = RevolutConfig{
		Enabled:           v.GetBool("ENABLE_REVOLUT"),
		BaseURL:           v.GetString("REVOLUT_BASE_URL"),
		APIKey:            v.GetString("REVOLUT_API_KEY"),
		SourceAccountID:   v.GetString("REVOLUT_SOURCE_ACCOUNT_ID"),
		Currencies:        splitAndTrim(v.GetString("REVOLUT_CURRENCIES")),
		MinimumAmount:     v.GetInt64("REVOLUT_MINIMUM_AMOUNT"),
		RequestsPerSecond: v.GetFloat64("REVOLUT_REQUESTS_PER_SECOND"),
	}

	cfg.Payouts = PayoutsConfig{
		Enabled:            v.GetBool("ENABLE_PAYOUTS"),
		Schedule:           v.GetString("PAYOUTS_SCHEDULE"),
		MinimumThreshold:   v.GetInt64("PAYOUTS_MINIMUM_THRESHOLD"),
		Workers:            v.GetInt("PAYOUTS_WORKERS"),
		BatchTimeout:       parseDuration(v.GetString("PAYOUTS_BATCH_TIMEOUT"), 10*time.Minute),
		ProviderTimeout:    parseDuration(v.GetString("PAYOUTS_PROVIDER_TIMEOUT"), 30*time.Second),
		ProviderRetries:    v.GetInt("PAYOUTS_PROVIDER_RETRIES"),
		ProviderRetryDelay: parseDuration(v.GetString("PAYOUTS_PROVIDER_RETRY_DELAY"), time.Second),
		FallbackOrder:      splitAndTrim(v.GetString("PAYOUTS_FALLBACK_ORDER")),
		DefaultCurrency:    v.GetString("PAYOUTS_DEFAULT_CURRENCY"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "dive_payouts")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("ENABLE_REDIS", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "dive-affiliate-payouts")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_EXCHANGE", "payouts")

	v.SetDefault("CRM_CONNECTION_ID", "default")
	v.SetDefault("CRM_AUTH_URL", "https://marketplace.gohighlevel.com/oauth/chooselocation")
	v.SetDefault("CRM_TOKEN_URL", "https://services.leadconnectorhq.com/oauth/token")
	v.SetDefault("CRM_REDIRECT_URL", "http://localhost:8080/oauth/crm/callback")
	v.SetDefault("CRM_SCOPES", "contacts.readonly,contacts.write")
	v.SetDefault("CRM_API_BASE_URL", "https://services.leadconnectorhq.com")
	v.SetDefault("CRM_API_VERSION", "2021-07-28")
	v.SetDefault("CRM_REFRESH_MARGIN", "5m")
	v.SetDefault("CRM_REQUEST_TIMEOUT", "10s")
	v.SetDefault("CRM_REFRESH_TIMEOUT", "30s")
	v.SetDefault("CRM_REFRESH_LEASE", "15s")
	v.SetDefault("CRM_CONTACT_CACHE_TTL", "1h")

	v.SetDefault("ENABLE_STRIPE", false)
	v.SetDefault("STRIPE_BASE_URL", "https://api.stripe.com")
	v.SetDefault("STRIPE_CURRENCIES", "usd,eur,gbp")
	v.SetDefault("STRIPE_MINIMUM_AMOUNT", 100)
	v.SetDefault("STRIPE_TRANSFERS_SETTLE_INSTANTLY", false)
	v.SetDefault("STRIPE_REQUESTS_PER_SECOND", 20)

	v.SetDefault("ENABLE_PAYPAL", false)
	v.SetDefault("PAYPAL_BASE_URL", "https://api-m.paypal.com")
	v.SetDefault("PAYPAL_CURRENCIES", "usd,eur,gbp")
	v.SetDefault("PAYPAL_MINIMUM_AMOUNT", 100)
	v.SetDefault("PAYPAL_EMAIL_SUBJECT", "Your commission payout")
	v.SetDefault("PAYPAL_REQUESTS_PER_SECOND", 5)

	v.SetDefault("ENABLE_REVOLUT", false)
	v.SetDefault("REVOLUT_BASE_URL", "https://b2b.revolut.com")
	v.SetDefault("REVOLUT_CURRENCIES", "eur,gbp,usd")
	v.SetDefault("REVOLUT_MINIMUM_AMOUNT", 100)
	v.SetDefault("REVOLUT_REQUESTS_PER_SECOND", 5)

	v.SetDefault("ENABLE_PAYOUTS", false)
	v.SetDefault("PAYOUTS_SCHEDULE", "0 3 * * *")
	v.SetDefault("PAYOUTS_MINIMUM_THRESHOLD", 5000)
	v.SetDefault("PAYOUTS_WORKERS", 5)
	v.SetDefault("PAYOUTS_BATCH_TIMEOUT", "10m")
	v.SetDefault("PAYOUTS_PROVIDER_TIMEOUT", "30s")
	v.SetDefault("PAYOUTS_PROVIDER_RETRIES", 3)
	v.SetDefault("PAYOUTS_PROVIDER_RETRY_DELAY", "1s")
	v.SetDefault("PAYOUTS_FALLBACK_ORDER", "stripe,paypal,bank_transfer")
	v.SetDefault("PAYOUTS_DEFAULT_CURRENCY", "usd")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
