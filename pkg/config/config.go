package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Stripe       StripeConfig
	Vendor       VendorConfig
	Funding      FundingConfig
	Recovery     RecoveryConfig
	AutoGift     AutoGiftConfig
	Cron         CronConfig
	RateLimit    RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Funding.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"GIFTPIPE_APP_ENV" required:"true"`
	Port         string `envconfig:"GIFTPIPE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"GIFTPIPE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"GIFTPIPE_LOG_WARN_STACK" default:"false"`

	CORSOrigins []string `envconfig:"GIFTPIPE_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"GIFTPIPE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"GIFTPIPE_DB_DSN"`
	Driver string `envconfig:"GIFTPIPE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"GIFTPIPE_DB_HOST"`
	LegacyPort     int    `envconfig:"GIFTPIPE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"GIFTPIPE_DB_USER"`
	LegacyPassword string `envconfig:"GIFTPIPE_DB_PASSWORD"`
	LegacyName     string `envconfig:"GIFTPIPE_DB_NAME"`
	LegacySSLMode  string `envconfig:"GIFTPIPE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"GIFTPIPE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"GIFTPIPE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"GIFTPIPE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"GIFTPIPE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"GIFTPIPE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"GIFTPIPE_REDIS_ADDR"`
	Password     string        `envconfig:"GIFTPIPE_REDIS_PASSWORD"`
	DB           int           `envconfig:"GIFTPIPE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"GIFTPIPE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"GIFTPIPE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"GIFTPIPE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"GIFTPIPE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"GIFTPIPE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"GIFTPIPE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"GIFTPIPE_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"GIFTPIPE_JWT_EXPIRATION_MINUTES" required:"true"`
}

// Expiration returns the access token lifetime.
func (j JWTConfig) Expiration() time.Duration {
	if j.ExpirationMinutes <= 0 {
		return 0
	}
	return time.Duration(j.ExpirationMinutes) * time.Minute
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"GIFTPIPE_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"GIFTPIPE_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
	WebhookGuardTTL      time.Duration `envconfig:"GIFTPIPE_WEBHOOK_GUARD_TTL" default:"168h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"GIFTPIPE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"GIFTPIPE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"GIFTPIPE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	FulfillmentTopic        string `envconfig:"GIFTPIPE_PUBSUB_FULFILLMENT_TOPIC" default:"gp-fulfillment-dispatch"`
	FulfillmentSubscription string `envconfig:"GIFTPIPE_PUBSUB_FULFILLMENT_SUBSCRIPTION" default:"gp-fulfillment-dispatch-sub"`
	OrdersTopic             string `envconfig:"GIFTPIPE_PUBSUB_ORDERS_TOPIC" default:"gp-order-events"`
	OpsTopic                string `envconfig:"GIFTPIPE_PUBSUB_OPS_TOPIC" default:"gp-ops-alerts"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"GIFTPIPE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"GIFTPIPE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"GIFTPIPE_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"GIFTPIPE_OUTBOX_RETENTION" default:"720h"`
}

type StripeConfig struct {
	APIKey     string        `envconfig:"GIFTPIPE_STRIPE_API_KEY"`
	Secret     string        `envconfig:"GIFTPIPE_STRIPE_SECRET"`
	Env        string        `envconfig:"GIFTPIPE_STRIPE_ENV" default:"test"`
	WebhookTTL time.Duration `envconfig:"GIFTPIPE_STRIPE_WEBHOOK_TTL" default:"5m"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// VendorConfig configures the Zinc order-execution API.
type VendorConfig struct {
	BaseURL       string        `envconfig:"GIFTPIPE_ZINC_BASE_URL" default:"https://api.zinc.io"`
	APIToken      string        `envconfig:"GIFTPIPE_ZINC_API_TOKEN"`
	Retailer      string        `envconfig:"GIFTPIPE_ZINC_RETAILER" default:"amazon"`
	ShippingSpeed string        `envconfig:"GIFTPIPE_ZINC_SHIPPING" default:"cheapest"`
	CallbackURL   string        `envconfig:"GIFTPIPE_ZINC_CALLBACK_URL"`
	CallbackToken string        `envconfig:"GIFTPIPE_ZINC_CALLBACK_TOKEN"`
	BalancePath   string        `envconfig:"GIFTPIPE_ZINC_BALANCE_PATH" default:"/v1/addax/balance"`
	Timeout       time.Duration `envconfig:"GIFTPIPE_ZINC_TIMEOUT" default:"20s"`
	RatePerSecond float64       `envconfig:"GIFTPIPE_ZINC_RATE_PER_SECOND" default:"5"`
	Burst         int           `envconfig:"GIFTPIPE_ZINC_BURST" default:"5"`
}

type FundingConfig struct {
	LowThresholdCents      int64         `envconfig:"GIFTPIPE_FUNDING_LOW_THRESHOLD_CENTS" default:"100000"`
	CriticalThresholdCents int64         `envconfig:"GIFTPIPE_FUNDING_CRITICAL_THRESHOLD_CENTS" default:"50000"`
	TopUpMultiplier        float64       `envconfig:"GIFTPIPE_FUNDING_TOPUP_MULTIPLIER" default:"1.3"`
	TopUpBufferCents       int64         `envconfig:"GIFTPIPE_FUNDING_TOPUP_BUFFER_CENTS" default:"25000"`
	AlertCooldown          time.Duration `envconfig:"GIFTPIPE_FUNDING_ALERT_COOLDOWN" default:"24h"`
	BalanceCacheTTL        time.Duration `envconfig:"GIFTPIPE_FUNDING_BALANCE_CACHE_TTL" default:"30s"`
}

func (f FundingConfig) validate() error {
	if f.CriticalThresholdCents > f.LowThresholdCents {
		return fmt.Errorf("%s must not exceed %s", EnvFundingCritical, EnvFundingLow)
	}
	if f.TopUpMultiplier < 1 {
		return fmt.Errorf("%s must be at least 1", EnvFundingMultiplier)
	}
	return nil
}

type RecoveryConfig struct {
	PendingPaymentSLA time.Duration `envconfig:"GIFTPIPE_RECOVERY_PENDING_SLA" default:"30m"`
	DispatchSLA       time.Duration `envconfig:"GIFTPIPE_RECOVERY_DISPATCH_SLA" default:"10m"`
	VendorSyncSLA     time.Duration `envconfig:"GIFTPIPE_RECOVERY_VENDOR_SYNC_SLA" default:"6h"`
	AuthorizationAge  time.Duration `envconfig:"GIFTPIPE_RECOVERY_AUTHORIZATION_AGE" default:"144h"`
	Backoff           time.Duration `envconfig:"GIFTPIPE_RECOVERY_BACKOFF" default:"15m"`
	BatchSize         int           `envconfig:"GIFTPIPE_RECOVERY_BATCH_SIZE" default:"100"`
}

type AutoGiftConfig struct {
	BatchSize int `envconfig:"GIFTPIPE_AUTOGIFT_BATCH_SIZE" default:"200"`
}

type RateLimitConfig struct {
	CheckoutWindow     time.Duration `envconfig:"GIFTPIPE_CHECKOUT_RATE_WINDOW" default:"1m"`
	CheckoutIPLimit    int           `envconfig:"GIFTPIPE_CHECKOUT_RATE_IP_LIMIT" default:"30"`
	CheckoutEmailLimit int           `envconfig:"GIFTPIPE_CHECKOUT_RATE_EMAIL_LIMIT" default:"10"`
}

type CronConfig struct {
	Interval          time.Duration `envconfig:"GIFTPIPE_CRON_INTERVAL" default:"5m"`
	LockTTL           time.Duration `envconfig:"GIFTPIPE_CRON_LOCK_TTL" default:"4m"`
	AutoGiftEvery     time.Duration `envconfig:"GIFTPIPE_CRON_AUTOGIFT_EVERY" default:"1h"`
	ReconcileEvery    time.Duration `envconfig:"GIFTPIPE_CRON_RECONCILE_EVERY" default:"15m"`
	ReconcileLookback time.Duration `envconfig:"GIFTPIPE_CRON_RECONCILE_LOOKBACK" default:"2h"`
	RetentionEvery    time.Duration `envconfig:"GIFTPIPE_CRON_RETENTION_EVERY" default:"24h"`
	RecordRetention   time.Duration `envconfig:"GIFTPIPE_RECORD_RETENTION" default:"720h"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
