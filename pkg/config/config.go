package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix  = ""
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App       AppConfig
	Service   ServiceConfig
	DB        DBConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Gateway   GatewayConfig
	Escrow    EscrowConfig
	Outbox    OutboxConfig
	Sweep     SweepConfig
	GCP       GCPConfig
	PubSub    PubSubConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"ESCROW_APP_ENV" required:"true"`
	Port         string `envconfig:"ESCROW_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"ESCROW_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"ESCROW_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"ESCROW_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN string `envconfig:"ESCROW_DB_DSN" required:"true"`

	MaxOpenConns    int           `envconfig:"ESCROW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"ESCROW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"ESCROW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"ESCROW_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	AutoMigrate     bool          `envconfig:"ESCROW_DB_AUTO_MIGRATE" default:"false"`
}

type RedisConfig struct {
	URL          string        `envconfig:"ESCROW_REDIS_URL"`
	Address      string        `envconfig:"ESCROW_REDIS_ADDR"`
	Password     string        `envconfig:"ESCROW_REDIS_PASSWORD"`
	DB           int           `envconfig:"ESCROW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"ESCROW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"ESCROW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"ESCROW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"ESCROW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"ESCROW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"ESCROW_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"ESCROW_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"ESCROW_JWT_EXPIRATION_MINUTES" default:"60"`
}

// RateLimitConfig throttles the authenticated API surface per user.
type RateLimitConfig struct {
	Window time.Duration `envconfig:"ESCROW_RATE_LIMIT_WINDOW" default:"1m"`
	Limit  int           `envconfig:"ESCROW_RATE_LIMIT_PER_WINDOW" default:"120"`
}

// GatewayConfig points the engine at the external payment gateway. The
// gateway itself is an external capability; only verification, refunds and
// webhook signatures cross this boundary.
type GatewayConfig struct {
	BaseURL       string        `envconfig:"ESCROW_GATEWAY_BASE_URL" required:"true"`
	APIKey        string        `envconfig:"ESCROW_GATEWAY_API_KEY" required:"true"`
	SigningSecret string        `envconfig:"ESCROW_GATEWAY_SIGNING_SECRET"`
	Timeout       time.Duration `envconfig:"ESCROW_GATEWAY_TIMEOUT" default:"10s"`
}

// EscrowConfig carries the money policy knobs. Commission is expressed in
// basis points so the 2% platform rate stays an integer.
type EscrowConfig struct {
	CommissionBps             int           `envconfig:"ESCROW_COMMISSION_BPS" default:"200"`
	CommissionRefundOnPartial bool          `envconfig:"ESCROW_COMMISSION_REFUND_ON_PARTIAL" default:"false"`
	AutoConfirmWindow         time.Duration `envconfig:"ESCROW_AUTO_CONFIRM_WINDOW" default:"168h"`
	AutoReleaseWindow         time.Duration `envconfig:"ESCROW_AUTO_RELEASE_WINDOW" default:"72h"`
	TransitionRetries         int           `envconfig:"ESCROW_TRANSITION_RETRIES" default:"3"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"ESCROW_OUTBOX_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"ESCROW_OUTBOX_POLL_INTERVAL_MS" default:"500"`
	MaxAttempts    int `envconfig:"ESCROW_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"ESCROW_OUTBOX_RETENTION_DAYS" default:"30"`
}

type SweepConfig struct {
	Interval time.Duration `envconfig:"ESCROW_SWEEP_INTERVAL" default:"15m"`
	LockTTL  time.Duration `envconfig:"ESCROW_SWEEP_LOCK_TTL" default:"30m"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"ESCROW_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	DomainTopic        string `envconfig:"ESCROW_PUBSUB_DOMAIN_TOPIC" default:"escrow-domain-events"`
	NotificationTopic  string `envconfig:"ESCROW_PUBSUB_NOTIFICATION_TOPIC" default:"escrow-notifications"`
	DomainSubscription string `envconfig:"ESCROW_PUBSUB_DOMAIN_SUBSCRIPTION"`
}
