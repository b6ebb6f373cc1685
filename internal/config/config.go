package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Email transport
	// ----------------------------
	EmailProvider string `envconfig:"EMAIL_PROVIDER" default:"smtp" validate:"oneof=smtp resend"`
	EmailFrom     string `envconfig:"EMAIL_FROM" default:"InboxScheduler <noreply@inboxscheduler.dev>" validate:"required"`

	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost" validate:"required_if=EmailProvider smtp"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025" validate:"min=1,max=65535"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`

	// Upper bound on SMTP conversations, counting ones that outlived SEND_TIMEOUT.
	SMTPMaxInFlight int64 `envconfig:"SMTP_MAX_IN_FLIGHT" default:"10" validate:"min=1"`

	ResendAPIKey string `envconfig:"RESEND_API_KEY" default:"" validate:"required_if=EmailProvider resend"`

	BreakerFailures    uint32        `envconfig:"BREAKER_FAILURES" default:"5" validate:"min=1"`
	BreakerOpenTimeout time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"30s"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount          int           `envconfig:"WORKER_COUNT" default:"5" validate:"min=1"`
	PollInterval         time.Duration `envconfig:"POLL_INTERVAL" default:"200ms" validate:"gt=0"`
	RetryAttempts        int           `envconfig:"RETRY_ATTEMPTS" default:"1" validate:"min=0"`
	RetryInitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"500ms"`
	RetryMaxInterval     time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"5s"`
	SendTimeout          time.Duration `envconfig:"SEND_TIMEOUT" default:"30s" validate:"gt=0"`
	ReconcileInterval    time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1m"`
	ShutdownTimeout      time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"45s"`

	// ----------------------------
	// Rate limit
	// ----------------------------
	RateLimitMax    int           `envconfig:"RATE_LIMIT_MAX" default:"100" validate:"min=0"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1h" validate:"gt=0"`
	MinSendSpacing  time.Duration `envconfig:"MIN_SEND_SPACING" default:"2s"`

	// ----------------------------
	// Queue
	// ----------------------------
	QueueBackend  string `envconfig:"QUEUE_BACKEND" default:"redis" validate:"oneof=redis memory"`
	QueuePrefix   string `envconfig:"QUEUE_PREFIX" default:"inbox:"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379" validate:"required_if=QueueBackend redis"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0" validate:"min=0"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort     string   `envconfig:"API_PORT" default:"8080" validate:"required"`
	CORSOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090" validate:"required"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL  string        `envconfig:"DATABASE_URL" required:"true" validate:"required"`
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`

	// ----------------------------
	// Logging
	// ----------------------------
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
}

// Load reads an optional .env file, then the process environment. Variables
// already set in the environment win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}
