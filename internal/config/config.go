package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Common is shared by every binary.
type Common struct {
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"` // postgres | memory
	DBDSN       string `envconfig:"DB_DSN"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBMaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns          int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	DBMaxConnIdleTime   time.Duration `envconfig:"DB_MAX_CONN_IDLE_TIME" default:"5m"`
	DBHealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"30s"`
	DBPingTimeout       time.Duration `envconfig:"DB_PING_TIMEOUT" default:"5s"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Delivery configures the outbox relay and the SMS/email senders.
type Delivery struct {
	RelayInterval   time.Duration `envconfig:"RELAY_INTERVAL" default:"2s"`
	RelayBatch      int           `envconfig:"RELAY_BATCH" default:"50"`
	SendStaleAfter  time.Duration `envconfig:"SEND_STALE_AFTER" default:"2m"`
	SendConcurrency int           `envconfig:"SEND_CONCURRENCY" default:"4"`

	// Twilio
	TwilioAccountSID          string  `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string  `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioMessagingServiceSID string  `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioFromNumber          string  `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioBaseURL             string  `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	TwilioStatusCallbackURL   string  `envconfig:"TWILIO_STATUS_CALLBACK_URL"`
	TwilioRPSPerPod           float64 `envconfig:"TWILIO_RPS_PER_POD" default:"5"`
	TwilioBurst               int     `envconfig:"TWILIO_BURST" default:"10"`

	// SMTP
	SMTPHost      string        `envconfig:"SMTP_HOST"`
	SMTPPort      int           `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername  string        `envconfig:"SMTP_USERNAME"`
	SMTPPassword  string        `envconfig:"SMTP_PASSWORD"`
	SMTPFromEmail string        `envconfig:"SMTP_FROM_EMAIL"`
	SMTPFromName  string        `envconfig:"SMTP_FROM_NAME" default:"Messages"`
	SMTPTimeout   time.Duration `envconfig:"SMTP_TIMEOUT" default:"10s"`
}

type APIConfig struct {
	Common
	Delivery

	// Run the relay and senders inside the API process instead of a separate worker.
	DeliveryInProcess bool `envconfig:"DELIVERY_IN_PROCESS" default:"false"`

	TurnstileSecret    string `envconfig:"TURNSTILE_SECRET"`
	TurnstileVerifyURL string `envconfig:"TURNSTILE_VERIFY_URL"`

	ChatAPIURL       string        `envconfig:"CHAT_API_URL" default:"http://localhost:8080"`
	ChatAPITimeout   time.Duration `envconfig:"CHAT_API_TIMEOUT" default:"5s"`
	InternalAPIToken string        `envconfig:"INTERNAL_API_TOKEN"`
	EmailWebhookKey  string        `envconfig:"EMAIL_WEBHOOK_KEY"`

	// Redis backs the shared rate limiter; empty means per-process limits.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	ContactRateLimit  int           `envconfig:"CONTACT_RATE_LIMIT" default:"5"`
	ContactRateWindow time.Duration `envconfig:"CONTACT_RATE_WINDOW" default:"15m"`
	WebhookRateLimit  int           `envconfig:"WEBHOOK_RATE_LIMIT" default:"100"`
	WebhookRateWindow time.Duration `envconfig:"WEBHOOK_RATE_WINDOW" default:"1m"`
	TrustProxyHeaders bool          `envconfig:"TRUST_PROXY_HEADERS" default:"false"`
}

type WorkerConfig struct {
	Common
	Delivery

	// AWS / SQS; without a queue URL the relay hands jobs straight to the senders.
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"20"`
}

type WebhookConfig struct {
	Common

	// Webhook signature verification
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	PublicWebhookURL string `envconfig:"PUBLIC_WEBHOOK_URL" required:"true"` // scheme+host Twilio calls; the request path is appended when signing

	WebhookRateLimit  int           `envconfig:"WEBHOOK_RATE_LIMIT" default:"100"`
	WebhookRateWindow time.Duration `envconfig:"WEBHOOK_RATE_WINDOW" default:"1m"`
}

type MigrateConfig struct {
	DBDSN          string `envconfig:"DB_DSN" required:"true"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"file://migrations"`
	LogFormat      string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

var errDSNRequired = errors.New("config: DB_DSN is required when STORE_DRIVER=postgres")

func (c Common) validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DBDSN == "" {
			return errDSNRequired
		}
	case "memory":
	default:
		return errors.New("config: unknown STORE_DRIVER " + c.StoreDriver)
	}
	return nil
}

// load reads an optional .env file, then the environment, into cfg.
func load(cfg any) {
	_ = godotenv.Load()
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	load(&cfg)
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	load(&cfg)
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	if cfg.StoreDriver == "memory" {
		panic("config: the worker needs a shared store; STORE_DRIVER=memory only works with DELIVERY_IN_PROCESS on the api")
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	load(&cfg)
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	if cfg.StoreDriver == "memory" {
		panic("config: the webhook needs a shared store; STORE_DRIVER=memory is not supported")
	}
	return cfg
}

func LoadMigrate() MigrateConfig {
	var cfg MigrateConfig
	load(&cfg)
	return cfg
}
