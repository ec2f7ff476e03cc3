package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"` // debug|info|warn|error

	DBDriver    string `envconfig:"DB_DRIVER" default:"postgres"` // postgres|sqlite
	DatabaseURL string `envconfig:"DATABASE_URL" default:"host=localhost user=postgres password=password dbname=jobtracker port=5432 sslmode=disable"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"./data/scheduler.db"`

	DevAuth     bool     `envconfig:"DEV_AUTH" default:"false"`
	ServiceKey  string   `envconfig:"SERVICE_KEY"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`

	// Proxies whose X-Forwarded-For is believed; empty trusts none.
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES"`

	SweepInterval   time.Duration   `envconfig:"SWEEP_INTERVAL" default:"1m"`
	SweepBatchSize  int             `envconfig:"SWEEP_BATCH_SIZE" default:"200"`
	ReminderWindows []time.Duration `envconfig:"REMINDER_WINDOWS" default:"24h,1h"`
	ScheduleSkew    time.Duration   `envconfig:"SCHEDULE_SKEW" default:"5m"`

	PairingTTL         time.Duration `envconfig:"PAIRING_TTL" default:"10m"`
	PairingCodeLength  int           `envconfig:"PAIRING_CODE_LENGTH" default:"6"`
	PairingMaxAttempts int           `envconfig:"PAIRING_MAX_ATTEMPTS" default:"5"`
	ImportURLWindow    time.Duration `envconfig:"IMPORT_URL_WINDOW" default:"30m"`

	RedisAddr       string        `envconfig:"REDIS_ADDR"`
	RedisDB         int           `envconfig:"REDIS_DB" default:"0"`
	RateLimit       int           `envconfig:"RATE_LIMIT" default:"10"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"scheduler.notifications"`

	GmailCredentials  string        `envconfig:"GMAIL_CREDENTIALS"` // e.g. credential.json
	GmailToken        string        `envconfig:"GMAIL_TOKEN" default:"token.json"`
	GmailUserID       string        `envconfig:"GMAIL_USER_ID"` // owner of the forwarded mailbox
	GmailPollInterval time.Duration `envconfig:"GMAIL_POLL_INTERVAL" default:"5m"`

	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`
}

// Load reads an optional .env file and then environment variables into Config.
func Load() (Config, error) {
	// A missing .env is fine; the process environment still applies.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
