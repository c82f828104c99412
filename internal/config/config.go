package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/sandbox-controller-go/internal/util"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"console", "json"}
)

type Config struct {
	Port      int    `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`

	AdminPasswordHash  string `env:"ADMIN_PASSWORD_HASH"`
	AdminSessionSecret string `env:"ADMIN_SESSION_SECRET"`

	// Gateway process inside the sandbox
	GatewayToken          string   `env:"GATEWAY_TOKEN"`
	GatewayCommand        string   `env:"GATEWAY_COMMAND" envDefault:"/usr/local/bin/start-openclaw.sh"`
	GatewayProcessMatch   []string `env:"GATEWAY_PROCESS_MATCH" envSeparator:"," envDefault:"start-openclaw.sh,openclaw gateway"`
	GatewayPort           int      `env:"GATEWAY_PORT" envDefault:"18789"`
	GatewayStartTimeoutMs int      `env:"GATEWAY_START_TIMEOUT_MS" envDefault:"5000"`
	GatewayProbeTimeoutMs int      `env:"GATEWAY_PROBE_TIMEOUT_MS" envDefault:"5000"`
	PortPollIntervalMs    int      `env:"PORT_POLL_INTERVAL_MS" envDefault:"200"`
	SandboxWorkdir        string   `env:"SANDBOX_WORKDIR" envDefault:"/root"`

	// Webhook relay
	WebhookSecret          string   `env:"WEBHOOK_SECRET"`
	WebhookSources         []string `env:"WEBHOOK_SOURCES" envSeparator:"," envDefault:"tradingview"`
	HooksPath              string   `env:"HOOKS_PATH" envDefault:"/hooks/agent"`
	HooksToken             string   `env:"HOOKS_TOKEN"`
	WebhookDeliverChannel  string   `env:"WEBHOOK_DELIVER_CHANNEL" envDefault:"telegram"`
	WebhookDeliverChatID   string   `env:"WEBHOOK_DELIVER_CHAT_ID"`
	RelayTimeoutMs         int      `env:"RELAY_TIMEOUT_MS" envDefault:"10000"`
	WebhookRateLimitPerMin int      `env:"WEBHOOK_RATE_LIMIT_PER_MIN" envDefault:"60"`

	// Object storage
	R2AccessKeyID       string `env:"R2_ACCESS_KEY_ID"`
	R2SecretAccessKey   string `env:"R2_SECRET_ACCESS_KEY"`
	CFAccountID         string `env:"CF_ACCOUNT_ID"`
	R2BucketName        string `env:"R2_BUCKET_NAME" envDefault:"moltbot-data"`
	MountPath           string `env:"MOUNT_PATH" envDefault:"/data/moltbot"`
	DataDir             string `env:"DATA_DIR"`
	SyncSourceDir       string `env:"SYNC_SOURCE_DIR" envDefault:"/root/.openclaw"`
	MountPollIntervalMs int    `env:"MOUNT_POLL_INTERVAL_MS" envDefault:"200"`
	MountPollAttempts   int    `env:"MOUNT_POLL_ATTEMPTS" envDefault:"10"`
	SyncTimeoutMs       int    `env:"SYNC_TIMEOUT_MS" envDefault:"60000"`
	BackupSchedule      string `env:"BACKUP_SCHEDULE" envDefault:"*/5 * * * *"`

	PendingRequestTTLMinutes int `env:"PENDING_REQUEST_TTL_MINUTES" envDefault:"60"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) GatewayStartTimeout() time.Duration {
	return time.Duration(c.GatewayStartTimeoutMs) * time.Millisecond
}

func (c *Config) GatewayProbeTimeout() time.Duration {
	return time.Duration(c.GatewayProbeTimeoutMs) * time.Millisecond
}

func (c *Config) PortPollInterval() time.Duration {
	return time.Duration(c.PortPollIntervalMs) * time.Millisecond
}

func (c *Config) RelayTimeout() time.Duration {
	return time.Duration(c.RelayTimeoutMs) * time.Millisecond
}

func (c *Config) MountPollInterval() time.Duration {
	return time.Duration(c.MountPollIntervalMs) * time.Millisecond
}

func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutMs) * time.Millisecond
}

func (c *Config) PendingRequestTTL() time.Duration {
	return time.Duration(c.PendingRequestTTLMinutes) * time.Minute
}

// HooksBearer is the credential presented to the gateway intake endpoint.
// The gateway shares the webhook secret unless a dedicated token is set.
func (c *Config) HooksBearer() string {
	if c.HooksToken != "" {
		return c.HooksToken
	}
	return c.WebhookSecret
}

// StorageDataDir is the directory listed by the data-dir diagnostic.
func (c *Config) StorageDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return c.MountPath
}

func (c *Config) Validate(isProduction bool) error {
	if !util.IsValidEnum(c.LogLevel, validLogLevels) {
		return fmt.Errorf("LOG_LEVEL %q must be one of %s", c.LogLevel, strings.Join(validLogLevels, ", "))
	}
	if !util.IsValidEnum(c.LogFormat, validLogFormats) {
		return fmt.Errorf("LOG_FORMAT %q must be one of %s", c.LogFormat, strings.Join(validLogFormats, ", "))
	}

	if c.AdminPasswordHash != "" {
		if !strings.HasPrefix(c.AdminPasswordHash, "$2a$") &&
			!strings.HasPrefix(c.AdminPasswordHash, "$2b$") &&
			!strings.HasPrefix(c.AdminPasswordHash, "$2y$") {
			return fmt.Errorf("ADMIN_PASSWORD_HASH must be a bcrypt hash (generate with: go run ./cmd/hash-password <password>)")
		}
	}

	if c.BackupSchedule != "" && !gronx.New().IsValid(c.BackupSchedule) {
		return fmt.Errorf("BACKUP_SCHEDULE %q is not a valid cron expression", c.BackupSchedule)
	}

	if c.GatewayStartTimeoutMs <= 0 || c.GatewayProbeTimeoutMs <= 0 || c.PortPollIntervalMs <= 0 {
		return fmt.Errorf("gateway timeouts and poll interval must be positive")
	}
	if c.MountPollAttempts <= 0 || c.MountPollIntervalMs <= 0 {
		return fmt.Errorf("MOUNT_POLL_ATTEMPTS and MOUNT_POLL_INTERVAL_MS must be positive")
	}

	if isProduction {
		if err := validateSecret("ADMIN_SESSION_SECRET", c.AdminSessionSecret); err != nil {
			return err
		}

		if c.WebhookSecret == "" {
			log.Warn().Msg("WEBHOOK_SECRET is empty in production: webhook relay will answer 503")
		} else if err := validateSecret("WEBHOOK_SECRET", c.WebhookSecret); err != nil {
			return err
		}
		if c.GatewayToken == "" {
			log.Warn().Msg("GATEWAY_TOKEN is empty in production: internal device routes and mount debug are disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

// Load reads an optional .env file and then the process environment.
// Variables already present in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
