package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		GatewayStartTimeoutMs: 5000,
		GatewayProbeTimeoutMs: 5000,
		PortPollIntervalMs:    200,
		MountPollIntervalMs:   200,
		MountPollAttempts:     10,
		BackupSchedule:        "*/5 * * * *",
	}
}

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("durations convert milliseconds", func(t *testing.T) {
		cfg := &Config{
			GatewayStartTimeoutMs: 5000,
			GatewayProbeTimeoutMs: 2500,
			PortPollIntervalMs:    200,
			RelayTimeoutMs:        10000,
			MountPollIntervalMs:   150,
			SyncTimeoutMs:         60000,
		}
		assert.Equal(t, 5*time.Second, cfg.GatewayStartTimeout())
		assert.Equal(t, 2500*time.Millisecond, cfg.GatewayProbeTimeout())
		assert.Equal(t, 200*time.Millisecond, cfg.PortPollInterval())
		assert.Equal(t, 10*time.Second, cfg.RelayTimeout())
		assert.Equal(t, 150*time.Millisecond, cfg.MountPollInterval())
		assert.Equal(t, time.Minute, cfg.SyncTimeout())
	})

	t.Run("PendingRequestTTL converts minutes", func(t *testing.T) {
		cfg := &Config{PendingRequestTTLMinutes: 60}
		assert.Equal(t, time.Hour, cfg.PendingRequestTTL())
	})

	t.Run("HooksBearer falls back to webhook secret", func(t *testing.T) {
		cfg := &Config{WebhookSecret: "shared"}
		assert.Equal(t, "shared", cfg.HooksBearer())

		cfg.HooksToken = "dedicated"
		assert.Equal(t, "dedicated", cfg.HooksBearer())
	})

	t.Run("StorageDataDir defaults to mount path", func(t *testing.T) {
		cfg := &Config{MountPath: "/data/moltbot"}
		assert.Equal(t, "/data/moltbot", cfg.StorageDataDir())

		cfg.DataDir = "/data/other"
		assert.Equal(t, "/data/other", cfg.StorageDataDir())
	})
}

func TestValidate(t *testing.T) {
	t.Run("accepts defaults in development", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate(false))
	})

	t.Run("rejects non-bcrypt admin hash", func(t *testing.T) {
		cfg := validConfig()
		cfg.AdminPasswordHash = "plaintext"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects unknown log level and format", func(t *testing.T) {
		cfg := validConfig()
		cfg.LogLevel = "verbose"
		assert.Error(t, cfg.Validate(false))

		cfg = validConfig()
		cfg.LogFormat = "xml"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects malformed backup schedule", func(t *testing.T) {
		cfg := validConfig()
		cfg.BackupSchedule = "every five minutes"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("allows empty backup schedule", func(t *testing.T) {
		cfg := validConfig()
		cfg.BackupSchedule = ""
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("rejects non-positive poll settings", func(t *testing.T) {
		cfg := validConfig()
		cfg.MountPollAttempts = 0
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("requires strong session secret in production", func(t *testing.T) {
		cfg := validConfig()
		cfg.AdminSessionSecret = "secret"
		assert.Error(t, cfg.Validate(true))
	})

	t.Run("rejects short webhook secret in production", func(t *testing.T) {
		cfg := validConfig()
		cfg.AdminSessionSecret = "0123456789abcdef0123456789abcdef"
		cfg.WebhookSecret = "short"
		assert.Error(t, cfg.Validate(true))
	})
}

func TestLoad(t *testing.T) {
	keys := []string{
		"PORT", "DATABASE_URL", "REDIS_URL", "GATEWAY_PORT", "GATEWAY_PROCESS_MATCH",
		"WEBHOOK_SOURCES", "MOUNT_POLL_ATTEMPTS", "LOG_LEVEL",
	}
	originalEnv := make(map[string]string, len(keys))
	for _, k := range keys {
		originalEnv[k] = os.Getenv(k)
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads config with defaults", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Unsetenv("PORT")
		os.Unsetenv("GATEWAY_PORT")
		os.Unsetenv("GATEWAY_PROCESS_MATCH")
		os.Unsetenv("WEBHOOK_SOURCES")
		os.Unsetenv("MOUNT_POLL_ATTEMPTS")
		os.Unsetenv("LOG_LEVEL")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, 18789, cfg.GatewayPort)
		assert.Equal(t, 5000, cfg.GatewayStartTimeoutMs)
		assert.Equal(t, []string{"start-openclaw.sh", "openclaw gateway"}, cfg.GatewayProcessMatch)
		assert.Equal(t, []string{"tradingview"}, cfg.WebhookSources)
		assert.Equal(t, "/data/moltbot", cfg.MountPath)
		assert.Equal(t, 10, cfg.MountPollAttempts)
		assert.Equal(t, "/hooks/agent", cfg.HooksPath)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("loads custom values", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Setenv("PORT", "3000")
		os.Setenv("GATEWAY_PORT", "9000")
		os.Setenv("WEBHOOK_SOURCES", "tradingview,github")
		os.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, 9000, cfg.GatewayPort)
		assert.Equal(t, []string{"tradingview", "github"}, cfg.WebhookSources)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("fails without required DATABASE_URL", func(t *testing.T) {
		os.Unsetenv("DATABASE_URL")
		os.Setenv("REDIS_URL", "redis://localhost:6379")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("fails without required REDIS_URL", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Unsetenv("REDIS_URL")

		_, err := Load()
		assert.Error(t, err)
	})
}
