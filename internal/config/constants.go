package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 10
	DBMaxIdleConns    = 2
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const (
	PendingExpiryJobInterval = 5 * time.Minute
	HealthProbeJobInterval   = time.Minute
	BackupJobTick            = time.Minute
)

// Restart gives up on a gateway that does not die within this bound.
const GatewayKillTimeout = 10 * time.Second

// Startup mount attempt is bounded so a hung mount helper cannot delay serving.
const StartupMountTimeout = 30 * time.Second

// Admin session lifetime
const AdminSessionTTL = 24 * time.Hour

// Login attempts per IP per minute
const AdminLoginRatePerMin = 5

// Maximum webhook body accepted before relay
const WebhookMaxBodySize = 64 << 10
