package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/sandbox-controller-go/internal/config"
	"github.com/openclaw/sandbox-controller-go/internal/database"
	"github.com/openclaw/sandbox-controller-go/internal/handler"
	"github.com/openclaw/sandbox-controller-go/internal/jobs"
	"github.com/openclaw/sandbox-controller-go/internal/middleware"
	"github.com/openclaw/sandbox-controller-go/internal/model"
	"github.com/openclaw/sandbox-controller-go/internal/redis"
	"github.com/openclaw/sandbox-controller-go/internal/repository"
	"github.com/openclaw/sandbox-controller-go/internal/sandbox"
	"github.com/openclaw/sandbox-controller-go/internal/service"
	"github.com/openclaw/sandbox-controller-go/internal/sse"
	"github.com/openclaw/sandbox-controller-go/internal/util"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.LogLevel, cfg.LogFormat)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Int("gatewayPort", cfg.GatewayPort).
		Str("gatewayToken", util.MaskSecret(cfg.GatewayToken)).
		Strs("webhookSources", cfg.WebhookSources).
		Str("bucket", cfg.R2BucketName).
		Str("backupSchedule", cfg.BackupSchedule).
		Bool("production", isProduction).
		Msg("config loaded")

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	deviceRepo := repository.NewDeviceRepository(db)
	adminSessionRepo := repository.NewAdminSessionRepository(redisClient)
	syncStateRepo := repository.NewSyncStateRepository(redisClient)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	sb := sandbox.NewLocalSandbox()

	gateway := service.NewGatewaySupervisor(sb, service.GatewayConfig{
		Command:      cfg.GatewayCommand,
		Match:        cfg.GatewayProcessMatch,
		Port:         cfg.GatewayPort,
		StartTimeout: cfg.GatewayStartTimeout(),
		ProbeTimeout: cfg.GatewayProbeTimeout(),
		PollInterval: cfg.PortPollInterval(),
		KillTimeout:  config.GatewayKillTimeout,
		Workdir:      cfg.SandboxWorkdir,
		Env:          gatewayEnv(cfg),
	}, broker)
	storage := service.NewStorageManager(sb, service.StorageConfig{
		Credentials: model.StorageCredentials{
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			AccountID:       cfg.CFAccountID,
			Bucket:          cfg.R2BucketName,
		},
		MountPath:     cfg.MountPath,
		DataDir:       cfg.StorageDataDir(),
		SyncSourceDir: cfg.SyncSourceDir,
		PollInterval:  cfg.MountPollInterval(),
		PollAttempts:  cfg.MountPollAttempts,
		SyncTimeout:   cfg.SyncTimeout(),
	}, syncStateRepo, service.NewR2BucketProber(), broker)
	relay := service.NewWebhookRelay(sb, gateway, service.WebhookConfig{
		Secret:         cfg.WebhookSecret,
		Sources:        cfg.WebhookSources,
		HooksPath:      cfg.HooksPath,
		HooksToken:     cfg.HooksToken,
		DeliverChannel: cfg.WebhookDeliverChannel,
		DeliverChatID:  cfg.WebhookDeliverChatID,
		Timeout:        cfg.RelayTimeout(),
	})
	devices := service.NewDeviceRegistry(deviceRepo, broker)
	adminService := service.NewAdminService(adminSessionRepo, cfg.AdminPasswordHash, cfg.AdminSessionSecret)

	webhookLimiter := service.NewRateLimiter(redisClient.Client)
	loginLimiter := service.NewLocalRateLimiter()

	adminSessionMiddleware := middleware.NewAdminSessionMiddleware(adminService)
	gatewayTokenMiddleware := middleware.NewGatewayTokenMiddleware(cfg.GatewayToken)
	webhookRateLimitMiddleware := middleware.NewIPRateLimitMiddleware(
		webhookLimiter, cfg.WebhookRateLimitPerMin, time.Minute, "webhook",
	)
	csrfMiddleware := middleware.NewCSRFMiddleware(isProduction)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	webhookBodyLimitMiddleware := middleware.NewBodyLimitMiddleware(config.WebhookMaxBodySize)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	eventsHandler := handler.NewEventsHandler(broker)
	publicHandler := handler.NewPublicHandler(gateway, storage, relay)
	internalHandler := handler.NewInternalHandler(devices)
	adminHandler := handler.NewAdminHandler(handler.AdminHandlerDeps{
		AdminService:      adminService,
		Devices:           devices,
		Gateway:           gateway,
		Storage:           storage,
		Events:            eventsHandler,
		SessionMiddleware: adminSessionMiddleware.Handler,
		LoginRateLimiter:  middleware.NewLoginRateLimiter(loginLimiter).Handler,
		IsProduction:      isProduction,
	})

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/sandbox-health", publicHandler.Health)
	r.Get("/api/status", publicHandler.Status)

	r.Route("/webhook", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(webhookRateLimitMiddleware.Handler)
		r.Use(webhookBodyLimitMiddleware.Handler)
		r.Post("/{source}", publicHandler.Webhook)
	})

	r.Route("/debug", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(gatewayTokenMiddleware.Handler)
		r.Get("/mount", publicHandler.DebugMount)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(gatewayTokenMiddleware.Handler)
		r.Use(bodyLimitMiddleware.Handler)
		r.Mount("/", internalHandler.Routes())
	})

	// The event stream is long-lived, so the admin API carries no request
	// timeout; every core operation bounds its own waits.
	r.Route("/_admin/api", func(r chi.Router) {
		r.Use(securityHeadersMiddleware.Handler)
		r.Use(csrfMiddleware.Handler)
		r.Use(bodyLimitMiddleware.Handler)
		r.Mount("/", adminHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(devices, cfg.PendingRequestTTL(), config.PendingExpiryJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	healthJob := jobs.NewHealthJob(gateway, config.HealthProbeJobInterval)
	healthJob.Start()
	defer healthJob.Stop()

	backupJob := jobs.NewBackupJob(storage, cfg.BackupSchedule, config.BackupJobTick, cfg.SyncTimeout())
	backupJob.Start()
	defer backupJob.Stop()

	go mountOnStartup(storage)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// mountOnStartup makes the bucket available before the first sync. Failure
// is logged and left to the diagnostics endpoints.
func mountOnStartup(storage *service.StorageManager) {
	if !storage.Configured() {
		log.Info().Msg("storage not configured, skipping startup mount")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.StartupMountTimeout)
	defer cancel()

	mounted, err := storage.Mount(ctx)
	if err != nil || !mounted {
		diag := storage.VerifyMount(ctx)
		log.Warn().
			Err(err).
			Bool("mountTableOk", diag.MountTable.OK).
			Bool("helperInstalled", diag.HelperBinary.OK).
			Msg("startup mount failed")
		return
	}
	log.Info().Msg("startup mount completed")
}

func gatewayEnv(cfg *config.Config) map[string]string {
	env := map[string]string{}
	if cfg.GatewayToken != "" {
		env["OPENCLAW_GATEWAY_TOKEN"] = cfg.GatewayToken
	}
	if bearer := cfg.HooksBearer(); bearer != "" {
		env["OPENCLAW_HOOKS_TOKEN"] = bearer
	}
	return env
}

func setupLogger(level, format string) {
	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
