package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/smsflow/sms-gateway/internal/api/router"
	"github.com/smsflow/sms-gateway/internal/apikey"
	"github.com/smsflow/sms-gateway/internal/billing"
	"github.com/smsflow/sms-gateway/internal/billing/provider"
	appconfig "github.com/smsflow/sms-gateway/internal/config"
	"github.com/smsflow/sms-gateway/internal/device"
	httpmiddleware "github.com/smsflow/sms-gateway/internal/http/middleware"
	"github.com/smsflow/sms-gateway/internal/hub"
	"github.com/smsflow/sms-gateway/internal/notify"
	"github.com/smsflow/sms-gateway/internal/observability/metrics"
	"github.com/smsflow/sms-gateway/internal/queue"
	"github.com/smsflow/sms-gateway/internal/quota"
	"github.com/smsflow/sms-gateway/internal/sms"
	"github.com/smsflow/sms-gateway/internal/sysconfig"
	"github.com/smsflow/sms-gateway/internal/webhook"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting sms-gateway API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	pool := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if pool == nil {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	defer pool.Close()

	rdb := connectRedis(cfg)
	defer rdb.Close()

	// Queue: durable HTTP queue in production, in-process in development.
	enqueuer, scheduler, verifier := setupQueue(cfg, logger)

	// Stores
	deviceStore := device.NewStore(pool)
	smsStore := sms.NewStore(pool)
	webhookStore := webhook.NewStore(pool)
	billingStore := billing.NewStore(pool)
	keyStore := apikey.NewStore(pool)

	// Operational knobs can be overridden in the system_config table
	// without a redeploy.
	sysStore := sysconfig.NewStore(pool, logger)
	payloadLimit := sysStore.GetInt(ctx, "push_payload_limit", cfg.PushPayloadLimit)
	resetDay := sysStore.GetInt(ctx, "quota_reset_day", cfg.QuotaResetDay)

	quotaService := quota.NewService(pool, resetDay, logger)

	// Device hub and presence
	presence := hub.NewPresence(rdb, cfg.HeartbeatTimeout)
	deviceHub := hub.New(deviceStore, deviceStore, presence, logger)

	// Send pipeline
	dispatcher := notify.NewDispatcher(enqueuer,
		cfg.PublicBaseURL+"/api/v1/internal/notifications/send",
		payloadLimit, logger)
	webhookService := webhook.NewService(webhookStore, webhook.NewDeliverer(cfg.WebhookTimeout),
		enqueuer, cfg.PublicBaseURL+"/api/v1/internal/webhooks/deliver", logger)
	smsService := sms.NewService(smsStore, quotaService, deviceStore, deviceHub,
		dispatcher, webhookService, logger)
	deviceHub.SetReportHandler(smsService)
	webhookService.SetMessageMarker(smsStore)

	fcm := notify.NewFCMClient(cfg.FCMEndpoint, cfg.FCMServerKey, cfg.ProviderTimeout)
	processor := notify.NewProcessor(deviceHub, smsStore, fcm, logger)

	// Billing
	billingProvider := setupProvider(cfg, logger)
	billingController := billing.NewController(billingStore, billingProvider, quotaService,
		billing.Options{
			ReminderDays:    cfg.RenewalReminderDays,
			GraceDays:       cfg.GracePeriodDays,
			DefaultPlanName: cfg.DefaultPlanName,
			DefaultMethod:   cfg.DefaultPaymentMethod,
			ReturnURL:       cfg.FrontendURL + "/billing/return",
		}, logger)

	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.EmailFrom,
		FromName:  cfg.EmailFromName,
	}, logger); sg != nil {
		billingController.SetEmailSender(sg)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	gatewayMetrics := metrics.NewGatewayMetrics(reg, deviceHub)
	smsService.SetMetrics(gatewayMetrics)
	webhookService.SetMetrics(gatewayMetrics)

	routerCfg := &router.Config{
		Logger:         logger,
		Hub:            deviceHub,
		SMSHandler:     sms.NewHandler(smsService, smsStore, deviceStore, cfg.AssignedSweepAge, logger),
		DeviceHandler:  device.NewHandler(deviceStore, quotaService, logger),
		WebhookHandler: webhook.NewHandler(webhookStore, webhookService, logger),
		QuotaHandler:   quota.NewHandler(quotaService, logger),
		BillingHandler: billing.NewHandler(billingController, logger),
		APIKeyHandler:  apikey.NewHandler(keyStore, logger),
		NotifyHandler:  notify.NewHandler(processor, logger),
		JWTSecret:      cfg.JWTSecret,
		APIKeys:        keyStore,
		Devices:        deviceStore,
		QueueVerifier:  verifier,
		PublicBaseURL:  cfg.PublicBaseURL,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	r := router.New(routerCfg)

	registerSchedules(ctx, scheduler, cfg.PublicBaseURL, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deviceHub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// connectPostgresPool opens the pgx pool, or returns nil when no URL is
// configured so the caller can decide how fatal that is.
func connectPostgresPool(ctx context.Context, databaseURL string, logger *logging.Logger) *pgxpool.Pool {
	if databaseURL == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		os.Exit(1)
	}
	return pool
}

func connectRedis(cfg *appconfig.Config) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

// setupQueue picks the job queue implementation. The in-memory queue signs
// its deliveries with the same key so the callback middleware works
// identically in both modes.
func setupQueue(cfg *appconfig.Config, logger *logging.Logger) (queue.Enqueuer, queue.Scheduler, httpmiddleware.SignatureVerifier) {
	if cfg.UseMemoryQueue {
		mq := queue.NewMemoryQueue(cfg.QueueCurrentSigningKey, logger)
		return mq, mq, mq
	}
	c := queue.NewClient(cfg.QueueBaseURL, cfg.QueueToken,
		cfg.QueueCurrentSigningKey, cfg.QueueNextSigningKey, logger)
	return c, c, c
}

func setupProvider(cfg *appconfig.Config, logger *logging.Logger) provider.Provider {
	switch cfg.PaymentProvider {
	case "fake":
		return provider.NewFake()
	default:
		return provider.NewPaylink(cfg.PaylinkBaseURL, cfg.PaylinkAppID,
			cfg.PaylinkAppSecret, cfg.ProviderTimeout, logger)
	}
}

// registerSchedules installs the recurring jobs on the queue. Registration
// is idempotent on the queue side, so every boot re-registers.
func registerSchedules(ctx context.Context, scheduler queue.Scheduler, publicBaseURL string, logger *logging.Logger) {
	if publicBaseURL == "" {
		logger.Warn("PUBLIC_BASE_URL not set, scheduled jobs disabled")
		return
	}
	schedules := []struct {
		path string
		cron string
	}{
		{"/internal/jobs/check-renewals", "0 8 * * *"},
		{"/internal/jobs/reset-quotas", "0 0 * * *"},
		{"/internal/jobs/sweep-messages", "*/15 * * * *"},
	}
	for _, s := range schedules {
		if err := scheduler.Schedule(ctx, publicBaseURL+s.path, s.cron, []byte(`{}`)); err != nil {
			logger.Error("schedule registration failed", "error", err, "path", s.path)
		}
	}
}
