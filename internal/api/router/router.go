package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/smsflow/sms-gateway/internal/apikey"
	"github.com/smsflow/sms-gateway/internal/billing"
	"github.com/smsflow/sms-gateway/internal/device"
	httpmiddleware "github.com/smsflow/sms-gateway/internal/http/middleware"
	"github.com/smsflow/sms-gateway/internal/http/respond"
	"github.com/smsflow/sms-gateway/internal/hub"
	"github.com/smsflow/sms-gateway/internal/notify"
	"github.com/smsflow/sms-gateway/internal/quota"
	"github.com/smsflow/sms-gateway/internal/sms"
	"github.com/smsflow/sms-gateway/internal/webhook"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger *logging.Logger

	Hub            *hub.Hub
	SMSHandler     *sms.Handler
	DeviceHandler  *device.Handler
	WebhookHandler *webhook.Handler
	QuotaHandler   *quota.Handler
	BillingHandler *billing.Handler
	APIKeyHandler  *apikey.Handler
	NotifyHandler  *notify.Handler

	// Tenant auth
	JWTSecret string
	APIKeys   httpmiddleware.KeyAuthenticator

	// Device auth for HTTP callbacks
	Devices httpmiddleware.DeviceResolver

	// Queue delivery verification for internal callbacks
	QueueVerifier httpmiddleware.SignatureVerifier
	PublicBaseURL string

	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints
	r.Group(func(public chi.Router) {
		public.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Hub != nil {
			public.Get("/ws", cfg.Hub.HandleWS)
		}
		// Payment provider callback. The handler verifies the transaction
		// with the gateway before acting on it.
		if cfg.BillingHandler != nil {
			public.Post("/api/v1/subscriptions/webhook/{provider}", cfg.BillingHandler.ProviderWebhook)
		}
	})

	// Tenant API
	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(tenant chi.Router) {
			tenant.Use(httpmiddleware.UserAuth(cfg.JWTSecret, cfg.APIKeys, cfg.Logger))

			tenant.Route("/sms", func(r chi.Router) {
				r.Post("/send", cfg.SMSHandler.Send)
				r.Get("/messages", cfg.SMSHandler.List)
				r.Get("/messages/{id}", cfg.SMSHandler.Get)
				r.Get("/incoming", cfg.SMSHandler.ListIncoming)

				r.Route("/devices", func(r chi.Router) {
					r.With(httpmiddleware.RateLimit(3.0/60, 3)).Post("/", cfg.DeviceHandler.Create)
					r.Get("/", cfg.DeviceHandler.List)
					r.Get("/{id}", cfg.DeviceHandler.Get)
					r.Put("/{id}", cfg.DeviceHandler.Update)
					r.Delete("/{id}", cfg.DeviceHandler.Delete)
				})
			})

			tenant.Route("/webhooks", func(r chi.Router) {
				r.Post("/", cfg.WebhookHandler.Create)
				r.Get("/", cfg.WebhookHandler.List)
				r.Get("/{id}", cfg.WebhookHandler.Get)
				r.Put("/{id}", cfg.WebhookHandler.Update)
				r.Delete("/{id}", cfg.WebhookHandler.Delete)
			})

			if cfg.BillingHandler != nil {
				tenant.Route("/plans", func(r chi.Router) {
					r.Get("/list", cfg.BillingHandler.ListPlans)
					r.Get("/quota", cfg.QuotaHandler.Get)
					r.Put("/upgrade", cfg.BillingHandler.Upgrade)
					r.Post("/cancel", cfg.BillingHandler.Cancel)
				})
				tenant.Get("/subscriptions/current", cfg.BillingHandler.CurrentSubscription)
			} else {
				tenant.Get("/plans/quota", cfg.QuotaHandler.Get)
			}

			if cfg.APIKeyHandler != nil {
				tenant.Route("/api-keys", func(r chi.Router) {
					r.Post("/", cfg.APIKeyHandler.Create)
					r.Get("/", cfg.APIKeyHandler.List)
					r.Delete("/{id}", cfg.APIKeyHandler.Delete)
				})
			}
		})

		// Device HTTP callbacks, the fallback path for devices that cannot
		// hold a websocket open.
		api.Group(func(dev chi.Router) {
			dev.Use(httpmiddleware.DeviceAuth(cfg.Devices))
			dev.Post("/sms/report", cfg.SMSHandler.Report)
			dev.Post("/sms/incoming", cfg.SMSHandler.Incoming)
			dev.Post("/sms/fcm-token", cfg.SMSHandler.FCMToken)
		})

		// Queue delivery callbacks
		api.Group(func(internal chi.Router) {
			internal.Use(httpmiddleware.QueueAuth(cfg.QueueVerifier, cfg.PublicBaseURL, cfg.Logger))
			if cfg.NotifyHandler != nil {
				internal.Post("/internal/notifications/send", cfg.NotifyHandler.Send)
			}
			internal.Post("/internal/webhooks/deliver", cfg.WebhookHandler.Deliver)
		})
	})

	// Scheduled jobs, triggered by queue schedules
	r.Route("/internal/jobs", func(jobs chi.Router) {
		jobs.Use(httpmiddleware.QueueAuth(cfg.QueueVerifier, cfg.PublicBaseURL, cfg.Logger))
		if cfg.BillingHandler != nil {
			jobs.Post("/check-renewals", cfg.BillingHandler.CheckRenewals)
		}
		jobs.Post("/reset-quotas", cfg.QuotaHandler.ResetMonthly)
		jobs.Post("/sweep-messages", cfg.SMSHandler.SweepMessages)
	})

	return r
}
