package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	JWTSecret string

	// Durable job queue (QStash-compatible HTTP queue).
	UseMemoryQueue         bool
	QueueBaseURL           string
	QueueToken             string
	QueueCurrentSigningKey string
	QueueNextSigningKey    string

	// Out-of-band push delivery.
	FCMEndpoint  string
	FCMServerKey string

	// Payment provider.
	PaymentProvider  string
	PaylinkBaseURL   string
	PaylinkAppID     string
	PaylinkAppSecret string

	FrontendURL string

	// Transactional email (renewal reminders).
	SendGridAPIKey string
	EmailFrom      string
	EmailFromName  string

	DefaultPlanName      string
	DefaultPaymentMethod string
	QuotaResetDay        int
	RenewalReminderDays  int
	GracePeriodDays      int

	WebhookTimeout   time.Duration
	ProviderTimeout  time.Duration
	HeartbeatTimeout time.Duration
	AssignedSweepAge time.Duration
	PushPayloadLimit int
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		JWTSecret: getEnv("JWT_SECRET", ""),

		UseMemoryQueue:         getEnvAsBool("USE_MEMORY_QUEUE", false),
		QueueBaseURL:           getEnv("QUEUE_BASE_URL", "https://qstash.upstash.io"),
		QueueToken:             getEnv("QUEUE_TOKEN", ""),
		QueueCurrentSigningKey: getEnv("QUEUE_CURRENT_SIGNING_KEY", ""),
		QueueNextSigningKey:    getEnv("QUEUE_NEXT_SIGNING_KEY", ""),

		FCMEndpoint:  getEnv("FCM_ENDPOINT", "https://fcm.googleapis.com/v1/projects/sms-gateway/messages:send"),
		FCMServerKey: getEnv("FCM_SERVER_KEY", ""),

		PaymentProvider:  strings.ToLower(strings.TrimSpace(getEnv("PAYMENT_PROVIDER", "paylink"))),
		PaylinkBaseURL:   getEnv("PAYLINK_BASE_URL", "https://api.paylink.dev/v2"),
		PaylinkAppID:     getEnv("PAYLINK_APP_ID", ""),
		PaylinkAppSecret: getEnv("PAYLINK_APP_SECRET", ""),

		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:5173"),

		SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
		EmailFrom:      getEnv("EMAIL_FROM", "billing@smsflow.dev"),
		EmailFromName:  getEnv("EMAIL_FROM_NAME", "SMS Gateway"),

		DefaultPlanName:      getEnv("DEFAULT_PLAN_NAME", "Free"),
		DefaultPaymentMethod: strings.ToLower(getEnv("DEFAULT_PAYMENT_METHOD", "invoice")),
		QuotaResetDay:        getEnvAsInt("QUOTA_RESET_DAY", 1),
		RenewalReminderDays:  getEnvAsInt("RENEWAL_REMINDER_DAYS", 3),
		GracePeriodDays:      getEnvAsInt("SUBSCRIPTION_GRACE_PERIOD_DAYS", 3),

		WebhookTimeout:   getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		ProviderTimeout:  getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
		HeartbeatTimeout: getEnvAsDuration("WEBSOCKET_HEARTBEAT_TIMEOUT", 5*time.Minute),
		AssignedSweepAge: getEnvAsDuration("ASSIGNED_SWEEP_AGE", 15*time.Minute),
		PushPayloadLimit: getEnvAsInt("PUSH_PAYLOAD_LIMIT", 4096),
	}
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
