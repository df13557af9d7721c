package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("QUEUE_BASE_URL", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.QueueBaseURL != "https://qstash.upstash.io" {
		t.Fatalf("expected default queue base url, got %s", cfg.QueueBaseURL)
	}
	if cfg.UseMemoryQueue {
		t.Fatalf("expected memory queue disabled by default")
	}
	if cfg.PushPayloadLimit != 4096 {
		t.Fatalf("expected default push payload limit, got %d", cfg.PushPayloadLimit)
	}
	if cfg.AssignedSweepAge != 15*time.Minute {
		t.Fatalf("expected default sweep age, got %s", cfg.AssignedSweepAge)
	}
	if cfg.GracePeriodDays != 3 {
		t.Fatalf("expected default grace period, got %d", cfg.GracePeriodDays)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("USE_MEMORY_QUEUE", "true")
	t.Setenv("PAYMENT_PROVIDER", " Fake ")
	t.Setenv("WEBHOOK_TIMEOUT", "5s")
	t.Setenv("PUSH_PAYLOAD_LIMIT", "2048")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected overridden port, got %s", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected database url, got %s", cfg.DatabaseURL)
	}
	if !cfg.RedisTLS {
		t.Fatalf("expected redis tls enabled")
	}
	if !cfg.UseMemoryQueue {
		t.Fatalf("expected memory queue enabled")
	}
	if cfg.PaymentProvider != "fake" {
		t.Fatalf("expected normalized payment provider, got %s", cfg.PaymentProvider)
	}
	if cfg.WebhookTimeout != 5*time.Second {
		t.Fatalf("expected overridden webhook timeout, got %s", cfg.WebhookTimeout)
	}
	if cfg.PushPayloadLimit != 2048 {
		t.Fatalf("expected overridden payload limit, got %d", cfg.PushPayloadLimit)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("PUSH_PAYLOAD_LIMIT", "lots")
	t.Setenv("REDIS_TLS", "sure")
	t.Setenv("ASSIGNED_SWEEP_AGE", "soon")

	cfg := Load()
	if cfg.PushPayloadLimit != 4096 {
		t.Fatalf("expected default payload limit on bad int, got %d", cfg.PushPayloadLimit)
	}
	if cfg.RedisTLS {
		t.Fatalf("expected default redis tls on bad bool")
	}
	if cfg.AssignedSweepAge != 15*time.Minute {
		t.Fatalf("expected default sweep age on bad duration, got %s", cfg.AssignedSweepAge)
	}
}
