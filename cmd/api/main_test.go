package main

import (
	"context"
	"testing"

	appconfig "github.com/smsflow/sms-gateway/internal/config"
	"github.com/smsflow/sms-gateway/internal/queue"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

func TestConnectPostgresPoolEmptyURLReturnsNil(t *testing.T) {
	logger := logging.New("error")
	if pool := connectPostgresPool(context.Background(), "", logger); pool != nil {
		t.Fatalf("expected nil pool for empty URL")
	}
}

func TestSetupQueueMemoryPath(t *testing.T) {
	logger := logging.New("error")
	cfg := &appconfig.Config{UseMemoryQueue: true, QueueCurrentSigningKey: "sig-key"}

	enqueuer, scheduler, verifier := setupQueue(cfg, logger)
	if enqueuer == nil || scheduler == nil || verifier == nil {
		t.Fatalf("expected all queue roles wired")
	}
	if _, ok := enqueuer.(*queue.MemoryQueue); !ok {
		t.Fatalf("expected memory queue, got %T", enqueuer)
	}
}

func TestSetupQueueHTTPPath(t *testing.T) {
	logger := logging.New("error")
	cfg := &appconfig.Config{
		QueueBaseURL:           "https://qstash.example",
		QueueToken:             "token",
		QueueCurrentSigningKey: "current",
		QueueNextSigningKey:    "next",
	}

	enqueuer, _, _ := setupQueue(cfg, logger)
	if _, ok := enqueuer.(*queue.Client); !ok {
		t.Fatalf("expected http queue client, got %T", enqueuer)
	}
}

type recordingScheduler struct {
	destinations []string
	crons        []string
}

func (r *recordingScheduler) Schedule(_ context.Context, destination, cron string, _ []byte) error {
	r.destinations = append(r.destinations, destination)
	r.crons = append(r.crons, cron)
	return nil
}

func TestRegisterSchedules(t *testing.T) {
	logger := logging.New("error")
	rec := &recordingScheduler{}

	registerSchedules(context.Background(), rec, "https://gateway.example", logger)
	if len(rec.destinations) != 3 {
		t.Fatalf("expected 3 schedules, got %d", len(rec.destinations))
	}
	if rec.destinations[0] != "https://gateway.example/internal/jobs/check-renewals" {
		t.Fatalf("unexpected destination %s", rec.destinations[0])
	}
	if rec.crons[2] != "*/15 * * * *" {
		t.Fatalf("unexpected cron %s", rec.crons[2])
	}
}

func TestRegisterSchedulesSkippedWithoutBaseURL(t *testing.T) {
	logger := logging.New("error")
	rec := &recordingScheduler{}

	registerSchedules(context.Background(), rec, "", logger)
	if len(rec.destinations) != 0 {
		t.Fatalf("expected no schedules without a public base url")
	}
}
