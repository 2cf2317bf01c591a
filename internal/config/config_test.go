package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v10"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{"IDENTITY_AUTH_SECRET": "s3cret"})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.RoleCacheTTL != 30*time.Second || cfg.RepairConcurrency != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ReconcileWait != 250*time.Millisecond || cfg.RetryAttempts != 3 {
		t.Fatalf("unexpected engine defaults: %+v", cfg)
	}
}

func TestLoadFromOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"IDENTITY_AUTH_SECRET":        "s3cret",
		"IDENTITY_ADMIN_EMAILS":       "a@church.org,b@church.org",
		"IDENTITY_KAFKA_BROKERS":      "k1:9092,k2:9092",
		"IDENTITY_REPAIR_CONCURRENCY": "8",
		"IDENTITY_ROLE_CACHE_TTL":     "1m",
	})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if len(cfg.AdminEmails) != 2 || cfg.AdminEmails[1] != "b@church.org" {
		t.Fatalf("unexpected admin emails: %v", cfg.AdminEmails)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.RepairConcurrency != 8 || cfg.RoleCacheTTL != time.Minute {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	if _, err := LoadFrom(map[string]string{}); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
	if _, err := LoadFrom(map[string]string{"IDENTITY_AUTH_DISABLED": "true"}); err != nil {
		t.Fatalf("auth may be disabled locally: %v", err)
	}
	if _, err := LoadFrom(map[string]string{"IDENTITY_AUTH_DISABLED": "true", "IDENTITY_APP_ENV": "prod"}); err == nil {
		t.Fatalf("expected disabled auth in prod to fail")
	}
	if _, err := LoadFrom(map[string]string{"IDENTITY_AUTH_SECRET": "x", "IDENTITY_RETRY_ATTEMPTS": "0"}); err == nil {
		t.Fatalf("expected zero retry attempts to fail")
	}
}

func TestEngineValidationSkipsAuth(t *testing.T) {
	cfg, err := parse(env.Options{Environment: map[string]string{"IDENTITY_APP_ENV": "prod"}}, (*Config).validateEngine)
	if err != nil {
		t.Fatalf("engine config without secret should load: %v", err)
	}
	if cfg.AppEnv != "prod" {
		t.Fatalf("unexpected env %q", cfg.AppEnv)
	}
	if _, err := parse(env.Options{Environment: map[string]string{"IDENTITY_REPAIR_BATCH_SIZE": "0"}}, (*Config).validateEngine); err == nil {
		t.Fatalf("expected zero batch size to fail")
	}
}
