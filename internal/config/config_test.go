package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Errorf("Addr = %q, want :8787", cfg.Addr)
	}
	if cfg.RateLimitRequests != 120 {
		t.Errorf("RateLimitRequests = %d, want 120", cfg.RateLimitRequests)
	}
	if cfg.RateLimitWindow != 60*time.Second {
		t.Errorf("RateLimitWindow = %v, want 60s", cfg.RateLimitWindow)
	}
	if cfg.ReconcileInterval != 0 {
		t.Errorf("ReconcileInterval = %v, want 0", cfg.ReconcileInterval)
	}
	if cfg.S3BucketProofPacks != "proof-packs" {
		t.Errorf("S3BucketProofPacks = %q", cfg.S3BucketProofPacks)
	}
	if cfg.StorageEnabled() {
		t.Error("storage should be disabled without credentials")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Clearenv()
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("RECONCILE_INTERVAL", "15m")
	t.Setenv("RATE_LIMIT_REQUESTS", "10")
	t.Setenv("S3_USE_SSL", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.ReconcileInterval != 15*time.Minute {
		t.Errorf("ReconcileInterval = %v", cfg.ReconcileInterval)
	}
	if cfg.RateLimitRequests != 10 {
		t.Errorf("RateLimitRequests = %d", cfg.RateLimitRequests)
	}
	if cfg.S3UseSSL {
		t.Error("S3UseSSL should be false")
	}
}

func TestLoadProductionRequiresSecrets(t *testing.T) {
	os.Clearenv()
	t.Setenv("APP_ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without SUPABASE_JWT_SECRET")
	}

	t.Setenv("SUPABASE_JWT_SECRET", "jwt")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without RECONCILE_SECRET")
	}

	t.Setenv("RECONCILE_SECRET", "cron")
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadRejectsBadRateLimit(t *testing.T) {
	os.Clearenv()
	t.Setenv("RATE_LIMIT_REQUESTS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero rate limit")
	}
}

func TestPlanPrices(t *testing.T) {
	cfg := &Config{StripePriceStarter: "price_s", StripePricePro: " price_p ", StripePriceBusiness: ""}
	prices := cfg.PlanPrices()
	if len(prices) != 2 {
		t.Fatalf("expected 2 prices, got %v", prices)
	}
	if prices["price_s"] != "starter" || prices["price_p"] != "pro" {
		t.Fatalf("unexpected mapping %v", prices)
	}
}
