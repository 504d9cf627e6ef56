package config

import "testing"

func TestOverageRateForFallsBackToDefault(t *testing.T) {
	cfg := DefaultBillingConfig()

	if rate := cfg.OverageRateFor("image_generation"); rate != 40 {
		t.Fatalf("image_generation rate %d, want 40", rate)
	}
	if rate := cfg.OverageRateFor(" image_generation "); rate != 40 {
		t.Fatalf("padded feature rate %d, want 40", rate)
	}
	if rate := cfg.OverageRateFor("menu_translation"); rate != cfg.DefaultOverageRateCents {
		t.Fatalf("unknown feature rate %d, want default %d", rate, cfg.DefaultOverageRateCents)
	}
}

func TestApplyBillingDefaultsFillsGaps(t *testing.T) {
	defaults := DefaultBillingConfig()
	cfg := BillingConfig{GracePeriodDays: 3}
	applyBillingDefaults(&cfg, defaults)

	if cfg.GracePeriodDays != 3 {
		t.Fatalf("explicit grace period overwritten: %d", cfg.GracePeriodDays)
	}
	if cfg.PaymentTermDays != defaults.PaymentTermDays {
		t.Fatalf("payment term %d, want default %d", cfg.PaymentTermDays, defaults.PaymentTermDays)
	}
	if cfg.GatewayMaxAttempts != defaults.GatewayMaxAttempts {
		t.Fatalf("gateway attempts %d, want default %d", cfg.GatewayMaxAttempts, defaults.GatewayMaxAttempts)
	}
	if cfg.OutboxDropPolicy != defaults.OutboxDropPolicy {
		t.Fatalf("drop policy %q, want default %q", cfg.OutboxDropPolicy, defaults.OutboxDropPolicy)
	}
}

func TestValidateBillingConfig(t *testing.T) {
	cfg := DefaultBillingConfig()
	if err := validateBillingConfig(cfg); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}

	cfg.TaxBasisPoints = -1
	if err := validateBillingConfig(cfg); err == nil {
		t.Fatalf("negative tax accepted")
	}

	cfg = DefaultBillingConfig()
	cfg.OutboxDropPolicy = "block"
	if err := validateBillingConfig(cfg); err == nil {
		t.Fatalf("unknown drop policy accepted")
	}
}

func TestStaticHolderReturnsStoredConfig(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.GracePeriodDays = 10
	holder := NewStaticBillingConfigHolder(cfg)
	if got := holder.Get().GracePeriodDays; got != 10 {
		t.Fatalf("grace period %d, want 10", got)
	}
}
