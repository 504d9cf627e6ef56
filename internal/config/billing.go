package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig is the billing policy applied by the ledger. It is loaded from
// billing.yml and hot-reloaded on change; money-affecting defaults live here,
// not in code.
type BillingConfig struct {
	// OverageRates maps a metered feature to its per-unit overage price in
	// cents. Features absent from the map use DefaultOverageRateCents.
	OverageRates            map[string]int64 `mapstructure:"overageRates"`
	DefaultOverageRateCents int64            `mapstructure:"defaultOverageRateCents"`

	GracePeriodDays    int `mapstructure:"gracePeriodDays"`
	PaymentTermDays    int `mapstructure:"paymentTermDays"`
	TaxBasisPoints     int `mapstructure:"taxBasisPoints"`
	GatewayMaxAttempts int `mapstructure:"gatewayMaxAttempts"`

	OutboxCapacity   int    `mapstructure:"outboxCapacity"`
	OutboxDropPolicy string `mapstructure:"outboxDropPolicy"` // drop_newest | drop_oldest
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		OverageRates: map[string]int64{
			"content_generation": 25,
			"image_generation":   40,
		},
		DefaultOverageRateCents: 25,
		GracePeriodDays:         7,
		PaymentTermDays:         14,
		TaxBasisPoints:          0,
		GatewayMaxAttempts:      3,
		OutboxCapacity:          256,
		OutboxDropPolicy:        "drop_oldest",
	}
}

// OverageRateFor resolves the per-unit overage price for a metered feature.
func (c BillingConfig) OverageRateFor(feature string) int64 {
	if rate, ok := c.OverageRates[strings.TrimSpace(feature)]; ok {
		return rate
	}
	return c.DefaultOverageRateCents
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/platewise/config")
	v.AddConfigPath("/etc/platewise")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PLATEWISE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	cfg := defaults
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	} else {
		if err := v.UnmarshalKey("billing", &cfg); err != nil {
			return nil, err
		}
		applyBillingDefaults(&cfg, defaults)
		if err := validateBillingConfig(cfg); err != nil {
			return nil, err
		}
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultBillingConfig()
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		applyBillingDefaults(&updated, defaults)
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config; used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func applyBillingDefaults(cfg *BillingConfig, defaults BillingConfig) {
	if cfg.DefaultOverageRateCents <= 0 {
		cfg.DefaultOverageRateCents = defaults.DefaultOverageRateCents
	}
	if cfg.GracePeriodDays <= 0 {
		cfg.GracePeriodDays = defaults.GracePeriodDays
	}
	if cfg.PaymentTermDays <= 0 {
		cfg.PaymentTermDays = defaults.PaymentTermDays
	}
	if cfg.GatewayMaxAttempts <= 0 {
		cfg.GatewayMaxAttempts = defaults.GatewayMaxAttempts
	}
	if cfg.OutboxCapacity <= 0 {
		cfg.OutboxCapacity = defaults.OutboxCapacity
	}
	if strings.TrimSpace(cfg.OutboxDropPolicy) == "" {
		cfg.OutboxDropPolicy = defaults.OutboxDropPolicy
	}
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.TaxBasisPoints < 0 {
		return errors.New("billing.taxBasisPoints cannot be negative")
	}
	switch cfg.OutboxDropPolicy {
	case "drop_newest", "drop_oldest":
	default:
		return errors.New("billing.outboxDropPolicy must be drop_newest or drop_oldest")
	}
	return nil
}
