package config

import (
	"errors"
	"math"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	DefaultFreeTierInvoiceLimit  = 2
	DefaultUnlimitedInvoiceLimit = math.MaxInt32
)

// PlanConfig holds the invoice quota applied to each subscription tier.
type PlanConfig struct {
	FreeTierInvoiceLimit  int64 `mapstructure:"freeTierInvoiceLimit"`
	UnlimitedInvoiceLimit int64 `mapstructure:"unlimitedInvoiceLimit"`
}

func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		FreeTierInvoiceLimit:  DefaultFreeTierInvoiceLimit,
		UnlimitedInvoiceLimit: DefaultUnlimitedInvoiceLimit,
	}
}

type PlanConfigHolder struct {
	current atomic.Value // holds PlanConfig
}

// NewPlanConfigHolder reads plan.yml and keeps it hot-reloaded.
func NewPlanConfigHolder(cfg Config, log *zap.Logger) (*PlanConfigHolder, error) {
	log = log.Named("config.plan")

	v := viper.New()
	if cfg.PlanConfigPath != "" {
		v.SetConfigFile(cfg.PlanConfigPath)
	} else {
		v.SetConfigName("plan")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/tallybill")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TALLYBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPlanConfig()
	v.SetDefault("plan.freeTierInvoiceLimit", defaults.FreeTierInvoiceLimit)
	v.SetDefault("plan.unlimitedInvoiceLimit", defaults.UnlimitedInvoiceLimit)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var plan PlanConfig
	if err := v.UnmarshalKey("plan", &plan); err != nil {
		return nil, err
	}
	if err := validatePlanConfig(plan); err != nil {
		return nil, err
	}

	holder := NewStaticPlanConfig(plan)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PlanConfig
		if err := v.UnmarshalKey("plan", &updated); err != nil {
			log.Warn("plan config reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := validatePlanConfig(updated); err != nil {
			log.Warn("invalid plan config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("plan config reloaded",
			zap.String("file", e.Name),
			zap.Int64("free_tier_invoice_limit", updated.FreeTierInvoiceLimit),
		)
	})

	return holder, nil
}

// NewStaticPlanConfig returns a holder that never reloads.
func NewStaticPlanConfig(plan PlanConfig) *PlanConfigHolder {
	holder := &PlanConfigHolder{}
	holder.current.Store(plan)
	return holder
}

func (h *PlanConfigHolder) Get() PlanConfig {
	if h == nil {
		return DefaultPlanConfig()
	}
	return h.current.Load().(PlanConfig)
}

// FreeTierInvoiceLimit is the quota every non-active tenant falls back to.
func (h *PlanConfigHolder) FreeTierInvoiceLimit() int64 {
	return h.Get().FreeTierInvoiceLimit
}

func (h *PlanConfigHolder) UnlimitedInvoiceLimit() int64 {
	return h.Get().UnlimitedInvoiceLimit
}

func validatePlanConfig(plan PlanConfig) error {
	if plan.FreeTierInvoiceLimit < 0 {
		return errors.New("plan.freeTierInvoiceLimit cannot be negative")
	}
	if plan.UnlimitedInvoiceLimit <= plan.FreeTierInvoiceLimit {
		return errors.New("plan.unlimitedInvoiceLimit must exceed the free tier limit")
	}
	return nil
}
