package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CostConfig enumerates the credit price of each operation kind.
// Conversion runs the identifier heuristic on top of a lookup, so it
// always costs at least as much as a plain lookup.
type CostConfig struct {
	Lookup  int64 `mapstructure:"lookup"`
	Convert int64 `mapstructure:"convert"`
}

func DefaultCostConfig() CostConfig {
	return CostConfig{
		Lookup:  1,
		Convert: 3,
	}
}

func validateCostConfig(cfg CostConfig) error {
	if cfg.Lookup <= 0 || cfg.Convert <= 0 {
		return errors.New("credit costs must be positive")
	}
	if cfg.Convert < cfg.Lookup {
		return errors.New("convert cost must not be below lookup cost")
	}
	return nil
}

// CostConfigHolder serves the current cost table and hot-reloads it
// when the mounted config file changes.
type CostConfigHolder struct {
	current atomic.Value // holds CostConfig
}

func NewCostConfigHolder() (*CostConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("costs")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditgate/config")
	v.AddConfigPath("/etc/creditgate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultCostConfig()
		v.SetDefault("costs.lookup", defaults.Lookup)
		v.SetDefault("costs.convert", defaults.Convert)
	}

	var cfg CostConfig
	if err := v.UnmarshalKey("costs", &cfg); err != nil {
		return nil, err
	}
	if cfg == (CostConfig{}) {
		cfg = DefaultCostConfig()
	}
	if err := validateCostConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CostConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CostConfig
		if err := v.UnmarshalKey("costs", &updated); err != nil {
			log.Printf("[cost-config] reload failed: %v", err)
			return
		}
		if err := validateCostConfig(updated); err != nil {
			log.Printf("[cost-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
	})

	return holder, nil
}

// NewStaticCostConfigHolder pins the cost table, bypassing file watching.
func NewStaticCostConfigHolder(cfg CostConfig) *CostConfigHolder {
	holder := &CostConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *CostConfigHolder) Current() CostConfig {
	if h == nil {
		return DefaultCostConfig()
	}
	if cfg, ok := h.current.Load().(CostConfig); ok {
		return cfg
	}
	return DefaultCostConfig()
}

// CostFor resolves the credit price for an operation kind.
func (h *CostConfigHolder) CostFor(op string) int64 {
	cfg := h.Current()
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "convert":
		return cfg.Convert
	default:
		return cfg.Lookup
	}
}
