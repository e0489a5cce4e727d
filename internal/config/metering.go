package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// MeteringConfig holds the tunable knobs of the allowance core. Values are
// hot-reloadable so limits can be adjusted without a restart.
type MeteringConfig struct {
	ReservationTimeout   time.Duration `mapstructure:"reservationTimeout"`
	GraceMultiplier      float64       `mapstructure:"graceMultiplier"`
	ActivePackCap        int           `mapstructure:"activePackCap"`
	PackExpiryDays       int           `mapstructure:"packExpiryDays"`
	HistoryRetentionDays int           `mapstructure:"historyRetentionDays"`
	SweepInterval        time.Duration `mapstructure:"sweepInterval"`
}

func DefaultMeteringConfig() MeteringConfig {
	return MeteringConfig{
		ReservationTimeout:   5 * time.Minute,
		GraceMultiplier:      0.5,
		ActivePackCap:        5,
		PackExpiryDays:       90,
		HistoryRetentionDays: 730,
		SweepInterval:        time.Minute,
	}
}

type MeteringConfigHolder struct {
	current atomic.Value // holds MeteringConfig
}

func NewMeteringConfigHolder() (*MeteringConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("metering")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/taskora/config")
	v.AddConfigPath("/etc/taskora")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TASKORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultMeteringConfig()
	v.SetDefault("metering.reservationTimeout", defaults.ReservationTimeout)
	v.SetDefault("metering.graceMultiplier", defaults.GraceMultiplier)
	v.SetDefault("metering.activePackCap", defaults.ActivePackCap)
	v.SetDefault("metering.packExpiryDays", defaults.PackExpiryDays)
	v.SetDefault("metering.historyRetentionDays", defaults.HistoryRetentionDays)
	v.SetDefault("metering.sweepInterval", defaults.SweepInterval)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg MeteringConfig
	if err := v.UnmarshalKey("metering", &cfg); err != nil {
		return nil, err
	}
	if err := validateMeteringConfig(cfg); err != nil {
		return nil, err
	}

	holder := &MeteringConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated MeteringConfig
		if err := v.UnmarshalKey("metering", &updated); err != nil {
			log.Printf("[metering-config] reload failed: %v", err)
			return
		}
		if err := validateMeteringConfig(updated); err != nil {
			log.Printf("[metering-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[metering-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticMeteringConfigHolder wraps a fixed config, used by tests.
func NewStaticMeteringConfigHolder(cfg MeteringConfig) *MeteringConfigHolder {
	holder := &MeteringConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *MeteringConfigHolder) Get() MeteringConfig {
	return h.current.Load().(MeteringConfig)
}

func validateMeteringConfig(cfg MeteringConfig) error {
	if cfg.ReservationTimeout <= 0 {
		return errors.New("metering.reservationTimeout must be positive")
	}
	if cfg.GraceMultiplier <= 0 || cfg.GraceMultiplier > 1 {
		return errors.New("metering.graceMultiplier must be in (0, 1]")
	}
	if cfg.ActivePackCap <= 0 {
		return errors.New("metering.activePackCap must be positive")
	}
	if cfg.PackExpiryDays <= 0 {
		return errors.New("metering.packExpiryDays must be positive")
	}
	return nil
}
