package restart

import (
	"fmt"
	"time"
)

// DefaultWindow is the length of the restart accounting window.
const DefaultWindow = 60 * time.Second

// Unlimited disables the cumulative restart ceiling.
const Unlimited = -1

// Config defines restart ceilings and backoff mechanics.
type Config struct {
	MaxTotalRestarts     int           `yaml:"max_total_restarts"`      // -1 means unlimited
	MaxRestartsPerWindow int           `yaml:"max_restarts_per_window"` // launches allowed within one window
	InitialWait          time.Duration `yaml:"initial_wait"`
	GrowthFactor         float64       `yaml:"growth_factor"` // fraction added to the wait per failed attempt
	AbortOnError         bool          `yaml:"abort_on_error"`
	Window               time.Duration `yaml:"window,omitempty"`
}

// DefaultConfig mirrors the command line defaults.
func DefaultConfig() Config {
	return Config{
		MaxTotalRestarts:     Unlimited,
		MaxRestartsPerWindow: 5,
		InitialWait:          time.Second,
		GrowthFactor:         0.25,
		Window:               DefaultWindow,
	}
}

// ValidateConfig validates restart configuration values
func ValidateConfig(config Config) error {
	if config.MaxTotalRestarts < Unlimited {
		return fmt.Errorf("max_total_restarts must be -1 (unlimited) or non-negative: %d", config.MaxTotalRestarts)
	}
	if config.MaxRestartsPerWindow < 0 {
		return fmt.Errorf("max_restarts_per_window cannot be negative: %d", config.MaxRestartsPerWindow)
	}
	if config.InitialWait < 0 {
		return fmt.Errorf("initial_wait cannot be negative: %v", config.InitialWait)
	}
	if config.GrowthFactor < 0 || config.GrowthFactor > 1 {
		return fmt.Errorf("growth_factor must be between 0.0 and 1.0: %f", config.GrowthFactor)
	}
	if config.Window < 0 {
		return fmt.Errorf("window cannot be negative: %v", config.Window)
	}
	return nil
}
