package config

import "time"

// ScalerConfig contains auto-scaler tuning. Per-role enablement and
// thresholds live on RoleConfig.AutoScale.
type ScalerConfig struct {
	// Interval is how often the scaler evaluates every role.
	Interval time.Duration `yaml:"interval"`

	// Cooldown is the minimum time between scaling actions in the
	// same direction for one role.
	Cooldown time.Duration `yaml:"cooldown"`

	// IdleThreshold is how long an auto-scaled instance must sit idle
	// with an empty queue before it is stopped.
	IdleThreshold time.Duration `yaml:"idle_threshold"`
}

// DefaultScalerConfig returns the built-in scaler defaults.
func DefaultScalerConfig() *ScalerConfig {
	return &ScalerConfig{
		Interval:      15 * time.Second,
		Cooldown:      60 * time.Second,
		IdleThreshold: 5 * time.Minute,
	}
}
