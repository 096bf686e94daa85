package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// GroupRetentionDays is how many days a completed group is kept
	// before the cleanup loop archives it.
	GroupRetentionDays int `yaml:"group_retention_days"`

	// MessageRetention is the maximum age of agent message rows
	// before deletion.
	MessageRetention time.Duration `yaml:"message_retention"`

	// CleanupInterval is how often the cleanup loop runs. Expired
	// context snapshots are swept on the same cadence.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		GroupRetentionDays: 30,
		MessageRetention:   7 * 24 * time.Hour,
		CleanupInterval:    1 * time.Hour,
	}
}
