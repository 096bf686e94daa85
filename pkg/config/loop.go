package config

import "time"

// LoopConfig contains agent loop tuning.
// These values control how instances poll, claim, and heartbeat.
type LoopConfig struct {
	// PollInterval is the base interval between claim attempts while idle.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// HeartbeatInterval is how often a loop refreshes last_heartbeat
	// during task execution. Idle loops do not heartbeat: the scaler
	// reads idle duration off last_heartbeat, so refreshing it on empty
	// polls would make every instance look permanently busy.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// StaleThreshold is how long an instance can go without a
	// heartbeat before it is reported offline.
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	// StopTimeout is the max time Stop waits for a loop to finish its
	// current cycle before giving up on it.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// MaxExecutionTime bounds a single task execution for roles that
	// do not set their own max_execution_time.
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
}

// DefaultLoopConfig returns the built-in loop defaults.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		PollInterval:       2 * time.Second,
		PollIntervalJitter: 500 * time.Millisecond,
		HeartbeatInterval:  30 * time.Second,
		StaleThreshold:     10 * time.Minute,
		StopTimeout:        5 * time.Second,
		MaxExecutionTime:   10 * time.Minute,
	}
}
