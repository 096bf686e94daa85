package config

import "os"

// SlackConfig contains optional Slack notification settings. The bot
// token always comes from SLACK_BOT_TOKEN, never from YAML.
type SlackConfig struct {
	// Enabled turns notifications on. Notifications are skipped when
	// the token or channel is missing even if Enabled is set.
	Enabled bool `yaml:"enabled,omitempty"`

	// Channel is the channel ID or name notifications post to.
	// Overridden by SLACK_CHANNEL.
	Channel string `yaml:"channel,omitempty"`

	// BotToken is resolved from the environment.
	BotToken string `yaml:"-"`
}

// DefaultSlackConfig returns the built-in (disabled) Slack defaults.
func DefaultSlackConfig() *SlackConfig {
	return &SlackConfig{}
}

// Active reports whether notifications can actually be sent.
func (c *SlackConfig) Active() bool {
	return c != nil && c.Enabled && c.BotToken != "" && c.Channel != ""
}

// applySlackEnv resolves the token and channel from the environment.
func applySlackEnv(cfg *SlackConfig) {
	cfg.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	if v := os.Getenv("SLACK_CHANNEL"); v != "" {
		cfg.Channel = v
	}
}
