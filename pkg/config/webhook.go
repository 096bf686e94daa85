package config

import "time"

// WebhookConfig contains outbound webhook delivery settings.
// Individual webhooks are registered through the API, not YAML.
type WebhookConfig struct {
	// Timeout bounds one delivery attempt.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultWebhookConfig returns the built-in webhook defaults.
func DefaultWebhookConfig() *WebhookConfig {
	return &WebhookConfig{
		Timeout: 10 * time.Second,
	}
}
