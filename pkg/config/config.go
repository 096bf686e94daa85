package config

// Config is the umbrella configuration object returned by Initialize()
// and threaded through the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// RootRole is the role that receives goal tasks.
	RootRole string

	// Roles is the merged built-in + user role registry.
	Roles *RoleRegistry

	Loop      *LoopConfig
	Scaler    *ScalerConfig
	Runner    *RunnerConfig
	Worktrees *WorktreeConfig
	Server    *ServerConfig
	Webhooks  *WebhookConfig
	Retention *RetentionConfig
	Slack     *SlackConfig
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Roles         int
	BootInstances int
	AutoScaled    int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Roles == nil {
		return s
	}
	for _, role := range c.Roles.GetAll() {
		s.Roles++
		s.BootInstances += role.Instances
		if role.ScaleEnabled() {
			s.AutoScaled++
		}
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetRole retrieves a role configuration by name.
// This is a convenience method that wraps RoleRegistry.Get().
func (c *Config) GetRole(name string) (*RoleConfig, error) {
	return c.Roles.Get(name)
}

// TaskPrefix returns the ID prefix for tasks assigned to the role.
func (c *Config) TaskPrefix(role string) string {
	return c.Roles.TaskPrefix(role)
}

// GroupPrefix returns the ID prefix for groups created by the creator.
func (c *Config) GroupPrefix(creator string) string {
	return c.Roles.GroupPrefix(creator)
}
