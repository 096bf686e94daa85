package config

import (
	"fmt"
	"regexp"
)

// prefixPattern matches valid ID prefixes: 1-8 uppercase alphanumerics.
var prefixPattern = regexp.MustCompile(`^[A-Z0-9]{1,8}$`)

// roleNamePattern matches valid role names.
var roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate roles before routing so cross-references hit a
	// well-formed registry.

	if err := v.validateRoles(); err != nil {
		return fmt.Errorf("role validation failed: %w", err)
	}

	if err := v.validateRouting(); err != nil {
		return fmt.Errorf("routing validation failed: %w", err)
	}

	if err := v.validateTimings(); err != nil {
		return fmt.Errorf("timing validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateRoles() error {
	// Task and group prefixes share the ID counter namespace, so a
	// duplicate anywhere would interleave two numbering sequences.
	prefixOwner := make(map[string]string)

	for _, name := range v.cfg.Roles.Names() {
		role, err := v.cfg.Roles.Get(name)
		if err != nil {
			return err
		}

		if !roleNamePattern.MatchString(name) {
			return NewValidationError("role", name, "", fmt.Errorf("%w: name must match %s", ErrInvalidValue, roleNamePattern))
		}

		if !prefixPattern.MatchString(role.Prefix) {
			return NewValidationError("role", name, "prefix", fmt.Errorf("%w: %q must match %s", ErrInvalidValue, role.Prefix, prefixPattern))
		}
		if owner, taken := prefixOwner[role.Prefix]; taken {
			return NewValidationError("role", name, "prefix", fmt.Errorf("%w: %q already used by role '%s'", ErrInvalidValue, role.Prefix, owner))
		}
		prefixOwner[role.Prefix] = name

		if role.GroupPrefix != "" {
			if !prefixPattern.MatchString(role.GroupPrefix) {
				return NewValidationError("role", name, "group_prefix", fmt.Errorf("%w: %q must match %s", ErrInvalidValue, role.GroupPrefix, prefixPattern))
			}
			if owner, taken := prefixOwner[role.GroupPrefix]; taken {
				return NewValidationError("role", name, "group_prefix", fmt.Errorf("%w: %q already used by role '%s'", ErrInvalidValue, role.GroupPrefix, owner))
			}
			prefixOwner[role.GroupPrefix] = name
		}

		if !role.RoutingMode.IsValid() {
			return NewValidationError("role", name, "routing_mode", fmt.Errorf("%w: %q (want %s or %s)", ErrInvalidValue, role.RoutingMode, RoutingModeStrict, RoutingModeOpen))
		}

		if role.Instances < 1 {
			return NewValidationError("role", name, "instances", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
		}
		if role.MaxInstances < role.Instances {
			return NewValidationError("role", name, "max_instances", fmt.Errorf("%w: must be at least instances (%d)", ErrInvalidValue, role.Instances))
		}
		if role.ScaleEnabled() && role.AutoScale.ScaleUpThreshold < 1 {
			return NewValidationError("role", name, "auto_scale.scale_up_threshold", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
		}
		if role.MaxExecutionTime <= 0 {
			return NewValidationError("role", name, "max_execution_time", fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
	}

	if !v.cfg.Roles.Has(v.cfg.RootRole) {
		return NewValidationError("root_role", v.cfg.RootRole, "", fmt.Errorf("%w: role not configured", ErrInvalidReference))
	}

	return nil
}

func (v *ConfigValidator) validateRouting() error {
	for _, name := range v.cfg.Roles.Names() {
		role, err := v.cfg.Roles.Get(name)
		if err != nil {
			return err
		}

		for _, target := range role.RoutesTo {
			if target.Role == "" {
				return NewValidationError("role", name, "routes_to", fmt.Errorf("%w: role", ErrMissingRequiredField))
			}

			dest, err := v.cfg.Roles.Get(target.Role)
			if err != nil {
				return NewValidationError("role", name, "routes_to", fmt.Errorf("%w: role '%s' not configured", ErrInvalidReference, target.Role))
			}

			for _, taskType := range target.TaskTypes {
				if !dest.AcceptsTaskType(taskType) {
					return NewValidationError("role", name, "routes_to", fmt.Errorf("%w: role '%s' does not accept task type '%s'", ErrInvalidReference, target.Role, taskType))
				}
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateTimings() error {
	loop := v.cfg.Loop
	if loop.PollInterval <= 0 {
		return NewValidationError("loop", "", "poll_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if loop.PollIntervalJitter < 0 || loop.PollIntervalJitter > loop.PollInterval {
		return NewValidationError("loop", "", "poll_interval_jitter", fmt.Errorf("%w: must be between 0 and poll_interval", ErrInvalidValue))
	}
	if loop.HeartbeatInterval <= 0 {
		return NewValidationError("loop", "", "heartbeat_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if loop.StaleThreshold <= loop.HeartbeatInterval {
		return NewValidationError("loop", "", "stale_threshold", fmt.Errorf("%w: must exceed heartbeat_interval", ErrInvalidValue))
	}
	if loop.StopTimeout <= 0 {
		return NewValidationError("loop", "", "stop_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if loop.MaxExecutionTime <= 0 {
		return NewValidationError("loop", "", "max_execution_time", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	scaler := v.cfg.Scaler
	if scaler.Interval <= 0 {
		return NewValidationError("scaler", "", "interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if scaler.Cooldown < 0 {
		return NewValidationError("scaler", "", "cooldown", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if scaler.IdleThreshold <= 0 {
		return NewValidationError("scaler", "", "idle_threshold", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	if len(v.cfg.Runner.Command) == 0 {
		return NewValidationError("runner", "", "command", ErrMissingRequiredField)
	}
	if v.cfg.Runner.MaxOutputBytes <= 0 {
		return NewValidationError("runner", "", "max_output_bytes", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	if v.cfg.Worktrees.Enabled && v.cfg.Worktrees.RepoDir == "" {
		return NewValidationError("worktrees", "", "repo_dir", ErrMissingRequiredField)
	}

	if v.cfg.Server.Port < 1 || v.cfg.Server.Port > 65535 {
		return NewValidationError("server", "", "port", fmt.Errorf("%w: must be 1-65535", ErrInvalidValue))
	}
	if v.cfg.Server.WSWriteTimeout <= 0 {
		return NewValidationError("server", "", "ws_write_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	if v.cfg.Webhooks.Timeout <= 0 {
		return NewValidationError("webhooks", "", "timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	retention := v.cfg.Retention
	if retention.GroupRetentionDays < 1 {
		return NewValidationError("retention", "", "group_retention_days", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if retention.MessageRetention <= 0 {
		return NewValidationError("retention", "", "message_retention", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if retention.CleanupInterval <= 0 {
		return NewValidationError("retention", "", "cleanup_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	return nil
}
