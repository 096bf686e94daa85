package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the YAML file looked up inside the config directory.
const ConfigFileName = "taskhive.yaml"

// TaskhiveYAMLConfig represents the complete taskhive.yaml structure.
// Every section is optional; omitted sections fall back to built-ins.
type TaskhiveYAMLConfig struct {
	RootRole  string                `yaml:"root_role,omitempty"`
	Roles     map[string]RoleConfig `yaml:"roles,omitempty"`
	Loop      *LoopConfig           `yaml:"loop,omitempty"`
	Scaler    *ScalerConfig         `yaml:"scaler,omitempty"`
	Runner    *RunnerConfig         `yaml:"runner,omitempty"`
	Worktrees *WorktreeConfig       `yaml:"worktrees,omitempty"`
	Server    *ServerConfig         `yaml:"server,omitempty"`
	Webhooks  *WebhookConfig        `yaml:"webhooks,omitempty"`
	Retention *RetentionConfig      `yaml:"retention,omitempty"`
	Slack     *SlackConfig          `yaml:"slack,omitempty"`
}

// Initialize loads, merges, and validates configuration from the given
// directory. A missing taskhive.yaml is not an error: the built-in
// role topology applies.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	cfg, err := load(configDir)
	if err != nil {
		return nil, err
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	slog.InfoContext(ctx, "configuration loaded",
		"config_dir", configDir,
		"root_role", cfg.RootRole,
		"roles", stats.Roles,
		"boot_instances", stats.BootInstances,
		"auto_scaled_roles", stats.AutoScaled)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	fileCfg := &TaskhiveYAMLConfig{}
	path := filepath.Join(configDir, ConfigFileName)
	if err := loadYAML(path, fileCfg); err != nil {
		if !errors.Is(err, ErrConfigNotFound) {
			return nil, err
		}
		slog.Info("no configuration file found, using built-in roles", "path", path)
	}

	loop := DefaultLoopConfig()
	if err := overlay(loop, fileCfg.Loop); err != nil {
		return nil, fmt.Errorf("failed to merge loop config: %w", err)
	}

	scaler := DefaultScalerConfig()
	if err := overlay(scaler, fileCfg.Scaler); err != nil {
		return nil, fmt.Errorf("failed to merge scaler config: %w", err)
	}

	runner := DefaultRunnerConfig()
	if err := overlay(runner, fileCfg.Runner); err != nil {
		return nil, fmt.Errorf("failed to merge runner config: %w", err)
	}

	worktrees := DefaultWorktreeConfig()
	if err := overlay(worktrees, fileCfg.Worktrees); err != nil {
		return nil, fmt.Errorf("failed to merge worktree config: %w", err)
	}

	server := DefaultServerConfig()
	if err := overlay(server, fileCfg.Server); err != nil {
		return nil, fmt.Errorf("failed to merge server config: %w", err)
	}

	webhooks := DefaultWebhookConfig()
	if err := overlay(webhooks, fileCfg.Webhooks); err != nil {
		return nil, fmt.Errorf("failed to merge webhook config: %w", err)
	}

	retention := DefaultRetentionConfig()
	if err := overlay(retention, fileCfg.Retention); err != nil {
		return nil, fmt.Errorf("failed to merge retention config: %w", err)
	}

	slack := DefaultSlackConfig()
	if err := overlay(slack, fileCfg.Slack); err != nil {
		return nil, fmt.Errorf("failed to merge slack config: %w", err)
	}

	// Env vars win over YAML for deployment-level settings.
	applyServerEnv(server)
	applySlackEnv(slack)

	builtin := GetBuiltinConfig()

	roles := mergeRoles(builtin.Roles, fileCfg.Roles)
	for name, role := range roles {
		applyRoleDefaults(name, role, loop)
	}

	rootRole := builtin.RootRole
	if fileCfg.RootRole != "" {
		rootRole = fileCfg.RootRole
	}

	return &Config{
		configDir: configDir,
		RootRole:  rootRole,
		Roles:     NewRoleRegistry(roles),
		Loop:      loop,
		Scaler:    scaler,
		Runner:    runner,
		Worktrees: worktrees,
		Server:    server,
		Webhooks:  webhooks,
		Retention: retention,
		Slack:     slack,
	}, nil
}

// loadYAML reads a YAML file, expands {{.ENV_VAR}} templates, and
// unmarshals the result into target.
func loadYAML(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	expanded := ExpandEnv(data)

	if err := yaml.Unmarshal(expanded, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
	}

	return nil
}

// overlay merges user-provided section values onto built-in defaults.
// Zero-value fields in src keep the default (mergo override semantics).
func overlay[T any](dst *T, src *T) error {
	if src == nil {
		return nil
	}
	return mergo.Merge(dst, src, mergo.WithOverride)
}

// mergeRoles merges built-in and user-defined role configurations.
// User-defined roles override built-in roles with the same name.
func mergeRoles(builtinRoles map[string]RoleConfig, userRoles map[string]RoleConfig) map[string]*RoleConfig {
	result := make(map[string]*RoleConfig, len(builtinRoles)+len(userRoles))

	for name, builtin := range builtinRoles {
		// Defensive copies of slices to prevent shared state
		roleCopy := builtin
		roleCopy.TaskTypes = append([]string(nil), builtin.TaskTypes...)
		roleCopy.ContextIncludes = append([]string(nil), builtin.ContextIncludes...)
		roleCopy.RoutesTo = append(RouteTargets(nil), builtin.RoutesTo...)
		if builtin.AutoScale != nil {
			scaleCopy := *builtin.AutoScale
			roleCopy.AutoScale = &scaleCopy
		}
		result[name] = &roleCopy
	}

	for name, userRole := range userRoles {
		roleCopy := userRole // Create a copy
		result[name] = &roleCopy
	}

	return result
}

// applyRoleDefaults fills derived and zero-value fields after merging.
func applyRoleDefaults(name string, role *RoleConfig, loop *LoopConfig) {
	role.Name = name
	if role.DisplayName == "" {
		role.DisplayName = name
	}
	if role.Prefix == "" {
		role.Prefix = derivePrefix(name)
	}
	if role.RoutingMode == "" {
		role.RoutingMode = RoutingModeStrict
	}
	if role.Instances == 0 {
		role.Instances = 1
	}
	if role.MaxInstances == 0 {
		role.MaxInstances = role.Instances
	}
	if role.MaxExecutionTime == 0 {
		role.MaxExecutionTime = loop.MaxExecutionTime
	}
}

// derivePrefix builds an ID prefix from a role name: uppercase
// alphanumerics only, truncated to eight characters ("pm" → "PM",
// "code-reviewer" → "CODEREVI").
func derivePrefix(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 8 {
			break
		}
	}
	if b.Len() == 0 {
		return DefaultTaskPrefix
	}
	return b.String()
}
