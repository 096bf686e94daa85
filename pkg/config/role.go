// Package config provides configuration management for the taskhive
// orchestrator: role definitions, loop and scaler tuning, server
// settings, and the YAML loader that overlays user configuration on
// the built-in role topology.
package config

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// RoutingMode controls which roles an agent may create tasks for.
type RoutingMode string

const (
	// RoutingModeStrict restricts handoffs to the role's routes_to list.
	RoutingModeStrict RoutingMode = "strict"

	// RoutingModeOpen allows handoffs to any configured role.
	RoutingModeOpen RoutingMode = "open"
)

// IsValid reports whether the routing mode is a known value.
func (m RoutingMode) IsValid() bool {
	return m == RoutingModeStrict || m == RoutingModeOpen
}

// DefaultTaskPrefix is the ID prefix minted for tasks assigned to
// unknown roles.
const DefaultTaskPrefix = "TASK"

// DefaultGroupPrefix is the ID prefix minted for groups whose creator
// has no group_prefix of its own (including groups created from the
// dashboard, where created_by is "user").
const DefaultGroupPrefix = "GRP"

// RoleConfig defines a worker role: what it works on, where its output
// routes, and how its instance pool is sized.
type RoleConfig struct {
	// Name is the registry key; filled by the loader, not from YAML.
	Name string `yaml:"-"`

	// DisplayName is the human-readable name shown in prompts and on
	// the dashboard. Defaults to the role name.
	DisplayName string `yaml:"display_name,omitempty"`

	// Description tells other agents what this role does. Included in
	// the routing manifest when routing_mode is open.
	Description string `yaml:"description,omitempty"`

	// Prefix is the ID prefix minted for tasks assigned to this role
	// (e.g. "CD" → CD-042). Derived from the role name when empty.
	Prefix string `yaml:"prefix,omitempty"`

	// GroupPrefix is the ID prefix used when this role creates groups.
	// Empty means DefaultGroupPrefix.
	GroupPrefix string `yaml:"group_prefix,omitempty"`

	// TaskTypes lists the task types this role accepts. Empty means
	// any type.
	TaskTypes []string `yaml:"task_types,omitempty"`

	// RoutesTo lists the downstream roles this role hands work off to.
	RoutesTo RouteTargets `yaml:"routes_to,omitempty"`

	// RoutingMode is "strict" (handoffs limited to routes_to) or
	// "open" (any configured role). Defaults to strict.
	RoutingMode RoutingMode `yaml:"routing_mode,omitempty"`

	// CanCreateGroups allows the role to open new task groups.
	CanCreateGroups bool `yaml:"can_create_groups,omitempty"`

	// ContextIncludes names optional context blocks assembled into the
	// prompt (e.g. "parent_artifact").
	ContextIncludes []string `yaml:"context_includes,omitempty"`

	// Instances is the number of loops started at boot. Defaults to 1.
	Instances int `yaml:"instances,omitempty"`

	// MaxInstances caps the pool size, auto-scaled loops included.
	// Defaults to Instances.
	MaxInstances int `yaml:"max_instances,omitempty"`

	// MaxExecutionTime bounds a single task execution. Defaults to
	// loop.max_execution_time.
	MaxExecutionTime time.Duration `yaml:"max_execution_time,omitempty"`

	// WorkingDir is the directory the runner executes in. Defaults to
	// the process working directory.
	WorkingDir string `yaml:"working_dir,omitempty"`

	// AutoScale enables queue-depth based scaling for this role.
	AutoScale *AutoScaleConfig `yaml:"auto_scale,omitempty"`
}

// AcceptsTaskType reports whether the role accepts the given task type.
// A role with no declared task types accepts everything.
func (r *RoleConfig) AcceptsTaskType(taskType string) bool {
	if len(r.TaskTypes) == 0 {
		return true
	}
	for _, t := range r.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// ScaleEnabled reports whether auto-scaling is turned on for this role.
func (r *RoleConfig) ScaleEnabled() bool {
	return r.AutoScale != nil && r.AutoScale.Enabled
}

// AutoScaleConfig controls queue-depth based scaling for one role.
type AutoScaleConfig struct {
	Enabled bool `yaml:"enabled"`

	// ScaleUpThreshold is the pending-task count above which extra
	// instances are started.
	ScaleUpThreshold int `yaml:"scale_up_threshold,omitempty"`
}

// RouteTarget names a downstream role and the task types routed to it.
// Empty TaskTypes means any type the target declares.
type RouteTarget struct {
	Role      string   `yaml:"role"`
	TaskTypes []string `yaml:"task_types,omitempty"`
}

// RouteTargets is a list of handoff targets that supports both
// short-form (list of role names) and long-form (list of objects) in
// YAML:
//   - Short-form:  [architect, verifier]
//   - Long-form:   [{role: coder, task_types: [implement, fix]}]
//   - Mixed:       [architect, {role: coder, task_types: [implement]}]
type RouteTargets []RouteTarget

// routeTargetAllowedKeys are the YAML keys accepted in a RouteTarget
// mapping. Kept in sync with the struct tags on RouteTarget.
var routeTargetAllowedKeys = map[string]bool{
	"role":       true,
	"task_types": true,
}

// UnmarshalYAML implements custom unmarshaling for the two forms.
func (r *RouteTargets) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("routes_to must be a sequence, got %v", value.Tag)
	}
	targets := make(RouteTargets, 0, len(value.Content))
	for i, node := range value.Content {
		switch node.Kind {
		case yaml.ScalarNode:
			if node.Tag != "!!str" {
				return fmt.Errorf("routes_to[%d]: expected string, got %s", i, node.Tag)
			}
			targets = append(targets, RouteTarget{Role: node.Value})
		case yaml.MappingNode:
			// MappingNode.Content alternates key, value, key, value, ...
			for j := 0; j < len(node.Content)-1; j += 2 {
				if key := node.Content[j].Value; !routeTargetAllowedKeys[key] {
					return fmt.Errorf("routes_to[%d]: unknown field %q", i, key)
				}
			}
			var target RouteTarget
			if err := node.Decode(&target); err != nil {
				return fmt.Errorf("routes_to[%d]: %w", i, err)
			}
			targets = append(targets, target)
		default:
			return fmt.Errorf("routes_to[%d]: expected string or mapping, got %v", i, node.Tag)
		}
	}
	*r = targets
	return nil
}

// Roles returns the role names of all targets.
func (r RouteTargets) Roles() []string {
	names := make([]string, len(r))
	for i, target := range r {
		names[i] = target.Role
	}
	return names
}

// RoleRegistry stores role configurations in memory with thread-safe access
type RoleRegistry struct {
	roles map[string]*RoleConfig
	mu    sync.RWMutex
}

// NewRoleRegistry creates a registry from the merged role map
func NewRoleRegistry(roles map[string]*RoleConfig) *RoleRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*RoleConfig, len(roles))
	for k, v := range roles {
		copied[k] = v
	}
	return &RoleRegistry{roles: copied}
}

// Get retrieves a role configuration by name (thread-safe)
func (r *RoleRegistry) Get(name string) (*RoleConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, exists := r.roles[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return role, nil
}

// Has reports whether the role exists
func (r *RoleRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.roles[name]
	return exists
}

// GetAll returns all role configurations (thread-safe, returns copy)
func (r *RoleRegistry) GetAll() map[string]*RoleConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Return a copy to prevent external modification
	result := make(map[string]*RoleConfig, len(r.roles))
	for k, v := range r.roles {
		result[k] = v
	}
	return result
}

// Names returns all role names in sorted order
func (r *RoleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of configured roles
func (r *RoleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.roles)
}

// TaskPrefix returns the ID prefix for tasks assigned to the role, or
// DefaultTaskPrefix for unknown roles.
func (r *RoleRegistry) TaskPrefix(role string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rc, exists := r.roles[role]; exists && rc.Prefix != "" {
		return rc.Prefix
	}
	return DefaultTaskPrefix
}

// GroupPrefix returns the ID prefix for groups created by the given
// creator. Creators that are not roles (e.g. "user" from the dashboard)
// and roles without a group_prefix get DefaultGroupPrefix.
func (r *RoleRegistry) GroupPrefix(creator string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rc, exists := r.roles[creator]; exists && rc.GroupPrefix != "" {
		return rc.GroupPrefix
	}
	return DefaultGroupPrefix
}
