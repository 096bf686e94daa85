package config

import "sync"

// BuiltinConfig holds the built-in role topology. It gives a fresh
// install a working pm → architect → coder → verifier pipeline
// without any YAML.
type BuiltinConfig struct {
	RootRole string
	Roles    map[string]RoleConfig
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration
// (thread-safe, lazy-initialized)
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		RootRole: "pm",
		Roles:    initBuiltinRoles(),
	}
}

func initBuiltinRoles() map[string]RoleConfig {
	return map[string]RoleConfig{
		"pm": {
			DisplayName:     "Product Manager",
			Description:     "Breaks a goal into design work and tracks it to completion",
			Prefix:          "PM",
			GroupPrefix:     "FEAT",
			TaskTypes:       []string{"goal", "plan"},
			RoutesTo:        RouteTargets{{Role: "architect", TaskTypes: []string{"design"}}},
			CanCreateGroups: true,
			ContextIncludes: []string{"parent_artifact"},
			Instances:       1,
			MaxInstances:    2,
		},
		"architect": {
			DisplayName:     "Architect",
			Description:     "Turns plans into concrete implementation tasks",
			Prefix:          "ARCH",
			TaskTypes:       []string{"design", "review"},
			RoutesTo:        RouteTargets{{Role: "coder", TaskTypes: []string{"implement"}}},
			ContextIncludes: []string{"parent_artifact"},
			Instances:       1,
			MaxInstances:    2,
		},
		"coder": {
			DisplayName:     "Coder",
			Description:     "Implements and fixes code for tasks routed to it",
			Prefix:          "CD",
			TaskTypes:       []string{"implement", "fix"},
			RoutesTo:        RouteTargets{{Role: "verifier", TaskTypes: []string{"verify"}}},
			ContextIncludes: []string{"parent_artifact"},
			Instances:       2,
			MaxInstances:    5,
			AutoScale:       &AutoScaleConfig{Enabled: true, ScaleUpThreshold: 2},
		},
		"verifier": {
			DisplayName:     "Verifier",
			Description:     "Verifies completed work and routes fixes back to coders",
			Prefix:          "VER",
			TaskTypes:       []string{"verify"},
			RoutesTo:        RouteTargets{{Role: "coder", TaskTypes: []string{"fix"}}},
			ContextIncludes: []string{"parent_artifact"},
			Instances:       1,
			MaxInstances:    3,
			AutoScale:       &AutoScaleConfig{Enabled: true, ScaleUpThreshold: 3},
		},
	}
}
