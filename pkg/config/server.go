package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig contains HTTP server and dashboard settings.
type ServerConfig struct {
	// Port the API listens on. Overridden by HTTP_PORT.
	Port int `yaml:"port"`

	// CORSOrigins lists allowed dashboard origins. Overridden by
	// CORS_ORIGINS (comma-separated).
	CORSOrigins []string `yaml:"cors_origins,omitempty"`

	// TeamTokens, when non-empty, requires a bearer token from this
	// list on API routes. Overridden by TEAM_TOKENS (comma-separated).
	TeamTokens []string `yaml:"team_tokens,omitempty"`

	// AuthEnabled requires the admin token on mutating system routes.
	// Overridden by AUTH_ENABLED=true.
	AuthEnabled bool `yaml:"auth_enabled,omitempty"`

	// AdminToken is the bearer token accepted when AuthEnabled is
	// set. Overridden by ADMIN_TOKEN.
	AdminToken string `yaml:"admin_token,omitempty"`

	// WSWriteTimeout bounds one WebSocket write before the connection
	// is dropped.
	WSWriteTimeout time.Duration `yaml:"ws_write_timeout"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port: 8420,
		CORSOrigins: []string{
			"http://localhost:8000",
			"http://localhost:3000",
		},
		WSWriteTimeout: 5 * time.Second,
	}
}

// applyServerEnv applies environment overrides on top of YAML values.
func applyServerEnv(cfg *ServerConfig) {
	if v := os.Getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			slog.Warn("ignoring invalid HTTP_PORT", "value", v)
		} else {
			cfg.Port = port
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("TEAM_TOKENS"); v != "" {
		cfg.TeamTokens = splitCSV(v)
	}
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		cfg.AuthEnabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
}

// splitCSV splits a comma-separated value, trimming whitespace and
// dropping empty entries.
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
