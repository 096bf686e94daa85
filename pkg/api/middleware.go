package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/taskhive/taskhive/pkg/metrics"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// corsMiddleware allows the configured dashboard origins. The origin list
// is never widened to a wildcard by default.
func corsMiddleware(origins []string) echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPatch,
			http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	})
}

// teamAuthSkipPaths are reachable without a team token: the service
// identity page, health, metrics, docs surfaces, and the dashboard's
// own assets and WebSocket.
var teamAuthSkipPaths = map[string]bool{
	"/":             true,
	"/metrics":      true,
	"/settings":     true,
	"/api/health":   true,
	"/docs":         true,
	"/redoc":        true,
	"/openapi.json": true,
}

func skipsTeamAuth(method, path string) bool {
	if method == http.MethodOptions {
		return true
	}
	if teamAuthSkipPaths[path] {
		return true
	}
	return path == "/ws" || strings.HasPrefix(path, "/ws/") ||
		strings.HasPrefix(path, "/static/")
}

// teamAuth requires "Authorization: Bearer <token>" with one of the
// configured team tokens on every non-skip path. An empty token list
// disables the check entirely.
func teamAuth(tokens []string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		allowed[t] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if len(allowed) == 0 {
				return next(c)
			}
			req := c.Request()
			if skipsTeamAuth(req.Method, req.URL.Path) {
				return next(c)
			}
			token := bearerToken(req.Header.Get("Authorization"))
			if token == "" || !allowed[token] {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid team token")
			}
			return next(c)
		}
	}
}

// adminAuth guards destructive endpoints behind the admin token. It is
// attached per route, not globally, and passes everything through when
// admin auth is disabled.
func adminAuth(enabled bool, token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !enabled {
				return next(c)
			}
			presented := bearerToken(c.Request().Header.Get("Authorization"))
			if token == "" || presented == "" ||
				subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "admin token required")
			}
			return next(c)
		}
	}
}

// bearerToken extracts the token from an "Authorization: Bearer x" header.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// metricsMiddleware records request count and latency per method.
func metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			timer := metrics.NewTimer()
			err := next(c)

			var status int
			if res, resErr := echo.UnwrapResponse(c.Response()); resErr == nil {
				status = res.Status
			}
			if err != nil {
				// The error handler has not written the response yet;
				// take the status from the error itself.
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			metrics.APIRequestsTotal.WithLabelValues(c.Request().Method, strconv.Itoa(status)).Inc()
			timer.ObserveDurationVec(metrics.APIRequestDuration, c.Request().Method)
			return err
		}
	}
}
