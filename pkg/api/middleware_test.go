package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	echo "github.com/labstack/echo/v5"
)

func newMiddlewareEcho(mw echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.Use(mw)
	handler := func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
	e.GET("/", handler)
	e.GET("/api/board", handler)
	e.GET("/api/health", handler)
	e.GET("/metrics", handler)
	e.GET("/ws", handler)
	e.POST("/api/goals", handler)
	return e
}

func TestSecurityHeaders(t *testing.T) {
	e := newMiddlewareEcho(securityHeaders())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/board", nil)
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "camera=(), microphone=(), geolocation=()", rec.Header().Get("Permissions-Policy"))
}

func TestTeamAuthDisabled(t *testing.T) {
	e := newMiddlewareEcho(teamAuth(nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/board", nil)
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTeamAuthEnabled(t *testing.T) {
	e := newMiddlewareEcho(teamAuth([]string{"team-a-token", "team-b-token"}))

	tests := []struct {
		name       string
		method     string
		path       string
		authHeader string
		wantStatus int
	}{
		{
			name:       "no token rejected",
			method:     http.MethodGet,
			path:       "/api/board",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong token rejected",
			method:     http.MethodGet,
			path:       "/api/board",
			authHeader: "Bearer nope",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "valid token accepted",
			method:     http.MethodGet,
			path:       "/api/board",
			authHeader: "Bearer team-a-token",
			wantStatus: http.StatusOK,
		},
		{
			name:       "second token accepted",
			method:     http.MethodPost,
			path:       "/api/goals",
			authHeader: "Bearer team-b-token",
			wantStatus: http.StatusOK,
		},
		{
			name:       "token without bearer scheme rejected",
			method:     http.MethodGet,
			path:       "/api/board",
			authHeader: "team-a-token",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "health skips auth",
			method:     http.MethodGet,
			path:       "/api/health",
			wantStatus: http.StatusOK,
		},
		{
			name:       "root skips auth",
			method:     http.MethodGet,
			path:       "/",
			wantStatus: http.StatusOK,
		},
		{
			name:       "metrics skips auth",
			method:     http.MethodGet,
			path:       "/metrics",
			wantStatus: http.StatusOK,
		},
		{
			name:       "websocket skips auth",
			method:     http.MethodGet,
			path:       "/ws",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			e.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestSkipsTeamAuth(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   bool
	}{
		{"options preflight", http.MethodOptions, "/api/board", true},
		{"websocket root", http.MethodGet, "/ws", true},
		{"websocket subpath", http.MethodGet, "/ws/events", true},
		{"ws prefix without slash is protected", http.MethodGet, "/wsgarbage", false},
		{"static assets", http.MethodGet, "/static/app.js", true},
		{"docs", http.MethodGet, "/docs", true},
		{"api routes protected", http.MethodGet, "/api/tasks", false},
		{"delete protected", http.MethodDelete, "/api/tasks/TSK-1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, skipsTeamAuth(tt.method, tt.path))
		})
	}
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		enabled    bool
		token      string
		authHeader string
		wantStatus int
	}{
		{
			name:       "disabled passes through",
			enabled:    false,
			token:      "",
			wantStatus: http.StatusOK,
		},
		{
			name:       "disabled ignores configured token",
			enabled:    false,
			token:      "super-secret",
			wantStatus: http.StatusOK,
		},
		{
			name:       "enabled without header rejected",
			enabled:    true,
			token:      "super-secret",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "enabled with wrong token rejected",
			enabled:    true,
			token:      "super-secret",
			authHeader: "Bearer guess",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "enabled with correct token accepted",
			enabled:    true,
			token:      "super-secret",
			authHeader: "Bearer super-secret",
			wantStatus: http.StatusOK,
		},
		{
			name:       "enabled with empty configured token rejects everyone",
			enabled:    true,
			token:      "",
			authHeader: "Bearer anything",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.POST("/api/server/restart", func(c *echo.Context) error {
				return c.NoContent(http.StatusOK)
			}, adminAuth(tt.enabled, tt.token))

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/server/restart", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			e.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"standard", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer abc123", "abc123"},
		{"empty header", "", ""},
		{"scheme only", "Bearer ", ""},
		{"no scheme", "abc123", ""},
		{"wrong scheme", "Basic abc123", ""},
		{"surrounding whitespace trimmed", "Bearer  abc123 ", "abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bearerToken(tt.header))
		})
	}
}
