package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/services"
)

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantInMsg  string
	}{
		{
			name:       "validation error",
			err:        services.NewValidationError("title", "title is required"),
			wantStatus: http.StatusBadRequest,
			wantInMsg:  "title is required",
		},
		{
			name:       "wrapped validation error",
			err:        fmt.Errorf("creating task: %w", services.NewValidationError("priority", "priority out of range")),
			wantStatus: http.StatusBadRequest,
			wantInMsg:  "priority out of range",
		},
		{
			name:       "invalid input",
			err:        fmt.Errorf("%w: unknown status 'sleeping'", services.ErrInvalidInput),
			wantStatus: http.StatusBadRequest,
			wantInMsg:  "unknown status",
		},
		{
			name:       "not found",
			err:        services.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantInMsg:  "resource not found",
		},
		{
			name:       "wrapped not found",
			err:        fmt.Errorf("loading task: %w", services.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantInMsg:  "resource not found",
		},
		{
			name:       "already exists",
			err:        services.ErrAlreadyExists,
			wantStatus: http.StatusConflict,
			wantInMsg:  "resource already exists",
		},
		{
			name:       "unavailable",
			err:        services.ErrUnavailable,
			wantStatus: http.StatusServiceUnavailable,
			wantInMsg:  "subsystem not available",
		},
		{
			name:       "unknown error",
			err:        errors.New("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantInMsg:  "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := mapServiceError(tt.err)
			require.NotNil(t, he)
			assert.Equal(t, tt.wantStatus, he.Code)
			assert.Contains(t, fmt.Sprintf("%v", he.Message), tt.wantInMsg)
		})
	}
}
