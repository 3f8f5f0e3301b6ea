package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"airwave/internal/core/domain"
	apperrors "airwave/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serveError(t *testing.T, err error) (int, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()), ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/fail", func(c *gin.Context) { _ = c.Error(err) })
	router.GET("/panic", func(c *gin.Context) { panic("boom") })

	path := "/fail"
	if err == nil {
		path = "/panic"
	}
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestErrorHandlerMiddleware_MapsErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{"no microphone", fmt.Errorf("start: %w", domain.ErrNoMicrophone), http.StatusUnprocessableEntity, apperrors.ErrCodeUnprocessable},
		{"same broadcaster", domain.ErrAlreadyListeningSame, http.StatusConflict, apperrors.ErrCodeConflict},
		{"join while broadcasting", domain.ErrCannotJoinWhileBroadcasting, http.StatusConflict, apperrors.ErrCodeConflict},
		{"registration", &domain.RegistrationError{Op: "upsert listener", Err: errors.New("down")}, http.StatusBadGateway, apperrors.ErrCodeBadGateway},
		{"not broadcasting", domain.ErrNotBroadcasting, http.StatusConflict, apperrors.ErrCodeConflict},
		{"no session", fmt.Errorf("stream: %w", domain.ErrSessionNotFound), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"closed", domain.ErrEngineClosed, http.StatusServiceUnavailable, apperrors.ErrCodeServiceUnavailable},
		{"app error", apperrors.NewInvalidInputError("bad id"), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"unknown", errors.New("mystery"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := serveError(t, tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, string(tt.code), body["error"])
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	status, body := serveError(t, nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, string(apperrors.ErrCodeInternal), body["error"])
}

func TestErrorHandlerMiddleware_RendersDetails(t *testing.T) {
	status, body := serveError(t, apperrors.NewInvalidInputError("bad id").WithContext("field", "id"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad id", body["message"])
	assert.Equal(t, map[string]any{"field": "id"}, body["details"])
}
