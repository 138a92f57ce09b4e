package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/temcen/rerank/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestWriteServiceError_StatusByKind(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrBadInput, http.StatusBadRequest, "BAD_INPUT"},
		{services.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{services.ErrOverloaded, http.StatusTooManyRequests, "OVERLOADED"},
		{services.ErrTimeout, http.StatusGatewayTimeout, "TIMEOUT"},
		{services.ErrUpstreamUnavailable, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{services.ErrServiceUnavailable, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{services.ErrInference, http.StatusInternalServerError, "INFERENCE_ERROR"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			writeServiceError(c, testLogger(), fmt.Errorf("scoring: %w", tt.err))

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), `"code":"`+tt.code+`"`)
		})
	}
}
