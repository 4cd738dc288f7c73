package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyz(t *testing.T) {
	var dbErr error
	mux := NewBaseMuxWithReady(
		ReadyCheck{Name: "db", Check: func(context.Context) error { return dbErr }},
		ReadyCheck{Name: "skipped"},
	)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	dbErr = errors.New("connection refused")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "db: connection refused", rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShutdownJoinsErrors(t *testing.T) {
	var calls []string
	errA := errors.New("a")
	err := Shutdown(time.Second,
		func(context.Context) error {
			calls = append(calls, "a")
			return errA
		},
		nil,
		func(ctx context.Context) error {
			calls = append(calls, "b")
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			return nil
		},
	)
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order.log")
	logger, err := NewLogger("order-service", LogConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Debug("hello")
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"service":"order-service"`)
	assert.Contains(t, string(raw), `"msg":"hello"`)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger("order-service", LogConfig{Level: "loud"})
	assert.Error(t, err)
}
