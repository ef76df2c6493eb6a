package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/crmevents/internal/shared/domain"
	"github.com/davicafu/crmevents/internal/shared/infra/relayer"
	"github.com/davicafu/crmevents/tests/mocks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixedState relayer.State

func (s fixedState) State() relayer.State { return relayer.State(s) }

func do(t *testing.T, r *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth_ReportsPublisherState(t *testing.T) {
	h := NewOpsHandler(new(mocks.MockOutboxRepository), 5, zap.NewNop(),
		WithPublisher(fixedState(relayer.StateRunning)))

	rec, body := do(t, NewRouter(h), "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, relayer.StateRunning.String(), body["publisher"])
}

func TestReady(t *testing.T) {
	t.Run("todas las dependencias disponibles", func(t *testing.T) {
		h := NewOpsHandler(new(mocks.MockOutboxRepository), 5, zap.NewNop(),
			WithCheck("database", func(context.Context) error { return nil }))

		rec, _ := do(t, NewRouter(h), "/ready")

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("broker caído", func(t *testing.T) {
		h := NewOpsHandler(new(mocks.MockOutboxRepository), 5, zap.NewNop(),
			WithCheck("database", func(context.Context) error { return nil }),
			WithCheck("kafka", func(context.Context) error { return errors.New("dial tcp: refused") }))

		rec, body := do(t, NewRouter(h), "/ready")

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		checks := body["checks"].(map[string]any)
		assert.Equal(t, "ok", checks["database"])
		assert.Equal(t, "dial tcp: refused", checks["kafka"])
	})
}

func TestOutboxStats(t *testing.T) {
	t.Run("devuelve los contadores", func(t *testing.T) {
		// ARRANGE
		repo := new(mocks.MockOutboxRepository)
		repo.On("Stats", mock.Anything, 5).Return(domain.OutboxStats{Pending: 3, Processed: 10, Failed: 2, Exhausted: 1}, nil).Once()
		h := NewOpsHandler(repo, 5, zap.NewNop())

		// ACT
		rec, body := do(t, NewRouter(h), "/outbox/stats")

		// ASSERT
		assert.Equal(t, http.StatusOK, rec.Code)
		data := body["data"].(map[string]any)
		assert.EqualValues(t, 3, data["pending"])
		assert.EqualValues(t, 1, data["exhausted"])
		assert.EqualValues(t, 5, data["max_retries"])
		repo.AssertExpectations(t)
	})

	t.Run("error del repositorio", func(t *testing.T) {
		repo := new(mocks.MockOutboxRepository)
		repo.On("Stats", mock.Anything, 5).Return(domain.OutboxStats{}, errors.New("db down")).Once()
		h := NewOpsHandler(repo, 5, zap.NewNop())

		rec, body := do(t, NewRouter(h), "/outbox/stats")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, body, "error")
	})
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("outbox_events_published_total 1\n"))
	})
	h := NewOpsHandler(new(mocks.MockOutboxRepository), 5, zap.NewNop(), WithMetrics(metrics))

	rec, _ := do(t, NewRouter(h), "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "outbox_events_published_total")
}
