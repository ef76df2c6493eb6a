package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_ExposesRecordedCounters(t *testing.T) {
	p, err := NewProvider("crm")
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	counter, err := p.MeterProvider().Meter("test").Int64Counter("outbox.events.published")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crm_outbox_events_published")
}

func TestProvider_ShutdownNil(t *testing.T) {
	var p Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
