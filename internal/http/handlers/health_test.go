package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler_GetLivez(t *testing.T) {
	handler := NewHealthHandler("1.0.0")

	output, err := handler.GetLivez(context.Background(), &LivezInput{})
	require.NoError(t, err)
	assert.Equal(t, "ok", output.Body.Status)
}

func TestHealthHandler_GetReadyz(t *testing.T) {
	handler := NewHealthHandler("1.0.0")
	router := newTestAPI(t, handler.Register)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	handler.SetDraining()

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	out, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, "draining", out.Body.Status)
}

func TestHealthHandler_GetHealth(t *testing.T) {
	m := newTestManager(t, newPipeAcquirer())
	openStream(t, m, "news")
	openStream(t, m, "movies")
	openStream(t, m, "movies")

	handler := NewHealthHandler("1.0.0").WithStreams(m)

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)

	assert.Equal(t, "healthy", output.Body.Status)
	assert.Equal(t, "1.0.0", output.Body.Version)
	assert.NotEmpty(t, output.Body.Uptime)
	assert.NotZero(t, output.Body.CPUInfo.Cores)
	assert.Equal(t, StreamHealth{Active: 2, Subscribers: 3}, output.Body.Streams)
}

func TestHealthHandler_NoStreams(t *testing.T) {
	output, err := NewHealthHandler("dev").GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, StreamHealth{}, output.Body.Streams)
}
