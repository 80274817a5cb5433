package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posguard/internal/config"
	"posguard/internal/engine"
	"posguard/internal/store"
	"posguard/pkg/contracts/domain"
)

type fakeEnv struct{}

func (fakeEnv) DeviceIdentity() map[string]string {
	return map[string]string{"hostname": "register-1", "os": "linux"}
}
func (fakeEnv) AppIdentity() map[string]string {
	return map[string]string{"name": "posguard", "version": "1.0.0"}
}
func (fakeEnv) Locale() map[string]string  { return map[string]string{"timezone": "UTC"} }
func (fakeEnv) Display() map[string]string { return map[string]string{"display": "1024x768"} }
func (fakeEnv) BootTime() string           { return "1767350000" }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Network.TimeSources = nil

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(cfg, store.NewMemoryBackend(),
		engine.WithEnvironment(fakeEnv{}),
		engine.WithLogger(logger),
	)
	require.NoError(t, eng.Initialize(context.Background()))

	srv := httptest.NewServer(NewRouter(eng, logger))
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/trust/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Locked)
}

func TestValidateEndpoint(t *testing.T) {
	srv := newTestServer(t)

	now := time.Now()
	payload := fmt.Sprintf(`{
		"id": "lic-001",
		"type": "ACTIVE",
		"status": "active",
		"activation_date": %q,
		"expiry_date": %q
	}`, now.AddDate(0, -1, 0).Format(time.RFC3339), now.AddDate(0, 1, 0).Format(time.RFC3339))

	resp, err := http.Post(srv.URL+"/api/trust/validate", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report domain.ValidationReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.True(t, report.Valid)
	assert.Equal(t, domain.RiskLow, report.RiskLevel)
	assert.Len(t, report.Layers, 8)
}

func TestValidateEndpointRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/trust/validate", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUsageEndpointRequiresAction(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/trust/usage", "application/json", bytes.NewBufferString(`{"metadata":{}}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUsageEndpointTracksAction(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/trust/usage", "application/json",
		bytes.NewBufferString(`{"action":"sale","metadata":{"amount":"9.99"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result domain.LayerResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Valid)
	assert.Equal(t, domain.LayerUsage, result.Layer)
}

func TestRecoveryEndpointWithoutLockdown(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/trust/recovery")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResetEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/trust/reset", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
