package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

func TestHandleLiveness(t *testing.T) {
	f := newTestServer(t)
	f.clock.Advance(90 * time.Second)

	rec := f.get("/health/live")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","uptime":90}`, rec.Body.String())
}

func TestHandleReadiness_AllHealthy(t *testing.T) {
	f := newTestServer(t, withHealthChecks(HealthCheck{Name: "redis", Check: healthOK}))

	rec := f.get("/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestHandleReadiness_RedisDown(t *testing.T) {
	f := newTestServer(t, withHealthChecks(HealthCheck{Name: "redis", Check: healthErr("connection refused")}))

	rec := f.get("/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","failed_check":"redis","error":"connection refused"}`, rec.Body.String())
}

func TestHandleReadiness_GeneratorStopped(t *testing.T) {
	f := newTestServer(t, withHealthChecks(HealthCheck{Name: "redis", Check: healthOK}))
	f.registry.setActive(false)

	rec := f.get("/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"failed_check":"generator"`)
}

func TestHandleVersion(t *testing.T) {
	f := newTestServer(t)

	rec := f.get("/version")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "version")
	assert.Contains(t, body, "go_version")
}

func TestMetricsRoute(t *testing.T) {
	f := newTestServer(t)
	f.get("/status")

	rec := f.get("/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pricepulse_http_requests_total")
}

func (f *serverFixture) get(path string) *httptest.ResponseRecorder {
	return f.getFrom(path, testRemoteAddr)
}

func (f *serverFixture) getFrom(path, remoteAddr string) *httptest.ResponseRecorder {
	return f.serve(newRequest(path, remoteAddr))
}

func (f *serverFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func newRequest(path, remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remoteAddr
	return req
}
