package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func get(t *testing.T, c *Checker, path string) (int, Response) {
	t.Helper()
	e := echo.New()
	c.RegisterRoutes(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestReadiness(t *testing.T) {
	c := NewChecker("test")
	c.Require("database", PingFunc(ok))
	c.Optional("kafka", PingFunc(func(context.Context) error { return errors.New("no brokers") }))

	code, resp := get(t, c, "/api/v1/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusUnhealthy, resp.Status)

	c.SetReady(true)
	code, resp = get(t, c, "/api/v1/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, "no brokers", resp.Checks["kafka"].Message)
}

func TestHealth_RequiredFailure(t *testing.T) {
	c := NewChecker("test")
	c.Require("database", PingFunc(ok))
	c.Require("redis", PingFunc(func(context.Context) error { return errors.New("connection refused") }))
	c.Require("missing", nil)

	code, resp := get(t, c, "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, StatusHealthy, resp.Checks["database"].Status)
	assert.Equal(t, StatusUnhealthy, resp.Checks["redis"].Status)
	assert.Equal(t, "not configured", resp.Checks["missing"].Message)
}

func TestLiveness(t *testing.T) {
	code, resp := get(t, NewChecker("1.2.3"), "/api/v1/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1.2.3", resp.Version)
}
