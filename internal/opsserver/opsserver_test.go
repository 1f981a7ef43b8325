package opsserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/trafficcontrol/internal/capacity"
	"github.com/trafficcontrol/trafficcontrol/internal/circuitbreaker"
	"github.com/trafficcontrol/trafficcontrol/internal/config"
	"github.com/trafficcontrol/trafficcontrol/internal/dbhealth"
	"github.com/trafficcontrol/trafficcontrol/internal/domain"
	"github.com/trafficcontrol/trafficcontrol/internal/opsserver"
	"github.com/trafficcontrol/trafficcontrol/internal/productivity"
	"github.com/trafficcontrol/trafficcontrol/internal/spend"
)

type fakeEventHealth struct{}

func (fakeEventHealth) Health() map[string]any {
	return map[string]any{"connection_type": "queue"}
}

func testDeps(t *testing.T) opsserver.Deps {
	t.Helper()
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: 5, FailureWindow: time.Minute, OpenDuration: time.Minute, SuccessToClose: 2,
	}, nil)
	spendMon := spend.NewMonitor(spend.Config{
		Window: time.Hour, SoftLimitUSD: 100, HardLimitUSD: 150, AlertCooldown: time.Minute,
	}, nil)
	prodMon := productivity.NewMonitor(productivity.Config{
		Window: time.Hour, FailureStreakThreshold: 3, LowSuccessRateThreshold: 0.5, MinimumCompletions: 5,
	}, nil)
	dbMon := dbhealth.NewMonitor(dbhealth.Config{MaxConsecutiveFailures: 3}, nil, nil)
	capTracker := capacity.NewMemoryTracker(map[domain.Model]int{
		domain.ModelOpus: 3, domain.ModelSonnet: 8, domain.ModelHaiku: 15,
	})

	return opsserver.Deps{
		Breakers:     breakers,
		Spend:        spendMon,
		Productivity: prodMon,
		DBHealth:     dbMon,
		Capacity:     capTracker,
		Events:       fakeEventHealth{},
		DBPing:       func(ctx context.Context) error { return nil },
	}
}

func TestHealthz_OK(t *testing.T) {
	r := opsserver.NewRouter(config.Config{RateLimitPerMin: 100}, testDeps(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz_AllHealthy(t *testing.T) {
	r := opsserver.NewRouter(config.Config{RateLimitPerMin: 100}, testDeps(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz_DBPingFails(t *testing.T) {
	deps := testDeps(t)
	deps.DBPing = func(ctx context.Context) error { return assert.AnError }
	r := opsserver.NewRouter(config.Config{RateLimitPerMin: 100}, deps)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics_ServesPrometheusFormat(t *testing.T) {
	r := opsserver.NewRouter(config.Config{RateLimitPerMin: 100}, testDeps(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDebugSnapshot_ReportsAllDeps(t *testing.T) {
	r := opsserver.NewRouter(config.Config{RateLimitPerMin: 100}, testDeps(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/snapshot", nil)
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "circuit_breakers")
	assert.Contains(t, body, "spend_24h_usd")
	assert.Contains(t, body, "productivity")
	assert.Contains(t, body, "db_degraded")
	assert.Contains(t, body, "capacity")
	assert.Contains(t, body, "event_sink")
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, opsserver.ParseOrigins(""))
	assert.Equal(t, []string{"*"}, opsserver.ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, opsserver.ParseOrigins("https://a.example, https://b.example"))
}
