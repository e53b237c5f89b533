package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/phisafe/internal/audit"
	"github.com/hengadev/phisafe/internal/compliance"
	"github.com/hengadev/phisafe/internal/keys"
	"github.com/hengadev/phisafe/internal/monitoring"
	"github.com/hengadev/phisafe/internal/phierr"
)

type fixture struct {
	server  *Server
	manager *keys.Manager
	audit   *audit.Logger
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	source, err := keys.NewLocalSource()
	require.NoError(t, err)
	backups, err := keys.NewFileBackupStore(t.TempDir())
	require.NoError(t, err)
	manager, err := keys.NewManager(ctx, source, nil, backups)
	require.NoError(t, err)

	logger, err := audit.NewLogger(audit.NewMemoryStore())
	require.NoError(t, err)
	reporter := compliance.NewReporter(manager, logger)

	server, err := New(Deps{Keys: manager, Audit: logger, Compliance: reporter}, cfg, zerolog.Nop())
	require.NoError(t, err)
	return &fixture{server: server, manager: manager, audit: logger}
}

func (f *fixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Config{}, zerolog.Nop())
	assert.ErrorIs(t, err, phierr.ErrInvalidConfiguration)
}

func TestHandleKeyInfo(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.get(t, "/keys/info")
	require.Equal(t, http.StatusOK, rec.Code)

	var info keys.KeyInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, 1, info.Version)
	assert.True(t, info.HasCurrent)
	assert.False(t, info.HasPrevious)
	assert.Equal(t, "local", info.Source)
}

func TestHandleListBackups(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.get(t, "/keys/backups")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":0,"backups":[]}`, rec.Body.String())

	_, err := f.manager.BackupKeys(context.Background(), "nightly")
	require.NoError(t, err)

	rec = f.get(t, "/keys/backups")
	require.Equal(t, http.StatusOK, rec.Code)
	var body backupsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "nightly", body.Backups[0].Label)
}

func TestHandleAuditEvents(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := audit.WithActor(context.Background(), audit.Actor{UserID: "dr-1"})

	for _, id := range []string{"p-1", "p-2", "p-3"} {
		_, err := f.audit.LogPHIAccess(ctx, audit.PHIAccess{
			ResourceType: "patient", ResourceID: id, FieldNames: []string{"ssn"},
			Operation: audit.OpView, Success: true,
		})
		require.NoError(t, err)
	}
	_, err := f.audit.LogPHIAccess(audit.WithActor(context.Background(), audit.Actor{UserID: "nurse-2"}), audit.PHIAccess{
		ResourceType: "visit", ResourceID: "v-1", Operation: audit.OpView, Success: true,
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount int
		wantTotal int
	}{
		{name: "all", query: "", wantCode: http.StatusOK, wantCount: 4, wantTotal: 4},
		{name: "by user", query: "?user_id=dr-1", wantCode: http.StatusOK, wantCount: 3, wantTotal: 3},
		{name: "by resource", query: "?resource_type=patient&resource_id=p-2", wantCode: http.StatusOK, wantCount: 1, wantTotal: 1},
		{name: "by type", query: "?event_type=PHI_ACCESS&operation=view", wantCode: http.StatusOK, wantCount: 4, wantTotal: 4},
		{name: "paged", query: "?limit=2&offset=1", wantCode: http.StatusOK, wantCount: 2, wantTotal: 4},
		{name: "future window", query: "?from=2999-01-01T00:00:00Z", wantCode: http.StatusOK, wantCount: 0, wantTotal: 0},
		{name: "bad time", query: "?from=yesterday", wantCode: http.StatusBadRequest},
		{name: "bad limit", query: "?limit=abc", wantCode: http.StatusBadRequest},
		{name: "limit too large", query: "?limit=5000", wantCode: http.StatusBadRequest},
		{name: "negative offset", query: "?offset=-1", wantCode: http.StatusBadRequest},
		{name: "inverted range", query: "?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, "/audit/events"+tt.query)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			var page audit.Page
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
			assert.Len(t, page.Events, tt.wantCount)
			assert.Equal(t, tt.wantTotal, page.Total)
		})
	}
}

func TestHandleComplianceReport(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.get(t, "/compliance/report?scope=nightly")
	require.Equal(t, http.StatusOK, rec.Code)

	var report compliance.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "nightly", report.Scope)
	assert.Equal(t, compliance.StatusPass, report.OverallStatus)
	assert.Equal(t, compliance.RiskLow, report.RiskLevel)

	rec = f.get(t, "/compliance/report")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, defaultReportScope, report.Scope)
}

func TestReadOnly(t *testing.T) {
	f := newFixture(t, Config{})

	for _, path := range []string{"/keys/info", "/keys/backups", "/audit/events", "/compliance/report"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestRateLimitByIP(t *testing.T) {
	f := newFixture(t, Config{RateLimit: RateLimitConfig{RequestsPerWindow: 2, Window: time.Hour, Burst: 2}})

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
		req.RemoteAddr = ip + ":4000"
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, send("10.0.0.1").Code)
	limited := send("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, send("10.0.0.2").Code, "limits are per client IP")
}

func TestHealth(t *testing.T) {
	checker := NewHealthChecker()
	require.Error(t, checker.RegisterCheck(HealthCheck{}))
	require.Error(t, checker.RegisterCheck(HealthCheck{Name: "nil func"}))

	report := checker.CheckHealth(context.Background())
	assert.Equal(t, StatusUnknown, report.Status)

	require.NoError(t, checker.RegisterCheck(HealthCheck{Name: "keys", Critical: true, Check: func(context.Context) error { return nil }}))
	require.NoError(t, checker.RegisterCheck(HealthCheck{Name: "backups", Check: func(context.Context) error { return errors.New("bucket unreachable") }}))

	report = checker.CheckHealth(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "backups", report.Results[0].Name)
	assert.Equal(t, "bucket unreachable", report.Results[0].Error)

	require.NoError(t, checker.RegisterCheck(HealthCheck{Name: "audit", Critical: true, Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, Timeout: 10 * time.Millisecond}))
	report = checker.CheckHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestHandleReady(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.server.deps.Health.RegisterCheck(HealthCheck{
		Name: "audit", Critical: true, Check: func(context.Context) error { return errors.New("store down") },
	}))

	rec := f.get(t, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.get(t, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.server.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestHandleMetrics(t *testing.T) {
	f := newFixture(t, Config{})
	assert.Equal(t, http.StatusNotFound, f.get(t, "/metrics").Code, "route absent without a metrics reader")

	collector := monitoring.NewInMemoryMetricsCollector()
	collector.IncrementCounter("phisafe.operation.started", map[string]string{"operation": "encrypt"})
	server, err := New(Deps{Keys: f.manager, Audit: f.audit, Compliance: compliance.NewReporter(f.manager, f.audit), Metrics: collector}, Config{}, zerolog.Nop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Counters map[string]int64 `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Counters["phisafe.operation.started,operation=encrypt"])
}
