package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"ScreenPulse/internal/autoscale"
	"ScreenPulse/internal/domain/models"
	"ScreenPulse/internal/health"
	"ScreenPulse/internal/metrics"
	"ScreenPulse/internal/notify"
	"ScreenPulse/internal/orchestrator"
	"ScreenPulse/internal/screening"
	"ScreenPulse/internal/syncbuf"
	"ScreenPulse/pkg/config"
	"ScreenPulse/pkg/logger"
)

type stubStore struct{}

func (stubStore) LoadTraders(context.Context, string) ([]models.Trader, error) { return nil, nil }
func (stubStore) GetUserTier(context.Context, string) (models.Tier, error) {
	return models.TierFree, nil
}
func (stubStore) InsertSignals(context.Context, []*models.Signal) error     { return nil }
func (stubStore) InsertEvents(context.Context, []*models.Event) error       { return nil }
func (stubStore) UpdateMachineStatus(context.Context, string, string) error { return nil }
func (stubStore) Health(context.Context) error                              { return nil }
func (stubStore) Close() error                                              { return nil }

type stubFeed struct{}

func (stubFeed) Connect(context.Context, []string, []string) error               { return nil }
func (stubFeed) FetchHistoricalKlines(context.Context, []string, []string) error { return nil }
func (stubFeed) Snapshot() *models.MarketSnapshot {
	return &models.MarketSnapshot{TakenAt: time.Now()}
}
func (stubFeed) IsConnected() bool     { return false }
func (stubFeed) LastUpdate() time.Time { return time.Now() }
func (stubFeed) Close() error          { return nil }

type stubAnalyzer struct{}

func (stubAnalyzer) AnalyzeSignal(context.Context, string, string, string) (*models.AnalysisResult, error) {
	return &models.AnalysisResult{Decision: "hold"}, nil
}

func testHandler(t *testing.T) (*MachineHandler, *health.Registry) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Machine = config.MachineConfig{
		TenantID: "tenant-1", MachineID: "machine-1",
		CyclePeriod: time.Hour, BaselineInterval: "1m", HeartbeatPeriod: time.Hour,
	}
	cfg.Analyzer.MaxConcurrent = 1
	cfg.Pool = config.PoolConfig{InitialWorkers: 1, MaxWorkers: 2, EvalTimeout: time.Second}
	cfg.Scaling = config.ScalingConfig{MinWorkers: 1, MaxWorkers: 2, Cooldown: time.Hour, MaxStep: 1}
	cfg.Sync = config.SyncConfig{FlushInterval: time.Hour, BatchSize: 10}

	log := logger.Nop()
	rec := metrics.Nop{}
	pool := screening.NewPool(cfg.Pool, nil, rec, log)
	scaler := autoscale.New(cfg.Scaling, pool, log)
	buffer := syncbuf.NewBuffer(stubStore{}, "machine-1", cfg.Sync, rec, log)
	hub := notify.NewHub(log)
	t.Cleanup(func() { hub.Close() })
	reg := health.NewRegistry(16)

	engine := orchestrator.New(cfg, stubStore{}, stubFeed{}, stubAnalyzer{},
		pool, scaler, buffer, hub, reg, rec, log)
	return NewMachineHandler(engine, reg, hub, log), reg
}

func doRequest(h *MachineHandler, method, path string) *httptest.ResponseRecorder {
	e := echo.New()
	h.RegisterRoutes(e)
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthReflectsRegistry(t *testing.T) {
	h, reg := testHandler(t)
	reg.SetHealthy("store")

	rec := doRequest(h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	reg.SetUnhealthy("store", context.DeadlineExceeded)
	rec = doRequest(h, http.MethodGet, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded health status = %d", rec.Code)
	}
}

func TestStatusReportsStoppedEngine(t *testing.T) {
	h, _ := testHandler(t)

	rec := doRequest(h, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Success bool                 `json:"success"`
		Data    models.MachineStatus `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Data.State != "stopped" {
		t.Fatalf("body = %+v", body)
	}
}

func TestPauseWhileStoppedConflicts(t *testing.T) {
	h, _ := testHandler(t)

	rec := doRequest(h, http.MethodPost, "/api/v1/pause")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestSyncEmptyBuffer(t *testing.T) {
	h, _ := testHandler(t)

	rec := doRequest(h, http.MethodPost, "/api/v1/sync")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data map[string]int `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data["flushed"] != 0 {
		t.Fatalf("flushed = %d", body.Data["flushed"])
	}
}
