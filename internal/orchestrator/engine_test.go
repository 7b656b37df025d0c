package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ScreenPulse/internal/autoscale"
	"ScreenPulse/internal/domain/models"
	"ScreenPulse/internal/health"
	"ScreenPulse/internal/metrics"
	"ScreenPulse/internal/notify"
	"ScreenPulse/internal/screening"
	"ScreenPulse/internal/syncbuf"
	"ScreenPulse/pkg/config"
	"ScreenPulse/pkg/logger"
)

type fakeStore struct {
	mu          sync.Mutex
	traders     []models.Trader
	tier        models.Tier
	loadErr     error
	signals     []*models.Signal
	events      []*models.Event
	statuses    []string
}

func (f *fakeStore) LoadTraders(context.Context, string) ([]models.Trader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]models.Trader(nil), f.traders...), nil
}

func (f *fakeStore) GetUserTier(context.Context, string) (models.Tier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tier, nil
}

func (f *fakeStore) InsertSignals(_ context.Context, signals []*models.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signals...)
	return nil
}

func (f *fakeStore) InsertEvents(_ context.Context, events []*models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeStore) UpdateMachineStatus(_ context.Context, _ string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) Health(context.Context) error { return nil }
func (f *fakeStore) Close() error                 { return nil }

type fakeFeed struct {
	mu         sync.Mutex
	snapshot   *models.MarketSnapshot
	connects   int
	intervals  []string
	backfills  int
	connected  bool
	connectErr error
}

func (f *fakeFeed) Connect(_ context.Context, _, intervals []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects++
	f.intervals = append([]string(nil), intervals...)
	f.connected = true
	return nil
}

func (f *fakeFeed) FetchHistoricalKlines(context.Context, []string, []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backfills++
	return nil
}

func (f *fakeFeed) Snapshot() *models.MarketSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeFeed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeFeed) LastUpdate() time.Time { return time.Now() }

func (f *fakeFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) AnalyzeSignal(_ context.Context, signalID, traderID, symbol string) (*models.AnalysisResult, error) {
	return &models.AnalysisResult{SignalID: signalID, TraderID: traderID, Symbol: symbol, Decision: "hold"}, nil
}

// matchAll matches every symbol above the given price.
type thresholdEvaluator struct{ threshold float64 }

func (ev thresholdEvaluator) Evaluate(_ string, t models.Ticker, _ map[string][]models.Candle) (models.FilterResult, error) {
	return models.FilterResult{Match: t.LastPrice > ev.threshold}, nil
}

type testHarness struct {
	engine *Engine
	store  *fakeStore
	feed   *fakeFeed
	sink   *notify.Hub
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Environment = "test"
	cfg.Machine = config.MachineConfig{
		TenantID:         "tenant-1",
		MachineID:        "machine-1",
		Version:          "test",
		CyclePeriod:      time.Hour,
		BaselineInterval: "1m",
		HeartbeatPeriod:  time.Hour,
	}
	cfg.Feed.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	cfg.Analyzer.MaxConcurrent = 2
	cfg.Pool = config.PoolConfig{InitialWorkers: 2, MaxWorkers: 4, EvalTimeout: time.Second}
	cfg.Scaling = config.ScalingConfig{
		MinWorkers: 1, MaxWorkers: 4,
		QueueHighWater: 100, QueueLowWater: -1,
		CPUHighPercent: 1000, MemoryHighPercent: 1000,
		BusyHighRatio: 2, BusyLowRatio: -1,
		Cooldown: time.Hour, MaxStep: 1,
	}
	cfg.Sync = config.SyncConfig{FlushInterval: time.Hour, BatchSize: 100}
	return cfg
}

func marketSnapshot(prices map[string]float64) *models.MarketSnapshot {
	snap := &models.MarketSnapshot{
		Tickers: make(map[string]models.Ticker),
		Klines:  make(map[string]map[string][]models.Candle),
		TakenAt: time.Now(),
	}
	for sym, price := range prices {
		snap.Symbols = append(snap.Symbols, sym)
		snap.Tickers[sym] = models.Ticker{Symbol: sym, LastPrice: price}
		snap.Klines[sym] = map[string][]models.Candle{
			"1m": {{OpenTime: time.Now(), Close: price, Closed: true}},
		}
	}
	return snap
}

func newHarness(t *testing.T, store *fakeStore, feed *fakeFeed) *testHarness {
	t.Helper()
	cfg := testConfig()
	log := logger.Nop()
	rec := metrics.Nop{}

	compile := func(tr *models.Trader) (screening.Evaluator, error) {
		if tr.FilterSource == "broken" {
			return nil, errors.New("compile failed")
		}
		return thresholdEvaluator{threshold: 100}, nil
	}
	pool := screening.NewPool(cfg.Pool, compile, rec, log)
	scaler := autoscale.New(cfg.Scaling, pool, log)
	buffer := syncbuf.NewBuffer(store, cfg.Machine.MachineID, cfg.Sync, rec, log)
	sink := notify.NewHub(log)
	reg := health.NewRegistry(16)

	engine := New(cfg, store, feed, fakeAnalyzer{}, pool, scaler, buffer, sink, reg, rec, log)
	return &testHarness{engine: engine, store: store, feed: feed, sink: sink}
}

func enabledTrader(id string, owner string, tier models.Tier) models.Trader {
	return models.Trader{
		ID: id, OwnerID: owner, FilterSource: "price > 100",
		RefreshInterval: "1m", Enabled: true, RequiredTier: tier,
	}
}

func startEngine(t *testing.T, h *testHarness) {
	t.Helper()
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if h.engine.State() != StateStopped {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			h.engine.Stop(ctx)
		}
	})
	waitUntil(t, func() bool { return h.engine.Status().CyclesRun >= 1 })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStartRunsImmediateCycleAndEmitsSignals(t *testing.T) {
	store := &fakeStore{tier: models.TierPro, traders: []models.Trader{
		enabledTrader("t1", "tenant-1", models.TierFree),
	}}
	feed := &fakeFeed{snapshot: marketSnapshot(map[string]float64{"BTCUSDT": 150, "ETHUSDT": 50})}
	h := newHarness(t, store, feed)
	startEngine(t, h)

	status := h.engine.Status()
	if status.State != string(StateRunning) {
		t.Fatalf("state = %s", status.State)
	}
	if status.SignalsEmitted != 1 {
		t.Fatalf("signals emitted = %d, want 1 (BTCUSDT only)", status.SignalsEmitted)
	}
	waitUntil(t, func() bool { return h.engine.Status().AnalysesCompleted == 1 })

	// The signal is buffered for durability, not yet flushed.
	if status.SyncBufferDepth == 0 {
		t.Fatal("signal must sit in the sync buffer until flush")
	}

	if _, err := h.engine.ForceSync(context.Background()); err != nil {
		t.Fatalf("force sync: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.signals) != 1 || store.signals[0].Symbol != "BTCUSDT" {
		t.Fatalf("store signals = %+v", store.signals)
	}
	if store.signals[0].OwnerID != "tenant-1" {
		t.Fatalf("owner = %s", store.signals[0].OwnerID)
	}
}

func TestTierFilteringOnLoad(t *testing.T) {
	store := &fakeStore{tier: models.TierFree, traders: []models.Trader{
		enabledTrader("own-elite", "tenant-1", models.TierElite),
		enabledTrader("shared-free", "tenant-2", models.TierFree),
		enabledTrader("shared-pro", "tenant-2", models.TierPro),
		enabledTrader("shared-anon", "", models.TierAnonymous),
	}}
	feed := &fakeFeed{snapshot: marketSnapshot(nil)}
	h := newHarness(t, store, feed)
	startEngine(t, h)

	// Own trader survives despite elite requirement; shared-pro is out.
	active := h.engine.Status().ActiveTraders
	if active != 3 {
		t.Fatalf("active traders = %d, want 3", active)
	}
}

func TestRequiredIntervalsUnion(t *testing.T) {
	tr := enabledTrader("t1", "tenant-1", models.TierFree)
	tr.RefreshInterval = "1m"
	tr.ExtraTimeframes = []string{"5m", "15m"}
	disabled := enabledTrader("t2", "tenant-1", models.TierFree)
	disabled.RefreshInterval = "4h"
	disabled.Enabled = false

	store := &fakeStore{tier: models.TierPro, traders: []models.Trader{tr, disabled}}
	feed := &fakeFeed{snapshot: marketSnapshot(nil)}
	h := newHarness(t, store, feed)
	startEngine(t, h)

	got := h.engine.RequiredIntervals()
	want := map[string]bool{"1m": true, "5m": true, "15m": true}
	if len(got) != len(want) {
		t.Fatalf("intervals = %v", got)
	}
	for _, iv := range got {
		if !want[iv] {
			t.Fatalf("unexpected interval %s in %v", iv, got)
		}
	}
}

func TestPauseResumeDoesNotRefire(t *testing.T) {
	store := &fakeStore{tier: models.TierPro, traders: []models.Trader{
		enabledTrader("t1", "tenant-1", models.TierFree),
	}}
	feed := &fakeFeed{snapshot: marketSnapshot(map[string]float64{"BTCUSDT": 150, "ETHUSDT": 50})}
	h := newHarness(t, store, feed)
	startEngine(t, h)

	if err := h.engine.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := h.engine.Pause(context.Background()); err != nil {
		t.Fatalf("second pause must be a no-op: %v", err)
	}
	if h.engine.State() != StatePaused {
		t.Fatalf("state = %s", h.engine.State())
	}

	// Paused: a tick runs no cycle.
	h.engine.runCycle()
	if got := h.engine.Status().CyclesRun; got != 1 {
		t.Fatalf("cycles while paused = %d, want 1", got)
	}

	if err := h.engine.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.engine.runCycle()

	// The match stood through the pause; no second signal.
	if got := h.engine.Status().SignalsEmitted; got != 1 {
		t.Fatalf("signals = %d, want 1 (sustained match must not re-fire)", got)
	}
}

func TestCycleSingleFlight(t *testing.T) {
	store := &fakeStore{tier: models.TierPro, traders: []models.Trader{
		enabledTrader("t1", "tenant-1", models.TierFree),
	}}
	feed := &fakeFeed{snapshot: marketSnapshot(map[string]float64{"BTCUSDT": 150})}
	h := newHarness(t, store, feed)
	startEngine(t, h)

	h.engine.cycleInFlight.Store(true)
	h.engine.runCycle()
	if got := h.engine.Status().CyclesRun; got != 1 {
		t.Fatalf("overlapping tick must be skipped, cycles = %d", got)
	}
	h.engine.cycleInFlight.Store(false)
}

func TestStartFailureRollsBack(t *testing.T) {
	store := &fakeStore{tier: models.TierPro, loadErr: errors.New("store down")}
	feed := &fakeFeed{snapshot: marketSnapshot(nil)}
	h := newHarness(t, store, feed)

	if err := h.engine.Start(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}
	if h.engine.State() != StateStopped {
		t.Fatalf("state after failed start = %s", h.engine.State())
	}

	// A failed start must leave the engine restartable.
	store.mu.Lock()
	store.loadErr = nil
	store.mu.Unlock()
	startEngine(t, h)
}

func TestReloadKeepsPreviousSetOnFailure(t *testing.T) {
	store := &fakeStore{tier: models.TierPro, traders: []models.Trader{
		enabledTrader("t1", "tenant-1", models.TierFree),
	}}
	feed := &fakeFeed{snapshot: marketSnapshot(nil)}
	h := newHarness(t, store, feed)
	startEngine(t, h)

	store.mu.Lock()
	store.loadErr = errors.New("store down")
	store.mu.Unlock()

	if err := h.engine.ReloadTraders(context.Background()); err == nil {
		t.Fatal("expected reload failure")
	}
	if got := h.engine.Status().ActiveTraders; got != 1 {
		t.Fatalf("active traders after failed reload = %d, want 1", got)
	}
}

func TestReloadResubscribesOnIntervalChange(t *testing.T) {
	store := &fakeStore{tier: models.TierPro, traders: []models.Trader{
		enabledTrader("t1", "tenant-1", models.TierFree),
	}}
	feed := &fakeFeed{snapshot: marketSnapshot(nil)}
	h := newHarness(t, store, feed)
	startEngine(t, h)

	feed.mu.Lock()
	connectsBefore := feed.connects
	feed.mu.Unlock()

	wide := enabledTrader("t2", "tenant-1", models.TierFree)
	wide.ExtraTimeframes = []string{"4h"}
	store.mu.Lock()
	store.traders = append(store.traders, wide)
	store.mu.Unlock()

	if err := h.engine.ReloadTraders(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	feed.mu.Lock()
	defer feed.mu.Unlock()
	if feed.connects != connectsBefore+1 {
		t.Fatalf("connects = %d, want %d", feed.connects, connectsBefore+1)
	}
	found := false
	for _, iv := range feed.intervals {
		if iv == "4h" {
			found = true
		}
	}
	if !found {
		t.Fatalf("feed intervals = %v, want 4h included", feed.intervals)
	}
}

func TestStopIsCleanAndFinal(t *testing.T) {
	store := &fakeStore{tier: models.TierPro, traders: []models.Trader{
		enabledTrader("t1", "tenant-1", models.TierFree),
	}}
	feed := &fakeFeed{snapshot: marketSnapshot(map[string]float64{"BTCUSDT": 150})}
	h := newHarness(t, store, feed)
	startEngine(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.engine.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.engine.State() != StateStopped {
		t.Fatalf("state = %s", h.engine.State())
	}

	// Final flush drained the buffered signal and lifecycle events.
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.signals) != 1 {
		t.Fatalf("store signals = %d, want 1", len(store.signals))
	}
	types := make(map[string]bool)
	for _, evt := range store.events {
		types[evt.Type] = true
	}
	if !types["machine_started"] || !types["machine_stopped"] {
		t.Fatalf("lifecycle events missing: %v", types)
	}
	if len(store.statuses) == 0 || store.statuses[len(store.statuses)-1] != "stopped" {
		t.Fatalf("statuses = %v", store.statuses)
	}

	if err := h.engine.Stop(ctx); err == nil {
		t.Fatal("second stop must error")
	}
}
