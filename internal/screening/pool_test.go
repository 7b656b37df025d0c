package screening

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"ScreenPulse/internal/domain/models"
	"ScreenPulse/internal/metrics"
	"ScreenPulse/pkg/config"
	"ScreenPulse/pkg/logger"
)

// matchAbove returns an evaluator matching every symbol whose last price
// exceeds the threshold.
func matchAbove(threshold float64) Evaluator {
	return evaluatorFunc(func(sym string, t models.Ticker, _ map[string][]models.Candle) (models.FilterResult, error) {
		return models.FilterResult{Match: t.LastPrice > threshold, Conditions: []string{"price_above"}}, nil
	})
}

type evaluatorFunc func(string, models.Ticker, map[string][]models.Candle) (models.FilterResult, error)

func (f evaluatorFunc) Evaluate(sym string, t models.Ticker, k map[string][]models.Candle) (models.FilterResult, error) {
	return f(sym, t, k)
}

func staticCompiler(ev Evaluator) CompileFunc {
	return func(*models.Trader) (Evaluator, error) { return ev, nil }
}

func testPool(t *testing.T, workers int, compile CompileFunc) *Pool {
	t.Helper()
	p := NewPool(config.PoolConfig{
		InitialWorkers: workers,
		MaxWorkers:     8,
		EvalTimeout:    time.Second,
	}, compile, metrics.Nop{}, logger.Nop())
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p
}

func makeSnapshot(prices map[string]float64) *models.MarketSnapshot {
	snap := &models.MarketSnapshot{
		Tickers: make(map[string]models.Ticker, len(prices)),
		Klines:  make(map[string]map[string][]models.Candle, len(prices)),
		TakenAt: time.Now(),
	}
	for sym, price := range prices {
		snap.Symbols = append(snap.Symbols, sym)
		snap.Tickers[sym] = models.Ticker{Symbol: sym, LastPrice: price}
		snap.Klines[sym] = map[string][]models.Candle{
			"1m": {{OpenTime: time.Now().Add(-time.Minute), Close: price, Closed: true}},
		}
	}
	sort.Strings(snap.Symbols)
	return snap
}

func testTrader(id string) models.Trader {
	return models.Trader{ID: id, OwnerID: "tenant-1", RefreshInterval: "1m", Enabled: true}
}

func TestDispatchEdgeTriggeredMatches(t *testing.T) {
	p := testPool(t, 2, staticCompiler(matchAbove(100)))
	traders := []models.Trader{testTrader("t1")}

	// First cycle: BTC is above threshold, fires once.
	res, err := p.Dispatch(context.Background(), traders, makeSnapshot(map[string]float64{"BTCUSDT": 150, "ETHUSDT": 50}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res) != 1 || len(res[0].NewMatches) != 1 {
		t.Fatalf("expected one new match, got %+v", res)
	}
	if res[0].NewMatches[0].Symbol != "BTCUSDT" {
		t.Fatalf("expected BTCUSDT, got %s", res[0].NewMatches[0].Symbol)
	}

	// Still matching: no new signal.
	res, err = p.Dispatch(context.Background(), traders, makeSnapshot(map[string]float64{"BTCUSDT": 160, "ETHUSDT": 50}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res[0].NewMatches) != 0 {
		t.Fatalf("sustained match must not re-fire, got %+v", res[0].NewMatches)
	}

	// Drops below, then crosses again: fires again.
	if _, err = p.Dispatch(context.Background(), traders, makeSnapshot(map[string]float64{"BTCUSDT": 90, "ETHUSDT": 50})); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	res, err = p.Dispatch(context.Background(), traders, makeSnapshot(map[string]float64{"BTCUSDT": 120, "ETHUSDT": 50}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res[0].NewMatches) != 1 {
		t.Fatalf("re-cross must fire again, got %+v", res[0].NewMatches)
	}
}

func TestDispatchFaultIsolation(t *testing.T) {
	faulty := evaluatorFunc(func(sym string, tk models.Ticker, _ map[string][]models.Candle) (models.FilterResult, error) {
		if sym == "ETHUSDT" {
			return models.FilterResult{}, errors.New("bad indicator")
		}
		return models.FilterResult{Match: true}, nil
	})
	p := testPool(t, 1, staticCompiler(faulty))

	res, err := p.Dispatch(context.Background(), []models.Trader{testTrader("t1")},
		makeSnapshot(map[string]float64{"BTCUSDT": 1, "ETHUSDT": 1, "SOLUSDT": 1}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res[0].Faults != 1 {
		t.Fatalf("expected 1 fault, got %d", res[0].Faults)
	}
	if len(res[0].NewMatches) != 2 {
		t.Fatalf("faulted symbol must not block the rest, got %+v", res[0].NewMatches)
	}
}

func TestDispatchCompileFailureIsTraderScoped(t *testing.T) {
	compile := func(tr *models.Trader) (Evaluator, error) {
		if tr.ID == "broken" {
			return nil, errors.New("syntax error")
		}
		return matchAbove(0), nil
	}
	p := testPool(t, 2, compile)

	res, err := p.Dispatch(context.Background(),
		[]models.Trader{testTrader("broken"), testTrader("ok")},
		makeSnapshot(map[string]float64{"BTCUSDT": 10}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	byID := make(map[string]models.TraderResult, len(res))
	for _, r := range res {
		byID[r.TraderID] = r
	}
	if byID["broken"].Err == nil {
		t.Fatal("broken trader must carry its compile error")
	}
	if byID["ok"].Err != nil || len(byID["ok"].NewMatches) != 1 {
		t.Fatalf("healthy trader must be unaffected, got %+v", byID["ok"])
	}
}

func TestDispatchSkipsSymbolsWithoutHistory(t *testing.T) {
	p := testPool(t, 1, staticCompiler(matchAbove(0)))
	snap := makeSnapshot(map[string]float64{"BTCUSDT": 10})
	snap.Symbols = append(snap.Symbols, "NEWUSDT")
	snap.Tickers["NEWUSDT"] = models.Ticker{Symbol: "NEWUSDT", LastPrice: 5}

	res, err := p.Dispatch(context.Background(), []models.Trader{testTrader("t1")}, snap)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res[0].NewMatches) != 1 || res[0].NewMatches[0].Symbol != "BTCUSDT" {
		t.Fatalf("symbol without history must be skipped, got %+v", res[0].NewMatches)
	}
}

func TestResizeClamps(t *testing.T) {
	p := testPool(t, 2, staticCompiler(matchAbove(0)))

	if n, err := p.Resize(0); err != nil || n != 1 {
		t.Fatalf("resize below floor: n=%d err=%v", n, err)
	}
	if n, err := p.Resize(100); err != nil || n != 8 {
		t.Fatalf("resize above max: n=%d err=%v", n, err)
	}
	if got := p.Stats().TotalWorkers; got != 8 {
		t.Fatalf("stats total = %d, want 8", got)
	}
}

func TestShrinkDuringDispatchLosesNoResults(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 16)
	blocking := evaluatorFunc(func(sym string, tk models.Ticker, _ map[string][]models.Candle) (models.FilterResult, error) {
		started <- sym
		<-release
		return models.FilterResult{Match: true}, nil
	})
	p := testPool(t, 4, staticCompiler(blocking))

	traders := make([]models.Trader, 4)
	syms := map[string]float64{}
	for i := range traders {
		traders[i] = testTrader(fmt.Sprintf("t%d", i))
		syms[fmt.Sprintf("SYM%dUSDT", i)] = 1
	}
	snap := makeSnapshot(syms)

	done := make(chan []models.TraderResult, 1)
	go func() {
		res, err := p.Dispatch(context.Background(), traders, snap)
		if err != nil {
			t.Errorf("dispatch: %v", err)
		}
		done <- res
	}()

	// Wait until every worker has picked up its chunk, then shrink.
	for i := 0; i < 4; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("workers never started their chunks")
		}
	}
	if n, err := p.Resize(2); err != nil || n != 2 {
		t.Fatalf("resize: n=%d err=%v", n, err)
	}
	close(release)

	select {
	case res := <-done:
		if len(res) != 4 {
			t.Fatalf("expected all 4 trader results after shrink, got %d", len(res))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not complete after shrink")
	}
}

func TestRepartitionResetsMatchState(t *testing.T) {
	// quiet never matches; mover matches above 100.
	compile := func(tr *models.Trader) (Evaluator, error) {
		if tr.ID == "quiet" {
			return evaluatorFunc(func(string, models.Ticker, map[string][]models.Candle) (models.FilterResult, error) {
				return models.FilterResult{}, nil
			}), nil
		}
		return matchAbove(100), nil
	}
	p := testPool(t, 1, compile)
	traders := []models.Trader{testTrader("quiet"), testTrader("mover")}

	high := makeSnapshot(map[string]float64{"AAAUSDT": 150})
	low := makeSnapshot(map[string]float64{"AAAUSDT": 50})

	byID := func(res []models.TraderResult, id string) models.TraderResult {
		t.Helper()
		for _, r := range res {
			if r.TraderID == id {
				return r
			}
		}
		t.Fatalf("no result for %s in %+v", id, res)
		return models.TraderResult{}
	}

	// One worker holds both traders; mover fires its edge.
	res, err := p.Dispatch(context.Background(), traders, high)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := byID(res, "mover"); len(got.NewMatches) != 1 {
		t.Fatalf("mover must fire on first cycle, got %+v", got)
	}

	// Grow: mover moves to the second worker, where the match drops.
	if n, err := p.Resize(2); err != nil || n != 2 {
		t.Fatalf("resize: n=%d err=%v", n, err)
	}
	res, err = p.Dispatch(context.Background(), traders, low)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := byID(res, "mover"); len(got.NewMatches) != 0 {
		t.Fatalf("below threshold must not match, got %+v", got)
	}

	// Shrink: mover returns to the first worker. The drop happened
	// elsewhere, so the returning trader must start unknown and fire
	// again; stale state from the first cycle would swallow this edge.
	if n, err := p.Resize(1); err != nil || n != 1 {
		t.Fatalf("resize: n=%d err=%v", n, err)
	}
	res, err = p.Dispatch(context.Background(), traders, high)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := byID(res, "mover"); len(got.NewMatches) != 1 {
		t.Fatalf("re-cross after repartition must fire, got %+v", got)
	}
}

func TestDispatchContextBoundsBlockedSend(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	blocking := evaluatorFunc(func(string, models.Ticker, map[string][]models.Candle) (models.FilterResult, error) {
		started <- struct{}{}
		<-release
		return models.FilterResult{Match: true}, nil
	})
	p := testPool(t, 1, staticCompiler(blocking))
	defer close(release)
	traders := []models.Trader{testTrader("t1")}
	snap := makeSnapshot(map[string]float64{"AAAUSDT": 1})

	// Occupy the worker, then fill its one-slot job buffer.
	go func() { _, _ = p.Dispatch(context.Background(), traders, snap) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started")
	}
	go func() { _, _ = p.Dispatch(context.Background(), traders, snap) }()
	time.Sleep(50 * time.Millisecond)

	// The third dispatch cannot hand its job out; the context must free it
	// rather than leaving it parked on the send holding the pool lock.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.Dispatch(ctx, traders, snap); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	// Stats must not be frozen behind the abandoned send.
	statsDone := make(chan models.PoolStats, 1)
	go func() { statsDone <- p.Stats() }()
	select {
	case s := <-statsDone:
		if s.TotalWorkers != 1 {
			t.Fatalf("stats total = %d, want 1", s.TotalWorkers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stats blocked after cancelled dispatch")
	}
}

func TestDispatchAfterShutdown(t *testing.T) {
	p := NewPool(config.PoolConfig{InitialWorkers: 1, MaxWorkers: 4, EvalTimeout: time.Second},
		staticCompiler(matchAbove(0)), metrics.Nop{}, logger.Nop())
	p.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := p.Dispatch(context.Background(), []models.Trader{testTrader("t1")}, makeSnapshot(nil)); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestChunkTraders(t *testing.T) {
	traders := make([]models.Trader, 7)
	for i := range traders {
		traders[i] = testTrader(fmt.Sprintf("t%d", i))
	}

	chunks := chunkTraders(traders, 3)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	sizes := []int{len(chunks[0]), len(chunks[1]), len(chunks[2])}
	if sizes[0] != 3 || sizes[1] != 2 || sizes[2] != 2 {
		t.Fatalf("uneven split: %v", sizes)
	}

	// Fewer traders than workers: no empty chunks.
	chunks = chunkTraders(traders[:2], 5)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks for 2 traders, got %d", len(chunks))
	}
}
