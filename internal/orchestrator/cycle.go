package orchestrator

import (
	"context"
	"runtime"
	"time"

	"github.com/google/uuid"

	"ScreenPulse/internal/domain/models"
	"ScreenPulse/pkg/logger"
)

// runCycle executes one screening pass. At most one cycle runs at a time:
// if the previous one is still in flight when the timer fires, this tick
// is skipped rather than queued.
func (e *Engine) runCycle() {
	if !e.cycleInFlight.CompareAndSwap(false, true) {
		e.log.Warn("cycle still in flight, skipping tick")
		e.metrics.RecordError("cycle_overlap")
		return
	}
	defer e.cycleInFlight.Store(false)

	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	traders := e.activeTradersLocked()
	e.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Machine.CyclePeriod)
	defer cancel()

	var signals int
	if len(traders) > 0 {
		snapshot := e.feed.Snapshot()
		results, err := e.pool.Dispatch(ctx, traders, snapshot)
		if err != nil {
			e.errorCount.Add(1)
			e.metrics.RecordError("dispatch")
			e.log.Warn("cycle dispatch failed", logger.Error(err))
		}
		signals = e.collectResults(results, snapshot)
	}

	elapsed := time.Since(start)
	e.cyclesRun.Add(1)
	e.metrics.RecordCycle(elapsed.Seconds())

	sample := e.sampleMetrics(elapsed)
	e.reg.AddSample(sample)
	e.sink.BroadcastMetricsUpdate(sample)
	if decision := e.scaler.Observe(sample); decision != nil {
		payload := map[string]interface{}{
			"target_workers": decision.TargetWorkers,
			"reason":         decision.Reason,
			"cpu_percent":    decision.Sample.CPUPercent,
			"memory_percent": decision.Sample.MemoryPercent,
			"queue_depth":    decision.Sample.AnalysisQueueDepth,
			"busy_workers":   decision.Sample.BusyWorkers,
		}
		if decision.Applied {
			e.buffer.AddEvent("pool_scaled", payload)
		} else {
			payload["error"] = decision.Error
			e.metrics.RecordError("pool_scale")
			e.buffer.AddEvent("pool_scale_failed", payload)
		}
	}

	e.log.Debug("cycle complete",
		logger.Uint64("cycle", e.cyclesRun.Load()),
		logger.Int("traders", len(traders)),
		logger.Int("signals", signals),
		logger.Duration("elapsed", elapsed))
}

// collectResults turns new matches into signals and fans them out: durable
// write via the sync buffer, enrichment via the analysis queue, broadcast
// via the sink.
func (e *Engine) collectResults(results []models.TraderResult, snapshot *models.MarketSnapshot) int {
	var count int
	for _, res := range results {
		if res.Err != nil {
			e.errorCount.Add(1)
			e.metrics.RecordError("trader")
			continue
		}
		if res.Faults > 0 {
			e.errorCount.Add(uint64(res.Faults))
		}
		for _, match := range res.NewMatches {
			signal := &models.Signal{
				ID:         uuid.NewString(),
				TraderID:   res.TraderID,
				OwnerID:    e.cfg.Machine.TenantID,
				Symbol:     match.Symbol,
				Price:      match.Price,
				Conditions: match.Conditions,
				CreatedAt:  snapshot.TakenAt,
			}
			e.buffer.AddSignal(signal)
			e.queue.Enqueue(signal)
			e.sink.BroadcastSignalCreated(signal)
			e.metrics.RecordSignal(signal.TraderID)
			e.signalsEmitted.Add(1)
			count++
		}
	}
	return count
}

// sampleMetrics builds the per-cycle load observation. CPU is approximated
// by cycle duration relative to the period; memory is heap in use over
// heap reserved.
func (e *Engine) sampleMetrics(elapsed time.Duration) models.MetricSample {
	stats := e.pool.Stats()

	cpu := 100 * float64(elapsed) / float64(e.cfg.Machine.CyclePeriod)
	if cpu > 100 {
		cpu = 100
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memPercent := 0.0
	if mem.HeapSys > 0 {
		memPercent = 100 * float64(mem.HeapAlloc) / float64(mem.HeapSys)
	}

	sample := models.MetricSample{
		AnalysisQueueDepth: e.queue.Depth(),
		SyncBufferDepth:    e.buffer.Depth(),
		CPUPercent:         cpu,
		MemoryPercent:      memPercent,
		BusyWorkers:        stats.BusyWorkers,
		TotalWorkers:       stats.TotalWorkers,
		CycleDuration:      elapsed,
		TakenAt:            time.Now(),
	}
	e.metrics.SetQueueDepth("analysis", sample.AnalysisQueueDepth)
	e.metrics.SetQueueDepth("sync_buffer", sample.SyncBufferDepth)
	e.metrics.SetWorkers(stats.TotalWorkers, stats.BusyWorkers)
	return sample
}

// ReloadTraders refreshes the trader set and tenant tier from the store.
// On failure the previous set stays in effect. A successful reload that
// changes the required interval set reseeds history and resubscribes the
// feed.
func (e *Engine) ReloadTraders(ctx context.Context) error {
	e.mu.Lock()
	before := append([]string(nil), e.intervals...)
	e.mu.Unlock()

	if err := e.reloadTraders(ctx); err != nil {
		e.errorCount.Add(1)
		e.metrics.RecordError("reload")
		return err
	}

	e.mu.Lock()
	after := append([]string(nil), e.intervals...)
	e.mu.Unlock()

	if !sameStringSet(before, after) {
		symbols := e.cfg.Feed.Symbols
		if err := e.feed.FetchHistoricalKlines(ctx, symbols, after); err != nil {
			e.log.Warn("backfill after reload failed", logger.Error(err))
		}
		if err := e.feed.Connect(ctx, symbols, after); err != nil {
			e.reg.SetUnhealthy("market_feed", err)
			return err
		}
		e.log.Info("feed resubscribed", logger.Strings("intervals", after))
	}

	e.buffer.AddEvent("traders_reloaded", map[string]interface{}{
		"active": len(e.activeTraders()),
	})
	return nil
}

// reloadTraders fetches the tier and trader set and applies tier-based
// retention: a trader survives if the tenant owns it or the tenant's tier
// covers the trader's required tier.
func (e *Engine) reloadTraders(ctx context.Context) error {
	tenantID := e.cfg.Machine.TenantID

	tier, err := e.store.GetUserTier(ctx, tenantID)
	if err != nil {
		return err
	}
	loaded, err := e.store.LoadTraders(ctx, tenantID)
	if err != nil {
		return err
	}

	retained := make([]models.Trader, 0, len(loaded))
	for _, t := range loaded {
		if t.OwnerID == tenantID || tier.Covers(t.RequiredTier) {
			retained = append(retained, t)
		}
	}

	e.mu.Lock()
	e.tier = tier
	e.traders = retained
	e.intervals = e.requiredIntervalsLocked()
	active := len(e.activeTradersLocked())
	e.mu.Unlock()

	e.log.Info("traders reloaded",
		logger.String("tier", string(tier)),
		logger.Int("loaded", len(loaded)),
		logger.Int("retained", len(retained)),
		logger.Int("active", active))
	return nil
}

// requiredIntervalsLocked is the union of every enabled trader's refresh
// interval and extra timeframes, plus the baseline interval which is always
// streamed so at least one kline source exists even with no traders.
func (e *Engine) requiredIntervalsLocked() []string {
	seen := map[string]struct{}{e.cfg.Machine.BaselineInterval: {}}
	out := []string{e.cfg.Machine.BaselineInterval}
	for i := range e.traders {
		if !e.traders[i].Enabled {
			continue
		}
		for _, iv := range e.traders[i].Timeframes() {
			if _, ok := seen[iv]; ok {
				continue
			}
			seen[iv] = struct{}{}
			out = append(out, iv)
		}
	}
	return out
}

func (e *Engine) activeTradersLocked() []models.Trader {
	out := make([]models.Trader, 0, len(e.traders))
	for _, t := range e.traders {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

func (e *Engine) activeTraders() []models.Trader {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeTradersLocked()
}

// RequiredIntervals exposes the current interval set.
func (e *Engine) RequiredIntervals() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.intervals...)
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// Status assembles the control-surface view of the machine.
func (e *Engine) Status() models.MachineStatus {
	e.mu.Lock()
	state := e.state
	startedAt := e.startedAt
	active := len(e.activeTradersLocked())
	e.mu.Unlock()

	uptime := 0.0
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt).Seconds()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	components := make(map[string]interface{})
	for name, ch := range e.reg.Snapshot() {
		components[name] = ch
	}

	return models.MachineStatus{
		State:              string(state),
		Paused:             state == StatePaused,
		UptimeSeconds:      uptime,
		CyclesRun:          e.cyclesRun.Load(),
		SignalsEmitted:     e.signalsEmitted.Load(),
		AnalysesCompleted:  e.analysesCompleted.Load(),
		ErrorCount:         e.errorCount.Load(),
		ActiveTraders:      active,
		Pool:               e.pool.Stats(),
		AnalysisQueueDepth: e.queue.Depth(),
		SyncBufferDepth:    e.buffer.Depth(),
		FeedConnected:      e.feed.IsConnected(),
		MemoryUsageMB:      mem.HeapAlloc / (1 << 20),
		Components:         components,
	}
}
