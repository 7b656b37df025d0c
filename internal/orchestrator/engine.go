package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ScreenPulse/internal/analysis"
	"ScreenPulse/internal/autoscale"
	"ScreenPulse/internal/domain/models"
	domrepo "ScreenPulse/internal/domain/repository"
	"ScreenPulse/internal/health"
	"ScreenPulse/internal/screening"
	"ScreenPulse/internal/syncbuf"
	"ScreenPulse/pkg/config"
	"ScreenPulse/pkg/logger"
)

// State is the engine lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
)

var ErrNotRunning = errors.New("engine is not running")

// Engine owns the machine lifecycle: it loads the tenant's traders, keeps
// the market feed subscribed to the intervals they need, runs screening
// cycles on a fixed period and routes every new signal to the sync buffer,
// the analysis queue and the notification sink.
type Engine struct {
	cfg     *config.Config
	store   domrepo.Store
	feed    domrepo.MarketFeed
	pool    *screening.Pool
	queue   *analysis.Queue
	scaler  *autoscale.Autoscaler
	buffer  *syncbuf.Buffer
	sink    domrepo.NotificationSink
	reg     *health.Registry
	metrics domrepo.Metrics
	log     *logger.Logger

	mu        sync.Mutex
	state     State
	traders   []models.Trader
	tier      models.Tier
	intervals []string
	startedAt time.Time

	cycleInFlight atomic.Bool

	cyclesRun         atomic.Uint64
	signalsEmitted    atomic.Uint64
	analysesCompleted atomic.Uint64
	errorCount        atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(
	cfg *config.Config,
	store domrepo.Store,
	feed domrepo.MarketFeed,
	analyzer domrepo.Analyzer,
	pool *screening.Pool,
	scaler *autoscale.Autoscaler,
	buffer *syncbuf.Buffer,
	sink domrepo.NotificationSink,
	reg *health.Registry,
	metrics domrepo.Metrics,
	log *logger.Logger,
) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   store,
		feed:    feed,
		pool:    pool,
		scaler:  scaler,
		buffer:  buffer,
		sink:    sink,
		reg:     reg,
		metrics: metrics,
		log:     log.With("orchestrator"),
		state:   StateStopped,
	}
	e.queue = analysis.NewQueue(analyzer, cfg.Analyzer.MaxConcurrent, e.onAnalysisDone, metrics, log)
	return e
}

// Start brings the machine up: traders, history, feed, pool, loops. Any
// failure tears down what already started and returns the error; a machine
// that cannot complete startup must not run half-initialized.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateStopped {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("start from state %s", state)
	}
	e.state = StateStarting
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.log.Info("starting machine",
		logger.String("tenant_id", e.cfg.Machine.TenantID),
		logger.String("machine_id", e.cfg.Machine.MachineID),
		logger.String("version", e.cfg.Machine.Version))

	if err := e.reloadTraders(ctx); err != nil {
		e.abortStart()
		return fmt.Errorf("load traders: %w", err)
	}

	e.mu.Lock()
	intervals := append([]string(nil), e.intervals...)
	e.mu.Unlock()
	symbols := e.cfg.Feed.Symbols

	if err := e.feed.FetchHistoricalKlines(ctx, symbols, intervals); err != nil {
		e.abortStart()
		return fmt.Errorf("backfill klines: %w", err)
	}
	if err := e.feed.Connect(ctx, symbols, intervals); err != nil {
		e.abortStart()
		return fmt.Errorf("connect feed: %w", err)
	}
	e.reg.SetHealthy("market_feed")

	e.pool.Start()
	e.buffer.Start()

	e.mu.Lock()
	e.state = StateRunning
	e.startedAt = time.Now()
	e.mu.Unlock()

	if err := e.buffer.SetStatus(ctx, string(StateRunning)); err != nil {
		e.log.Warn("set status failed", logger.Error(err))
	}
	e.buffer.AddEvent("machine_started", map[string]interface{}{
		"machine_id": e.cfg.Machine.MachineID,
		"version":    e.cfg.Machine.Version,
		"traders":    len(e.activeTraders()),
	})

	e.wg.Add(3)
	go e.cycleLoop()
	go e.commandLoop()
	go e.heartbeatLoop()

	e.reg.SetHealthy("orchestrator")
	e.log.Info("machine running",
		logger.Int("traders", len(e.activeTraders())),
		logger.Strings("intervals", intervals))
	return nil
}

// abortStart rolls the engine back to stopped after a failed Start.
func (e *Engine) abortStart() {
	e.feed.Close()
	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
}

// Stop shuts the machine down in reverse order of Start. Shutdown is
// best-effort: every component gets its chance even when an earlier one
// fails, and the errors come back joined.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StatePaused {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("stop from state %s", state)
	}
	e.state = StateStopping
	e.mu.Unlock()

	e.log.Info("stopping machine")
	close(e.stopCh)
	e.wg.Wait()

	var errs []error
	if err := e.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("analysis queue: %w", err))
	}
	if err := e.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("screening pool: %w", err))
	}
	if err := e.feed.Close(); err != nil {
		errs = append(errs, fmt.Errorf("market feed: %w", err))
	}

	e.buffer.AddEvent("machine_stopped", map[string]interface{}{
		"machine_id": e.cfg.Machine.MachineID,
		"cycles_run": e.cyclesRun.Load(),
	})
	if err := e.buffer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sync buffer: %w", err))
	}
	if err := e.buffer.SetStatus(ctx, string(StateStopped)); err != nil {
		errs = append(errs, fmt.Errorf("set status: %w", err))
	}
	if err := e.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("notification sink: %w", err))
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()

	e.log.Info("machine stopped", logger.Uint64("cycles_run", e.cyclesRun.Load()))
	return errors.Join(errs...)
}

// Pause suspends screening cycles. The feed, buffer and analysis queue
// keep running so in-flight work drains and data stays warm. Idempotent.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StatePaused:
		e.mu.Unlock()
		return nil
	case StateRunning:
		e.state = StatePaused
		e.mu.Unlock()
	default:
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("pause from state %s: %w", state, ErrNotRunning)
	}

	e.log.Info("execution paused")
	e.buffer.AddEvent("execution_paused", nil)
	if err := e.buffer.SetStatus(ctx, string(StatePaused)); err != nil {
		e.log.Warn("set status failed", logger.Error(err))
	}
	e.broadcastStatus()
	return nil
}

// Resume lifts a pause. The next cycle runs at the next tick; a sustained
// match from before the pause does not re-fire because match state
// survives pausing.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateRunning:
		e.mu.Unlock()
		return nil
	case StatePaused:
		e.state = StateRunning
		e.mu.Unlock()
	default:
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("resume from state %s: %w", state, ErrNotRunning)
	}

	e.log.Info("execution resumed")
	e.buffer.AddEvent("execution_resumed", nil)
	if err := e.buffer.SetStatus(ctx, string(StateRunning)); err != nil {
		e.log.Warn("set status failed", logger.Error(err))
	}
	e.broadcastStatus()
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) cycleLoop() {
	defer e.wg.Done()

	// First cycle runs immediately so a fresh machine produces results
	// without waiting a full period.
	e.runCycle()

	ticker := time.NewTicker(e.cfg.Machine.CyclePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runCycle()
		}
	}
}

func (e *Engine) commandLoop() {
	defer e.wg.Done()
	commands := e.sink.Commands()
	if commands == nil {
		<-e.stopCh
		return
	}
	for {
		select {
		case <-e.stopCh:
			return
		case cmd, ok := <-commands:
			if !ok {
				<-e.stopCh
				return
			}
			e.handleCommand(cmd)
		}
	}
}

func (e *Engine) handleCommand(cmd domrepo.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.log.Info("command received", logger.String("type", string(cmd.Type)))
	var err error
	switch cmd.Type {
	case domrepo.CommandPause:
		err = e.Pause(ctx)
	case domrepo.CommandResume:
		err = e.Resume(ctx)
	case domrepo.CommandForceSync:
		_, err = e.buffer.Flush(ctx)
		if errors.Is(err, syncbuf.ErrFlushInProgress) {
			err = nil
		}
	case domrepo.CommandConfigUpdate:
		err = e.ReloadTraders(ctx)
	default:
		e.log.Warn("unknown command", logger.String("type", string(cmd.Type)))
		return
	}
	if err != nil {
		e.errorCount.Add(1)
		e.metrics.RecordError("command")
		e.log.Warn("command failed",
			logger.String("type", string(cmd.Type)),
			logger.Error(err))
	}
}

func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Machine.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.heartbeat()
		}
	}
}

func (e *Engine) heartbeat() {
	status := e.Status()
	e.buffer.AddEvent("heartbeat", map[string]interface{}{
		"machine_id":     e.cfg.Machine.MachineID,
		"state":          status.State,
		"cycles_run":     status.CyclesRun,
		"active_traders": status.ActiveTraders,
		"feed_connected": status.FeedConnected,
		"memory_mb":      status.MemoryUsageMB,
	})
	e.broadcastStatus()

	if !e.feed.IsConnected() {
		e.reg.SetUnhealthy("market_feed", errors.New("feed disconnected"))
	} else {
		e.reg.SetHealthy("market_feed")
	}
}

func (e *Engine) broadcastStatus() {
	e.mu.Lock()
	state := e.state
	startedAt := e.startedAt
	e.mu.Unlock()

	uptime := time.Duration(0)
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}
	e.sink.BroadcastStatusUpdate(string(state), e.pool.Stats().TotalWorkers, uptime)
}

func (e *Engine) onAnalysisDone(signal *models.Signal, result *models.AnalysisResult, err error) {
	if err != nil {
		e.errorCount.Add(1)
		return
	}
	e.analysesCompleted.Add(1)
	e.sink.BroadcastAnalysisCompleted(result)
	e.buffer.AddEvent("analysis_completed", map[string]interface{}{
		"signal_id":  signal.ID,
		"trader_id":  signal.TraderID,
		"symbol":     signal.Symbol,
		"decision":   result.Decision,
		"confidence": result.Confidence,
	})
}

// ForceSync flushes the sync buffer immediately.
func (e *Engine) ForceSync(ctx context.Context) (int, error) {
	return e.buffer.Flush(ctx)
}
