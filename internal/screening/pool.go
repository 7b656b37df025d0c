package screening

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"ScreenPulse/internal/domain/models"
	"ScreenPulse/internal/domain/repository"
	"ScreenPulse/pkg/config"
	"ScreenPulse/pkg/logger"
)

var ErrPoolClosed = errors.New("screening pool is closed")

// Pool fans screening work out across a resizable set of workers. Traders
// are partitioned contiguously per dispatch, so a worker keeps the same
// traders between cycles as long as the pool size is stable. A resize
// repartitions; reassigned traders lose their match state and may re-report
// a still-standing match once.
type Pool struct {
	mu      sync.Mutex
	workers []*worker
	nextID  int
	closed  bool

	initial     int
	maxWorkers  int
	evalTimeout time.Duration
	compile     CompileFunc

	busy         atomic.Int32
	lastDispatch atomic.Int64

	log     *logger.Logger
	metrics repository.Metrics
}

// NewPool builds a stopped pool. Start spawns the initial workers.
func NewPool(cfg config.PoolConfig, compile CompileFunc, metrics repository.Metrics, log *logger.Logger) *Pool {
	if compile == nil {
		compile = DefaultCompiler(cfg.EvalTimeout)
	}
	return &Pool{
		initial:     cfg.InitialWorkers,
		maxWorkers:  cfg.MaxWorkers,
		evalTimeout: cfg.EvalTimeout,
		compile:     compile,
		log:         log.With("screening_pool"),
		metrics:     metrics,
	}
}

// Start spawns the initial worker set. Starting an already started pool is
// a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.workers) > 0 {
		return
	}
	for i := 0; i < p.initial; i++ {
		p.spawnLocked()
	}
	p.metrics.SetWorkers(len(p.workers), int(p.busy.Load()))
	p.log.Info("pool started", logger.Int("workers", len(p.workers)))
}

// Dispatch partitions traders across the current workers, hands every
// worker its chunk, then collects all results. Worker membership is pinned
// while chunks are handed out, so a concurrent resize takes effect either
// entirely before or entirely after this cycle's assignment.
func (p *Pool) Dispatch(ctx context.Context, traders []models.Trader, snap *models.MarketSnapshot) ([]models.TraderResult, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed || len(p.workers) == 0 {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	chunks := chunkTraders(traders, len(p.workers))
	results := make(chan []models.TraderResult, len(chunks))
	for i, chunk := range chunks {
		// A worker still grinding the previous cycle has a full jobs
		// buffer; the send would block holding mu, so the context bounds
		// the wait.
		select {
		case p.workers[i].jobs <- job{traders: chunk, snapshot: snap, results: results}:
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	p.mu.Unlock()

	out := make([]models.TraderResult, 0, len(traders))
	for pending := len(chunks); pending > 0; pending-- {
		select {
		case r := <-results:
			out = append(out, r...)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}

	p.lastDispatch.Store(int64(time.Since(start)))
	return out, nil
}

// Resize grows or shrinks the pool toward target, clamped to
// [1, maxWorkers]. Shrinking retires the highest-numbered workers; a
// retiring worker finishes its in-flight job before exiting. Returns the
// size actually in effect.
func (p *Pool) Resize(target int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return len(p.workers), ErrPoolClosed
	}
	if target < 1 {
		target = 1
	}
	if target > p.maxWorkers {
		target = p.maxWorkers
	}

	current := len(p.workers)
	switch {
	case target > current:
		for i := current; i < target; i++ {
			p.spawnLocked()
		}
	case target < current:
		for _, w := range p.workers[target:] {
			close(w.quit)
		}
		p.workers = p.workers[:target]
	default:
		return current, nil
	}

	p.metrics.SetWorkers(len(p.workers), int(p.busy.Load()))
	p.log.Info("pool resized",
		logger.Int("from", current),
		logger.Int("to", len(p.workers)))
	return len(p.workers), nil
}

// Stats reports the current pool shape for autoscaling and status views.
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	total := len(p.workers)
	p.mu.Unlock()

	busy := int(p.busy.Load())
	if busy > total {
		// Retiring workers may still be finishing a job.
		busy = total
	}
	return models.PoolStats{
		TotalWorkers: total,
		BusyWorkers:  busy,
		IdleWorkers:  total - busy,
		LastDispatch: time.Duration(p.lastDispatch.Load()),
	}
}

// Shutdown retires every worker and waits for them to drain. The pool
// cannot be restarted afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	retired := p.workers
	p.workers = nil
	for _, w := range retired {
		close(w.quit)
	}
	p.mu.Unlock()

	for _, w := range retired {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.metrics.SetWorkers(0, 0)
	p.log.Info("pool stopped")
	return nil
}

func (p *Pool) spawnLocked() {
	w := newWorker(p.nextID, p.compile, p.evalTimeout, &p.busy, p.log)
	p.nextID++
	p.workers = append(p.workers, w)
	go w.run()
}

// chunkTraders splits traders into up to n contiguous chunks, front-loading
// the remainder so chunk sizes differ by at most one. Fewer traders than
// workers yields fewer chunks; idle workers simply get no job that cycle.
func chunkTraders(traders []models.Trader, n int) [][]models.Trader {
	if len(traders) == 0 || n <= 0 {
		return nil
	}
	if n > len(traders) {
		n = len(traders)
	}
	chunks := make([][]models.Trader, 0, n)
	size := len(traders) / n
	rem := len(traders) % n
	idx := 0
	for i := 0; i < n; i++ {
		end := idx + size
		if i < rem {
			end++
		}
		chunks = append(chunks, traders[idx:end])
		idx = end
	}
	return chunks
}
