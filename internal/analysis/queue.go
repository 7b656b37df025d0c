package analysis

import (
	"context"
	"sync"

	"ScreenPulse/internal/domain/models"
	"ScreenPulse/internal/domain/repository"
	"ScreenPulse/pkg/logger"
)

// Completion is invoked for every finished analysis, success or failure.
// result is nil on failure. Callbacks run on the queue's worker goroutines.
type Completion func(signal *models.Signal, result *models.AnalysisResult, err error)

// Queue runs signal enrichment with bounded concurrency. Up to
// maxConcurrent analyses run at once; further signals wait in FIFO order.
// A failed analysis is logged and counted, never retried: the signal itself
// is already durable by the time it reaches the queue.
type Queue struct {
	analyzer      repository.Analyzer
	maxConcurrent int
	onDone        Completion
	log           *logger.Logger
	metrics       repository.Metrics

	mu       sync.Mutex
	pending  []*models.Signal
	inflight int
	closed   bool
	idle     *sync.Cond

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewQueue(analyzer repository.Analyzer, maxConcurrent int, onDone Completion, metrics repository.Metrics, log *logger.Logger) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		analyzer:      analyzer,
		maxConcurrent: maxConcurrent,
		onDone:        onDone,
		log:           log.With("analysis_queue"),
		metrics:       metrics,
		baseCtx:       ctx,
		cancel:        cancel,
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Enqueue submits a signal for analysis. It never blocks: the signal either
// starts immediately or joins the pending queue. Signals enqueued after
// Close are dropped.
func (q *Queue) Enqueue(signal *models.Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.inflight < q.maxConcurrent {
		q.inflight++
		go q.analyze(signal)
	} else {
		q.pending = append(q.pending, signal)
	}
	q.metrics.SetQueueDepth("analysis", q.depthLocked())
}

// Depth reports pending plus in-flight analyses.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() int {
	return len(q.pending) + q.inflight
}

func (q *Queue) analyze(signal *models.Signal) {
	result, err := q.analyzer.AnalyzeSignal(q.baseCtx, signal.ID, signal.TraderID, signal.Symbol)
	if err != nil {
		q.metrics.RecordError("analysis")
		q.log.Warn("analysis failed",
			logger.String("signal_id", signal.ID),
			logger.String("trader_id", signal.TraderID),
			logger.String("symbol", signal.Symbol),
			logger.Error(err))
	}
	if q.onDone != nil {
		q.onDone(signal, result, err)
	}
	q.next()
}

// next releases one concurrency slot and starts the oldest pending signal,
// if any.
func (q *Queue) next() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) > 0 && !q.closed {
		signal := q.pending[0]
		q.pending = q.pending[1:]
		go q.analyze(signal)
	} else {
		q.inflight--
		if q.inflight == 0 {
			q.idle.Broadcast()
		}
	}
	q.metrics.SetQueueDepth("analysis", q.depthLocked())
}

// Close stops accepting work, drops pending signals, cancels in-flight
// analyses and waits for them to return.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.cancel()

	q.mu.Lock()
	for q.inflight > 0 {
		q.idle.Wait()
	}
	q.mu.Unlock()

	if dropped > 0 {
		q.log.Warn("dropped pending analyses on close", logger.Int("count", dropped))
	}
	q.metrics.SetQueueDepth("analysis", 0)
	return nil
}
