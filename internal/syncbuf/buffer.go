package syncbuf

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

// ErrFlushInProgress is returned when a flush is requested while another
// one is still running. At most one flush touches the store at a time.
var ErrFlushInProgress = errors.New("sync flush already in progress")

// Buffer accumulates signals and events in memory and pushes them to the
// store in batches. Delivery is at-least-once: a record leaves the buffer
// only after the store acknowledged its batch, so a flush failure can make
// the same record reach the store twice on retry. Readers must deduplicate
// by id where that matters.
type Buffer struct {
	store     repository.Store
	machineID string
	cfg       config.SyncConfig
	log       *logger.Logger
	metrics   repository.Metrics

	mu      sync.Mutex
	records []*models.SyncRecord
	seq     uint64

	flushing atomic.Bool
	started  atomic.Bool

	totalFlushed atomic.Uint64
	lastFlush    atomic.Int64 // unix nanos, 0 until the first success

	stop chan struct{}
	done chan struct{}
}

func NewBuffer(store repository.Store, machineID string, cfg config.SyncConfig, metrics repository.Metrics, log *logger.Logger) *Buffer {
	return &Buffer{
		store:     store,
		machineID: machineID,
		cfg:       cfg,
		log:       log.With("sync_buffer"),
		metrics:   metrics,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// AddSignal buffers a signal for the next flush.
func (b *Buffer) AddSignal(signal *models.Signal) {
	b.add(&models.SyncRecord{Kind: models.RecordSignal, Signal: signal})
}

// AddEvent buffers an operational event for the next flush.
func (b *Buffer) AddEvent(eventType string, payload map[string]interface{}) {
	b.add(&models.SyncRecord{Kind: models.RecordEvent, Event: &models.Event{
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}})
}

func (b *Buffer) add(rec *models.SyncRecord) {
	b.mu.Lock()
	b.seq++
	rec.Seq = b.seq
	rec.EnqueuedAt = time.Now()
	b.records = append(b.records, rec)
	depth := len(b.records)
	b.mu.Unlock()
	b.metrics.SetQueueDepth("sync_buffer", depth)
}

// Depth reports the number of unflushed records.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Flush pushes buffered records to the store in batches, signals first.
// It returns the number of records acknowledged. Records from batches the
// store rejected stay buffered with a bumped attempt count; an event batch
// is only attempted once every signal batch succeeded. Concurrent callers
// get ErrFlushInProgress.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	if !b.flushing.CompareAndSwap(false, true) {
		return 0, ErrFlushInProgress
	}
	defer b.flushing.Store(false)

	b.mu.Lock()
	snapshot := make([]*models.SyncRecord, len(b.records))
	copy(snapshot, b.records)
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return 0, nil
	}

	start := time.Now()
	acked := make(map[uint64]struct{}, len(snapshot))

	var signalRecs, eventRecs []*models.SyncRecord
	for _, rec := range snapshot {
		if rec.Kind == models.RecordSignal {
			signalRecs = append(signalRecs, rec)
		} else {
			eventRecs = append(eventRecs, rec)
		}
	}

	flushErr := b.flushSignals(ctx, signalRecs, acked)
	if flushErr == nil {
		flushErr = b.flushEvents(ctx, eventRecs, acked)
	}

	depth := b.commit(snapshot, acked, flushErr != nil)

	if len(acked) > 0 {
		b.totalFlushed.Add(uint64(len(acked)))
		b.lastFlush.Store(time.Now().UnixNano())
		b.metrics.RecordFlush(len(acked), time.Since(start).Seconds())
	}
	b.metrics.SetQueueDepth("sync_buffer", depth)

	if flushErr != nil {
		b.metrics.RecordError("sync_flush")
		b.log.Warn("flush failed, records retained",
			logger.Int("acked", len(acked)),
			logger.Int("retained", depth),
			logger.Error(flushErr))
		return len(acked), flushErr
	}
	b.log.Debug("flush complete",
		logger.Int("records", len(acked)),
		logger.Duration("elapsed", time.Since(start)))
	return len(acked), nil
}

func (b *Buffer) flushSignals(ctx context.Context, recs []*models.SyncRecord, acked map[uint64]struct{}) error {
	for _, batch := range batchRecords(recs, b.cfg.BatchSize) {
		signals := make([]*models.Signal, len(batch))
		for i, rec := range batch {
			signals[i] = rec.Signal
		}
		if err := b.store.InsertSignals(ctx, signals); err != nil {
			return err
		}
		for _, rec := range batch {
			acked[rec.Seq] = struct{}{}
		}
	}
	return nil
}

func (b *Buffer) flushEvents(ctx context.Context, recs []*models.SyncRecord, acked map[uint64]struct{}) error {
	for _, batch := range batchRecords(recs, b.cfg.BatchSize) {
		events := make([]*models.Event, len(batch))
		for i, rec := range batch {
			events[i] = rec.Event
		}
		if err := b.store.InsertEvents(ctx, events); err != nil {
			return err
		}
		for _, rec := range batch {
			acked[rec.Seq] = struct{}{}
		}
	}
	return nil
}

// commit removes acked records from the live buffer and, after a failed
// flush, bumps the attempt count of the snapshot records that survived.
// Records enqueued during the flush are untouched.
func (b *Buffer) commit(snapshot []*models.SyncRecord, acked map[uint64]struct{}, failed bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(acked) > 0 {
		kept := b.records[:0]
		for _, rec := range b.records {
			if _, ok := acked[rec.Seq]; !ok {
				kept = append(kept, rec)
			}
		}
		for i := len(kept); i < len(b.records); i++ {
			b.records[i] = nil
		}
		b.records = kept
	}
	if failed {
		for _, rec := range snapshot {
			if _, ok := acked[rec.Seq]; !ok {
				rec.Attempts++
			}
		}
	}
	return len(b.records)
}

func batchRecords(recs []*models.SyncRecord, size int) [][]*models.SyncRecord {
	if size < 1 {
		size = 1
	}
	var out [][]*models.SyncRecord
	for len(recs) > size {
		out = append(out, recs[:size])
		recs = recs[size:]
	}
	if len(recs) > 0 {
		out = append(out, recs)
	}
	return out
}

// SetStatus writes the machine status row immediately, outside the buffer.
// Status is last-writer-wins and must not wait for the next flush window.
func (b *Buffer) SetStatus(ctx context.Context, status string) error {
	return b.store.UpdateMachineStatus(ctx, b.machineID, status)
}

// TotalFlushed reports the number of records acknowledged since start.
func (b *Buffer) TotalFlushed() uint64 {
	return b.totalFlushed.Load()
}

// LastFlush reports the finish time of the last successful flush, zero
// before the first one.
func (b *Buffer) LastFlush() time.Time {
	n := b.lastFlush.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start launches the periodic flush loop. Idempotent.
func (b *Buffer) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go b.run()
}

func (b *Buffer) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushInterval)
			if _, err := b.Flush(ctx); err != nil && !errors.Is(err, ErrFlushInProgress) {
				b.log.Warn("periodic flush failed", logger.Error(err))
			}
			cancel()
		case <-b.stop:
			return
		}
	}
}

// Stop halts the flush loop and attempts one final flush so a clean
// shutdown leaves nothing behind.
func (b *Buffer) Stop(ctx context.Context) error {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	if b.started.Load() {
		select {
		case <-b.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_, err := b.Flush(ctx)
	if errors.Is(err, ErrFlushInProgress) {
		return nil
	}
	return err
}
