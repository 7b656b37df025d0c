package models

import "time"

// MetricSample is one cycle's load observation. Produced by the
// orchestrator, consumed by the autoscaler and health registry; never
// persisted.
type MetricSample struct {
	AnalysisQueueDepth int       `json:"analysis_queue_depth"`
	SyncBufferDepth    int       `json:"sync_buffer_depth"`
	CPUPercent         float64   `json:"cpu_percent"`
	MemoryPercent      float64   `json:"memory_percent"`
	BusyWorkers        int       `json:"busy_workers"`
	TotalWorkers       int       `json:"total_workers"`
	CycleDuration      time.Duration `json:"cycle_duration_ms"`
	TakenAt            time.Time `json:"taken_at"`
}

// BusyRatio is busy/total, zero when the pool is empty.
func (s MetricSample) BusyRatio() float64 {
	if s.TotalWorkers == 0 {
		return 0
	}
	return float64(s.BusyWorkers) / float64(s.TotalWorkers)
}

// ScalingDecision is the autoscaler output for one cycle: a resize it
// attempted and whether the pool took it.
type ScalingDecision struct {
	TargetWorkers int          `json:"target_workers"`
	Reason        string       `json:"reason"`
	Sample        MetricSample `json:"sample"`
	DecidedAt     time.Time    `json:"decided_at"`
	Applied       bool         `json:"applied"`
	Error         string       `json:"error,omitempty"`
}

// PoolStats is the screening pool's observable state.
type PoolStats struct {
	TotalWorkers int           `json:"total_workers"`
	BusyWorkers  int           `json:"busy_workers"`
	IdleWorkers  int           `json:"idle_workers"`
	LastDispatch time.Duration `json:"last_dispatch_ms"`
}
