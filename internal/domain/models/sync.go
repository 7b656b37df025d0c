package models

import "time"

// SyncRecordKind discriminates buffered writes.
type SyncRecordKind string

const (
	RecordSignal SyncRecordKind = "signal"
	RecordEvent  SyncRecordKind = "event"
)

// Event is a buffered lifecycle or operational event destined for the store.
type Event struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// SyncRecord is one buffered write. Records are removed from the buffer
// only after the store acknowledges them; a failed flush retains them with
// an incremented attempt count.
type SyncRecord struct {
	Seq        uint64
	Kind       SyncRecordKind
	Signal     *Signal
	Event      *Event
	EnqueuedAt time.Time
	Attempts   int
}

// MachineStatus is the control-surface view of the machine.
type MachineStatus struct {
	State              string                 `json:"state"`
	Paused             bool                   `json:"paused"`
	UptimeSeconds      float64                `json:"uptime_seconds"`
	CyclesRun          uint64                 `json:"cycles_run"`
	SignalsEmitted     uint64                 `json:"signals_emitted"`
	AnalysesCompleted  uint64                 `json:"analyses_completed"`
	ErrorCount         uint64                 `json:"error_count"`
	ActiveTraders      int                    `json:"active_traders"`
	Pool               PoolStats              `json:"pool"`
	AnalysisQueueDepth int                    `json:"analysis_queue_depth"`
	SyncBufferDepth    int                    `json:"sync_buffer_depth"`
	FeedConnected      bool                   `json:"feed_connected"`
	MemoryUsageMB      uint64                 `json:"memory_usage_mb"`
	Components         map[string]interface{} `json:"components,omitempty"`
}
