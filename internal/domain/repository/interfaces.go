package repository

import (
	"context"
	"time"

	"ScreenPulse/internal/domain/models"
)

// Store is the durable persistence boundary: trader definitions, tenant
// tiers, and batched signal/event writes.
type Store interface {
	LoadTraders(ctx context.Context, tenantID string) ([]models.Trader, error)
	GetUserTier(ctx context.Context, tenantID string) (models.Tier, error)
	InsertSignals(ctx context.Context, signals []*models.Signal) error
	InsertEvents(ctx context.Context, events []*models.Event) error
	UpdateMachineStatus(ctx context.Context, machineID, status string) error
	Health(ctx context.Context) error
	Close() error
}

// MarketFeed supplies market state. Connect registers symbols and intervals,
// FetchHistoricalKlines backfills candle history, and Snapshot materializes
// a copy of the current state for one screening cycle.
type MarketFeed interface {
	Connect(ctx context.Context, symbols, intervals []string) error
	FetchHistoricalKlines(ctx context.Context, symbols, intervals []string) error
	Snapshot() *models.MarketSnapshot
	IsConnected() bool
	LastUpdate() time.Time
	Close() error
}

// Analyzer is the downstream decision engine invoked once per signal.
type Analyzer interface {
	AnalyzeSignal(ctx context.Context, signalID, traderID, symbol string) (*models.AnalysisResult, error)
}

// CommandType enumerates inbound control commands.
type CommandType string

const (
	CommandPause        CommandType = "pause_execution"
	CommandResume       CommandType = "resume_execution"
	CommandConfigUpdate CommandType = "config_update"
	CommandForceSync    CommandType = "force_sync"
)

// Command is an inbound control message from the notification transport.
type Command struct {
	Type    CommandType            `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// NotificationSink is the outbound observability transport. Broadcasts are
// best-effort: a sink failure never fails the cycle that triggered it.
type NotificationSink interface {
	BroadcastStatusUpdate(status string, capacity int, uptime time.Duration)
	BroadcastMetricsUpdate(sample models.MetricSample)
	BroadcastSignalCreated(signal *models.Signal)
	BroadcastAnalysisCompleted(result *models.AnalysisResult)
	// Commands yields inbound control commands; may return nil for
	// transports with no inbound path.
	Commands() <-chan Command
	Close() error
}

// Metrics records operational measurements.
type Metrics interface {
	RecordCycle(seconds float64)
	RecordSignal(traderID string)
	RecordError(kind string)
	RecordFlush(records int, seconds float64)
	SetQueueDepth(queue string, depth int)
	SetWorkers(total, busy int)
}
