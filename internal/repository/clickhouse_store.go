package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ScreenPulse/internal/domain/models"
	pkgch "ScreenPulse/pkg/clickhouse"
	"ScreenPulse/pkg/logger"
)

const insertChunkSize = 1000

// ClickHouseStore persists traders, tiers, signals and events. Signals and
// events arrive from the sync buffer in batches; inserts use multi-row
// VALUES to keep round-trips down.
type ClickHouseStore struct {
	ch        *pkgch.Client
	db        *sql.DB
	machineID string
	l         *logger.Logger
}

func NewClickHouseStore(ch *pkgch.Client, machineID string, l *logger.Logger) *ClickHouseStore {
	return &ClickHouseStore{ch: ch, db: ch.DB(), machineID: machineID, l: l.With("clickhouse_store")}
}

// Init applies the schema. Idempotent.
func (s *ClickHouseStore) Init(ctx context.Context) error {
	return s.ch.InitSchema(ctx, schemaStatements)
}

// LoadTraders returns every trader owned by or visible to the tenant.
// Tier-based filtering happens in the orchestrator, which knows the
// tenant's current tier.
func (s *ClickHouseStore) LoadTraders(ctx context.Context, tenantID string) ([]models.Trader, error) {
	start := time.Now()
	const q = `
        SELECT id, owner_id, name, filter_source, refresh_interval,
               extra_timeframes, enabled, required_tier, created_at, updated_at
        FROM traders FINAL
        WHERE owner_id = ? OR owner_id = ''
        ORDER BY id
    `
	rows, err := s.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		s.l.Error("load traders query error",
			logger.String("tenant_id", tenantID),
			logger.Error(err))
		return nil, fmt.Errorf("load traders: %w", err)
	}
	defer rows.Close()

	var out []models.Trader
	for rows.Next() {
		var t models.Trader
		var enabled uint8
		var tier string
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Name, &t.FilterSource, &t.RefreshInterval,
			&t.ExtraTimeframes, &enabled, &tier, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan trader: %w", err)
		}
		t.Enabled = enabled != 0
		t.RequiredTier = models.ParseTier(tier)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	s.l.Info("traders loaded",
		logger.String("tenant_id", tenantID),
		logger.Int("count", len(out)),
		logger.Duration("duration_ms", time.Since(start)))
	return out, nil
}

func (s *ClickHouseStore) GetUserTier(ctx context.Context, tenantID string) (models.Tier, error) {
	const q = `SELECT tier FROM user_tiers FINAL WHERE user_id = ? LIMIT 1`
	var tier string
	err := s.db.QueryRowContext(ctx, q, tenantID).Scan(&tier)
	switch {
	case err == sql.ErrNoRows:
		return models.TierAnonymous, nil
	case err != nil:
		return "", fmt.Errorf("get user tier: %w", err)
	}
	return models.ParseTier(tier), nil
}

func (s *ClickHouseStore) InsertSignals(ctx context.Context, signals []*models.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	for start := 0; start < len(signals); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(signals) {
			end = len(signals)
		}
		chunk := signals[start:end]

		values := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*7)
		for _, sig := range chunk {
			if sig == nil || sig.ID == "" {
				continue
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?)")
			args = append(args, sig.ID, sig.TraderID, sig.OwnerID, sig.Symbol,
				sig.Price, sig.Conditions, sig.CreatedAt)
		}
		if len(values) == 0 {
			continue
		}
		q := "INSERT INTO signals (id, trader_id, owner_id, symbol, price, conditions, created_at) VALUES " +
			strings.Join(values, ",")
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			s.l.Error("insert signals failed",
				logger.Int("batch", len(chunk)),
				logger.Error(err))
			return fmt.Errorf("insert signals: %w", err)
		}
	}
	return nil
}

func (s *ClickHouseStore) InsertEvents(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	for start := 0; start < len(events); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]

		values := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*4)
		for _, evt := range chunk {
			if evt == nil || evt.Type == "" {
				continue
			}
			payload := "{}"
			if evt.Payload != nil {
				if b, err := json.Marshal(evt.Payload); err == nil {
					payload = string(b)
				}
			}
			values = append(values, "(?, ?, ?, ?)")
			args = append(args, s.machineID, evt.Type, payload, evt.CreatedAt)
		}
		if len(values) == 0 {
			continue
		}
		q := "INSERT INTO machine_events (machine_id, event_type, payload, created_at) VALUES " +
			strings.Join(values, ",")
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			s.l.Error("insert events failed",
				logger.Int("batch", len(chunk)),
				logger.Error(err))
			return fmt.Errorf("insert events: %w", err)
		}
	}
	return nil
}

func (s *ClickHouseStore) UpdateMachineStatus(ctx context.Context, machineID, status string) error {
	const q = `INSERT INTO machine_status (machine_id, status, updated_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, machineID, status, time.Now()); err != nil {
		return fmt.Errorf("update machine status: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ClickHouseStore) Close() error {
	return s.ch.Close()
}
