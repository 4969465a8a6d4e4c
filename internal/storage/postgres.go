package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"admitguard/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/admitguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS spike_alerts (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			spike_key TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			principal TEXT NOT NULL,
			spike_count INTEGER NOT NULL,
			threshold INTEGER NOT NULL,
			window_sec INTEGER NOT NULL,
			event_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spike_alerts_ts ON spike_alerts(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_spike_alerts_key ON spike_alerts(spike_key)`,
	})
}

func (s *postgresStore) SaveAlert(ctx context.Context, alert model.SpikeAlert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spike_alerts (ts, spike_key, status_code, principal, spike_count, threshold, window_sec, event_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		alert.Timestamp.UTC(),
		alert.SpikeKey,
		alert.StatusCode,
		alert.Principal,
		alert.SpikeCount,
		alert.Threshold,
		alert.WindowSeconds,
		encodeEvent(alert.Event),
	)
	return err
}

func (s *postgresStore) ListAlerts(ctx context.Context, since time.Time, limit int) ([]model.SpikeAlert, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, spike_key, status_code, principal, spike_count, threshold, window_sec, event_json::text
		FROM spike_alerts WHERE ts >= $1 ORDER BY ts DESC, id DESC`+limitClause(limit),
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return scanAlerts(rows, func(v any) (time.Time, error) {
		ts, ok := v.(time.Time)
		if !ok {
			return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
		}
		return ts.UTC(), nil
	})
}
