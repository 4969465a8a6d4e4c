package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"admitguard/internal/model"
)

// Fixed-width UTC layout so timestamps compare correctly as TEXT.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:admitguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; also keeps ":memory:" databases on a single
	// connection.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS spike_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			spike_key TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			principal TEXT NOT NULL,
			spike_count INTEGER NOT NULL,
			threshold INTEGER NOT NULL,
			window_sec INTEGER NOT NULL,
			event_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spike_alerts_ts ON spike_alerts(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_spike_alerts_key ON spike_alerts(spike_key)`,
	})
}

func (s *sqliteStore) SaveAlert(ctx context.Context, alert model.SpikeAlert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spike_alerts (ts, spike_key, status_code, principal, spike_count, threshold, window_sec, event_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.Timestamp.UTC().Format(sqliteTimeLayout),
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

func (s *sqliteStore) ListAlerts(ctx context.Context, since time.Time, limit int) ([]model.SpikeAlert, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, spike_key, status_code, principal, spike_count, threshold, window_sec, event_json
		FROM spike_alerts WHERE ts >= ? ORDER BY ts DESC, id DESC`+limitClause(limit),
		since.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return scanAlerts(rows, func(v any) (time.Time, error) {
		switch ts := v.(type) {
		case string:
			return time.Parse(sqliteTimeLayout, ts)
		case []byte:
			return time.Parse(sqliteTimeLayout, string(ts))
		case time.Time:
			return ts.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	})
}
