// Package storage persists spike alerts for later review. Counter state is
// never stored; only the alerts the detector emits.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"admitguard/internal/config"
	"admitguard/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.SpikeAlert) error
	// ListAlerts returns alerts at or after since, newest first. A limit of
	// zero or less means no limit.
	ListAlerts(ctx context.Context, since time.Time, limit int) ([]model.SpikeAlert, error)
}

// NewStore returns nil, nil when storage is disabled.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func encodeEvent(ev model.AuditEvent) string {
	data, _ := json.Marshal(ev)
	return string(data)
}

// scanAlerts reads rows of (ts, spike_key, status_code, principal,
// spike_count, threshold, window_sec, event_json). parseTS converts the
// driver's timestamp representation.
func scanAlerts(rows *sql.Rows, parseTS func(any) (time.Time, error)) ([]model.SpikeAlert, error) {
	defer rows.Close()
	var out []model.SpikeAlert
	for rows.Next() {
		var (
			raw       any
			a         model.SpikeAlert
			eventJSON string
		)
		if err := rows.Scan(&raw, &a.SpikeKey, &a.StatusCode, &a.Principal, &a.SpikeCount, &a.Threshold, &a.WindowSeconds, &eventJSON); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		ts, err := parseTS(raw)
		if err != nil {
			return nil, fmt.Errorf("scan alert timestamp: %w", err)
		}
		a.Timestamp = ts
		if eventJSON != "" {
			if err := json.Unmarshal([]byte(eventJSON), &a.Event); err != nil {
				return nil, fmt.Errorf("decode alert event: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}
