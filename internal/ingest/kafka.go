package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"admitguard/internal/config"
	"admitguard/internal/normalize"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// StartKafka consumes JSON audit events from the configured topic. Offsets are
// committed by the consumer group as messages are read; redeliveries after a
// rebalance are caught by the intake's dedupe cache.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, intake *Intake, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go consume(ctx, reader, intake, logger)
}

func consume(ctx context.Context, reader messageReader, intake *Intake, logger *slog.Logger) {
	defer reader.Close()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, 0) {
				return
			}
			continue
		}
		handleMessage(ctx, m.Value, intake, logger)
	}
}

func handleMessage(ctx context.Context, value []byte, intake *Intake, logger *slog.Logger) bool {
	fields, err := ParseJSONBytes(value)
	if err != nil {
		if logger != nil {
			logger.Warn("kafka decode error", "err", err)
		}
		return false
	}
	ev, err := normalize.Normalize(*fields)
	if err != nil {
		if logger != nil {
			logger.Warn("kafka normalize error", "err", err)
		}
		return false
	}
	return intake.Submit(ctx, ev, "kafka")
}
