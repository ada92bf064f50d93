package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"crowdease/internal/config"
	"crowdease/internal/model"
)

func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- Envelope, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	ch := model.Channel{Name: "kafka", Trusted: true, Reduced: current.Reduced}
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			sub, err := parser.ParseLine(string(m.Value))
			if err != nil {
				if logger != nil {
					logger.Warn("kafka message unparseable", "partition", m.Partition, "offset", m.Offset, "err", err)
				}
				continue
			}
			if sub == nil {
				continue
			}
			SendNonBlocking(ctx, out, Envelope{Submission: *sub, Channel: ch}, logger)
		}
	}()
}
