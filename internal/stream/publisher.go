// Package stream connects the pipeline to Kafka: events flow in from the
// identity provider's topic, alert notices flow out to downstream responders.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"authsentry/internal/config"
	"authsentry/internal/pipeline"
)

// AlertPublisher writes alert notices to the alerts topic. Messages are
// keyed by subject id so per-subject ordering survives partitioning.
type AlertPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
	closed atomic.Bool

	published atomic.Int64
	errors    atomic.Int64
}

// NewAlertPublisher creates a publisher for the configured alerts topic.
func NewAlertPublisher(cfg config.KafkaConfig, logger *slog.Logger) *AlertPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AlertsTopic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("alert publisher initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.AlertsTopic,
	)

	return &AlertPublisher{writer: writer, logger: logger}
}

// PublishAlert sends one alert notice.
func (p *AlertPublisher) PublishAlert(ctx context.Context, notice pipeline.AlertNotice) error {
	if p.closed.Load() {
		return fmt.Errorf("stream: publisher is closed")
	}

	value, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("stream: failed to marshal notice: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(notice.SubjectID, 10)),
		Value: value,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("stream: failed to publish alert: %w", err)
	}

	p.published.Add(1)
	p.logger.Debug("alert notice published",
		"alert_id", notice.AlertID,
		"subject_id", notice.SubjectID,
	)
	return nil
}

// Published returns the count of successfully published notices.
func (p *AlertPublisher) Published() int64 {
	return p.published.Load()
}

// Close flushes and closes the underlying writer.
func (p *AlertPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("closing alert publisher", "published", p.published.Load())
	return p.writer.Close()
}
