package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"authsentry/internal/config"
	"authsentry/internal/pipeline"
	"authsentry/internal/store"
)

// EventConsumer reads authentication events from the events topic and runs
// them through the pipeline. Malformed and invalid messages are logged and
// committed; retrying them cannot succeed.
type EventConsumer struct {
	reader   *kafka.Reader
	pipeline *pipeline.Service
	logger   *slog.Logger
	workers  int

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	consumed atomic.Int64
	rejected atomic.Int64
}

// NewEventConsumer creates a consumer group reader for the events topic.
func NewEventConsumer(cfg config.KafkaConfig, p *pipeline.Service, logger *slog.Logger) *EventConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.EventsTopic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		CommitInterval: cfg.CommitPeriod,
		StartOffset:    kafka.LastOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	logger.Info("event consumer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.EventsTopic,
		"group", cfg.GroupID,
		"workers", workers,
	)

	return &EventConsumer{
		reader:   reader,
		pipeline: p,
		logger:   logger,
		workers:  workers,
	}
}

// Start launches the worker pool. Returns immediately; use Stop to drain.
func (c *EventConsumer) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return errors.New("stream: consumer already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.consumeLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("consumer loop exited", "error", err)
			}
		}()
	}

	return nil
}

// consumeLoop fetches, processes, and commits messages until the context
// is canceled.
func (c *EventConsumer) consumeLoop(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, kafka.ErrGroupClosed) {
				return err
			}

			c.logger.Error("failed to fetch message", "error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		if err := c.process(ctx, msg); err != nil {
			// Transient failure: leave the offset uncommitted for redelivery.
			c.logger.Error("failed to process event message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit offset",
				"error", err, "offset", msg.Offset)
		}
	}
}

// process decodes and ingests one message. Validation failures are terminal
// for the message and return nil so the offset commits.
func (c *EventConsumer) process(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var in pipeline.EventInput
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		c.rejected.Add(1)
		c.logger.Warn("dropping malformed event message",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		return nil
	}

	if _, err := c.pipeline.Ingest(ctx, in); err != nil {
		if store.IsValidation(err) {
			c.rejected.Add(1)
			c.logger.Warn("dropping invalid event message",
				"error", err,
				"subject_id", in.SubjectID,
			)
			return nil
		}
		return err
	}

	c.consumed.Add(1)
	return nil
}

// Consumed returns the count of successfully ingested messages.
func (c *EventConsumer) Consumed() int64 {
	return c.consumed.Load()
}

// Rejected returns the count of dropped malformed or invalid messages.
func (c *EventConsumer) Rejected() int64 {
	return c.rejected.Load()
}

// Stop cancels the workers, waits for them to drain, and closes the reader.
func (c *EventConsumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.logger.Info("event consumer stopped",
		"consumed", c.consumed.Load(),
		"rejected", c.rejected.Load(),
	)
	return c.reader.Close()
}
