package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"authsentry/internal/config"
	"authsentry/internal/schema"
)

// Mirror batches assessed events and writes them to ClickHouse.
type Mirror struct {
	client *Client
	config config.BatchWriterConfig
	logger *slog.Logger

	buffer []*schema.AuthEvent
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewMirror creates a batching mirror over the given client.
func NewMirror(client *Client, cfg config.BatchWriterConfig, logger *slog.Logger) *Mirror {
	m := &Mirror{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]*schema.AuthEvent, 0, cfg.BatchSize),
	}

	m.flushTimer = time.AfterFunc(cfg.FlushInterval, m.timerFlush)

	return m
}

// Write adds an assessed event to the batch.
func (m *Mirror) Write(event *schema.AuthEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("analytics: mirror is closed")
	}

	m.buffer = append(m.buffer, event)

	if len(m.buffer) >= m.config.BatchSize {
		return m.flushLocked()
	}

	return nil
}

// timerFlush is called by the flush timer.
func (m *Mirror) timerFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if len(m.buffer) > 0 {
		if err := m.flushLocked(); err != nil {
			m.logger.Error("timer flush failed", "error", err)
		}
	}

	m.flushTimer.Reset(m.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (m *Mirror) flushLocked() error {
	if len(m.buffer) == 0 {
		return nil
	}

	events := m.buffer
	m.buffer = make([]*schema.AuthEvent, 0, m.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(m.config.RetryDelay * time.Duration(attempt))
		}

		if err := m.insertBatch(events); err != nil {
			lastErr = err
			m.logger.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", m.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&m.totalWritten, uint64(len(events)))
		atomic.AddUint64(&m.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&m.totalFailed, uint64(len(events)))
	return fmt.Errorf("analytics: batch insert failed after %d retries: %w", m.config.MaxRetries, lastErr)
}

// insertBatch inserts a batch of assessed events into ClickHouse.
func (m *Mirror) insertBatch(events []*schema.AuthEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := m.client.PrepareBatch(ctx, `
		INSERT INTO assessed_events (
			event_id, subject_id, display_name, kind,
			ip, client_signature, ts, received_at,
			risk_score, risk_reason, analyzed_at, metadata
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, event := range events {
		metadata, _ := json.Marshal(event.Metadata)

		var score float64
		if event.RiskScore != nil {
			score = *event.RiskScore
		}
		analyzedAt := event.ReceivedAt
		if event.AnalyzedAt != nil {
			analyzedAt = *event.AnalyzedAt
		}

		err := batch.Append(
			event.ID,
			event.SubjectID,
			event.DisplayName,
			string(event.Kind),
			event.IP,
			event.ClientSignature,
			event.Timestamp,
			event.ReceivedAt,
			score,
			event.RiskReason,
			analyzedAt,
			string(metadata),
		)
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	m.logger.Debug("batch inserted", "count", len(events))
	return nil
}

// Flush forces a flush of the current buffer.
func (m *Mirror) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

// Close stops the timer and flushes remaining events.
func (m *Mirror) Close() error {
	m.mu.Lock()
	m.closed = true
	buffered := len(m.buffer)
	m.mu.Unlock()

	m.flushTimer.Stop()

	if buffered == 0 {
		return nil
	}

	// closed guards Write, not the final flush
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

// Metrics returns mirror statistics.
func (m *Mirror) Metrics() MirrorMetrics {
	m.mu.Lock()
	pending := len(m.buffer)
	m.mu.Unlock()

	return MirrorMetrics{
		Written: atomic.LoadUint64(&m.totalWritten),
		Failed:  atomic.LoadUint64(&m.totalFailed),
		Batches: atomic.LoadUint64(&m.batchCount),
		Pending: pending,
	}
}

// MirrorMetrics holds mirror statistics.
type MirrorMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
