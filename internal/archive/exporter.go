package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"authsentry/internal/config"
	"authsentry/internal/schema"
)

const watermarkName = "s3_export"

// exportPageSize bounds memory per window read.
const exportPageSize = 10000

// EventSource is the slice of the store the exporter reads.
type EventSource interface {
	EventsBetween(ctx context.Context, since, before time.Time, limit int) ([]*schema.AuthEvent, error)
	ArchiveWatermark(ctx context.Context, name string) (time.Time, error)
	SetArchiveWatermark(ctx context.Context, name string, wm time.Time) error
}

// Uploader puts archive objects.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Exporter periodically exports closed windows of events to S3.
type Exporter struct {
	source EventSource
	upload Uploader
	config config.ArchiveConfig
	logger *slog.Logger
	now    func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewExporter creates the archive exporter.
func NewExporter(source EventSource, upload Uploader, cfg config.ArchiveConfig, logger *slog.Logger) *Exporter {
	return &Exporter{
		source: source,
		upload: upload,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start launches the export loop.
func (e *Exporter) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.ExportPending(ctx); err != nil {
					e.logger.Error("archive export failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for any in-flight export.
func (e *Exporter) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// ExportPending exports every closed batch window between the watermark and
// the retention horizon. Only windows whose end is in the past get exported;
// the watermark advances after each successful upload.
func (e *Exporter) ExportPending(ctx context.Context) error {
	wm, err := e.source.ArchiveWatermark(ctx, watermarkName)
	if err != nil {
		return fmt.Errorf("archive: failed to read watermark: %w", err)
	}

	now := e.now().UTC()
	if wm.IsZero() {
		// First run: start at the retention horizon, nothing older survives.
		wm = now.AddDate(0, 0, -e.config.RetentionDays).Truncate(e.config.BatchWindow)
	}

	for {
		windowEnd := wm.Add(e.config.BatchWindow)
		if !windowEnd.Before(now) {
			return nil
		}

		if err := e.exportWindow(ctx, wm, windowEnd); err != nil {
			return err
		}

		if err := e.source.SetArchiveWatermark(ctx, watermarkName, windowEnd); err != nil {
			return fmt.Errorf("archive: failed to advance watermark: %w", err)
		}
		wm = windowEnd
	}
}

// exportWindow uploads all events in [start, end) as one gzip NDJSON object.
// Empty windows upload nothing.
func (e *Exporter) exportWindow(ctx context.Context, start, end time.Time) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)

	total := 0
	pageStart := start
	for {
		events, err := e.source.EventsBetween(ctx, pageStart, end, exportPageSize)
		if err != nil {
			return fmt.Errorf("archive: failed to read window: %w", err)
		}
		if len(events) == 0 {
			break
		}

		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("archive: failed to encode event: %w", err)
			}
		}
		total += len(events)

		if len(events) < exportPageSize {
			break
		}
		// Page forward from the last timestamp; duplicated boundary rows
		// are tolerable in the archive.
		pageStart = events[len(events)-1].Timestamp
	}

	if total == 0 {
		return nil
	}

	if err := gz.Close(); err != nil {
		return fmt.Errorf("archive: failed to finish gzip stream: %w", err)
	}

	key := fmt.Sprintf("%s/%s.ndjson.gz",
		start.Format("2006/01/02"),
		start.Format("20060102T150405Z"),
	)

	if err := e.upload.Upload(ctx, key, buf.Bytes(), "application/gzip"); err != nil {
		return err
	}

	e.logger.Info("archive window exported",
		"key", key,
		"events", total,
		"window_start", start,
		"window_end", end,
	)
	return nil
}
