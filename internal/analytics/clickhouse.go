// Package analytics mirrors assessed events into ClickHouse for long-range
// reporting. PostgreSQL stays the source of truth; this store is additive
// and rebuildable.
package analytics

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"authsentry/internal/config"
)

// Client wraps the ClickHouse connection.
type Client struct {
	conn   driver.Conn
	config config.ClickHouseConfig
}

// NewClient creates a new ClickHouse client and verifies connectivity.
func NewClient(cfg config.ClickHouseConfig) (*Client, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}

	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("analytics: failed to open connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("analytics: ping failed: %w", err)
	}

	return &Client{conn: conn, config: cfg}, nil
}

// Migrate creates the assessed events table.
func (c *Client) Migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS assessed_events (
			event_id UUID,
			subject_id Int64,
			display_name String,
			kind LowCardinality(String),
			ip String,
			client_signature String,
			ts DateTime64(3, 'UTC'),
			received_at DateTime64(3, 'UTC'),
			risk_score Float64,
			risk_reason String,
			analyzed_at DateTime64(3, 'UTC'),
			metadata String
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(ts)
		ORDER BY (subject_id, ts)
		TTL toDateTime(ts) + INTERVAL 2 YEAR
	`
	if err := c.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("analytics: migration failed: %w", err)
	}
	return nil
}

// Ping checks if the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// PrepareBatch prepares a batch for insertion.
func (c *Client) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// Close closes the ClickHouse connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
