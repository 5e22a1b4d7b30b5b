// Package archive exports aged authentication events to S3 as compressed
// NDJSON batches. A watermark in the primary store records progress so
// restarts never re-export or skip a window.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"authsentry/internal/config"
)

// Client is an S3 client for archive uploads.
type Client struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger

	bytesUploaded   atomic.Int64
	objectsUploaded atomic.Int64
}

// NewClient creates a new S3 client. Static credentials are used when
// configured, IAM otherwise.
func NewClient(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	prefix := cfg.Prefix
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}

	c := &Client{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: logger,
	}

	logger.Info("s3 archive client initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"prefix", prefix,
	)

	return c, nil
}

// Upload puts one object under the configured prefix.
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	fullKey := c.prefix + key

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(fullKey),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		StorageClass: types.StorageClassIntelligentTiering,
	})
	if err != nil {
		return fmt.Errorf("archive: failed to upload %s: %w", fullKey, err)
	}

	c.bytesUploaded.Add(int64(len(data)))
	c.objectsUploaded.Add(1)

	c.logger.Debug("uploaded archive object",
		"key", fullKey,
		"size", len(data),
	)
	return nil
}

// ObjectsUploaded returns the count of uploaded objects.
func (c *Client) ObjectsUploaded() int64 {
	return c.objectsUploaded.Load()
}
