package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Priya8975/event-webhooks/internal/domain"
	"github.com/Priya8975/event-webhooks/internal/metrics"
)

// Source lists terminal deliveries and stamps them once they are archived.
type Source interface {
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]domain.DeliveryAttempt, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// ObjectPutter is the part of the S3 API the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config controls where and how often terminal deliveries are archived.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Interval        time.Duration
	Retention       time.Duration
	BatchSize       int
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

// NewS3Client builds an S3 client. A custom endpoint switches to path-style
// addressing so S3-compatible stores work.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// record is one JSON Lines entry. The payload is embedded as raw JSON.
type record struct {
	domain.DeliveryAttempt
	Payload json.RawMessage `json:"payload"`
}

// Archiver copies terminal deliveries to object storage as JSON Lines and
// marks them archived. Records are never deleted.
type Archiver struct {
	source Source
	putter ObjectPutter
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(source Source, putter ObjectPutter, cfg Config, logger *slog.Logger) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Archiver{
		source: source,
		putter: putter,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start archives one batch every interval until ctx is cancelled.
func (a *Archiver) Start(ctx context.Context) {
	a.logger.Info("delivery archiver started",
		"bucket", a.cfg.Bucket,
		"interval", a.cfg.Interval.String(),
		"retention", a.cfg.Retention.String(),
	)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("delivery archiver stopping")
			return
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("archive pass failed", "error", err)
			}
		}
	}
}

// RunOnce writes one batch of archivable deliveries as a single object and
// returns how many were archived.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	now := a.now().UTC()

	batch, err := a.source.ListArchivable(ctx, now.Add(-a.cfg.Retention), a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing archivable deliveries: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(batch))
	for _, d := range batch {
		payload := json.RawMessage(d.Payload)
		if !json.Valid(payload) {
			payload = json.RawMessage(`null`)
		}
		if err := enc.Encode(record{DeliveryAttempt: d, Payload: payload}); err != nil {
			return 0, fmt.Errorf("encoding delivery %s: %w", d.ID, err)
		}
		ids = append(ids, d.ID)
	}

	key := objectKey(a.cfg.Prefix, now, batch[0].ID)
	_, err = a.putter.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return 0, fmt.Errorf("uploading archive %s: %w", key, err)
	}

	if err := a.source.MarkArchived(ctx, ids, now); err != nil {
		return 0, fmt.Errorf("marking deliveries archived: %w", err)
	}

	metrics.ArchivedTotal.Add(float64(len(ids)))
	a.logger.Info("archived deliveries", "count", len(ids), "bucket", a.cfg.Bucket, "key", key)
	return len(ids), nil
}

func objectKey(prefix string, at time.Time, firstID string) string {
	name := fmt.Sprintf("%d-%s.jsonl", at.UnixNano(), firstID)
	return path.Join(prefix, at.Format("2006/01/02"), name)
}
