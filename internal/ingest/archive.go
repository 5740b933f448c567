package ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveConfig configures the optional S3 log archive.
type ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // non-empty for S3-compatible stores
}

// Archiver uploads closed job logs to object storage, gzip-compressed.
type Archiver struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewArchiver builds an archiver. Credentials come from the ambient AWS
// environment.
func NewArchiver(ctx context.Context, cfg ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Archiver{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// Archive uploads one job log file as jobs/job_<id>.log.gz. Best effort:
// failures are logged and the local file is left untouched either way.
func (a *Archiver) Archive(jobID int64, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		a.logger.Warn("read log for archive", "job_id", jobID, "error", err)
		return
	}

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	if _, err := gw.Write(data); err != nil {
		a.logger.Warn("compress log for archive", "job_id", jobID, "error", err)
		return
	}
	if err := gw.Close(); err != nil {
		a.logger.Warn("compress log for archive", "job_id", jobID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key := fmt.Sprintf("jobs/job_%d.log.gz", jobID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed.Bytes()),
		ContentType:     aws.String("text/plain"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		a.logger.Warn("upload log archive", "job_id", jobID, "key", key, "error", err)
		return
	}
	a.logger.Debug("archived job log", "job_id", jobID, "key", key, "size", compressed.Len())
}
