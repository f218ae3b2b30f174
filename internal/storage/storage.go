// Package storage uploads serialized batches to the object store. One object
// per batch, keyed by the hex batch merkle root.
package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/DanDo385/zkbatcher/internal/config"
)

// Uploader puts batch objects into the configured bucket.
type Uploader struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

// New builds an uploader from the storage configuration. A custom upload
// endpoint (localstack, minio) switches the client to path-style addressing.
func New(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (*Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.UploadEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.UploadEndpoint)
			o.UsePathStyle = true
		}
	})

	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		log:    log.With().Str("component", "storage").Logger(),
	}, nil
}

// Upload puts one batch object under the given key.
func (u *Uploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	u.log.Info().Str("key", key).Int("bytes", len(body)).Msg("batch uploaded")
	return nil
}
