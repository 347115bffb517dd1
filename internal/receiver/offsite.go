// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-mirror/internal/config"
)

// uploadTimeout limita cada PutObject de snapshot.
const uploadTimeout = 30 * time.Minute

// S3Uploader envia snapshots finalizados para um bucket S3 (ou
// compatível, via endpoint customizado).
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Uploader cria o uploader com a credential chain padrão do SDK,
// ou credenciais estáticas quando configuradas.
func NewS3Uploader(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*S3Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Endpoints customizados (minio etc.) geralmente exigem path-style.
			o.UsePathStyle = true
		}
	})

	return &S3Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With("component", "s3_uploader"),
	}, nil
}

// Upload envia um snapshot para o bucket com key prefix + basename.
func (u *S3Uploader) Upload(ctx context.Context, snapshotPath string) error {
	f, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating snapshot: %w", err)
	}

	key := path.Join(u.prefix, filepath.Base(snapshotPath))

	uctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	u.logger.Info("uploading snapshot", "bucket", u.bucket, "key", key, "bytes", info.Size())

	_, err = u.client.PutObject(uctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", key, err)
	}
	return nil
}
