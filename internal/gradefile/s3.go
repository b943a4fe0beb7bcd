package gradefile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Remote stores files as objects in one S3 bucket.
type S3Remote struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3Remote creates an S3-backed Remote using the ambient AWS credential
// chain. endpoint overrides the S3 endpoint for S3-compatible stores; empty
// means AWS.
func NewS3Remote(ctx context.Context, bucket, region, endpoint string, logger *slog.Logger) (*S3Remote, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Remote{
		client: client,
		bucket: bucket,
		logger: logger.With("component", "gradefile", "bucket", bucket),
	}, nil
}

func (r *S3Remote) Fetch(ctx context.Context, name string) ([]byte, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("get object %s: %w", name, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", name, err)
	}
	r.logger.Debug("fetched file", "name", name, "bytes", len(data))
	return data, nil
}

func (r *S3Remote) Store(ctx context.Context, name string, data []byte) error {
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(name),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", name, err)
	}
	r.logger.Debug("stored file", "name", name, "bytes", len(data))
	return nil
}
