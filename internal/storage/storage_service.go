// Package storage writes login attempt archives to S3-compatible object
// storage before the retention sweep purges them from Postgres.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/welldanyogia/authguard/internal/config"
)

// ObjectStore is the subset of the S3 client the archiver needs
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// NewS3Client creates an S3 client for AWS or a MinIO-compatible endpoint
func NewS3Client(cfg config.ArchiveConfig) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is not configured")
	}

	opts := s3.Options{
		Region: cfg.Region,
		// path style keeps MinIO and other self-hosted endpoints working
		UsePathStyle: cfg.Endpoint != "",
	}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint))
	}

	return s3.New(opts), nil
}

// endpointURL adds https:// when the endpoint has no scheme
func endpointURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return "https://" + endpoint
}

// CheckBucket verifies the bucket exists and is reachable
func CheckBucket(ctx context.Context, client ObjectStore, bucket string) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to reach archive bucket %s: %w", bucket, err)
	}
	return nil
}
