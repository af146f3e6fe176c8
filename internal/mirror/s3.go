package mirror

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the S3 mirror settings. Credentials come from the standard
// AWS config chain; only the bucket is mandatory.
type S3Config struct {
	Bucket       string
	Region       string
	Prefix       string
	UsePathStyle bool
}

// S3Mirror replicates vault files to an S3 (or S3-compatible) bucket.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror creates an S3 mirror using the default AWS configuration
// chain with optional overrides from cfg.
func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Mirror{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Name identifies the mirror in logs and sync reports.
func (m *S3Mirror) Name() string {
	return "s3:" + m.bucket
}

// Put uploads one vault file under its root-relative key, below the
// configured prefix.
func (m *S3Mirror) Put(ctx context.Context, key string, data []byte) error {
	objectKey := key
	if m.prefix != "" {
		objectKey = m.prefix + "/" + key
	}

	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf(
			"failed to put object '%s' to bucket '%s': %w", objectKey, m.bucket, err,
		)
	}

	return nil
}
