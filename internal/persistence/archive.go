package persistence

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config addresses an S3 or S3-compatible bucket (MinIO, R2).
type S3Config struct {
	Endpoint       string // Empty for AWS
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	ForcePathStyle bool
	Prefix         string // Default "snapshots"
}

// S3Archiver uploads snapshots to snapshots/{market}/{sequence}.json
type S3Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archive: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 archive: region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "snapshots"
	}
	return &S3Archiver{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   prefix,
	}, nil
}

// ObjectKey returns where a snapshot is archived
func (a *S3Archiver) ObjectKey(marketID string, sequence int64) string {
	return fmt.Sprintf("%s/%s/%d.json", a.prefix, marketID, sequence)
}

func (a *S3Archiver) Archive(ctx context.Context, rec *SnapshotRecord) error {
	data, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("s3 archive: marshal: %w", err)
	}
	key := a.ObjectKey(rec.MarketID, rec.Sequence)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"snapshot-id": rec.SnapshotID.String(),
			"state-hash":  rec.State.StateHash,
		},
	})
	if err != nil {
		return fmt.Errorf("s3 archive: upload %s: %w", key, err)
	}
	return nil
}

// normaliseEndpoint adds a scheme when the endpoint has none
func normaliseEndpoint(endpoint string, useSSL bool) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

var _ Archiver = (*S3Archiver)(nil)
