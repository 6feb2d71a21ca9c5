package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint points the client at an S3-compatible service such as MinIO.
	// Path-style addressing is used when it is set.
	Endpoint string
}

type s3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Target writes snapshots as objects in a bucket.
type S3Target struct {
	client s3PutAPI
	bucket string
	prefix string
}

// NewS3Target loads credentials from the default AWS chain (environment,
// shared config, instance role).
func NewS3Target(ctx context.Context, cfg S3Config) (*S3Target, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 backup target requires a bucket")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Target(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Target(client s3PutAPI, bucket, prefix string) *S3Target {
	return &S3Target{client: client, bucket: bucket, prefix: prefix}
}

func (t *S3Target) objectKey(key string) string {
	if t.prefix == "" {
		return key
	}
	return path.Join(t.prefix, key)
}

func (t *S3Target) Upload(ctx context.Context, key string, payload []byte) (string, error) {
	objectKey := t.objectKey(key)
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(payload))),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", t.bucket, objectKey, err)
	}
	return "s3://" + t.bucket + "/" + objectKey, nil
}
