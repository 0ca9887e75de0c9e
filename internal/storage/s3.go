package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/watzon/hookrelay/internal/config"
)

// S3Backend stores objects in an S3-compatible service. Buckets are named
// {bucketPrefix}{bucket}.
type S3Backend struct {
	client       *s3.Client
	bucketPrefix string
}

// NewS3Backend creates a client from cfg. Static credentials are used when
// given, otherwise the default AWS credential chain.
func NewS3Backend(ctx context.Context, cfg config.S3Config) (*S3Backend, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("%w: s3 region is required", ErrInvalidConfig)
	}
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		return nil, fmt.Errorf("%w: s3 access_key_id and secret_access_key must be set together", ErrInvalidConfig)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Backend{client: client, bucketPrefix: cfg.BucketPrefix}, nil
}

func (b *S3Backend) bucket(name string) *string {
	return aws.String(b.bucketPrefix + name)
}

// Put uploads r in a single request. Archive batches are bounded by the
// retention batch size, so multipart uploads are not needed.
func (b *S3Backend) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("reading object: %w", err)
		}
		body = bytes.NewReader(data)
		size = int64(len(data))
	}

	input := &s3.PutObjectInput{
		Bucket: b.bucket(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("putting object: %w", err)
	}
	return nil
}

func (b *S3Backend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: b.bucket(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object: %w", err)
	}
	return resp.Body, nil
}

func (b *S3Backend) Delete(ctx context.Context, bucket, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: b.bucket(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

func (b *S3Backend) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: b.bucket(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence: %w", err)
	}
	return true, nil
}
