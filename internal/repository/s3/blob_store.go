package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"raven/internal/domain"
	"raven/internal/domain/models/llm"
	"raven/internal/domain/repositories"
)

// Config configures an S3-compatible blob store.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// BlobStore stores binary message parts in an S3-compatible bucket.
type BlobStore struct {
	client objectAPI
	bucket string
	region string
	logger *slog.Logger
}

// objectAPI is the subset of *s3.Client the store uses
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewBlobStore creates a new S3-backed blob store.
func NewBlobStore(ctx context.Context, cfg Config, logger *slog.Logger) (repositories.BlobStore, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newBlobStore(client, bucket, region, logger), nil
}

func newBlobStore(client objectAPI, bucket, region string, logger *slog.Logger) *BlobStore {
	return &BlobStore{client: client, bucket: bucket, region: region, logger: logger}
}

// Put stores data under key
func (s *BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (llm.BlobRef, error) {
	if contentType == "" {
		contentType = llm.DefaultMimeType
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return llm.BlobRef{}, fmt.Errorf("s3 put object %s: %w", key, err)
	}

	s.logger.Debug("blob stored", "key", key, "bytes", len(data), "content_type", contentType)
	return llm.BlobRef{
		Region:   s.region,
		Bucket:   s.bucket,
		Key:      key,
		MimeType: contentType,
	}, nil
}

// Get reads the object behind ref
func (s *BlobStore) Get(ctx context.Context, ref llm.BlobRef) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketFor(ref)),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("blob %s: %w", ref.Key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get object %s: %w", ref.Key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", ref.Key, err)
	}
	return data, nil
}

// Delete removes the object behind ref
func (s *BlobStore) Delete(ctx context.Context, ref llm.BlobRef) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketFor(ref)),
		Key:    aws.String(ref.Key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 delete object %s: %w", ref.Key, err)
	}
	return nil
}

// bucketFor honours references written to another bucket before a config change
func (s *BlobStore) bucketFor(ref llm.BlobRef) string {
	if ref.Bucket != "" {
		return ref.Bucket
	}
	return s.bucket
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return strings.EqualFold(code, "NotFound") || strings.EqualFold(code, "NoSuchKey")
	}
	return false
}
