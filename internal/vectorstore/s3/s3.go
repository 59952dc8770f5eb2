// Package s3 stores the embedding database as a single JSON object in a
// bucket. Keys ending in ".zst" are zstd-compressed.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"

	"photomatch/internal/domain"
	"photomatch/internal/vectorstore"
)

// Client is the subset of the S3 API used by Storage.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Storage struct {
	client Client
	bucket string
	key    string
}

func NewStorage(client Client, bucket, key string) *Storage {
	return &Storage{client: client, bucket: bucket, key: key}
}

// NewFromEnv builds a client from the default AWS credential chain.
func NewFromEnv(ctx context.Context, bucket, key, region string) (*Storage, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewStorage(s3.NewFromConfig(cfg), bucket, key), nil
}

func (s *Storage) compressed() bool { return strings.HasSuffix(s.key, ".zst") }

// Records downloads and decodes the object. A missing object is an empty
// database.
func (s *Storage) Records(ctx context.Context) ([]domain.RawRecord, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return []domain.RawRecord{}, nil
		}
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return []domain.RawRecord{}, nil
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var r io.Reader = resp.Body
	if s.compressed() {
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		r = dec
	}
	records, err := vectorstore.DecodeRecords(r)
	if err != nil {
		return nil, fmt.Errorf("s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return records, nil
}

// Save uploads records as a new version of the object.
func (s *Storage) Save(ctx context.Context, records []domain.RawRecord) error {
	var buf bytes.Buffer
	if s.compressed() {
		enc, err := zstd.NewWriter(&buf)
		if err != nil {
			return err
		}
		if err := vectorstore.EncodeRecords(enc, records); err != nil {
			enc.Close()
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	} else if err := vectorstore.EncodeRecords(&buf, records); err != nil {
		return err
	}

	contentType := "application/json"
	if s.compressed() {
		contentType = "application/zstd"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}
