package evidencechain

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Storage writes evidence bundle bytes to a WORM-configured S3 bucket.
// Object-lock/retention is configured at the bucket layer; this client only
// ever PUTs a given key once and never overwrites or deletes — the database
// is not the source of truth for bundle bytes (spec §4.7).
type Storage struct {
	client *s3.Client
	bucket string
}

// NewStorage builds an S3 client from the environment's default AWS
// credential chain (env vars, shared config, IMDS). endpointURL may be set
// to point at an S3-compatible store; leave empty for real AWS S3.
func NewStorage(ctx context.Context, bucket, region, endpointURL string) (*Storage, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = aws.String(endpointURL)
			o.UsePathStyle = true
		}
	})

	return &Storage{client: client, bucket: bucket}, nil
}

// ObjectKey derives the bucket key for a bundle from its site and bundle id,
// keyed by bundle id (not chain position) so the bytes can be written
// before the chain position is known — the database insert that assigns
// chain_position happens after the bytes are already durably stored.
func ObjectKey(siteID, bundleID string) string {
	return fmt.Sprintf("%s/%s.json", siteID, bundleID)
}

// Put writes the canonical signed payload under key.
func (s *Storage) Put(ctx context.Context, key string, signedData []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(signedData),
	})
	if err != nil {
		return fmt.Errorf("put bundle %s: %w", key, err)
	}
	return nil
}

// Get fetches the raw signed payload bytes for an already-chained bundle,
// used by a full byte-level chain verification pass.
func (s *Storage) Get(ctx context.Context, objectKey string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, fmt.Errorf("get bundle %s: %w", objectKey, err)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", objectKey, err)
	}
	return buf.Bytes(), nil
}
