package archive

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"

	"invoice-approval/internal/model"
	"invoice-approval/pkg/clock"
	"invoice-approval/pkg/otel"
)

// ObjectPutter is the subset of *s3.Client used by the sink.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Presigner is the subset of *s3.PresignClient used by the sink.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Config struct {
	Region  string
	Bucket  string
	Prefix  string
	LinkTTL time.Duration
	// Endpoint overrides the S3 endpoint, e.g. http://localstack:4566.
	// Falls back to AWS_ENDPOINT_URL.
	Endpoint string
}

type S3Sink struct {
	client  ObjectPutter
	presign Presigner
	bucket  string
	prefix  string
	linkTTL time.Duration
	clock   clock.Clock
}

func NewS3Sink(client ObjectPutter, presign Presigner, cfg Config, clk clock.Clock) *S3Sink {
	if cfg.Prefix == "" {
		cfg.Prefix = "approved"
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = 7 * 24 * time.Hour
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &S3Sink{
		client:  client,
		presign: presign,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		linkTTL: cfg.LinkTTL,
		clock:   clk,
	}
}

// NewS3SinkFromConfig loads AWS credentials the default way and builds a
// sink on a real S3 client.
func NewS3SinkFromConfig(ctx context.Context, cfg Config) (*S3Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("AWS_ENDPOINT_URL")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Sink(client, s3.NewPresignClient(client), cfg, nil), nil
}

// Store uploads content and presigns a GET link. Safe to retry: the same
// content and filename map to the same key within a month.
func (s *S3Sink) Store(ctx context.Context, content []byte, filename string) (receipt model.ArchiveReceipt, err error) {
	key := BuildKey(s.prefix, s.clock.Now().UTC(), filename, content)
	ctx, span := otel.Span(ctx, "s3.put_object",
		attribute.String("s3.bucket", s.bucket),
		attribute.String("s3.key", key),
	)
	defer func() { otel.End(span, err) }()

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			"original-filename": SafeName(filename),
		},
	})
	if err != nil {
		return model.ArchiveReceipt{}, fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) { o.Expires = s.linkTTL })
	if err != nil {
		return model.ArchiveReceipt{}, fmt.Errorf("presign %s: %w", key, err)
	}

	return model.ArchiveReceipt{
		Locator: fmt.Sprintf("s3://%s/%s", s.bucket, key),
		Link:    req.URL,
	}, nil
}
