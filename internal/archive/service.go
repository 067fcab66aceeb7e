// Package archive uploads stream exports to S3-compatible object storage (R2, S3, MinIO).
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/onnwee/auditledger/internal/audit"
	"github.com/onnwee/auditledger/internal/jobs"
)

// Configuration errors.
var (
	ErrMissingBucket          = errors.New("bucket name is required")
	ErrMissingAccessKeyID     = errors.New("access key ID is required")
	ErrMissingSecretAccessKey = errors.New("secret access key is required")
)

// DefaultURLExpiry is how long the download link of an archive stays valid.
const DefaultURLExpiry = 15 * time.Minute

// Exporter renders a stream snapshot. *audit.Ledger satisfies it.
type Exporter interface {
	ExportStream(ctx context.Context, streamID string, format audit.ExportFormat) (*audit.Export, error)
}

// Config holds configuration for the archive service.
type Config struct {
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint is the S3 API endpoint. Empty selects AWS S3 in Region.
	Endpoint  string
	Region    string        // Defaults to "auto" with a custom endpoint, "us-east-1" otherwise
	URLExpiry time.Duration // Defaults to DefaultURLExpiry
	Metrics   *jobs.Metrics // Optional
}

// Result describes an uploaded archive.
type Result struct {
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	StreamID    string    `json:"stream_id"`
	HeadSeq     int64     `json:"head_seq"`
	HeadHash    string    `json:"head_hash"`
	Format      string    `json:"format"`
	SizeBytes   int64     `json:"size_bytes"`
	DownloadURL string    `json:"download_url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Service archives stream exports to a bucket.
type Service struct {
	s3Client      *s3.Client
	presignClient *s3.PresignClient
	exporter      Exporter
	bucketName    string
	urlExpiry     time.Duration
	metrics       *jobs.Metrics
	timeNow       func() time.Time // For testability
}

// NewService creates an archive service with the given configuration.
func NewService(cfg Config, exporter Exporter) (*Service, error) {
	if cfg.Bucket == "" {
		return nil, ErrMissingBucket
	}
	if cfg.AccessKeyID == "" {
		return nil, ErrMissingAccessKeyID
	}
	if cfg.SecretAccessKey == "" {
		return nil, ErrMissingSecretAccessKey
	}
	if exporter == nil {
		return nil, errors.New("exporter is required")
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = DefaultURLExpiry
	}

	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		// R2 and MinIO require path-style addressing
		opts.UsePathStyle = true
		if opts.Region == "" {
			opts.Region = "auto"
		}
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	s3Client := s3.New(opts)
	return &Service{
		s3Client:      s3Client,
		presignClient: s3.NewPresignClient(s3Client),
		exporter:      exporter,
		bucketName:    cfg.Bucket,
		urlExpiry:     cfg.URLExpiry,
		metrics:       cfg.Metrics,
		timeNow:       time.Now,
	}, nil
}

// ObjectKey returns the object key of an export:
// streams/{stream_id}/{head_seq}-{head_hash}.{format}.
// The key names the chain head, so re-archiving an unchanged stream rewrites the same object.
func ObjectKey(exp *audit.Export) string {
	return fmt.Sprintf("streams/%s/%d-%s.%s", exp.StreamID, exp.HeadSeq, exp.HeadHash, exp.Format)
}

// ArchiveStream exports a stream and uploads it. Stream lookup errors from the
// exporter (audit.ErrStreamNotFound, *audit.InfrastructureError) are returned unchanged.
func (s *Service) ArchiveStream(ctx context.Context, streamID string, format audit.ExportFormat) (result *Result, err error) {
	start := time.Now()
	stage := "export"
	defer func() { s.metrics.Observe(jobs.JobTypeStreamArchive, start, err, stage) }()

	exp, err := s.exporter.ExportStream(ctx, streamID, format)
	if err != nil {
		return nil, err
	}
	stage = "upload"

	key := ObjectKey(exp)
	sum := sha256.Sum256(exp.Data)
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(exp.Data),
		ContentType:   aws.String(exp.Format.ContentType()),
		ContentLength: aws.Int64(int64(len(exp.Data))),
		Metadata: map[string]string{
			"stream-id":     exp.StreamID,
			"head-seq":      strconv.FormatInt(exp.HeadSeq, 10),
			"head-hash":     exp.HeadHash,
			"export-sha256": base64.StdEncoding.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload archive %s: %w", key, err)
	}

	stage = "presign"
	result = &Result{
		Bucket:    s.bucketName,
		Key:       key,
		StreamID:  exp.StreamID,
		HeadSeq:   exp.HeadSeq,
		HeadHash:  exp.HeadHash,
		Format:    string(exp.Format),
		SizeBytes: int64(len(exp.Data)),
	}

	presigned, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.urlExpiry
	})
	if err != nil {
		return nil, fmt.Errorf("failed to presign archive download: %w", err)
	}
	result.DownloadURL = presigned.URL
	result.ExpiresAt = s.timeNow().Add(s.urlExpiry)

	return result, nil
}

// BucketName returns the bucket archives are written to.
func (s *Service) BucketName() string {
	return s.bucketName
}
