// Package s3 stores sync snapshots in S3-compatible object storage
// (AWS S3, MinIO, Cloudflare R2).
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/golang/snappy"

	"github.com/omarels/haaq/backend/internal/errors"
	"github.com/omarels/haaq/backend/internal/uuid"
)

const (
	encodingMetaKey = "encoding"
	encodingSnappy  = "snappy"
)

// Config holds S3 connection configuration.
type Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"` // empty for AWS S3
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Prefix          string `mapstructure:"prefix"`
	UsePathStyle    bool   `mapstructure:"use_path_style"` // MinIO, localstack
	Compress        bool   `mapstructure:"compress"`       // snappy-compress documents
}

// Store implements the sync DocumentStore on an S3 bucket. Each container is
// one object at {prefix}{containerID}.json.
type Store struct {
	client *s3.Client
	config Config
}

// NewStore creates a Store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrInvalid, "s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncNotConfigured, "failed to load AWS config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// S3-compatible services do not all accept the newer default checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Store{client: client, config: cfg}, nil
}

// ObjectKey returns the object key of a container.
func (s *Store) ObjectKey(containerID string) string {
	return s.config.Prefix + containerID + ".json"
}

// Create writes doc under a new container id.
func (s *Store) Create(ctx context.Context, doc []byte) (string, error) {
	id := uuid.New()
	if err := s.put(ctx, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

// Upload replaces the container's document.
func (s *Store) Upload(ctx context.Context, containerID string, doc []byte) error {
	return s.put(ctx, containerID, doc)
}

// Download returns the container's document.
func (s *Store) Download(ctx context.Context, containerID string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.ObjectKey(containerID)),
	})
	if err != nil {
		return nil, remoteError("S3 get object failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Remote("S3 read body failed", 0, err)
	}

	if resp.Metadata[encodingMetaKey] == encodingSnappy {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCorruptedArchive, "failed to decompress snapshot", err)
		}
	}
	return data, nil
}

func (s *Store) put(ctx context.Context, containerID string, doc []byte) error {
	body := doc
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(s.ObjectKey(containerID)),
		ContentType: aws.String("application/json"),
	}
	if s.config.Compress {
		body = snappy.Encode(nil, doc)
		input.Metadata = map[string]string{encodingMetaKey: encodingSnappy}
	}
	input.Body = bytes.NewReader(body)

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return remoteError("S3 put object failed", err)
	}
	return nil
}

// remoteError maps SDK errors onto REMOTE_ERROR with the HTTP status.
func remoteError(message string, err error) error {
	var nsk *s3types.NoSuchKey
	if stderrors.As(err, &nsk) {
		return errors.Remote(message, http.StatusNotFound, err)
	}

	var respErr *awshttp.ResponseError
	if stderrors.As(err, &respErr) {
		return errors.Remote(message, respErr.HTTPStatusCode(), err)
	}

	if strings.Contains(err.Error(), "NotFound") {
		return errors.Remote(message, http.StatusNotFound, err)
	}
	return errors.Remote(fmt.Sprintf("%s (transport)", message), 0, err)
}
