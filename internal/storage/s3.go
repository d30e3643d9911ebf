package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"financial-document-analyzer/internal/config"
	"financial-document-analyzer/internal/models"
)

// s3API is the subset of the S3 client used here; tests substitute a fake.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores uploads in a bucket so API and workers can run on different hosts.
// Handles are object keys under uploads/.
type S3 struct {
	client s3API
	bucket string
	tmpDir string
}

// NewS3 builds the S3 backend from config, honouring a custom endpoint (MinIO, LocalStack).
func NewS3(ctx context.Context, cfg config.Config) (*S3, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3{client: client, bucket: cfg.UploadS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.UploadS3Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UploadS3PathStyle
		if cfg.UploadS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.UploadS3Endpoint)
		}
	}), nil
}

func (s *S3) Put(ctx context.Context, data []byte) (string, error) {
	contentType, ext := sniff(data)
	key := "uploads/" + uuid.NewString() + ext
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("%w: put object: %v", models.ErrStorage, err)
	}
	return key, nil
}

// Fetch downloads the object into a temp file that release removes.
func (s *S3) Fetch(ctx context.Context, handle string) (string, func(), error) {
	noop := func() {}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(handle),
	})
	if err != nil {
		return "", noop, fmt.Errorf("%w: get object %s: %v", models.ErrStorage, handle, err)
	}
	defer out.Body.Close()

	f, err := os.CreateTemp(s.tmpDir, "analysis-*"+path.Ext(handle))
	if err != nil {
		return "", noop, fmt.Errorf("%w: create temp file: %v", models.ErrStorage, err)
	}
	release := func() { _ = os.Remove(f.Name()) }
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		release()
		return "", noop, fmt.Errorf("%w: download %s: %v", models.ErrStorage, handle, err)
	}
	if err := f.Close(); err != nil {
		release()
		return "", noop, fmt.Errorf("%w: close temp file: %v", models.ErrStorage, err)
	}
	return f.Name(), release, nil
}

func (s *S3) Delete(ctx context.Context, handle string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(handle),
	})
	if err != nil {
		if isMissingObject(err) {
			return nil
		}
		return fmt.Errorf("%w: delete object %s: %v", models.ErrStorage, handle, err)
	}
	return nil
}

// isMissingObject reports whether err means the key is already gone. S3 reports
// NoSuchKey, while some compatible stores answer a bare 404 NotFound.
func isMissingObject(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
