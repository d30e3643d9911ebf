// Package storage keeps uploaded documents for the lifetime of their analysis job.
package storage

import (
	"context"
	"fmt"

	"github.com/gabriel-vasile/mimetype"

	"financial-document-analyzer/internal/config"
)

// Storage holds transient inputs between submission and worker cleanup.
type Storage interface {
	// Put persists data and returns an opaque handle for Fetch and Delete.
	Put(ctx context.Context, data []byte) (string, error)
	// Fetch makes the object available as a local file. release must always be
	// called; it removes any local copy Fetch created.
	Fetch(ctx context.Context, handle string) (path string, release func(), err error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, handle string) error
}

// New picks S3 when a bucket is configured and the local directory otherwise.
func New(ctx context.Context, cfg config.Config) (Storage, error) {
	if cfg.UploadS3Bucket != "" {
		return NewS3(ctx, cfg)
	}
	if cfg.UploadDir == "" {
		return nil, fmt.Errorf("upload dir is not configured")
	}
	return NewLocal(cfg.UploadDir)
}

// sniff returns the detected content type and a file extension (with dot) for data.
// Unknown content falls back to .pdf, matching what the API is built for.
func sniff(data []byte) (contentType, ext string) {
	m := mimetype.Detect(data)
	ext = m.Extension()
	if ext == "" || m.Is("application/octet-stream") {
		ext = ".pdf"
	}
	return m.String(), ext
}
