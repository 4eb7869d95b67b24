// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

const scheme = "gs://"

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// BlobStore reads and writes artifacts in a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

var _ crawler.BlobStore = (*BlobStore)(nil)

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Dial creates a storage client using application default credentials.
func Dial(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return client, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return scheme + s.bucket + "/" + path, nil
}

// GetObject opens an object in the configured bucket.
func (s *BlobStore) GetObject(ctx context.Context, path string) (io.ReadCloser, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("path is required")
	}
	return open(ctx, s.client, s.bucket, path)
}

// OpenURI opens a gs://bucket/object URI in any bucket the client can read.
func OpenURI(ctx context.Context, client *storage.Client, uri string) (io.ReadCloser, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return open(ctx, client, bucket, object)
}

// ParseURI splits gs://bucket/object into its parts.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, scheme)
	if !ok {
		return "", "", crawler.NewValidationError("uri", fmt.Sprintf("%q is not a gs:// uri", uri))
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" || object == "" {
		return "", "", crawler.NewValidationError("uri", fmt.Sprintf("%q must name a bucket and an object", uri))
	}
	return bucket, object, nil
}

// IsURI reports whether s looks like a gs:// URI.
func IsURI(s string) bool {
	return strings.HasPrefix(s, scheme)
}

func open(ctx context.Context, client *storage.Client, bucket, object string) (io.ReadCloser, error) {
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, object, crawler.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s/%s: %w", bucket, object, err)
	}
	return reader, nil
}
