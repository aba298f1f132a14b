package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	gcs "cloud.google.com/go/storage"
)

// BlobStore writes attachment blobs to the configured backend.
type BlobStore interface {
	Put(ctx context.Context, loc ObjectLocation, contentType string, r io.Reader) error
}

// GCSStore writes blobs to Google Cloud Storage.
type GCSStore struct {
	client *gcs.Client
}

func NewGCSStore(client *gcs.Client) *GCSStore {
	if client == nil {
		panic("gcs store requires client")
	}
	return &GCSStore{client: client}
}

func (s *GCSStore) Put(ctx context.Context, loc ObjectLocation, contentType string, r io.Reader) error {
	w := s.client.Bucket(loc.Bucket).Object(loc.FullPath).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("write object %s: %w", loc.FullPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close object %s: %w", loc.FullPath, err)
	}
	return nil
}

// LocalStore writes blobs under a base directory; local dev and tests only.
// The bucket name becomes the first path segment so layouts match GCS.
type LocalStore struct {
	BasePath string
}

func NewLocalStore(basePath string) *LocalStore {
	if basePath == "" {
		panic("local store requires basePath")
	}
	return &LocalStore{BasePath: basePath}
}

func (s *LocalStore) Put(ctx context.Context, loc ObjectLocation, contentType string, r io.Reader) error {
	fullPath := filepath.Join(s.BasePath, loc.Bucket, filepath.FromSlash(loc.FullPath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create attachment dir: %w", err)
	}

	f, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("create attachment file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write attachment file: %w", err)
	}
	return nil
}

var (
	_ BlobStore = (*GCSStore)(nil)
	_ BlobStore = (*LocalStore)(nil)
)
