package snapshot

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore archives snapshots to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSStore creates a GCS-backed snapshot archive (uses ADC by default).
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) Store(ctx context.Context, name string, data []byte) error {
	obj := s.client.Bucket(s.bucket).Object(s.prefix + name)

	// Idempotent: snapshot names embed the snapshot id.
	if _, err := obj.Attrs(ctx); err == nil {
		return nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("snapshot: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("snapshot: gcs close failed: %w", err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.prefix + name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: gcs get failed for %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// List is not supported on the GCS archive: restores name the snapshot
// explicitly, and enumeration belongs to bucket inventory tooling.
func (s *GCSStore) List(context.Context) ([]string, error) {
	return nil, fmt.Errorf("snapshot: gcs archive does not enumerate; restore by name")
}
