package snapshot

import (
	"context"
	"fmt"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
)

// Backend names a snapshot storage backend.
type Backend string

const (
	BackendFile Backend = "file"
	BackendS3   Backend = "s3"
	BackendGCS  Backend = "gcs"
)

// BackendConfig selects and parameterizes the snapshot store. Exactly the
// knobs each backend needs; unset fields for the selected backend fail
// OpenStore rather than silently landing snapshots nowhere.
type BackendConfig struct {
	Backend Backend

	// file
	Dir string

	// s3
	S3Bucket   string
	S3Region   string
	S3Endpoint string // optional, for MinIO/LocalStack
	S3Prefix   string

	// gcs
	GCSBucket string
	GCSPrefix string
}

// OpenStore builds the BlobStore the configuration names. The default is
// the local file store; S3 and GCS are for offsite archival.
func OpenStore(ctx context.Context, cfg BackendConfig) (BlobStore, error) {
	switch cfg.Backend {
	case BackendFile, "":
		if cfg.Dir == "" {
			return nil, caracalerr.Validation("snapshot_dir", "required for the file backend")
		}
		return NewFileStore(cfg.Dir)
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, caracalerr.Validation("snapshot_s3_bucket", "required for the s3 backend")
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case BackendGCS:
		if cfg.GCSBucket == "" {
			return nil, caracalerr.Validation("snapshot_gcs_bucket", "required for the gcs backend")
		}
		return NewGCSStore(ctx, GCSStoreConfig{
			Bucket: cfg.GCSBucket,
			Prefix: cfg.GCSPrefix,
		})
	default:
		return nil, caracalerr.Validation("snapshot_backend", fmt.Sprintf("unknown backend %q", cfg.Backend))
	}
}
