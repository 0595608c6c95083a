package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caracal-sh/caracal/pkg/canonicalize"
)

// BlobStore is where serialized snapshots land: the local filesystem by
// default, S3 or GCS for offsite archival. Keys are the names Save builds
// from the snapshot's creation time and id; they are not derived from the
// content.
type BlobStore interface {
	Store(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context) ([]string, error)
}

// FileStore writes snapshots as single files in a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("snapshot: cannot create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Store(_ context.Context, name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("snapshot: write failed: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) Get(_ context.Context, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, name))
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Save serializes a signed snapshot to canonical JSON and stores it under a
// timestamped name.
func Save(ctx context.Context, store BlobStore, signed *Signed) (string, error) {
	data, err := canonicalize.JCS(signed)
	if err != nil {
		return "", fmt.Errorf("snapshot: serialization failed: %w", err)
	}
	name := fmt.Sprintf("snapshot-%s-%s.json",
		signed.Snapshot.CreatedAt.UTC().Format("20060102T150405Z"), signed.Snapshot.SnapshotID[:8])
	if err := store.Store(ctx, name, data); err != nil {
		return "", err
	}
	return name, nil
}

// Load reads and decodes a stored snapshot without verifying it; callers
// follow up with Verify before trusting the contents.
func Load(ctx context.Context, store BlobStore, name string) (*Signed, error) {
	data, err := store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read failed: %w", err)
	}
	var signed Signed
	if err := json.Unmarshal(data, &signed); err != nil {
		return nil, fmt.Errorf("snapshot: malformed snapshot file %s: %w", name, err)
	}
	return &signed, nil
}

// Latest returns the most recent snapshot name, or "" when none exist.
func Latest(ctx context.Context, store BlobStore) (string, error) {
	names, err := store.List(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", nil
	}
	return names[len(names)-1], nil
}

// Rotator takes a snapshot on a fixed interval and prunes old local
// copies, keeping the most recent keep files.
type Rotator struct {
	snapshotter *Snapshotter
	store       BlobStore
	interval    time.Duration
	keep        int
}

func NewRotator(snapshotter *Snapshotter, store BlobStore, interval time.Duration, keep int) *Rotator {
	if interval <= 0 {
		interval = time.Hour
	}
	if keep <= 0 {
		keep = 24
	}
	return &Rotator{snapshotter: snapshotter, store: store, interval: interval, keep: keep}
}

// Run snapshots on the interval until ctx is cancelled.
func (r *Rotator) Run(ctx context.Context) error {
	tick := time.NewTicker(r.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if _, err := r.RotateOnce(ctx); err != nil && ctx.Err() == nil {
				continue // transient; next tick retries
			}
		}
	}
}

// RotateOnce takes and stores one snapshot, pruning past the keep count
// when the store supports deletion (the file store; object stores rely on
// bucket lifecycle rules instead).
func (r *Rotator) RotateOnce(ctx context.Context) (string, error) {
	signed, err := r.snapshotter.Take(ctx)
	if err != nil {
		return "", err
	}
	name, err := Save(ctx, r.store, signed)
	if err != nil {
		return "", err
	}

	if fs, ok := r.store.(*FileStore); ok {
		names, err := fs.List(ctx)
		if err == nil && len(names) > r.keep {
			for _, old := range names[:len(names)-r.keep] {
				_ = os.Remove(filepath.Join(fs.dir, old))
			}
		}
	}
	return name, nil
}
