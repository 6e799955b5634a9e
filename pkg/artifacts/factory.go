package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend selects a Store implementation.
type Backend string

const (
	BackendFS     Backend = "fs"
	BackendMemory Backend = "memory"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// GCSOptions configures GCSStore.
type GCSOptions struct {
	Bucket string
	Prefix string
}

// Options selects and configures a backend.
type Options struct {
	Backend Backend
	DataDir string
	S3      S3Options
	GCS     GCSOptions
}

// New builds the Store described by opts. GCS support requires the gcp build tag.
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFS:
		dir := opts.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "modules"))
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendS3:
		return NewS3Store(ctx, opts.S3)
	case BackendGCS:
		return newGCSStore(ctx, opts.GCS)
	default:
		return nil, fmt.Errorf("unsupported artifact backend: %s", opts.Backend)
	}
}
