package archive

import (
	"context"
	"fmt"
)

// StoreType selects the segment storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// StoreConfig selects and configures a segment store.
type StoreConfig struct {
	Type     StoreType
	Dir      string // fs
	Bucket   string // s3 / gcs
	Region   string // s3
	Endpoint string // s3
	Prefix   string // s3 / gcs
}

// NewObjectStore builds the configured ObjectStore. An empty type means
// the filesystem store. GCS requires the gcp build tag.
func NewObjectStore(ctx context.Context, cfg StoreConfig) (ObjectStore, error) {
	switch cfg.Type {
	case StoreTypeFS, "":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case StoreTypeGCS:
		return newGCSObjectStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported storage type %q", cfg.Type)
	}
}
