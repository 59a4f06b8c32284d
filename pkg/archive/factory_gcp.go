//go:build gcp

package archive

import "context"

func newGCSObjectStore(ctx context.Context, cfg StoreConfig) (ObjectStore, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
