//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSObjectStore(_ context.Context, _ StoreConfig) (ObjectStore, error) {
	return nil, fmt.Errorf("archive: gcs storage is not enabled in this build (use -tags gcp)")
}
