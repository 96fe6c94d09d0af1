package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Open selects a backend from a connection locator.
//
//	file:///var/lib/datasmith        local filesystem store rooted there
//	s3://datasets                    MinIO-backed store bound to that bucket
//
// The s3 form reads endpoint credentials from the environment via
// MinioConfigFromEnv and ensures the bucket exists.
func Open(ctx context.Context, locator string) (Store, error) {
	locator = strings.TrimSpace(locator)
	switch {
	case strings.HasPrefix(locator, "file://"):
		root := strings.TrimPrefix(locator, "file://")
		return NewFSStore(root)
	case strings.HasPrefix(locator, "s3://"):
		bucket := strings.TrimPrefix(locator, "s3://")
		cfg, err := MinioConfigFromEnv()
		if err != nil {
			return nil, err
		}
		store, err := NewMinioStore(cfg, bucket)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx, cfg.Region); err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", bucket, err)
		}
		return store, nil
	case locator == "":
		return nil, errors.New("object store locator is required")
	default:
		return nil, fmt.Errorf("unsupported object store locator %q", locator)
	}
}
