package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the bundle storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv builds the bundle store selected by the environment:
//
//   - AGENTWALLET_BUNDLE_STORAGE: "fs" (default), "s3" or "gcs"
//   - AGENTWALLET_BUNDLE_DIR: filesystem directory (default <dataDir>/bundles)
//   - AGENTWALLET_BUNDLE_S3_BUCKET, AGENTWALLET_BUNDLE_S3_REGION (or AWS_REGION),
//     AGENTWALLET_BUNDLE_S3_ENDPOINT, AGENTWALLET_BUNDLE_S3_PREFIX
//   - AGENTWALLET_BUNDLE_GCS_BUCKET, AGENTWALLET_BUNDLE_GCS_PREFIX (gcp builds only)
func NewStoreFromEnv(ctx context.Context, dataDir string) (Store, error) {
	t := StoreType(os.Getenv("AGENTWALLET_BUNDLE_STORAGE"))
	if t == "" {
		t = StoreTypeFS
	}
	switch t {
	case StoreTypeFS:
		dir := os.Getenv("AGENTWALLET_BUNDLE_DIR")
		if dir == "" {
			dir = filepath.Join(dataDir, "bundles")
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	}
	return nil, fmt.Errorf("artifacts: unsupported bundle storage %q", t)
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("AGENTWALLET_BUNDLE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("artifacts: AGENTWALLET_BUNDLE_S3_BUCKET is required for s3 storage")
	}
	region := os.Getenv("AGENTWALLET_BUNDLE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("AGENTWALLET_BUNDLE_S3_ENDPOINT"),
		Prefix:   os.Getenv("AGENTWALLET_BUNDLE_S3_PREFIX"),
	})
}
