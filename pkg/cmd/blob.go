package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/dukex/flowtrail/pkg/blob"
)

// NewBlobStore picks the observation data store from blobURL. s3://bucket
// selects S3 (cfg supplies the endpoint and credentials, and the bucket when
// the URL has none); anything else is a local directory.
//
//nolint:ireturn // callers only need the store interface
func NewBlobStore(ctx context.Context, logger *slog.Logger, blobURL string, cfg blob.S3Config) (blob.Store, error) {
	if !strings.HasPrefix(blobURL, "s3://") {
		root := strings.TrimPrefix(blobURL, "file://")
		logger.InfoContext(ctx, "Using file blob store", "root", root)

		store, err := blob.NewFileStore(root)
		if err != nil {
			return nil, err
		}

		return store, nil
	}

	parsed, err := url.Parse(blobURL)
	if err != nil {
		return nil, fmt.Errorf("invalid blob url %q: %w", blobURL, err)
	}

	if parsed.Host != "" {
		cfg.Bucket = parsed.Host
	}

	store, err := blob.NewS3Store(ctx, cfg, logger.With("module", "s3_store"))
	if err != nil {
		return nil, err
	}

	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "Using S3 blob store", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)

	return store, nil
}
