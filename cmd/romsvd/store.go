package main

import (
	"context"
	"fmt"
	"path"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/yyyoichi/romsvd/basisio"
	"github.com/yyyoichi/romsvd/basisio/miniostore"
	"github.com/yyyoichi/romsvd/basisio/s3store"
	"github.com/yyyoichi/romsvd/basisio/sqlitestore"
	"github.com/yyyoichi/romsvd/internal/config"
)

// openStore returns the configured basis store. Object stores keep each run
// under its own key prefix.
func openStore(ctx context.Context, cfg config.StoreConfig, runID string) (basisio.Store, func(), error) {
	noop := func() {}
	prefix := path.Join(cfg.Prefix, runID)
	switch cfg.Kind {
	case "memory":
		return basisio.NewMemoryStore(), noop, nil
	case "sqlite":
		s, err := sqlitestore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "minio":
		client, err := miniostore.Connect(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Secure)
		if err != nil {
			return nil, nil, fmt.Errorf("minio client: %w", err)
		}
		s := miniostore.New(client, cfg.Bucket, prefix)
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, nil, fmt.Errorf("bucket %s: %w", cfg.Bucket, err)
		}
		return s, noop, nil
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("aws config: %w", err)
		}
		return s3store.New(s3.NewFromConfig(awsCfg), cfg.Bucket, prefix), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Kind)
}
