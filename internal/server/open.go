package server

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/omochice/relay-chat/internal/blob"
	"github.com/omochice/relay-chat/internal/config"
	"github.com/omochice/relay-chat/internal/store"
	"github.com/omochice/relay-chat/internal/store/pebblestore"
	"github.com/omochice/relay-chat/internal/store/sqlitestore"
)

// OpenStore opens the message and user store selected by cfg.
func OpenStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPebble:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store dir: %w", err)
		}
		return pebblestore.Open(cfg.Path)
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store dir: %w", err)
		}
		return sqlitestore.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// OpenBlobs opens the blob store selected by cfg.
func OpenBlobs(cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Driver {
	case config.DriverDisk:
		return blob.NewDiskStore(cfg.Dir)
	case config.DriverS3:
		client := blob.NewS3Client(blob.S3Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		return blob.NewS3Store(client, cfg.S3.Bucket, cfg.S3.Prefix, os.TempDir()), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
