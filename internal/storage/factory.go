package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/imedwei/docker-backup/internal/config"
)

// NewStorages creates every remote enabled in the configuration.
func NewStorages(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]Storage, error) {
	remotes := make([]Storage, 0, len(cfg.Remotes))
	for _, kind := range cfg.Remotes {
		s, err := NewStorage(ctx, kind, cfg, logger)
		if err != nil {
			return nil, err
		}
		remotes = append(remotes, s)
	}
	return remotes, nil
}

// NewStorage creates a storage provider of the given type.
func NewStorage(ctx context.Context, kind string, cfg *config.Config, logger *slog.Logger) (Storage, error) {
	if kind == "local" {
		return NewLocalStorage("local", cfg.Local.Path, logger)
	}

	var store ObjectStore
	var err error

	switch kind {
	case "s3":
		store, err = NewS3Store(ctx, S3Config{
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			UsePathStyle:    cfg.S3.Endpoint != "", // Use path style for custom endpoints
		})

	case "gcs":
		if cfg.GCS.ServiceAccountJSON != "" {
			if err := ValidateServiceAccountJSON(cfg.GCS.ServiceAccountJSON); err != nil {
				return nil, fmt.Errorf("invalid GCS service account: %w", err)
			}
		}
		store, err = NewGCSStore(ctx, GCSConfig{
			Bucket:             cfg.GCS.Bucket,
			ProjectID:          cfg.GCS.ProjectID,
			ServiceAccountJSON: cfg.GCS.ServiceAccountJSON,
			Prefix:             cfg.GCS.Prefix,
		})

	case "sftp":
		store, err = NewSFTPStore(SFTPConfig{
			Host:           cfg.SFTP.Host,
			Port:           cfg.SFTP.Port,
			User:           cfg.SFTP.User,
			Password:       cfg.SFTP.Password,
			KeyFile:        cfg.SFTP.KeyFile,
			KnownHostsFile: cfg.SFTP.KnownHostsFile,
			Path:           cfg.SFTP.Path,
		})

	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", kind)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage: %w", kind, err)
	}

	retry := DefaultRetryConfig()
	if cfg.Transfer.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Transfer.MaxAttempts
	}

	return NewObjectRemote(kind, store, ObjectRemoteConfig{
		Retry:          retry,
		Concurrency:    cfg.Transfer.Concurrency,
		BandwidthLimit: cfg.Transfer.BandwidthLimitBytes(),
	}, logger), nil
}
