package storage

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/kbindex/internal/config"
	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
)

// Open creates the backend selected by cfg. Remote backends are wrapped in
// Resilient.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		return NewLocal(cfg.Root)
	case config.BackendMemory:
		return NewMemory(), nil
	case config.BackendSQLite:
		return NewSQLite(cfg.Root)
	case config.BackendBadger:
		return NewBadger(cfg.Root)
	case config.BackendS3:
		b, err := NewS3(ctx, S3Options{
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.S3.Prefix,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
			LeaseTable:   cfg.S3.LeaseTable,
		})
		if err != nil {
			return nil, err
		}
		return wrapRemote(b, "s3", cfg, logger), nil
	case config.BackendGCS:
		b, err := NewGCS(ctx, GCSOptions{
			Bucket:          cfg.GCS.Bucket,
			Prefix:          cfg.GCS.Prefix,
			CredentialsFile: cfg.GCS.CredentialsFile,
			Endpoint:        cfg.GCS.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return wrapRemote(b, "gcs", cfg, logger), nil
	default:
		return nil, kberrors.ConfigError("unknown storage backend "+cfg.Backend, nil)
	}
}

func wrapRemote(b Backend, name string, cfg config.StorageConfig, logger *slog.Logger) *Resilient {
	retry := kberrors.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries
	if cfg.RetryInitialDelay > 0 {
		retry.InitialDelay = cfg.RetryInitialDelay
	}
	var opts []kberrors.CircuitBreakerOption
	if cfg.BreakerMaxFailures > 0 {
		opts = append(opts, kberrors.WithMaxFailures(cfg.BreakerMaxFailures))
	}
	if cfg.BreakerResetTimeout > 0 {
		opts = append(opts, kberrors.WithResetTimeout(cfg.BreakerResetTimeout))
	}
	return NewResilient(b, retry, kberrors.NewCircuitBreaker(name, opts...), logger)
}
