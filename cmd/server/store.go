package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/soaringjerry/Fieldform/internal/config"
	dbstore "github.com/soaringjerry/Fieldform/internal/db"
	"github.com/soaringjerry/Fieldform/internal/objstore"
)

type nopCloser struct{}

func s3Options(cfg config.S3Config) objstore.S3Options {
	return objstore.S3Options{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		Prefix:          cfg.Prefix,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	}
}

func (nopCloser) Close() error { return nil }

// openStore builds the configured backend and wraps it with the per-operation
// timeout and tracing. The returned closer releases backend connections.
func openStore(ctx context.Context, cfg config.StoreConfig, migrationsDir string, logger *slog.Logger) (objstore.Store, io.Closer, error) {
	var (
		store  objstore.Store
		closer io.Closer = nopCloser{}
	)
	switch cfg.Backend {
	case "memory":
		logger.Warn("using in-memory object store; data is lost on restart")
		store = objstore.NewMemory()
	case "sqlite":
		s, err := dbstore.OpenSQLite(cfg.SQLitePath, migrationsDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store, closer = s, s
	case "s3":
		s, err := objstore.OpenS3(ctx, s3Options(cfg.S3))
		if err != nil {
			return nil, nil, fmt.Errorf("open s3 store: %w", err)
		}
		store = s
	case "redis":
		s, err := objstore.OpenRedis(ctx, objstore.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		store, closer = s, s
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	logger.Info("object store ready", "backend", cfg.Backend)
	store = objstore.WithTimeout(store, cfg.Timeout)
	store = objstore.WithTracing(store, otel.Tracer("github.com/soaringjerry/Fieldform/objstore"))
	return store, closer, nil
}
