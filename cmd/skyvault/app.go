package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skyvault/skyvault/internal/blob"
	"github.com/skyvault/skyvault/internal/catalog"
	"github.com/skyvault/skyvault/internal/chunk"
	"github.com/skyvault/skyvault/internal/config"
	"github.com/skyvault/skyvault/internal/drive"
	"github.com/skyvault/skyvault/internal/ingest"
	"github.com/skyvault/skyvault/internal/logging/audit"
	"github.com/skyvault/skyvault/internal/metrics"
	"github.com/skyvault/skyvault/internal/namespace"
	"github.com/skyvault/skyvault/internal/quota"
)

// app holds the storage core opened from a configuration.
type app struct {
	cfg   *config.Config
	db    *catalog.DB
	blobs *blob.Store
	drive *drive.Drive
}

var (
	metricsOnce    sync.Once
	storageMetrics *metrics.StorageMetrics
)

// sharedMetrics registers the storage collectors with metrics.Registry once
// per process.
func sharedMetrics() *metrics.StorageMetrics {
	metricsOnce.Do(func() {
		storageMetrics = metrics.NewStorageMetrics(metrics.Registry)
	})
	return storageMetrics
}

// openApp opens the catalog and wires every component.
func openApp(cfg *config.Config, m *metrics.StorageMetrics) (*app, error) {
	if cfg.Database.Driver == config.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0700); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}
	db, err := catalog.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	component := func(name string) zerolog.Logger {
		return log.Logger.With().Str("component", name).Logger()
	}

	blobs := blob.New(db, blob.Options{
		Volumes:      cfg.Storage.Volumes,
		MinFreeBytes: cfg.Storage.MinFree.Bytes(),
		Metrics:      m,
		Logger:       component("blob"),
	})
	chunks := chunk.New(db, chunk.Options{
		TempDir: cfg.Storage.TempDir,
		Metrics: m,
		Logger:  component("chunk"),
	})
	quotas := quota.NewManager(db, cfg.Quota.DefaultTotal.Bytes())
	pipeline := ingest.New(blobs, chunks, quotas, ingest.Options{
		TempDir: cfg.Storage.TempDir,
		Metrics: m,
		Logger:  component("ingest"),
	})
	tree := namespace.New(db, blobs, namespace.Options{
		Metrics: m,
		Logger:  component("namespace"),
	})

	d := drive.New(blobs, chunks, pipeline, tree, quotas, drive.Options{
		RetentionDays: cfg.RetentionDays(),
		Logger:        component("drive"),
		Audit:         audit.NewLogger(component("audit")),
	})

	return &app{cfg: cfg, db: db, blobs: blobs, drive: d}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// withApp loads the configuration, opens the app for the duration of fn
// and closes it afterwards.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, sharedMetrics())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}
