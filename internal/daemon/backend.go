package daemon

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"tabasco/internal/commitlog"
	"tabasco/internal/config"
	"tabasco/internal/engine"
	"tabasco/internal/logging"
	monitorstore "tabasco/internal/monitor/storage"
	"tabasco/internal/safe"
	"tabasco/internal/storage"
	"tabasco/internal/tree"
)

// Backend is the opened store: badger, blob safe, commit log, monitors
// and the engine over them. Only one process may hold it.
type Backend struct {
	DB       *badger.DB
	Safe     *safe.Safe
	Log      *commitlog.Log
	Monitors *monitorstore.Store
	Engine   *engine.Engine
}

// Open opens the store under cfg's home. watch enables fsnotify hints,
// which only pay off in a long-running daemon.
func Open(cfg *config.Config, logger *logging.Logger, watch bool) (*Backend, error) {
	if err := cfg.EnsureHome(); err != nil {
		return nil, err
	}

	db, err := storage.Open(cfg.DBDir())
	if err != nil {
		return nil, err
	}
	b, err := newBackend(db, cfg, logger, watch)
	if err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func newBackend(db *badger.DB, cfg *config.Config, logger *logging.Logger, watch bool) (*Backend, error) {
	s, err := safe.New(db, safe.Options{
		Root:      cfg.BlobDir(),
		CacheSize: cfg.Storage.CacheSize,
		Compression: safe.CompressionOptions{
			MinSize: cfg.Storage.CompressMinSize,
			Level:   cfg.Storage.CompressLevel,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	log := commitlog.New(db, s)
	monitors := monitorstore.NewStore(db)

	e, err := engine.New(log, s, monitors, logger, engine.Options{
		Tree: tree.Options{
			Ignore:    cfg.Snapshot.Ignore,
			Gitignore: cfg.Snapshot.Gitignore,
			Workers:   cfg.Snapshot.Workers,
		},
		CheckpointCacheSize: cfg.Storage.CheckpointCacheSize,
		Watch:               watch,
	})
	if err != nil {
		return nil, err
	}

	return &Backend{
		DB:       db,
		Safe:     s,
		Log:      log,
		Monitors: monitors,
		Engine:   e,
	}, nil
}

// Close releases watchers and flushes the database.
func (b *Backend) Close() error {
	b.Engine.Close()
	if err := b.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}
