// Package store persists dependency graph snapshots.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/itzcole03/recompute-core/internal/config"
	"github.com/itzcole03/recompute-core/internal/model"
)

// SnapshotStore defines the persistence interface for graph snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *model.GraphSnapshot) error
	// LatestSnapshot returns the snapshot with the highest version, or nil
	// when none has been written.
	LatestSnapshot(ctx context.Context) (*model.GraphSnapshot, error)
	// ListSnapshots returns stored snapshots, newest first.
	ListSnapshots(ctx context.Context) ([]model.SnapshotInfo, error)
	// PruneSnapshots keeps the newest keep snapshots and returns how many
	// were removed.
	PruneSnapshots(ctx context.Context, keep int) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates and migrates the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (SnapshotStore, error) {
	var (
		s   SnapshotStore
		err error
	)
	switch cfg.Driver {
	case "", "file":
		s = NewFileStore(cfg.Dir)
	case "sqlite":
		s, err = NewSQLite(sqlitePath(cfg))
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func sqlitePath(cfg config.StoreConfig) string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	return dir + "/snapshots.db"
}

func keepCount(keep int) int {
	if keep < 1 {
		return 1
	}
	return keep
}
