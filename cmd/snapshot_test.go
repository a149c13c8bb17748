//go:build !integration

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itzcole03/recompute-core/internal/config"
	"github.com/itzcole03/recompute-core/internal/model"
	"github.com/itzcole03/recompute-core/internal/store"
)

func withFileStore(t *testing.T, versions ...int64) string {
	t.Helper()
	dir := t.TempDir()

	oldCfg := cfg
	cfg = config.Defaults()
	cfg.Store.Driver = "file"
	cfg.Store.Dir = dir
	t.Cleanup(func() { cfg = oldCfg })

	ctx := context.Background()
	fs := store.NewFileStore(dir)
	require.NoError(t, fs.Migrate(ctx))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, v := range versions {
		require.NoError(t, fs.SaveSnapshot(ctx, &model.GraphSnapshot{
			Version: v,
			TakenAt: at.Add(time.Duration(v) * time.Minute),
			Nodes: []model.Node{
				{ID: "p1", Kind: model.KindProp, Status: model.StatusActive},
				{ID: "e1", Kind: model.KindEdge, Status: model.StatusRetired, References: []string{"p1"}},
			},
		}))
	}
	return dir
}

func TestSnapshotList(t *testing.T) {
	withFileStore(t, 1, 2)
	snapshotListCmd.SetContext(context.Background())

	require.NoError(t, snapshotListCmd.RunE(snapshotListCmd, nil))
}

func TestSnapshotLatest_Empty(t *testing.T) {
	withFileStore(t)
	snapshotLatestCmd.SetContext(context.Background())

	require.NoError(t, snapshotLatestCmd.RunE(snapshotLatestCmd, nil))
}

func TestSnapshotPrune(t *testing.T) {
	dir := withFileStore(t, 1, 2, 3, 4)
	snapshotPruneCmd.SetContext(context.Background())
	require.NoError(t, snapshotPruneCmd.Flags().Set("keep", "2"))
	t.Cleanup(func() { _ = snapshotPruneCmd.Flags().Set("keep", "0") })

	require.NoError(t, snapshotPruneCmd.RunE(snapshotPruneCmd, nil))

	snaps, err := store.NewFileStore(dir).ListSnapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(4), snaps[0].Version)
	assert.Equal(t, int64(3), snaps[1].Version)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	oldCfg := cfg
	cfg = config.Defaults()
	cfg.Store.Driver = "mongo"
	t.Cleanup(func() { cfg = oldCfg })

	snapshotListCmd.SetContext(context.Background())
	_, err := openStore(snapshotListCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}
