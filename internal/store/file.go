package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/itzcole03/recompute-core/internal/model"
)

const (
	snapshotPrefix = "snapshot_"
	snapshotSuffix = ".json"
)

// FileStore writes one JSON file per snapshot into a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. Migrate creates the directory.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = "data/snapshots"
	}
	return &FileStore{dir: dir}
}

// Dir returns the snapshot directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Migrate(_ context.Context) error {
	return eris.Wrap(os.MkdirAll(s.dir, 0o755), "file store: create dir")
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(version int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d%s", snapshotPrefix, version, snapshotSuffix))
}

// SaveSnapshot writes to a temp file and renames it into place so readers
// never see a partial snapshot.
func (s *FileStore) SaveSnapshot(_ context.Context, snap *model.GraphSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "file store: marshal snapshot")
	}
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*.tmp")
	if err != nil {
		return eris.Wrap(err, "file store: create temp")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return eris.Wrap(err, "file store: write temp")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return eris.Wrap(err, "file store: sync temp")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "file store: close temp")
	}
	if err := os.Rename(tmp.Name(), s.path(snap.Version)); err != nil {
		return eris.Wrapf(err, "file store: rename snapshot %d", snap.Version)
	}
	return nil
}

// versions returns stored snapshot versions, newest first.
func (s *FileStore) versions() ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "file store: read dir")
	}
	var out []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		var v int64
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix), "%d", &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out, nil
}

func (s *FileStore) read(version int64) (*model.GraphSnapshot, error) {
	data, err := os.ReadFile(s.path(version))
	if err != nil {
		return nil, eris.Wrapf(err, "file store: read snapshot %d", version)
	}
	var snap model.GraphSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrapf(err, "file store: decode snapshot %d", version)
	}
	return &snap, nil
}

func (s *FileStore) LatestSnapshot(_ context.Context) (*model.GraphSnapshot, error) {
	versions, err := s.versions()
	if err != nil || len(versions) == 0 {
		return nil, err
	}
	return s.read(versions[0])
}

func (s *FileStore) ListSnapshots(_ context.Context) ([]model.SnapshotInfo, error) {
	versions, err := s.versions()
	if err != nil {
		return nil, err
	}
	out := make([]model.SnapshotInfo, 0, len(versions))
	for _, v := range versions {
		snap, err := s.read(v)
		if err != nil {
			return nil, err
		}
		out = append(out, model.SnapshotInfo{Version: snap.Version, TakenAt: snap.TakenAt, NodeCount: len(snap.Nodes)})
	}
	return out, nil
}

func (s *FileStore) PruneSnapshots(_ context.Context, keep int) (int, error) {
	versions, err := s.versions()
	if err != nil {
		return 0, err
	}
	keep = keepCount(keep)
	if len(versions) <= keep {
		return 0, nil
	}
	removed := 0
	for _, v := range versions[keep:] {
		if err := os.Remove(s.path(v)); err != nil && !os.IsNotExist(err) {
			return removed, eris.Wrapf(err, "file store: remove snapshot %d", v)
		}
		removed++
	}
	return removed, nil
}
