package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/itzcole03/recompute-core/internal/model"
)

// SQLiteStore implements SnapshotStore using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS graph_snapshots (
	version    INTEGER PRIMARY KEY,
	taken_at   DATETIME NOT NULL,
	node_count INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *model.GraphSnapshot) error {
	payload, err := json.Marshal(snap.Nodes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal nodes")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graph_snapshots (version, taken_at, node_count, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(version) DO UPDATE SET taken_at = excluded.taken_at, node_count = excluded.node_count, payload = excluded.payload`,
		snap.Version, snap.TakenAt.UTC(), len(snap.Nodes), string(payload),
	)
	return eris.Wrapf(err, "sqlite: insert snapshot %d", snap.Version)
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*model.GraphSnapshot, error) {
	var (
		snap    model.GraphSnapshot
		payload string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, taken_at, payload FROM graph_snapshots ORDER BY version DESC LIMIT 1`,
	).Scan(&snap.Version, &snap.TakenAt, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest snapshot")
	}
	if err := json.Unmarshal([]byte(payload), &snap.Nodes); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal snapshot %d", snap.Version)
	}
	return &snap, nil
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]model.SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, taken_at, node_count FROM graph_snapshots ORDER BY version DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list snapshots")
	}
	defer rows.Close()

	var out []model.SnapshotInfo
	for rows.Next() {
		var info model.SnapshotInfo
		if err := rows.Scan(&info.Version, &info.TakenAt, &info.NodeCount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot info")
		}
		out = append(out, info)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate snapshots")
}

func (s *SQLiteStore) PruneSnapshots(ctx context.Context, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM graph_snapshots WHERE version NOT IN (
			SELECT version FROM graph_snapshots ORDER BY version DESC LIMIT ?
		)`, keepCount(keep),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune snapshots")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}
