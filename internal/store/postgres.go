package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/itzcole03/recompute-core/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock pools satisfy
// it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements SnapshotStore using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS graph_snapshots (
	version    BIGINT PRIMARY KEY,
	taken_at   TIMESTAMPTZ NOT NULL,
	node_count INTEGER NOT NULL,
	payload    JSONB NOT NULL
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.GraphSnapshot) error {
	payload, err := json.Marshal(snap.Nodes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal nodes")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO graph_snapshots (version, taken_at, node_count, payload) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (version) DO UPDATE SET taken_at = EXCLUDED.taken_at, node_count = EXCLUDED.node_count, payload = EXCLUDED.payload`,
		snap.Version, snap.TakenAt.UTC(), len(snap.Nodes), payload,
	)
	return eris.Wrapf(err, "postgres: insert snapshot %d", snap.Version)
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context) (*model.GraphSnapshot, error) {
	var (
		snap    model.GraphSnapshot
		payload []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT version, taken_at, payload FROM graph_snapshots ORDER BY version DESC LIMIT 1`,
	).Scan(&snap.Version, &snap.TakenAt, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: latest snapshot")
	}
	if err := json.Unmarshal(payload, &snap.Nodes); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal snapshot %d", snap.Version)
	}
	return &snap, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context) ([]model.SnapshotInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT version, taken_at, node_count FROM graph_snapshots ORDER BY version DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list snapshots")
	}
	defer rows.Close()

	var out []model.SnapshotInfo
	for rows.Next() {
		var info model.SnapshotInfo
		if err := rows.Scan(&info.Version, &info.TakenAt, &info.NodeCount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot info")
		}
		out = append(out, info)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate snapshots")
}

func (s *PostgresStore) PruneSnapshots(ctx context.Context, keep int) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM graph_snapshots WHERE version NOT IN (
			SELECT version FROM graph_snapshots ORDER BY version DESC LIMIT $1
		)`, keepCount(keep),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune snapshots")
	}
	return int(tag.RowsAffected()), nil
}
