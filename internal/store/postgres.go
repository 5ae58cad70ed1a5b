package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/imagefilter/internal/db"
	"github.com/sells-group/imagefilter/internal/model"
	"github.com/sells-group/imagefilter/internal/watermark"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// recordUpsert stages records through COPY and merges them by event id.
var recordUpsert = db.UpsertConfig{
	Table:        "event_records",
	Columns:      []string{"id", "type", "record", "average_accuracy", "image_count", "updated_at"},
	ConflictKeys: []string{"id"},
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
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS event_records (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	record           JSONB NOT NULL,
	average_accuracy DOUBLE PRECISION NOT NULL,
	image_count      INTEGER NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_state (
	key        TEXT PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS batch_runs (
	id               TEXT PRIMARY KEY,
	started_at       TIMESTAMPTZ NOT NULL,
	watermark_before TIMESTAMPTZ NOT NULL,
	watermark_after  TIMESTAMPTZ NOT NULL,
	records_written  INTEGER NOT NULL DEFAULT 0,
	result           JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_event_records_type ON event_records(type);
CREATE INDEX IF NOT EXISTS idx_batch_runs_started_at ON batch_runs(started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, eventID string) (*model.OutputRecord, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM event_records WHERE id = $1`, eventID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", eventID)
	}
	return decodeRecord(raw)
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]*model.OutputRecord, error) {
	query := `SELECT record FROM event_records`
	var args []any

	if filter.Type != "" {
		args = append(args, filter.Type)
		query += ` WHERE type = $1`
	}
	args = append(args, filter.limit(), filter.Offset)
	query += ` ORDER BY id LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var records []*model.OutputRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

// Commit upserts the records and the watermark in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, records []*model.OutputRecord, wm time.Time) error {
	if err := validateRecords(records); err != nil {
		return err
	}

	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return eris.Wrapf(err, "postgres: encode record %s", rec.ID)
		}
		rows = append(rows, []any{rec.ID, rec.Type.String(), b, rec.AverageConfidence, rec.Count, rec.UpdatedAt.UTC()})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin commit")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := db.UpsertTx(ctx, tx, recordUpsert, rows); err != nil {
		return eris.Wrap(err, "postgres: upsert records")
	}
	if err := saveWatermarkPostgres(ctx, tx, wm); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func saveWatermarkPostgres(ctx context.Context, e pgExecer, wm time.Time) error {
	_, err := e.Exec(ctx,
		`INSERT INTO pipeline_state (key, ts, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET ts = EXCLUDED.ts, updated_at = now()`,
		watermark.StateKey, wm.UTC(),
	)
	return eris.Wrap(err, "postgres: save watermark")
}

func (s *PostgresStore) LoadWatermark(ctx context.Context) (time.Time, error) {
	var wm time.Time
	err := s.pool.QueryRow(ctx, `SELECT ts FROM pipeline_state WHERE key = $1`, watermark.StateKey).Scan(&wm)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrap(err, "postgres: load watermark")
	}
	return wm.UTC(), nil
}

func (s *PostgresStore) SaveWatermark(ctx context.Context, wm time.Time) error {
	return saveWatermarkPostgres(ctx, s.pool, wm)
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *model.BatchResult) error {
	if run == nil || run.RunID == "" {
		return eris.New("postgres: run without id")
	}
	b, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: encode run")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO batch_runs (id, started_at, watermark_before, watermark_after, records_written, result)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET result = EXCLUDED.result, records_written = EXCLUDED.records_written`,
		run.RunID, run.StartedAt.UTC(), run.WatermarkBefore.UTC(), run.WatermarkAfter.UTC(), run.RecordsWritten, b,
	)
	return eris.Wrapf(err, "postgres: save run %s", run.RunID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.BatchResult, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx, `SELECT result FROM batch_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.BatchResult
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var run model.BatchResult
		if err := json.Unmarshal(raw, &run); err != nil {
			return nil, eris.Wrap(err, "postgres: decode run")
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}
