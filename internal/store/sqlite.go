package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/imagefilter/internal/model"
	"github.com/sells-group/imagefilter/internal/watermark"
)

// sqliteTimeLayout sorts lexically for UTC values.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite.
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
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS event_records (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	record           TEXT NOT NULL,
	average_accuracy REAL NOT NULL,
	image_count      INTEGER NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_runs (
	id               TEXT PRIMARY KEY,
	started_at       TEXT NOT NULL,
	watermark_before TEXT NOT NULL,
	watermark_after  TEXT NOT NULL,
	records_written  INTEGER NOT NULL DEFAULT 0,
	result           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_event_records_type ON event_records(type);
CREATE INDEX IF NOT EXISTS idx_batch_runs_started_at ON batch_runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func (s *SQLiteStore) GetRecord(ctx context.Context, eventID string) (*model.OutputRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM event_records WHERE id = ?`, eventID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", eventID)
	}
	return decodeRecord([]byte(raw))
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]*model.OutputRecord, error) {
	query := `SELECT record FROM event_records WHERE 1=1`
	var args []any

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close() //nolint:errcheck

	var records []*model.OutputRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) Commit(ctx context.Context, records []*model.OutputRecord, wm time.Time) error {
	if err := validateRecords(records); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin commit")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return eris.Wrapf(err, "sqlite: encode record %s", rec.ID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO event_records (id, type, record, average_accuracy, image_count, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   type = excluded.type,
			   record = excluded.record,
			   average_accuracy = excluded.average_accuracy,
			   image_count = excluded.image_count,
			   updated_at = excluded.updated_at`,
			rec.ID, rec.Type.String(), string(b), rec.AverageConfidence, rec.Count, formatTime(rec.UpdatedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert record %s", rec.ID)
		}
	}

	if err := saveWatermarkSQLite(ctx, tx, wm); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveWatermarkSQLite(ctx context.Context, e execer, wm time.Time) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO pipeline_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		watermark.StateKey, formatTime(wm), formatTime(time.Now()),
	)
	return eris.Wrap(err, "sqlite: save watermark")
}

func (s *SQLiteStore) LoadWatermark(ctx context.Context) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM pipeline_state WHERE key = ?`, watermark.StateKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrap(err, "sqlite: load watermark")
	}
	wm, err := time.Parse(sqliteTimeLayout, raw)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "sqlite: parse watermark")
	}
	return wm.UTC(), nil
}

func (s *SQLiteStore) SaveWatermark(ctx context.Context, wm time.Time) error {
	return saveWatermarkSQLite(ctx, s.db, wm)
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.BatchResult) error {
	if run == nil || run.RunID == "" {
		return eris.New("sqlite: run without id")
	}
	b, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode run")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batch_runs (id, started_at, watermark_before, watermark_after, records_written, result)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET result = excluded.result, records_written = excluded.records_written`,
		run.RunID, formatTime(run.StartedAt), formatTime(run.WatermarkBefore), formatTime(run.WatermarkAfter),
		run.RecordsWritten, string(b),
	)
	return eris.Wrapf(err, "sqlite: save run %s", run.RunID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.BatchResult, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT result FROM batch_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.BatchResult
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		var run model.BatchResult
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode run")
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func decodeRecord(raw []byte) (*model.OutputRecord, error) {
	var rec model.OutputRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, eris.Wrap(err, "store: decode record")
	}
	return &rec, nil
}
