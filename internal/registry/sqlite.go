package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS liveness (
	name            TEXT PRIMARY KEY,
	pid             INTEGER NOT NULL DEFAULT 0,
	process_start   INTEGER NOT NULL DEFAULT 0,
	started_at      INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	degraded        INTEGER NOT NULL DEFAULT 0,
	restarts        INTEGER NOT NULL DEFAULT 0,
	next_restart_at INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	updated_at      INTEGER NOT NULL
);`

const recordColumns = `name, pid, process_start, started_at, status, degraded, restarts, next_restart_at, last_error, updated_at`

// SQLiteStore keeps records in a local SQLite database shared by the
// supervisor and the agents it launched.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
	now  func() time.Time
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func OpenSQLite(path string, poolSize int, log zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite registry: path is required")
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	dsn := "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite registry: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(poolSize)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite registry: schema %s: %w", path, err)
	}
	log.Debug().Str("path", path).Int("pool_size", poolSize).Msg("liveness registry opened")
	return &SQLiteStore{db: db, path: path, log: log, now: time.Now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (Record, error) {
	return getRecord(ctx, s.db, name)
}

func getRecord(ctx context.Context, q queryer, name string) (Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM liveness WHERE name = ?`, name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("sqlite registry: get %s: %w", name, err)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM liveness ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite registry: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite registry: list: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite registry: list: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	return putRecord(ctx, s.db, rec)
}

func putRecord(ctx context.Context, q queryer, rec Record) error {
	_, err := q.ExecContext(ctx, `INSERT INTO liveness (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			pid = excluded.pid,
			process_start = excluded.process_start,
			started_at = excluded.started_at,
			status = excluded.status,
			degraded = excluded.degraded,
			restarts = excluded.restarts,
			next_restart_at = excluded.next_restart_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		rec.Name,
		rec.PID,
		rec.ProcessStart,
		unixNano(rec.StartedAt),
		string(rec.Status),
		boolInt(rec.Degraded),
		rec.Restarts,
		unixNano(rec.NextRestartAt),
		rec.LastError,
		unixNano(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite registry: put %s: %w", rec.Name, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM liveness WHERE name = ?`, name); err != nil {
		return fmt.Errorf("sqlite registry: delete %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) ReportHealth(ctx context.Context, name string, h Health) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite registry: begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	rec, err := getRecord(ctx, tx, name)
	if err != nil {
		return err
	}
	if err := applyHealth(&rec, h, s.now().UTC()); err != nil {
		return err
	}
	return putRecord(ctx, tx, rec)
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite registry: closing %s: %w", s.path, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec                               Record
		status                            string
		degraded                          int64
		startedAt, nextRestart, updatedAt int64
	)
	err := row.Scan(&rec.Name, &rec.PID, &rec.ProcessStart, &startedAt, &status, &degraded,
		&rec.Restarts, &nextRestart, &rec.LastError, &updatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.Degraded = degraded != 0
	rec.StartedAt = fromUnixNano(startedAt)
	rec.NextRestartAt = fromUnixNano(nextRestart)
	rec.UpdatedAt = fromUnixNano(updatedAt)
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
