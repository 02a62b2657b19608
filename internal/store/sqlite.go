package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/seantiz/kiln/internal/model"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS functions (
    id                     INTEGER PRIMARY KEY AUTOINCREMENT,
    name                   TEXT NOT NULL UNIQUE,
    route                  TEXT NOT NULL UNIQUE,
    language               TEXT NOT NULL,
    code                   TEXT NOT NULL,
    timeout                INTEGER NOT NULL DEFAULT 5,
    virtualization_backend TEXT NOT NULL,
    is_active              BOOLEAN NOT NULL DEFAULT 1,
    created_at             DATETIME NOT NULL,
    updated_at             DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS execution_metrics (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    function_id   INTEGER NOT NULL,
    success       BOOLEAN NOT NULL,
    duration      REAL NOT NULL,
    backend_used  TEXT NOT NULL,
    error_message TEXT,
    timestamp     DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_metrics_function
    ON execution_metrics (function_id, backend_used)`,
	`CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    function_id INTEGER NOT NULL,
    status      TEXT NOT NULL,
    backend     TEXT NOT NULL,
    stdout      TEXT,
    stderr      TEXT,
    exit_code   INTEGER,
    error       TEXT,
    cold_start  BOOLEAN NOT NULL DEFAULT 0,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    line         TEXT NOT NULL,
    created_at   DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_logs_execution
    ON execution_logs (execution_id, seq)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isConstraintErr(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

const functionColumns = `id, name, route, language, code, timeout,
	virtualization_backend, is_active, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanFunction(row scanner) (*model.Function, error) {
	f := &model.Function{}
	var lang, backend string
	if err := row.Scan(
		&f.ID, &f.Name, &f.Route, &lang, &f.Code, &f.TimeoutS,
		&backend, &f.IsActive, &f.CreatedAt, &f.UpdatedAt,
	); err != nil {
		return nil, err
	}
	f.Language = model.Language(lang)
	// Rows written by older deployments use the docker/gvisor names.
	f.Backend = model.ParseBackend(backend)
	return f, nil
}

// CreateFunction inserts f and sets its ID and timestamps.
func (s *SQLiteStore) CreateFunction(ctx context.Context, f *model.Function) error {
	now := s.now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO functions (name, route, language, code, timeout,
			virtualization_backend, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Name, f.Route, string(f.Language), f.Code, f.TimeoutS,
		string(f.Backend), f.IsActive, now, now,
	)
	if isConstraintErr(err) {
		return fmt.Errorf("insert function %q: %w", f.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert function: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read function id: %w", err)
	}
	f.ID = id
	f.CreatedAt = now
	f.UpdatedAt = now
	return nil
}

// GetFunction retrieves a function by ID.
func (s *SQLiteStore) GetFunction(ctx context.Context, id int64) (*model.Function, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+functionColumns+` FROM functions WHERE id = ?`, id)
	f, err := scanFunction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get function: %w", err)
	}
	return f, nil
}

// ListFunctions returns every function ordered by ID.
func (s *SQLiteStore) ListFunctions(ctx context.Context) ([]*model.Function, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+functionColumns+` FROM functions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	defer rows.Close()

	var fns []*model.Function
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan function: %w", err)
		}
		fns = append(fns, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate functions: %w", err)
	}
	return fns, nil
}

// UpdateFunction replaces the mutable fields of the function with f.ID.
func (s *SQLiteStore) UpdateFunction(ctx context.Context, f *model.Function) error {
	now := s.now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx,
		`UPDATE functions SET name = ?, route = ?, language = ?, code = ?,
			timeout = ?, virtualization_backend = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		f.Name, f.Route, string(f.Language), f.Code, f.TimeoutS,
		string(f.Backend), f.IsActive, now, f.ID,
	)
	if isConstraintErr(err) {
		return fmt.Errorf("update function %d: %w", f.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("update function: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	f.UpdatedAt = now
	return nil
}

// DeleteFunction removes a function. Its metrics and history are kept.
func (s *SQLiteStore) DeleteFunction(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM functions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete function: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMetric inserts one execution metric.
func (s *SQLiteStore) AppendMetric(ctx context.Context, rec model.MetricRecord) error {
	var errMsg sql.NullString
	if rec.Error != nil {
		errMsg = sql.NullString{String: *rec.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_metrics (function_id, success, duration, backend_used, error_message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.FunctionID, rec.Success, rec.Duration, string(rec.Backend), errMsg, rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// MetricSummaries aggregates metrics per (function, backend).
func (s *SQLiteStore) MetricSummaries(ctx context.Context) ([]model.MetricSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT function_id, backend_used, COUNT(*), SUM(success),
			MIN(duration), MAX(duration), AVG(duration)
		FROM execution_metrics
		GROUP BY function_id, backend_used
		ORDER BY function_id, backend_used`)
	if err != nil {
		return nil, fmt.Errorf("query metric summaries: %w", err)
	}
	defer rows.Close()

	var out []model.MetricSummary
	for rows.Next() {
		var m model.MetricSummary
		var backend string
		var minT, maxT, avgT sql.NullFloat64
		if err := rows.Scan(&m.FunctionID, &backend, &m.TotalRuns, &m.SuccessfulRuns, &minT, &maxT, &avgT); err != nil {
			return nil, fmt.Errorf("scan metric summary: %w", err)
		}
		m.Backend = model.Backend(backend)
		m.FailedRuns = m.TotalRuns - m.SuccessfulRuns
		m.MinTime = round3(minT.Float64)
		m.MaxTime = round3(maxT.Float64)
		m.AvgTime = round3(avgT.Float64)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric summaries: %w", err)
	}
	return out, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
