package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/anvil/internal/model"

	_ "modernc.org/sqlite"
)

const createConversionsTable = `
CREATE TABLE IF NOT EXISTS conversions (
    id             TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    filename       TEXT NOT NULL,
    source_format  TEXT NOT NULL DEFAULT '',
    target_format  TEXT NOT NULL,
    filter_options TEXT NOT NULL DEFAULT '',
    worker_id      TEXT NOT NULL DEFAULT '',
    input_size     INTEGER NOT NULL DEFAULT 0,
    output_size    INTEGER NOT NULL DEFAULT 0,
    output         BLOB,
    error          TEXT NOT NULL DEFAULT '',
    queue_wait_ms  INTEGER,
    duration_ms    INTEGER,
    created_at     DATETIME NOT NULL,
    started_at     DATETIME,
    finished_at    DATETIME
)`

const createConversionsIndex = `CREATE INDEX IF NOT EXISTS conversions_created_at ON conversions (created_at)`

// conversionColumns excludes the output blob, which is only read by
// GetConversionOutput.
const conversionColumns = `id, status, filename, source_format, target_format, filter_options,
	worker_id, input_size, output_size, error, queue_wait_ms, duration_ms,
	created_at, started_at, finished_at`

// ErrNotFound is returned when a conversion is not found.
var ErrNotFound = errors.New("conversion not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
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

	for _, stmt := range []string{createConversionsTable, createConversionsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConversion inserts a new conversion record.
func (s *SQLiteStore) CreateConversion(ctx context.Context, c *model.Conversion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversions (
			id, status, filename, source_format, target_format, filter_options,
			worker_id, input_size, output_size, output, error, queue_wait_ms,
			duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Status, c.Filename, c.SourceFormat, c.TargetFormat, c.FilterOptions,
		c.WorkerID, c.InputSize, c.OutputSize, c.Output, c.Error, c.QueueWaitMS,
		c.DurationMS, c.CreatedAt, c.StartedAt, c.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversion: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversion(row scanner) (*model.Conversion, error) {
	c := &model.Conversion{}
	err := row.Scan(
		&c.ID, &c.Status, &c.Filename, &c.SourceFormat, &c.TargetFormat, &c.FilterOptions,
		&c.WorkerID, &c.InputSize, &c.OutputSize, &c.Error, &c.QueueWaitMS, &c.DurationMS,
		&c.CreatedAt, &c.StartedAt, &c.FinishedAt,
	)
	return c, err
}

// GetConversion retrieves a conversion by ID.
func (s *SQLiteStore) GetConversion(ctx context.Context, id string) (*model.Conversion, error) {
	c, err := scanConversion(s.db.QueryRowContext(ctx,
		`SELECT `+conversionColumns+` FROM conversions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversion: %w", err)
	}
	return c, nil
}

// GetConversionOutput returns the converted document. It returns nil for a
// conversion that has not completed.
func (s *SQLiteStore) GetConversionOutput(ctx context.Context, id string) ([]byte, error) {
	var out []byte
	err := s.db.QueryRowContext(ctx, `SELECT output FROM conversions WHERE id = ?`, id).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversion output: %w", err)
	}
	return out, nil
}

// ListConversions returns a paginated list of conversions ordered by created_at DESC,
// along with the total count of all conversions.
func (s *SQLiteStore) ListConversions(ctx context.Context, limit, offset int) ([]*model.Conversion, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+conversionColumns+` FROM conversions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversions: %w", err)
	}
	defer rows.Close()

	var conversions []*model.Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan conversion: %w", err)
		}
		conversions = append(conversions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate conversions: %w", err)
	}

	return conversions, total, nil
}

// checkTransition reads the current status inside tx and validates the move
// to status.
func checkTransition(ctx context.Context, tx *sql.Tx, id, status string) error {
	var current string
	err := tx.QueryRowContext(ctx, "SELECT status FROM conversions WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read conversion status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}
	return nil
}

// UpdateConversionStatus updates the status of a conversion. For terminal
// statuses it also sets finished_at.
func (s *SQLiteStore) UpdateConversionStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, id, status); err != nil {
		return err
	}

	if model.IsTerminal(status) {
		_, err = tx.ExecContext(ctx,
			"UPDATE conversions SET status = ?, finished_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE conversions SET status = ? WHERE id = ?",
			status, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update conversion status: %w", err)
	}

	return tx.Commit()
}

// UpdateConversion moves a conversion to c.Status and records the result
// fields that are set on c. Zero-valued fields keep their stored value.
func (s *SQLiteStore) UpdateConversion(ctx context.Context, c *model.Conversion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, c.ID, c.Status); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversions SET
			status        = ?,
			worker_id     = COALESCE(NULLIF(?, ''), worker_id),
			output_size   = CASE WHEN ? > 0 THEN ? ELSE output_size END,
			output        = COALESCE(?, output),
			error         = COALESCE(NULLIF(?, ''), error),
			queue_wait_ms = COALESCE(?, queue_wait_ms),
			duration_ms   = COALESCE(?, duration_ms),
			started_at    = COALESCE(?, started_at),
			finished_at   = COALESCE(?, finished_at)
		WHERE id = ?`,
		c.Status,
		c.WorkerID,
		c.OutputSize, c.OutputSize,
		c.Output,
		c.Error,
		c.QueueWaitMS,
		c.DurationMS,
		c.StartedAt,
		c.FinishedAt,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversion: %w", err)
	}

	return tx.Commit()
}

// GetConversionStats computes aggregate statistics over all conversions.
func (s *SQLiteStore) GetConversionStats(ctx context.Context) (*ConversionStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &ConversionStats{
		CountByStatus:       make(map[string]int),
		CountByTargetFormat: make(map[string]int),
	}

	var avgDuration, avgWait sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(duration_ms), AVG(queue_wait_ms),
			COALESCE(SUM(input_size), 0), COALESCE(SUM(output_size), 0)
		FROM conversions`,
	).Scan(&stats.Total, &avgDuration, &avgWait, &stats.TotalInputBytes, &stats.TotalOutputBytes); err != nil {
		return nil, fmt.Errorf("aggregate conversions: %w", err)
	}
	stats.AvgDurationMS = avgDuration.Float64
	stats.AvgQueueWaitMS = avgWait.Float64

	if err := countBy(ctx, tx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := countBy(ctx, tx, "target_format", stats.CountByTargetFormat); err != nil {
		return nil, err
	}

	return stats, nil
}

// countBy fills into with row counts grouped by column. column is a fixed
// identifier, never user input.
func countBy(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM conversions GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}
