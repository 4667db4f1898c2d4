// Package tabular is the storage collaborator holding the datasets under
// correction. Rows live in SQLite as canonical JSON keyed by (table, row
// index); the engine reads samples and full tables and writes whole tables
// back, never individual records.
package tabular

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/tablemend/tablemend/internal/faults"
	"github.com/tablemend/tablemend/internal/logging"
	"github.com/tablemend/tablemend/internal/types"
)

// ErrNoSuchTable is returned when a table has no stored rows.
var ErrNoSuchTable = errors.New("no rows stored for table")

// DefaultSampleSize is how many rows a preview sample reads.
const DefaultSampleSize = 5

// TableStore is the engine's view of tabular storage.
type TableStore interface {
	ReadSample(ctx context.Context, table string, limit int) ([]types.Row, error)
	ReadFullTable(ctx context.Context, table string) ([]types.Row, error)
	WriteTable(ctx context.Context, table string, rows []types.Row) error
	ListTables(ctx context.Context) ([]string, error)
}

// =============================================================================
// SQLITE IMPLEMENTATION
// =============================================================================

// SQLiteStore implements TableStore over a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

var _ TableStore = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening table store: %w", err)
	}
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	store := &SQLiteStore{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Tabular("table store ready at %s", path)
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS data_rows (
		table_name TEXT NOT NULL,
		row_index  INTEGER NOT NULL,
		record     TEXT NOT NULL,
		PRIMARY KEY (table_name, row_index)
	);
	CREATE INDEX IF NOT EXISTS idx_data_rows_table ON data_rows(table_name);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating table store schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// ReadSample reads up to limit rows in stored order.
func (s *SQLiteStore) ReadSample(ctx context.Context, table string, limit int) ([]types.Row, error) {
	if limit <= 0 {
		limit = DefaultSampleSize
	}
	return s.readRows(ctx, table, limit)
}

// ReadFullTable reads every row of a table in stored order.
func (s *SQLiteStore) ReadFullTable(ctx context.Context, table string) ([]types.Row, error) {
	return s.readRows(ctx, table, -1)
}

func (s *SQLiteStore) readRows(ctx context.Context, table string, limit int) ([]types.Row, error) {
	const op = "tabular.readRows"
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT record FROM data_rows WHERE table_name = ? ORDER BY row_index`
	args := []interface{}{table}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, faults.Wrapf(faults.KindStorage, op, err, "reading %s", table)
	}
	defer rows.Close()

	var out []types.Row
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, faults.Wrap(faults.KindStorage, op, err)
		}
		var row types.Row
		if err := json.Unmarshal([]byte(record), &row); err != nil {
			return nil, faults.Wrapf(faults.KindStorage, op, err, "corrupt record in %s", table)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.KindStorage, op, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTable, table)
	}
	return out, nil
}

// WriteTable replaces a table's rows in one transaction. Either every record
// lands or none do.
func (s *SQLiteStore) WriteTable(ctx context.Context, table string, newRows []types.Row) error {
	const op = "tabular.WriteTable"
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM data_rows WHERE table_name = ?`, table); err != nil {
		return faults.Wrapf(faults.KindStorage, op, err, "clearing %s", table)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO data_rows (table_name, row_index, record) VALUES (?, ?, ?)`)
	if err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}
	defer stmt.Close()

	for i, row := range newRows {
		record, err := json.Marshal(row)
		if err != nil {
			return faults.Wrapf(faults.KindStorage, op, err, "encoding row %d of %s", i, table)
		}
		if _, err := stmt.ExecContext(ctx, table, i, string(record)); err != nil {
			return faults.Wrapf(faults.KindStorage, op, err, "writing row %d of %s", i, table)
		}
	}
	if err := tx.Commit(); err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}
	logging.TabularDebug("wrote %d rows to %s", len(newRows), table)
	return nil
}

// ListTables returns the stored table names, sorted.
func (s *SQLiteStore) ListTables(ctx context.Context) ([]string, error) {
	const op = "tabular.ListTables"
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT table_name FROM data_rows ORDER BY table_name`)
	if err != nil {
		return nil, faults.Wrap(faults.KindStorage, op, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, faults.Wrap(faults.KindStorage, op, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
