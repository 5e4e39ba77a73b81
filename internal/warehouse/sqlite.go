package warehouse

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLite is a Warehouse on a local SQLite file, used for local runs and
// tests.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path. ":memory:" is allowed.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases exist per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB exposes the handle for queries outside the load path.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) EnsureTable(ctx context.Context, spec TableSpec) error {
	if _, err := s.db.ExecContext(ctx, sqliteDialect.createTable(spec)); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

// Truncate deletes every row; SQLite has no TRUNCATE statement.
func (s *SQLite) Truncate(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM "+quoteIdent(table)); err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	return nil
}

func (s *SQLite) CopyRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return s.execRows(ctx, table, sqliteDialect.insert(table, columns), rows)
}

func (s *SQLite) MergeRows(ctx context.Context, spec TableSpec, rows [][]any) (int64, error) {
	if err := validateMerge(spec); err != nil {
		return 0, err
	}
	return s.execRows(ctx, spec.Name, sqliteDialect.upsert(spec), rows)
}

// execRows runs query once per row inside one transaction.
func (s *SQLite) execRows(ctx context.Context, table, query string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("load %s: begin: %w", table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("load %s: prepare: %w", table, err)
	}
	defer stmt.Close()

	var affected int64
	for i, r := range rows {
		res, err := stmt.ExecContext(ctx, r...)
		if err != nil {
			return 0, fmt.Errorf("load %s: row %d: %w", table, i, err)
		}
		n, err := res.RowsAffected()
		if err == nil {
			affected += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("load %s: commit: %w", table, err)
	}
	return affected, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
