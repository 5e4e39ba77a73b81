// Package warehouse loads processed artifacts into the dimensional schema.
package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/i474232898/clean-air-etl/internal/table"
)

// Column is one warehouse column. Source names the artifact column it is
// filled from when that differs from Name.
type Column struct {
	Name   string
	Type   table.ColumnType
	Source string
}

func (c Column) source() string {
	if c.Source != "" {
		return c.Source
	}
	return c.Name
}

// TableSpec ties a warehouse table to the processed artifacts that feed it.
type TableSpec struct {
	Name string

	// Prefix and Pattern select the newest artifact for this table.
	Prefix  string
	Pattern string

	Columns []Column

	// Key is the natural key. Fact tables get a unique constraint on it.
	Key []string
	// Update lists the columns overwritten when a merged row matches Key.
	Update []string
}

// ColumnNames returns the warehouse column names in order.
func (s TableSpec) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Warehouse is the statement-level contract shared by the Postgres and
// SQLite backends.
type Warehouse interface {
	// EnsureTable creates the table if it does not exist.
	EnsureTable(ctx context.Context, spec TableSpec) error
	// Truncate removes every row of the table.
	Truncate(ctx context.Context, table string) error
	// CopyRows bulk-inserts rows whose values follow columns.
	CopyRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
	// MergeRows upserts rows (in spec.Columns order) on spec.Key, updating
	// only spec.Update on a match, in a single transaction.
	MergeRows(ctx context.Context, spec TableSpec, rows [][]any) (int64, error)
	Close() error
}

type dialect struct {
	types       map[table.ColumnType]string
	placeholder func(n int) string
}

var postgresDialect = dialect{
	types: map[table.ColumnType]string{
		table.Int64:     "BIGINT",
		table.Float64:   "DOUBLE PRECISION",
		table.String:    "TEXT",
		table.Bool:      "BOOLEAN",
		table.Timestamp: "TIMESTAMPTZ",
	},
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
}

var sqliteDialect = dialect{
	types: map[table.ColumnType]string{
		table.Int64:     "INTEGER",
		table.Float64:   "REAL",
		table.String:    "TEXT",
		table.Bool:      "BOOLEAN",
		table.Timestamp: "TIMESTAMP",
	},
	placeholder: func(int) string { return "?" },
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteIdents(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = quoteIdent(n)
	}
	return strings.Join(q, ", ")
}

func (d dialect) createTable(spec TableSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(spec.Name))
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(",\n")
		}
		fmt.Fprintf(&b, "\t%s %s", quoteIdent(c.Name), d.types[c.Type])
	}
	if len(spec.Key) > 0 && len(spec.Update) > 0 {
		fmt.Fprintf(&b, ",\n\tUNIQUE (%s)", quoteIdents(spec.Key))
	}
	b.WriteString("\n)")
	return b.String()
}

func (d dialect) insert(tableName string, columns []string) string {
	ph := make([]string, len(columns))
	for i := range columns {
		ph[i] = d.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(tableName), quoteIdents(columns), strings.Join(ph, ", "))
}

// upsert is shared by both backends; Postgres and SQLite accept the same
// ON CONFLICT syntax.
func (d dialect) upsert(spec TableSpec) string {
	set := make([]string, len(spec.Update))
	for i, c := range spec.Update {
		set[i] = fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c))
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		d.insert(spec.Name, spec.ColumnNames()), quoteIdents(spec.Key), strings.Join(set, ", "))
}

func validateMerge(spec TableSpec) error {
	if len(spec.Key) == 0 || len(spec.Update) == 0 {
		return fmt.Errorf("merge into %s: key and update columns are required", spec.Name)
	}
	return nil
}
