package table

// ColumnType is the declared type of a column in a processed table.
type ColumnType int

const (
	String ColumnType = iota
	Int64
	Float64
	Bool
	Timestamp
)

func (c ColumnType) String() string {
	switch c {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	case Timestamp:
		return "timestamp"
	default:
		return "string"
	}
}

// Schema maps column names to their declared types. Columns absent from the
// schema are left as decoded.
type Schema map[string]ColumnType

// Table is a column-ordered set of rows. A nil cell is a null.
//
// Int64 columns hold int64, Float64 columns float64, Timestamp columns
// time.Time in UTC.
type Table struct {
	Columns []string
	Rows    [][]any
}

// New returns an empty table with the given columns.
func New(columns ...string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Columns: cols}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Index returns the position of col or -1.
func (t *Table) Index(col string) int {
	for i, c := range t.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

// Has reports whether the table carries col.
func (t *Table) Has(col string) bool {
	return t.Index(col) >= 0
}

// Append adds a row. Short rows are padded with nulls.
func (t *Table) Append(values ...any) {
	row := make([]any, len(t.Columns))
	copy(row, values)
	t.Rows = append(t.Rows, row)
}

// Get returns the cell at (row, col), or nil when the column is unknown.
func (t *Table) Get(row int, col string) any {
	i := t.Index(col)
	if i < 0 {
		return nil
	}
	return t.Rows[row][i]
}

// Set writes the cell at (row, col), adding the column when missing.
func (t *Table) Set(row int, col string, v any) {
	i := t.Index(col)
	if i < 0 {
		t.AddColumn(col)
		i = len(t.Columns) - 1
	}
	t.Rows[row][i] = v
}

// AddColumn appends a null-filled column. It is a no-op when the column exists.
func (t *Table) AddColumn(col string) {
	if t.Has(col) {
		return
	}
	t.Columns = append(t.Columns, col)
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], nil)
	}
}

// Column returns a copy of every value in col.
func (t *Table) Column(col string) []any {
	i := t.Index(col)
	out := make([]any, len(t.Rows))
	if i < 0 {
		return out
	}
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out
}

// Project returns a new table holding exactly columns, in that order.
// Columns the table does not have are null-filled.
func (t *Table) Project(columns ...string) *Table {
	out := New(columns...)
	idx := make([]int, len(columns))
	for i, c := range columns {
		idx[i] = t.Index(c)
	}
	out.Rows = make([][]any, len(t.Rows))
	for r, row := range t.Rows {
		nr := make([]any, len(columns))
		for i, j := range idx {
			if j >= 0 {
				nr[i] = row[j]
			}
		}
		out.Rows[r] = nr
	}
	return out
}

// Filter returns a new table with the rows for which keep returns true.
func (t *Table) Filter(keep func(row int) bool) *Table {
	out := New(t.Columns...)
	for r, row := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

// Records returns the rows as maps keyed by column name.
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for i, c := range t.Columns {
			rec[c] = row[i]
		}
		out = append(out, rec)
	}
	return out
}
