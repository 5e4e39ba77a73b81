package table

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultIngestColumn is the column stamped with the capture time.
const DefaultIngestColumn = "ingest_ts"

// Options describes one normalization.
type Options struct {
	// Rename maps flattened source keys to output column names. Keys not in
	// the map pass through unchanged.
	Rename map[string]string

	// DedupKeys are the natural-key columns. The first row for each key
	// tuple is kept.
	DedupKeys []string

	// Columns is the exact output column list. When empty, every column seen
	// in the input is kept.
	Columns []string

	Schema Schema

	// IngestColumn defaults to DefaultIngestColumn.
	IngestColumn string
}

// Normalizer turns nested JSON records into a Table with a fixed shape.
// It never fails: data problems are logged and the affected values dropped.
type Normalizer struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// NewNormalizer returns a Normalizer that stamps rows with the wall clock.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Normalize flattens, renames, deduplicates, stamps, projects and casts
// records, in that order.
func (n *Normalizer) Normalize(records []map[string]any, opts Options) *Table {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ingestCol := opts.IngestColumn
	if ingestCol == "" {
		ingestCol = DefaultIngestColumn
	}

	// Flatten and rename, collecting columns in first-seen order.
	var columns []string
	seen := make(map[string]bool)
	flat := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		f := Flatten(rec)
		renamed := make(map[string]any, len(f))
		for _, k := range sortedKeys(f) {
			name := k
			if to, ok := opts.Rename[k]; ok && to != "" {
				name = to
			}
			renamed[name] = f[k]
			if !seen[name] {
				seen[name] = true
				columns = append(columns, name)
			}
		}
		flat = append(flat, renamed)
	}

	flat = dedup(logger, flat, seen, opts.DedupKeys)

	now := time.Now().UTC()
	if n.Now != nil {
		now = n.Now().UTC()
	}
	if !seen[ingestCol] {
		columns = append(columns, ingestCol)
	}

	out := columns
	if len(opts.Columns) > 0 {
		out = opts.Columns
	}
	t := New(out...)
	t.Rows = make([][]any, 0, len(flat))
	for _, rec := range flat {
		row := make([]any, len(out))
		for i, c := range out {
			if c == ingestCol {
				row[i] = now
				continue
			}
			row[i] = rec[c]
		}
		t.Rows = append(t.Rows, row)
	}

	if len(opts.Schema) > 0 {
		castTable(logger, t, opts.Schema)
	}
	return t
}

// Flatten joins nested map keys with "_". Lists are kept as values.
func Flatten(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	flattenInto(out, "", rec)
	return out
}

// flattenInto visits keys in sorted order, so a flat key such as "a_b"
// always wins over the nested path {"a":{"b":...}} it collides with.
func flattenInto(dst map[string]any, prefix string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flattenInto(dst, key, nested)
			continue
		}
		dst[key] = v
	}
}

func dedup(logger *slog.Logger, rows []map[string]any, present map[string]bool, keys []string) []map[string]any {
	if len(keys) == 0 || len(rows) == 0 {
		return rows
	}
	for _, k := range keys {
		if !present[k] {
			logger.Warn("dedup key missing from data; skipping deduplication", "key", k, "keys", keys)
			return rows
		}
	}

	seen := make(map[string]struct{}, len(rows))
	out := rows[:0:0]
	var sb strings.Builder
	for _, r := range rows {
		sb.Reset()
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(0)
			}
			sb.WriteString(keyString(r[k]))
		}
		id := sb.String()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, r)
	}
	if dropped := len(rows) - len(out); dropped > 0 {
		logger.Debug("dropped duplicate rows", "count", dropped, "keys", keys)
	}
	return out
}

// keyString renders a natural-key value so that 1, 1.0 and "1" compare equal.
func keyString(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x00null"
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	if f, ok := toFloat(v); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
