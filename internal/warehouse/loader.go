package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/i474232898/clean-air-etl/internal/artifact"
	"github.com/i474232898/clean-air-etl/internal/metrics"
	"github.com/i474232898/clean-air-etl/internal/table"
)

// ErrNoArtifact is returned when no processed artifact matches a table.
var ErrNoArtifact = errors.New("no processed artifact found")

// Loader moves the newest processed artifact of a table into the warehouse.
// Failures are logged and returned; nothing is retried.
type Loader struct {
	store  artifact.Store
	wh     Warehouse
	logger *slog.Logger
}

func NewLoader(store artifact.Store, wh Warehouse, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: store, wh: wh, logger: logger}
}

// EnsureTables creates every table that does not exist yet.
func (l *Loader) EnsureTables(ctx context.Context, specs ...TableSpec) error {
	for _, spec := range specs {
		if err := l.wh.EnsureTable(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// LoadDimension replaces the content of a dimension table with the newest
// artifact. Truncate and copy are separate statements: a crash between the
// two leaves the table empty until the next successful load.
func (l *Loader) LoadDimension(ctx context.Context, spec TableSpec) (int64, error) {
	logger := l.logger.With("table", spec.Name, "mode", "replace")

	key, rows, err := l.newestRows(ctx, spec)
	if err != nil {
		logger.Error("dimension load failed", "error", err)
		return 0, err
	}

	if err := l.wh.Truncate(ctx, spec.Name); err != nil {
		logger.Error("dimension load failed", "key", key, "error", err)
		return 0, err
	}
	n, err := l.wh.CopyRows(ctx, spec.Name, spec.ColumnNames(), rows)
	if err != nil {
		logger.Error("dimension load failed after truncate; table is empty", "key", key, "error", err)
		return 0, err
	}

	metrics.CounterRowsLoaded.WithLabelValues(spec.Name, "replace").Add(float64(n))
	logger.Info("dimension loaded", "key", key, "rows", n)
	return n, nil
}

// LoadFact upserts the newest artifact into a fact table on spec.Key.
// Applying the same artifact twice leaves the table unchanged.
func (l *Loader) LoadFact(ctx context.Context, spec TableSpec) (int64, error) {
	logger := l.logger.With("table", spec.Name, "mode", "merge")

	key, rows, err := l.newestRows(ctx, spec)
	if err != nil {
		logger.Error("fact load failed", "error", err)
		return 0, err
	}

	// A null key never conflicts, so such a row would be inserted again on
	// every load.
	rows, skipped := withKeys(spec, rows)
	if skipped > 0 {
		logger.Warn("skipping rows with a null merge key", "key", key, "rows", skipped)
	}

	n, err := l.wh.MergeRows(ctx, spec, rows)
	if err != nil {
		logger.Error("fact load failed", "key", key, "error", err)
		return 0, err
	}

	metrics.CounterRowsLoaded.WithLabelValues(spec.Name, "merge").Add(float64(n))
	logger.Info("fact merged", "key", key, "rows", len(rows), "affected", n)
	return n, nil
}

// newestRows finds and decodes the newest artifact for spec and maps its
// columns onto the table by name. Missing source columns load as nulls.
func (l *Loader) newestRows(ctx context.Context, spec TableSpec) (string, [][]any, error) {
	key, ok, err := artifact.FindNewest(ctx, l.store, spec.Prefix, spec.Pattern)
	if err != nil {
		return "", nil, fmt.Errorf("load %s: list artifacts: %w", spec.Name, err)
	}
	if !ok {
		return "", nil, fmt.Errorf("load %s: %w under %s matching %q", spec.Name, ErrNoArtifact, spec.Prefix, spec.Pattern)
	}

	b, err := l.store.Get(ctx, key)
	if err != nil {
		return key, nil, fmt.Errorf("load %s: read %s: %w", spec.Name, key, err)
	}
	t, _, err := table.DecodeParquet(b)
	if err != nil {
		return key, nil, fmt.Errorf("load %s: decode %s: %w", spec.Name, key, err)
	}
	return key, l.mapRows(spec, t), nil
}

func withKeys(spec TableSpec, rows [][]any) ([][]any, int) {
	var keyIdx []int
	for i, c := range spec.Columns {
		for _, k := range spec.Key {
			if c.Name == k {
				keyIdx = append(keyIdx, i)
			}
		}
	}

	kept := rows[:0]
	for _, row := range rows {
		complete := true
		for _, i := range keyIdx {
			if row[i] == nil {
				complete = false
				break
			}
		}
		if complete {
			kept = append(kept, row)
		}
	}
	return kept, len(rows) - len(kept)
}

func (l *Loader) mapRows(spec TableSpec, t *table.Table) [][]any {
	idx := make([]int, len(spec.Columns))
	for i, c := range spec.Columns {
		idx[i] = t.Index(c.source())
		if idx[i] < 0 {
			l.logger.Warn("artifact column missing; loading nulls", "table", spec.Name, "column", c.source())
		}
	}

	rows := make([][]any, 0, t.Len())
	for _, src := range t.Rows {
		row := make([]any, len(spec.Columns))
		for i, c := range spec.Columns {
			if idx[i] < 0 {
				continue
			}
			v, ok := table.Cast(src[idx[i]], c.Type)
			if !ok {
				v = nil
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	return rows
}
