package table

import (
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// Cast converts v to typ. A nil input casts to nil. ok is false when v is
// not representable as typ.
func Cast(v any, typ ColumnType) (out any, ok bool) {
	if v == nil {
		return nil, true
	}
	switch typ {
	case Int64:
		return toInt64(v)
	case Float64:
		f, ok := toFloat(v)
		if !ok {
			return nil, false
		}
		return f, true
	case Bool:
		return toBool(v)
	case Timestamp:
		return toTime(v)
	default:
		return toString(v), true
	}
}

func castTable(logger *slog.Logger, t *Table, schema Schema) {
	for ci, col := range t.Columns {
		typ, ok := schema[col]
		if !ok {
			continue
		}
		failed := 0
		for _, row := range t.Rows {
			v, ok := Cast(row[ci], typ)
			if !ok {
				failed++
			}
			row[ci] = v
		}
		if failed > 0 {
			logger.Warn("values could not be cast; stored as null", "column", col, "type", typ.String(), "count", failed)
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toInt64(v any) (any, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return n, true
		}
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) >= 1<<63 {
		return nil, false
	}
	return int64(f), true
}

func toBool(v any) (any, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil, false
		}
		return b, true
	}
	return nil, false
}

// toTime accepts time.Time, RFC 3339 strings, and numbers as Unix milliseconds.
func toTime(v any) (any, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(x))
		if err != nil {
			return nil, false
		}
		return ts.UTC(), true
	}
	f, ok := toFloat(v)
	if !ok {
		return nil, false
	}
	return time.UnixMilli(int64(f)).UTC(), true
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case json.Number:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
