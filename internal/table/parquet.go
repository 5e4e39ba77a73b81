package table

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/common"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

const (
	parquetRoot    = "parquet_go_root"
	parquetWorkers = 4
)

type schemaNode struct {
	Tag    string       `json:"Tag"`
	Fields []schemaNode `json:"Fields,omitempty"`
}

// parquetSchema builds the JSON schema understood by the parquet-go JSON
// writer. Every column is OPTIONAL so nulls survive the round trip.
func parquetSchema(columns []string, schema Schema) (string, error) {
	root := schemaNode{Tag: "name=" + parquetRoot + ", repetitiontype=REQUIRED"}
	for _, c := range columns {
		if c == "" || strings.ContainsAny(c, ",=.") {
			return "", fmt.Errorf("invalid parquet column name %q", c)
		}
		var typ string
		switch schema[c] {
		case Int64:
			typ = "type=INT64"
		case Float64:
			typ = "type=DOUBLE"
		case Bool:
			typ = "type=BOOLEAN"
		case Timestamp:
			typ = "type=INT64, convertedtype=TIMESTAMP_MILLIS"
		default:
			typ = "type=BYTE_ARRAY, convertedtype=UTF8"
		}
		root.Fields = append(root.Fields, schemaNode{
			Tag: fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", c, typ),
		})
	}
	b, err := json.Marshal(root)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeParquet writes t as a SNAPPY-compressed Parquet file. Columns missing
// from schema are written as strings; values are cast before writing.
func EncodeParquet(t *Table, schema Schema) ([]byte, error) {
	js, err := parquetSchema(t.Columns, schema)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "clean-air-parquet-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "table.parquet")

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("create parquet file: %w", err)
	}

	pw, err := writer.NewJSONWriter(js, fw, parquetWorkers)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for r, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for i, c := range t.Columns {
			v, ok := Cast(row[i], schema[c])
			if !ok || v == nil {
				continue
			}
			if ts, isTime := v.(time.Time); isTime {
				v = ts.UnixMilli()
			}
			rec[c] = v
		}
		line, err := json.Marshal(rec)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("encode row %d: %w", r, err)
		}
		if err := pw.Write(string(line)); err != nil {
			fw.Close()
			return nil, fmt.Errorf("write row %d: %w", r, err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("close parquet file: %w", err)
	}
	return os.ReadFile(path)
}

// DecodeParquet reads a file written by EncodeParquet. Column types come from
// the file footer.
func DecodeParquet(b []byte) (*Table, Schema, error) {
	dir, err := os.MkdirTemp("", "clean-air-parquet-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "table.parquet")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, nil, fmt.Errorf("write temp parquet: %w", err)
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open parquet file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetColumnReader(fr, parquetWorkers)
	if err != nil {
		return nil, nil, fmt.Errorf("create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	numRows := pr.GetNumRows()
	sh := pr.SchemaHandler
	elems := sh.SchemaElements
	if len(elems) == 0 {
		return nil, nil, fmt.Errorf("parquet file has no schema")
	}

	// The reader renames footer elements to exported Go identifiers, so
	// column names come from the external names and reads use the internal
	// path.
	schema := make(Schema, len(elems)-1)
	columns := make([]string, 0, len(elems)-1)
	paths := make([]string, 0, len(elems)-1)
	for i := 1; i < len(elems); i++ {
		name := sh.GetExName(i)
		columns = append(columns, name)
		paths = append(paths, common.PathToStr([]string{sh.GetRootInName(), sh.GetInName(i)}))
		schema[name] = columnType(elems[i])
	}

	t := New(columns...)
	t.Rows = make([][]any, numRows)
	for r := range t.Rows {
		t.Rows[r] = make([]any, len(columns))
	}

	for ci, name := range columns {
		values, _, _, err := pr.ReadColumnByPath(paths[ci], numRows)
		if err != nil {
			return nil, nil, fmt.Errorf("read column %s: %w", name, err)
		}
		if int64(len(values)) != numRows {
			return nil, nil, fmt.Errorf("read column %s: got %d values, want %d", name, len(values), numRows)
		}
		for r, v := range values {
			t.Rows[r][ci] = fromParquet(v, schema[name])
		}
	}
	return t, schema, nil
}

func columnType(el *parquet.SchemaElement) ColumnType {
	if el.Type == nil {
		return String
	}
	switch *el.Type {
	case parquet.Type_INT64, parquet.Type_INT32:
		if el.ConvertedType != nil && *el.ConvertedType == parquet.ConvertedType_TIMESTAMP_MILLIS {
			return Timestamp
		}
		return Int64
	case parquet.Type_DOUBLE, parquet.Type_FLOAT:
		return Float64
	case parquet.Type_BOOLEAN:
		return Bool
	default:
		return String
	}
}

func fromParquet(v any, typ ColumnType) any {
	if v == nil {
		return nil
	}
	switch typ {
	case Timestamp:
		if ms, ok := v.(int64); ok {
			return time.UnixMilli(ms).UTC()
		}
	case Int64:
		if n, ok := v.(int32); ok {
			return int64(n)
		}
	case Float64:
		if f, ok := v.(float32); ok {
			return float64(f)
		}
	}
	return v
}
