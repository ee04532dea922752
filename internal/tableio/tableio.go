// Package tableio writes and reads hex tables as Parquet files.
package tableio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/hangxie/parquet-go/v2/parquet"
	"github.com/hangxie/parquet-go/v2/reader"
	"github.com/hangxie/parquet-go/v2/source/local"
	"github.com/hangxie/parquet-go/v2/writer"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/fsutil"
)

const (
	ColHexID        = "hex_id"
	ColResolution   = "h3_resolution"
	ColLat          = "lat"
	ColLon          = "lon"
	ColContributors = "contributor_count"

	coordDecimals = 6
)

var fixedColumns = []string{ColHexID, ColResolution, ColLat, ColLon, ColContributors}

var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Rounding maps value columns to a number of decimals applied on write.
// Columns not listed are written unrounded.
type Rounding struct {
	Columns map[string]int `toml:"columns"`
}

type Writer struct {
	rounding Rounding
	np       int64
	log      *slog.Logger
}

func NewWriter(r Rounding, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Writer{rounding: r, np: 1, log: logger}
}

func schemaJSON(cols []string) (string, error) {
	type field struct {
		Tag string `json:"Tag"`
	}
	fields := []field{
		{Tag: "name=" + ColHexID + ", type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
		{Tag: "name=" + ColResolution + ", type=INT32, repetitiontype=REQUIRED"},
		{Tag: "name=" + ColLat + ", type=DOUBLE, repetitiontype=REQUIRED"},
		{Tag: "name=" + ColLon + ", type=DOUBLE, repetitiontype=REQUIRED"},
		{Tag: "name=" + ColContributors + ", type=INT64, repetitiontype=REQUIRED"},
	}
	seen := map[string]struct{}{}
	for _, c := range fixedColumns {
		seen[c] = struct{}{}
	}
	for _, c := range cols {
		if !validName.MatchString(c) {
			return "", fmt.Errorf("invalid column name %q", c)
		}
		if _, ok := seen[c]; ok {
			return "", fmt.Errorf("duplicate column name %q", c)
		}
		seen[c] = struct{}{}
		fields = append(fields, field{Tag: "name=" + c + ", type=DOUBLE, repetitiontype=OPTIONAL"})
	}
	b, err := json.Marshal(struct {
		Tag    string  `json:"Tag"`
		Fields []field `json:"Fields"`
	}{Tag: "name=parquet_go_root, repetitiontype=REQUIRED", Fields: fields})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Write stores t at path. The file appears only after every row is written.
func (w *Writer) Write(ctx context.Context, path string, t model.HexTable) error {
	schema, err := schemaJSON(t.Columns)
	if err != nil {
		return fmt.Errorf("table %s: %w", t.Name, err)
	}
	decimals := make([]int, len(t.Columns))
	for i, c := range t.Columns {
		decimals[i] = -1
		if d, ok := w.rounding.Columns[c]; ok {
			decimals[i] = d
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("table %s mkdir: %w", t.Name, err)
	}

	tmp := fsutil.TempName(path)
	if err := w.write(ctx, tmp, schema, t, decimals); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("table %s: %w", t.Name, err)
	}
	if err := fsutil.CommitFile(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("table %s: %w", t.Name, err)
	}
	w.log.Info("hex table written", "table", t.Name, "rows", len(t.Rows), "columns", len(t.Columns), "path", path)
	return nil
}

func (w *Writer) write(ctx context.Context, path, schema string, t model.HexTable, decimals []int) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	jw, err := writer.NewJSONWriter(schema, fw, w.np)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("writer: %w", err)
	}
	jw.CompressionType = parquet.CompressionCodec_SNAPPY

	rec := make(map[string]any, len(fixedColumns)+len(t.Columns))
	for i, r := range t.Rows {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				_ = fw.Close()
				return err
			}
		}
		if len(r.Values) != len(t.Columns) {
			_ = fw.Close()
			return fmt.Errorf("row %s has %d values, table has %d columns", r.HexID, len(r.Values), len(t.Columns))
		}
		rec[ColHexID] = r.HexID
		rec[ColResolution] = t.Resolution
		rec[ColLat] = model.RoundTo(r.Lat, coordDecimals)
		rec[ColLon] = model.RoundTo(r.Lon, coordDecimals)
		rec[ColContributors] = r.Contributors
		for c, v := range r.Values {
			switch {
			case !v.Valid:
				rec[t.Columns[c]] = nil
			case decimals[c] >= 0:
				rec[t.Columns[c]] = model.RoundTo(v.V, decimals[c])
			default:
				rec[t.Columns[c]] = v.V
			}
		}
		b, err := json.Marshal(rec)
		if err != nil {
			_ = fw.Close()
			return fmt.Errorf("encode row %s: %w", r.HexID, err)
		}
		if err := jw.Write(string(b)); err != nil {
			_ = fw.Close()
			return fmt.Errorf("write row %s: %w", r.HexID, err)
		}
	}
	if err := jw.WriteStop(); err != nil {
		_ = fw.Close()
		return fmt.Errorf("flush: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// Read loads a table written by Writer.Write.
func Read(path, name string) (model.HexTable, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return model.HexTable{}, fmt.Errorf("table %s open: %w", name, err)
	}
	defer func() { _ = fr.Close() }()

	pr, err := reader.NewParquetColumnReader(fr, 1)
	if err != nil {
		return model.HexTable{}, fmt.Errorf("table %s reader: %w", name, err)
	}
	defer pr.ReadStop()

	n := pr.GetNumRows()
	// element 0 is the schema root
	elems := pr.SchemaHandler.SchemaElements[1:]
	names := make([]string, len(elems))
	for i, e := range elems {
		names[i] = e.Name
	}
	if len(names) < len(fixedColumns) {
		return model.HexTable{}, fmt.Errorf("table %s: %d columns, want at least %d", name, len(names), len(fixedColumns))
	}
	for i, c := range fixedColumns {
		if names[i] != c {
			return model.HexTable{}, fmt.Errorf("table %s: column %d is %q, want %q", name, i, names[i], c)
		}
	}

	cols := make([][]any, len(names))
	for i := range names {
		vals, _, _, err := pr.ReadColumnByIndex(int64(i), n)
		if err != nil {
			return model.HexTable{}, fmt.Errorf("table %s column %s: %w", name, names[i], err)
		}
		if int64(len(vals)) != n {
			return model.HexTable{}, fmt.Errorf("table %s column %s: %d values, want %d", name, names[i], len(vals), n)
		}
		cols[i] = vals
	}

	out := model.HexTable{Name: name, Columns: append([]string(nil), names[len(fixedColumns):]...), Rows: make([]model.HexRow, n)}
	for r := range out.Rows {
		hex, ok1 := cols[0][r].(string)
		res, ok2 := cols[1][r].(int32)
		lat, ok3 := cols[2][r].(float64)
		lon, ok4 := cols[3][r].(float64)
		cnt, ok5 := cols[4][r].(int64)
		if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
			return model.HexTable{}, fmt.Errorf("table %s row %d: unexpected fixed column types", name, r)
		}
		if r == 0 {
			out.Resolution = int(res)
		}
		vals := make([]model.Value, len(out.Columns))
		for c := range vals {
			switch v := cols[len(fixedColumns)+c][r].(type) {
			case nil:
			case float64:
				vals[c] = model.Some(v)
			default:
				return model.HexTable{}, fmt.Errorf("table %s row %d column %s: unexpected %T", name, r, out.Columns[c], v)
			}
		}
		out.Rows[r] = model.HexRow{HexID: hex, Lat: lat, Lon: lon, Values: vals, Contributors: cnt}
	}
	return out, nil
}
