// Package input reads source datasets handed to the pipeline: delimited
// attribute tables, shapefiles and ESRI ASCII grids.
package input

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/source"
)

var ErrFormat = errors.New("malformed input")

// GeometryKind tells how a source id encodes its footprint.
type GeometryKind string

const (
	GeometryGrid      GeometryKind = "grid"
	GeometryQuadkey   GeometryKind = "quadkey"
	GeometryShapefile GeometryKind = "shapefile"
)

// UnmarshalText accepts "grid", "quadkey" or "shapefile"
func (k *GeometryKind) UnmarshalText(b []byte) error {
	switch v := GeometryKind(strings.ToLower(strings.TrimSpace(string(b)))); v {
	case GeometryGrid, GeometryQuadkey, GeometryShapefile:
		*k = v
		return nil
	default:
		return fmt.Errorf("invalid geometry kind %q (want grid|quadkey|shapefile)", string(b))
	}
}

func isNull(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "na", "nan", "null", "none":
		return true
	}
	return false
}

// ParseValue parses one attribute cell. Empty and NA-like cells are null.
func ParseValue(s string) (model.Value, error) {
	if isNull(s) {
		return model.Null(), nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return model.Value{}, err
	}
	return model.Some(f), nil
}

// ReadAttributes reads a CSV with a header row. idColumn names the source id
// and every schema column must be present.
func ReadAttributes(r io.Reader, idColumn string, schema model.Schema) ([]model.AttributeRecord, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	idIdx, ok := pos[idColumn]
	if !ok {
		return nil, fmt.Errorf("%w: no id column %q", ErrFormat, idColumn)
	}
	cols := make([]int, len(schema))
	for i, c := range schema {
		if cols[i], ok = pos[c.Name]; !ok {
			return nil, fmt.Errorf("%w: no column %q", ErrFormat, c.Name)
		}
	}

	var out []model.AttributeRecord
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
		id := strings.TrimSpace(rec[idIdx])
		if id == "" {
			return nil, fmt.Errorf("%w: line %d: empty id", ErrFormat, line)
		}
		vals := make([]model.Value, len(cols))
		for i, j := range cols {
			if vals[i], err = ParseValue(rec[j]); err != nil {
				return nil, fmt.Errorf("%w: line %d column %s: %v", ErrFormat, line, schema[i].Name, err)
			}
		}
		out = append(out, model.AttributeRecord{SourceID: id, Values: vals})
	}
	return out, nil
}

func ReadAttributesFile(path, idColumn string, schema model.Schema) ([]model.AttributeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	recs, err := ReadAttributes(f, idColumn, schema)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

// Geometries derives the footprint of every record from its id.
func Geometries(recs []model.AttributeRecord, kind GeometryKind) ([]model.SourceGeometry, error) {
	build := source.Grid
	switch kind {
	case GeometryGrid:
	case GeometryQuadkey:
		build = source.Quadkey
	default:
		return nil, fmt.Errorf("geometry kind %q cannot be derived from ids", kind)
	}
	out := make([]model.SourceGeometry, len(recs))
	for i, r := range recs {
		g, err := build(r.SourceID)
		if err != nil {
			return nil, err
		}
		out[i] = g
	}
	return out, nil
}
