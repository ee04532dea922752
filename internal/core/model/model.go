// Package model defines core domain types shared across the pipeline.
package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/ctessum/geom"
)

type LatLng struct {
	Lat, Lng float64
}

// String representation matching the 6-decimal precision of persisted tables
func (l LatLng) String() string {
	return fmt.Sprintf("%.6f,%.6f", l.Lat, l.Lng)
}

type HexCell struct {
	ID       string
	Res      int
	Centroid LatLng
	Boundary []LatLng
}

type Cells []string

// SourceGeometry is either a polygon or a single sample point in CRS.
type SourceGeometry struct {
	ID      string
	CRS     string
	Polygon geom.Polygon
	Point   *geom.Point
}

func (s SourceGeometry) IsPoint() bool { return s.Point != nil }

type WeightEdge struct {
	SourceID    string
	HexID       string
	Weight      float64
	Approximate bool
}

type ColumnKind int

const (
	Extensive ColumnKind = iota + 1
	Intensive
)

func (k ColumnKind) String() string {
	switch k {
	case Extensive:
		return "extensive"
	case Intensive:
		return "intensive"
	default:
		return fmt.Sprintf("ColumnKind(%d)", int(k))
	}
}

// UnmarshalText accepts "extensive" or "intensive"
func (k *ColumnKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "extensive":
		*k = Extensive
	case "intensive":
		*k = Intensive
	default:
		return fmt.Errorf("invalid column kind %q (want extensive|intensive)", string(b))
	}
	return nil
}

func (k ColumnKind) MarshalText() ([]byte, error) {
	if k != Extensive && k != Intensive {
		return nil, fmt.Errorf("invalid column kind %d", int(k))
	}
	return []byte(k.String()), nil
}

type Column struct {
	Name string
	Kind ColumnKind
}

type Schema []Column

func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

func (s Schema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	seen := make(map[string]struct{}, len(s))
	for i, c := range s {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("column %d has empty name", i)
		}
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Kind != Extensive && c.Kind != Intensive {
			return fmt.Errorf("column %q: kind not set", c.Name)
		}
	}
	return nil
}

// Value is a nullable float64
type Value struct {
	V     float64
	Valid bool
}

func Some(v float64) Value { return Value{V: v, Valid: true} }

func Null() Value { return Value{} }

func (v Value) String() string {
	if !v.Valid {
		return "null"
	}
	return fmt.Sprintf("%g", v.V)
}

type AttributeRecord struct {
	SourceID string
	Values   []Value
}

type HexRow struct {
	HexID        string
	Lat, Lon     float64
	Values       []Value
	Contributors int64
}

// HexTable holds one row per non-empty cell, sorted by HexID.
type HexTable struct {
	Name       string
	Resolution int
	Columns    []string
	Rows       []HexRow
}

// ColumnIndex returns the position of name in Columns or -1.
func (t *HexTable) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// RoundTo rounds x to p decimal places.
func RoundTo(x float64, p int) float64 {
	f := math.Pow(10, float64(p))
	return math.Round(x*f) / f
}
