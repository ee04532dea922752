// Package merge combines hex tables on hex id.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/core/observability"
)

const stage = "merge"

// ErrJoinCardinality marks a join input holding the same hex id more than once.
var ErrJoinCardinality = errors.New("join input has duplicate hex_id")

type JoinKind int

const (
	Inner JoinKind = iota + 1
	Left
)

func (k JoinKind) String() string {
	switch k {
	case Inner:
		return "inner"
	case Left:
		return "left"
	default:
		return fmt.Sprintf("JoinKind(%d)", int(k))
	}
}

// UnmarshalText accepts "inner" or "left"
func (k *JoinKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "inner":
		*k = Inner
	case "left":
		*k = Left
	default:
		return fmt.Errorf("invalid join kind %q (want inner|left)", string(b))
	}
	return nil
}

// Rename selects column From of an input table and exposes it as To.
type Rename struct {
	From string `toml:"from"`
	To   string `toml:"to"`
}

type Step struct {
	Table model.HexTable
	Kind  JoinKind
	// Columns selects and renames; empty keeps every column under its own name.
	Columns []Rename
}

// Filter drops output rows after all joins. Empty fields disable the check.
type Filter struct {
	Presence string   `toml:"presence"`
	Required []string `toml:"required"`
}

type Plan struct {
	Name        string
	Base        model.HexTable
	BaseColumns []Rename
	Steps       []Step
	Filter      Filter
}

type Report struct {
	BaseRows int
	Joined   []int
	Filtered int
	Rows     int
	Duration time.Duration
}

type Combiner struct {
	log *slog.Logger
}

func New(logger *slog.Logger) *Combiner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Combiner{log: logger}
}

// Combine joins every step onto the base table in order and applies the filter.
// Centroids and contributor counts come from the base table.
func (c *Combiner) Combine(ctx context.Context, p Plan) (model.HexTable, Report, error) {
	start := time.Now()
	rep := Report{BaseRows: len(p.Base.Rows)}

	if err := CheckUnique(p.Base); err != nil {
		return model.HexTable{}, rep, err
	}
	for _, s := range p.Steps {
		if s.Kind != Inner && s.Kind != Left {
			return model.HexTable{}, rep, fmt.Errorf("join %s: kind not set", s.Table.Name)
		}
		if err := CheckUnique(s.Table); err != nil {
			return model.HexTable{}, rep, err
		}
	}

	cur, err := project(p.Base, p.BaseColumns)
	if err != nil {
		return model.HexTable{}, rep, err
	}
	cur.Name = p.Name
	for _, s := range p.Steps {
		if err := ctx.Err(); err != nil {
			return model.HexTable{}, rep, err
		}
		right, err := project(s.Table, s.Columns)
		if err != nil {
			return model.HexTable{}, rep, err
		}
		if err := uniqueNames(cur.Columns, right.Columns); err != nil {
			return model.HexTable{}, rep, err
		}
		var matched int
		cur, matched = join(cur, right, s.Kind)
		rep.Joined = append(rep.Joined, matched)
		c.log.Debug("joined", "table", s.Table.Name, "kind", s.Kind.String(), "matched", matched, "rows", len(cur.Rows))
	}

	out, err := apply(cur, p.Filter)
	if err != nil {
		return model.HexTable{}, rep, err
	}
	rep.Filtered = len(cur.Rows) - len(out.Rows)
	rep.Rows = len(out.Rows)
	rep.Duration = time.Since(start)

	observability.AddRecords(stage, observability.OutcomeOK, rep.Rows)
	observability.SetHexRows(stage, rep.Rows)
	observability.ObserveStage(stage, rep.Duration.Seconds())
	c.log.Info("merged", "table", p.Name, "base_rows", rep.BaseRows, "rows", rep.Rows,
		"filtered", rep.Filtered, "dur", rep.Duration.String())
	return out, rep, nil
}

// CheckUnique fails with ErrJoinCardinality when t repeats a hex id.
func CheckUnique(t model.HexTable) error {
	seen := make(map[string]struct{}, len(t.Rows))
	for _, r := range t.Rows {
		if _, ok := seen[r.HexID]; ok {
			return fmt.Errorf("%w: table %s hex %s", ErrJoinCardinality, t.Name, r.HexID)
		}
		seen[r.HexID] = struct{}{}
	}
	return nil
}

// project returns t restricted to cols, rows sorted by hex id.
func project(t model.HexTable, cols []Rename) (model.HexTable, error) {
	if len(cols) == 0 {
		cols = make([]Rename, len(t.Columns))
		for i, n := range t.Columns {
			cols[i] = Rename{From: n, To: n}
		}
	}
	idx := make([]int, len(cols))
	names := make([]string, len(cols))
	for i, r := range cols {
		j := t.ColumnIndex(r.From)
		if j < 0 {
			return model.HexTable{}, fmt.Errorf("table %s has no column %q", t.Name, r.From)
		}
		idx[i] = j
		names[i] = r.From
		if r.To != "" {
			names[i] = r.To
		}
	}
	if err := uniqueNames(names); err != nil {
		return model.HexTable{}, fmt.Errorf("table %s: %w", t.Name, err)
	}

	out := model.HexTable{Name: t.Name, Resolution: t.Resolution, Columns: names, Rows: make([]model.HexRow, len(t.Rows))}
	for i, r := range t.Rows {
		vals := make([]model.Value, len(idx))
		for k, j := range idx {
			vals[k] = r.Values[j]
		}
		out.Rows[i] = model.HexRow{HexID: r.HexID, Lat: r.Lat, Lon: r.Lon, Values: vals, Contributors: r.Contributors}
	}
	sortRows(out.Rows)
	return out, nil
}

func uniqueNames(groups ...[]string) error {
	seen := map[string]struct{}{}
	for _, g := range groups {
		for _, n := range g {
			if _, ok := seen[n]; ok {
				return fmt.Errorf("duplicate output column %q", n)
			}
			seen[n] = struct{}{}
		}
	}
	return nil
}

func sortRows(rows []model.HexRow) {
	if sort.SliceIsSorted(rows, func(i, j int) bool { return rows[i].HexID < rows[j].HexID }) {
		return
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].HexID < rows[j].HexID })
}

// join sort-merges right onto left. Both inputs are sorted and unique.
func join(left, right model.HexTable, kind JoinKind) (model.HexTable, int) {
	width := len(left.Columns) + len(right.Columns)
	out := model.HexTable{
		Name:       left.Name,
		Resolution: left.Resolution,
		Columns:    append(append([]string(nil), left.Columns...), right.Columns...),
		Rows:       make([]model.HexRow, 0, len(left.Rows)),
	}
	matched := 0
	j := 0
	for _, l := range left.Rows {
		for j < len(right.Rows) && right.Rows[j].HexID < l.HexID {
			j++
		}
		hit := j < len(right.Rows) && right.Rows[j].HexID == l.HexID
		if !hit && kind == Inner {
			continue
		}
		vals := make([]model.Value, len(left.Columns), width)
		copy(vals, l.Values)
		if hit {
			matched++
			vals = append(vals, right.Rows[j].Values...)
		} else {
			vals = vals[:width]
		}
		row := l
		row.Values = vals
		out.Rows = append(out.Rows, row)
	}
	return out, matched
}

func apply(t model.HexTable, f Filter) (model.HexTable, error) {
	presence := -1
	if f.Presence != "" {
		if presence = t.ColumnIndex(f.Presence); presence < 0 {
			return model.HexTable{}, fmt.Errorf("filter: no column %q", f.Presence)
		}
	}
	required := make([]int, len(f.Required))
	for i, n := range f.Required {
		if required[i] = t.ColumnIndex(n); required[i] < 0 {
			return model.HexTable{}, fmt.Errorf("filter: no column %q", n)
		}
	}
	out := t
	out.Rows = make([]model.HexRow, 0, len(t.Rows))
rows:
	for _, r := range t.Rows {
		if presence >= 0 {
			if v := r.Values[presence]; !v.Valid || v.V <= 0 {
				continue
			}
		}
		for _, i := range required {
			if !r.Values[i].Valid {
				continue rows
			}
		}
		out.Rows = append(out.Rows, r)
	}
	return out, nil
}
