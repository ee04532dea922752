package merge

import (
	"container/heap"
	"fmt"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
)

// Slice is one input of a Union. Its columns appear in the output as Prefix+name.
type Slice struct {
	Prefix string
	Table  model.HexTable
}

// Union full-outer-joins slices on hex id. Cells absent from a slice get nulls
// for its columns; the contributor count is the largest over the slices.
func Union(name string, slices []Slice) (model.HexTable, error) {
	out := model.HexTable{Name: name}
	offsets := make([]int, len(slices))
	iters := make([]*rowIter, 0, len(slices))
	for i, s := range slices {
		if err := CheckUnique(s.Table); err != nil {
			return model.HexTable{}, err
		}
		if i == 0 {
			out.Resolution = s.Table.Resolution
		} else if s.Table.Resolution != out.Resolution {
			return model.HexTable{}, fmt.Errorf("union %s: table %s has resolution %d, want %d",
				name, s.Table.Name, s.Table.Resolution, out.Resolution)
		}
		offsets[i] = len(out.Columns)
		for _, c := range s.Table.Columns {
			out.Columns = append(out.Columns, s.Prefix+c)
		}
		rows := append([]model.HexRow(nil), s.Table.Rows...)
		sortRows(rows)
		iters = append(iters, &rowIter{slice: i, rows: rows})
	}
	if err := uniqueNames(out.Columns); err != nil {
		return model.HexTable{}, fmt.Errorf("union %s: %w", name, err)
	}

	h := &rowHeap{}
	for _, it := range iters {
		if r, ok := it.next(); ok {
			heap.Push(h, r)
		}
	}
	for h.Len() > 0 {
		first := heap.Pop(h).(heapRow)
		row := model.HexRow{
			HexID:        first.row.HexID,
			Lat:          first.row.Lat,
			Lon:          first.row.Lon,
			Values:       make([]model.Value, len(out.Columns)),
			Contributors: first.row.Contributors,
		}
		place := func(hr heapRow) {
			copy(row.Values[offsets[hr.iter.slice]:], hr.row.Values)
			row.Contributors = max(row.Contributors, hr.row.Contributors)
			if r, ok := hr.iter.next(); ok {
				heap.Push(h, r)
			}
		}
		place(first)
		for h.Len() > 0 && h.items[0].row.HexID == row.HexID {
			place(heap.Pop(h).(heapRow))
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// DeriveMean appends column name holding the mean of the non-null values of
// cols in each row, or null when all are null.
func DeriveMean(t *model.HexTable, name string, cols ...string) error {
	if t.ColumnIndex(name) >= 0 {
		return fmt.Errorf("table %s already has column %q", t.Name, name)
	}
	idx := make([]int, len(cols))
	for i, c := range cols {
		if idx[i] = t.ColumnIndex(c); idx[i] < 0 {
			return fmt.Errorf("table %s has no column %q", t.Name, c)
		}
	}
	t.Columns = append(t.Columns, name)
	for i := range t.Rows {
		var sum float64
		n := 0
		for _, j := range idx {
			if v := t.Rows[i].Values[j]; v.Valid {
				sum += v.V
				n++
			}
		}
		v := model.Null()
		if n > 0 {
			v = model.Some(sum / float64(n))
		}
		t.Rows[i].Values = append(t.Rows[i].Values, v)
	}
	return nil
}

type rowIter struct {
	slice int
	rows  []model.HexRow
	pos   int
}

func (it *rowIter) next() (heapRow, bool) {
	if it.pos >= len(it.rows) {
		return heapRow{}, false
	}
	r := it.rows[it.pos]
	it.pos++
	return heapRow{row: r, iter: it}, true
}

type heapRow struct {
	row  model.HexRow
	iter *rowIter
}

type rowHeap struct {
	items []heapRow
}

func (h rowHeap) Len() int { return len(h.items) }
func (h rowHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.row.HexID != b.row.HexID {
		return a.row.HexID < b.row.HexID
	}
	return a.iter.slice < b.iter.slice
}
func (h rowHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *rowHeap) Push(x any)   { h.items = append(h.items, x.(heapRow)) }
func (h *rowHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}
