package merge

import (
	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
)

type ColumnNulls struct {
	Column string
	Nulls  int
}

// ValidationReport summarises a final table before it is written.
type ValidationReport struct {
	Rows    int
	Nulls   []ColumnNulls
	Missing []string
}

func (r ValidationReport) OK() bool { return len(r.Missing) == 0 }

// Validate counts rows and per-column nulls and lists expected columns t lacks.
func Validate(t model.HexTable, expected []string) ValidationReport {
	rep := ValidationReport{Rows: len(t.Rows), Nulls: make([]ColumnNulls, len(t.Columns))}
	for i, c := range t.Columns {
		rep.Nulls[i].Column = c
	}
	for _, r := range t.Rows {
		for i, v := range r.Values {
			if !v.Valid {
				rep.Nulls[i].Nulls++
			}
		}
	}
	for _, e := range expected {
		if t.ColumnIndex(e) < 0 {
			rep.Missing = append(rep.Missing, e)
		}
	}
	return rep
}
