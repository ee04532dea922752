// Package reagg redistributes source attribute values onto hex cells through weight edges.
package reagg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/core/observability"
	"github.com/mohammed-shakir/h3-reagg/internal/mapper"
)

const stage = "reagg"

// Edges yields weight edges grouped by source id in ascending order.
type Edges interface {
	Each(fn func(sourceID string, edges []model.WeightEdge) error) error
}

type Config struct {
	// SpillMaxCells bounds the in-memory hex accumulators; 0 keeps everything in memory.
	SpillMaxCells int
	SpillDir      string
}

type Report struct {
	Sources           int
	MissingAttributes int
	UnusedAttributes  int
	Hexes             int
	Flushes           int
	Duration          time.Duration
}

type Engine struct {
	cfg  Config
	mapr mapper.Interface
	log  *slog.Logger
}

func New(cfg Config, m mapper.Interface, logger *slog.Logger) (*Engine, error) {
	if m == nil {
		return nil, errors.New("nil mapper")
	}
	if cfg.SpillMaxCells < 0 {
		return nil, fmt.Errorf("spill max cells %d must be >= 0", cfg.SpillMaxCells)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{cfg: cfg, mapr: m, log: logger}, nil
}

// slot layout per hex: [contributors, then per column: Σv·w, Σw, non-null count]
const (
	perColumn   = 3
	slotContrib = 0
)

func slotVW(c int) int { return 1 + c*perColumn }
func slotW(c int) int  { return 2 + c*perColumn }
func slotN(c int) int  { return 3 + c*perColumn }

// Run joins edges with attribute records in one pass over both inputs sorted
// by source id and aggregates each column according to its kind.
func (e *Engine) Run(ctx context.Context, name string, schema model.Schema, edges Edges, attrs []model.AttributeRecord) (model.HexTable, Report, error) {
	start := time.Now()
	var rep Report
	if err := schema.Validate(); err != nil {
		return model.HexTable{}, rep, err
	}
	recs, err := sortedRecords(attrs, len(schema))
	if err != nil {
		return model.HexTable{}, rep, err
	}

	width := 1 + len(schema)*perColumn
	acc := newAccumulator(ctx, e.cfg, width)
	defer acc.close()

	ai := 0
	err = edges.Each(func(sourceID string, group []model.WeightEdge) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Sources++
		for ai < len(recs) && recs[ai].SourceID < sourceID {
			rep.UnusedAttributes++
			ai++
		}
		if ai == len(recs) || recs[ai].SourceID != sourceID {
			rep.MissingAttributes++
			return nil
		}
		rec := recs[ai]
		ai++
		for _, edge := range group {
			vec, err := acc.vector(edge.HexID)
			if err != nil {
				return err
			}
			vec[slotContrib]++
			for c, v := range rec.Values {
				if !v.Valid {
					continue
				}
				vec[slotVW(c)] += v.V * edge.Weight
				vec[slotW(c)] += edge.Weight
				vec[slotN(c)]++
			}
		}
		return nil
	})
	if err != nil {
		return model.HexTable{}, rep, err
	}
	rep.UnusedAttributes += len(recs) - ai

	out := model.HexTable{Name: name, Resolution: e.mapr.Resolution(), Columns: schema.Names()}
	err = acc.drain(func(hex string, vec []float64) error {
		row, ok, err := e.row(hex, schema, vec)
		if err != nil || !ok {
			return err
		}
		out.Rows = append(out.Rows, row)
		return nil
	})
	if err != nil {
		return model.HexTable{}, rep, err
	}
	rep.Hexes = len(out.Rows)
	rep.Flushes = acc.flushes()
	rep.Duration = time.Since(start)

	observability.AddRecords(stage, observability.OutcomeOK, rep.Sources-rep.MissingAttributes)
	observability.AddRecords(stage, observability.OutcomeMissingAttributes, rep.MissingAttributes)
	observability.SetHexRows(stage, rep.Hexes)
	observability.ObserveStage(stage, rep.Duration.Seconds())
	if rep.MissingAttributes > 0 {
		e.log.Warn("sources without attribute records skipped", "table", name, "count", rep.MissingAttributes)
	}
	e.log.Info("reaggregated",
		"table", name, "sources", rep.Sources, "hexes", rep.Hexes,
		"missing_attributes", rep.MissingAttributes, "unused_attributes", rep.UnusedAttributes,
		"spill_flushes", rep.Flushes, "dur", rep.Duration.String())
	return out, rep, nil
}

// row finalises one hex. ok is false when no non-null value reached it.
// Null sources add nothing to an extensive sum, so an extensive column of a
// kept row is 0 rather than null; an intensive column with no non-null weight
// stays null.
func (e *Engine) row(hex string, schema model.Schema, vec []float64) (model.HexRow, bool, error) {
	reached := false
	for c := range schema {
		if vec[slotN(c)] > 0 {
			reached = true
			break
		}
	}
	if !reached {
		return model.HexRow{}, false, nil
	}
	vals := make([]model.Value, len(schema))
	for c, col := range schema {
		switch col.Kind {
		case model.Extensive:
			vals[c] = model.Some(vec[slotVW(c)])
		case model.Intensive:
			if w := vec[slotW(c)]; vec[slotN(c)] > 0 && w > 0 {
				vals[c] = model.Some(vec[slotVW(c)] / w)
			}
		default:
			return model.HexRow{}, false, fmt.Errorf("column %s: unsupported kind %v", col.Name, col.Kind)
		}
	}
	ll, err := e.mapr.CentroidOf(hex)
	if err != nil {
		return model.HexRow{}, false, err
	}
	return model.HexRow{
		HexID:        hex,
		Lat:          ll.Lat,
		Lon:          ll.Lng,
		Values:       vals,
		Contributors: int64(vec[slotContrib]),
	}, true, nil
}

func sortedRecords(attrs []model.AttributeRecord, width int) ([]model.AttributeRecord, error) {
	recs := append([]model.AttributeRecord(nil), attrs...)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].SourceID < recs[j].SourceID })
	for i, r := range recs {
		if len(r.Values) != width {
			return nil, fmt.Errorf("attribute record %s has %d values, schema has %d", r.SourceID, len(r.Values), width)
		}
		if i > 0 && recs[i-1].SourceID == r.SourceID {
			return nil, fmt.Errorf("duplicate attribute record for source %s", r.SourceID)
		}
	}
	return recs, nil
}
