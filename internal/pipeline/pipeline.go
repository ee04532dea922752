// Package pipeline wires the reaggregation stages behind one run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mohammed-shakir/h3-reagg/internal/checkpoint"
	"github.com/mohammed-shakir/h3-reagg/internal/core/config"
	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/core/observability"
	"github.com/mohammed-shakir/h3-reagg/internal/crs"
	"github.com/mohammed-shakir/h3-reagg/internal/edgestore"
	"github.com/mohammed-shakir/h3-reagg/internal/input"
	"github.com/mohammed-shakir/h3-reagg/internal/logger"
	h3mapper "github.com/mohammed-shakir/h3-reagg/internal/mapper/h3"
	"github.com/mohammed-shakir/h3-reagg/internal/merge"
	"github.com/mohammed-shakir/h3-reagg/internal/pixel"
	"github.com/mohammed-shakir/h3-reagg/internal/reagg"
	"github.com/mohammed-shakir/h3-reagg/internal/source"
	"github.com/mohammed-shakir/h3-reagg/internal/tableio"
	"github.com/mohammed-shakir/h3-reagg/internal/weights"
)

// ErrValidation is returned when the final table lacks expected columns.
var ErrValidation = errors.New("output validation failed")

type TableResult struct {
	Name string
	Path string
	Rows int
}

type Summary struct {
	Tables     []TableResult
	EdgeKeys   map[string]string
	Reused     map[string]bool
	Validation *merge.ValidationReport
	Duration   time.Duration
}

// Progress receives stage changes and finished tables.
type Progress interface {
	Stage(name string)
	Table(name string)
}

type nopProgress struct{}

func (nopProgress) Stage(string) {}
func (nopProgress) Table(string) {}

type Runner struct {
	cfg   config.Config
	prog  Progress
	mapr  *h3mapper.Mapper
	crs   *crs.Registry
	edges *edgestore.Dir
	ckpt  checkpoint.Store
	log   *slog.Logger
}

func New(cfg config.Config, ckpt checkpoint.Store, log *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if ckpt == nil {
		ckpt = checkpoint.Nop{}
	}
	m, err := h3mapper.New(cfg.H3Res)
	if err != nil {
		return nil, err
	}
	dir, err := edgestore.NewDir(filepath.Join(cfg.ArtifactDir, "edges"), log.With("component", "edgestore"))
	if err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, mapr: m, crs: crs.NewRegistry(), edges: dir, ckpt: ckpt, log: log, prog: nopProgress{}}, nil
}

func (r *Runner) WithProgress(p Progress) *Runner {
	if p != nil {
		r.prog = p
	}
	return r
}

func (r *Runner) weightsConfig() weights.Config {
	return weights.Config{
		K:         r.cfg.KRing,
		Threshold: r.cfg.WeightThreshold,
		Tolerance: r.cfg.RenormTolerance,
		HardBound: r.cfg.WeightHardBound,
		AreaCRS:   r.cfg.AreaCRS,
		Workers:   r.cfg.BuildWorkers,
		BatchSize: r.cfg.BuildBatchSize,
	}
}

// Run executes every stage of p. Tables are written as they complete, so a
// failure in a later stage leaves the earlier tables in place.
func (r *Runner) Run(ctx context.Context, p config.Pipeline) (Summary, error) {
	start := time.Now()
	ctx = logger.WithDataset(ctx, p.Dataset)
	if logger.RunID(ctx) == "" {
		ctx = logger.WithRunID(ctx, "")
	}
	observability.SetDataset(p.Dataset)

	sum := Summary{EdgeKeys: map[string]string{}, Reused: map[string]bool{}}
	tables := map[string]model.HexTable{}
	out := tableio.NewWriter(p.Rounding, r.log.With("component", "tableio"))
	emit := func(t model.HexTable) error {
		path := filepath.Join(p.OutputDir, t.Name+".parquet")
		if err := out.Write(ctx, path, t); err != nil {
			return err
		}
		tables[t.Name] = t
		r.prog.Table(t.Name)
		sum.Tables = append(sum.Tables, TableResult{Name: t.Name, Path: path, Rows: len(t.Rows)})
		return nil
	}

	if len(p.Polygons) > 0 {
		r.prog.Stage("polygons")
	}
	for _, ps := range p.Polygons {
		sctx := logger.WithStage(ctx, "polygons")
		t, key, reused, err := r.polygons(sctx, p.Dataset, ps)
		if err != nil {
			return sum, fmt.Errorf("polygons %s: %w", ps.Name, err)
		}
		sum.EdgeKeys[ps.Name] = key
		sum.Reused[ps.Name] = reused
		if err := emit(t); err != nil {
			return sum, err
		}
	}
	if len(p.Rasters) > 0 {
		r.prog.Stage("pixel")
	}
	for _, rs := range p.Rasters {
		t, err := r.raster(logger.WithStage(ctx, "pixel"), p.Dataset, rs)
		if err != nil {
			return sum, fmt.Errorf("raster %s: %w", rs.Name, err)
		}
		if err := emit(t); err != nil {
			return sum, err
		}
	}
	if len(p.Unions) > 0 {
		r.prog.Stage("union")
	}
	for _, u := range p.Unions {
		t, err := union(u, tables)
		if err != nil {
			return sum, err
		}
		if err := emit(t); err != nil {
			return sum, err
		}
	}
	if p.Merge != nil {
		r.prog.Stage("merge")
		t, err := r.merge(logger.WithStage(ctx, "merge"), *p.Merge, tables)
		if err != nil {
			return sum, err
		}
		rep := merge.Validate(t, p.ExpectedColumns)
		sum.Validation = &rep
		if !rep.OK() {
			return sum, fmt.Errorf("%w: %s lacks columns %v", ErrValidation, t.Name, rep.Missing)
		}
		if err := emit(t); err != nil {
			return sum, err
		}
		for _, n := range rep.Nulls {
			if n.Nulls > 0 {
				r.log.InfoContext(ctx, "null values in output", "table", t.Name, "column", n.Column, "nulls", n.Nulls)
			}
		}
	}
	sum.Duration = time.Since(start)
	r.log.InfoContext(ctx, "pipeline finished", "tables", len(sum.Tables), "dur", sum.Duration.String())
	return sum, nil
}

func (r *Runner) polygons(ctx context.Context, dataset string, ps config.PolygonSource) (model.HexTable, string, bool, error) {
	var (
		geoms []model.SourceGeometry
		attrs []model.AttributeRecord
		err   error
	)
	if ps.Geometry == input.GeometryShapefile {
		geoms, attrs, err = input.ReadShapefile(ps.Path, ps.IDColumn, ps.CRS, ps.Columns)
	} else {
		attrs, err = input.ReadAttributesFile(ps.Path, ps.IDColumn, ps.Columns)
		if err == nil {
			geoms, err = input.Geometries(attrs, ps.Geometry)
		}
	}
	if err != nil {
		return model.HexTable{}, "", false, err
	}

	store, key, reused, err := r.Edges(ctx, dataset+"-"+ps.Name, geoms)
	if err != nil {
		return model.HexTable{}, "", false, err
	}
	eng, err := reagg.New(reagg.Config{SpillMaxCells: r.cfg.SpillMaxCells, SpillDir: r.cfg.SpillDir}, r.mapr, r.log.With("component", "reagg"))
	if err != nil {
		return model.HexTable{}, "", false, err
	}
	t, _, err := eng.Run(ctx, ps.Name, ps.Columns, store, attrs)
	return t, key.String(), reused, err
}

// Edges returns the published edge set for srcs, building and publishing it
// first when no artifact exists under its key.
func (r *Runner) Edges(ctx context.Context, name string, srcs []model.SourceGeometry) (*edgestore.Store, edgestore.Key, bool, error) {
	key := edgestore.Key{
		Dataset:      name,
		SourceDigest: source.Digest(srcs),
		Resolution:   r.cfg.H3Res,
		K:            r.cfg.KRing,
		Threshold:    r.cfg.WeightThreshold,
		AreaCRS:      r.cfg.AreaCRS,
	}
	opt := edgestore.LoadOptions{Tolerance: r.cfg.RenormTolerance, HardBound: r.cfg.WeightHardBound}
	if r.edges.Exists(key) {
		s, m, err := r.edges.Load(ctx, key, opt)
		if err == nil {
			r.log.InfoContext(ctx, "reusing edge store", "key", m.Key, "edges", m.Edges, "build_id", m.BuildID)
			return s, key, true, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, key, false, err
		}
		r.log.WarnContext(ctx, "edge store unusable, rebuilding", "key", key.String(), "err", err)
	}

	calc, err := weights.NewCalculator(r.weightsConfig(), r.mapr, r.crs, r.log.With("component", "weights"))
	if err != nil {
		return nil, key, false, err
	}
	res, err := calc.Build(ctx, srcs)
	if err != nil {
		return nil, key, false, err
	}
	s, err := edgestore.NewStore(res.Edges)
	if err != nil {
		return nil, key, false, err
	}
	if _, err := r.edges.Publish(ctx, key, s); err != nil {
		return nil, key, false, err
	}
	return s, key, false, nil
}

func (r *Runner) raster(ctx context.Context, dataset string, rs config.RasterSource) (model.HexTable, error) {
	g, err := input.ReadASCIIGrid(rs.CRS, rs.Files...)
	if err != nil {
		return model.HexTable{}, err
	}
	if rs.NoData != nil {
		g.RemapNoData(*rs.NoData)
	}
	cfg := pixel.Config{
		ChunkRows:       r.cfg.RasterChunkRows,
		Workers:         r.cfg.RasterWorkers,
		CheckpointEvery: r.cfg.RasterCheckpointEvery,
		Bands:           rs.Bands,
	}
	agg, err := pixel.New(cfg, r.mapr, r.crs, r.ckpt, r.log.With("component", "pixel"))
	if err != nil {
		return model.HexTable{}, err
	}
	key, err := pixel.RunKey(ctx, dataset+"-"+rs.Name, g, cfg, r.cfg.H3Res)
	if err != nil {
		return model.HexTable{}, err
	}
	t, _, err := agg.Run(ctx, g, key, rs.Name)
	return t, err
}

func union(u config.Union, tables map[string]model.HexTable) (model.HexTable, error) {
	slices := make([]merge.Slice, len(u.Slices))
	for i, s := range u.Slices {
		t, ok := tables[s.Table]
		if !ok {
			return model.HexTable{}, fmt.Errorf("union %s: table %s not produced", u.Name, s.Table)
		}
		slices[i] = merge.Slice{Prefix: s.Prefix, Table: t}
	}
	t, err := merge.Union(u.Name, slices)
	if err != nil {
		return model.HexTable{}, err
	}
	for _, m := range u.Means {
		if err := merge.DeriveMean(&t, m.Name, m.From...); err != nil {
			return model.HexTable{}, fmt.Errorf("union %s: %w", u.Name, err)
		}
	}
	return t, nil
}

func (r *Runner) merge(ctx context.Context, m config.Merge, tables map[string]model.HexTable) (model.HexTable, error) {
	base, ok := tables[m.Base]
	if !ok {
		return model.HexTable{}, fmt.Errorf("merge: base table %s not produced", m.Base)
	}
	plan := merge.Plan{Name: m.Name, Base: base, BaseColumns: m.BaseColumns, Filter: m.Filter}
	for _, s := range m.Steps {
		t, ok := tables[s.Table]
		if !ok {
			return model.HexTable{}, fmt.Errorf("merge: table %s not produced", s.Table)
		}
		plan.Steps = append(plan.Steps, merge.Step{Table: t, Kind: s.Kind, Columns: s.Columns})
	}
	t, _, err := merge.New(r.log.With("component", "merge")).Combine(ctx, plan)
	return t, err
}
