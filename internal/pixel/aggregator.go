package pixel

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/h3-reagg/internal/checkpoint"
	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/core/observability"
	"github.com/mohammed-shakir/h3-reagg/internal/crs"
	"github.com/mohammed-shakir/h3-reagg/internal/mapper"
)

const stage = "pixel"

// Band configures the output columns of one raster band.
type Band struct {
	Name   string `toml:"name"`
	Domain Domain `toml:"domain"`
	Stats  []Stat `toml:"stats"`
}

type Config struct {
	ChunkRows int
	Workers   int
	// CheckpointEvery is the number of waves between checkpoints; 0 disables them.
	CheckpointEvery int
	Bands           []Band
}

func DefaultConfig() Config {
	return Config{ChunkRows: 1000, Workers: 4, CheckpointEvery: 1}
}

type Report struct {
	Pixels      int64
	NoData      int64
	Skipped     int64
	Cells       int
	Chunks      int
	ResumedFrom int
	Duration    time.Duration
}

type Aggregator struct {
	cfg  Config
	mapr mapper.Interface
	crs  *crs.Registry
	ckpt checkpoint.Store
	log  *slog.Logger
}

func New(cfg Config, m mapper.Interface, reg *crs.Registry, store checkpoint.Store, logger *slog.Logger) (*Aggregator, error) {
	if m == nil {
		return nil, errors.New("nil mapper")
	}
	if cfg.ChunkRows <= 0 {
		return nil, fmt.Errorf("chunk rows %d must be > 0", cfg.ChunkRows)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if reg == nil {
		reg = crs.NewRegistry()
	}
	if store == nil {
		store = checkpoint.Nop{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Aggregator{cfg: cfg, mapr: m, crs: reg, ckpt: store, log: logger}, nil
}

// bands resolves the band configuration against the raster.
func (a *Aggregator) bands(r Raster) ([]Band, error) {
	if len(a.cfg.Bands) == 0 {
		out := make([]Band, r.Bands())
		for i := range out {
			out[i] = Band{Name: "band" + strconv.Itoa(i+1), Stats: AllStats}
		}
		return out, nil
	}
	if len(a.cfg.Bands) != r.Bands() {
		return nil, fmt.Errorf("configured %d bands, raster has %d", len(a.cfg.Bands), r.Bands())
	}
	out := make([]Band, len(a.cfg.Bands))
	for i, b := range a.cfg.Bands {
		if b.Name == "" {
			b.Name = "band" + strconv.Itoa(i+1)
		}
		if len(b.Stats) == 0 {
			b.Stats = AllStats
		}
		out[i] = b
	}
	return out, nil
}

// RunKey identifies a raster pass for checkpointing. It changes with the raster
// geometry, its sample values, the chunking and the band configuration.
func RunKey(ctx context.Context, dataset string, r Raster, cfg Config, res int) (string, error) {
	digest, err := ContentDigest(ctx, r, cfg.ChunkRows)
	if err != nil {
		return "", fmt.Errorf("raster digest: %w", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|%d|%d|%d|%v|%s|%d|%d|%016x", dataset, r.Width(), r.Height(), r.Bands(), r.GeoTransform(), crs.Normalize(r.CRS()), cfg.ChunkRows, res, digest)
	if nd, ok := r.NoData(); ok {
		fmt.Fprintf(&sb, "|nd=%v", nd)
	}
	for _, b := range cfg.Bands {
		fmt.Fprintf(&sb, "|%s:%v:%v", b.Name, b.Domain, b.Stats)
	}
	return fmt.Sprintf("%s-r%d-%016x", dataset, res, xxhash.Sum64String(sb.String())), nil
}

// ContentDigest hashes every sample of r, band by band, reading rows in
// blocks of chunkRows.
func ContentDigest(ctx context.Context, r Raster, chunkRows int) (uint64, error) {
	if chunkRows <= 0 {
		chunkRows = DefaultConfig().ChunkRows
	}
	h := xxhash.New()
	buf := make([]byte, 8*r.Width())
	for row0 := 0; row0 < r.Height(); row0 += chunkRows {
		n := min(chunkRows, r.Height()-row0)
		data, err := r.ReadRows(ctx, row0, n)
		if err != nil {
			return 0, err
		}
		for _, band := range data {
			for i := 0; i < len(band); i += r.Width() {
				for j, v := range band[i : i+r.Width()] {
					binary.LittleEndian.PutUint64(buf[8*j:], math.Float64bits(v))
				}
				_, _ = h.Write(buf)
			}
		}
	}
	return h.Sum64(), nil
}

type state struct {
	Cells   map[string]cellAcc `json:"cells"`
	Pixels  int64              `json:"pixels"`
	NoData  int64              `json:"nodata"`
	Skipped int64              `json:"skipped"`
}

type counters struct {
	pixels, nodata, skipped atomic.Int64
}

// Run aggregates every valid pixel of r into the cell containing its centre.
// A pixel is valid when its first band is not the no-data value; other bands
// contribute only their own valid samples.
func (a *Aggregator) Run(ctx context.Context, r Raster, runKey, name string) (model.HexTable, Report, error) {
	start := time.Now()
	bands, err := a.bands(r)
	if err != nil {
		return model.HexTable{}, Report{}, err
	}
	toGeo, err := a.crs.Transformer(r.CRS(), crs.WGS84)
	if err != nil {
		return model.HexTable{}, Report{}, fmt.Errorf("raster crs: %w", err)
	}

	tbl := newTable(len(bands))
	var cnt counters
	nChunks := (r.Height() + a.cfg.ChunkRows - 1) / a.cfg.ChunkRows
	rep := Report{Chunks: nChunks}

	next := 0
	if runKey != "" {
		cp, found, err := a.ckpt.Load(ctx, runKey)
		if err != nil {
			return model.HexTable{}, rep, fmt.Errorf("load checkpoint: %w", err)
		}
		if found {
			var st state
			if err := json.Unmarshal(cp.State, &st); err != nil {
				return model.HexTable{}, rep, fmt.Errorf("decode checkpoint: %w", err)
			}
			if err := tbl.restore(st.Cells); err != nil {
				return model.HexTable{}, rep, fmt.Errorf("restore checkpoint: %w", err)
			}
			cnt.pixels.Store(st.Pixels)
			cnt.nodata.Store(st.NoData)
			cnt.skipped.Store(st.Skipped)
			next = cp.NextChunk
			rep.ResumedFrom = next
			observability.IncCheckpoint("resume")
			a.log.Info("resuming raster pass", "run_key", runKey, "next_chunk", next, "chunks", nChunks)
		}
	}

	wave := 0
	for next < nChunks {
		end := min(next+a.cfg.Workers, nChunks)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.cfg.Workers)
		for c := next; c < end; c++ {
			g.Go(func() error {
				p, err := a.chunk(gctx, r, c, bands, toGeo, &cnt)
				if err != nil {
					return fmt.Errorf("chunk %d: %w", c, err)
				}
				tbl.mergePartial(p)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return model.HexTable{}, rep, err
		}
		next = end
		wave++
		if runKey != "" && a.cfg.CheckpointEvery > 0 && wave%a.cfg.CheckpointEvery == 0 && next < nChunks {
			if err := a.save(ctx, runKey, next, tbl, &cnt); err != nil {
				return model.HexTable{}, rep, err
			}
		}
	}

	out, err := a.finalize(tbl, bands, name)
	if err != nil {
		return model.HexTable{}, rep, err
	}
	if runKey != "" {
		if err := a.ckpt.Delete(ctx, runKey); err != nil {
			a.log.Warn("checkpoint cleanup failed", "run_key", runKey, "err", err)
		}
	}

	rep.Pixels = cnt.pixels.Load()
	rep.NoData = cnt.nodata.Load()
	rep.Skipped = cnt.skipped.Load()
	rep.Cells = len(out.Rows)
	rep.Duration = time.Since(start)

	observability.AddRecords(stage, observability.OutcomeOK, int(rep.Pixels))
	observability.AddRecords(stage, observability.OutcomeNoData, int(rep.NoData))
	observability.AddRecords(stage, observability.OutcomeSkippedProjection, int(rep.Skipped))
	observability.SetHexRows(stage, rep.Cells)
	observability.ObserveStage(stage, rep.Duration.Seconds())
	a.log.Info("raster aggregated",
		"pixels", rep.Pixels, "nodata", rep.NoData, "skipped", rep.Skipped,
		"cells", rep.Cells, "chunks", nChunks, "dur", rep.Duration.String())
	return out, rep, nil
}

func (a *Aggregator) chunk(ctx context.Context, r Raster, idx int, bands []Band, toGeo crs.Transformer, cnt *counters) (map[string]cellAcc, error) {
	row0 := idx * a.cfg.ChunkRows
	n := min(a.cfg.ChunkRows, r.Height()-row0)
	data, err := r.ReadRows(ctx, row0, n)
	if err != nil {
		return nil, err
	}
	if len(data) != len(bands) {
		return nil, fmt.Errorf("read %d bands, want %d", len(data), len(bands))
	}
	nd, hasND := r.NoData()
	isNoData := func(v float64) bool { return math.IsNaN(v) || (hasND && v == nd) }

	gt := r.GeoTransform()
	w := r.Width()
	out := make(map[string]cellAcc)
	var pixels, nodata, skipped int64
	for row := range n {
		if row%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for col := range w {
			i := row*w + col
			if isNoData(data[0][i]) {
				nodata++
				continue
			}
			x, y := gt.Center(col, row0+row)
			lon, lat, err := toGeo(x, y)
			if err != nil {
				skipped++
				continue
			}
			cell, err := a.mapr.CellOf(lat, lon)
			if err != nil {
				skipped++
				continue
			}
			acc, ok := out[cell]
			if !ok {
				acc = make(cellAcc, len(bands))
				out[cell] = acc
			}
			for b := range bands {
				v := data[b][i]
				if isNoData(v) {
					continue
				}
				acc[b].Add(v, bands[b].Domain)
			}
			pixels++
		}
	}
	cnt.pixels.Add(pixels)
	cnt.nodata.Add(nodata)
	cnt.skipped.Add(skipped)
	return out, nil
}

func (a *Aggregator) save(ctx context.Context, runKey string, next int, tbl *table, cnt *counters) error {
	_, cells := tbl.snapshot()
	b, err := json.Marshal(state{
		Cells:   cells,
		Pixels:  cnt.pixels.Load(),
		NoData:  cnt.nodata.Load(),
		Skipped: cnt.skipped.Load(),
	})
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := a.ckpt.Save(ctx, checkpoint.Checkpoint{RunKey: runKey, NextChunk: next, State: b}); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	observability.IncCheckpoint("save")
	a.log.Debug("checkpoint saved", "run_key", runKey, "next_chunk", next, "cells", len(cells))
	return nil
}

// Columns lists the output columns for bands in order.
func Columns(bands []Band) []string {
	var cols []string
	for _, b := range bands {
		for _, s := range b.Stats {
			cols = append(cols, b.Name+"_"+string(s))
		}
	}
	return cols
}

func (a *Aggregator) finalize(tbl *table, bands []Band, name string) (model.HexTable, error) {
	keys, cells := tbl.snapshot()
	out := model.HexTable{
		Name:       name,
		Resolution: a.mapr.Resolution(),
		Columns:    Columns(bands),
		Rows:       make([]model.HexRow, 0, len(keys)),
	}
	for _, k := range keys {
		acc := cells[k]
		ll, err := a.mapr.CentroidOf(k)
		if err != nil {
			return model.HexTable{}, err
		}
		row := model.HexRow{HexID: k, Lat: ll.Lat, Lon: ll.Lng, Contributors: acc[0].Count}
		row.Values = make([]model.Value, 0, len(out.Columns))
		for b, band := range bands {
			st := acc[b].Finalize(band.Domain)
			for _, s := range band.Stats {
				row.Values = append(row.Values, st.value(s))
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}
