// Package weights computes source-to-hex overlap weights.
package weights

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"

	"github.com/ctessum/geom"
	"github.com/golang/geo/s2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/crs"
	"github.com/mohammed-shakir/h3-reagg/internal/mapper"
	h3mapper "github.com/mohammed-shakir/h3-reagg/internal/mapper/h3"
)

var ErrWeightSumOutOfTolerance = errors.New("weight sum out of tolerance")

type Config struct {
	K         int
	Threshold float64
	Tolerance float64
	HardBound float64
	// AreaCRS is where overlap areas are measured; empty means planar lon/lat degrees.
	AreaCRS   string
	Workers   int
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		K:         1,
		Threshold: 0.001,
		Tolerance: 1e-3,
		HardBound: 0.05,
		Workers:   4,
		BatchSize: 500,
	}
}

func (c Config) Validate() error {
	switch {
	case c.K < 0:
		return fmt.Errorf("k-ring radius %d must be >= 0", c.K)
	case c.Threshold < 0 || c.Threshold >= 1:
		return fmt.Errorf("threshold %v must be in [0, 1)", c.Threshold)
	case c.Tolerance <= 0:
		return fmt.Errorf("tolerance %v must be > 0", c.Tolerance)
	case c.HardBound < c.Tolerance:
		return fmt.Errorf("hard bound %v must be >= tolerance %v", c.HardBound, c.Tolerance)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size %d must be > 0", c.BatchSize)
	}
	return nil
}

// SourceResult is the outcome of weighting one source.
type SourceResult struct {
	SourceID    string
	Edges       []model.WeightEdge
	Coverage    float64
	Fallback    bool
	LowCoverage bool
	Skipped     error
}

type Calculator struct {
	cfg     Config
	mapr    mapper.Interface
	crs     *crs.Registry
	areaCRS string
	hexes   *lru.Cache[string, geom.Polygon]
	log     *slog.Logger
}

func NewCalculator(cfg Config, m mapper.Interface, reg *crs.Registry, logger *slog.Logger) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("nil mapper")
	}
	if reg == nil {
		reg = crs.NewRegistry()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	area := crs.WGS84
	if cfg.AreaCRS != "" {
		area = crs.Normalize(cfg.AreaCRS)
	}
	hexes, _ := lru.New[string, geom.Polygon](h3mapper.DefaultBoundaryCacheSize)
	return &Calculator{cfg: cfg, mapr: m, crs: reg, areaCRS: area, hexes: hexes, log: logger}, nil
}

// Weigh maps one source to its hex edges. Projection failures are reported in
// SourceResult.Skipped; any other error is returned.
func (c *Calculator) Weigh(src model.SourceGeometry) (SourceResult, error) {
	res := SourceResult{SourceID: src.ID}
	toGeo, err := c.crs.Transformer(src.CRS, crs.WGS84)
	if err != nil {
		return res, fmt.Errorf("source %s: %w", src.ID, err)
	}

	if src.IsPoint() {
		lon, lat, err := toGeo(src.Point.X, src.Point.Y)
		if err != nil {
			res.Skipped = err
			return res, nil
		}
		cell, err := c.mapr.CellOf(lat, lon)
		if err != nil {
			res.Skipped = projectionErr(err)
			return res, nil
		}
		res.Coverage = 1
		res.Edges = []model.WeightEdge{{SourceID: src.ID, HexID: cell, Weight: 1}}
		return res, nil
	}

	geo, err := crs.Polygon(src.Polygon, toGeo)
	if err != nil {
		res.Skipped = err
		return res, nil
	}
	ctr := geo.Centroid()
	cell, err := c.mapr.CellOf(ctr.Y, ctr.X)
	if err != nil {
		res.Skipped = projectionErr(err)
		return res, nil
	}
	candidates, err := c.mapr.KRing(cell, c.cfg.K)
	if err != nil {
		return res, fmt.Errorf("source %s: %w", src.ID, err)
	}

	toArea, err := c.crs.Transformer(src.CRS, c.areaCRS)
	if err != nil {
		return res, fmt.Errorf("source %s: %w", src.ID, err)
	}
	srcArea, err := crs.Polygon(src.Polygon, toArea)
	if err != nil {
		res.Skipped = err
		return res, nil
	}
	total := srcArea.Area()
	if total <= 0 || math.IsNaN(total) {
		res.Skipped = fmt.Errorf("%w: source %s has zero area in %s", crs.ErrProjection, src.ID, c.areaCRS)
		return res, nil
	}

	kept := make([]model.WeightEdge, 0, len(candidates))
	var keptSum float64
	for _, h := range candidates {
		hp, err := c.hexPolygon(h)
		if err != nil {
			if errors.Is(err, crs.ErrProjection) {
				continue
			}
			return res, fmt.Errorf("source %s: %w", src.ID, err)
		}
		raw := srcArea.Intersection(hp).Area() / total
		res.Coverage += raw
		if raw <= 0 || raw < c.cfg.Threshold {
			continue
		}
		kept = append(kept, model.WeightEdge{SourceID: src.ID, HexID: h, Weight: raw})
		keptSum += raw
	}
	res.LowCoverage = res.Coverage < 1-c.cfg.Tolerance

	if len(kept) == 0 {
		fb, err := c.nearest(ctr, candidates)
		if err != nil {
			return res, fmt.Errorf("source %s: %w", src.ID, err)
		}
		res.Fallback = true
		res.Edges = []model.WeightEdge{{SourceID: src.ID, HexID: fb, Weight: 1, Approximate: true}}
		c.log.Warn("no candidate overlap above threshold, using nearest cell",
			"source_id", src.ID, "hex_id", fb, "coverage", res.Coverage)
		return res, nil
	}
	for i := range kept {
		kept[i].Weight /= keptSum
	}
	res.Edges = kept
	return res, nil
}

// hexPolygon returns the closed cell boundary in the area CRS.
func (c *Calculator) hexPolygon(cell string) (geom.Polygon, error) {
	if p, ok := c.hexes.Get(cell); ok {
		return p, nil
	}
	b, err := c.mapr.BoundaryOf(cell)
	if err != nil {
		return nil, err
	}
	ring := make([]geom.Point, 0, len(b)+1)
	for _, ll := range b {
		ring = append(ring, geom.Point{X: ll.Lng, Y: ll.Lat})
	}
	ring = append(ring, ring[0])
	tr, err := c.crs.Transformer(crs.WGS84, c.areaCRS)
	if err != nil {
		return nil, err
	}
	p, err := crs.Polygon(geom.Polygon{ring}, tr)
	if err != nil {
		return nil, err
	}
	c.hexes.Add(cell, p)
	return p, nil
}

// nearest picks the candidate whose centroid is closest on the sphere, ties broken by id.
func (c *Calculator) nearest(ctr geom.Point, candidates model.Cells) (string, error) {
	if len(candidates) == 0 {
		return "", errors.New("empty candidate set")
	}
	from := s2.LatLngFromDegrees(ctr.Y, ctr.X)
	best := ""
	bestD := math.Inf(1)
	for _, h := range candidates {
		ll, err := c.mapr.CentroidOf(h)
		if err != nil {
			return "", err
		}
		d := from.Distance(s2.LatLngFromDegrees(ll.Lat, ll.Lng)).Radians()
		if d < bestD || (d == bestD && h < best) {
			best, bestD = h, d
		}
	}
	return best, nil
}

func projectionErr(err error) error {
	if errors.Is(err, crs.ErrProjection) {
		return err
	}
	return fmt.Errorf("%w: %v", crs.ErrProjection, err)
}

// SortEdges orders edges by (source_id, hex_id).
func SortEdges(edges []model.WeightEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].SourceID != edges[j].SourceID {
			return edges[i].SourceID < edges[j].SourceID
		}
		return edges[i].HexID < edges[j].HexID
	})
}
