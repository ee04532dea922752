// Package crs resolves coordinate reference systems into point transformers.
package crs

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
)

const (
	WGS84       = "EPSG:4326"
	LAEAEurope  = "EPSG:3035"
	WebMercator = "EPSG:3857"
)

// ErrProjection marks a point or geometry that cannot be moved into the target CRS.
var ErrProjection = errors.New("coordinate projection failure")

// Transformer maps (x, y) in one CRS to (x, y) in another. Geographic CRSs use (lon, lat).
type Transformer = proj.Transformer

var defs = map[string]string{
	WGS84:       "+proj=longlat +datum=WGS84 +no_defs",
	WebMercator: "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs",
}

// Registry hands out cached transformers keyed by (from, to).
type Registry struct {
	mu    sync.Mutex
	cache map[[2]string]Transformer
}

func NewRegistry() *Registry {
	return &Registry{cache: make(map[[2]string]Transformer)}
}

// Normalize upper-cases EPSG codes and leaves proj4/WKT definitions untouched.
func Normalize(code string) string {
	c := strings.TrimSpace(code)
	if c == "" {
		return WGS84
	}
	if strings.HasPrefix(strings.ToUpper(c), "EPSG:") {
		return strings.ToUpper(c)
	}
	return c
}

func (r *Registry) Transformer(from, to string) (Transformer, error) {
	from, to = Normalize(from), Normalize(to)
	key := [2]string{from, to}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[key]; ok {
		return t, nil
	}
	t, err := build(from, to)
	if err != nil {
		return nil, err
	}
	r.cache[key] = t
	return t, nil
}

func build(from, to string) (Transformer, error) {
	if from == to {
		return identity, nil
	}
	toGeo, err := toWGS84(from)
	if err != nil {
		return nil, fmt.Errorf("crs %s: %w", from, err)
	}
	fromGeo, err := fromWGS84(to)
	if err != nil {
		return nil, fmt.Errorf("crs %s: %w", to, err)
	}
	return func(x, y float64) (float64, float64, error) {
		lon, lat, err := toGeo(x, y)
		if err != nil {
			return math.NaN(), math.NaN(), fmt.Errorf("%w: %v", ErrProjection, err)
		}
		ox, oy, err := fromGeo(lon, lat)
		if err != nil {
			return math.NaN(), math.NaN(), fmt.Errorf("%w: %v", ErrProjection, err)
		}
		if math.IsNaN(ox) || math.IsNaN(oy) || math.IsInf(ox, 0) || math.IsInf(oy, 0) {
			return math.NaN(), math.NaN(), fmt.Errorf("%w: (%g, %g) has no image in %s", ErrProjection, x, y, to)
		}
		return ox, oy, nil
	}, nil
}

func identity(x, y float64) (float64, float64, error) { return x, y, nil }

func toWGS84(code string) (Transformer, error) {
	switch code {
	case WGS84:
		return identity, nil
	case LAEAEurope:
		return epsg3035.inverse, nil
	}
	src, err := parse(code)
	if err != nil {
		return nil, err
	}
	dst, err := parse(WGS84)
	if err != nil {
		return nil, err
	}
	return src.NewTransform(dst)
}

func fromWGS84(code string) (Transformer, error) {
	switch code {
	case WGS84:
		return identity, nil
	case LAEAEurope:
		return epsg3035.forward, nil
	}
	src, err := parse(WGS84)
	if err != nil {
		return nil, err
	}
	dst, err := parse(code)
	if err != nil {
		return nil, err
	}
	return src.NewTransform(dst)
}

func parse(code string) (*proj.SR, error) {
	def := code
	if d, ok := defs[code]; ok {
		def = d
	}
	sr, err := proj.Parse(def)
	if err != nil {
		return nil, fmt.Errorf("parse projection: %w", err)
	}
	return sr, nil
}

// Polygon transforms every vertex of p with t.
func Polygon(p geom.Polygon, t Transformer) (geom.Polygon, error) {
	g, err := p.Transform(t)
	if err != nil {
		if errors.Is(err, ErrProjection) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProjection, err)
	}
	out, ok := g.(geom.Polygon)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected geometry %T", ErrProjection, g)
	}
	return out, nil
}
