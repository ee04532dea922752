// Package source builds source geometries from the identifiers carried by the input datasets.
package source

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ctessum/geom"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/crs"
)

var ErrInvalidSource = errors.New("invalid source geometry")

// Polygon builds a polygon source. Rings are closed if needed.
func Polygon(id, srcCRS string, rings ...[]geom.Point) (model.SourceGeometry, error) {
	if strings.TrimSpace(id) == "" {
		return model.SourceGeometry{}, fmt.Errorf("%w: empty id", ErrInvalidSource)
	}
	if len(rings) == 0 {
		return model.SourceGeometry{}, fmt.Errorf("%w: %s has no rings", ErrInvalidSource, id)
	}
	p := make(geom.Polygon, 0, len(rings))
	for i, r := range rings {
		if len(r) < 3 {
			return model.SourceGeometry{}, fmt.Errorf("%w: %s ring %d has %d vertices", ErrInvalidSource, id, i, len(r))
		}
		for _, pt := range r {
			if !finite(pt.X) || !finite(pt.Y) {
				return model.SourceGeometry{}, fmt.Errorf("%w: %s has non-finite vertex", ErrInvalidSource, id)
			}
		}
		p = append(p, closeRing(r))
	}
	if p.Area() <= 0 {
		return model.SourceGeometry{}, fmt.Errorf("%w: %s has zero area", ErrInvalidSource, id)
	}
	return model.SourceGeometry{ID: id, CRS: crs.Normalize(srcCRS), Polygon: p}, nil
}

// Point builds a sample-point source such as a raster pixel centre.
func Point(id, srcCRS string, x, y float64) (model.SourceGeometry, error) {
	if strings.TrimSpace(id) == "" {
		return model.SourceGeometry{}, fmt.Errorf("%w: empty id", ErrInvalidSource)
	}
	if !finite(x) || !finite(y) {
		return model.SourceGeometry{}, fmt.Errorf("%w: %s has non-finite coordinate", ErrInvalidSource, id)
	}
	return model.SourceGeometry{ID: id, CRS: crs.Normalize(srcCRS), Point: &geom.Point{X: x, Y: y}}, nil
}

// Rect builds an axis-aligned rectangle source.
func Rect(id, srcCRS string, minX, minY, maxX, maxY float64) (model.SourceGeometry, error) {
	if !(maxX > minX) || !(maxY > minY) {
		return model.SourceGeometry{}, fmt.Errorf("%w: %s has empty extent", ErrInvalidSource, id)
	}
	return Polygon(id, srcCRS, []geom.Point{
		{X: minX, Y: minY}, {X: maxX, Y: minY}, {X: maxX, Y: maxY}, {X: minX, Y: maxY},
	})
}

func closeRing(r []geom.Point) []geom.Point {
	out := make([]geom.Point, len(r), len(r)+1)
	copy(out, r)
	if out[0] != out[len(out)-1] {
		out = append(out, out[0])
	}
	return out
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
