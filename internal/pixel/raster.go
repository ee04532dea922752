package pixel

import (
	"context"
	"fmt"
)

// GeoTransform is an affine pixel-to-CRS transform in GDAL order:
// x = gt[0] + col*gt[1] + row*gt[2], y = gt[3] + col*gt[4] + row*gt[5].
type GeoTransform [6]float64

// Center returns the CRS coordinates of the centre of pixel (col, row).
func (gt GeoTransform) Center(col, row int) (float64, float64) {
	c, r := float64(col)+0.5, float64(row)+0.5
	return gt[0] + c*gt[1] + r*gt[2], gt[3] + c*gt[4] + r*gt[5]
}

// Raster is a read-only multi-band grid. Implementations must be safe for
// concurrent ReadRows calls.
type Raster interface {
	Width() int
	Height() int
	Bands() int
	NoData() (float64, bool)
	GeoTransform() GeoTransform
	CRS() string
	// ReadRows returns out[band][r*Width()+col] for rows [row0, row0+n).
	ReadRows(ctx context.Context, row0, n int) ([][]float64, error)
}

// GridRaster is an in-memory Raster.
type GridRaster struct {
	W, H      int
	Data      [][]float64 // Data[band][row*W+col]
	NoDataVal float64
	HasNoData bool
	GT        GeoTransform
	SRS       string
}

func NewGridRaster(w, h, bands int, gt GeoTransform, srs string) *GridRaster {
	data := make([][]float64, bands)
	for b := range data {
		data[b] = make([]float64, w*h)
	}
	return &GridRaster{W: w, H: h, Data: data, GT: gt, SRS: srs}
}

func (g *GridRaster) Set(band, col, row int, v float64) { g.Data[band][row*g.W+col] = v }

func (g *GridRaster) WithNoData(v float64) *GridRaster {
	g.NoDataVal, g.HasNoData = v, true
	return g
}

// RemapNoData rewrites samples equal to the current sentinel to v in every
// band and makes v the sentinel.
func (g *GridRaster) RemapNoData(v float64) *GridRaster {
	if nd, ok := g.NoData(); ok && nd != v {
		for b := range g.Data {
			for i, s := range g.Data[b] {
				if s == nd {
					g.Data[b][i] = v
				}
			}
		}
	}
	return g.WithNoData(v)
}

func (g *GridRaster) Width() int                 { return g.W }
func (g *GridRaster) Height() int                { return g.H }
func (g *GridRaster) Bands() int                 { return len(g.Data) }
func (g *GridRaster) NoData() (float64, bool)    { return g.NoDataVal, g.HasNoData }
func (g *GridRaster) GeoTransform() GeoTransform { return g.GT }
func (g *GridRaster) CRS() string                { return g.SRS }

func (g *GridRaster) ReadRows(ctx context.Context, row0, n int) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if row0 < 0 || n < 0 || row0+n > g.H {
		return nil, fmt.Errorf("rows [%d, %d) outside raster height %d", row0, row0+n, g.H)
	}
	out := make([][]float64, len(g.Data))
	for b := range g.Data {
		out[b] = g.Data[b][row0*g.W : (row0+n)*g.W]
	}
	return out, nil
}
