// Package mapper converts between geographic coordinates and hexagonal cells.
package mapper

import (
	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
)

type Interface interface {
	Resolution() int
	CellOf(lat, lng float64) (string, error)
	BoundaryOf(cell string) ([]model.LatLng, error)
	CentroidOf(cell string) (model.LatLng, error)
	KRing(cell string, k int) (model.Cells, error)
}
