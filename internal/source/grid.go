package source

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/crs"
)

// CRS3035RES1000mN2684000E4334000: lower-left corner (E, N) of a square cell in EPSG:3035.
var gridIDPattern = regexp.MustCompile(`^CRS(\d+)RES(\d+)mN(\d+)E(\d+)$`)

type GridID struct {
	EPSG       int
	SizeMetres float64
	North      float64
	East       float64
}

func ParseGridID(id string) (GridID, error) {
	m := gridIDPattern.FindStringSubmatch(id)
	if m == nil {
		return GridID{}, fmt.Errorf("%w: grid id %q", ErrInvalidSource, id)
	}
	epsg, _ := strconv.Atoi(m[1])
	size, _ := strconv.ParseFloat(m[2], 64)
	n, _ := strconv.ParseFloat(m[3], 64)
	e, _ := strconv.ParseFloat(m[4], 64)
	if size <= 0 {
		return GridID{}, fmt.Errorf("%w: grid id %q has zero cell size", ErrInvalidSource, id)
	}
	return GridID{EPSG: epsg, SizeMetres: size, North: n, East: e}, nil
}

func (g GridID) String() string {
	return fmt.Sprintf("CRS%dRES%dmN%dE%d", g.EPSG, int64(g.SizeMetres), int64(g.North), int64(g.East))
}

func (g GridID) CRS() string { return fmt.Sprintf("EPSG:%d", g.EPSG) }

// Grid builds the square footprint of a statistical grid cell in its native CRS.
func Grid(id string) (model.SourceGeometry, error) {
	g, err := ParseGridID(id)
	if err != nil {
		return model.SourceGeometry{}, err
	}
	return Rect(id, crs.Normalize(g.CRS()), g.East, g.North, g.East+g.SizeMetres, g.North+g.SizeMetres)
}
