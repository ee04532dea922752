package source

import (
	"fmt"
	"strconv"

	"github.com/paulmach/orb/maptile"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/crs"
)

// Quadkey builds the EPSG:4326 footprint of a Bing-style quadkey tile. The zoom is the key length.
func Quadkey(qk string) (model.SourceGeometry, error) {
	t, err := ParseQuadkey(qk)
	if err != nil {
		return model.SourceGeometry{}, err
	}
	b := t.Bound()
	return Rect(qk, crs.WGS84, b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat())
}

func ParseQuadkey(qk string) (maptile.Tile, error) {
	if len(qk) == 0 || len(qk) > 31 {
		return maptile.Tile{}, fmt.Errorf("%w: quadkey %q length %d", ErrInvalidSource, qk, len(qk))
	}
	v, err := strconv.ParseUint(qk, 4, 64)
	if err != nil {
		return maptile.Tile{}, fmt.Errorf("%w: quadkey %q: %v", ErrInvalidSource, qk, err)
	}
	return maptile.FromQuadkey(v, maptile.Zoom(len(qk))), nil
}
