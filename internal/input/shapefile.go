package input

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/source"
)

// ReadShapefile reads polygon sources and their attributes. The CRS is srcCRS
// when set, otherwise the definition in the sidecar .prj file.
func ReadShapefile(path, idField, srcCRS string, schema model.Schema) ([]model.SourceGeometry, []model.AttributeRecord, error) {
	base := strings.TrimSuffix(path, ".shp")
	if srcCRS == "" {
		b, err := os.ReadFile(base + ".prj")
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, nil, fmt.Errorf("%s: no CRS configured and no .prj file", path)
		case err != nil:
			return nil, nil, err
		}
		srcCRS = strings.TrimSpace(string(b))
	}

	d, err := shp.NewDecoder(base + ".shp")
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	defer d.Close()

	fields := append([]string{idField}, schema.Names()...)
	var geoms []model.SourceGeometry
	var recs []model.AttributeRecord
	for {
		g, vals, more := d.DecodeRowFields(fields...)
		if !more {
			break
		}
		if err := d.Error(); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		id := strings.TrimSpace(vals[idField])
		sg, err := polygonSource(id, srcCRS, g)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		rec := model.AttributeRecord{SourceID: id, Values: make([]model.Value, len(schema))}
		for i, c := range schema {
			if rec.Values[i], err = ParseValue(vals[c.Name]); err != nil {
				return nil, nil, fmt.Errorf("%w: %s: source %s column %s: %v", ErrFormat, path, id, c.Name, err)
			}
		}
		geoms = append(geoms, sg)
		recs = append(recs, rec)
	}
	if err := d.Error(); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return geoms, recs, nil
}

// polygonSource flattens multipolygons into one ring set; parts stay disjoint.
func polygonSource(id, srcCRS string, g geom.Geom) (model.SourceGeometry, error) {
	var rings [][]geom.Point
	switch p := g.(type) {
	case geom.Polygon:
		for _, r := range p {
			rings = append(rings, []geom.Point(r))
		}
	case geom.MultiPolygon:
		for _, part := range p {
			for _, r := range part {
				rings = append(rings, []geom.Point(r))
			}
		}
	default:
		return model.SourceGeometry{}, fmt.Errorf("%w: %s has geometry %T, want polygon", source.ErrInvalidSource, id, g)
	}
	return source.Polygon(id, srcCRS, rings...)
}
