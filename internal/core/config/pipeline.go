package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/input"
	"github.com/mohammed-shakir/h3-reagg/internal/merge"
	"github.com/mohammed-shakir/h3-reagg/internal/pixel"
	"github.com/mohammed-shakir/h3-reagg/internal/tableio"
)

// PolygonSource is a dataset reaggregated through weight edges.
type PolygonSource struct {
	Name     string             `toml:"name"`
	Geometry input.GeometryKind `toml:"geometry"`
	Path     string             `toml:"path"`
	IDColumn string             `toml:"id_column"`
	CRS      string             `toml:"crs"`
	Columns  model.Schema       `toml:"columns"`
}

// RasterSource is a dataset aggregated pixel by pixel, one grid file per band.
type RasterSource struct {
	Name   string       `toml:"name"`
	CRS    string       `toml:"crs"`
	Files  []string     `toml:"files"`
	NoData *float64     `toml:"nodata"`
	Bands  []pixel.Band `toml:"bands"`
}

type UnionSlice struct {
	Prefix string `toml:"prefix"`
	Table  string `toml:"table"`
}

type DerivedMean struct {
	Name string   `toml:"name"`
	From []string `toml:"from"`
}

// Union outer-joins slice tables, e.g. quarterly speed tables into a year.
type Union struct {
	Name   string        `toml:"name"`
	Slices []UnionSlice  `toml:"slices"`
	Means  []DerivedMean `toml:"means"`
}

type MergeStep struct {
	Table   string         `toml:"table"`
	Kind    merge.JoinKind `toml:"kind"`
	Columns []merge.Rename `toml:"columns"`
}

type Merge struct {
	Name        string         `toml:"name"`
	Base        string         `toml:"base"`
	BaseColumns []merge.Rename `toml:"base_columns"`
	Steps       []MergeStep    `toml:"steps"`
	Filter      merge.Filter   `toml:"filter"`
}

// Pipeline is the TOML pipeline file.
type Pipeline struct {
	Dataset         string           `toml:"dataset"`
	OutputDir       string           `toml:"output_dir"`
	Polygons        []PolygonSource  `toml:"polygons"`
	Rasters         []RasterSource   `toml:"rasters"`
	Unions          []Union          `toml:"unions"`
	Merge           *Merge           `toml:"merge"`
	Rounding        tableio.Rounding `toml:"rounding"`
	ExpectedColumns []string         `toml:"expected_columns"`
}

// LoadPipeline decodes path and resolves relative input paths against its directory.
func LoadPipeline(path string) (Pipeline, error) {
	var p Pipeline
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return Pipeline{}, fmt.Errorf("pipeline %s: %w", path, err)
	}
	if und := md.Undecoded(); len(und) > 0 {
		keys := make([]string, len(und))
		for i, k := range und {
			keys[i] = k.String()
		}
		return Pipeline{}, fmt.Errorf("pipeline %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	dir := filepath.Dir(path)
	rel := func(s string) string {
		if s == "" || filepath.IsAbs(s) {
			return s
		}
		return filepath.Join(dir, s)
	}
	for i := range p.Polygons {
		p.Polygons[i].Path = rel(p.Polygons[i].Path)
	}
	for i := range p.Rasters {
		for j := range p.Rasters[i].Files {
			p.Rasters[i].Files[j] = rel(p.Rasters[i].Files[j])
		}
	}
	if p.OutputDir == "" {
		p.OutputDir = "out"
	}
	p.OutputDir = rel(p.OutputDir)
	if err := p.Validate(); err != nil {
		return Pipeline{}, fmt.Errorf("pipeline %s: %w", path, err)
	}
	return p, nil
}

// Validate checks names and the references between tables.
func (p Pipeline) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Dataset) == "" {
		errs = append(errs, errors.New("dataset is required"))
	}
	tables := map[string]bool{}
	add := func(name string) {
		if name == "" {
			errs = append(errs, errors.New("table with empty name"))
			return
		}
		if tables[name] {
			errs = append(errs, fmt.Errorf("table %q defined twice", name))
		}
		tables[name] = true
	}
	for _, s := range p.Polygons {
		add(s.Name)
		if s.Path == "" || s.IDColumn == "" {
			errs = append(errs, fmt.Errorf("polygons %q: path and id_column are required", s.Name))
		}
		if s.Geometry == "" {
			errs = append(errs, fmt.Errorf("polygons %q: geometry is required", s.Name))
		}
		if err := s.Columns.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("polygons %q: %w", s.Name, err))
		}
	}
	for _, r := range p.Rasters {
		add(r.Name)
		if len(r.Files) == 0 {
			errs = append(errs, fmt.Errorf("rasters %q: files are required", r.Name))
		}
		if len(r.Bands) > 0 && len(r.Bands) != len(r.Files) {
			errs = append(errs, fmt.Errorf("rasters %q: %d bands for %d files", r.Name, len(r.Bands), len(r.Files)))
		}
	}
	for _, u := range p.Unions {
		for _, s := range u.Slices {
			if !tables[s.Table] {
				errs = append(errs, fmt.Errorf("union %q: unknown table %q", u.Name, s.Table))
			}
		}
		add(u.Name)
	}
	if m := p.Merge; m != nil {
		if !tables[m.Base] {
			errs = append(errs, fmt.Errorf("merge: unknown base table %q", m.Base))
		}
		for _, s := range m.Steps {
			if !tables[s.Table] {
				errs = append(errs, fmt.Errorf("merge: unknown table %q", s.Table))
			}
			if s.Kind == 0 {
				errs = append(errs, fmt.Errorf("merge step %q: kind is required", s.Table))
			}
		}
		if m.Name == "" {
			errs = append(errs, errors.New("merge: name is required"))
		}
	}
	return errors.Join(errs...)
}
