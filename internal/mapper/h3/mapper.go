package h3mapper

import (
	"errors"
	"fmt"
	"math"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
)

const DefaultBoundaryCacheSize = 65536

var ErrInvalidCoordinate = errors.New("invalid geographic coordinate")

type Mapper struct {
	res        int
	boundaries *lru.Cache[h3.Cell, []model.LatLng]
}

type Option func(*Mapper)

// WithBoundaryCache sets the LRU size for cell boundaries; n <= 0 disables caching.
func WithBoundaryCache(n int) Option {
	return func(m *Mapper) {
		if n <= 0 {
			m.boundaries = nil
			return
		}
		c, _ := lru.New[h3.Cell, []model.LatLng](n)
		m.boundaries = c
	}
}

func New(res int, opts ...Option) (*Mapper, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	c, _ := lru.New[h3.Cell, []model.LatLng](DefaultBoundaryCacheSize)
	m := &Mapper{res: res, boundaries: c}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *Mapper) Resolution() int { return m.res }

func (m *Mapper) CellOf(lat, lng float64) (string, error) {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) ||
		lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return "", fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidCoordinate, lat, lng)
	}
	c, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lng}, m.res)
	if err != nil {
		return "", fmt.Errorf("h3 latlng to cell: %w", err)
	}
	return c.String(), nil
}

func (m *Mapper) BoundaryOf(cell string) ([]model.LatLng, error) {
	c, err := parseCell(cell)
	if err != nil {
		return nil, err
	}
	if m.boundaries != nil {
		if b, ok := m.boundaries.Get(c); ok {
			return b, nil
		}
	}
	cb, err := c.Boundary()
	if err != nil {
		return nil, fmt.Errorf("h3 boundary %s: %w", cell, err)
	}
	out := make([]model.LatLng, 0, len(cb))
	for _, ll := range cb {
		out = append(out, model.LatLng{Lat: ll.Lat, Lng: ll.Lng})
	}
	if m.boundaries != nil {
		m.boundaries.Add(c, out)
	}
	return out, nil
}

func (m *Mapper) CentroidOf(cell string) (model.LatLng, error) {
	c, err := parseCell(cell)
	if err != nil {
		return model.LatLng{}, err
	}
	ll, err := c.LatLng()
	if err != nil {
		return model.LatLng{}, fmt.Errorf("h3 centroid %s: %w", cell, err)
	}
	return model.LatLng{Lat: ll.Lat, Lng: ll.Lng}, nil
}

// KRing returns the cell and every cell within k steps, sorted and de-duplicated.
func (m *Mapper) KRing(cell string, k int) (model.Cells, error) {
	if k < 0 {
		return nil, fmt.Errorf("invalid k-ring radius %d", k)
	}
	c, err := parseCell(cell)
	if err != nil {
		return nil, err
	}
	disk, err := c.GridDisk(k)
	if err != nil {
		return nil, fmt.Errorf("h3 grid disk %s k=%d: %w", cell, k, err)
	}
	seen := make(map[h3.Cell]struct{}, len(disk))
	out := make([]string, 0, len(disk))
	for _, d := range disk {
		// pentagon distortion may leave zero slots in the disk
		if d == 0 {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d.String())
	}
	sort.Strings(out)
	return out, nil
}

// --- helpers ---

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

func parseCell(cell string) (h3.Cell, error) {
	var c h3.Cell
	if err := c.UnmarshalText([]byte(cell)); err != nil {
		return 0, fmt.Errorf("parse cell: %w", err)
	}
	if !c.IsValid() {
		return 0, fmt.Errorf("invalid h3 cell %q", cell)
	}
	return c, nil
}
