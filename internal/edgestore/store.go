package edgestore

import (
	"fmt"
	"sort"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
)

// Store is an immutable edge set grouped by source id.
type Store struct {
	edges []model.WeightEdge
	// offsets[i] is the first edge of the i-th source group
	offsets []int
}

// NewStore sorts a copy of edges by (source_id, hex_id) and indexes the groups.
func NewStore(edges []model.WeightEdge) (*Store, error) {
	cp := append([]model.WeightEdge(nil), edges...)
	sort.Slice(cp, func(i, j int) bool {
		if cp[i].SourceID != cp[j].SourceID {
			return cp[i].SourceID < cp[j].SourceID
		}
		return cp[i].HexID < cp[j].HexID
	})
	s := &Store{edges: cp}
	for i := range cp {
		if i > 0 && cp[i].SourceID == cp[i-1].SourceID && cp[i].HexID == cp[i-1].HexID {
			return nil, fmt.Errorf("duplicate edge (%s, %s)", cp[i].SourceID, cp[i].HexID)
		}
		if i == 0 || cp[i].SourceID != cp[i-1].SourceID {
			s.offsets = append(s.offsets, i)
		}
	}
	return s, nil
}

func (s *Store) Len() int { return len(s.edges) }

func (s *Store) Sources() int { return len(s.offsets) }

// Edges returns all edges in (source_id, hex_id) order. The slice must not be modified.
func (s *Store) Edges() []model.WeightEdge { return s.edges }

func (s *Store) group(i int) []model.WeightEdge {
	end := len(s.edges)
	if i+1 < len(s.offsets) {
		end = s.offsets[i+1]
	}
	return s.edges[s.offsets[i]:end]
}

// Each visits source groups in ascending source id order.
func (s *Store) Each(fn func(sourceID string, edges []model.WeightEdge) error) error {
	for i := range s.offsets {
		g := s.group(i)
		if err := fn(g[0].SourceID, g); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Approximate() int {
	n := 0
	for _, e := range s.edges {
		if e.Approximate {
			n++
		}
	}
	return n
}
