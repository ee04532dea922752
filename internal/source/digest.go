package source

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/ctessum/geom"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
)

// DigestPrecision is the number of decimals kept when hashing coordinates.
const DigestPrecision = 6

// Digest hashes a source set independent of input order and ring orientation,
// so an unchanged source set always yields the same edge-store key.
func Digest(srcs []model.SourceGeometry) string {
	idx := make([]int, len(srcs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return srcs[idx[a]].ID < srcs[idx[b]].ID })

	h := xxhash.New()
	var buf [8]byte
	writeF := func(f float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(roundFloat(f, DigestPrecision)))
		_, _ = h.Write(buf[:])
	}
	for _, i := range idx {
		s := srcs[i]
		_, _ = h.WriteString(s.ID)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(s.CRS)
		_, _ = h.WriteString("\x00")
		if s.Point != nil {
			_, _ = h.WriteString("P")
			writeF(s.Point.X)
			writeF(s.Point.Y)
			continue
		}
		_, _ = h.WriteString("G")
		for ri, r := range orientRings(s.Polygon) {
			_, _ = h.WriteString(fmt.Sprintf("r%d:%d", ri, len(r)))
			for _, p := range r {
				writeF(p.X)
				writeF(p.Y)
			}
		}
	}
	return fmt.Sprintf("sd:%016x", h.Sum64())
}

// outer ring counter-clockwise, holes clockwise
func orientRings(p geom.Polygon) geom.Polygon {
	out := make(geom.Polygon, len(p))
	for i, r := range p {
		ccw := signedArea(r) > 0
		if (i == 0) == ccw {
			out[i] = r
			continue
		}
		rev := make([]geom.Point, len(r))
		for j := range r {
			rev[j] = r[len(r)-1-j]
		}
		out[i] = rev
	}
	return out
}

func signedArea(r []geom.Point) float64 {
	var a float64
	for i := range r {
		j := (i + 1) % len(r)
		a += r[i].X*r[j].Y - r[j].X*r[i].Y
	}
	return a / 2
}

func roundFloat(x float64, p int) float64 {
	f := math.Pow(10, float64(p))
	return math.Round(x*f) / f
}
