package weights

import (
	"fmt"
	"math"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
)

// SumDeviation records a source whose edge weights do not sum to 1 within tolerance.
type SumDeviation struct {
	SourceID string
	Sum      float64
}

// CheckSums verifies per-source weight sums. Edges must be grouped by source.
// Deviations within hardBound are returned as warnings; any beyond it fails
// with ErrWeightSumOutOfTolerance.
func CheckSums(edges []model.WeightEdge, tol, hardBound float64) ([]SumDeviation, error) {
	var warn []SumDeviation
	for i := 0; i < len(edges); {
		j := i
		var sum float64
		for j < len(edges) && edges[j].SourceID == edges[i].SourceID {
			w := edges[j].Weight
			if !(w > 0) || w > 1+tol || math.IsNaN(w) {
				return warn, fmt.Errorf("%w: source %s edge %s has weight %v", ErrWeightSumOutOfTolerance, edges[j].SourceID, edges[j].HexID, w)
			}
			sum += w
			j++
		}
		dev := math.Abs(sum - 1)
		switch {
		case dev > hardBound:
			return warn, fmt.Errorf("%w: source %s sums to %.6f (hard bound %v)", ErrWeightSumOutOfTolerance, edges[i].SourceID, sum, hardBound)
		case dev > tol:
			warn = append(warn, SumDeviation{SourceID: edges[i].SourceID, Sum: sum})
		}
		i = j
	}
	return warn, nil
}
