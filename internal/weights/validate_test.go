package weights

import (
	"errors"
	"testing"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
)

func TestCheckSums(t *testing.T) {
	edges := []model.WeightEdge{
		{SourceID: "a", HexID: "h1", Weight: 0.7},
		{SourceID: "a", HexID: "h2", Weight: 0.3},
		{SourceID: "b", HexID: "h1", Weight: 0.99},
		{SourceID: "c", HexID: "h3", Weight: 1},
	}
	warn, err := CheckSums(edges, 1e-3, 0.05)
	if err != nil {
		t.Fatalf("CheckSums: %v", err)
	}
	if len(warn) != 1 || warn[0].SourceID != "b" {
		t.Fatalf("expected one warning for b, got %+v", warn)
	}

	edges = append(edges, model.WeightEdge{SourceID: "d", HexID: "h1", Weight: 0.9})
	if _, err := CheckSums(edges, 1e-3, 0.05); !errors.Is(err, ErrWeightSumOutOfTolerance) {
		t.Fatalf("expected ErrWeightSumOutOfTolerance, got %v", err)
	}
}

func TestCheckSums_RejectsNonPositiveWeight(t *testing.T) {
	edges := []model.WeightEdge{
		{SourceID: "a", HexID: "h1", Weight: 1},
		{SourceID: "a", HexID: "h2", Weight: 0},
	}
	if _, err := CheckSums(edges, 1e-3, 0.05); !errors.Is(err, ErrWeightSumOutOfTolerance) {
		t.Fatalf("expected ErrWeightSumOutOfTolerance, got %v", err)
	}
}
