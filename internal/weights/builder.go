package weights

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/core/observability"
	"github.com/mohammed-shakir/h3-reagg/internal/crs"
)

const stage = "weights"

type Report struct {
	Sources     int
	Edges       int
	Skipped     int
	Fallbacks   int
	LowCoverage int
	Deviations  []SumDeviation
	Duration    time.Duration
}

type Result struct {
	Edges  []model.WeightEdge
	Report Report
}

type batchResult struct {
	idx     int
	results []SourceResult
	err     error
}

// Build weights every source with a bounded worker pool over fixed-size batches.
// Batches share no state, and the output is sorted by (source_id, hex_id) so a
// rebuild over the same input is identical.
func (c *Calculator) Build(ctx context.Context, srcs []model.SourceGeometry) (Result, error) {
	start := time.Now()
	bs := c.cfg.BatchSize
	nBatches := (len(srcs) + bs - 1) / bs

	workerN := c.cfg.Workers
	if workerN <= 0 {
		workerN = 4
	}
	if workerN > nBatches {
		workerN = nBatches
	}

	jobs := make(chan int)
	results := make(chan batchResult, nBatches)
	var wg sync.WaitGroup
	wg.Add(workerN)
	for range workerN {
		go func() {
			defer wg.Done()
			for b := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				lo, hi := b*bs, min((b+1)*bs, len(srcs))
				br := batchResult{idx: b, results: make([]SourceResult, 0, hi-lo)}
				for _, s := range srcs[lo:hi] {
					r, err := c.Weigh(s)
					if err != nil {
						br.err = err
						break
					}
					br.results = append(br.results, r)
				}
				results <- br
			}
		}()
	}

	canceled := false
	for b := range nBatches {
		select {
		case jobs <- b:
		case <-ctx.Done():
			canceled = true
		}
		if canceled {
			break
		}
	}
	close(jobs)
	wg.Wait()
	close(results)
	if canceled || ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	batches := make([][]SourceResult, nBatches)
	for br := range results {
		if br.err != nil {
			return Result{}, fmt.Errorf("batch %d: %w", br.idx, br.err)
		}
		batches[br.idx] = br.results
	}

	var out Result
	out.Report.Sources = len(srcs)
	for _, batch := range batches {
		for _, r := range batch {
			if r.Skipped != nil {
				out.Report.Skipped++
				if !errors.Is(r.Skipped, crs.ErrProjection) {
					return Result{}, fmt.Errorf("source %s: %w", r.SourceID, r.Skipped)
				}
				c.log.Warn("source skipped", "source_id", r.SourceID, "err", r.Skipped)
				continue
			}
			if r.Fallback {
				out.Report.Fallbacks++
			}
			if r.LowCoverage {
				out.Report.LowCoverage++
			}
			out.Edges = append(out.Edges, r.Edges...)
		}
	}
	SortEdges(out.Edges)
	out.Report.Edges = len(out.Edges)

	dev, err := CheckSums(out.Edges, c.cfg.Tolerance, c.cfg.HardBound)
	out.Report.Deviations = dev
	if err != nil {
		return Result{}, err
	}
	for _, d := range dev {
		c.log.Warn("weight sum outside tolerance", "source_id", d.SourceID, "sum", d.Sum)
	}
	out.Report.Duration = time.Since(start)

	okN := out.Report.Sources - out.Report.Skipped - out.Report.Fallbacks
	observability.AddRecords(stage, observability.OutcomeOK, okN)
	observability.AddRecords(stage, observability.OutcomeSkippedProjection, out.Report.Skipped)
	observability.AddRecords(stage, observability.OutcomeFallback, out.Report.Fallbacks)
	observability.AddRecords(stage, observability.OutcomeLowCoverage, out.Report.LowCoverage)
	observability.AddEdges(out.Report.Edges)
	observability.ObserveStage(stage, out.Report.Duration.Seconds())

	c.log.Info("weights built",
		"sources", out.Report.Sources, "edges", out.Report.Edges,
		"skipped", out.Report.Skipped, "fallbacks", out.Report.Fallbacks,
		"low_coverage", out.Report.LowCoverage, "dur", out.Report.Duration.String())
	return out, nil
}
