package reagg

import (
	"context"
	"sort"

	"github.com/mohammed-shakir/h3-reagg/internal/core/observability"
	"github.com/mohammed-shakir/h3-reagg/internal/spill"
)

// accumulator keeps hex vectors in memory and moves them to a disk spill
// whenever the in-memory cell count passes the configured bound.
type accumulator struct {
	ctx   context.Context
	cfg   Config
	width int
	mem   map[string][]float64
	sp    *spill.Spill
}

func newAccumulator(ctx context.Context, cfg Config, width int) *accumulator {
	return &accumulator{ctx: ctx, cfg: cfg, width: width, mem: make(map[string][]float64)}
}

func (a *accumulator) vector(hex string) ([]float64, error) {
	if v, ok := a.mem[hex]; ok {
		return v, nil
	}
	if a.cfg.SpillMaxCells > 0 && len(a.mem) >= a.cfg.SpillMaxCells {
		if err := a.flush(); err != nil {
			return nil, err
		}
	}
	v := make([]float64, a.width)
	a.mem[hex] = v
	return v, nil
}

func (a *accumulator) flush() error {
	if a.sp == nil {
		sp, err := spill.Open(a.ctx, a.cfg.SpillDir, a.width)
		if err != nil {
			return err
		}
		a.sp = sp
	}
	if err := a.sp.Flush(a.ctx, a.mem); err != nil {
		return err
	}
	observability.IncSpillFlush()
	a.mem = make(map[string][]float64)
	return nil
}

// drain visits every hex in ascending id order.
func (a *accumulator) drain(fn func(hex string, vec []float64) error) error {
	if a.sp != nil {
		if err := a.flush(); err != nil {
			return err
		}
		return a.sp.Drain(a.ctx, fn)
	}
	keys := make([]string, 0, len(a.mem))
	for k := range a.mem {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, a.mem[k]); err != nil {
			return err
		}
	}
	return nil
}

func (a *accumulator) flushes() int {
	if a.sp == nil {
		return 0
	}
	return a.sp.Flushes()
}

func (a *accumulator) close() {
	if a.sp != nil {
		_ = a.sp.Close()
	}
}
