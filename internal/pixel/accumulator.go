// Package pixel assigns raster samples directly to hex cells and folds them
// into per-cell streaming statistics.
package pixel

import (
	"fmt"
	"math"
	"sort"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
)

const DefaultBuckets = 1024

// Domain is the value range of the fixed-bucket median histogram.
// A zero Domain disables the median.
type Domain struct {
	Lo      float64 `toml:"lo" json:"lo"`
	Hi      float64 `toml:"hi" json:"hi"`
	Buckets int     `toml:"buckets" json:"buckets"`
}

func (d Domain) Enabled() bool { return d.Hi > d.Lo && d.Buckets > 0 }

func (d Domain) Width() float64 {
	if !d.Enabled() {
		return 0
	}
	return (d.Hi - d.Lo) / float64(d.Buckets)
}

// bucket clamps out-of-domain samples into the first or last bucket.
func (d Domain) bucket(v float64) int32 {
	f := math.Floor((v - d.Lo) / d.Width())
	switch {
	case f >= float64(d.Buckets-1):
		return int32(d.Buckets - 1)
	case f > 0:
		return int32(f)
	default:
		// also catches NaN
		return 0
	}
}

// Accumulator is a commutative monoid over samples; the zero value is the identity.
type Accumulator struct {
	Count int64           `json:"n"`
	Sum   float64         `json:"s"`
	SumSq float64         `json:"q"`
	Min   float64         `json:"lo"`
	Max   float64         `json:"hi"`
	Hist  map[int32]int64 `json:"h,omitempty"`
}

func (a *Accumulator) Add(v float64, d Domain) {
	if a.Count == 0 || v < a.Min {
		a.Min = v
	}
	if a.Count == 0 || v > a.Max {
		a.Max = v
	}
	a.Count++
	a.Sum += v
	a.SumSq += v * v
	if d.Enabled() {
		if a.Hist == nil {
			a.Hist = make(map[int32]int64)
		}
		a.Hist[d.bucket(v)]++
	}
}

func (a *Accumulator) Merge(b *Accumulator) {
	if b == nil || b.Count == 0 {
		return
	}
	if a.Count == 0 || b.Min < a.Min {
		a.Min = b.Min
	}
	if a.Count == 0 || b.Max > a.Max {
		a.Max = b.Max
	}
	a.Count += b.Count
	a.Sum += b.Sum
	a.SumSq += b.SumSq
	if len(b.Hist) > 0 {
		if a.Hist == nil {
			a.Hist = make(map[int32]int64, len(b.Hist))
		}
		for k, n := range b.Hist {
			a.Hist[k] += n
		}
	}
}

type Stats struct {
	Count  int64
	Sum    float64
	Mean   float64
	Median model.Value
	Min    float64
	Max    float64
	Std    float64
}

// Finalize computes population statistics. The median places each sample at
// the centre of its share of a histogram bucket; an even count averages the two
// middle ranks. The result is clamped to [Min, Max].
func (a *Accumulator) Finalize(d Domain) Stats {
	if a.Count == 0 {
		return Stats{}
	}
	n := float64(a.Count)
	mean := a.Sum / n
	st := Stats{
		Count: a.Count,
		Sum:   a.Sum,
		Mean:  mean,
		Min:   a.Min,
		Max:   a.Max,
		Std:   math.Sqrt(math.Max(0, a.SumSq/n-mean*mean)),
	}
	if d.Enabled() && len(a.Hist) > 0 {
		st.Median = model.Some(a.median(d))
	}
	return st
}

func (a *Accumulator) median(d Domain) float64 {
	keys := make([]int32, 0, len(a.Hist))
	for k := range a.Hist {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	v := a.rank(d, keys, (a.Count+1)/2)
	if a.Count%2 == 0 {
		v = (v + a.rank(d, keys, a.Count/2+1)) / 2
	}
	return math.Min(math.Max(v, a.Min), a.Max)
}

// rank estimates the q-th smallest sample (1-based) from the histogram.
func (a *Accumulator) rank(d Domain, keys []int32, q int64) float64 {
	var cum int64
	for _, k := range keys {
		c := a.Hist[k]
		if cum+c >= q {
			lo := d.Lo + float64(k)*d.Width()
			return lo + (float64(q-cum)-0.5)/float64(c)*d.Width()
		}
		cum += c
	}
	return a.Max
}

// Stat names one output statistic of a band.
type Stat string

const (
	StatMean   Stat = "mean"
	StatMedian Stat = "median"
	StatMin    Stat = "min"
	StatMax    Stat = "max"
	StatStd    Stat = "std"
	StatSum    Stat = "sum"
	StatCount  Stat = "count"
)

var AllStats = []Stat{StatMean, StatMedian, StatMin, StatMax, StatStd, StatSum, StatCount}

func (s *Stat) UnmarshalText(b []byte) error {
	v := Stat(b)
	for _, k := range AllStats {
		if v == k {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("invalid statistic %q", string(b))
}

func (st Stats) value(s Stat) model.Value {
	if st.Count == 0 {
		return model.Null()
	}
	switch s {
	case StatMean:
		return model.Some(st.Mean)
	case StatMedian:
		return st.Median
	case StatMin:
		return model.Some(st.Min)
	case StatMax:
		return model.Some(st.Max)
	case StatStd:
		return model.Some(st.Std)
	case StatSum:
		return model.Some(st.Sum)
	case StatCount:
		return model.Some(float64(st.Count))
	}
	return model.Null()
}
