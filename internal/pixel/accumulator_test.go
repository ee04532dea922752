package pixel

import (
	"math"
	"reflect"
	"testing"
)

func accOf(d Domain, vs ...float64) Accumulator {
	var a Accumulator
	for _, v := range vs {
		a.Add(v, d)
	}
	return a
}

func TestAccumulator_ThreeSamples(t *testing.T) {
	d := Domain{Lo: 0, Hi: 100, Buckets: DefaultBuckets}
	a := accOf(d, 10, 20, 30)
	st := a.Finalize(d)
	if st.Count != 3 || st.Mean != 20 || st.Min != 10 || st.Max != 30 || st.Sum != 60 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if want := math.Sqrt(200.0 / 3); math.Abs(st.Std-want) > 1e-9 {
		t.Fatalf("std=%v want %v", st.Std, want)
	}
	if !st.Median.Valid || math.Abs(st.Median.V-20) > d.Width() {
		t.Fatalf("median=%v want 20 within %v", st.Median, d.Width())
	}
}

func TestAccumulator_MedianWithoutDomainIsNull(t *testing.T) {
	a := accOf(Domain{}, 1, 2, 3)
	if st := a.Finalize(Domain{}); st.Median.Valid {
		t.Fatalf("median should be null without a domain, got %v", st.Median)
	}
}

func TestAccumulator_MedianClampedAndOutOfDomain(t *testing.T) {
	d := Domain{Lo: 0, Hi: 10, Buckets: 10}
	a := accOf(d, 50, 60, 70)
	st := a.Finalize(d)
	if st.Median.V < st.Min || st.Median.V > st.Max {
		t.Fatalf("median %v outside [%v, %v]", st.Median.V, st.Min, st.Max)
	}
}

func TestAccumulator_MedianEvenCountAveragesMiddleRanks(t *testing.T) {
	d := Domain{Lo: 0, Hi: 100, Buckets: DefaultBuckets}
	a := accOf(d, 10, 30)
	st := a.Finalize(d)
	if math.Abs(st.Median.V-20) > d.Width() {
		t.Fatalf("median=%v want 20 within %v", st.Median.V, d.Width())
	}
	a = accOf(d, 1, 2, 3, 90)
	st = a.Finalize(d)
	if math.Abs(st.Median.V-2.5) > d.Width() {
		t.Fatalf("median=%v want 2.5 within %v", st.Median.V, d.Width())
	}
}

func TestDomain_BucketClampsFarOutliers(t *testing.T) {
	d := Domain{Lo: 0, Hi: 100, Buckets: DefaultBuckets}
	for _, v := range []float64{150, 1e12, math.MaxFloat64, math.Inf(1)} {
		if b := d.bucket(v); b != DefaultBuckets-1 {
			t.Fatalf("bucket(%v)=%d want %d", v, b, DefaultBuckets-1)
		}
	}
	for _, v := range []float64{-1, -1e12, math.Inf(-1)} {
		if b := d.bucket(v); b != 0 {
			t.Fatalf("bucket(%v)=%d want 0", v, b)
		}
	}

	a := accOf(d, 50, 1e12, 1e12)
	st := a.Finalize(d)
	if st.Median.V < d.Hi-d.Width() {
		t.Fatalf("median=%v, want it in the top bucket", st.Median.V)
	}
}

func TestAccumulator_MedianLargeSample(t *testing.T) {
	d := Domain{Lo: 0, Hi: 200, Buckets: DefaultBuckets}
	var a Accumulator
	for v := 1; v <= 101; v++ {
		a.Add(float64(v), d)
	}
	st := a.Finalize(d)
	if math.Abs(st.Median.V-51) > d.Width() {
		t.Fatalf("median=%v want 51 within %v", st.Median.V, d.Width())
	}
}

func TestAccumulator_MonoidLaws(t *testing.T) {
	d := Domain{Lo: 0, Hi: 64, Buckets: 16}
	x := accOf(d, 1, 5, 9)
	y := accOf(d, 2, 60)
	z := accOf(d, 33)

	// identity
	id := x
	id.Merge(&Accumulator{})
	var e Accumulator
	e.Merge(&x)
	if !reflect.DeepEqual(id, x) || !reflect.DeepEqual(e, x) {
		t.Fatalf("zero value is not an identity")
	}

	// associativity: (x+y)+z == x+(y+z)
	l := accOf(d, 1, 5, 9)
	l.Merge(&y)
	l.Merge(&z)
	yz := accOf(d, 2, 60)
	yz.Merge(&z)
	r := accOf(d, 1, 5, 9)
	r.Merge(&yz)
	if !reflect.DeepEqual(l, r) {
		t.Fatalf("merge not associative:\n%+v\n%+v", l, r)
	}

	// commutativity: x+y == y+x
	xy := accOf(d, 1, 5, 9)
	xy.Merge(&y)
	yx := accOf(d, 2, 60)
	yx.Merge(&x)
	if !reflect.DeepEqual(xy, yx) {
		t.Fatalf("merge not commutative")
	}

	// merging equals adding every sample to one accumulator
	all := accOf(d, 1, 5, 9, 2, 60, 33)
	if !reflect.DeepEqual(l, all) {
		t.Fatalf("merged %+v differs from sequential %+v", l, all)
	}
}

func TestStat_UnmarshalText(t *testing.T) {
	var s Stat
	if err := s.UnmarshalText([]byte("median")); err != nil || s != StatMedian {
		t.Fatalf("got %v %v", s, err)
	}
	if err := s.UnmarshalText([]byte("mode")); err == nil {
		t.Fatalf("expected error for unknown statistic")
	}
}
