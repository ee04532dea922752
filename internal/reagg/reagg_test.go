package reagg

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/crs"
	"github.com/mohammed-shakir/h3-reagg/internal/edgestore"
	h3mapper "github.com/mohammed-shakir/h3-reagg/internal/mapper/h3"
	"github.com/mohammed-shakir/h3-reagg/internal/source"
	"github.com/mohammed-shakir/h3-reagg/internal/weights"
)

func testMapper(t *testing.T, res int) *h3mapper.Mapper {
	t.Helper()
	m, err := h3mapper.New(res)
	if err != nil {
		t.Fatalf("mapper: %v", err)
	}
	return m
}

func ringCells(t *testing.T, m *h3mapper.Mapper) []string {
	t.Helper()
	c, err := m.CellOf(45.4642, 9.19)
	if err != nil {
		t.Fatalf("CellOf: %v", err)
	}
	ring, err := m.KRing(c, 1)
	if err != nil {
		t.Fatalf("KRing: %v", err)
	}
	return ring
}

func newEngine(t *testing.T, m *h3mapper.Mapper, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg, m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustStore(t *testing.T, edges []model.WeightEdge) *edgestore.Store {
	t.Helper()
	s, err := edgestore.NewStore(edges)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func rowFor(tbl model.HexTable, hex string) (model.HexRow, bool) {
	for _, r := range tbl.Rows {
		if r.HexID == hex {
			return r, true
		}
	}
	return model.HexRow{}, false
}

func TestRun_ExtensiveWeightedSum(t *testing.T) {
	m := testMapper(t, 8)
	c := ringCells(t, m)
	h := c[0]
	store := mustStore(t, []model.WeightEdge{
		{SourceID: "A", HexID: h, Weight: 0.7},
		{SourceID: "A", HexID: c[1], Weight: 0.3},
		{SourceID: "B", HexID: h, Weight: 0.3},
		{SourceID: "B", HexID: c[2], Weight: 0.7},
	})
	schema := model.Schema{{Name: "population", Kind: model.Extensive}}
	attrs := []model.AttributeRecord{
		{SourceID: "B", Values: []model.Value{model.Some(500)}},
		{SourceID: "A", Values: []model.Value{model.Some(1000)}},
	}

	tbl, rep, err := newEngine(t, m, Config{}).Run(context.Background(), "population", schema, store, attrs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	row, ok := rowFor(tbl, h)
	if !ok {
		t.Fatalf("missing row for %s", h)
	}
	if v := row.Values[0]; !v.Valid || math.Abs(v.V-850) > 1e-9 {
		t.Fatalf("hex value=%v want 850", v)
	}
	if row.Contributors != 2 {
		t.Fatalf("contributors=%d want 2", row.Contributors)
	}
	if rep.Sources != 2 || rep.Hexes != 3 {
		t.Fatalf("report %+v", rep)
	}
	ll, _ := m.CentroidOf(h)
	if row.Lat != ll.Lat || row.Lon != ll.Lng {
		t.Fatalf("centroid mismatch")
	}
}

func TestRun_IntensiveSkipsNullWeights(t *testing.T) {
	m := testMapper(t, 8)
	h := ringCells(t, m)[0]
	store := mustStore(t, []model.WeightEdge{
		{SourceID: "A", HexID: h, Weight: 0.5},
		{SourceID: "B", HexID: h, Weight: 0.5},
	})
	schema := model.Schema{{Name: "avg_d_kbps", Kind: model.Intensive}}
	attrs := []model.AttributeRecord{
		{SourceID: "A", Values: []model.Value{model.Some(100)}},
		{SourceID: "B", Values: []model.Value{model.Null()}},
	}
	tbl, _, err := newEngine(t, m, Config{}).Run(context.Background(), "speed", schema, store, attrs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	row, ok := rowFor(tbl, h)
	if !ok {
		t.Fatalf("missing row")
	}
	if v := row.Values[0]; !v.Valid || v.V != 100 {
		t.Fatalf("hex value=%v want 100", v)
	}
	if row.Contributors != 2 {
		t.Fatalf("contributors=%d want 2 (null sources still count)", row.Contributors)
	}
}

func TestRun_ExtensiveNullsAddZero(t *testing.T) {
	m := testMapper(t, 8)
	h := ringCells(t, m)[0]
	store := mustStore(t, []model.WeightEdge{{SourceID: "A", HexID: h, Weight: 1}})
	schema := model.Schema{
		{Name: "population", Kind: model.Extensive},
		{Name: "avg_d_kbps", Kind: model.Intensive},
	}
	attrs := []model.AttributeRecord{
		{SourceID: "A", Values: []model.Value{model.Null(), model.Some(100)}},
	}
	tbl, _, err := newEngine(t, m, Config{}).Run(context.Background(), "mixed", schema, store, attrs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	row, ok := rowFor(tbl, h)
	if !ok {
		t.Fatalf("missing row")
	}
	if v := row.Values[0]; !v.Valid || v.V != 0 {
		t.Fatalf("population=%v want 0", v)
	}
	if v := row.Values[1]; !v.Valid || v.V != 100 {
		t.Fatalf("avg_d_kbps=%v want 100", v)
	}

	// the intensive column stays null when only the extensive one is known
	attrs[0].Values = []model.Value{model.Some(40), model.Null()}
	tbl, _, err = newEngine(t, m, Config{}).Run(context.Background(), "mixed", schema, store, attrs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	row, _ = rowFor(tbl, h)
	if v := row.Values[0]; !v.Valid || v.V != 40 {
		t.Fatalf("population=%v want 40", v)
	}
	if row.Values[1].Valid {
		t.Fatalf("avg_d_kbps=%v want null", row.Values[1])
	}
}

func TestRun_AllNullHexHasNoRow(t *testing.T) {
	m := testMapper(t, 8)
	c := ringCells(t, m)
	store := mustStore(t, []model.WeightEdge{
		{SourceID: "A", HexID: c[0], Weight: 1},
		{SourceID: "B", HexID: c[1], Weight: 1},
	})
	schema := model.Schema{{Name: "x", Kind: model.Extensive}, {Name: "y", Kind: model.Intensive}}
	attrs := []model.AttributeRecord{
		{SourceID: "A", Values: []model.Value{model.Null(), model.Null()}},
		{SourceID: "B", Values: []model.Value{model.Some(3), model.Null()}},
	}
	tbl, _, err := newEngine(t, m, Config{}).Run(context.Background(), "t", schema, store, attrs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := rowFor(tbl, c[0]); ok {
		t.Fatalf("hex reached only by nulls must not have a row")
	}
	row, ok := rowFor(tbl, c[1])
	if !ok {
		t.Fatalf("missing row for %s", c[1])
	}
	if !row.Values[0].Valid || row.Values[0].V != 3 || row.Values[1].Valid {
		t.Fatalf("values=%v", row.Values)
	}
}

func TestRun_MissingAndUnusedAttributes(t *testing.T) {
	m := testMapper(t, 8)
	c := ringCells(t, m)
	store := mustStore(t, []model.WeightEdge{
		{SourceID: "A", HexID: c[0], Weight: 1},
		{SourceID: "C", HexID: c[1], Weight: 1},
	})
	schema := model.Schema{{Name: "x", Kind: model.Extensive}}
	attrs := []model.AttributeRecord{
		{SourceID: "A", Values: []model.Value{model.Some(1)}},
		{SourceID: "B", Values: []model.Value{model.Some(2)}},
		{SourceID: "D", Values: []model.Value{model.Some(4)}},
	}
	tbl, rep, err := newEngine(t, m, Config{}).Run(context.Background(), "t", schema, store, attrs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.MissingAttributes != 1 || rep.UnusedAttributes != 2 {
		t.Fatalf("report %+v", rep)
	}
	if len(tbl.Rows) != 1 || tbl.Rows[0].HexID != c[0] {
		t.Fatalf("rows=%+v", tbl.Rows)
	}
}

func TestRun_RejectsBadAttributes(t *testing.T) {
	m := testMapper(t, 8)
	store := mustStore(t, nil)
	schema := model.Schema{{Name: "x", Kind: model.Extensive}}
	e := newEngine(t, m, Config{})

	dup := []model.AttributeRecord{
		{SourceID: "A", Values: []model.Value{model.Some(1)}},
		{SourceID: "A", Values: []model.Value{model.Some(2)}},
	}
	if _, _, err := e.Run(context.Background(), "t", schema, store, dup); err == nil {
		t.Fatalf("expected duplicate attribute error")
	}
	wide := []model.AttributeRecord{{SourceID: "A", Values: []model.Value{model.Some(1), model.Some(2)}}}
	if _, _, err := e.Run(context.Background(), "t", schema, store, wide); err == nil {
		t.Fatalf("expected width error")
	}
	if _, _, err := e.Run(context.Background(), "t", model.Schema{{Name: "x"}}, store, nil); err == nil {
		t.Fatalf("expected schema error")
	}
}

// buildGrid weights a block of 1 km census cells at resolution 7, where every
// cell is fully covered by its k-ring.
func buildGrid(t *testing.T, m *h3mapper.Mapper, n int) (*edgestore.Store, []string) {
	t.Helper()
	var srcs []model.SourceGeometry
	var ids []string
	for i := range n {
		for j := range n {
			id := fmt.Sprintf("CRS3035RES1000mN%dE%d", 2500000+i*1000, 4200000+j*1000)
			s, err := source.Grid(id)
			if err != nil {
				t.Fatalf("Grid: %v", err)
			}
			srcs = append(srcs, s)
			ids = append(ids, id)
		}
	}
	cfg := weights.DefaultConfig()
	cfg.AreaCRS = crs.LAEAEurope
	calc, err := weights.NewCalculator(cfg, m, crs.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	res, err := calc.Build(context.Background(), srcs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return mustStore(t, res.Edges), ids
}

func TestRun_ConservationAndBoundedness(t *testing.T) {
	m := testMapper(t, 7)
	store, ids := buildGrid(t, m, 5)
	rng := rand.New(rand.NewSource(42))

	schema := model.Schema{{Name: "pop", Kind: model.Extensive}, {Name: "speed", Kind: model.Intensive}}
	attrs := make([]model.AttributeRecord, 0, len(ids))
	var total float64
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, id := range ids {
		pop := float64(rng.Intn(5000))
		speed := model.Some(10 + rng.Float64()*200)
		if rng.Intn(4) == 0 {
			speed = model.Null()
		} else {
			lo, hi = math.Min(lo, speed.V), math.Max(hi, speed.V)
		}
		total += pop
		attrs = append(attrs, model.AttributeRecord{SourceID: id, Values: []model.Value{model.Some(pop), speed}})
	}

	tbl, _, err := newEngine(t, m, Config{}).Run(context.Background(), "t", schema, store, attrs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var got float64
	for _, r := range tbl.Rows {
		if r.Values[0].Valid {
			got += r.Values[0].V
		}
		if s := r.Values[1]; s.Valid && (s.V < lo-1e-9 || s.V > hi+1e-9) {
			t.Fatalf("intensive value %v outside [%v, %v]", s.V, lo, hi)
		}
	}
	if math.Abs(got-total) > 1e-6*total {
		t.Fatalf("extensive total %v, sources %v", got, total)
	}
}

func TestRun_SpillMatchesInMemory(t *testing.T) {
	m := testMapper(t, 7)
	store, ids := buildGrid(t, m, 4)
	schema := model.Schema{{Name: "pop", Kind: model.Extensive}, {Name: "speed", Kind: model.Intensive}}
	attrs := make([]model.AttributeRecord, 0, len(ids))
	for i, id := range ids {
		attrs = append(attrs, model.AttributeRecord{SourceID: id, Values: []model.Value{model.Some(float64(100 + i)), model.Some(float64(i % 7))}})
	}

	mem, _, err := newEngine(t, m, Config{}).Run(context.Background(), "t", schema, store, attrs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	spilled, rep, err := newEngine(t, m, Config{SpillMaxCells: 2, SpillDir: t.TempDir()}).Run(context.Background(), "t", schema, store, attrs)
	if err != nil {
		t.Fatalf("Run with spill: %v", err)
	}
	if rep.Flushes < 2 {
		t.Fatalf("expected several spill flushes, got %d", rep.Flushes)
	}
	if len(mem.Rows) != len(spilled.Rows) {
		t.Fatalf("rows %d vs %d", len(mem.Rows), len(spilled.Rows))
	}
	for i := range mem.Rows {
		a, b := mem.Rows[i], spilled.Rows[i]
		if a.HexID != b.HexID || a.Contributors != b.Contributors {
			t.Fatalf("row %d: %+v vs %+v", i, a, b)
		}
		for c := range a.Values {
			if a.Values[c].Valid != b.Values[c].Valid || math.Abs(a.Values[c].V-b.Values[c].V) > 1e-9*math.Max(1, math.Abs(a.Values[c].V)) {
				t.Fatalf("row %s col %d: %v vs %v", a.HexID, c, a.Values[c], b.Values[c])
			}
		}
	}
}

func TestRun_Canceled(t *testing.T) {
	m := testMapper(t, 8)
	c := ringCells(t, m)
	store := mustStore(t, []model.WeightEdge{{SourceID: "A", HexID: c[0], Weight: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := newEngine(t, m, Config{}).Run(ctx, "t", model.Schema{{Name: "x", Kind: model.Extensive}}, store,
		[]model.AttributeRecord{{SourceID: "A", Values: []model.Value{model.Some(1)}}})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}
