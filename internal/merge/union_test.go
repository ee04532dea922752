package merge

import (
	"errors"
	"testing"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
)

func TestUnion_OuterJoinWithPrefixes(t *testing.T) {
	q1 := table("q1", []string{"speed"}, row("h1", 2, model.Some(10)), row("h3", 1, model.Some(30)))
	q2 := table("q2", []string{"speed"}, row("h2", 4, model.Some(20)), row("h1", 5, model.Some(12)))
	out, err := Union("year", []Slice{{Prefix: "q1_", Table: q1}, {Prefix: "q2_", Table: q2}})
	if err != nil {
		t.Fatalf("Union: %v", err)
	}
	if len(out.Columns) != 2 || out.Columns[0] != "q1_speed" || out.Columns[1] != "q2_speed" {
		t.Fatalf("columns=%v", out.Columns)
	}
	if len(out.Rows) != 3 {
		t.Fatalf("rows=%+v", out.Rows)
	}
	h1, h2, h3 := out.Rows[0], out.Rows[1], out.Rows[2]
	if h1.HexID != "h1" || h1.Values[0].V != 10 || h1.Values[1].V != 12 || h1.Contributors != 5 {
		t.Fatalf("h1=%+v", h1)
	}
	if h2.HexID != "h2" || h2.Values[0].Valid || h2.Values[1].V != 20 {
		t.Fatalf("h2=%+v", h2)
	}
	if h3.HexID != "h3" || h3.Values[0].V != 30 || h3.Values[1].Valid {
		t.Fatalf("h3=%+v", h3)
	}

	if err := DeriveMean(&out, "speed_mean", "q1_speed", "q2_speed"); err != nil {
		t.Fatalf("DeriveMean: %v", err)
	}
	if got := out.Rows[0].Values[2]; got.V != 11 {
		t.Fatalf("h1 mean=%v want 11", got)
	}
	if got := out.Rows[1].Values[2]; got.V != 20 {
		t.Fatalf("h2 mean=%v want 20 (null skipped)", got)
	}
}

func TestUnion_Errors(t *testing.T) {
	a := table("a", []string{"x"}, row("h1", 1, model.Some(1)))
	b := table("b", []string{"x"}, row("h1", 1, model.Some(1)))
	if _, err := Union("u", []Slice{{Table: a}, {Table: b}}); err == nil {
		t.Fatalf("expected duplicate column error without prefixes")
	}
	dup := table("d", []string{"x"}, row("h1", 1, model.Some(1)), row("h1", 1, model.Some(2)))
	if _, err := Union("u", []Slice{{Table: dup}}); !errors.Is(err, ErrJoinCardinality) {
		t.Fatalf("expected ErrJoinCardinality, got %v", err)
	}
	b.Resolution = 7
	if _, err := Union("u", []Slice{{Prefix: "a_", Table: a}, {Prefix: "b_", Table: b}}); err == nil {
		t.Fatalf("expected resolution mismatch error")
	}
}

func TestDeriveMean_AllNull(t *testing.T) {
	tb := table("t", []string{"a", "b"}, row("h1", 1, model.Null(), model.Null()))
	if err := DeriveMean(&tb, "m", "a", "b"); err != nil {
		t.Fatalf("DeriveMean: %v", err)
	}
	if tb.Rows[0].Values[2].Valid {
		t.Fatalf("expected null mean")
	}
	if err := DeriveMean(&tb, "m", "a"); err == nil {
		t.Fatalf("expected existing column error")
	}
	if err := DeriveMean(&tb, "n", "zz"); err == nil {
		t.Fatalf("expected unknown column error")
	}
}

func TestValidate(t *testing.T) {
	tb := table("t", []string{"a", "b"}, row("h1", 1, model.Some(1), model.Null()), row("h2", 1, model.Null(), model.Null()))
	rep := Validate(tb, []string{"a", "c"})
	if rep.Rows != 2 || rep.Nulls[0].Nulls != 1 || rep.Nulls[1].Nulls != 2 {
		t.Fatalf("report %+v", rep)
	}
	if rep.OK() || len(rep.Missing) != 1 || rep.Missing[0] != "c" {
		t.Fatalf("missing %v", rep.Missing)
	}
}
