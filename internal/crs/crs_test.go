package crs

import (
	"errors"
	"math"
	"testing"

	"github.com/ctessum/geom"
)

func TestLAEA_OriginMapsToFalseOrigin(t *testing.T) {
	e, n, err := epsg3035.forward(10, 52)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if math.Abs(e-4321000) > 1e-6 || math.Abs(n-3210000) > 1e-6 {
		t.Fatalf("origin -> (%f, %f), want (4321000, 3210000)", e, n)
	}
}

func TestLAEA_KnownPoint(t *testing.T) {
	// 50N 5E, published worked example for ETRS89-LAEA
	e, n, err := epsg3035.forward(5, 50)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if math.Abs(e-3962799.45) > 1 || math.Abs(n-2999718.85) > 1 {
		t.Fatalf("got (%.2f, %.2f)", e, n)
	}
}

func TestLAEA_RoundTrip(t *testing.T) {
	pts := [][2]float64{{2.35, 48.85}, {18.07, 59.33}, {-9.14, 38.72}, {24.94, 60.17}, {10, 52}}
	for _, p := range pts {
		e, n, err := epsg3035.forward(p[0], p[1])
		if err != nil {
			t.Fatalf("forward %v: %v", p, err)
		}
		lon, lat, err := epsg3035.inverse(e, n)
		if err != nil {
			t.Fatalf("inverse %v: %v", p, err)
		}
		if math.Abs(lon-p[0]) > 1e-7 || math.Abs(lat-p[1]) > 1e-7 {
			t.Fatalf("round trip %v -> (%f, %f) -> (%f, %f)", p, e, n, lon, lat)
		}
	}
}

func TestLAEA_InverseOutsideDomain(t *testing.T) {
	_, _, err := epsg3035.inverse(1e9, 1e9)
	if !errors.Is(err, ErrProjection) {
		t.Fatalf("expected ErrProjection, got %v", err)
	}
}

func TestRegistry_IdentityAndCache(t *testing.T) {
	r := NewRegistry()
	tr, err := r.Transformer("epsg:4326", WGS84)
	if err != nil {
		t.Fatalf("Transformer: %v", err)
	}
	x, y, err := tr(12.5, 41.9)
	if err != nil || x != 12.5 || y != 41.9 {
		t.Fatalf("identity got (%v, %v, %v)", x, y, err)
	}
	if len(r.cache) != 1 {
		t.Fatalf("expected one cached transformer, got %d", len(r.cache))
	}
	if _, err := r.Transformer(WGS84, "EPSG:4326"); err != nil {
		t.Fatalf("Transformer: %v", err)
	}
	if len(r.cache) != 1 {
		t.Fatalf("normalized codes should share a cache entry, got %d", len(r.cache))
	}
}

func TestRegistry_LAEAToWGS84(t *testing.T) {
	r := NewRegistry()
	tr, err := r.Transformer(LAEAEurope, WGS84)
	if err != nil {
		t.Fatalf("Transformer: %v", err)
	}
	lon, lat, err := tr(4321000, 3210000)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if math.Abs(lon-10) > 1e-9 || math.Abs(lat-52) > 1e-9 {
		t.Fatalf("got (%f, %f)", lon, lat)
	}
}

func TestRegistry_WebMercatorRoundTrip(t *testing.T) {
	r := NewRegistry()
	fwd, err := r.Transformer(WGS84, WebMercator)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	inv, err := r.Transformer(WebMercator, WGS84)
	if err != nil {
		t.Fatalf("inverse: %v", err)
	}
	x, y, err := fwd(0, 0)
	if err != nil {
		t.Fatalf("fwd: %v", err)
	}
	if math.Abs(x) > 1e-6 || math.Abs(y) > 1e-6 {
		t.Fatalf("(0,0) -> (%f, %f)", x, y)
	}
	x, y, err = fwd(10, 50)
	if err != nil {
		t.Fatalf("fwd: %v", err)
	}
	lon, lat, err := inv(x, y)
	if err != nil {
		t.Fatalf("inv: %v", err)
	}
	if math.Abs(lon-10) > 1e-6 || math.Abs(lat-50) > 1e-6 {
		t.Fatalf("round trip got (%f, %f)", lon, lat)
	}
}

func TestRegistry_UnknownDefinition(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Transformer("+proj=nonsense +foo=bar", WGS84); err == nil {
		t.Fatalf("expected error for unparseable definition")
	}
}

func TestPolygon_TransformsAllVertices(t *testing.T) {
	r := NewRegistry()
	tr, err := r.Transformer(LAEAEurope, WGS84)
	if err != nil {
		t.Fatalf("Transformer: %v", err)
	}
	sq := geom.Polygon{{
		{X: 4321000, Y: 3210000}, {X: 4322000, Y: 3210000},
		{X: 4322000, Y: 3211000}, {X: 4321000, Y: 3211000},
	}}
	out, err := Polygon(sq, tr)
	if err != nil {
		t.Fatalf("Polygon: %v", err)
	}
	if len(out) != 1 || len(out[0]) != 4 {
		t.Fatalf("unexpected shape %v", out)
	}
	if math.Abs(out[0][0].X-10) > 1e-9 || math.Abs(out[0][0].Y-52) > 1e-9 {
		t.Fatalf("first vertex %v", out[0][0])
	}
	if out[0][1].X <= out[0][0].X {
		t.Fatalf("easting should increase longitude near the origin: %v", out[0])
	}
}

func TestPolygon_FailureIsProjectionError(t *testing.T) {
	r := NewRegistry()
	tr, err := r.Transformer(LAEAEurope, WGS84)
	if err != nil {
		t.Fatalf("Transformer: %v", err)
	}
	_, err = Polygon(geom.Polygon{{{X: 1e9, Y: 1e9}, {X: 1e9 + 1, Y: 1e9}, {X: 1e9, Y: 1e9 + 1}}}, tr)
	if !errors.Is(err, ErrProjection) {
		t.Fatalf("expected ErrProjection, got %v", err)
	}
}
