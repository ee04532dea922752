package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/input"
	"github.com/mohammed-shakir/h3-reagg/internal/merge"
	"github.com/mohammed-shakir/h3-reagg/internal/pixel"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"H3_RES", "KRING", "WEIGHT_THRESHOLD", "RENORM_TOLERANCE", "WEIGHT_HARD_BOUND",
		"BUILD_BATCH_SIZE", "RASTER_CHUNK_ROWS", "CHECKPOINT_DRIVER", "SPILL_MAX_CELLS", "ARTIFACT_DIR", "CHECKPOINT_DIR"} {
		t.Setenv(k, "")
	}
	c := FromEnv()
	if c.H3Res != 8 || c.KRing != 1 || c.WeightThreshold != 0.001 || c.RenormTolerance != 1e-3 || c.WeightHardBound != 0.05 {
		t.Fatalf("weight defaults %+v", c)
	}
	if c.BuildBatchSize != 500 || c.RasterChunkRows != 1000 || c.RasterCheckpointEvery != 1 || c.SpillMaxCells != 0 {
		t.Fatalf("batch defaults %+v", c)
	}
	if c.Checkpoint.Driver != "none" || c.Checkpoint.Dir != filepath.Join("artifacts", "checkpoints") || c.Checkpoint.TTL != 24*time.Hour {
		t.Fatalf("checkpoint defaults %+v", c.Checkpoint)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("H3_RES", "9")
	t.Setenv("KRING", "2")
	t.Setenv("AREA_CRS", "EPSG:3035")
	t.Setenv("CHECKPOINT_DRIVER", "Redis")
	t.Setenv("SPILL_MAX_CELLS", "100000")
	t.Setenv("METRICS_ENABLED", "no")
	t.Setenv("BUILD_WORKERS", "not-a-number")
	c := FromEnv()
	if c.H3Res != 9 || c.KRing != 2 || c.AreaCRS != "EPSG:3035" || c.Checkpoint.Driver != "redis" || c.SpillMaxCells != 100000 || c.Metrics.Enabled {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if c.BuildWorkers <= 0 {
		t.Fatalf("bad int should fall back to the default, got %d", c.BuildWorkers)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	c := FromEnv()
	c.H3Res = 16
	c.WeightHardBound = c.RenormTolerance / 2
	c.Checkpoint.Driver = "s3"
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, s := range []string{"H3_RES", "WEIGHT_HARD_BOUND", "CHECKPOINT_DRIVER"} {
		if !strings.Contains(err.Error(), s) {
			t.Fatalf("error %q does not mention %s", err, s)
		}
	}
}

const pipelineTOML = `
dataset = "italy"
output_dir = "out"
expected_columns = ["population", "walk_minutes"]

[[polygons]]
name = "population"
geometry = "grid"
path = "census.csv"
id_column = "GRD_ID"
columns = [{ name = "population", kind = "extensive" }]

[[polygons]]
name = "internet_q1"
geometry = "quadkey"
path = "/data/q1.csv"
id_column = "quadkey"
columns = [
  { name = "avg_d_kbps", kind = "intensive" },
  { name = "tests", kind = "extensive" },
]

[[rasters]]
name = "health"
crs = "EPSG:3035"
files = ["walk.asc", "motor.asc"]
nodata = -9999.0

[[rasters.bands]]
name = "walk"
stats = ["mean", "median"]
domain = { lo = 0.0, hi = 600.0, buckets = 600 }

[[rasters.bands]]
name = "motor"

[[unions]]
name = "internet"
slices = [{ prefix = "q1_", table = "internet_q1" }]
means = [{ name = "avg_d_kbps", from = ["q1_avg_d_kbps"] }]

[merge]
name = "final"
base = "population"

[[merge.steps]]
table = "health"
kind = "inner"
columns = [{ from = "walk_mean", to = "walk_minutes" }]

[[merge.steps]]
table = "internet"
kind = "left"

[merge.filter]
presence = "population"
required = ["walk_minutes"]

[rounding.columns]
population = 0
walk_minutes = 2
`

func writePipeline(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pipeline.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadPipeline(t *testing.T) {
	path := writePipeline(t, pipelineTOML)
	p, err := LoadPipeline(path)
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	dir := filepath.Dir(path)
	if p.Dataset != "italy" || p.OutputDir != filepath.Join(dir, "out") {
		t.Fatalf("header %+v", p)
	}
	if len(p.Polygons) != 2 || p.Polygons[0].Geometry != input.GeometryGrid || p.Polygons[0].Path != filepath.Join(dir, "census.csv") {
		t.Fatalf("polygons %+v", p.Polygons)
	}
	if p.Polygons[1].Path != "/data/q1.csv" || p.Polygons[1].Columns[0].Kind != model.Intensive {
		t.Fatalf("polygon 2 %+v", p.Polygons[1])
	}
	r := p.Rasters[0]
	if r.NoData == nil || *r.NoData != -9999 || len(r.Bands) != 2 || r.Files[1] != filepath.Join(dir, "motor.asc") {
		t.Fatalf("raster %+v", r)
	}
	if r.Bands[0].Domain.Hi != 600 || len(r.Bands[0].Stats) != 2 || r.Bands[0].Stats[1] != pixel.StatMedian {
		t.Fatalf("band 0 %+v", r.Bands[0])
	}
	if p.Merge == nil || len(p.Merge.Steps) != 2 || p.Merge.Steps[0].Kind != merge.Inner || p.Merge.Steps[1].Kind != merge.Left {
		t.Fatalf("merge %+v", p.Merge)
	}
	if p.Merge.Steps[0].Columns[0].To != "walk_minutes" || p.Merge.Filter.Required[0] != "walk_minutes" {
		t.Fatalf("merge step %+v", p.Merge.Steps[0])
	}
	if p.Rounding.Columns["population"] != 0 || p.Rounding.Columns["walk_minutes"] != 2 {
		t.Fatalf("rounding %+v", p.Rounding)
	}
}

func TestLoadPipeline_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":   "dataset = \"x\"\nbogus = 1\n",
		"bad kind":      "dataset = \"x\"\n[[polygons]]\nname=\"a\"\ngeometry=\"grid\"\npath=\"a.csv\"\nid_column=\"id\"\ncolumns=[{name=\"v\", kind=\"average\"}]\n",
		"no dataset":    "output_dir = \"o\"\n",
		"unknown table": "dataset = \"x\"\n[merge]\nname=\"f\"\nbase=\"nope\"\n",
		"dup table": "dataset = \"x\"\n" +
			"[[rasters]]\nname=\"a\"\nfiles=[\"a.asc\"]\n" +
			"[[rasters]]\nname=\"a\"\nfiles=[\"b.asc\"]\n",
	}
	for name, body := range cases {
		if _, err := LoadPipeline(writePipeline(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadPipeline_ExampleFile(t *testing.T) {
	p, err := LoadPipeline(filepath.Join("..", "..", "..", "pipeline.example.toml"))
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if len(p.Polygons) != 3 || len(p.Rasters) != 1 || len(p.Unions) != 1 || p.Merge == nil {
		t.Fatalf("unexpected pipeline %+v", p)
	}
	if len(p.Rasters[0].Bands) != 2 || p.Rasters[0].NoData == nil {
		t.Fatalf("raster %+v", p.Rasters[0])
	}
}
