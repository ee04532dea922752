package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/h3-reagg/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_PipelineMetrics_CustomRegistry_Smoke(t *testing.T) {
	p := Init(Config{})
	observability.Init(p.Registerer(), true)
	observability.SetDataset("census")
	observability.ExposeBuildInfo("test")

	observability.ObserveStage("weights", 0.25)
	observability.AddRecords("weights", observability.OutcomeOK, 10)
	observability.AddRecords("weights", observability.OutcomeFallback, 2)
	observability.AddEdges(30)
	observability.SetHexRows("reagg", 7)
	observability.IncSpillFlush()
	observability.IncCheckpoint("save")

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, s := range []string{
		`reagg_stage_duration_seconds_bucket`,
		`reagg_spill_flushes_total`,
		`reagg_weight_edges_total{dataset="census"} `,
	} {
		if !strings.Contains(body, s) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", s, body)
		}
	}
	assertHasMetricLine(t, body, "reagg_records_total", `stage="weights"`, `outcome="fallback"`, `dataset="census"`)
	assertHasMetricLine(t, body, "reagg_hex_rows", `stage="reagg"`)
	assertHasMetricLine(t, body, "reagg_checkpoints_total", `op="save"`)
	assertHasMetricLine(t, body, "reagg_build_info", `version="test"`)
}
