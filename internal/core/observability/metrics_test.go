package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecords_LabelsAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)
	Init(reg, true)
	SetDataset("population")

	AddRecords("weights", OutcomeFallback, 1)
	AddRecords("weights", OutcomeSkippedProjection, 2)
	AddRecords("weights", OutcomeOK, 0)

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("metrics scrape: %v", err)
	}
	t.Cleanup(func() {
		if cerr := resp.Body.Close(); cerr != nil {
			t.Fatalf("close body: %v", cerr)
		}
	})
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	out := string(b)

	exp1 := `reagg_records_total{dataset="population",outcome="fallback",stage="weights"} 1`
	exp2 := `reagg_records_total{dataset="population",outcome="skipped_projection",stage="weights"} 2`
	if !strings.Contains(out, exp1) {
		t.Fatalf("expected %q in metrics; got:\n%s", exp1, out)
	}
	if !strings.Contains(out, exp2) {
		t.Fatalf("expected %q in metrics; got:\n%s", exp2, out)
	}
	if strings.Contains(out, `outcome="ok"`) {
		t.Fatalf("zero adds should not create series:\n%s", out)
	}
}

func TestCounters_Increment(t *testing.T) {
	before := testutil.ToFloat64(spillFlushes)
	IncSpillFlush()
	if got := testutil.ToFloat64(spillFlushes); got != before+1 {
		t.Fatalf("spill flushes=%v want %v", got, before+1)
	}

	SetDataset("")
	AddEdges(5)
	if got := testutil.ToFloat64(edgesTotal.WithLabelValues("unknown")); got < 5 {
		t.Fatalf("edges=%v want >= 5", got)
	}
}

func TestInit_DisabledDoesNotRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, false)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 0 {
		t.Fatalf("expected no metrics, got %d families", len(mfs))
	}
}
