package observability

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var datasetLabel atomic.Value

func init() {
	datasetLabel.Store("unknown")
}

// SetDataset sets the dataset label attached to pipeline metrics.
func SetDataset(s string) {
	if s == "" {
		s = "unknown"
	}
	datasetLabel.Store(s)
}

func getDataset() string {
	if v := datasetLabel.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "unknown"
}

// Record outcomes.
const (
	OutcomeOK                = "ok"
	OutcomeSkippedProjection = "skipped_projection"
	OutcomeFallback          = "fallback"
	OutcomeLowCoverage       = "low_coverage"
	OutcomeMissingAttributes = "missing_attributes"
	OutcomeNoData            = "nodata"
)

var (
	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reagg_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5m
		},
		[]string{"stage", "dataset"},
	)

	recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reagg_records_total",
			Help: "Source records processed by stage and outcome.",
		},
		[]string{"stage", "outcome", "dataset"},
	)

	edgesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reagg_weight_edges_total",
			Help: "Weight edges emitted by the overlap calculator.",
		},
		[]string{"dataset"},
	)

	hexRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reagg_hex_rows",
			Help: "Rows in the most recent hex table per stage.",
		},
		[]string{"stage", "dataset"},
	)

	spillFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reagg_spill_flushes_total",
			Help: "Partial accumulator flushes to the disk spill.",
		},
	)

	checkpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reagg_checkpoints_total",
			Help: "Raster checkpoints by operation.",
		},
		[]string{"op"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reagg_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

var registerOnce sync.Map

// Init registers the pipeline collectors on reg. Repeated calls with the same registerer are no-ops.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	if _, loaded := registerOnce.LoadOrStore(reg, struct{}{}); loaded {
		return
	}
	for _, c := range []prometheus.Collector{
		stageDurationSeconds, recordsTotal, edgesTotal, hexRows, spillFlushes, checkpointsTotal, buildInfo,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveStage(stage string, durationSeconds float64) {
	stageDurationSeconds.WithLabelValues(stage, getDataset()).Observe(durationSeconds)
}

func AddRecords(stage, outcome string, n int) {
	if n <= 0 {
		return
	}
	recordsTotal.WithLabelValues(stage, outcome, getDataset()).Add(float64(n))
}

func AddEdges(n int) {
	if n <= 0 {
		return
	}
	edgesTotal.WithLabelValues(getDataset()).Add(float64(n))
}

func SetHexRows(stage string, n int) {
	hexRows.WithLabelValues(stage, getDataset()).Set(float64(n))
}

func IncSpillFlush() { spillFlushes.Inc() }

func IncCheckpoint(op string) { checkpointsTotal.WithLabelValues(op).Inc() }

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
