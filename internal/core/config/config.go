package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

type CheckpointCfg struct {
	Driver    string // none | file | redis
	Dir       string
	RedisAddr string
	TTL       time.Duration
}

type MetricsCfg struct {
	Enabled bool
	Addr    string
	Path    string
}

type Config struct {
	LogLevel   string
	LogConsole bool

	H3Res           int
	KRing           int
	WeightThreshold float64
	RenormTolerance float64
	WeightHardBound float64
	AreaCRS         string
	BuildWorkers    int
	BuildBatchSize  int

	RasterChunkRows       int
	RasterWorkers         int
	RasterCheckpointEvery int
	Checkpoint            CheckpointCfg

	SpillDir      string
	SpillMaxCells int

	ArtifactDir  string
	PipelineFile string
	Metrics      MetricsCfg
}

func FromEnv() Config {
	artifacts := getenv("ARTIFACT_DIR", "artifacts")
	workers := runtime.NumCPU()

	return Config{
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),

		H3Res:           getint("H3_RES", 8),
		KRing:           getint("KRING", 1),
		WeightThreshold: getfloat("WEIGHT_THRESHOLD", 0.001),
		RenormTolerance: getfloat("RENORM_TOLERANCE", 1e-3),
		WeightHardBound: getfloat("WEIGHT_HARD_BOUND", 0.05),
		AreaCRS:         getenv("AREA_CRS", ""),
		BuildWorkers:    getint("BUILD_WORKERS", workers),
		BuildBatchSize:  getint("BUILD_BATCH_SIZE", 500),

		RasterChunkRows:       getint("RASTER_CHUNK_ROWS", 1000),
		RasterWorkers:         getint("RASTER_WORKERS", workers),
		RasterCheckpointEvery: getint("RASTER_CHECKPOINT_EVERY", 1),
		Checkpoint: CheckpointCfg{
			Driver:    strings.ToLower(getenv("CHECKPOINT_DRIVER", "none")),
			Dir:       getenv("CHECKPOINT_DIR", filepath.Join(artifacts, "checkpoints")),
			RedisAddr: getenv("REDIS_ADDR", "localhost:6379"),
			TTL:       getduration("CHECKPOINT_TTL", 24*time.Hour),
		},

		SpillDir:      getenv("SPILL_DIR", os.TempDir()),
		SpillMaxCells: getint("SPILL_MAX_CELLS", 0),

		ArtifactDir:  artifacts,
		PipelineFile: getenv("PIPELINE_FILE", "pipeline.toml"),
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", true),
			Addr:    getenv("METRICS_ADDR", ":9090"),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},
	}
}

// Validate rejects settings no stage could run with.
func (c Config) Validate() error {
	var errs []error
	if c.H3Res < 0 || c.H3Res > 15 {
		errs = append(errs, fmt.Errorf("H3_RES %d must be within 0..15", c.H3Res))
	}
	if c.KRing < 0 {
		errs = append(errs, fmt.Errorf("KRING %d must be >= 0", c.KRing))
	}
	if c.WeightThreshold < 0 || c.WeightThreshold >= 1 {
		errs = append(errs, fmt.Errorf("WEIGHT_THRESHOLD %g must be within [0, 1)", c.WeightThreshold))
	}
	if c.RenormTolerance <= 0 || c.WeightHardBound < c.RenormTolerance {
		errs = append(errs, fmt.Errorf("need 0 < RENORM_TOLERANCE (%g) <= WEIGHT_HARD_BOUND (%g)", c.RenormTolerance, c.WeightHardBound))
	}
	if c.BuildBatchSize <= 0 || c.RasterChunkRows <= 0 {
		errs = append(errs, errors.New("BUILD_BATCH_SIZE and RASTER_CHUNK_ROWS must be > 0"))
	}
	if c.SpillMaxCells < 0 {
		errs = append(errs, fmt.Errorf("SPILL_MAX_CELLS %d must be >= 0", c.SpillMaxCells))
	}
	switch c.Checkpoint.Driver {
	case "none", "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("CHECKPOINT_DRIVER %q (want none|file|redis)", c.Checkpoint.Driver))
	}
	return errors.Join(errs...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
