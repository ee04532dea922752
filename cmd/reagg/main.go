package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mohammed-shakir/h3-reagg/internal/core/config"
	"github.com/mohammed-shakir/h3-reagg/internal/core/health"
	"github.com/mohammed-shakir/h3-reagg/internal/core/middleware"
	"github.com/mohammed-shakir/h3-reagg/internal/core/observability"
	"github.com/mohammed-shakir/h3-reagg/internal/logger"
	"github.com/mohammed-shakir/h3-reagg/internal/metrics"
	"github.com/mohammed-shakir/h3-reagg/internal/pipeline"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	pipelineFlag := flag.String("pipeline", "", "pipeline TOML file (overrides PIPELINE_FILE)")
	resFlag := flag.Int("res", -1, "H3 resolution (overrides H3_RES)")
	runIDFlag := flag.String("run-id", "", "run id for logs and checkpoints")
	flag.Parse()

	cfg := config.FromEnv()
	if *pipelineFlag != "" {
		cfg.PipelineFile = *pipelineFlag
	}
	if *resFlag >= 0 {
		cfg.H3Res = *resFlag
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "reagg",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if err := cfg.Validate(); err != nil {
		appLog.Error("invalid configuration", "err", err)
		return 2
	}
	p, err := config.LoadPipeline(cfg.PipelineFile)
	if err != nil {
		appLog.Error("failed to load pipeline", "err", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithRunID(ctx, *runIDFlag)
	tracker := health.NewTracker(logger.RunID(ctx), p.Dataset)

	if cfg.Metrics.Enabled {
		mp := metrics.Init(metrics.Config{Enabled: true, Addr: cfg.Metrics.Addr, Path: cfg.Metrics.Path})
		observability.Init(mp.Registerer(), true)
		shutdown := serveAdmin(appLog, cfg.Metrics.Addr, mp, tracker)
		defer shutdown()
	}
	observability.ExposeBuildInfo(Version)

	appLog.InfoContext(ctx, "starting reagg",
		"version", Version,
		"pipeline", cfg.PipelineFile,
		"dataset", p.Dataset,
		"h3_res", cfg.H3Res,
		"checkpoint", cfg.Checkpoint.Driver)

	ckpt, closeCkpt, err := pipeline.OpenCheckpoints(ctx, cfg.Checkpoint)
	if err != nil {
		appLog.Error("checkpoint store setup failed", "err", err)
		return 1
	}
	defer func() {
		if err := closeCkpt(); err != nil {
			appLog.Warn("checkpoint store close failed", "err", err)
		}
	}()

	runner, err := pipeline.New(cfg, ckpt, appLog)
	if err != nil {
		appLog.Error("pipeline setup failed", "err", err)
		return 1
	}
	sum, err := runner.WithProgress(tracker).Run(ctx, p)
	tracker.Finish(err)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			appLog.Warn("run interrupted", "err", err)
			return 130
		}
		appLog.ErrorContext(ctx, "run failed", "err", err)
		return 1
	}
	for _, t := range sum.Tables {
		fmt.Printf("%-24s %8d rows  %s\n", t.Name, t.Rows, t.Path)
	}
	return 0
}

// serveAdmin exposes metrics, liveness and run progress; the returned func stops it.
func serveAdmin(log *slog.Logger, addr string, mp *metrics.Provider, tr *health.Tracker) func() {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer, middleware.Logging(log))
	r.Get("/healthz", health.Liveness())
	r.Get("/status", health.Status(tr))
	mp.Mount(r)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		log.Info("admin listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server exited", "err", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("admin shutdown error", "err", err)
		}
	}
}
