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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/altiora/conductor/internal/batch"
	"github.com/altiora/conductor/internal/core/config"
	"github.com/altiora/conductor/internal/status"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	inputDir := flag.String("input-dir", "", "Directory containing documents to process")
	outputDir := flag.String("output-dir", "out", "Directory for summary and per-document results")
	batchKey := flag.String("batch", "", "Batch key for resume (defaults to the input dir name)")
	isDebug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Optional .env for local runs; absence is not an error.
	_ = godotenv.Load()

	var cfg *config.AppConfig
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			slog.Error("Failed to load config", "error", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	slogLevel := slog.LevelInfo
	if *isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(logger)

	if *inputDir == "" {
		slog.Error("missing required -input-dir")
		os.Exit(1)
	}
	key := *batchKey
	if key == "" {
		key = filepath.Base(filepath.Clean(*inputDir))
	}

	inputs, err := batch.DiscoverInputs(*inputDir)
	if err != nil {
		slog.Error("Failed to list inputs", "error", err)
		os.Exit(1)
	}
	if len(inputs) == 0 {
		slog.Error("No eligible documents found", "dir", *inputDir)
		os.Exit(1)
	}

	processor, err := batch.NewProcessor(cfg, extractDocument, analyzeDocument, newLocalSession, logger)
	if err != nil {
		slog.Error("Failed to initialize processor", "error", err)
		os.Exit(1)
	}

	// Status/metrics server, if configured.
	if cfg.Server.Port > 0 {
		srv := status.NewServer(processor, cfg.Server.Port)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Status server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	// Cancel the run on SIGINT/SIGTERM; in-flight stage calls finish
	// and the batch resumes from persisted state on the next run.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := processor.Run(ctx, key, inputs, *outputDir)
	if err != nil {
		slog.Error("Batch run failed", "batch", key, "error", err)
		os.Exit(1)
	}

	slog.Info("Batch finished",
		"batch", key,
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled)
	if summary.Failed > 0 {
		os.Exit(2)
	}
}

// extractDocument is the stand-in extraction collaborator for local
// runs: it reads the document bytes directly instead of calling the
// OCR service.
func extractDocument(ctx context.Context, path string) (batch.ExtractResult, error) {
	if err := ctx.Err(); err != nil {
		return batch.ExtractResult{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return batch.ExtractResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	return batch.ExtractResult{Text: string(data)}, nil
}

// localSession is the stand-in model session for local runs.
type localSession struct{}

func (localSession) Close() error { return nil }

func newLocalSession(ctx context.Context) (batch.ModelSession, error) {
	return localSession{}, nil
}

// analyzeDocument is the stand-in analysis collaborator: it derives a
// scenario count from the extracted text instead of calling the LLM.
func analyzeDocument(ctx context.Context, _ batch.ModelSession, extracted batch.ExtractResult) (batch.AnalyzeResult, error) {
	if err := ctx.Err(); err != nil {
		return batch.AnalyzeResult{}, err
	}
	scenarios := 0
	for _, line := range strings.Split(extracted.Text, "\n") {
		if strings.TrimSpace(line) != "" {
			scenarios++
		}
	}
	return batch.AnalyzeResult{Scenarios: scenarios}, nil
}
