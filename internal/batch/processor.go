// Package batch orchestrates a full document batch: load or resume
// jobs, push them through the extract and analyze stages with retry
// and circuit-breaker protection, borrow model sessions from a
// pre-warmed pool, and dump results.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/altiora/conductor/internal/core/config"
	"github.com/altiora/conductor/internal/core/domain"
	"github.com/altiora/conductor/internal/jobstore"
	"github.com/altiora/conductor/internal/metrics"
	"github.com/altiora/conductor/internal/pipeline"
	"github.com/altiora/conductor/internal/pool"
	"github.com/altiora/conductor/internal/resilience"
	"github.com/altiora/conductor/internal/status"
)

// Stage names used by the processor.
const (
	StageExtract = "extract"
	StageAnalyze = "analyze"
)

// ModelSession is an opaque, expensive-to-create model handle kept in
// the session pool for the life of a batch.
type ModelSession interface {
	Close() error
}

// SessionFactory creates one warmed-up model session.
type SessionFactory func(ctx context.Context) (ModelSession, error)

// ExtractResult is the typed output of the extract stage.
type ExtractResult struct {
	Text string `json:"text"`
}

// AnalyzeResult is the typed output of the analyze stage.
type AnalyzeResult struct {
	Scenarios int `json:"scenarios"`
}

// ExtractFunc performs text extraction for one document. It is an
// external collaborator; the processor neither knows nor cares whether
// it shells out to an OCR service or reads the file directly.
type ExtractFunc func(ctx context.Context, path string) (ExtractResult, error)

// AnalyzeFunc turns extracted text into test scenarios using a model
// session borrowed from the pool for the duration of the call.
type AnalyzeFunc func(ctx context.Context, session ModelSession, extracted ExtractResult) (AnalyzeResult, error)

// Processor coordinates one batch run end to end. All collaborators
// are injected at construction; there is no global state.
type Processor struct {
	cfg     *config.AppConfig
	log     *slog.Logger
	hook    resilience.Hook
	breaker *resilience.Breaker
	retrier *resilience.Retrier
	kv      *jobstore.FailoverKV
	store   *jobstore.Store

	extract ExtractFunc
	analyze AnalyzeFunc
	factory SessionFactory
}

// NewProcessor builds a Processor from config. The store backend is
// opened here; if it cannot be reached the processor starts degraded
// on the in-memory fallback rather than refusing to run.
func NewProcessor(cfg *config.AppConfig, extract ExtractFunc, analyze AnalyzeFunc, factory SessionFactory, log *slog.Logger) (*Processor, error) {
	if log == nil {
		log = slog.Default()
	}
	if extract == nil || analyze == nil || factory == nil {
		return nil, fmt.Errorf("batch: extract, analyze and factory must all be provided")
	}

	hook := metrics.Hook()

	breaker, err := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}, hook)
	if err != nil {
		return nil, err
	}

	retrier, err := resilience.NewRetrier(resilience.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, nil, hook)
	if err != nil {
		return nil, err
	}

	kv := jobstore.NewFailoverKV(openBackend(cfg, log), log)

	return &Processor{
		cfg:     cfg,
		log:     log,
		hook:    hook,
		breaker: breaker,
		retrier: retrier,
		kv:      kv,
		store:   jobstore.New(kv, cfg.Store.TTL, log),
		extract: extract,
		analyze: analyze,
		factory: factory,
	}, nil
}

// openBackend opens the configured KV backend, falling back to memory
// when the backend is unreachable. The FailoverKV wrapper logs and
// absorbs failures that happen later, mid-batch.
func openBackend(cfg *config.AppConfig, log *slog.Logger) jobstore.KV {
	switch cfg.Store.Backend {
	case "redis":
		kv, err := jobstore.NewRedisKV(cfg.Redis)
		if err != nil {
			log.Warn("redis job store unavailable, starting with in-memory state", "error", err)
			return jobstore.NewMemoryKV()
		}
		return kv
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		kv, err := jobstore.NewPostgresKV(ctx, cfg.Database)
		if err != nil {
			log.Warn("postgres job store unavailable, starting with in-memory state", "error", err)
			return jobstore.NewMemoryKV()
		}
		return kv
	default:
		return jobstore.NewMemoryKV()
	}
}

// Run executes the batch named batchKey over the input documents and
// writes summary.json plus per-document results to outputDir.
func (p *Processor) Run(ctx context.Context, batchKey string, inputs []string, outputDir string) (domain.BatchSummary, error) {
	jobs, resumed, err := p.store.LoadOrCreate(ctx, batchKey, inputs)
	if err != nil {
		return domain.BatchSummary{}, &pipeline.BatchAbortedError{Err: err}
	}
	metrics.BatchJobsTotal.Set(float64(len(jobs)))
	p.log.Info("batch loaded", "batch", batchKey, "jobs", len(jobs), "resumed", resumed)

	sessions, err := pool.New(ctx, pool.Config{Size: p.cfg.Pool.Size},
		func(ctx context.Context) (ModelSession, error) { return p.factory(ctx) },
		func(s ModelSession) error { return s.Close() },
	)
	if err != nil {
		return domain.BatchSummary{}, fmt.Errorf("warm up session pool: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if cerr := sessions.Close(closeCtx); cerr != nil {
			p.log.Warn("session pool close", "error", cerr)
		}
	}()

	pipe := pipeline.New(p.store, p.hook, p.log)
	if err := pipe.AddStage(StageExtract, p.stageConcurrency(StageExtract), p.extractHandler()); err != nil {
		return domain.BatchSummary{}, err
	}
	if err := pipe.AddStage(StageAnalyze, p.stageConcurrency(StageAnalyze), p.analyzeHandler(sessions)); err != nil {
		return domain.BatchSummary{}, err
	}

	summary, err := pipe.Run(ctx, jobs)
	if err != nil {
		return summary, err
	}

	if outputDir != "" {
		if err := p.dumpResults(outputDir, jobs, summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (p *Processor) stageConcurrency(name string) int {
	for _, s := range p.cfg.Stages {
		if s.Name == name {
			return s.Concurrency
		}
	}
	return 1
}

func (p *Processor) stageTimeout(name string) time.Duration {
	for _, s := range p.cfg.Stages {
		if s.Name == name {
			return s.Timeout
		}
	}
	return 0
}

func (p *Processor) extractHandler() pipeline.Handler {
	timeout := p.stageTimeout(StageExtract)
	return p.guard(StageExtract, timeout, func(ctx context.Context, job *domain.Job) (any, error) {
		return p.extract(ctx, job.Path)
	})
}

func (p *Processor) analyzeHandler(sessions *pool.Pool[ModelSession]) pipeline.Handler {
	timeout := p.stageTimeout(StageAnalyze)
	return p.guard(StageAnalyze, timeout, func(ctx context.Context, job *domain.Job) (any, error) {
		extracted, err := extractedResult(job)
		if err != nil {
			return nil, err
		}

		// The session is held for the duration of this call only.
		handle, err := sessions.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		metrics.PoolInUse.Inc()
		defer func() {
			if rerr := sessions.Release(handle); rerr != nil {
				p.log.Error("session release", "error", rerr)
			}
			metrics.PoolInUse.Dec()
		}()

		return p.analyze(ctx, handle.Resource, extracted)
	})
}

// guard composes the resilience layers around a raw stage operation:
// retry outside, breaker inside, per-attempt deadline innermost. A
// circuit-open rejection is therefore never retried, and every attempt
// gets a fresh deadline.
func (p *Processor) guard(resource string, timeout time.Duration, op func(ctx context.Context, job *domain.Job) (any, error)) pipeline.Handler {
	return func(ctx context.Context, job *domain.Job) (any, error) {
		var result any
		err := p.retrier.Do(ctx, resource, func(ctx context.Context) error {
			return p.breaker.Do(ctx, resource, func(ctx context.Context) error {
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				res, err := op(ctx, job)
				if err != nil {
					return err
				}
				result = res
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func extractedResult(job *domain.Job) (ExtractResult, error) {
	outcome, ok := job.Outcome(StageExtract)
	if !ok || !outcome.OK {
		return ExtractResult{}, fmt.Errorf("no extract result recorded for job %s", job.ID)
	}
	var res ExtractResult
	if err := json.Unmarshal(outcome.Result, &res); err != nil {
		return ExtractResult{}, fmt.Errorf("decode extract result for job %s: %w", job.ID, err)
	}
	return res, nil
}

// dumpResults writes summary.json and one result file per job that
// produced an analysis.
func (p *Processor) dumpResults(outputDir string, jobs []*domain.Job, summary domain.BatchSummary) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", outputDir, err)
	}

	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "summary.json"), raw, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	for _, j := range jobs {
		outcome, ok := j.Outcome(StageAnalyze)
		if !ok || !outcome.OK {
			continue
		}
		base := filepath.Base(j.Path)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		if err := os.WriteFile(filepath.Join(outputDir, stem+".json"), outcome.Result, 0o644); err != nil {
			return fmt.Errorf("write result for %s: %w", j.Path, err)
		}
	}
	return nil
}

// StatusReport implements status.Source.
func (p *Processor) StatusReport() status.Report {
	report := status.Report{
		Status:        "healthy",
		StoreDegraded: p.kv.Degraded(),
		Breakers:      p.breaker.Snapshot(),
	}
	if report.StoreDegraded {
		report.Status = "degraded"
	}
	for _, state := range report.Breakers {
		if state != "closed" {
			report.Status = "degraded"
			break
		}
	}
	return report
}

// DiscoverInputs lists the batch-eligible documents in dir, sorted by
// name. The accepted extensions match the original intake set.
func DiscoverInputs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input dir %s: %w", dir, err)
	}

	var inputs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".pdf", ".txt", ".docx":
			inputs = append(inputs, filepath.Join(dir, e.Name()))
		}
	}
	return inputs, nil
}
