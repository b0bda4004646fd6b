// Package pipeline runs jobs through an ordered set of named stages,
// each with its own bounded worker pool. Stages execute concurrently
// with each other: a downstream stage starts consuming as soon as the
// upstream stage produces its first success. This models the
// extract-then-analyze shape where OCR is wide and cheap while LLM
// calls are capped by model resources.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/altiora/conductor/internal/core/domain"
	"github.com/altiora/conductor/internal/jobstore"
	"github.com/altiora/conductor/internal/resilience"
)

// Handler processes one job in one stage. It is caller-supplied and
// usually arrives already wrapped in retry and circuit-breaker layers.
// The returned value is recorded as the stage result.
type Handler func(ctx context.Context, job *domain.Job) (any, error)

// StageError wraps a handler failure for one job in one stage. It is
// recorded on the job and never aborts the batch.
type StageError struct {
	Stage string
	JobID string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for job %s: %v", e.Stage, e.JobID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// BatchAbortedError reports a fatal infrastructure failure (typically
// the job store) that stopped the entire run.
type BatchAbortedError struct {
	Err error
}

func (e *BatchAbortedError) Error() string {
	return fmt.Sprintf("batch aborted: %v", e.Err)
}

func (e *BatchAbortedError) Unwrap() error { return e.Err }

type stage struct {
	name        string
	concurrency int
	handler     Handler
}

// Pipeline is a multi-stage, bounded-concurrency execution graph.
// Configure stages with AddStage, then call Run once.
type Pipeline struct {
	stages []stage
	store  *jobstore.Store
	hook   resilience.Hook
	log    *slog.Logger
}

// New creates a Pipeline persisting through store.
func New(store *jobstore.Store, hook resilience.Hook, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{store: store, hook: hook, log: log}
}

// AddStage appends a stage. Stages run in the order they are added;
// names must be unique and concurrency positive.
func (p *Pipeline) AddStage(name string, concurrency int, handler Handler) error {
	if name == "" {
		return fmt.Errorf("pipeline: stage name must not be empty")
	}
	if concurrency <= 0 {
		return fmt.Errorf("pipeline: stage %s concurrency must be positive, got %d", name, concurrency)
	}
	if handler == nil {
		return fmt.Errorf("pipeline: stage %s handler must not be nil", name)
	}
	for _, s := range p.stages {
		if s.name == name {
			return fmt.Errorf("pipeline: duplicate stage %s", name)
		}
	}
	p.stages = append(p.stages, stage{name: name, concurrency: concurrency, handler: handler})
	return nil
}

// run tracks the shared state of one Run invocation.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc

	abortOnce sync.Once
	abortErr  error
}

// abort records the first fatal error and stops admissions.
func (r *run) abort(err error) {
	r.abortOnce.Do(func() {
		r.abortErr = err
		r.cancel()
	})
}

// Run pushes jobs through every stage and returns only after each job
// has reached done or failed for every stage it entered. One job's
// failure never affects the others; a job-store failure aborts the
// whole run with *BatchAbortedError. On cancellation, in-flight
// handler calls finish, no new work is admitted, and the summary is
// returned with Cancelled set.
func (p *Pipeline) Run(ctx context.Context, jobs []*domain.Job) (domain.BatchSummary, error) {
	if len(p.stages) == 0 {
		return domain.BatchSummary{}, fmt.Errorf("pipeline: no stages configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := &run{ctx: runCtx, cancel: cancel}

	// Chain the stages with channels. Each stage owns a worker pool of
	// its configured size; closing a stage's input drains its workers,
	// and the last worker out closes the downstream channel.
	first := make(chan *domain.Job)
	in := first
	var wgAll sync.WaitGroup
	for i, s := range p.stages {
		var out chan *domain.Job
		if i < len(p.stages)-1 {
			out = make(chan *domain.Job)
		}
		p.startStage(r, &wgAll, s, in, out)
		in = out
	}

	// Feed the first stage. Jobs already terminal (resumed done or
	// failed jobs) are never re-admitted.
	admitted := true
feed:
	for _, j := range jobs {
		if j.Terminal() {
			continue
		}
		select {
		case first <- j:
		case <-runCtx.Done():
			admitted = false
			break feed
		}
	}
	close(first)

	wgAll.Wait()

	if r.abortErr != nil {
		return domain.BatchSummary{}, &BatchAbortedError{Err: r.abortErr}
	}

	cancelled := !admitted || ctx.Err() != nil
	summary := domain.Summarize(jobs, cancelled)
	p.log.Info("batch run complete",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled)
	return summary, nil
}

func (p *Pipeline) startStage(r *run, wgAll *sync.WaitGroup, s stage, in <-chan *domain.Job, out chan<- *domain.Job) {
	var wg sync.WaitGroup
	last := out == nil

	for w := 0; w < s.concurrency; w++ {
		wg.Add(1)
		wgAll.Add(1)
		go func() {
			defer wg.Done()
			defer wgAll.Done()
			for job := range in {
				p.process(r, s, job, out, last)
			}
		}()
	}

	if out != nil {
		wgAll.Add(1)
		go func() {
			defer wgAll.Done()
			wg.Wait()
			close(out)
		}()
	}
}

// process runs one job through one stage and routes it onward.
func (p *Pipeline) process(r *run, s stage, job *domain.Job, out chan<- *domain.Job, last bool) {
	// A recorded success from a previous run passes through without
	// re-invoking the handler; that is what makes resume cheap.
	if prior, ok := job.Outcome(s.name); ok && prior.OK {
		p.forward(r, job, out, last)
		return
	}

	// Cancellation stops admissions into the stage; the job stays
	// pending for a later resume.
	select {
	case <-r.ctx.Done():
		return
	default:
	}

	start := time.Now()
	// An admitted call runs to completion even when the run is
	// cancelled mid-flight; cancellation only stops new admissions.
	result, err := s.handler(context.WithoutCancel(r.ctx), job)

	if err != nil && r.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// The handler surfaced the run's cancellation through its own
		// plumbing. That is not a business failure; the job stays
		// pending and resumes next run.
		return
	}

	outcome := domain.StageOutcome{CompletedAt: time.Now().UTC()}
	if err != nil {
		stageErr := &StageError{Stage: s.name, JobID: job.ID, Err: err}
		outcome.Error = stageErr.Error()
		p.log.Warn("stage failed", "stage", s.name, "job", job.ID, "path", job.Path, "error", err)
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			outcome.Error = fmt.Sprintf("stage %s failed for job %s: unencodable result: %v", s.name, job.ID, merr)
		} else {
			outcome.OK = true
			outcome.Result = raw
		}
	}

	if serr := p.store.MarkStage(context.WithoutCancel(r.ctx), job.ID, s.name, outcome); serr != nil {
		r.abort(serr)
		return
	}

	status := "failed"
	if outcome.OK {
		status = "ok"
	}
	p.hook.Emit(resilience.EventStageComplete, s.name, map[string]string{
		"status":   status,
		"duration": time.Since(start).String(),
	})

	if outcome.OK {
		p.forward(r, job, out, last)
	}
}

// forward moves a successful job to the next stage, or marks it done
// after the final stage.
func (p *Pipeline) forward(r *run, job *domain.Job, out chan<- *domain.Job, last bool) {
	if last {
		if err := p.store.MarkDone(context.WithoutCancel(r.ctx), job.ID); err != nil {
			r.abort(err)
		}
		return
	}
	select {
	case out <- job:
	case <-r.ctx.Done():
		// Run is shutting down; the job keeps its completed stage
		// results and resumes from here next time.
	}
}
