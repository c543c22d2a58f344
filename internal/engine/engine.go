// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/osimpipe/internal/config"
	"github.com/xkilldash9x/osimpipe/internal/worker"
)

// -- Interfaces for Dependency Inversion --

// JobProcessor is anything that can run a single job, normally a *worker.Worker.
type JobProcessor interface {
	ProcessJob(ctx context.Context, job worker.Job) (worker.Outcome, error)
}

// Recorder persists a finished run report.
type Recorder interface {
	RecordRun(ctx context.Context, report *Report) error
}

// Status is the final state of one job.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// JobResult is what happened to one job.
type JobResult struct {
	Job      worker.Job
	Status   Status
	Outcome  worker.Outcome
	Err      error
	Duration time.Duration
}

// Report collects the results of a run in job order.
type Report struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []JobResult
}

// Succeeded counts the jobs that finished without error.
func (r *Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == StatusSucceeded {
			n++
		}
	}
	return n
}

// Failed returns every result that did not succeed.
func (r *Report) Failed() []JobResult {
	var out []JobResult
	for _, res := range r.Results {
		if res.Status != StatusSucceeded {
			out = append(out, res)
		}
	}
	return out
}

// Err joins the errors of all unsuccessful jobs, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s (%s): %w", res.Job.ID(), res.Status, res.Err))
	}
	return errors.Join(errs...)
}

// Engine runs a batch of jobs on a bounded pool. A job never affects its
// siblings: errors, timeouts and panics are recorded in its own result.
//
// Jobs share their Document and Attempts read-only. Anything that writes a
// participant document must happen before Run.
type Engine struct {
	cfg       config.EngineConfig
	logger    *zap.Logger
	processor JobProcessor
	recorder  Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder mirrors every finished report to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// New creates an engine.
func New(cfg config.EngineConfig, logger *zap.Logger, processor JobProcessor, opts ...Option) (*Engine, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	e := &Engine{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "engine")),
		processor: processor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) concurrency() int {
	if e.cfg.WorkerConcurrency <= 0 {
		return runtime.NumCPU()
	}
	return e.cfg.WorkerConcurrency
}

func (e *Engine) timeout() time.Duration {
	if e.cfg.TrialTimeout <= 0 {
		return 10 * time.Minute
	}
	return e.cfg.TrialTimeout
}

// Run processes jobs and returns once every job has a result. Cancelling ctx
// marks the jobs still running or waiting as cancelled.
func (e *Engine) Run(ctx context.Context, jobs []worker.Job) *Report {
	report := &Report{
		RunID:     uuid.New(),
		StartedAt: time.Now().UTC(),
		Results:   make([]JobResult, len(jobs)),
	}
	logger := e.logger.With(zap.String("run_id", report.RunID.String()))
	logger.Info("Starting run.", zap.Int("jobs", len(jobs)), zap.Int("concurrency", e.concurrency()))

	var g errgroup.Group
	g.SetLimit(e.concurrency())
	for i, job := range jobs {
		g.Go(func() error {
			report.Results[i] = e.runJob(ctx, job, logger)
			return nil
		})
	}
	_ = g.Wait()
	report.FinishedAt = time.Now().UTC()

	logger.Info("Run finished.",
		zap.Int("succeeded", report.Succeeded()),
		zap.Int("failed", len(report.Failed())),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))

	if e.recorder != nil {
		// The report is recorded even when the run itself was cancelled.
		recordCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.recorder.RecordRun(recordCtx, report); err != nil {
			logger.Error("Failed to record run.", zap.Error(err))
		}
	}
	return report
}

type processed struct {
	out worker.Outcome
	err error
}

func (e *Engine) runJob(ctx context.Context, job worker.Job, logger *zap.Logger) JobResult {
	start := time.Now()
	res := JobResult{Job: job}
	logger = logger.With(zap.String("job", job.ID()))

	if err := ctx.Err(); err != nil {
		res.Status, res.Err = StatusCancelled, err
		return res
	}

	jobCtx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	done := make(chan processed, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Processor panicked.", zap.Any("panic", r), zap.Stack("stack"))
				done <- processed{err: fmt.Errorf("panic while processing %s: %v", job.ID(), r)}
			}
		}()
		out, err := e.processor.ProcessJob(jobCtx, job)
		done <- processed{out: out, err: err}
	}()

	var p processed
	select {
	case p = <-done:
	case <-jobCtx.Done():
		p.err = jobCtx.Err()
	}
	res.Duration = time.Since(start)
	res.Outcome, res.Err = p.out, p.err

	switch {
	case p.err == nil:
		res.Status = StatusSucceeded
		logger.Debug("Job succeeded.", zap.Duration("duration", res.Duration))
	case ctx.Err() != nil:
		res.Status = StatusCancelled
		logger.Warn("Job cancelled.", zap.Error(p.err))
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		res.Status = StatusTimeout
		logger.Warn("Job timed out.", zap.Duration("timeout", e.timeout()), zap.Error(p.err))
	default:
		res.Status = StatusFailed
		logger.Error("Job failed.", zap.Error(p.err))
	}
	return res
}
