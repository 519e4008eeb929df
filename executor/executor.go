// Package executor runs trials concurrently against the external evaluator.
// A fixed-size pool bounds parallelism; each trial gets an isolated,
// iteration-scoped working directory and a wall-clock timeout. Crashes,
// non-zero exits, timeouts, and panics are captured in the trial's raw
// result and never abort sibling trials or the run. The executor records
// facts; judging them is the integrity validator's job.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/thalesfsp/pipetune/space"
	"github.com/thalesfsp/pipetune/trial"
)

//////
// Const, vars, types.
//////

// Evaluator is the external black-box computation. Given a materialized
// configuration and a private working directory, it runs the evaluation and
// returns per-subject raw metrics plus declared artifact paths. It is
// treated as slow, non-deterministic, and untrustworthy: a returned error
// or panic becomes an execution failure on the raw result, nothing more.
//
// Implementations must honor ctx: when the trial times out or the run is
// aborted, ctx is cancelled and the evaluator should stop.
type Evaluator func(ctx context.Context, req Request) (*trial.RawTrialResult, error)

// Request identifies one trial to execute.
type Request struct {
	// Iteration is the trial's 1-based index; it also names the work dir.
	Iteration int

	// Params is the parameter vector under evaluation.
	Params space.Vector

	// Config is the materialized configuration for the evaluator,
	// produced by space.Project.
	Config map[string]any

	// WorkDir is the trial's private directory. Populated by the pool.
	WorkDir string
}

// Options configures a Pool.
type Options struct {
	// Workers is the number of concurrent execution slots.
	Workers int

	// Timeout is the per-trial wall-clock limit. Zero means no limit.
	Timeout time.Duration

	// BaseDir is the directory under which iteration work dirs are
	// created.
	BaseDir string

	// Logger receives per-trial lifecycle events. Nil uses slog.Default.
	Logger *slog.Logger
}

// Pool executes batches of trials with bounded parallelism.
type Pool struct {
	eval    Evaluator
	workers int
	timeout time.Duration
	baseDir string
	logger  *slog.Logger
}

//////
// Exported functionalities.
//////

// NewPool builds a pool around the given evaluator.
func NewPool(eval Evaluator, opts Options) (*Pool, error) {
	if eval == nil {
		return nil, fmt.Errorf("evaluator must not be nil")
	}

	if opts.Workers < 1 {
		opts.Workers = 1
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		eval:    eval,
		workers: opts.Workers,
		timeout: opts.Timeout,
		baseDir: opts.BaseDir,
		logger:  logger,
	}, nil
}

//////
// Methods.
//////

// Execute runs the whole batch and blocks until every trial has finished,
// timed out, or been skipped by cancellation. Results come back in request
// order, one per request, always non-nil: a trial that could not run still
// produces a raw result carrying its failure, so no outcome is ever
// silently dropped.
//
// Cancelling ctx stops new dispatch; trials already running finish
// naturally or hit their timeout. Trials never dispatched return a raw
// result with the abort reason.
func (p *Pool) Execute(ctx context.Context, reqs []Request) []*trial.RawTrialResult {
	results := make([]*trial.RawTrialResult, len(reqs))

	var wg sync.WaitGroup

	sem := make(chan struct{}, p.workers)

	for i := range reqs {
		sem <- struct{}{}

		// Abort check after acquiring a slot: a cancellation that
		// happened while this trial queued also stops its dispatch.
		// In-flight trials are left alone.
		if err := ctx.Err(); err != nil {
			<-sem

			results[i] = p.failedResult(reqs[i], fmt.Sprintf("not dispatched: %v", err))

			continue
		}

		wg.Add(1)

		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			results[idx] = p.runOne(ctx, reqs[idx])
		}(i)
	}

	wg.Wait()

	return results
}

//////
// Helpers.
//////

// runOne executes a single trial in its own working directory, converting
// every failure mode into a raw result.
func (p *Pool) runOne(ctx context.Context, req Request) (res *trial.RawTrialResult) {
	req.WorkDir = p.workDir(req.Iteration)

	start := time.Now()

	// A panicking evaluator is a crash of that trial only.
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("trial panicked", "iteration", req.Iteration, "panic", r)

			res = p.failedResult(req, fmt.Sprintf("evaluator panicked: %v", r))
			res.Duration = time.Since(start)
		}
	}()

	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return p.failedResult(req, fmt.Sprintf("creating work dir: %v", err))
	}

	trialCtx := ctx

	var cancel context.CancelFunc

	if p.timeout > 0 {
		trialCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.logger.Info("trial started",
		"iteration", req.Iteration,
		"params", req.Params.String(),
		"workdir", req.WorkDir,
	)

	raw, err := p.eval(trialCtx, req)

	elapsed := time.Since(start)

	timedOut := errors.Is(trialCtx.Err(), context.DeadlineExceeded)

	if err != nil || raw == nil {
		failure := "evaluator returned no result"
		if err != nil {
			failure = err.Error()
		}

		res = p.failedResult(req, failure)
		res.TimedOut = timedOut
		res.Duration = elapsed

		p.logger.Warn("trial failed",
			"iteration", req.Iteration,
			"timed_out", timedOut,
			"error", failure,
		)

		return res
	}

	raw.Iteration = req.Iteration
	raw.TimedOut = raw.TimedOut || timedOut
	raw.Duration = elapsed

	if raw.OutputDir == "" {
		raw.OutputDir = req.WorkDir
	}

	statArtifacts(raw)

	p.logger.Info("trial finished",
		"iteration", req.Iteration,
		"exit_code", raw.ExitCode,
		"score", raw.AggregateScore,
		"duration", elapsed,
	)

	return raw
}

// workDir returns the iteration-scoped working directory path.
func (p *Pool) workDir(iteration int) string {
	return filepath.Join(p.baseDir, fmt.Sprintf("iteration_%04d", iteration))
}

// failedResult is the raw result of a trial that produced no usable output.
// The work dir is derived when the request never reached runOne, so even an
// undispatched trial's record points at its would-be output location.
func (p *Pool) failedResult(req Request, failure string) *trial.RawTrialResult {
	dir := req.WorkDir
	if dir == "" {
		dir = p.workDir(req.Iteration)
	}

	return &trial.RawTrialResult{
		Iteration: req.Iteration,
		ExitCode:  -1,
		Failure:   failure,
		OutputDir: dir,
	}
}

// statArtifacts stamps existence and size onto every declared artifact, so
// downstream validation never touches the filesystem.
func statArtifacts(raw *trial.RawTrialResult) {
	for i := range raw.Artifacts {
		a := &raw.Artifacts[i]

		info, err := os.Stat(a.Path)
		if err != nil {
			a.Exists = false
			a.SizeBytes = 0

			continue
		}

		a.Exists = true
		a.SizeBytes = info.Size()
	}
}
