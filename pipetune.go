package pipetune

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/thalesfsp/pipetune/executor"
	"github.com/thalesfsp/pipetune/integrity"
	"github.com/thalesfsp/pipetune/progress"
	"github.com/thalesfsp/pipetune/sampler"
	"github.com/thalesfsp/pipetune/space"
	"github.com/thalesfsp/pipetune/trial"
)

//////
// Const, vars, types.
//////

// ProgressUpdate reports the state of the search after each recorded trial.
// Sent on Config.ProgressChan when set; sends never block, a full channel
// simply drops the update.
type ProgressUpdate struct {
	// Phase is the sampler phase that produced this trial's proposal.
	Phase string

	// Iteration is the trial's 1-based index.
	Iteration int

	// TotalIterations is the run's trial budget.
	TotalIterations int

	// Params is the parameter vector that was evaluated.
	Params space.Vector

	// Valid reports whether the trial passed integrity validation.
	Valid bool

	// Score is the trial's trusted score (zero sentinel when faulty).
	Score float64

	// BestScore and BestParams describe the best valid trial so far.
	// BestParams is nil while no valid trial exists.
	BestScore  float64
	BestParams space.Vector
}

// Config controls a search run.
type Config struct {
	// Iterations is the total trial budget, including any trials already
	// persisted by a previous run being resumed.
	Iterations int

	// MaxWorkers bounds concurrent trials; it is also the batch size the
	// sampler is asked for per round.
	MaxWorkers int

	// TrialTimeout is the per-trial wall-clock limit. Zero disables it.
	TrialTimeout time.Duration

	// WarmupCount is how many valid observations precede model guidance.
	WarmupCount int

	// CandidatePool is the number of candidates scored per model-guided
	// proposal.
	CandidatePool int

	// Acquisition and AcqParams select and tune the acquisition
	// strategy. Defaults to UCB.
	Acquisition sampler.AcquisitionFunc
	AcqParams   sampler.AcquisitionParams

	// Rules parameterize trial integrity validation.
	Rules integrity.Rules

	// OutputDir is where trial work dirs and the final best-result
	// artifact live.
	OutputDir string

	// StorePath is the progress store location. Defaults to
	// OutputDir/progress.
	StorePath string

	// Seed seeds the proposal RNG; zero means time-seeded.
	Seed int64

	// Logger receives run events. Nil uses slog.Default.
	Logger *slog.Logger

	// ProgressChan receives a ProgressUpdate per recorded trial.
	// Optional.
	ProgressChan chan<- ProgressUpdate
}

// Result summarizes a finished run.
type Result struct {
	// RunID is the persisted run identity.
	RunID string `json:"run_id"`

	// Iterations is the total number of recorded trials.
	Iterations int `json:"iterations"`

	// Best is the best valid result, nil when every trial was faulty.
	Best *progress.BestResult `json:"best,omitempty"`

	// BestConfig is the materialized evaluator configuration for Best.
	BestConfig map[string]any `json:"best_config,omitempty"`
}

//////
// Exported functionalities.
//////

// DefaultConfig returns a baseline run configuration: 50 trials, 1 worker,
// 5 warmup draws, 50-candidate pools, UCB acquisition, default validation
// rules, 30-minute trial timeout.
func DefaultConfig() Config {
	return Config{
		Iterations:    50,
		MaxWorkers:    1,
		TrialTimeout:  30 * time.Minute,
		WarmupCount:   5,
		CandidatePool: 50,
		Acquisition:   sampler.UCB,
		AcqParams:     sampler.AcquisitionParams{Beta: 2.0, Xi: 0.01},
		Rules:         integrity.DefaultRules(),
		OutputDir:     "pipetune-out",
	}
}

// Run drives the search until the iteration budget is exhausted or ctx is
// cancelled: the sampler proposes up to MaxWorkers candidates, the executor
// runs them concurrently, each raw result passes through the integrity
// validator, every outcome is durably recorded, and the best-result tracker
// and the surrogate incorporate what was learned before the next batch.
//
// If the progress store at StorePath already holds records, the run resumes:
// history is replayed to rebuild the best result and the surrogate, and
// iteration numbering continues from max(existing) + 1.
//
// Fatal errors are a malformed configuration (before any trial runs) and a
// persistence failure (a completed trial that could not be recorded). Trial
// crashes, timeouts, and validation failures are recorded and never abort
// the run. On cancellation, in-flight trials are recorded before Run
// returns ctx's error alongside the partial result.
func Run(ctx context.Context, sp *space.Space, eval executor.Evaluator, cfg Config) (*Result, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := progress.Open(cfg.StorePath, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	runID, err := store.RunID()
	if err != nil {
		return nil, fmt.Errorf("reading run identity: %w", err)
	}

	if runID == "" {
		runID = uuid.NewString()

		if err := store.SetRunID(runID); err != nil {
			return nil, fmt.Errorf("persisting run identity: %w", err)
		}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	smp := sampler.New(sp, sampler.Config{
		WarmupCount: cfg.WarmupCount,
		PoolSize:    cfg.CandidatePool,
		Acquisition: cfg.Acquisition,
		AcqParams:   cfg.AcqParams,
		Rand:        rand.New(rand.NewSource(seed)),
		Logger:      logger,
	})

	// Resume: rebuild the best result and the surrogate history from
	// everything already persisted.
	tracker, err := progress.Replay(store, smp.Observe)
	if err != nil {
		return nil, err
	}

	if done := store.NextIteration() - 1; done > 0 {
		logger.Info("resuming run", "run_id", runID, "completed_iterations", done)
	}

	pool, err := executor.NewPool(eval, executor.Options{
		Workers: cfg.MaxWorkers,
		Timeout: cfg.TrialTimeout,
		BaseDir: filepath.Join(cfg.OutputDir, "iterations"),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("search started",
		"run_id", runID,
		"budget", cfg.Iterations,
		"workers", cfg.MaxWorkers,
		"warmup", cfg.WarmupCount,
	)

	var runErr error

	for store.NextIteration() <= cfg.Iterations {
		if err := ctx.Err(); err != nil {
			runErr = err

			break
		}

		remaining := cfg.Iterations - store.NextIteration() + 1

		batch := cfg.MaxWorkers
		if remaining < batch {
			batch = remaining
		}

		phase := smp.Phase()
		vectors := smp.Propose(batch)

		reqs := make([]executor.Request, len(vectors))

		for i, vec := range vectors {
			evalCfg, err := sp.Project(vec)
			if err != nil {
				return nil, &space.ConfigurationError{Reason: err.Error()}
			}

			reqs[i] = executor.Request{
				Iteration: store.NextIteration() + i,
				Params:    vec,
				Config:    evalCfg,
			}
		}

		started := time.Now()

		// The loop blocks here until the entire batch is done, timed-out
		// trials included. The surrogate must see these outcomes before
		// it can usefully propose the next batch.
		raws := pool.Execute(ctx, reqs)

		for i, raw := range raws {
			verdict := integrity.Check(raw, cfg.Rules)

			rec := &trial.Record{
				Iteration: raw.Iteration,
				Params:    reqs[i].Params,
				Outcome:   verdict.Outcome(raw),
				StartedAt: started,
				Duration:  raw.Duration,
			}

			// Single commit point per trial. A completed evaluation is
			// never silently lost: if this fails after retries, the run
			// aborts.
			if err := store.Append(rec); err != nil {
				var perr *progress.PersistenceError
				if errors.As(err, &perr) {
					return nil, perr
				}

				return nil, err
			}

			if tracker.Observe(rec) {
				logger.Info("new best result",
					"iteration", rec.Iteration,
					"score", rec.Outcome.Score(),
					"params", rec.Params.String(),
				)
			}

			smp.Observe(rec)

			if !rec.Outcome.IsValid() {
				logger.Warn("trial marked faulty",
					"iteration", rec.Iteration,
					"reasons", rec.Outcome.Reasons(),
				)
			}

			sendProgress(cfg.ProgressChan, string(phase), rec, cfg.Iterations, tracker)
		}
	}

	result := &Result{RunID: runID, Iterations: store.NextIteration() - 1}

	if best, ok := tracker.Best(); ok {
		result.Best = &best

		if projected, err := sp.Project(best.Params); err == nil {
			result.BestConfig = projected
		}
	}

	if err := writeBestArtifact(cfg.OutputDir, result); err != nil {
		logger.Error("writing best-result artifact failed", "error", err)

		if runErr == nil {
			runErr = err
		}
	}

	logger.Info("search finished",
		"run_id", runID,
		"iterations", result.Iterations,
		"has_best", result.Best != nil,
	)

	return result, runErr
}

//////
// Helpers.
//////

// validateConfig rejects unusable configurations before any trial runs.
func validateConfig(cfg *Config) error {
	if cfg.Iterations < 1 {
		return &space.ConfigurationError{Reason: "iterations must be at least 1"}
	}

	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}

	if cfg.OutputDir == "" {
		return &space.ConfigurationError{Reason: "output directory is required"}
	}

	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(cfg.OutputDir, "progress")
	}

	return nil
}

// sendProgress emits a non-blocking progress update.
func sendProgress(
	ch chan<- ProgressUpdate,
	phase string,
	rec *trial.Record,
	total int,
	tracker *progress.Tracker,
) {
	if ch == nil {
		return
	}

	update := ProgressUpdate{
		Phase:           phase,
		Iteration:       rec.Iteration,
		TotalIterations: total,
		Params:          rec.Params,
		Valid:           rec.Outcome.IsValid(),
		Score:           rec.Outcome.Score(),
	}

	if best, ok := tracker.Best(); ok {
		update.BestScore = best.Score
		update.BestParams = best.Params
	}

	select {
	case ch <- update:
	default:
		// Skip update if channel is full.
	}
}

// writeBestArtifact persists the final best-configuration artifact for
// external review tooling.
func writeBestArtifact(outputDir string, result *Result) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling best result: %w", err)
	}

	path := filepath.Join(outputDir, "best_result.json")

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}
