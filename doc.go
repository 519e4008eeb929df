// Package pipetune searches a bounded parameter space for the configuration
// that maximizes a quality score produced by an expensive, non-deterministic
// external evaluation pipeline, while protecting the search from spurious or
// degenerate results.
//
// # How it works
//
// A run is a sequence of synchronous batches:
//
//  1. The sampler proposes up to max-workers candidate parameter vectors.
//     The first warmup proposals are uniform random draws; afterwards a
//     Gaussian Process surrogate fitted over the valid history selects
//     candidates by acquisition score (UCB by default).
//  2. The executor runs the batch concurrently against the external
//     evaluator, each trial in an isolated iteration-scoped working
//     directory with a wall-clock timeout. Crashes and timeouts are
//     captured, never fatal.
//  3. Each raw result passes through the integrity validator: output
//     completeness, score-normalization sanity, metric-range sanity, and
//     structural validation. Only trials passing all four checks keep their
//     score; everything else is recorded as faulty with its reasons.
//  4. Every outcome is appended to the durable progress store (BadgerDB),
//     the best-result tracker updates on strict improvement, and the
//     surrogate incorporates the new valid observations before the next
//     batch is proposed.
//
// Interrupted runs resume: Run replays the persisted history and continues
// iteration numbering where it stopped.
//
// # Basic usage
//
//	sp, err := space.New(
//	    space.ParameterSpec{Name: "fa_threshold", Kind: space.Continuous, Min: 0.05, Max: 0.3},
//	    space.ParameterSpec{Name: "tract_count", Kind: space.Discrete, Min: 10000, Max: 200000},
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	cfg := pipetune.DefaultConfig()
//	cfg.Iterations = 30
//	cfg.MaxWorkers = 4
//	cfg.OutputDir = "results"
//
//	result, err := pipetune.Run(ctx, sp, myEvaluator, cfg)
//
// # Progress monitoring
//
// Assign a channel to Config.ProgressChan to receive one ProgressUpdate per
// recorded trial. Sends never block; a slow consumer just misses updates.
//
// # Error model
//
// Only two errors are fatal: a malformed parameter space or run
// configuration (space.ConfigurationError, raised before any trial runs)
// and a persistence failure after bounded retries
// (progress.PersistenceError, because a completed evaluation must never be
// silently lost). Trial-level failures — crashes, non-zero exits, timeouts,
// validation failures — are durably recorded with their reasons and the
// search continues.
package pipetune
