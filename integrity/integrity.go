// Package integrity decides whether a trial's score may be trusted. It is a
// pure function of the RawTrialResult: four independent checks, each with a
// pass/fail verdict and a reason, aggregated into VALID only when all four
// pass. Faulty trials keep every failing reason for audit and are excluded
// from best-tracking and surrogate fitting by the caller.
//
// The checks guard against the failure modes that actually corrupt a search:
// missing or truncated output artifacts, aggregate scores inflated by a
// degenerate normalization base, non-finite or out-of-range metrics, and
// runs whose output tree does not have the shape of a completed evaluation.
package integrity

import (
	"fmt"
	"math"

	"github.com/thalesfsp/pipetune/trial"
)

//////
// Const, vars, types.
//////

// Range bounds a metric's domain-valid values, inclusive.
type Range struct {
	Min float64
	Max float64
}

// Rules parameterizes validation. The zero value is not useful; start from
// DefaultRules and tighten.
type Rules struct {
	// RequiredArtifacts names the artifacts that must exist and be
	// non-empty for a run to count as complete.
	RequiredArtifacts []string

	// MinSubjects is the smallest sample size from which a normalized
	// aggregate score is considered genuine. Below it, a score equal to
	// DegenerateScore is rejected: min-max normalization over a single
	// sample always collapses to the maximum, so such a score carries no
	// signal no matter how good it looks.
	MinSubjects int

	// DegenerateScore is the fallback value the aggregator produces when
	// the sample size is too small to normalize, typically the maximal
	// score 1.0.
	DegenerateScore float64

	// Tolerance is the absolute slack used when comparing an aggregate
	// score against DegenerateScore.
	Tolerance float64

	// MetricRanges bounds named metrics. Metrics without an entry are only
	// checked for finiteness.
	MetricRanges map[string]Range

	// ExpectedEntries lists relative paths that must appear in the raw
	// result's directory listing for the output tree to be structurally
	// complete.
	ExpectedEntries []string
}

// Verdict is the aggregate validation result.
type Verdict struct {
	Valid   bool
	Reasons []string
}

//////
// Exported functionalities.
//////

// DefaultRules returns the baseline validation policy: at least two
// subjects behind a normalized score, degenerate fallback at 1.0.
func DefaultRules() Rules {
	return Rules{
		MinSubjects:     2,
		DegenerateScore: 1.0,
		Tolerance:       1e-9,
	}
}

// Check runs all four integrity checks against a raw trial result. The
// checks are independent: every one runs and every failure is reported, so
// an audit of a faulty trial sees the complete picture, not just the first
// problem found.
func Check(raw *trial.RawTrialResult, rules Rules) Verdict {
	var reasons []string

	for _, check := range []func(*trial.RawTrialResult, Rules) (bool, string){
		checkCompleteness,
		checkScoreNormalization,
		checkMetricRanges,
		checkStructure,
	} {
		if ok, reason := check(raw, rules); !ok {
			reasons = append(reasons, reason)
		}
	}

	return Verdict{Valid: len(reasons) == 0, Reasons: reasons}
}

// Outcome converts a verdict into the tagged outcome attached to the
// trial's record, forcing the score to the zero sentinel when faulty.
func (v Verdict) Outcome(raw *trial.RawTrialResult) trial.Outcome {
	if v.Valid {
		return trial.Valid(raw.AggregateScore)
	}

	return trial.Faulty(v.Reasons...)
}

//////
// Checks.
//////

// checkCompleteness verifies every required artifact was declared, exists,
// and is non-empty. The reason names the offending artifact.
func checkCompleteness(raw *trial.RawTrialResult, rules Rules) (bool, string) {
	declared := make(map[string]trial.Artifact, len(raw.Artifacts))
	for _, a := range raw.Artifacts {
		declared[a.Name] = a
	}

	for _, name := range rules.RequiredArtifacts {
		a, ok := declared[name]
		if !ok || !a.Exists {
			return false, fmt.Sprintf("required artifact %q is missing", name)
		}

		if a.SizeBytes == 0 {
			return false, fmt.Sprintf("required artifact %q is empty", name)
		}
	}

	return true, ""
}

// checkScoreNormalization rejects an aggregate score sitting exactly at the
// aggregator's degenerate fallback when too few subjects back it. This is
// the guard against the classic artifact where a single subject normalizes
// to a perfect score.
func checkScoreNormalization(raw *trial.RawTrialResult, rules Rules) (bool, string) {
	if rules.MinSubjects <= 0 {
		return true, ""
	}

	n := len(raw.Subjects)
	if n >= rules.MinSubjects {
		return true, ""
	}

	if math.Abs(raw.AggregateScore-rules.DegenerateScore) <= rules.Tolerance {
		return false, fmt.Sprintf(
			"aggregate score %.4f equals the degenerate normalization fallback with only %d subject(s)",
			raw.AggregateScore, n,
		)
	}

	return true, ""
}

// checkMetricRanges verifies every per-subject metric is finite and, when a
// range is configured for it, inside that range.
func checkMetricRanges(raw *trial.RawTrialResult, rules Rules) (bool, string) {
	for _, sub := range raw.Subjects {
		for name, value := range sub.Metrics {
			if math.IsNaN(value) || math.IsInf(value, 0) {
				return false, fmt.Sprintf("metric %q for subject %q is not finite (%v)", name, sub.Subject, value)
			}

			r, bounded := rules.MetricRanges[name]
			if !bounded {
				continue
			}

			if value < r.Min || value > r.Max {
				return false, fmt.Sprintf(
					"metric %q for subject %q is out of range: %v not in [%v, %v]",
					name, sub.Subject, value, r.Min, r.Max,
				)
			}
		}
	}

	if math.IsNaN(raw.AggregateScore) || math.IsInf(raw.AggregateScore, 0) {
		return false, fmt.Sprintf("aggregate score is not finite (%v)", raw.AggregateScore)
	}

	return true, ""
}

// checkStructure verifies the run completed and its output tree has the
// expected shape. Execution failures (crash, non-zero exit, timeout, failed
// dispatch) surface here: an interrupted run cannot have produced a
// structurally complete result.
func checkStructure(raw *trial.RawTrialResult, rules Rules) (bool, string) {
	if raw.TimedOut {
		return false, "run timed out before completing"
	}

	if raw.ExitCode != 0 {
		if raw.Failure != "" {
			return false, fmt.Sprintf("run did not complete: %s (exit status %d)", raw.Failure, raw.ExitCode)
		}

		return false, fmt.Sprintf("run did not complete: exit status %d", raw.ExitCode)
	}

	present := make(map[string]struct{}, len(raw.Entries))
	for _, e := range raw.Entries {
		present[e] = struct{}{}
	}

	for _, want := range rules.ExpectedEntries {
		if _, ok := present[want]; !ok {
			return false, fmt.Sprintf("output tree is missing expected entry %q", want)
		}
	}

	return true, ""
}
