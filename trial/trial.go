// Package trial defines the data model shared by the executor, the
// integrity validator, and the progress store: the raw output of a single
// evaluation, the validated outcome attached to it, and the durable record
// written once per iteration.
package trial

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/thalesfsp/pipetune/space"
)

//////
// Const, vars, types.
//////

// Artifact is an output file the evaluator declared for a trial. Exists and
// SizeBytes are stamped by the executor when the trial is collected, so the
// validator never has to touch the filesystem.
type Artifact struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Exists    bool   `json:"exists"`
	SizeBytes int64  `json:"size_bytes"`
}

// SubjectMetrics holds the raw per-subject metrics produced by one trial.
type SubjectMetrics struct {
	Subject string             `json:"subject"`
	Metrics map[string]float64 `json:"metrics"`
}

// RawTrialResult is everything the executor captured about one evaluation.
// It is produced exactly once and never mutated afterwards. The executor
// records execution facts (exit status, timeout, duration, failure text);
// the evaluator contributes metrics, the aggregate score, declared
// artifacts, and the relative directory listing of its output (Entries).
//
// Interpretation of these facts is solely the integrity validator's job.
type RawTrialResult struct {
	Iteration      int              `json:"iteration"`
	ExitCode       int              `json:"exit_code"`
	TimedOut       bool             `json:"timed_out"`
	Failure        string           `json:"failure,omitempty"`
	Duration       time.Duration    `json:"duration"`
	Subjects       []SubjectMetrics `json:"subjects"`
	AggregateScore float64          `json:"aggregate_score"`
	Artifacts      []Artifact       `json:"artifacts"`
	OutputDir      string           `json:"output_dir"`
	Entries        []string         `json:"entries"`
}

// Outcome is the validated result of a trial: either Valid with a trusted
// score, or Faulty with the reasons validation failed. The zero value is
// Faulty with no reasons; use the constructors.
type Outcome struct {
	valid   bool
	score   float64
	reasons []string
}

// Record is the durable, append-only account of one trial. Iteration is
// 1-based, unique, and strictly increasing within a store.
type Record struct {
	Iteration int           `json:"iteration"`
	Params    space.Vector  `json:"params"`
	Outcome   Outcome       `json:"outcome"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

//////
// Exported functionalities.
//////

// Valid builds the outcome of a trial whose raw result passed every
// integrity check.
func Valid(score float64) Outcome {
	return Outcome{valid: true, score: score}
}

// Faulty builds the outcome of a trial that failed validation. All failing
// reasons are retained for audit.
func Faulty(reasons ...string) Outcome {
	return Outcome{reasons: reasons}
}

//////
// Methods.
//////

// IsValid reports whether the trial's score may be trusted.
func (o Outcome) IsValid() bool {
	return o.valid
}

// Score returns the trusted aggregate score. For a faulty outcome it always
// returns the zero sentinel, regardless of what the raw metrics claimed.
func (o Outcome) Score() float64 {
	if !o.valid {
		return 0
	}

	return o.score
}

// Reasons returns the validation failure reasons, nil for a valid outcome.
func (o Outcome) Reasons() []string {
	return o.reasons
}

// String renders the outcome for logs: "valid score=0.8312" or
// "faulty: reason; reason".
func (o Outcome) String() string {
	if o.valid {
		return fmt.Sprintf("valid score=%.4f", o.score)
	}

	return "faulty: " + strings.Join(o.reasons, "; ")
}

// outcomeJSON is the wire form of Outcome. The unexported fields force a
// custom codec; records must survive a store round trip byte for byte.
type outcomeJSON struct {
	Valid   bool     `json:"valid"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(outcomeJSON{Valid: o.valid, Score: o.Score(), Reasons: o.reasons})
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var w outcomeJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*o = Outcome{valid: w.Valid, score: w.Score, reasons: w.Reasons}

	return nil
}
