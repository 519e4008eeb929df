// Package pipeline adapts an external evaluation pipeline, run as a
// subprocess, into an executor.Evaluator. The contract is file-based:
//
//   - the trial's materialized configuration is written to config.json in
//     the trial's working directory;
//   - the command is invoked with the working directory appended to its
//     arguments and is expected to write metrics.json there;
//   - metrics.json declares per-subject metrics, the aggregate score, and
//     the output artifacts the pipeline produced.
//
// The subprocess is bound to the trial context: on timeout or abort it is
// killed and the exit status lands in the raw result. The adapter never
// judges the output; it only collects it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/thalesfsp/pipetune/executor"
	"github.com/thalesfsp/pipetune/trial"
)

//////
// Const, vars, types.
//////

const (
	configFileName  = "config.json"
	metricsFileName = "metrics.json"
	stdoutFileName  = "stdout.log"
	stderrFileName  = "stderr.log"
)

// metricsFile is the shape the pipeline writes back.
type metricsFile struct {
	Subjects []struct {
		Subject string             `json:"subject"`
		Metrics map[string]float64 `json:"metrics"`
	} `json:"subjects"`
	AggregateScore float64 `json:"aggregate_score"`
	Artifacts      []struct {
		Name string `json:"name"`
		Path string `json:"path"`
	} `json:"artifacts"`
}

// Command describes the external pipeline invocation.
type Command struct {
	// Path is the pipeline executable.
	Path string

	// Args are fixed arguments; the trial working directory is appended
	// as the final argument.
	Args []string

	// Env entries are appended to the current environment.
	Env []string
}

//////
// Exported functionalities.
//////

// NewEvaluator wraps the command in an executor.Evaluator. A nil logger
// uses slog.Default.
func NewEvaluator(cmd Command, logger *slog.Logger) executor.Evaluator {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, req executor.Request) (*trial.RawTrialResult, error) {
		return run(ctx, cmd, req, logger)
	}
}

//////
// Helpers.
//////

func run(ctx context.Context, cmd Command, req executor.Request, logger *slog.Logger) (*trial.RawTrialResult, error) {
	cfgPath := filepath.Join(req.WorkDir, configFileName)

	cfgData, err := json.MarshalIndent(req.Config, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling trial config: %w", err)
	}

	if err := os.WriteFile(cfgPath, cfgData, 0o644); err != nil {
		return nil, fmt.Errorf("writing trial config: %w", err)
	}

	stdout, err := os.Create(filepath.Join(req.WorkDir, stdoutFileName))
	if err != nil {
		return nil, fmt.Errorf("creating stdout log: %w", err)
	}
	defer stdout.Close()

	stderr, err := os.Create(filepath.Join(req.WorkDir, stderrFileName))
	if err != nil {
		return nil, fmt.Errorf("creating stderr log: %w", err)
	}
	defer stderr.Close()

	args := append(append([]string{}, cmd.Args...), req.WorkDir)

	proc := exec.CommandContext(ctx, cmd.Path, args...)
	proc.Dir = req.WorkDir
	proc.Env = append(os.Environ(), cmd.Env...)
	proc.Stdout = stdout
	proc.Stderr = stderr

	logger.Debug("pipeline starting", "iteration", req.Iteration, "cmd", cmd.Path)

	runErr := proc.Run()

	raw := &trial.RawTrialResult{
		Iteration: req.Iteration,
		OutputDir: req.WorkDir,
	}

	switch {
	case runErr == nil:
		raw.ExitCode = 0
	case ctx.Err() != nil:
		raw.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		raw.ExitCode = -1
		raw.Failure = ctx.Err().Error()
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			raw.ExitCode = exitErr.ExitCode()
		} else {
			raw.ExitCode = -1
		}

		raw.Failure = runErr.Error()
	}

	raw.Entries = listEntries(req.WorkDir)

	// Metrics may be absent or truncated after a failed run. That is for
	// the validator to flag, not a collection error.
	if err := readMetrics(filepath.Join(req.WorkDir, metricsFileName), raw); err != nil {
		logger.Debug("no usable metrics", "iteration", req.Iteration, "error", err)
	}

	return raw, nil
}

// readMetrics fills the raw result from the pipeline's metrics file.
func readMetrics(path string, raw *trial.RawTrialResult) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var m metricsFile
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	raw.AggregateScore = m.AggregateScore

	for _, s := range m.Subjects {
		raw.Subjects = append(raw.Subjects, trial.SubjectMetrics{
			Subject: s.Subject,
			Metrics: s.Metrics,
		})
	}

	for _, a := range m.Artifacts {
		p := a.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(raw.OutputDir, p)
		}

		raw.Artifacts = append(raw.Artifacts, trial.Artifact{Name: a.Name, Path: p})
	}

	return nil
}

// listEntries walks the work dir and returns slash-separated relative
// paths, the structural metadata the validator checks against.
func listEntries(root string) []string {
	var entries []string

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}

		entries = append(entries, filepath.ToSlash(rel))

		return nil
	})

	return entries
}
