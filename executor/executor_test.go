package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/pipetune/space"
	"github.com/thalesfsp/pipetune/trial"
)

func requests(n int) []Request {
	reqs := make([]Request, n)

	for i := range reqs {
		reqs[i] = Request{
			Iteration: i + 1,
			Params:    space.Vector{"x": float64(i)},
			Config:    map[string]any{"x": float64(i)},
		}
	}

	return reqs
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	var (
		mu      sync.Mutex
		running int
		peak    int
	)

	eval := func(ctx context.Context, req Request) (*trial.RawTrialResult, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()

		return &trial.RawTrialResult{AggregateScore: 0.5}, nil
	}

	pool, err := NewPool(eval, Options{Workers: 2, BaseDir: t.TempDir()})
	require.NoError(t, err)

	// Batch of 4 with 2 workers: never more than 2 in flight, and all 4
	// outcomes are collected before Execute returns.
	results := pool.Execute(context.Background(), requests(4))

	require.Len(t, results, 4)

	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, i+1, res.Iteration)
		assert.Equal(t, 0, res.ExitCode)
	}

	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

func TestExecuteIsolatesWorkDirs(t *testing.T) {
	base := t.TempDir()

	var (
		mu   sync.Mutex
		dirs []string
	)

	eval := func(ctx context.Context, req Request) (*trial.RawTrialResult, error) {
		mu.Lock()
		dirs = append(dirs, req.WorkDir)
		mu.Unlock()

		return &trial.RawTrialResult{}, nil
	}

	pool, err := NewPool(eval, Options{Workers: 3, BaseDir: base})
	require.NoError(t, err)

	pool.Execute(context.Background(), requests(3))

	require.Len(t, dirs, 3)

	seen := map[string]bool{}
	for _, d := range dirs {
		assert.False(t, seen[d], "work dirs must not be shared between trials")
		seen[d] = true

		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	assert.Contains(t, seen, filepath.Join(base, "iteration_0001"))
}

func TestExecuteTimesOutSlowTrial(t *testing.T) {
	eval := func(ctx context.Context, req Request) (*trial.RawTrialResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return &trial.RawTrialResult{}, nil
		}
	}

	pool, err := NewPool(eval, Options{Workers: 1, Timeout: 20 * time.Millisecond, BaseDir: t.TempDir()})
	require.NoError(t, err)

	results := pool.Execute(context.Background(), requests(1))

	require.Len(t, results, 1)
	assert.True(t, results[0].TimedOut)
	assert.NotZero(t, results[0].ExitCode)
	assert.NotEmpty(t, results[0].Failure)
}

func TestExecuteIsolatesFailures(t *testing.T) {
	eval := func(ctx context.Context, req Request) (*trial.RawTrialResult, error) {
		switch req.Iteration {
		case 1:
			panic("evaluator blew up")
		case 2:
			return nil, fmt.Errorf("pipeline exited with status 9")
		default:
			return &trial.RawTrialResult{AggregateScore: 0.7}, nil
		}
	}

	pool, err := NewPool(eval, Options{Workers: 3, BaseDir: t.TempDir()})
	require.NoError(t, err)

	results := pool.Execute(context.Background(), requests(3))

	require.Len(t, results, 3)

	// A panicking or failing trial is captured, never fatal, and never
	// disturbs its siblings.
	assert.Contains(t, results[0].Failure, "panicked")
	assert.Contains(t, results[1].Failure, "status 9")
	assert.Equal(t, 0, results[2].ExitCode)
	assert.Equal(t, 0.7, results[2].AggregateScore)
}

func TestExecuteAbortRecordsUndispatchedTrials(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	eval := func(ctx context.Context, req Request) (*trial.RawTrialResult, error) {
		close(started)
		<-release

		return &trial.RawTrialResult{AggregateScore: 0.9}, nil
	}

	base := t.TempDir()

	pool, err := NewPool(eval, Options{Workers: 1, BaseDir: base})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		// Abort once the first trial is in flight, then let it finish
		// naturally.
		<-started
		cancel()
		close(release)
	}()

	results := pool.Execute(ctx, requests(2))

	require.Len(t, results, 2)

	// The in-flight trial finished naturally and kept its result.
	assert.Equal(t, 0, results[0].ExitCode)
	assert.Equal(t, 0.9, results[0].AggregateScore)

	// The undispatched trial is not silently discarded: it comes back as
	// an execution failure carrying the abort reason.
	assert.NotZero(t, results[1].ExitCode)
	assert.Contains(t, results[1].Failure, "not dispatched")

	// Even though it never ran, the record points at its would-be output
	// location for audit.
	assert.Equal(t, filepath.Join(base, "iteration_0002"), results[1].OutputDir)
}

func TestExecuteStatsDeclaredArtifacts(t *testing.T) {
	base := t.TempDir()

	present := filepath.Join(base, "connectivity_count.csv")
	require.NoError(t, os.WriteFile(present, []byte("1,2\n3,4\n"), 0o644))

	eval := func(ctx context.Context, req Request) (*trial.RawTrialResult, error) {
		return &trial.RawTrialResult{
			Artifacts: []trial.Artifact{
				{Name: "connectivity_count", Path: present},
				{Name: "connectivity_fa", Path: filepath.Join(base, "missing.csv")},
			},
		}, nil
	}

	pool, err := NewPool(eval, Options{Workers: 1, BaseDir: base})
	require.NoError(t, err)

	results := pool.Execute(context.Background(), requests(1))

	require.Len(t, results, 1)
	require.Len(t, results[0].Artifacts, 2)

	assert.True(t, results[0].Artifacts[0].Exists)
	assert.Greater(t, results[0].Artifacts[0].SizeBytes, int64(0))
	assert.False(t, results[0].Artifacts[1].Exists)
}
