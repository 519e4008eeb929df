package progress

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/pipetune/space"
	"github.com/thalesfsp/pipetune/trial"
)

func record(iteration int, outcome trial.Outcome) *trial.Record {
	return &trial.Record{
		Iteration: iteration,
		Params:    space.Vector{"fa_threshold": 0.1 * float64(iteration)},
		Outcome:   outcome,
		StartedAt: time.Now().UTC(),
		Duration:  42 * time.Millisecond,
	}
}

func TestAppendAndReadBack(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(record(1, trial.Valid(0.5))))
	require.NoError(t, store.Append(record(2, trial.Faulty("required artifact \"fa\" is missing"))))
	require.NoError(t, store.Append(record(3, trial.Valid(0.7))))

	assert.Equal(t, 3, store.Len())
	assert.Equal(t, 4, store.NextIteration())

	// Point lookup round-trips the outcome variant intact.
	rec, err := store.Get(2)
	require.NoError(t, err)
	assert.False(t, rec.Outcome.IsValid())
	assert.Zero(t, rec.Outcome.Score())
	assert.Equal(t, []string{"required artifact \"fa\" is missing"}, rec.Outcome.Reasons())

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 3)

	for i, rec := range all {
		assert.Equal(t, i+1, rec.Iteration)
	}
}

func TestAppendRejectsGapsAndDuplicates(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(record(1, trial.Valid(0.5))))

	// Duplicate index.
	assert.Error(t, store.Append(record(1, trial.Valid(0.6))))

	// Gap.
	assert.Error(t, store.Append(record(3, trial.Valid(0.6))))

	assert.Equal(t, 1, store.Len())
}

func TestGetMissingRecord(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get(7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResumeContinuesNumbering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress")

	// First run persists K = 3 records.
	store, err := Open(path, nil)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Append(record(i, trial.Valid(float64(i)*0.1))))
	}

	require.NoError(t, store.SetRunID("run-a"))
	require.NoError(t, store.Close())

	// Reopen: numbering continues at K + 1, identity survives.
	store, err = Open(path, nil)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, 4, store.NextIteration())

	id, err := store.RunID()
	require.NoError(t, err)
	assert.Equal(t, "run-a", id)

	// M = 2 more trials: exactly K + M records, indices 1..K+M, no gaps,
	// no duplicates.
	require.NoError(t, store.Append(record(4, trial.Valid(0.9))))
	require.NoError(t, store.Append(record(5, trial.Faulty("run timed out before completing"))))

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 5)

	for i, rec := range all {
		assert.Equal(t, i+1, rec.Iteration)
	}
}

func TestAppendEscalatesToPersistenceError(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)

	require.NoError(t, store.Append(record(1, trial.Valid(0.5))))

	// Closing the database makes every commit attempt fail, the same
	// shape as a dead disk. The bounded retries must exhaust and
	// escalate instead of looping or swallowing the loss.
	require.NoError(t, store.Close())

	err = store.Append(record(2, trial.Valid(0.6)))
	require.Error(t, err)

	var perr *PersistenceError

	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Iteration)
	assert.Error(t, perr.Unwrap())
	assert.Contains(t, err.Error(), "after 3 attempts")

	// The failed record was never counted: the log still ends at 1.
	assert.Equal(t, 1, store.Len())
}

func TestRunIDEmptyWhenUnset(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	id, err := store.RunID()
	require.NoError(t, err)
	assert.Empty(t, id)
}
