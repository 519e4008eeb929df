package integrity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/pipetune/trial"
)

// completeResult builds a raw result that passes every check under rules
// requiring the two connectivity matrices.
func completeResult() *trial.RawTrialResult {
	return &trial.RawTrialResult{
		Iteration: 1,
		ExitCode:  0,
		Subjects: []trial.SubjectMetrics{
			{Subject: "sub-01", Metrics: map[string]float64{"small_worldness": 1.4, "sparsity": 0.12}},
			{Subject: "sub-02", Metrics: map[string]float64{"small_worldness": 1.2, "sparsity": 0.15}},
		},
		AggregateScore: 0.83,
		Artifacts: []trial.Artifact{
			{Name: "connectivity_count", Path: "/out/connectivity_count.csv", Exists: true, SizeBytes: 2048},
			{Name: "connectivity_fa", Path: "/out/connectivity_fa.csv", Exists: true, SizeBytes: 1024},
		},
		Entries: []string{"metrics.json", "matrices"},
	}
}

func strictRules() Rules {
	rules := DefaultRules()
	rules.RequiredArtifacts = []string{"connectivity_count", "connectivity_fa"}
	rules.MetricRanges = map[string]Range{
		"sparsity": {Min: 0.05, Max: 0.40},
	}
	rules.ExpectedEntries = []string{"metrics.json", "matrices"}

	return rules
}

func TestCheckValidResult(t *testing.T) {
	verdict := Check(completeResult(), strictRules())

	assert.True(t, verdict.Valid)
	assert.Empty(t, verdict.Reasons)

	outcome := verdict.Outcome(completeResult())
	assert.True(t, outcome.IsValid())
	assert.Equal(t, 0.83, outcome.Score())
}

func TestMissingArtifactNamedInReason(t *testing.T) {
	raw := completeResult()

	// Count matrix present, FA matrix absent.
	raw.Artifacts[1].Exists = false
	raw.Artifacts[1].SizeBytes = 0

	verdict := Check(raw, strictRules())

	require.False(t, verdict.Valid)
	require.Len(t, verdict.Reasons, 1)
	assert.Contains(t, verdict.Reasons[0], "connectivity_fa")
}

func TestEmptyArtifactFailsCompleteness(t *testing.T) {
	raw := completeResult()
	raw.Artifacts[0].SizeBytes = 0

	verdict := Check(raw, strictRules())

	require.False(t, verdict.Valid)
	assert.Contains(t, verdict.Reasons[0], "connectivity_count")
}

func TestSingleSubjectPerfectScoreIsDegenerate(t *testing.T) {
	raw := completeResult()

	// One subject whose raw value 0.87 min-max normalizes to 1.0: the
	// classic inflated artifact a degenerate sample size produces.
	raw.Subjects = raw.Subjects[:1]
	raw.Subjects[0].Metrics["raw_value"] = 0.87
	raw.AggregateScore = 1.0

	verdict := Check(raw, strictRules())

	require.False(t, verdict.Valid)
	require.Len(t, verdict.Reasons, 1)
	assert.Contains(t, verdict.Reasons[0], "degenerate")

	// The faulty trial's score is forced to the sentinel, regardless of
	// how good the raw metrics looked.
	assert.Zero(t, verdict.Outcome(raw).Score())
}

func TestSingleSubjectNonDegenerateScorePasses(t *testing.T) {
	raw := completeResult()
	raw.Subjects = raw.Subjects[:1]
	raw.AggregateScore = 0.61

	verdict := Check(raw, strictRules())

	assert.True(t, verdict.Valid)
}

func TestNonFiniteMetricsFail(t *testing.T) {
	for name, value := range map[string]float64{
		"nan":           math.NaN(),
		"positive +Inf": math.Inf(1),
		"negative -Inf": math.Inf(-1),
	} {
		t.Run(name, func(t *testing.T) {
			raw := completeResult()
			raw.Subjects[0].Metrics["small_worldness"] = value

			verdict := Check(raw, strictRules())

			require.False(t, verdict.Valid)
			assert.Contains(t, verdict.Reasons[0], "small_worldness")
		})
	}
}

func TestOutOfRangeMetricFails(t *testing.T) {
	raw := completeResult()
	raw.Subjects[1].Metrics["sparsity"] = 0.95

	verdict := Check(raw, strictRules())

	require.False(t, verdict.Valid)
	assert.Contains(t, verdict.Reasons[0], "sparsity")
	assert.Contains(t, verdict.Reasons[0], "sub-02")
}

func TestNonFiniteAggregateScoreFails(t *testing.T) {
	raw := completeResult()
	raw.AggregateScore = math.NaN()

	verdict := Check(raw, strictRules())

	assert.False(t, verdict.Valid)
}

func TestStructuralFailures(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		raw := completeResult()
		raw.TimedOut = true

		verdict := Check(raw, strictRules())

		require.False(t, verdict.Valid)
		assert.Contains(t, verdict.Reasons[0], "timed out")
	})

	t.Run("non-zero exit", func(t *testing.T) {
		raw := completeResult()
		raw.ExitCode = 137

		verdict := Check(raw, strictRules())

		require.False(t, verdict.Valid)
		assert.Contains(t, verdict.Reasons[0], "exit status 137")
	})

	t.Run("missing expected entry", func(t *testing.T) {
		raw := completeResult()
		raw.Entries = []string{"metrics.json"}

		verdict := Check(raw, strictRules())

		require.False(t, verdict.Valid)
		assert.Contains(t, verdict.Reasons[0], "matrices")
	})
}

func TestAllFailingReasonsRetained(t *testing.T) {
	raw := completeResult()
	raw.Artifacts[1].Exists = false
	raw.Subjects[0].Metrics["small_worldness"] = math.NaN()
	raw.ExitCode = 1

	verdict := Check(raw, strictRules())

	// Checks are independent: every failure is reported, not just the
	// first one found.
	require.False(t, verdict.Valid)
	assert.Len(t, verdict.Reasons, 3)
}
