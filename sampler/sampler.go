// Package sampler proposes candidate parameter vectors for the search. It
// starts with uniform random draws (warmup), then fits a Gaussian Process
// surrogate over the valid history and selects candidates from a generated
// pool by acquisition score.
//
// The sampler only ever learns from valid trials. Faulty trials contribute
// nothing to the model; they do join the duplicate set, so the sampler does
// not re-propose a vector that was already spent on a failed evaluation.
// When every trial so far is faulty there is no score signal to fit on, and
// the sampler simply stays in warmup.
package sampler

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/thalesfsp/pipetune/space"
	"github.com/thalesfsp/pipetune/trial"
)

//////
// Const, vars, types.
//////

// Phase is the sampler's lifecycle state, derived from its history.
type Phase string

const (
	// PhaseInit means no history has been observed yet.
	PhaseInit Phase = "init"

	// PhaseWarmup means proposals are random draws, independent of any
	// model: fewer valid observations exist than WarmupCount.
	PhaseWarmup Phase = "warmup"

	// PhaseModelGuided means proposals come from the fitted surrogate.
	PhaseModelGuided Phase = "model-guided"
)

// Config tunes proposal behavior. Zero values fall back to the defaults
// from DefaultConfig.
type Config struct {
	// WarmupCount is how many valid observations must exist before the
	// surrogate is trusted. Until then proposals are uniform random.
	WarmupCount int

	// PoolSize is how many random candidates are generated and scored
	// per model-guided proposal.
	PoolSize int

	// Acquisition selects the scoring strategy. Defaults to UCB.
	Acquisition AcquisitionFunc

	// AcqParams are the acquisition function's knobs.
	AcqParams AcquisitionParams

	// KernelWidth is the surrogate's RBF kernel width over normalized
	// encodings. Larger values smooth the score surface, smaller values
	// localize each observation. Zero keeps the model's default.
	KernelWidth float64

	// Tolerance is the normalized-encoding distance under which two
	// vectors count as duplicates.
	Tolerance float64

	// MaxResample bounds the reject-and-resample loop for duplicate
	// proposals. When exhausted, the duplicate is allowed and flagged.
	MaxResample int

	// Rand is the proposal RNG. Defaults to a time-seeded source.
	Rand *rand.Rand

	// Logger receives duplicate-proposal warnings. Nil uses slog.Default.
	Logger *slog.Logger
}

// Sampler proposes parameter vectors. Not safe for concurrent use: the run
// loop is the only caller, strictly alternating Propose and Observe.
type Sampler struct {
	space  *space.Space
	cfg    Config
	gp     *gaussianProcess
	logger *slog.Logger

	// evaluated holds the encodings of every vector ever sent to the
	// executor, valid or not, for duplicate detection and the
	// exploration tie-break.
	evaluated [][]float64

	bestScore  float64
	fits       int
	duplicates int
}

//////
// Exported functionalities.
//////

// DefaultConfig returns the baseline proposal configuration: five warmup
// draws, a 50-candidate pool, UCB acquisition.
func DefaultConfig() Config {
	return Config{
		WarmupCount: 5,
		PoolSize:    50,
		Acquisition: UCB,
		AcqParams: AcquisitionParams{
			Beta:      2.0,
			Xi:        0.01,
			BestSoFar: math.Inf(-1),
		},
		Tolerance:   1e-6,
		MaxResample: 10,
	}
}

// New builds a sampler over the given space.
func New(sp *space.Space, cfg Config) *Sampler {
	def := DefaultConfig()

	if cfg.WarmupCount <= 0 {
		cfg.WarmupCount = def.WarmupCount
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}

	if cfg.Acquisition == nil {
		cfg.Acquisition = def.Acquisition
	}

	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}

	if cfg.MaxResample <= 0 {
		cfg.MaxResample = def.MaxResample
	}

	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	if cfg.AcqParams.RandomState == nil {
		cfg.AcqParams.RandomState = cfg.Rand
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gp := newGaussianProcess()

	if cfg.KernelWidth > 0 {
		gp.SetSigma(cfg.KernelWidth)
	}

	return &Sampler{
		space:     sp,
		cfg:       cfg,
		gp:        gp,
		logger:    logger,
		bestScore: math.Inf(-1),
	}
}

//////
// Methods.
//////

// Phase reports the sampler's current lifecycle state.
func (s *Sampler) Phase() Phase {
	switch {
	case len(s.evaluated) == 0:
		return PhaseInit
	case s.gp.Observations() < s.cfg.WarmupCount:
		return PhaseWarmup
	default:
		return PhaseModelGuided
	}
}

// Fits returns how many times the surrogate was consulted for a proposal.
// Zero until the warmup count of valid observations is reached and the
// first model-guided proposal is made.
func (s *Sampler) Fits() int {
	return s.fits
}

// Duplicates returns how many proposals were allowed through as duplicates
// after the resample budget ran out.
func (s *Sampler) Duplicates() int {
	return s.duplicates
}

// Observe incorporates a completed trial. Every evaluated vector joins the
// duplicate set; only valid records feed the surrogate and the running
// best. Records must arrive in iteration order.
func (s *Sampler) Observe(rec *trial.Record) {
	enc, err := s.space.Encode(rec.Params)
	if err != nil {
		// A record that cannot be encoded came from a different space
		// definition. It cannot guide proposals either way.
		s.logger.Warn("skipping unencodable record", "iteration", rec.Iteration, "error", err)

		return
	}

	s.evaluated = append(s.evaluated, enc)

	if !rec.Outcome.IsValid() {
		return
	}

	s.gp.Update(enc, rec.Outcome.Score())

	if rec.Outcome.Score() > s.bestScore {
		s.bestScore = rec.Outcome.Score()
	}
}

// Propose returns batchSize parameter vectors to evaluate next. During
// warmup they are uniform random draws and no model is consulted; once
// enough valid history exists, each slot picks the acquisition-maximizing
// candidate from a fresh random pool.
func (s *Sampler) Propose(batchSize int) []space.Vector {
	proposals := make([]space.Vector, 0, batchSize)

	// Encodings already claimed by this batch, so one Propose call does
	// not hand out the same point twice.
	claimed := make([][]float64, 0, batchSize)

	for len(proposals) < batchSize {
		var enc []float64

		if s.Phase() == PhaseModelGuided {
			enc = s.proposeGuided(claimed)
		} else {
			enc = s.proposeRandom(claimed)
		}

		vec, err := s.space.Decode(enc)
		if err != nil {
			// Decode of a generated point can only fail on a dimension
			// mismatch, which would be a bug in this package.
			panic(err)
		}

		proposals = append(proposals, vec)
		claimed = append(claimed, enc)
	}

	return proposals
}

//////
// Helpers.
//////

// proposeRandom draws uniformly, resampling on duplicates up to the bound.
func (s *Sampler) proposeRandom(claimed [][]float64) []float64 {
	var enc []float64

	for attempt := 0; attempt <= s.cfg.MaxResample; attempt++ {
		v := s.space.Random(s.cfg.Rand)

		var err error

		enc, err = s.space.Encode(v)
		if err != nil {
			panic(err)
		}

		if !s.isDuplicate(enc, claimed) {
			return enc
		}
	}

	s.flagDuplicate()

	return enc
}

// proposeGuided scores a random candidate pool with the acquisition
// function and returns the winner, resampling whole pools on duplicates up
// to the bound.
func (s *Sampler) proposeGuided(claimed [][]float64) []float64 {
	params := s.cfg.AcqParams
	params.BestSoFar = s.bestScore

	// Each guided proposal consults the fitted surrogate; warmup
	// proposals never reach this point.
	s.fits++

	var enc []float64

	for attempt := 0; attempt <= s.cfg.MaxResample; attempt++ {
		enc = s.bestCandidate(params)

		if !s.isDuplicate(enc, claimed) {
			return enc
		}
	}

	s.flagDuplicate()

	return enc
}

// bestCandidate generates PoolSize random points and returns the one with
// the highest acquisition score. Ties go to the candidate farthest (by
// minimum normalized distance) from everything already evaluated: when the
// model cannot tell two points apart, prefer the more exploratory one.
func (s *Sampler) bestCandidate(params AcquisitionParams) []float64 {
	type scored struct {
		enc    []float64
		acq    float64
		spread float64
	}

	candidates := make([]scored, 0, s.cfg.PoolSize)

	for i := 0; i < s.cfg.PoolSize; i++ {
		v := s.space.Random(s.cfg.Rand)

		enc, err := s.space.Encode(v)
		if err != nil {
			panic(err)
		}

		mean, variance := s.gp.Predict(enc)

		candidates = append(candidates, scored{
			enc:    enc,
			acq:    s.cfg.Acquisition(mean, variance, params),
			spread: s.minDistance(enc),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		const eps = 1e-12

		if math.Abs(candidates[i].acq-candidates[j].acq) > eps {
			return candidates[i].acq > candidates[j].acq
		}

		return candidates[i].spread > candidates[j].spread
	})

	return candidates[0].enc
}

// minDistance returns the smallest normalized distance from enc to any
// previously evaluated vector. +Inf when nothing was evaluated yet.
func (s *Sampler) minDistance(enc []float64) float64 {
	min := math.Inf(1)

	for _, other := range s.evaluated {
		if d := s.space.Distance(enc, other); d < min {
			min = d
		}
	}

	return min
}

// isDuplicate reports whether enc is within tolerance of an evaluated or
// batch-claimed vector.
func (s *Sampler) isDuplicate(enc []float64, claimed [][]float64) bool {
	for _, other := range s.evaluated {
		if s.space.Distance(enc, other) <= s.cfg.Tolerance {
			return true
		}
	}

	for _, other := range claimed {
		if s.space.Distance(enc, other) <= s.cfg.Tolerance {
			return true
		}
	}

	return false
}

// flagDuplicate records that the resample budget ran out and a duplicate
// proposal was allowed through.
func (s *Sampler) flagDuplicate() {
	s.duplicates++

	s.logger.Warn("allowing duplicate proposal after resample budget exhausted",
		"attempts", s.cfg.MaxResample,
		"duplicates_so_far", s.duplicates,
	)
}
