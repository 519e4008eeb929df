package sampler

import (
	"math"
	"math/rand"
)

//////
// Available acquisition functions.
// Each scores a candidate from the surrogate's (mean, variance) prediction,
// balancing exploitation of known good regions against exploration of
// uncertain ones. Higher acquisition values are more promising: the search
// maximizes quality scores.
//////

// AcquisitionFunc scores a candidate point from the surrogate's predicted
// mean and variance. Implementations must be deterministic for a fixed
// AcquisitionParams (ThompsonSampling draws from params.RandomState, which
// the sampler owns), and higher return values must indicate more promising
// candidates.
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams carries the knobs the acquisition functions read.
type AcquisitionParams struct {
	// Beta weighs the exploration bonus in UCB. Higher values chase
	// uncertain regions; lower values exploit known good ones. 2.0 is a
	// solid default.
	Beta float64

	// Xi is the minimum improvement margin used by PI and EI.
	Xi float64

	// BestSoFar is the best valid score observed. Maintained by the
	// sampler before each proposal round; starts at -Inf.
	BestSoFar float64

	// RandomState drives Thompson sampling draws. Owned by the sampler.
	RandomState *rand.Rand
}

// UCB is the Upper Confidence Bound: predicted score plus an uncertainty
// bonus weighted by Beta. The default choice.
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean + params.Beta*math.Sqrt(variance)
}

// ProbabilityOfImprovement scores a candidate by the probability that it
// beats the current best by at least Xi, under a normal posterior. A
// conservative strategy: it cares whether improvement happens, not how big
// it is.
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(variance)
	if sigma == 0 {
		if mean > params.BestSoFar+params.Xi {
			return 1
		}

		return 0
	}

	z := (mean - params.BestSoFar - params.Xi) / sigma

	return normalCDF(z)
}

// ExpectedImprovement weighs both the probability and the magnitude of
// improvement over the current best. The most commonly used strategy in
// practice.
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(variance)
	if sigma == 0 {
		return math.Max(0, mean-params.BestSoFar-params.Xi)
	}

	z := (mean - params.BestSoFar - params.Xi) / sigma

	return (mean-params.BestSoFar-params.Xi)*normalCDF(z) + sigma*normalPDF(z)
}

// ThompsonSampling draws a sample from the posterior at the candidate.
// Randomness does the exploration; no Beta or Xi tuning needed.
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(variance)*params.RandomState.NormFloat64()
}

//////
// Helpers.
//////

// normalCDF is the cumulative distribution function of the standard normal
// distribution, used by PI and EI.
func normalCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

// normalPDF is the density of the standard normal distribution, used by EI.
func normalPDF(x float64) float64 {
	return math.Exp(-x*x/2.0) / math.Sqrt(2.0*math.Pi)
}
