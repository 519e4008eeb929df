package sampler

import (
	"math"
	"sync"
)

//////
// Const, vars, types.
//////

// gaussianProcess is a thread-safe Gaussian Process regression model over
// normalized parameter encodings. It predicts the quality score of untested
// candidates from previously observed valid trials.
//
// The model only ever sees valid observations: faulty trials carry no score
// signal and are excluded upstream.
//
// Memory grows linearly with observations and prediction cost quadratically,
// which is fine at the scale of an optimization run (tens to a few hundred
// trials).
type gaussianProcess struct {
	// mu protects all fields.
	mu sync.RWMutex

	// X stores observed input points, one normalized encoding per valid
	// trial. Inner slices all have the space's dimension.
	X [][]float64

	// Y stores the observed quality scores, same length as X.
	Y []float64

	// sigma is the RBF kernel width. Larger values smooth the
	// interpolation; smaller values localize each observation's
	// influence. Encodings live in [0,1], so the default of 1.0 is a
	// reasonably smooth prior.
	sigma float64
}

//////
// Methods.
//////

// rbfKernel measures similarity between two points, decaying exponentially
// with squared Euclidean distance:
//
//	k(x1, x2) = exp(-sum((x1 - x2)^2) / (2 * sigma^2))
//
// Identical points score 1.0; distant points approach 0.0. Panics if the
// vectors differ in length, which would mean encodings from two different
// spaces were mixed.
func (gp *gaussianProcess) rbfKernel(x1, x2 []float64) float64 {
	if len(x1) != len(x2) {
		panic("input vectors must have the same length")
	}

	gp.mu.RLock()
	sigma := gp.sigma
	gp.mu.RUnlock()

	var sum float64

	for i := range x1 {
		diff := x1[i] - x2[i]

		sum += diff * diff
	}

	return math.Exp(-sum / (2 * sigma * sigma))
}

// Predict estimates the expected score and the prediction uncertainty at a
// point. The mean is the kernel-weighted average of observed scores; the
// variance shrinks as observations accumulate near the point. With no
// observations it returns (0, 1): total uncertainty.
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	if len(gp.X) == 0 {
		return 0, 1
	}

	k := make([]float64, len(gp.X))
	for i := range gp.X {
		k[i] = gp.rbfKernel(x, gp.X[i])
	}

	var sum float64

	for i := range gp.X {
		sum += k[i] * gp.Y[i]
	}

	mean = sum / float64(len(gp.X))

	variance = 1.0

	for i := range gp.X {
		for j := range gp.X {
			variance -= k[i] * k[j] / float64(len(gp.X))
		}
	}

	if variance < 0 {
		variance = 0
	}

	return mean, variance
}

// Update adds one valid observation. The input is deep-copied so later
// mutation of the caller's slice cannot corrupt the model.
func (gp *gaussianProcess) Update(x []float64, y float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	newX := make([]float64, len(x))
	copy(newX, x)

	gp.X = append(gp.X, newX)
	gp.Y = append(gp.Y, y)
}

// Observations returns the number of points the model has seen.
func (gp *gaussianProcess) Observations() int {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return len(gp.X)
}

// SetSigma updates the kernel width. Affects all subsequent predictions.
func (gp *gaussianProcess) SetSigma(sigma float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.sigma = sigma
}

//////
// Factory.
//////

// newGaussianProcess returns an empty model with the default kernel width,
// suitable for normalized [0,1] inputs.
func newGaussianProcess() *gaussianProcess {
	return &gaussianProcess{
		sigma: 1.0,
	}
}
