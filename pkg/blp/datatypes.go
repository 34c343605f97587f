// Package blp estimates the parameters of a random-coefficients logit
// demand model (Berry, Levinsohn and Pakes) from market-level product
// data, by GMM with a nested contraction mapping.
package blp

import (
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// Data holds the product-level inputs for one estimation run.
// Product observations are laid out flat, market by market, with a fixed
// number of brands per market: market t owns rows [t*NBrand, (t+1)*NBrand).
type Data struct {
	// Observed market shares s_jt, one per product observation (n)
	Share *mat.VecDense
	// Linear characteristics (n x k1), includes the endogenous ones
	X1 *mat.Dense
	// Nonlinear characteristics carrying random coefficients (n x k2)
	X2 *mat.Dense
	// Instruments (n x m)
	Z *mat.Dense
	// Taste-shock draws, one row per market; column k*NSimInd+i is the
	// draw of individual i on characteristic k (NMkt x k2*NSimInd)
	V *mat.Dense
	// Demographic draws, same per-market layout over the demographic
	// index d (NMkt x nd*NSimInd); may be nil when nd == 0
	D *mat.Dense

	NMkt    int // number of markets
	NBrand  int // products per market
	NSimInd int // simulated individuals per market
}

// NObs returns the number of product observations.
func (d *Data) NObs() int { return d.NMkt * d.NBrand }

// NumDemog returns the number of demographic covariates.
func (d *Data) NumDemog() int {
	if d.D == nil {
		return 0
	}
	_, cols := d.D.Dims()
	return cols / d.NSimInd
}

// Validate checks that all matrix dimensions agree with the declared
// market layout.
func (d *Data) Validate() error {
	if d.NMkt <= 0 || d.NBrand <= 0 || d.NSimInd <= 0 {
		return fmt.Errorf("counts must be positive: nmkt=%d nbrand=%d nsimind=%d",
			d.NMkt, d.NBrand, d.NSimInd)
	}
	n := d.NObs()

	if d.Share == nil || d.Share.Len() != n {
		return fmt.Errorf("share vector must have %d entries", n)
	}
	for _, m := range []struct {
		name string
		mtx  *mat.Dense
	}{
		{"x1", d.X1},
		{"x2", d.X2},
		{"Z", d.Z},
	} {
		if m.mtx == nil {
			return fmt.Errorf("%s matrix not provided", m.name)
		}
		if r, _ := m.mtx.Dims(); r != n {
			return fmt.Errorf("%s must have %d rows, got %d", m.name, n, r)
		}
	}

	_, k2 := d.X2.Dims()
	if d.V == nil {
		return fmt.Errorf("taste-shock draws not provided")
	}
	vr, vc := d.V.Dims()
	if vr != d.NMkt || vc != k2*d.NSimInd {
		return fmt.Errorf("v must be %d x %d, got %d x %d", d.NMkt, k2*d.NSimInd, vr, vc)
	}
	if d.D != nil {
		dr, dc := d.D.Dims()
		if dr != d.NMkt || dc%d.NSimInd != 0 {
			return fmt.Errorf("D must have %d rows and a column count divisible by %d",
				d.NMkt, d.NSimInd)
		}
	}
	return nil
}

// Theta pairs the dense nonlinear-parameter matrix with the boolean mask
// of estimated positions. Rows correspond to the columns of x2; column 0
// holds the taste-shock scales, the remaining columns the
// demographic-interaction coefficients. The mask is fixed at
// initialization and treated as immutable afterwards.
type Theta struct {
	Coef *mat.Dense
	Mask [][]bool
}

// NewTheta builds a Theta from an initial guess. Every nonzero entry of
// the guess is marked as estimated; zero entries stay fixed at zero.
func NewTheta(initial *mat.Dense) *Theta {
	r, c := initial.Dims()
	mask := make([][]bool, r)
	for i := 0; i < r; i++ {
		mask[i] = make([]bool, c)
		for j := 0; j < c; j++ {
			mask[i][j] = initial.At(i, j) != 0
		}
	}
	return &Theta{
		Coef: mat.DenseCopyOf(initial),
		Mask: mask,
	}
}

// eachFree visits the estimated positions in their canonical order:
// column-major over the theta matrix, so all taste-shock scales come
// first, then each demographic column in turn. The flattened parameter
// vector, the Jacobian columns and the gradient all share this order.
func (th *Theta) eachFree(fn func(pos, row, col int)) {
	r, c := th.Coef.Dims()
	pos := 0
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			if th.Mask[i][j] {
				fn(pos, i, j)
				pos++
			}
		}
	}
}

// NumFree returns the number of estimated entries.
func (th *Theta) NumFree() int {
	n := 0
	th.eachFree(func(_, _, _ int) { n++ })
	return n
}

// Vec flattens the estimated entries into a new slice.
func (th *Theta) Vec() []float64 {
	out := make([]float64, th.NumFree())
	th.eachFree(func(pos, i, j int) { out[pos] = th.Coef.At(i, j) })
	return out
}

// SetVec scatters a flattened parameter vector back into the matrix.
func (th *Theta) SetVec(vec []float64) error {
	if len(vec) != th.NumFree() {
		return fmt.Errorf("parameter vector has %d entries, mask has %d free positions",
			len(vec), th.NumFree())
	}
	th.eachFree(func(pos, i, j int) { th.Coef.Set(i, j, vec[pos]) })
	return nil
}

// ContractionStatus reports how a contraction-mapping solve ended.
type ContractionStatus int

const (
	// ContractionConverged means both convergence criteria were met.
	ContractionConverged ContractionStatus = iota
	// ContractionDiverged means a non-finite share difference appeared,
	// typically because the candidate parameters drove shares to zero.
	ContractionDiverged
	// ContractionExhausted means the iteration ceiling was hit.
	ContractionExhausted
)

func (s ContractionStatus) String() string {
	switch s {
	case ContractionConverged:
		return "converged"
	case ContractionDiverged:
		return "diverged"
	case ContractionExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("ContractionStatus(%d)", int(s))
}

// Options holds the tuning knobs of the estimation run.
type Options struct {
	// Starting contraction tolerance on the max absolute share
	// difference; tightened adaptively as the objective settles.
	Tol float64
	// Secondary, looser tolerance on the mean absolute difference,
	// guarding against a few outlier products masking slow convergence.
	MeanTol float64
	// Iteration ceiling for one contraction solve.
	MaxIter int
}

// DefaultOptions returns the tolerances used by the reference data sets.
func DefaultOptions() Options {
	return Options{
		Tol:     1e-9,
		MeanTol: 1e-3,
		MaxIter: 1000,
	}
}

// Result collects the outputs of a completed estimation run.
type Result struct {
	// Estimated nonlinear parameters (with the mask they were fit under)
	Theta *Theta
	// Linear-parameter estimates from the final GLS projection
	Theta1 *mat.VecDense
	// Mean utilities at the optimum
	Delta *mat.VecDense
	// Structural residuals at the optimum
	Xi *mat.VecDense
	// Final GMM objective value
	Objective float64
	// Asymptotic covariance of (theta1, theta) stacked in that order
	VarCov *mat.Dense
	// Standard errors mapped back onto the theta matrix positions
	StdErr *mat.Dense
	// Standard errors of the linear parameters
	StdErrTheta1 []float64
}

// Estimator owns all mutable state of one estimation run: the current
// parameter matrix, the warm-started mean utilities, the adaptive
// contraction tolerance and the cached residuals. It is not safe for
// concurrent objective evaluations; the outer optimizer is expected to
// call it sequentially.
type Estimator struct {
	data *Data
	opts Options
	log  zerolog.Logger

	k1, k2, nd int

	// invariants of the instrument set, computed once
	lnShare *mat.VecDense // ln s_jt
	cholZZ  mat.Cholesky  // Cholesky factor of Z'Z, the GMM weight
	zx1     *mat.Dense    // Z'x1
	gls     *mat.Dense    // x1'Z (Z'Z)^{-1} Z'x1, the GLS normal matrix

	// warm-started state, mutated on each objective evaluation
	theta  *Theta
	delta  *mat.VecDense
	mu     *mat.Dense // scratch: random-coefficient utilities (n x ns)
	probs  *mat.Dense // individual choice probabilities at current delta
	shares *mat.VecDense

	xi        *mat.VecDense
	theta1    *mat.VecDense
	prevObj   float64
	objDiff   float64
	etol      float64
	evaluated bool
}
