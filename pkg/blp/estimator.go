package blp

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// NewEstimator prepares an estimation run: it validates the data,
// factorizes the GMM weighting matrix Z'Z once (it is an invariant of
// the instrument set, not of theta), caches the instrument projections
// of x1, fixes the parameter mask from the initial guess, and
// initializes the mean utilities from the closed-form IV logit fit.
//
// theta0 is k2 x (1+nd): column 0 holds the taste-shock scales, the
// remaining columns the demographic-interaction coefficients. Entries
// that are zero in theta0 are held at zero throughout the run.
func NewEstimator(data *Data, theta0 *mat.Dense, opts Options, logger zerolog.Logger) (*Estimator, error) {
	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("estimation data: %w", err)
	}
	if opts.Tol <= 0 || opts.MeanTol <= 0 || opts.MaxIter <= 0 {
		return nil, fmt.Errorf("options must be positive: %+v", opts)
	}

	_, k1 := data.X1.Dims()
	_, k2 := data.X2.Dims()
	nd := data.NumDemog()

	tr, tc := theta0.Dims()
	if tr != k2 || tc != nd+1 {
		return nil, fmt.Errorf("theta0 must be %d x %d, got %d x %d", k2, nd+1, tr, tc)
	}

	n := data.NObs()
	e := &Estimator{
		data: data,
		opts: opts,
		log:  logger,
		k1:   k1,
		k2:   k2,
		nd:   nd,

		lnShare: mat.NewVecDense(n, nil),
		theta:   NewTheta(theta0),
		delta:   mat.NewVecDense(n, nil),
		mu:      mat.NewDense(n, data.NSimInd, nil),
		probs:   mat.NewDense(n, data.NSimInd, nil),
		shares:  mat.NewVecDense(n, nil),
		xi:      mat.NewVecDense(n, nil),
		theta1:  mat.NewVecDense(k1, nil),
		prevObj: 0,
		objDiff: 1,
		etol:    opts.Tol,
	}
	if e.theta.NumFree() == 0 {
		return nil, fmt.Errorf("theta0 has no nonzero entries: nothing to estimate")
	}

	for j := 0; j < n; j++ {
		s := data.Share.AtVec(j)
		if s <= 0 || s >= 1 {
			return nil, fmt.Errorf("observed share %d out of (0,1): %v", j, s)
		}
		e.lnShare.SetVec(j, math.Log(s))
	}

	// Weighting matrix W = (Z'Z)^{-1}, kept as a Cholesky factor and
	// applied through triangular solves, never inverted explicitly.
	var ztz mat.SymDense
	ztz.SymOuterK(1, data.Z.T())
	if ok := e.cholZZ.Factorize(&ztz); !ok {
		return nil, fmt.Errorf("instrument matrix: Z'Z is not positive definite")
	}

	e.zx1 = &mat.Dense{}
	e.zx1.Mul(data.Z.T(), data.X1)

	var wzx1 mat.Dense
	if err := e.cholZZ.SolveTo(&wzx1, e.zx1); err != nil {
		return nil, fmt.Errorf("weighting solve for Z'x1: %w", err)
	}
	e.gls = &mat.Dense{}
	e.gls.Mul(e.zx1.T(), &wzx1)

	if err := e.initDelta(); err != nil {
		return nil, err
	}
	return e, nil
}

// initDelta warm-starts the mean utilities from the plain-logit
// inversion y = ln(s_jt) - ln(s_0t) projected through the IV/GMM linear
// estimator: delta0 = x1 * theta_IV(y). With an all-zero theta the
// contraction mapping is already solved at this point.
func (e *Estimator) initDelta() error {
	n := e.data.NObs()
	nb := e.data.NBrand

	y := mat.NewVecDense(n, nil)
	for t := 0; t < e.data.NMkt; t++ {
		j0 := t * nb
		inside := 0.0
		for j := 0; j < nb; j++ {
			inside += e.data.Share.AtVec(j0 + j)
		}
		s0 := 1 - inside
		if s0 <= 0 {
			return fmt.Errorf("market %d: outside-good share is %v, shares must sum below 1", t, s0)
		}
		lnS0 := math.Log(s0)
		for j := 0; j < nb; j++ {
			y.SetVec(j0+j, e.lnShare.AtVec(j0+j)-lnS0)
		}
	}

	beta, err := e.ivSolve(y)
	if err != nil {
		return fmt.Errorf("initial delta: %w", err)
	}
	e.delta.MulVec(e.data.X1, beta)
	return nil
}

// ivSolve computes the GLS projection of a product-level vector onto x1
// through the instruments:
//
//	beta = (x1'Z W^{-1} Z'x1)^{-1} x1'Z W^{-1} Z'y
//
// using the cached weighting factor and normal matrix.
func (e *Estimator) ivSolve(y *mat.VecDense) (*mat.VecDense, error) {
	var zy mat.VecDense
	zy.MulVec(e.data.Z.T(), y)

	var wzy mat.VecDense
	if err := e.cholZZ.SolveVecTo(&wzy, &zy); err != nil {
		return nil, fmt.Errorf("weighting solve: %w", err)
	}

	var rhs mat.VecDense
	rhs.MulVec(e.zx1.T(), &wzy)

	beta := mat.NewVecDense(e.k1, nil)
	if err := beta.SolveVec(e.gls, &rhs); err != nil {
		return nil, fmt.Errorf("GLS normal equations are singular: %w", err)
	}
	return beta, nil
}

// Delta returns a copy of the current mean utility vector.
func (e *Estimator) Delta() *mat.VecDense {
	out := mat.NewVecDense(e.delta.Len(), nil)
	out.CopyVec(e.delta)
	return out
}

// Theta returns the estimator's parameter matrix with its mask. The
// returned value is live: the optimizer mutates it through Objective.
func (e *Estimator) Theta() *Theta { return e.theta }
