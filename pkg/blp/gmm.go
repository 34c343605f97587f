package blp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// SentinelObjective is returned when the contraction mapping fails for a
// candidate parameter vector, so the outer optimizer rejects the point
// instead of the run crashing on non-finite values.
const SentinelObjective = 1e10

// Objective evaluates the GMM objective at a flattened candidate
// parameter vector: solve the contraction mapping for delta, project
// delta onto x1 through the instruments for theta1, and return the
// quadratic form of the instrument-weighted residual,
//
//	xi' Z W^{-1} Z' xi,  xi = delta - x1*theta1
//
// applying W^{-1} via triangular solves against the cached Cholesky
// factor of Z'Z. The contraction tolerance tightens as successive
// objective values settle. Panics if thetaVec does not match the mask;
// the dimension is fixed at initialization and a mismatch is a
// programming error in the caller, not a search misstep.
func (e *Estimator) Objective(thetaVec []float64) float64 {
	if err := e.theta.SetVec(thetaVec); err != nil {
		panic(fmt.Sprintf("blp: objective: %v", err))
	}

	// coarse tolerance early in the search, fine near convergence
	switch {
	case e.objDiff < 1e-6:
		e.etol = 1e-13
	case e.objDiff < 1e-3:
		e.etol = 1e-12
	default:
		e.etol = e.opts.Tol
	}

	status, iters := e.solveDelta(e.theta, e.etol)
	if status != ContractionConverged {
		e.log.Warn().
			Stringer("status", status).
			Int("iterations", iters).
			Msg("contraction mapping failed, returning sentinel objective")
		return SentinelObjective
	}

	var zdelta mat.VecDense
	zdelta.MulVec(e.data.Z.T(), e.delta)

	var wzd mat.VecDense
	if err := e.cholZZ.SolveVecTo(&wzd, &zdelta); err != nil {
		e.log.Warn().Err(err).Msg("weighting solve failed, returning sentinel objective")
		return SentinelObjective
	}

	var rhs mat.VecDense
	rhs.MulVec(e.zx1.T(), &wzd)
	if err := e.theta1.SolveVec(e.gls, &rhs); err != nil {
		e.log.Warn().Err(err).Msg("GLS solve failed, returning sentinel objective")
		return SentinelObjective
	}

	var fitted mat.VecDense
	fitted.MulVec(e.data.X1, e.theta1)
	e.xi.SubVec(e.delta, &fitted)

	var zxi, wzxi mat.VecDense
	zxi.MulVec(e.data.Z.T(), e.xi)
	if err := e.cholZZ.SolveVecTo(&wzxi, &zxi); err != nil {
		e.log.Warn().Err(err).Msg("weighting solve failed, returning sentinel objective")
		return SentinelObjective
	}
	obj := mat.Dot(&zxi, &wzxi)

	e.objDiff = math.Abs(e.prevObj - obj)
	e.prevObj = obj
	e.evaluated = true

	e.log.Debug().
		Float64("objective", obj).
		Int("contractionIters", iters).
		Float64("etol", e.etol).
		Msg("objective evaluated")
	return obj
}

// Gradient fills dst with the analytic gradient of the GMM objective,
//
//	2 * J' Z W^{-1} Z' xi
//
// reusing the residual and weighting factor from the most recent
// Objective call; the optimizer contract is objective first, gradient
// second, at the same point. Calling it before any objective
// evaluation is a sequencing error and fails immediately.
func (e *Estimator) Gradient(dst []float64, thetaVec []float64) error {
	if !e.evaluated {
		return fmt.Errorf("gradient requested before any objective evaluation")
	}
	if len(dst) != e.theta.NumFree() {
		return fmt.Errorf("gradient buffer has %d entries, want %d", len(dst), e.theta.NumFree())
	}
	if err := e.theta.SetVec(thetaVec); err != nil {
		return fmt.Errorf("gradient: %w", err)
	}

	jac, err := e.jacobian(e.theta)
	if err != nil {
		return fmt.Errorf("jacobian engine: %w", err)
	}

	var zxi, wzxi mat.VecDense
	zxi.MulVec(e.data.Z.T(), e.xi)
	if err := e.cholZZ.SolveVecTo(&wzxi, &zxi); err != nil {
		return fmt.Errorf("weighting solve: %w", err)
	}

	var zw mat.VecDense
	zw.MulVec(e.data.Z, &wzxi)

	var g mat.VecDense
	g.MulVec(jac.T(), &zw)
	for i := 0; i < g.Len(); i++ {
		dst[i] = 2 * g.AtVec(i)
	}
	return nil
}

// Problem adapts the estimator to gonum's optimizer contract. Any
// compliant optimize.Method can drive it without modification. Errors
// inside the gradient (a singular per-market solve, or a gradient
// requested before any objective) are structural and panic through the
// optimizer, matching its callback signature.
func (e *Estimator) Problem() optimize.Problem {
	return optimize.Problem{
		Func: e.Objective,
		Grad: func(grad, x []float64) {
			if err := e.Gradient(grad, x); err != nil {
				panic(fmt.Sprintf("blp: %v", err))
			}
		},
	}
}

// Fit minimizes the GMM objective from the initial theta using the
// supplied method (BFGS with the analytic gradient when method is nil),
// then computes the variance-covariance matrix and standard errors at
// the optimum.
func (e *Estimator) Fit(settings *optimize.Settings, method optimize.Method) (*Result, error) {
	start := e.theta.Vec()

	if settings == nil {
		settings = &optimize.Settings{GradientThreshold: 1e-6}
	}
	if method == nil {
		method = &optimize.BFGS{}
	}

	optRes, err := optimize.Minimize(e.Problem(), start, settings, method)
	if err != nil {
		return nil, fmt.Errorf("outer optimizer: %w", err)
	}
	if err := optRes.Status.Err(); err != nil {
		return nil, fmt.Errorf("outer optimizer status: %w", err)
	}

	// re-evaluate at the optimum so the cached delta, theta1 and xi all
	// belong to the reported point
	obj := e.Objective(optRes.X)
	if obj >= SentinelObjective {
		return nil, fmt.Errorf("objective diverged at the reported optimum")
	}

	varcov, err := e.VarCov(optRes.X)
	if err != nil {
		return nil, fmt.Errorf("variance-covariance: %w", err)
	}
	stderrTheta, stderrTheta1 := e.StdErrors(varcov)

	e.log.Info().
		Float64("objective", obj).
		Floats64("theta", optRes.X).
		Msg("estimation finished")

	theta1 := mat.NewVecDense(e.k1, nil)
	theta1.CopyVec(e.theta1)
	xi := mat.NewVecDense(e.xi.Len(), nil)
	xi.CopyVec(e.xi)

	return &Result{
		Theta:        &Theta{Coef: mat.DenseCopyOf(e.theta.Coef), Mask: e.theta.Mask},
		Theta1:       theta1,
		Delta:        e.Delta(),
		Xi:           xi,
		Objective:    obj,
		VarCov:       varcov,
		StdErr:       stderrTheta,
		StdErrTheta1: stderrTheta1,
	}, nil
}
