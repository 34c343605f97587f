package blp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// VarCov computes the asymptotic GMM sandwich covariance of the full
// parameter vector (theta1 stacked above the free theta entries),
//
//	(G'WG)^{-1} G'W Omega WG (G'WG)^{-1}
//
// where Omega is the covariance of the moment conditions built from the
// instrument-weighted residual and G = Z'[x1 J] is the gradient of the
// moments. All applications of W go through the cached Cholesky factor.
// Requires a prior Objective evaluation to have established xi.
func (e *Estimator) VarCov(thetaVec []float64) (*mat.Dense, error) {
	if !e.evaluated {
		return nil, fmt.Errorf("variance-covariance requested before any objective evaluation")
	}
	if err := e.theta.SetVec(thetaVec); err != nil {
		return nil, err
	}

	jac, err := e.jacobian(e.theta)
	if err != nil {
		return nil, fmt.Errorf("jacobian engine: %w", err)
	}

	n := e.data.NObs()
	_, m := e.data.Z.Dims()
	nfree := e.theta.NumFree()

	// moment covariance Omega = (Z o xi)'(Z o xi), each instrument row
	// scaled by its residual
	zres := mat.NewDense(n, m, nil)
	for j := 0; j < n; j++ {
		r := e.xi.AtVec(j)
		for c := 0; c < m; c++ {
			zres.Set(j, c, e.data.Z.At(j, c)*r)
		}
	}
	var omega mat.Dense
	omega.Mul(zres.T(), zres)

	// gradient of the moment conditions: G = Z'[x1 J]
	combined := mat.NewDense(n, e.k1+nfree, nil)
	combined.Slice(0, n, 0, e.k1).(*mat.Dense).Copy(e.data.X1)
	combined.Slice(0, n, e.k1, e.k1+nfree).(*mat.Dense).Copy(jac)

	var g mat.Dense
	g.Mul(e.data.Z.T(), combined)

	var wg, womega mat.Dense
	if err := e.cholZZ.SolveTo(&wg, &g); err != nil {
		return nil, fmt.Errorf("weighting solve for G: %w", err)
	}
	if err := e.cholZZ.SolveTo(&womega, &omega); err != nil {
		return nil, fmt.Errorf("weighting solve for Omega: %w", err)
	}

	var gwg mat.Dense
	gwg.Mul(g.T(), &wg)

	// middle term G'W Omega WG
	var mid, gwo mat.Dense
	gwo.Mul(g.T(), &womega)
	mid.Mul(&gwo, &wg)

	// two factorized solves in place of inverting G'WG
	var half mat.Dense
	if err := half.Solve(&gwg, &mid); err != nil {
		return nil, fmt.Errorf("G'WG is singular: %w", err)
	}
	var varcov mat.Dense
	if err := varcov.Solve(&gwg, half.T()); err != nil {
		return nil, fmt.Errorf("G'WG is singular: %w", err)
	}

	out := mat.DenseCopyOf(&varcov)
	return out, nil
}

// StdErrors extracts per-parameter standard errors from a covariance
// matrix produced by VarCov: the leading k1 diagonal entries belong to
// theta1, the remaining ones map back onto the estimated positions of
// the theta matrix; fixed positions report zero.
func (e *Estimator) StdErrors(varcov *mat.Dense) (*mat.Dense, []float64) {
	r, c := e.theta.Coef.Dims()
	seTheta := mat.NewDense(r, c, nil)
	e.theta.eachFree(func(pos, i, j int) {
		idx := e.k1 + pos
		seTheta.Set(i, j, math.Sqrt(varcov.At(idx, idx)))
	})

	seTheta1 := make([]float64, e.k1)
	for i := 0; i < e.k1; i++ {
		seTheta1[i] = math.Sqrt(varcov.At(i, i))
	}
	return seTheta, seTheta1
}
