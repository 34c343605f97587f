package blp

import "math"

// solveDelta inverts the simulated shares into mean utilities for the
// given nonlinear parameters, iterating
//
//	delta <- delta + ln(s_obs) - ln(s_sim)
//
// from the warm-started e.delta. Convergence requires the max absolute
// difference below etol AND the mean absolute difference below the
// looser Options.MeanTol. A non-finite difference ends the solve with
// ContractionDiverged; the caller substitutes a sentinel objective
// instead of propagating NaNs into the linear algebra. The iteration
// ceiling is a safety net against non-contracting parameter regions.
//
// On return e.probs and e.shares hold the values from the last
// simulator call and e.delta holds the final iterate.
func (e *Estimator) solveDelta(th *Theta, etol float64) (ContractionStatus, int) {
	n := e.data.NObs()

	e.computeMu(th, e.mu)

	for iter := 1; ; iter++ {
		e.simulateShares(e.delta, e.mu, e.probs, e.shares)

		maxDiff := 0.0
		sumDiff := 0.0
		for j := 0; j < n; j++ {
			diff := e.lnShare.AtVec(j) - math.Log(e.shares.AtVec(j))
			if math.IsNaN(diff) || math.IsInf(diff, 0) {
				e.log.Warn().
					Int("iteration", iter).
					Int("product", j).
					Msg("non-finite share difference, abandoning contraction")
				return ContractionDiverged, iter
			}
			e.delta.SetVec(j, e.delta.AtVec(j)+diff)

			abs := math.Abs(diff)
			if abs > maxDiff {
				maxDiff = abs
			}
			sumDiff += abs
		}

		if maxDiff < etol && sumDiff/float64(n) < e.opts.MeanTol {
			e.log.Debug().
				Int("iterations", iter).
				Float64("maxDiff", maxDiff).
				Msg("contraction mapping converged")
			return ContractionConverged, iter
		}

		if iter >= e.opts.MaxIter {
			e.log.Warn().
				Int("iterations", iter).
				Float64("maxDiff", maxDiff).
				Float64("etol", etol).
				Msg("contraction mapping hit iteration ceiling")
			return ContractionExhausted, iter
		}
	}
}
