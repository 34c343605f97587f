package blp

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// computeMu fills dst (n x nsimind) with the random-coefficient utility
// contributions: for product row j in market t and simulated individual i,
//
//	mu[j,i] = sum_k x2[j,k] * (theta_v[k]*v[t,k*ns+i] + sum_d theta_D[k,d]*D[t,d*ns+i])
//
// dst is caller-supplied so the contraction loop can reuse one buffer.
func (e *Estimator) computeMu(th *Theta, dst *mat.Dense) {
	ns := e.data.NSimInd
	nb := e.data.NBrand

	for t := 0; t < e.data.NMkt; t++ {
		j0 := t * nb
		for j := 0; j < nb; j++ {
			row := j0 + j
			for i := 0; i < ns; i++ {
				u := 0.0
				for k := 0; k < e.k2; k++ {
					coef := th.Coef.At(k, 0) * e.data.V.At(t, k*ns+i)
					for d := 0; d < e.nd; d++ {
						coef += th.Coef.At(k, d+1) * e.data.D.At(t, d*ns+i)
					}
					u += e.data.X2.At(row, k) * coef
				}
				dst.Set(row, i, u)
			}
		}
	}
}

// simulateShares computes each simulated consumer's choice probability
// and the per-product simulated market share, averaging over consumers
// within each market. The outside option has utility zero, so the
// denominator starts at one. Utilities are exponentiated directly;
// callers must keep delta bounded or shares degenerate to non-finite
// values, which the contraction mapping detects.
//
// probs (n x nsimind) and shares (n) are caller-supplied output buffers.
func (e *Estimator) simulateShares(delta *mat.VecDense, mu, probs *mat.Dense, shares *mat.VecDense) {
	ns := e.data.NSimInd
	nb := e.data.NBrand

	for t := 0; t < e.data.NMkt; t++ {
		j0 := t * nb
		for i := 0; i < ns; i++ {
			denom := 1.0
			for j := 0; j < nb; j++ {
				u := math.Exp(delta.AtVec(j0+j) + mu.At(j0+j, i))
				probs.Set(j0+j, i, u)
				denom += u
			}
			for j := 0; j < nb; j++ {
				probs.Set(j0+j, i, probs.At(j0+j, i)/denom)
			}
		}
		for j := 0; j < nb; j++ {
			sum := 0.0
			for i := 0; i < ns; i++ {
				sum += probs.At(j0+j, i)
			}
			shares.SetVec(j0+j, sum/float64(ns))
		}
	}
}
