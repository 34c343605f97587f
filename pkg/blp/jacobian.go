package blp

import (
	"fmt"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// jacobian computes d(delta)/d(theta) for the estimated parameter
// positions by implicit differentiation of the market-clearing share
// equations at the current delta. For each market independently it
// forms the share Jacobian H with respect to delta and the partials F1
// with respect to theta, then solves H * x = -F1. Markets share no
// state, so the per-market solves run on a worker pool.
//
// The returned matrix is n x NumFree, columns in the mask's canonical
// order. A singular H is a structural degeneracy of the data or
// parameters and is surfaced as a fatal error.
func (e *Estimator) jacobian(th *Theta) (*mat.Dense, error) {
	n := e.data.NObs()
	nb := e.data.NBrand
	ns := e.data.NSimInd
	nfree := th.NumFree()

	// Refresh mu and the choice probabilities at the solved delta; the
	// contraction loop leaves probs one half-step behind its final
	// delta update.
	e.computeMu(th, e.mu)
	e.simulateShares(e.delta, e.mu, e.probs, e.shares)

	// f1 column index for theta entry (row k, col c) is c*k2 + k, which
	// coincides with the canonical column-major mask order.
	rel := make([]int, 0, nfree)
	th.eachFree(func(_, k, c int) { rel = append(rel, c*e.k2+k) })

	jac := mat.NewDense(n, nfree, nil)
	errs := make([]error, e.data.NMkt)

	numWorkers := runtime.NumCPU()
	if numWorkers > e.data.NMkt {
		numWorkers = e.data.NMkt
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(numWorkers)

	worker := func() {
		defer wg.Done()

		ncols := e.k2 * (e.nd + 1)
		f1 := mat.NewDense(nb, ncols, nil)
		weighted := make([]float64, nb)

		for t := range jobs {
			j0 := t * nb
			f1.Zero()

			// partials of simulated shares with respect to the
			// taste-shock scales: weight x2 by the individual draw,
			// subtract the probability-weighted within-market total to
			// center the effect, average over individuals
			for k := 0; k < e.k2; k++ {
				for i := 0; i < ns; i++ {
					draw := e.data.V.At(t, k*ns+i)
					tot := 0.0
					for j := 0; j < nb; j++ {
						weighted[j] = e.data.X2.At(j0+j, k) * draw
						tot += weighted[j] * e.probs.At(j0+j, i)
					}
					for j := 0; j < nb; j++ {
						p := e.probs.At(j0+j, i)
						f1.Set(j, k, f1.At(j, k)+p*(weighted[j]-tot))
					}
				}
			}

			// same demeaning technique for the demographic interactions
			for d := 0; d < e.nd; d++ {
				for k := 0; k < e.k2; k++ {
					col := e.k2*(d+1) + k
					for i := 0; i < ns; i++ {
						demog := e.data.D.At(t, d*ns+i)
						tot := 0.0
						for j := 0; j < nb; j++ {
							weighted[j] = e.data.X2.At(j0+j, k) * demog
							tot += weighted[j] * e.probs.At(j0+j, i)
						}
						for j := 0; j < nb; j++ {
							p := e.probs.At(j0+j, i)
							f1.Set(j, col, f1.At(j, col)+p*(weighted[j]-tot))
						}
					}
				}
			}
			f1.Scale(1/float64(ns), f1)

			// H = (diag(sum_i p) - P P') / ns, the share Jacobian with
			// respect to delta within this market
			h := mat.NewDense(nb, nb, nil)
			for a := 0; a < nb; a++ {
				for b := a; b < nb; b++ {
					cross := 0.0
					for i := 0; i < ns; i++ {
						cross += e.probs.At(j0+a, i) * e.probs.At(j0+b, i)
					}
					h.Set(a, b, -cross)
					h.Set(b, a, -cross)
				}
				rowSum := 0.0
				for i := 0; i < ns; i++ {
					rowSum += e.probs.At(j0+a, i)
				}
				h.Set(a, a, h.At(a, a)+rowSum)
			}
			h.Scale(1/float64(ns), h)

			negF := mat.NewDense(nb, nfree, nil)
			for c, src := range rel {
				for j := 0; j < nb; j++ {
					negF.Set(j, c, -f1.At(j, src))
				}
			}

			var x mat.Dense
			if err := x.Solve(h, negF); err != nil {
				errs[t] = fmt.Errorf("market %d: share Jacobian is singular: %w", t, err)
				continue
			}
			jac.Slice(j0, j0+nb, 0, nfree).(*mat.Dense).Copy(&x)
		}
	}

	for w := 0; w < numWorkers; w++ {
		go worker()
	}
	for t := 0; t < e.data.NMkt; t++ {
		jobs <- t
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return jac, nil
}
