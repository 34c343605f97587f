package blp

import (
	"math"
	"math/rand"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// almostEqual compares floats with tolerance
func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// synthSpec describes a synthetic data set generated from known truth.
type synthSpec struct {
	NMkt, NBrand, NSimInd int
	ND                    int     // demographic covariates (0 or more)
	XiScale               float64 // structural error scale; 0 = exact model
	Seed                  int64
}

// synthModel bundles the generated data with the truth it came from.
type synthModel struct {
	Data      *Data
	ThetaTrue *mat.Dense    // k2 x (1+nd)
	BetaTrue  []float64     // linear parameters
	DeltaTrue *mat.VecDense // mean utilities the shares were built from
}

// makeSynthetic simulates shares forward from known parameters and known
// draws, then treats them as observed. One nonlinear characteristic, two
// linear ones (a constant and the characteristic itself), and three
// instruments.
func makeSynthetic(spec synthSpec) *synthModel {
	rng := rand.New(rand.NewSource(spec.Seed))

	n := spec.NMkt * spec.NBrand
	k2 := 1
	ns := spec.NSimInd

	x1 := mat.NewDense(n, 2, nil)
	x2 := mat.NewDense(n, 1, nil)
	z := mat.NewDense(n, 3, nil)
	for j := 0; j < n; j++ {
		x := rng.NormFloat64()
		x1.Set(j, 0, 1)
		x1.Set(j, 1, x)
		x2.Set(j, 0, x)
		z.Set(j, 0, 1)
		z.Set(j, 1, x)
		z.Set(j, 2, x*x+0.3*rng.NormFloat64())
	}

	v := mat.NewDense(spec.NMkt, k2*ns, nil)
	for t := 0; t < spec.NMkt; t++ {
		for c := 0; c < k2*ns; c++ {
			v.Set(t, c, rng.NormFloat64())
		}
	}

	var d *mat.Dense
	if spec.ND > 0 {
		d = mat.NewDense(spec.NMkt, spec.ND*ns, nil)
		for t := 0; t < spec.NMkt; t++ {
			for c := 0; c < spec.ND*ns; c++ {
				d.Set(t, c, rng.NormFloat64())
			}
		}
	}

	theta := mat.NewDense(k2, 1+spec.ND, nil)
	theta.Set(0, 0, 0.5)
	for dd := 0; dd < spec.ND; dd++ {
		theta.Set(0, dd+1, 0.3)
	}

	beta := []float64{-1.0, 1.5}
	delta := mat.NewVecDense(n, nil)
	for j := 0; j < n; j++ {
		delta.SetVec(j, beta[0]+beta[1]*x1.At(j, 1)+spec.XiScale*rng.NormFloat64())
	}

	data := &Data{
		Share:   mat.NewVecDense(n, nil),
		X1:      x1,
		X2:      x2,
		Z:       z,
		V:       v,
		D:       d,
		NMkt:    spec.NMkt,
		NBrand:  spec.NBrand,
		NSimInd: ns,
	}
	data.Share.CopyVec(forwardShares(data, theta, delta))

	return &synthModel{
		Data:      data,
		ThetaTrue: theta,
		BetaTrue:  beta,
		DeltaTrue: delta,
	}
}

// forwardShares simulates market shares from parameters and mean
// utilities with plain loops, independent of the simulator under test.
func forwardShares(data *Data, theta *mat.Dense, delta *mat.VecDense) *mat.VecDense {
	n := data.NObs()
	nb := data.NBrand
	ns := data.NSimInd
	_, k2 := data.X2.Dims()
	nd := data.NumDemog()

	shares := mat.NewVecDense(n, nil)
	for t := 0; t < data.NMkt; t++ {
		j0 := t * nb
		for i := 0; i < ns; i++ {
			expU := make([]float64, nb)
			denom := 1.0
			for j := 0; j < nb; j++ {
				u := delta.AtVec(j0 + j)
				for k := 0; k < k2; k++ {
					coef := theta.At(k, 0) * data.V.At(t, k*ns+i)
					for dd := 0; dd < nd; dd++ {
						coef += theta.At(k, dd+1) * data.D.At(t, dd*ns+i)
					}
					u += data.X2.At(j0+j, k) * coef
				}
				expU[j] = math.Exp(u)
				denom += expU[j]
			}
			for j := 0; j < nb; j++ {
				shares.SetVec(j0+j, shares.AtVec(j0+j)+expU[j]/denom/float64(ns))
			}
		}
	}
	return shares
}

// newTestEstimator builds an estimator with quiet logging.
func newTestEstimator(m *synthModel, theta0 *mat.Dense, opts Options) (*Estimator, error) {
	return NewEstimator(m.Data, theta0, opts, zerolog.Nop())
}
