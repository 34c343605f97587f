package blp

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

func TestComputeMuHandChecked(t *testing.T) {
	// one market, two brands, two individuals, one characteristic, one
	// demographic covariate; every entry checked against the definition
	data := &Data{
		Share:   mat.NewVecDense(2, []float64{0.3, 0.3}),
		X1:      mat.NewDense(2, 1, []float64{1.0, 2.0}),
		X2:      mat.NewDense(2, 1, []float64{1.0, 2.0}),
		Z:       mat.NewDense(2, 1, []float64{1.0, 1.5}),
		V:       mat.NewDense(1, 2, []float64{0.5, -1.0}),
		D:       mat.NewDense(1, 2, []float64{2.0, 0.25}),
		NMkt:    1,
		NBrand:  2,
		NSimInd: 2,
	}
	theta0 := mat.NewDense(1, 2, []float64{0.8, 0.4})

	e, err := NewEstimator(data, theta0, DefaultOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEstimator returned error: %v", err)
	}

	mu := mat.NewDense(2, 2, nil)
	e.computeMu(e.theta, mu)

	// mu[j,i] = x2[j]*(0.8*v[i] + 0.4*D[i])
	want := [][]float64{
		{1.0 * (0.8*0.5 + 0.4*2.0), 1.0 * (0.8*-1.0 + 0.4*0.25)},
		{2.0 * (0.8*0.5 + 0.4*2.0), 2.0 * (0.8*-1.0 + 0.4*0.25)},
	}
	for j := 0; j < 2; j++ {
		for i := 0; i < 2; i++ {
			if !almostEqual(mu.At(j, i), want[j][i], 1e-12) {
				t.Errorf("mu[%d][%d] = %v, want %v", j, i, mu.At(j, i), want[j][i])
			}
		}
	}
}

func TestSimulatedSharesRespectOutsideGood(t *testing.T) {
	m := makeSynthetic(synthSpec{NMkt: 5, NBrand: 3, NSimInd: 20, ND: 1, Seed: 7})
	e, err := newTestEstimator(m, m.ThetaTrue, DefaultOptions())
	if err != nil {
		t.Fatalf("NewEstimator returned error: %v", err)
	}

	e.computeMu(e.theta, e.mu)
	e.simulateShares(e.delta, e.mu, e.probs, e.shares)

	nb := m.Data.NBrand
	for t2 := 0; t2 < m.Data.NMkt; t2++ {
		inside := 0.0
		for j := 0; j < nb; j++ {
			s := e.shares.AtVec(t2*nb + j)
			if s <= 0 || s >= 1 {
				t.Errorf("market %d product %d: share %v out of (0,1)", t2, j, s)
			}
			inside += s
		}
		// the implicit outside option keeps the within-market total
		// strictly below one
		if inside >= 1 {
			t.Errorf("market %d: inside shares sum to %v, want < 1", t2, inside)
		}
	}
}

func TestSimulatorMatchesForwardSimulation(t *testing.T) {
	// shares computed by the simulator at the true delta must equal the
	// independently generated observed shares
	m := makeSynthetic(synthSpec{NMkt: 4, NBrand: 2, NSimInd: 15, ND: 1, Seed: 11})
	e, err := newTestEstimator(m, m.ThetaTrue, DefaultOptions())
	if err != nil {
		t.Fatalf("NewEstimator returned error: %v", err)
	}

	e.computeMu(e.theta, e.mu)
	e.simulateShares(m.DeltaTrue, e.mu, e.probs, e.shares)

	for j := 0; j < m.Data.NObs(); j++ {
		if !almostEqual(e.shares.AtVec(j), m.Data.Share.AtVec(j), 1e-12) {
			t.Errorf("share %d = %v, want %v", j, e.shares.AtVec(j), m.Data.Share.AtVec(j))
		}
	}
}

func TestSimulatorDeterministic(t *testing.T) {
	m := makeSynthetic(synthSpec{NMkt: 3, NBrand: 2, NSimInd: 10, ND: 0, Seed: 3})
	run := func() []float64 {
		e, err := newTestEstimator(m, m.ThetaTrue, DefaultOptions())
		if err != nil {
			t.Fatalf("NewEstimator returned error: %v", err)
		}
		e.computeMu(e.theta, e.mu)
		e.simulateShares(e.delta, e.mu, e.probs, e.shares)
		out := make([]float64, e.shares.Len())
		for j := range out {
			out[j] = e.shares.AtVec(j)
		}
		return out
	}

	a, b := run(), run()
	for j := range a {
		if a[j] != b[j] {
			t.Errorf("share %d differs between identical runs: %v vs %v", j, a[j], b[j])
		}
	}
}

func TestSimulatorOverflowProducesNonFinite(t *testing.T) {
	// direct exponentiation is the documented behavior: extreme
	// utilities degrade to non-finite shares rather than saturating
	m := makeSynthetic(synthSpec{NMkt: 2, NBrand: 2, NSimInd: 5, ND: 0, Seed: 5})
	e, err := newTestEstimator(m, m.ThetaTrue, DefaultOptions())
	if err != nil {
		t.Fatalf("NewEstimator returned error: %v", err)
	}

	huge := mat.NewVecDense(m.Data.NObs(), nil)
	for j := 0; j < huge.Len(); j++ {
		huge.SetVec(j, 800)
	}
	e.computeMu(e.theta, e.mu)
	e.simulateShares(huge, e.mu, e.probs, e.shares)

	sawNonFinite := false
	for j := 0; j < e.shares.Len(); j++ {
		if math.IsNaN(e.shares.AtVec(j)) || math.IsInf(e.shares.AtVec(j), 0) {
			sawNonFinite = true
		}
	}
	if !sawNonFinite {
		t.Error("expected non-finite shares for overflowing utilities")
	}
}
