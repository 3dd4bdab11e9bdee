// Package uncertainty holds the moment description of net demand forecast
// errors used by the distributionally robust chance constraints.
package uncertainty

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrDimension is returned when vectors and matrices disagree on size.
var ErrDimension = errors.New("uncertainty: dimension mismatch")

// Model describes the demand deviation ω at every bus through its mean,
// covariance and a (n+1)×(n+1) support/moment matrix Omega. EtaV and EtaG
// are the tolerated violation probabilities of voltage and generation
// limits.
type Model struct {
	Mu    []float64
	Sigma *mat.SymDense
	Omega *mat.SymDense
	EtaV  float64
	EtaG  float64
}

// Validate checks sizes for an n-bus feeder and the risk levels.
func (m Model) Validate(n int) error {
	if len(m.Mu) != n {
		return fmt.Errorf("%w: mu has %d entries for %d buses", ErrDimension, len(m.Mu), n)
	}
	if m.Sigma != nil && m.Sigma.SymmetricDim() != n {
		return fmt.Errorf("%w: sigma is %d×%d", ErrDimension, m.Sigma.SymmetricDim(), m.Sigma.SymmetricDim())
	}
	if m.Omega != nil && m.Omega.SymmetricDim() != n+1 {
		return fmt.Errorf("%w: omega is %d×%d, want %d", ErrDimension, m.Omega.SymmetricDim(), m.Omega.SymmetricDim(), n+1)
	}
	if m.EtaV <= 0 || m.EtaV >= 1 {
		return fmt.Errorf("eta_v must be in (0,1), got %g", m.EtaV)
	}
	if m.EtaG <= 0 || m.EtaG >= 1 {
		return fmt.Errorf("eta_g must be in (0,1), got %g", m.EtaG)
	}
	return nil
}

// SupportMatrix returns Omega, building it from the first two moments when
// it was not supplied.
func (m Model) SupportMatrix() *mat.SymDense {
	if m.Omega != nil {
		return m.Omega
	}
	return SecondMoment(m.Mu, m.Sigma)
}

// SecondMoment builds [[Σ+μμᵀ, μ], [μᵀ, 1]], the second-moment matrix of
// (ω, 1). A nil sigma is treated as zero.
func SecondMoment(mu []float64, sigma mat.Symmetric) *mat.SymDense {
	n := len(mu)
	out := mat.NewSymDense(n+1, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := mu[i] * mu[j]
			if sigma != nil {
				v += sigma.At(i, j)
			}
			out.SetSym(i, j, v)
		}
		out.SetSym(i, n, mu[i])
	}
	out.SetSym(n, n, 1)
	return out
}

// Estimate computes the sample mean and covariance of forecast errors.
// Each row of samples is one observation over all buses.
func Estimate(samples mat.Matrix) ([]float64, *mat.SymDense, error) {
	r, c := samples.Dims()
	if r < 2 {
		return nil, nil, fmt.Errorf("need at least two samples, got %d", r)
	}
	mu := make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, samples)
		mu[j] = stat.Mean(col, nil)
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, samples, nil)
	return mu, &cov, nil
}

// FromSamples estimates a full Model from samples with the given risk
// levels.
func FromSamples(samples mat.Matrix, etaV, etaG float64) (Model, error) {
	mu, sigma, err := Estimate(samples)
	if err != nil {
		return Model{}, err
	}
	return Model{Mu: mu, Sigma: sigma, Omega: SecondMoment(mu, sigma), EtaV: etaV, EtaG: etaG}, nil
}
