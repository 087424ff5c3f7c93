// Package plda implements the two-covariance probabilistic LDA model
// used to score speaker verification trials.
//
// # Model
//
// A projected embedding x of speaker s is
//
//	x = μ + y_s + ε,  y_s ~ N(0, B),  ε ~ N(0, W)
//
// B is the between-speaker covariance (rank y_dim, B = V·Vᵀ) and W the
// within-speaker covariance. New simultaneously diagonalizes the pair:
// it finds T with T·W·Tᵀ = I and T·B·Tᵀ = diag(ψ), so every trial
// log-likelihood ratio is a sum of independent one-dimensional terms.
//
// # Scoring
//
// An enrollment of n utterances is the mean ū of their transformed
// vectors. Given ū, the speaker posterior in direction k has mean
// nψ_k/(nψ_k+1)·ū_k and variance ψ_k/(nψ_k+1); the test vector u is
// scored by its predictive density under that posterior against its
// marginal N(0, 1+ψ_k). The reduced noise of the n-utterance average is
// therefore handled in closed form.
package plda

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/haivivi/svbackend/pkg/linalg"
	"github.com/haivivi/svbackend/pkg/modelcodec"
)

// Sentinel errors.
var (
	ErrDimension = errors.New("plda: dimension mismatch")
	ErrConfig    = errors.New("plda: invalid config")
	ErrEmpty     = errors.New("plda: empty enrollment")
)

// Model is a diagonalized two-covariance PLDA model. Immutable after
// New, Train or Unmarshal; safe for concurrent scoring.
type Model struct {
	ID      uuid.UUID
	Mean    []float64
	Between *mat.SymDense
	Within  *mat.SymDense
	YDim    int
	ZDim    int

	// Diagonalized representation. Rows of Transform are the basis.
	Transform *mat.Dense
	Psi       []float64
}

// New builds a model from its parameters and diagonalizes it. W must
// be positive definite; B must be positive semi-definite.
func New(mean []float64, between, within *mat.SymDense, ydim, zdim int) (*Model, error) {
	d := len(mean)
	if r, _ := between.Dims(); r != d {
		return nil, fmt.Errorf("%w: between covariance is %dx%d, mean has %d", ErrDimension, r, r, d)
	}
	if r, _ := within.Dims(); r != d {
		return nil, fmt.Errorf("%w: within covariance is %dx%d, mean has %d", ErrDimension, r, r, d)
	}
	vals, vecs, err := linalg.GeneralizedEigen(between, within)
	if err != nil {
		if errors.Is(err, linalg.ErrSingular) {
			return nil, &linalg.DegenerateScatterError{Op: "plda", Dim: d}
		}
		return nil, fmt.Errorf("plda: diagonalize: %w", err)
	}
	psi := make([]float64, d)
	for k, v := range vals {
		psi[k] = math.Max(v, 0)
	}
	return &Model{
		ID:        uuid.New(),
		Mean:      mean,
		Between:   between,
		Within:    within,
		YDim:      ydim,
		ZDim:      zdim,
		Transform: mat.DenseCopyOf(vecs.T()),
		Psi:       psi,
	}, nil
}

// Dim returns the dimension of vectors the model scores.
func (m *Model) Dim() int { return len(m.Mean) }

// Project maps a vector into the diagonal basis: T·(x - μ).
func (m *Model) Project(x []float64) ([]float64, error) {
	if len(x) != len(m.Mean) {
		return nil, fmt.Errorf("%w: vector has %d components, model expects %d", ErrDimension, len(x), len(m.Mean))
	}
	c := make([]float64, len(x))
	for i := range x {
		c[i] = x[i] - m.Mean[i]
	}
	return linalg.MulVec(m.Transform, c), nil
}

// Enrollment is a speaker model built from one or more utterances, in
// the diagonal basis. It is valid only for the model that built it.
type Enrollment struct {
	Mean []float64
	N    int
}

// Enroll averages the given vectors into an enrollment.
func (m *Model) Enroll(xs ...[]float64) (Enrollment, error) {
	if len(xs) == 0 {
		return Enrollment{}, ErrEmpty
	}
	d := len(m.Mean)
	sum := make([]float64, d)
	for i, x := range xs {
		if len(x) != d {
			return Enrollment{}, fmt.Errorf("%w: enrollment vector %d has %d components, model expects %d", ErrDimension, i, len(x), d)
		}
		for k := range x {
			sum[k] += x[k]
		}
	}
	inv := 1 / float64(len(xs))
	for k := range sum {
		sum[k] *= inv
	}
	u, err := m.Project(sum)
	if err != nil {
		return Enrollment{}, err
	}
	return Enrollment{Mean: u, N: len(xs)}, nil
}

// LLR returns the log-likelihood ratio of same versus different speaker
// between an enrollment and a test vector.
func (m *Model) LLR(e Enrollment, test []float64) (float64, error) {
	u, err := m.Project(test)
	if err != nil {
		return 0, err
	}
	return m.LLRProjected(e, u), nil
}

// LLRProjected scores a test vector already mapped by Project.
func (m *Model) LLRProjected(e Enrollment, u []float64) float64 {
	n := float64(e.N)
	var s float64
	for k, psi := range m.Psi {
		a := n * psi / (n*psi + 1)
		v := 1 + psi/(n*psi+1)
		v0 := 1 + psi
		d := u[k] - a*e.Mean[k]
		s += 0.5 * (u[k]*u[k]/v0 - d*d/v + math.Log(v0/v))
	}
	return s
}

type wire struct {
	Dim       int       `msgpack:"dim"`
	YDim      int       `msgpack:"ydim"`
	ZDim      int       `msgpack:"zdim"`
	Mean      []float64 `msgpack:"mean"`
	Between   []float64 `msgpack:"between"`
	Within    []float64 `msgpack:"within"`
	Transform []float64 `msgpack:"transform"`
	Psi       []float64 `msgpack:"psi"`
}

// Marshal serializes m including its diagonalized form.
func Marshal(m *Model) ([]byte, error) {
	return modelcodec.Encode(modelcodec.KindPLDA, m.ID, &wire{
		Dim:       m.Dim(),
		YDim:      m.YDim,
		ZDim:      m.ZDim,
		Mean:      m.Mean,
		Between:   linalg.SymData(m.Between),
		Within:    linalg.SymData(m.Within),
		Transform: linalg.DenseData(m.Transform),
		Psi:       m.Psi,
	})
}

// Unmarshal restores a model written by Marshal without re-running the
// diagonalization, so scores are bit-identical to the original.
func Unmarshal(data []byte) (*Model, error) {
	var w wire
	h, err := modelcodec.Decode(data, modelcodec.KindPLDA, &w)
	if err != nil {
		return nil, err
	}
	corrupt := func(what string, err error) error {
		return fmt.Errorf("%w: plda %s: %v", modelcodec.ErrCorrupt, what, err)
	}
	if len(w.Mean) != w.Dim || len(w.Psi) != w.Dim {
		return nil, corrupt("header", fmt.Errorf("dim %d, mean %d, psi %d", w.Dim, len(w.Mean), len(w.Psi)))
	}
	b, err := linalg.SymFromData(w.Dim, w.Between)
	if err != nil {
		return nil, corrupt("between", err)
	}
	wi, err := linalg.SymFromData(w.Dim, w.Within)
	if err != nil {
		return nil, corrupt("within", err)
	}
	t, err := linalg.DenseFromData(w.Dim, w.Dim, w.Transform)
	if err != nil {
		return nil, corrupt("transform", err)
	}
	return &Model{
		ID:        h.ID,
		Mean:      w.Mean,
		Between:   b,
		Within:    wi,
		YDim:      w.YDim,
		ZDim:      w.ZDim,
		Transform: t,
		Psi:       w.Psi,
	}, nil
}
