// Package lda learns and applies the linear projection in front of the
// discriminant model: linear discriminant analysis down to a configured
// dimension, then length normalization.
//
// Fit solves Sb·v = λ·Sw·v and keeps the eigenvectors of the d largest
// eigenvalues, so the columns of the projection are the d most
// discriminative directions in decreasing order. Columns are
// orthonormal in the within-class metric (Pᵀ·Sw·P = I), which leaves
// the projected within-class scatter white.
//
// Apply centers on the training mean, projects, and rescales the result
// to length Scale (1 by default), so downstream comparisons do not
// depend on the embedding norm.
package lda

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/haivivi/svbackend/pkg/linalg"
	"github.com/haivivi/svbackend/pkg/modelcodec"
)

// Sentinel errors.
var (
	// ErrDimension matches every *DimensionError.
	ErrDimension = errors.New("lda: input dimension mismatch")

	// ErrConfig is returned for an unusable Config.
	ErrConfig = errors.New("lda: invalid config")
)

// DimensionError reports a vector whose length differs from the
// projection's fixed input dimension. Re-applying a projection to its
// own output fails this way whenever d < D.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("lda: vector has %d components, projection expects %d", e.Got, e.Want)
}

func (e *DimensionError) Is(target error) bool {
	return target == ErrDimension
}

// Config controls Fit.
type Config struct {
	// Dim is the output dimension d. Must satisfy 1 <= d <= D.
	Dim int `yaml:"dim"`

	// Shrinkage adds Shrinkage·tr(Sw)/D to the diagonal of the
	// within-class scatter. Zero disables regularization.
	Shrinkage float64 `yaml:"shrinkage"`

	// Scale is the length of applied vectors. Default: 1.
	Scale float64 `yaml:"scale"`
}

func (c *Config) defaults() {
	if c.Scale == 0 {
		c.Scale = 1
	}
}

// Projection is a fitted LDA + length-norm transform. Immutable after
// Fit or Unmarshal.
//
// Matrix columns are orthonormal in the within-class metric
// (Matrixᵀ·Sw·Matrix = I), ordered by falling eigenvalue, so projected
// data has unit within-class covariance.
type Projection struct {
	ID          uuid.UUID
	Mean        []float64  // D
	Matrix      *mat.Dense // D×d
	Scale       float64
	Eigenvalues []float64 // d, between/within ratio per direction
}

// InputDim returns D.
func (p *Projection) InputDim() int { return len(p.Mean) }

// OutputDim returns d.
func (p *Projection) OutputDim() int {
	_, d := p.Matrix.Dims()
	return d
}

// Fit learns a projection from labeled embeddings. Unlabeled vectors
// (empty label) contribute to the mean only. It fails with a
// *linalg.DegenerateScatterError when the within-class scatter cannot be
// inverted; retry with Shrinkage > 0.
func Fit(xs [][]float64, labels []string, cfg Config, log *slog.Logger) (*Projection, error) {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	st, err := linalg.Scatter(xs, labels)
	if err != nil {
		return nil, fmt.Errorf("lda: fit: %w", err)
	}
	D := len(st.Mean)
	if cfg.Dim < 1 || cfg.Dim > D {
		return nil, fmt.Errorf("%w: dim %d out of range [1,%d]", ErrConfig, cfg.Dim, D)
	}
	if cfg.Shrinkage < 0 {
		return nil, fmt.Errorf("%w: negative shrinkage %g", ErrConfig, cfg.Shrinkage)
	}
	if st.Classes < 2 {
		return nil, fmt.Errorf("%w: need at least 2 speakers, got %d", ErrConfig, st.Classes)
	}
	if cfg.Dim > st.Classes-1 {
		log.Warn("lda: output dim exceeds speakers-1, trailing directions carry no between-class variance",
			"dim", cfg.Dim, "speakers", st.Classes)
	}

	degenerate := &linalg.DegenerateScatterError{
		Op: "lda fit", Dim: D, Samples: st.Samples, Classes: st.Classes,
	}
	sw := mat.NewSymDense(D, nil)
	sw.CopySym(st.Within)
	if cfg.Shrinkage > 0 {
		linalg.AddRidge(sw, cfg.Shrinkage*linalg.Trace(sw)/float64(D))
	} else if st.Samples-st.Classes < D {
		// Rank of Sw is at most samples-classes.
		return nil, degenerate
	}

	vals, vecs, err := linalg.GeneralizedEigen(st.Between, sw)
	if err != nil {
		if errors.Is(err, linalg.ErrSingular) {
			if ch, ferr := linalg.Factor(sw); ferr == nil {
				degenerate.Cond = ch.Cond()
			}
			return nil, degenerate
		}
		return nil, fmt.Errorf("lda: fit: %w", err)
	}

	p := &Projection{
		ID:          uuid.New(),
		Mean:        st.Mean,
		Matrix:      mat.DenseCopyOf(vecs.Slice(0, D, 0, cfg.Dim)),
		Scale:       cfg.Scale,
		Eigenvalues: vals[:cfg.Dim:cfg.Dim],
	}
	log.Info("lda: fitted projection", "in", D, "out", cfg.Dim,
		"samples", st.Samples, "speakers", st.Classes, "top_eig", vals[0])
	return p, nil
}

// Apply centers, projects and length-normalizes x.
func (p *Projection) Apply(x []float64) ([]float64, error) {
	if len(x) != len(p.Mean) {
		return nil, &DimensionError{Want: len(p.Mean), Got: len(x)}
	}
	c := make([]float64, len(x))
	for i := range x {
		c[i] = x[i] - p.Mean[i]
	}
	y := linalg.MulTVec(p.Matrix, c)
	n := linalg.Norm(y)
	if n == 0 {
		return y, nil
	}
	f := p.Scale / n
	for i := range y {
		y[i] *= f
	}
	return y, nil
}

// ApplyAll applies the projection to every vector.
func (p *Projection) ApplyAll(xs [][]float64) ([][]float64, error) {
	out := make([][]float64, len(xs))
	for i, x := range xs {
		y, err := p.Apply(x)
		if err != nil {
			return nil, fmt.Errorf("lda: vector %d: %w", i, err)
		}
		out[i] = y
	}
	return out, nil
}

type wire struct {
	InputDim    int       `msgpack:"in"`
	OutputDim   int       `msgpack:"out"`
	Mean        []float64 `msgpack:"mean"`
	Matrix      []float64 `msgpack:"matrix"`
	Scale       float64   `msgpack:"scale"`
	Eigenvalues []float64 `msgpack:"eig"`
}

// Marshal serializes p.
func Marshal(p *Projection) ([]byte, error) {
	return modelcodec.Encode(modelcodec.KindProjection, p.ID, &wire{
		InputDim:    p.InputDim(),
		OutputDim:   p.OutputDim(),
		Mean:        p.Mean,
		Matrix:      linalg.DenseData(p.Matrix),
		Scale:       p.Scale,
		Eigenvalues: p.Eigenvalues,
	})
}

// Unmarshal restores a projection written by Marshal.
func Unmarshal(data []byte) (*Projection, error) {
	var w wire
	h, err := modelcodec.Decode(data, modelcodec.KindProjection, &w)
	if err != nil {
		return nil, err
	}
	if len(w.Mean) != w.InputDim {
		return nil, fmt.Errorf("%w: projection mean has %d values, want %d", modelcodec.ErrCorrupt, len(w.Mean), w.InputDim)
	}
	m, err := linalg.DenseFromData(w.InputDim, w.OutputDim, w.Matrix)
	if err != nil {
		return nil, fmt.Errorf("%w: projection matrix: %v", modelcodec.ErrCorrupt, err)
	}
	return &Projection{
		ID:          h.ID,
		Mean:        w.Mean,
		Matrix:      m,
		Scale:       w.Scale,
		Eigenvalues: w.Eigenvalues,
	}, nil
}
