// Package linalg holds the dense linear algebra shared by the backend
// stages: class statistics, scatter matrices and the symmetric-definite
// generalized eigenproblem used by LDA and by PLDA diagonalization.
//
// Vectors cross package boundaries as []float64. Matrices are gonum
// types internally and row-major []float64 when serialized.
package linalg

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// MaxCond is the largest condition number accepted for a matrix that
// must be inverted (within-class scatter, noise covariance).
const MaxCond = 1e12

// Sentinel errors.
var (
	// ErrSingular is returned when a matrix that must be positive
	// definite is singular or too badly conditioned to factorize.
	ErrSingular = errors.New("linalg: matrix is singular")

	// ErrDegenerateScatter matches every *DegenerateScatterError.
	ErrDegenerateScatter = errors.New("linalg: degenerate scatter")

	// ErrEmpty is returned for statistics over zero vectors.
	ErrEmpty = errors.New("linalg: no vectors")

	// ErrDimension is returned when vectors of different lengths are mixed.
	ErrDimension = errors.New("linalg: dimension mismatch")
)

// DegenerateScatterError reports a within-class scatter (or noise
// covariance) that cannot be inverted, usually because there are too
// few speakers or utterances for the dimension. Callers regularize
// (shrinkage) and retry.
type DegenerateScatterError struct {
	Op      string // e.g. "lda fit", "plda train"
	Dim     int
	Samples int
	Classes int
	Cond    float64 // 0 when the factorization failed outright
}

func (e *DegenerateScatterError) Error() string {
	s := fmt.Sprintf("%s: degenerate within-class scatter (dim %d, %d samples, %d classes",
		e.Op, e.Dim, e.Samples, e.Classes)
	if e.Cond > 0 {
		s += fmt.Sprintf(", cond %.3g", e.Cond)
	}
	return s + ")"
}

func (e *DegenerateScatterError) Is(target error) bool {
	return target == ErrDegenerateScatter
}

// Groups maps each distinct non-empty label to the indices carrying it.
// Order lists the labels sorted, so iteration is deterministic.
type Groups struct {
	Order   []string
	Members map[string][]int
}

// GroupLabels groups indices by label. Empty labels are skipped.
func GroupLabels(labels []string) Groups {
	g := Groups{Members: make(map[string][]int)}
	for i, l := range labels {
		if l == "" {
			continue
		}
		if _, ok := g.Members[l]; !ok {
			g.Order = append(g.Order, l)
		}
		g.Members[l] = append(g.Members[l], i)
	}
	sort.Strings(g.Order)
	return g
}

// Dim returns the common length of xs, or an error if they differ.
func Dim(xs [][]float64) (int, error) {
	if len(xs) == 0 {
		return 0, ErrEmpty
	}
	d := len(xs[0])
	for i, x := range xs {
		if len(x) != d {
			return 0, fmt.Errorf("%w: vector %d has %d components, want %d", ErrDimension, i, len(x), d)
		}
	}
	return d, nil
}

// Mean returns the average of the vectors at idx (all vectors if idx is nil).
func Mean(xs [][]float64, idx []int) []float64 {
	if idx == nil {
		idx = make([]int, len(xs))
		for i := range idx {
			idx[i] = i
		}
	}
	if len(idx) == 0 {
		return nil
	}
	m := make([]float64, len(xs[idx[0]]))
	for _, i := range idx {
		for k, v := range xs[i] {
			m[k] += v
		}
	}
	inv := 1 / float64(len(idx))
	for k := range m {
		m[k] *= inv
	}
	return m
}

// Norm returns the Euclidean length of x.
func Norm(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v * v
	}
	return math.Sqrt(s)
}

// ClassStats holds the statistics of a labeled vector set. Scatter
// matrices are normalized by the number of labeled samples.
type ClassStats struct {
	Mean      []float64     // mean over every vector, labeled or not
	Between   *mat.SymDense // covariance of class means around the labeled mean
	Within    *mat.SymDense // pooled within-class covariance
	Samples   int           // labeled samples
	Classes   int
	Unlabeled int
}

// Scatter computes the global mean plus between- and within-class
// scatter. Vectors with an empty label count toward Mean only.
func Scatter(xs [][]float64, labels []string) (*ClassStats, error) {
	d, err := Dim(xs)
	if err != nil {
		return nil, err
	}
	if len(labels) != len(xs) {
		return nil, fmt.Errorf("linalg: %d labels for %d vectors", len(labels), len(xs))
	}
	g := GroupLabels(labels)
	st := &ClassStats{
		Mean:    Mean(xs, nil),
		Between: mat.NewSymDense(d, nil),
		Within:  mat.NewSymDense(d, nil),
		Classes: len(g.Order),
	}
	var labeled []int
	for _, spk := range g.Order {
		labeled = append(labeled, g.Members[spk]...)
	}
	st.Samples = len(labeled)
	st.Unlabeled = len(xs) - len(labeled)
	if st.Samples == 0 {
		return st, nil
	}
	mu := Mean(xs, labeled)

	diff := mat.NewVecDense(d, nil)
	for _, spk := range g.Order {
		idx := g.Members[spk]
		mk := Mean(xs, idx)
		for k := range mk {
			diff.SetVec(k, mk[k]-mu[k])
		}
		st.Between.SymRankOne(st.Between, float64(len(idx)), diff)
		for _, i := range idx {
			for k := range mk {
				diff.SetVec(k, xs[i][k]-mk[k])
			}
			st.Within.SymRankOne(st.Within, 1, diff)
		}
	}
	inv := 1 / float64(st.Samples)
	st.Between.ScaleSym(inv, st.Between)
	st.Within.ScaleSym(inv, st.Within)
	return st, nil
}

// Covariance returns the (biased) covariance of xs around mean.
func Covariance(xs [][]float64, mean []float64) *mat.SymDense {
	d := len(mean)
	c := mat.NewSymDense(d, nil)
	diff := mat.NewVecDense(d, nil)
	for _, x := range xs {
		for k := range mean {
			diff.SetVec(k, x[k]-mean[k])
		}
		c.SymRankOne(c, 1, diff)
	}
	if len(xs) > 0 {
		c.ScaleSym(1/float64(len(xs)), c)
	}
	return c
}

// Symmetrize returns (m + mᵀ)/2 as a SymDense.
func Symmetrize(m mat.Matrix) *mat.SymDense {
	r, _ := m.Dims()
	s := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			s.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return s
}

// AddRidge adds lambda·I to s in place.
func AddRidge(s *mat.SymDense, lambda float64) {
	n, _ := s.Dims()
	for i := 0; i < n; i++ {
		s.SetSym(i, i, s.At(i, i)+lambda)
	}
}

// Trace returns the trace of a square matrix.
func Trace(m mat.Matrix) float64 {
	n, _ := m.Dims()
	var t float64
	for i := 0; i < n; i++ {
		t += m.At(i, i)
	}
	return t
}

// Factor returns the Cholesky factorization of s, or ErrSingular if s
// is not positive definite or its condition number exceeds MaxCond.
func Factor(s *mat.SymDense) (*mat.Cholesky, error) {
	var ch mat.Cholesky
	if ok := ch.Factorize(s); !ok {
		return nil, ErrSingular
	}
	if c := ch.Cond(); math.IsInf(c, 0) || math.IsNaN(c) || c > MaxCond {
		return nil, fmt.Errorf("%w (cond %.3g)", ErrSingular, c)
	}
	return &ch, nil
}

// GeneralizedEigen solves a·v = λ·b·v for symmetric a and symmetric
// positive definite b. Eigenvalues are returned in descending order and
// the columns of the returned matrix are b-orthonormal (Vᵀ·b·V = I).
// Each column's largest-magnitude component is made positive so the
// result does not depend on solver sign choices.
func GeneralizedEigen(a, b *mat.SymDense) ([]float64, *mat.Dense, error) {
	ch, err := Factor(b)
	if err != nil {
		return nil, nil, err
	}
	n, _ := a.Dims()

	var l, linv mat.TriDense
	ch.LTo(&l)
	if err := linv.InverseTri(&l); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}

	// c = L⁻¹·a·L⁻ᵀ is symmetric with the same eigenvalues.
	var tmp, c mat.Dense
	tmp.Mul(&linv, a)
	c.Mul(&tmp, linv.T())

	var es mat.EigenSym
	if ok := es.Factorize(Symmetrize(&c), true); !ok {
		return nil, nil, errors.New("linalg: eigen decomposition did not converge")
	}
	vals := es.Values(nil)
	var u mat.Dense
	es.VectorsTo(&u)

	var v mat.Dense
	v.Mul(linv.T(), &u)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return vals[order[i]] > vals[order[j]] })

	outVals := make([]float64, n)
	out := mat.NewDense(n, n, nil)
	for dst, src := range order {
		outVals[dst] = vals[src]
		col := mat.Col(nil, src, &v)
		fixSign(col)
		out.SetCol(dst, col)
	}
	return outVals, out, nil
}

// TopEigen returns the k largest eigenvalues of s (descending) with the
// matching orthonormal eigenvectors as columns.
func TopEigen(s *mat.SymDense, k int) ([]float64, *mat.Dense, error) {
	n, _ := s.Dims()
	if k <= 0 || k > n {
		return nil, nil, fmt.Errorf("linalg: rank %d out of range [1,%d]", k, n)
	}
	var es mat.EigenSym
	if ok := es.Factorize(s, true); !ok {
		return nil, nil, errors.New("linalg: eigen decomposition did not converge")
	}
	vals := es.Values(nil)
	var u mat.Dense
	es.VectorsTo(&u)

	outVals := make([]float64, k)
	out := mat.NewDense(n, k, nil)
	for dst := 0; dst < k; dst++ {
		src := n - 1 - dst
		outVals[dst] = vals[src]
		col := mat.Col(nil, src, &u)
		fixSign(col)
		out.SetCol(dst, col)
	}
	return outVals, out, nil
}

func fixSign(col []float64) {
	best := 0
	for i, v := range col {
		if math.Abs(v) > math.Abs(col[best]) {
			best = i
		}
	}
	if col[best] < 0 {
		for i := range col {
			col[i] = -col[i]
		}
	}
}

// MulVec returns m·x.
func MulVec(m mat.Matrix, x []float64) []float64 {
	r, _ := m.Dims()
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(len(x), slices.Clone(x)))
	res := make([]float64, r)
	for i := range res {
		res[i] = out.AtVec(i)
	}
	return res
}

// MulTVec returns mᵀ·x.
func MulTVec(m mat.Matrix, x []float64) []float64 {
	return MulVec(m.T(), x)
}

// SymData flattens s into a row-major n×n slice.
func SymData(s *mat.SymDense) []float64 {
	n, _ := s.Dims()
	out := make([]float64, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out = append(out, s.At(i, j))
		}
	}
	return out
}

// SymFromData rebuilds an n×n SymDense from a row-major slice, reading
// the upper triangle.
func SymFromData(n int, data []float64) (*mat.SymDense, error) {
	if len(data) != n*n {
		return nil, fmt.Errorf("%w: %d values for %dx%d matrix", ErrDimension, len(data), n, n)
	}
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, data[i*n+j])
		}
	}
	return s, nil
}

// DenseData flattens m into a row-major slice.
func DenseData(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}

// DenseFromData rebuilds an r×c Dense from a row-major slice.
func DenseFromData(r, c int, data []float64) (*mat.Dense, error) {
	if len(data) != r*c {
		return nil, fmt.Errorf("%w: %d values for %dx%d matrix", ErrDimension, len(data), r, c)
	}
	return mat.NewDense(r, c, slices.Clone(data)), nil
}

// Lerp returns (1-w)·a + w·b elementwise.
func Lerp(a, b []float64, w float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = (1-w)*a[i] + w*b[i]
	}
	return out
}

// LerpSym returns (1-w)·a + w·b.
func LerpSym(a, b *mat.SymDense, w float64) *mat.SymDense {
	n, _ := a.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, (1-w)*a.At(i, j)+w*b.At(i, j))
		}
	}
	return out
}
