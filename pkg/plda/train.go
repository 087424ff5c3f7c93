package plda

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/haivivi/svbackend/pkg/linalg"
)

// Config controls Train.
type Config struct {
	// YDim is the rank of the between-speaker loading V. Required.
	YDim int `yaml:"y_dim"`

	// ZDim is the rank kept for the within-speaker covariance. The rest
	// of its spectrum is replaced by an isotropic floor. Zero keeps W
	// full rank.
	ZDim int `yaml:"z_dim"`

	// Iters is the maximum number of EM iterations. Default: 10.
	Iters int `yaml:"iters"`

	// Tolerance stops EM early when the relative change of B and W
	// drops below it. Zero runs all Iters.
	Tolerance float64 `yaml:"tolerance"`
}

func (c *Config) defaults(d int) {
	if c.Iters == 0 {
		c.Iters = 10
	}
	if c.ZDim == 0 {
		c.ZDim = d
	}
}

// Train fits a PLDA model to labeled projected vectors by EM. Vectors
// with an empty label are ignored. For a fixed input order, Config and
// iteration count the result is deterministic.
func Train(xs [][]float64, labels []string, cfg Config, log *slog.Logger) (*Model, error) {
	if log == nil {
		log = slog.Default()
	}
	st, err := linalg.Scatter(xs, labels)
	if err != nil {
		return nil, fmt.Errorf("plda: train: %w", err)
	}
	d := len(st.Mean)
	cfg.defaults(d)
	switch {
	case cfg.YDim < 1 || cfg.YDim > d:
		return nil, fmt.Errorf("%w: y_dim %d out of range [1,%d]", ErrConfig, cfg.YDim, d)
	case cfg.ZDim < 1 || cfg.ZDim > d:
		return nil, fmt.Errorf("%w: z_dim %d out of range [1,%d]", ErrConfig, cfg.ZDim, d)
	case cfg.Iters < 0:
		return nil, fmt.Errorf("%w: negative iteration count", ErrConfig)
	case st.Classes < 2:
		return nil, fmt.Errorf("%w: need at least 2 speakers, got %d", ErrConfig, st.Classes)
	}
	degenerate := func() error {
		return &linalg.DegenerateScatterError{Op: "plda train", Dim: d, Samples: st.Samples, Classes: st.Classes}
	}

	g := linalg.GroupLabels(labels)
	var labeled []int
	for _, spk := range g.Order {
		labeled = append(labeled, g.Members[spk]...)
	}
	mu := linalg.Mean(xs, labeled)

	// Per-speaker counts and centered first-order stats, plus the total
	// centered second-order stats S.
	M := len(g.Order)
	counts := make([]float64, M)
	F := make([]*mat.VecDense, M)
	S := mat.NewSymDense(d, nil)
	diff := mat.NewVecDense(d, nil)
	for i, spk := range g.Order {
		F[i] = mat.NewVecDense(d, nil)
		for _, j := range g.Members[spk] {
			for k := 0; k < d; k++ {
				diff.SetVec(k, xs[j][k]-mu[k])
			}
			F[i].AddVec(F[i], diff)
			S.SymRankOne(S, 1, diff)
		}
		counts[i] = float64(len(g.Members[spk]))
	}
	N := float64(len(labeled))

	// Initialize V from the between-class scatter, W from the within.
	W := mat.NewSymDense(d, nil)
	W.CopySym(st.Within)
	if _, err := linalg.Factor(W); err != nil {
		return nil, degenerate()
	}
	vals, U, err := linalg.TopEigen(st.Between, cfg.YDim)
	if err != nil {
		return nil, fmt.Errorf("plda: init: %w", err)
	}
	floor := 1e-6 * linalg.Trace(W) / float64(d)
	V := mat.NewDense(d, cfg.YDim, nil)
	for k := 0; k < cfg.YDim; k++ {
		s := math.Sqrt(math.Max(vals[k], floor))
		for i := 0; i < d; i++ {
			V.Set(i, k, U.At(i, k)*s)
		}
	}

	B := outer(V)
	for it := 0; it < cfg.Iters; it++ {
		nextV, nextW, err := emStep(V, W, F, counts, S, N)
		if err != nil {
			if errors.Is(err, linalg.ErrSingular) {
				return nil, degenerate()
			}
			return nil, fmt.Errorf("plda: em iteration %d: %w", it, err)
		}
		nextB := outer(nextV)
		delta := relChange(B, nextB) + relChange(W, nextW)
		V, W, B = nextV, nextW, nextB
		log.Debug("plda: em iteration", "iter", it, "delta", delta)
		if cfg.Tolerance > 0 && delta < cfg.Tolerance {
			break
		}
	}

	if cfg.ZDim < d {
		if W, err = reduceRank(W, cfg.ZDim); err != nil {
			return nil, fmt.Errorf("plda: reduce within rank: %w", err)
		}
	}

	m, err := New(mu, B, W, cfg.YDim, cfg.ZDim)
	if err != nil {
		var dse *linalg.DegenerateScatterError
		if errors.As(err, &dse) {
			return nil, degenerate()
		}
		return nil, err
	}
	log.Info("plda: trained model", "dim", d, "y_dim", cfg.YDim, "z_dim", cfg.ZDim,
		"samples", len(labeled), "speakers", M, "psi_max", m.Psi[0])
	return m, nil
}

// emStep runs one E and M step followed by the minimum-divergence
// re-normalization of the latent prior.
func emStep(V *mat.Dense, W *mat.SymDense, F []*mat.VecDense, counts []float64, S *mat.SymDense, N float64) (*mat.Dense, *mat.SymDense, error) {
	d, y := V.Dims()

	chW, err := linalg.Factor(W)
	if err != nil {
		return nil, nil, err
	}
	var WiV mat.Dense // W⁻¹·V
	if err := chW.SolveTo(&WiV, V); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", linalg.ErrSingular, err)
	}
	var VtWiV mat.Dense
	VtWiV.Mul(V.T(), &WiV)

	Ryy := mat.NewDense(y, y, nil)
	C := mat.NewDense(d, y, nil)
	sumEy := mat.NewVecDense(y, nil)
	sumEyy := mat.NewDense(y, y, nil)

	L := mat.NewSymDense(y, nil)
	var Linv mat.SymDense
	var b, Ey mat.VecDense
	var Eyy, tmp mat.Dense
	for i, f := range F {
		n := counts[i]
		for r := 0; r < y; r++ {
			for c := r; c < y; c++ {
				v := n * 0.5 * (VtWiV.At(r, c) + VtWiV.At(c, r))
				if r == c {
					v++
				}
				L.SetSym(r, c, v)
			}
		}
		var chL mat.Cholesky
		if ok := chL.Factorize(L); !ok {
			return nil, nil, linalg.ErrSingular
		}
		if err := chL.InverseTo(&Linv); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", linalg.ErrSingular, err)
		}
		b.MulVec(WiV.T(), f)
		Ey.MulVec(&Linv, &b)

		Eyy.Outer(1, &Ey, &Ey)
		Eyy.Add(&Eyy, &Linv)

		tmp.Scale(n, &Eyy)
		Ryy.Add(Ryy, &tmp)
		tmp.Reset()
		tmp.Outer(1, f, &Ey)
		C.Add(C, &tmp)
		tmp.Reset()

		sumEy.AddVec(sumEy, &Ey)
		sumEyy.Add(sumEyy, &Eyy)
		Eyy.Reset()
	}

	// V = C·Ryy⁻¹, computed as (Ryy⁻¹·Cᵀ)ᵀ.
	var chR mat.Cholesky
	if ok := chR.Factorize(linalg.Symmetrize(Ryy)); !ok {
		return nil, nil, linalg.ErrSingular
	}
	var Vt mat.Dense
	if err := chR.SolveTo(&Vt, C.T()); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", linalg.ErrSingular, err)
	}
	nextV := mat.DenseCopyOf(Vt.T())

	// W = (S - V·Cᵀ)/N.
	var VCt mat.Dense
	VCt.Mul(nextV, C.T())
	var Wd mat.Dense
	Wd.Sub(S, &VCt)
	Wd.Scale(1/N, &Wd)
	nextW := linalg.Symmetrize(&Wd)

	// Minimum divergence: whiten the empirical latent prior so that
	// y ~ N(0, I) holds again.
	M := float64(len(F))
	var Rmd mat.Dense
	Rmd.Scale(1/M, sumEyy)
	var ybar mat.VecDense
	ybar.ScaleVec(1/M, sumEy)
	var yy mat.Dense
	yy.Outer(1, &ybar, &ybar)
	Rmd.Sub(&Rmd, &yy)
	var chMD mat.Cholesky
	if ok := chMD.Factorize(linalg.Symmetrize(&Rmd)); ok {
		var l mat.TriDense
		chMD.LTo(&l)
		var VL mat.Dense
		VL.Mul(nextV, &l)
		nextV = &VL
	}
	return nextV, nextW, nil
}

func outer(V *mat.Dense) *mat.SymDense {
	d, _ := V.Dims()
	B := mat.NewSymDense(d, nil)
	B.SymOuterK(1, V)
	return B
}

func relChange(a, b *mat.SymDense) float64 {
	var diff mat.Dense
	diff.Sub(a, b)
	den := mat.Norm(a, 2)
	if den == 0 {
		return mat.Norm(&diff, 2)
	}
	return mat.Norm(&diff, 2) / den
}

// reduceRank keeps the top k eigen-directions of W and replaces the
// remaining spectrum by its mean, the maximum likelihood factor form
// W ≈ U·(Λ - σ²I)·Uᵀ + σ²I.
func reduceRank(W *mat.SymDense, k int) (*mat.SymDense, error) {
	d, _ := W.Dims()
	var es mat.EigenSym
	if ok := es.Factorize(W, false); !ok {
		return nil, errors.New("eigen decomposition did not converge")
	}
	all := es.Values(nil) // ascending
	var rest float64
	for i := 0; i < d-k; i++ {
		rest += all[i]
	}
	sigma2 := rest / float64(d-k)
	if sigma2 <= 0 {
		return nil, linalg.ErrSingular
	}
	vals, U, err := linalg.TopEigen(W, k)
	if err != nil {
		return nil, err
	}
	out := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		out.SetSym(i, i, sigma2)
	}
	col := mat.NewVecDense(d, nil)
	for j := 0; j < k; j++ {
		for i := 0; i < d; i++ {
			col.SetVec(i, U.At(i, j))
		}
		out.SymRankOne(out, vals[j]-sigma2, col)
	}
	return out, nil
}
