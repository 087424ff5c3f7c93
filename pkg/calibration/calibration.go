// Package calibration maps raw or normalized scores to calibrated
// log-likelihood ratios with prior-weighted logistic regression, and
// fuses the scores of two domains into one decision score.
//
// A Model is an affine map s' = w·s + b over one input (calibration) or
// several (fusion). It is fitted by minimizing the cross-entropy of the
// labeled training scores at a fixed target prior, so s' can be read as
// an LLR. Every Model carries the domain tag it was trained for; applying
// it to scores of another domain fails with *DomainMismatchError.
package calibration

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/haivivi/svbackend/pkg/modelcodec"
	"github.com/haivivi/svbackend/pkg/scoring"
)

// DefaultPrior is the target prior used when Config.Prior is zero.
const DefaultPrior = 0.5

// Sentinel errors.
var (
	// ErrDomainMismatch matches every *DomainMismatchError.
	ErrDomainMismatch = errors.New("calibration: domain mismatch")

	ErrInputs = errors.New("calibration: wrong number of inputs")
	ErrData   = errors.New("calibration: insufficient training scores")
	ErrConfig = errors.New("calibration: invalid config")
)

// DomainMismatchError reports a model applied outside the domain it was
// trained for.
type DomainMismatchError struct {
	Want string
	Got  string
}

func (e *DomainMismatchError) Error() string {
	return fmt.Sprintf("calibration: model trained for domain %q applied to %q", e.Want, e.Got)
}

func (e *DomainMismatchError) Is(target error) bool {
	return target == ErrDomainMismatch
}

// Config controls fitting.
type Config struct {
	// Prior is the target prior the cross-entropy is weighted at.
	// Default: DefaultPrior.
	Prior float64 `yaml:"prior"`

	// Ridge is an L2 penalty on the weights (not the bias).
	Ridge float64 `yaml:"ridge"`

	// Iters caps Newton iterations. Default: 50.
	Iters int `yaml:"iters"`
}

func (c *Config) defaults() {
	if c.Prior == 0 {
		c.Prior = DefaultPrior
	}
	if c.Iters == 0 {
		c.Iters = 50
	}
}

// Model is a fitted calibration or fusion map.
type Model struct {
	ID      uuid.UUID
	Domain  string   // tag checked by Apply
	Inputs  []string // domain of each input, in weight order
	Weights []float64
	Bias    float64
	Prior   float64
}

// FusedDomain is the tag of a model fusing the given domains.
func FusedDomain(inputs ...string) string {
	return strings.Join(inputs, "+")
}

// Apply maps one score per input to a calibrated LLR.
func (m *Model) Apply(domain string, scores ...float64) (float64, error) {
	if domain != m.Domain {
		return 0, &DomainMismatchError{Want: m.Domain, Got: domain}
	}
	if len(scores) != len(m.Weights) {
		return 0, fmt.Errorf("%w: model %q takes %d, got %d", ErrInputs, m.Domain, len(m.Weights), len(scores))
	}
	return m.apply(scores), nil
}

func (m *Model) apply(scores []float64) float64 {
	s := m.Bias
	for i, w := range m.Weights {
		s += w * scores[i]
	}
	return s
}

// ApplyScores calibrates a single-input score layer into a new layer.
func (m *Model) ApplyScores(domain string, in []scoring.Score) ([]scoring.Score, error) {
	if domain != m.Domain {
		return nil, &DomainMismatchError{Want: m.Domain, Got: domain}
	}
	if len(m.Weights) != 1 {
		return nil, fmt.Errorf("%w: model %q takes %d inputs", ErrInputs, m.Domain, len(m.Weights))
	}
	out := make([]scoring.Score, len(in))
	for i, s := range in {
		s.Value = m.Weights[0]*s.Value + m.Bias
		out[i] = s
	}
	return out, nil
}

// Fit trains a single-input calibration for domain from target and
// non-target scores.
func Fit(domain string, tar, non []float64, cfg Config, log *slog.Logger) (*Model, error) {
	t := make([][]float64, len(tar))
	for i, s := range tar {
		t[i] = []float64{s}
	}
	n := make([][]float64, len(non))
	for i, s := range non {
		n[i] = []float64{s}
	}
	return fit(domain, []string{domain}, t, n, cfg, log)
}

// FitFusion trains a fusion over the given input domains. Each row of
// tar and non holds one score per input, in inputs order.
func FitFusion(inputs []string, tar, non [][]float64, cfg Config, log *slog.Logger) (*Model, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("%w: fusion needs at least 2 inputs", ErrInputs)
	}
	return fit(FusedDomain(inputs...), inputs, tar, non, cfg, log)
}

// fit minimizes
//
//	P/Nt·Σ softplus(-(w·s+b+logit P)) + (1-P)/Nn·Σ softplus(w·s+b+logit P) + ½λ|w|²
//
// by damped Newton iterations on θ = (w, b).
func fit(domain string, inputs []string, tar, non [][]float64, cfg Config, log *slog.Logger) (*Model, error) {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	if !(cfg.Prior > 0 && cfg.Prior < 1) || cfg.Ridge < 0 || cfg.Iters < 0 {
		return nil, fmt.Errorf("%w: prior %g, ridge %g, iters %d", ErrConfig, cfg.Prior, cfg.Ridge, cfg.Iters)
	}
	if len(tar) == 0 || len(non) == 0 {
		return nil, fmt.Errorf("%w: %d targets, %d non-targets", ErrData, len(tar), len(non))
	}
	k := len(inputs)
	for _, rows := range [][][]float64{tar, non} {
		for _, r := range rows {
			if len(r) != k {
				return nil, fmt.Errorf("%w: row has %d scores, want %d", ErrInputs, len(r), k)
			}
		}
	}

	obj := objective{
		tar: tar, non: non, k: k,
		lo:    math.Log(cfg.Prior / (1 - cfg.Prior)),
		wt:    cfg.Prior / float64(len(tar)),
		wn:    (1 - cfg.Prior) / float64(len(non)),
		ridge: cfg.Ridge,
	}
	theta := make([]float64, k+1)
	for i := 0; i < k; i++ {
		theta[i] = 1
	}
	loss := obj.loss(theta)
	iters := 0
	for ; iters < cfg.Iters; iters++ {
		step, err := obj.newton(theta)
		if err != nil {
			return nil, fmt.Errorf("calibration: newton step: %w", err)
		}
		// Halve until the loss does not increase.
		next := make([]float64, len(theta))
		improved := false
		for f := 1.0; f > 1e-10; f /= 2 {
			for i := range theta {
				next[i] = theta[i] - f*step[i]
			}
			if l := obj.loss(next); l <= loss {
				improved = loss-l > 1e-14*math.Max(1, loss)
				theta, loss = append(theta[:0:0], next...), l
				break
			}
		}
		if !improved {
			break
		}
	}

	m := &Model{
		ID:      uuid.New(),
		Domain:  domain,
		Inputs:  append([]string(nil), inputs...),
		Weights: theta[:k:k],
		Bias:    theta[k],
		Prior:   cfg.Prior,
	}
	log.Info("calibration: fitted", "model_domain", domain, "targets", len(tar), "non_targets", len(non),
		"weights", m.Weights, "bias", m.Bias, "loss_bits", loss/math.Ln2, "iters", iters)
	return m, nil
}

type objective struct {
	tar, non [][]float64
	k        int
	lo       float64
	wt, wn   float64
	ridge    float64
}

func (o *objective) affine(theta, s []float64) float64 {
	a := theta[o.k] + o.lo
	for i := 0; i < o.k; i++ {
		a += theta[i] * s[i]
	}
	return a
}

func (o *objective) loss(theta []float64) float64 {
	var l float64
	for _, s := range o.tar {
		l += o.wt * softplus(-o.affine(theta, s))
	}
	for _, s := range o.non {
		l += o.wn * softplus(o.affine(theta, s))
	}
	for i := 0; i < o.k; i++ {
		l += 0.5 * o.ridge * theta[i] * theta[i]
	}
	return l
}

// newton returns H⁻¹·g at theta.
func (o *objective) newton(theta []float64) ([]float64, error) {
	n := o.k + 1
	g := mat.NewVecDense(n, nil)
	h := mat.NewSymDense(n, nil)
	x := mat.NewVecDense(n, nil)
	acc := func(s []float64, weight, resid, curv float64) {
		for i := 0; i < o.k; i++ {
			x.SetVec(i, s[i])
		}
		x.SetVec(o.k, 1)
		g.AddScaledVec(g, weight*resid, x)
		h.SymRankOne(h, weight*curv, x)
	}
	for _, s := range o.tar {
		p := sigmoid(o.affine(theta, s))
		acc(s, o.wt, p-1, p*(1-p))
	}
	for _, s := range o.non {
		p := sigmoid(o.affine(theta, s))
		acc(s, o.wn, p, p*(1-p))
	}
	// Small diagonal floor: H stays positive definite on separable data.
	const floor = 1e-9
	for i := 0; i < n; i++ {
		d := floor
		if i < o.k {
			g.SetVec(i, g.AtVec(i)+o.ridge*theta[i])
			d += o.ridge
		}
		h.SetSym(i, i, h.At(i, i)+d)
	}
	var ch mat.Cholesky
	if !ch.Factorize(h) {
		return nil, errors.New("hessian not positive definite")
	}
	step := mat.NewVecDense(n, nil)
	if err := ch.SolveVecTo(step, g); err != nil {
		return nil, err
	}
	return step.RawVector().Data, nil
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

type wire struct {
	Domain  string    `msgpack:"domain"`
	Inputs  []string  `msgpack:"inputs"`
	Weights []float64 `msgpack:"weights"`
	Bias    float64   `msgpack:"bias"`
	Prior   float64   `msgpack:"prior"`
}

// Marshal serializes m.
func Marshal(m *Model) ([]byte, error) {
	return modelcodec.Encode(modelcodec.KindCalibration, m.ID, &wire{
		Domain:  m.Domain,
		Inputs:  m.Inputs,
		Weights: m.Weights,
		Bias:    m.Bias,
		Prior:   m.Prior,
	})
}

// Unmarshal restores a model written by Marshal.
func Unmarshal(data []byte) (*Model, error) {
	var w wire
	h, err := modelcodec.Decode(data, modelcodec.KindCalibration, &w)
	if err != nil {
		return nil, err
	}
	if len(w.Weights) == 0 || len(w.Weights) != len(w.Inputs) {
		return nil, fmt.Errorf("%w: calibration has %d weights for %d inputs", modelcodec.ErrCorrupt, len(w.Weights), len(w.Inputs))
	}
	return &Model{
		ID:      h.ID,
		Domain:  w.Domain,
		Inputs:  w.Inputs,
		Weights: w.Weights,
		Bias:    w.Bias,
		Prior:   w.Prior,
	}, nil
}
