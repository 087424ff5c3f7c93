// Package adapt derives in-domain PLDA models by convex interpolation
// of an out-of-domain model with statistics estimated on in-domain data.
//
// Each parameter is interpolated separately:
//
//	μ' = (1-w_μ)·μ + w_μ·μ_in
//	B' = (1-w_B)·B + w_B·B_in
//	W' = (1-w_W)·W + w_W·W_in
//
// A Plan chains up to several passes (typically a broad in-domain
// corpus, then a narrow subset). How the second pass combines with the
// first is a Policy; see Cascaded and Rebased.
package adapt

import (
	"errors"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"github.com/haivivi/svbackend/pkg/linalg"
	"github.com/haivivi/svbackend/pkg/plda"
)

// DefaultMinSpeakers is the speaker floor used when a Plan or
// EstimateConfig leaves MinSpeakers at zero.
const DefaultMinSpeakers = 20

// Sentinel errors.
var (
	// ErrInsufficientData matches every *InsufficientInDomainDataError.
	ErrInsufficientData = errors.New("adapt: insufficient in-domain data")

	ErrWeights   = errors.New("adapt: invalid weights")
	ErrDimension = errors.New("adapt: dimension mismatch")
	ErrPolicy    = errors.New("adapt: unknown policy")
)

// InsufficientInDomainDataError reports in-domain data with fewer
// distinct speakers than required for a stable covariance estimate.
type InsufficientInDomainDataError struct {
	Pass     string
	Speakers int
	Min      int
}

func (e *InsufficientInDomainDataError) Error() string {
	pass := ""
	if e.Pass != "" {
		pass = " in pass " + e.Pass
	}
	return fmt.Sprintf("adapt: %d in-domain speakers%s, need at least %d", e.Speakers, pass, e.Min)
}

func (e *InsufficientInDomainDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

// Weights are the interpolation weights of one pass, each in [0,1].
// Zero keeps the out-of-domain value, one takes the in-domain value.
type Weights struct {
	Mean    float64 `yaml:"mean"`
	Between float64 `yaml:"between"`
	Within  float64 `yaml:"within"`
}

func (w Weights) validate() error {
	for _, v := range []struct {
		name string
		w    float64
	}{{"mean", w.Mean}, {"between", w.Between}, {"within", w.Within}} {
		if !(v.w >= 0 && v.w <= 1) {
			return fmt.Errorf("%w: %s weight %g outside [0,1]", ErrWeights, v.name, v.w)
		}
	}
	return nil
}

// Stats are in-domain estimates in the model's (projected) space.
type Stats struct {
	Mean     []float64
	Between  *mat.SymDense
	Within   *mat.SymDense
	Speakers int
	Samples  int
}

// EstimateConfig controls Estimate.
type EstimateConfig struct {
	// MinSpeakers is the number of distinct labeled speakers required.
	// Default: DefaultMinSpeakers.
	MinSpeakers int

	// MaxSpeakers caps how many speakers (in sorted id order) feed the
	// covariance estimates. Zero means no cap.
	MaxSpeakers int

	// Pass names the estimate in errors and logs.
	Pass string
}

// Estimate computes in-domain statistics. Labeled vectors give the
// between- and within-speaker covariances; every retained vector,
// labeled or not, contributes to the mean.
func Estimate(xs [][]float64, labels []string, cfg EstimateConfig) (*Stats, error) {
	if cfg.MinSpeakers == 0 {
		cfg.MinSpeakers = DefaultMinSpeakers
	}
	if len(labels) != len(xs) {
		return nil, fmt.Errorf("adapt: %d labels for %d vectors", len(labels), len(xs))
	}
	if cfg.MaxSpeakers > 0 {
		xs, labels = capSpeakers(xs, labels, cfg.MaxSpeakers)
	}
	g := linalg.GroupLabels(labels)
	if len(g.Order) < cfg.MinSpeakers || len(g.Order) < 2 {
		return nil, &InsufficientInDomainDataError{Pass: cfg.Pass, Speakers: len(g.Order), Min: max(cfg.MinSpeakers, 2)}
	}
	st, err := linalg.Scatter(xs, labels)
	if err != nil {
		return nil, fmt.Errorf("adapt: estimate: %w", err)
	}
	return &Stats{
		Mean:     st.Mean,
		Between:  st.Between,
		Within:   st.Within,
		Speakers: st.Classes,
		Samples:  st.Samples + st.Unlabeled,
	}, nil
}

func capSpeakers(xs [][]float64, labels []string, n int) ([][]float64, []string) {
	g := linalg.GroupLabels(labels)
	if len(g.Order) <= n {
		return xs, labels
	}
	keep := make(map[string]bool, n)
	for _, spk := range g.Order[:n] {
		keep[spk] = true
	}
	var outX [][]float64
	var outL []string
	for i, l := range labels {
		if l == "" || keep[l] {
			outX = append(outX, xs[i])
			outL = append(outL, l)
		}
	}
	return outX, outL
}

// FromStats builds a model purely from in-domain statistics, keeping
// the ranks recorded on base.
func FromStats(base *plda.Model, st *Stats) (*plda.Model, error) {
	return Adapt(base, st, Weights{Mean: 1, Between: 1, Within: 1})
}

// Adapt interpolates base toward st. It returns a new model and never
// modifies base.
func Adapt(base *plda.Model, st *Stats, w Weights) (*plda.Model, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	if err := checkDim(base, st); err != nil {
		return nil, err
	}
	return build(base,
		linalg.Lerp(base.Mean, st.Mean, w.Mean),
		linalg.LerpSym(base.Between, st.Between, w.Between),
		linalg.LerpSym(base.Within, st.Within, w.Within))
}

func checkDim(base *plda.Model, st *Stats) error {
	if len(st.Mean) != base.Dim() {
		return fmt.Errorf("%w: in-domain stats have dim %d, model has %d", ErrDimension, len(st.Mean), base.Dim())
	}
	return nil
}

func build(base *plda.Model, mean []float64, b, w *mat.SymDense) (*plda.Model, error) {
	m, err := plda.New(mean, b, w, base.YDim, base.ZDim)
	if err != nil {
		return nil, fmt.Errorf("adapt: %w", err)
	}
	return m, nil
}

// Policy selects how successive passes combine.
type Policy string

const (
	// Cascaded interpolates each pass against the previous pass's
	// result: θ₂ = (1-w₂)·[(1-w₁)·θ₀ + w₁·θ₁] + w₂·θ₂_in.
	Cascaded Policy = "cascaded"

	// Rebased interpolates every pass against the original base:
	// θ = (1-Σwᵢ)·θ₀ + Σ wᵢ·θᵢ_in. The weights of each component must
	// sum to at most one.
	Rebased Policy = "rebased"
)

// Pass is one adaptation step.
type Pass struct {
	Name        string  `yaml:"name"`
	Dataset     string  `yaml:"dataset"`
	Weights     Weights `yaml:"weights"`
	MaxSpeakers int     `yaml:"max_speakers"`
}

// Plan is an ordered sequence of passes with a combination policy.
type Plan struct {
	Policy      Policy `yaml:"policy"`
	MinSpeakers int    `yaml:"min_speakers"`
	Passes      []Pass `yaml:"passes"`
}

// Data is the in-domain input of one pass.
type Data struct {
	Vectors [][]float64
	Labels  []string
}

// Result holds the final model plus the per-pass intermediates.
type Result struct {
	Model *plda.Model
	Stats []*Stats
	// Steps[i] is the model after pass i. Under Rebased it is the model
	// combining passes 0..i.
	Steps []*plda.Model
}

// Run estimates statistics for every pass and combines them according
// to the policy. Any failure aborts the run; no partial model is
// returned.
func (p Plan) Run(base *plda.Model, data []Data, log *slog.Logger) (*Result, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(data) != len(p.Passes) {
		return nil, fmt.Errorf("adapt: %d data sets for %d passes", len(data), len(p.Passes))
	}
	policy := p.Policy
	if policy == "" {
		policy = Cascaded
	}
	if policy != Cascaded && policy != Rebased {
		return nil, fmt.Errorf("%w: %q", ErrPolicy, p.Policy)
	}
	if policy == Rebased {
		if err := p.checkRebasedWeights(); err != nil {
			return nil, err
		}
	}

	res := &Result{Model: base}
	for i, pass := range p.Passes {
		if err := pass.Weights.validate(); err != nil {
			return nil, fmt.Errorf("adapt: pass %q: %w", pass.Name, err)
		}
		st, err := Estimate(data[i].Vectors, data[i].Labels, EstimateConfig{
			MinSpeakers: p.MinSpeakers,
			MaxSpeakers: pass.MaxSpeakers,
			Pass:        pass.Name,
		})
		if err != nil {
			return nil, err
		}
		if err := checkDim(base, st); err != nil {
			return nil, err
		}
		res.Stats = append(res.Stats, st)

		var m *plda.Model
		if policy == Cascaded {
			m, err = Adapt(res.Model, st, pass.Weights)
		} else {
			m, err = rebased(base, res.Stats, p.Passes[:i+1])
		}
		if err != nil {
			return nil, fmt.Errorf("adapt: pass %q: %w", pass.Name, err)
		}
		res.Model = m
		res.Steps = append(res.Steps, m)
		log.Info("adapt: pass complete", "pass", pass.Name, "policy", string(policy),
			"speakers", st.Speakers, "samples", st.Samples, "psi_max", m.Psi[0])
	}
	return res, nil
}

func (p Plan) checkRebasedWeights() error {
	var mu, b, w float64
	for _, pass := range p.Passes {
		mu += pass.Weights.Mean
		b += pass.Weights.Between
		w += pass.Weights.Within
	}
	const eps = 1e-12
	if mu > 1+eps || b > 1+eps || w > 1+eps {
		return fmt.Errorf("%w: rebased weights sum to (%g, %g, %g), each must be <= 1", ErrWeights, mu, b, w)
	}
	return nil
}

func rebased(base *plda.Model, stats []*Stats, passes []Pass) (*plda.Model, error) {
	d := base.Dim()
	var wm, wb, ww float64
	for _, pass := range passes {
		wm += pass.Weights.Mean
		wb += pass.Weights.Between
		ww += pass.Weights.Within
	}
	mean := make([]float64, d)
	for k := range mean {
		mean[k] = (1 - wm) * base.Mean[k]
	}
	b := mat.NewSymDense(d, nil)
	w := mat.NewSymDense(d, nil)
	b.ScaleSym(1-wb, base.Between)
	w.ScaleSym(1-ww, base.Within)
	var tmp mat.SymDense
	for i, st := range stats {
		for k := range mean {
			mean[k] += passes[i].Weights.Mean * st.Mean[k]
		}
		tmp.ScaleSym(passes[i].Weights.Between, st.Between)
		b.AddSym(b, &tmp)
		tmp.ScaleSym(passes[i].Weights.Within, st.Within)
		w.AddSym(w, &tmp)
	}
	return build(base, mean, b, w)
}
