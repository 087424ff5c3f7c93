// Package metrics computes speaker-verification evaluation measures
// from target and non-target scores: equal error rate, detection cost
// (minimum and actual) and log-likelihood-ratio cross-entropy.
//
// Scores are treated as log-likelihood ratios where that matters
// (actual DCF and cross-entropy); EER and minimum DCF only use their
// ordering. EER is read off the ROC convex hull, so it never exceeds
// ½. At the Bayes threshold a score equal to the threshold counts as
// neither a miss nor a false alarm. Functions return NaN when either
// class is empty.
package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/haivivi/svbackend/pkg/scoring"
)

// ErrEmpty is returned by Evaluate when a class has no scores.
var ErrEmpty = errors.New("metrics: need both target and non-target scores")

// Params are the detection cost parameters.
type Params struct {
	PTarget float64 `yaml:"p_target" json:"p_target"`
	CMiss   float64 `yaml:"c_miss" json:"c_miss"`
	CFA     float64 `yaml:"c_fa" json:"c_fa"`
}

// DefaultParams is a common operating point for speaker detection.
var DefaultParams = Params{PTarget: 0.01, CMiss: 1, CFA: 1}

// EffectivePrior folds the costs into a single target prior.
func (p Params) EffectivePrior() float64 {
	a := p.PTarget * p.CMiss
	return a / (a + (1-p.PTarget)*p.CFA)
}

// Threshold is the Bayes decision threshold for calibrated LLRs.
func (p Params) Threshold() float64 {
	return math.Log(p.CFA * (1 - p.PTarget) / (p.CMiss * p.PTarget))
}

func (p Params) cost(pmiss, pfa float64) float64 {
	c := p.CMiss*p.PTarget*pmiss + p.CFA*(1-p.PTarget)*pfa
	return c / math.Min(p.CMiss*p.PTarget, p.CFA*(1-p.PTarget))
}

type point struct{ pmiss, pfa float64 }

// sweep returns the (Pmiss, Pfa) pairs for every distinct threshold,
// from accept-all to reject-all. A score above the threshold is a
// target decision.
func sweep(tar, non []float64) []point {
	t := sorted(tar)
	n := sorted(non)
	all := sorted(append(append([]float64(nil), tar...), non...))
	nt, nn := float64(len(t)), float64(len(n))
	pts := []point{{0, 1}}
	i, j := 0, 0
	for k, v := range all {
		if k > 0 && v == all[k-1] {
			continue
		}
		for i < len(t) && t[i] <= v {
			i++
		}
		for j < len(n) && n[j] <= v {
			j++
		}
		pts = append(pts, point{float64(i) / nt, 1 - float64(j)/nn})
	}
	return pts
}

func sorted(xs []float64) []float64 {
	out := append([]float64(nil), xs...)
	sort.Float64s(out)
	return out
}

// rocch returns the vertices of the ROC convex hull, from accept-all
// to reject-all. Every detection cost is minimized at a vertex.
func rocch(tar, non []float64) []point {
	var hull []point
	for _, c := range sweep(tar, non) {
		for len(hull) >= 2 {
			a, b := hull[len(hull)-2], hull[len(hull)-1]
			if (b.pmiss-a.pmiss)*(c.pfa-a.pfa)-(b.pfa-a.pfa)*(c.pmiss-a.pmiss) > 0 {
				break
			}
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, c)
	}
	return hull
}

// EER returns the equal error rate: where the ROC convex hull crosses
// Pmiss = Pfa.
func EER(tar, non []float64) float64 {
	if len(tar) == 0 || len(non) == 0 {
		return math.NaN()
	}
	hull := rocch(tar, non)
	for k := 1; k < len(hull); k++ {
		a, b := hull[k-1], hull[k]
		da, db := a.pmiss-a.pfa, b.pmiss-b.pfa
		if db < 0 {
			continue
		}
		if db == da {
			return b.pmiss
		}
		f := -da / (db - da)
		return a.pmiss + f*(b.pmiss-a.pmiss)
	}
	return 0.5
}

// MinDCF returns the normalized detection cost at the best threshold.
func MinDCF(tar, non []float64, p Params) float64 {
	if len(tar) == 0 || len(non) == 0 {
		return math.NaN()
	}
	best := math.Inf(1)
	for _, pt := range rocch(tar, non) {
		best = math.Min(best, p.cost(pt.pmiss, pt.pfa))
	}
	return best
}

// ActDCF returns the normalized detection cost at the Bayes threshold,
// treating scores as calibrated LLRs.
func ActDCF(tar, non []float64, p Params) float64 {
	if len(tar) == 0 || len(non) == 0 {
		return math.NaN()
	}
	th := p.Threshold()
	var miss, fa int
	for _, s := range tar {
		if s < th {
			miss++
		}
	}
	for _, s := range non {
		if s > th {
			fa++
		}
	}
	return p.cost(float64(miss)/float64(len(tar)), float64(fa)/float64(len(non)))
}

// Softplus returns log(1+e^x) without overflow.
func Softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

// CrossEntropy returns the prior-weighted cross-entropy, in bits, of
// scores read as LLRs:
//
//	P·mean_tar log₂(1+e^-(s+logit P)) + (1-P)·mean_non log₂(1+e^(s+logit P))
func CrossEntropy(tar, non []float64, prior float64) float64 {
	if len(tar) == 0 || len(non) == 0 {
		return math.NaN()
	}
	lo := math.Log(prior / (1 - prior))
	var ct, cn float64
	for _, s := range tar {
		ct += Softplus(-(s + lo))
	}
	for _, s := range non {
		cn += Softplus(s + lo)
	}
	return (prior*ct/float64(len(tar)) + (1-prior)*cn/float64(len(non))) / math.Ln2
}

// Cllr is the cross-entropy at prior ½. Perfect calibrated scores give
// 0; a system that always outputs 0 gives 1.
func Cllr(tar, non []float64) float64 {
	return CrossEntropy(tar, non, 0.5)
}

// Report summarizes one score layer against a key.
type Report struct {
	Name       string  `json:"name" yaml:"name"`
	Targets    int     `json:"targets" yaml:"targets"`
	NonTargets int     `json:"non_targets" yaml:"non_targets"`
	EER        float64 `json:"eer" yaml:"eer"`
	MinDCF     float64 `json:"min_dcf" yaml:"min_dcf"`
	ActDCF     float64 `json:"act_dcf" yaml:"act_dcf"`
	Cllr       float64 `json:"cllr" yaml:"cllr"`
}

// Evaluate computes a Report from labeled scores. Unlabeled scores are
// ignored.
func Evaluate(name string, scores []scoring.Score, p Params) (Report, error) {
	tar, non := scoring.Split(scores)
	if len(tar) == 0 || len(non) == 0 {
		return Report{}, fmt.Errorf("%w: %q has %d targets, %d non-targets", ErrEmpty, name, len(tar), len(non))
	}
	return Report{
		Name:       name,
		Targets:    len(tar),
		NonTargets: len(non),
		EER:        EER(tar, non),
		MinDCF:     MinDCF(tar, non, p),
		ActDCF:     ActDCF(tar, non, p),
		Cllr:       Cllr(tar, non),
	}, nil
}
