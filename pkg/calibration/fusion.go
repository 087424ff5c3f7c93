package calibration

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/haivivi/svbackend/pkg/scoring"
)

// ErrNoModel is returned when a trial needs a model the Fuser lacks.
var ErrNoModel = errors.New("calibration: no model for domain")

// Fuser combines per-domain score layers into one decision layer.
// Trials present in every input of Fused get the fused score; trials
// present in a single domain pass through that domain's Single model.
type Fuser struct {
	Fused  *Model
	Single map[string]*Model
}

type joined struct {
	trial  scoring.Trial
	values []float64
	have   []bool
}

// Fuse joins the layers (keyed by domain) on trial identity and returns
// a new layer in first-appearance order, walking the fused inputs
// first, then any other domain by name.
func (f *Fuser) Fuse(layers map[string][]scoring.Score) ([]scoring.Score, error) {
	inputs := f.Fused.Inputs
	var order []string
	order = append(order, inputs...)
	var extra []string
	for d := range layers {
		if slices.Contains(inputs, d) {
			continue
		}
		if _, ok := f.Single[d]; !ok {
			return nil, &DomainMismatchError{Want: f.Fused.Domain, Got: d}
		}
		extra = append(extra, d)
	}
	sort.Strings(extra)
	order = append(order, extra...)

	slot := make(map[string]int, len(order))
	for i, d := range order {
		slot[d] = i
	}
	rows := make(map[scoring.Key]*joined)
	var keys []scoring.Key
	for _, d := range order {
		for _, s := range layers[d] {
			k := s.Trial.Key()
			r, ok := rows[k]
			if !ok {
				r = &joined{trial: s.Trial, values: make([]float64, len(order)), have: make([]bool, len(order))}
				rows[k] = r
				keys = append(keys, k)
			}
			if r.have[slot[d]] {
				return nil, fmt.Errorf("calibration: duplicate trial %s in domain %q", k, d)
			}
			if r.trial.Label == scoring.Unknown {
				r.trial.Label = s.Trial.Label
			}
			r.values[slot[d]] = s.Value
			r.have[slot[d]] = true
		}
	}

	out := make([]scoring.Score, 0, len(keys))
	for _, k := range keys {
		r := rows[k]
		v, err := f.fuseRow(order, r)
		if err != nil {
			return nil, fmt.Errorf("calibration: trial %s: %w", k, err)
		}
		out = append(out, scoring.Score{Trial: r.trial, Index: len(out), Value: v})
	}
	return out, nil
}

func (f *Fuser) fuseRow(order []string, r *joined) (float64, error) {
	k := len(f.Fused.Inputs)
	var present []int
	for i, ok := range r.have {
		if ok {
			present = append(present, i)
		}
	}
	if len(present) == k && present[k-1] == k-1 {
		return f.Fused.apply(r.values[:k]), nil
	}
	if len(present) != 1 {
		var ds []string
		for _, i := range present {
			ds = append(ds, order[i])
		}
		return 0, fmt.Errorf("%w: scored in %v, fusion takes %v", ErrInputs, ds, f.Fused.Inputs)
	}
	d := order[present[0]]
	m, ok := f.Single[d]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrNoModel, d)
	}
	return m.Apply(d, r.values[present[0]])
}

// Pair collects, for every trial scored in all given layers, one row of
// scores in layer order. Rows are split by label for FitFusion;
// unlabeled trials are skipped.
func Pair(layers ...[]scoring.Score) (tar, non [][]float64) {
	if len(layers) == 0 {
		return nil, nil
	}
	idx := make([]map[scoring.Key]scoring.Score, len(layers))
	for i, l := range layers {
		idx[i] = make(map[scoring.Key]scoring.Score, len(l))
		for _, s := range l {
			idx[i][s.Trial.Key()] = s
		}
	}
	for _, s := range layers[0] {
		row := []float64{s.Value}
		label := s.Trial.Label
		for i := 1; i < len(layers); i++ {
			o, ok := idx[i][s.Trial.Key()]
			if !ok {
				row = nil
				break
			}
			row = append(row, o.Value)
			if label == scoring.Unknown {
				label = o.Trial.Label
			}
		}
		switch {
		case row == nil:
		case label == scoring.Target:
			tar = append(tar, row)
		case label == scoring.NonTarget:
			non = append(non, row)
		}
	}
	return tar, non
}
