package backend

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/haivivi/svbackend/pkg/scoring"
)

// ErrLayerExists is returned when a stage layer is written twice.
var ErrLayerExists = errors.New("backend: score layer already recorded")

// Stage names a score layer's position in the pipeline.
type Stage string

const (
	StageRaw        Stage = "raw"
	StageNormalized Stage = "normalized"
	StageCalibrated Stage = "calibrated"
	StageFused      Stage = "fused"
)

// LayerKey identifies one score layer. Fused layers carry the fusion
// name as Domain.
type LayerKey struct {
	Domain    string
	Condition string
	Stage     Stage
}

func (k LayerKey) String() string {
	return k.Domain + "/" + k.Condition + "/" + string(k.Stage)
}

// Layer is an immutable set of scores for one condition at one stage,
// with the trials that failed to produce a score.
type Layer struct {
	Scores   []scoring.Score
	Failures []*scoring.TrialError
	Skipped  int
}

func (l Layer) clone() Layer {
	return Layer{
		Scores:   slices.Clone(l.Scores),
		Failures: slices.Clone(l.Failures),
		Skipped:  l.Skipped,
	}
}

// Records holds the layers produced by a run. Each key is written once;
// later stages add new layers and never touch earlier ones.
type Records struct {
	mu     sync.RWMutex
	layers map[LayerKey]Layer
}

// NewRecords returns an empty record set.
func NewRecords() *Records {
	return &Records{layers: make(map[LayerKey]Layer)}
}

// Put records a layer. The layer is copied.
func (r *Records) Put(k LayerKey, l Layer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.layers[k]; ok {
		return fmt.Errorf("%w: %s", ErrLayerExists, k)
	}
	r.layers[k] = l.clone()
	return nil
}

// Get returns a copy of the layer at k.
func (r *Records) Get(k LayerKey) (Layer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.layers[k]
	if !ok {
		return Layer{}, false
	}
	return l.clone(), true
}

// Keys returns the recorded keys sorted by domain, condition and stage
// order.
func (r *Records) Keys() []LayerKey {
	r.mu.RLock()
	keys := make([]LayerKey, 0, len(r.layers))
	for k := range r.layers {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Domain != b.Domain {
			return a.Domain < b.Domain
		}
		if a.Condition != b.Condition {
			return a.Condition < b.Condition
		}
		return stageOrder(a.Stage) < stageOrder(b.Stage)
	})
	return keys
}

// Latest returns the most processed layer recorded for a domain and
// condition.
func (r *Records) Latest(domain, condition string) (Layer, Stage, bool) {
	for _, s := range []Stage{StageFused, StageCalibrated, StageNormalized, StageRaw} {
		if l, ok := r.Get(LayerKey{domain, condition, s}); ok {
			return l, s, true
		}
	}
	return Layer{}, "", false
}

func stageOrder(s Stage) int {
	switch s {
	case StageRaw:
		return 0
	case StageNormalized:
		return 1
	case StageCalibrated:
		return 2
	case StageFused:
		return 3
	}
	return 4
}
