// Package snorm implements symmetric cohort score normalization.
//
// For a trial with raw score s, the enrollment model and the test
// vector are each scored against every member of a fixed cohort. The
// two score distributions give (μe, σe) and (μt, σt), and
//
//	s' = ½·((s-μe)/σe + (s-μt)/σt)
//
// With TopN > 0 only the N highest cohort scores of each side enter the
// statistics (adaptive s-norm).
//
// A cohort must never contain an id that takes part in a trial. Such a
// trial is rejected with *CohortContaminationError and the whole batch
// fails.
package snorm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/haivivi/svbackend/pkg/embstore"
	"github.com/haivivi/svbackend/pkg/plda"
	"github.com/haivivi/svbackend/pkg/scoring"
)

// DefaultMinStd floors cohort standard deviations.
const DefaultMinStd = 1e-6

// Sentinel errors.
var (
	// ErrContamination matches every *CohortContaminationError.
	ErrContamination = errors.New("snorm: cohort contamination")

	ErrEmptyCohort = errors.New("snorm: empty cohort")
)

// CohortContaminationError reports a trial id found in the cohort.
type CohortContaminationError struct {
	Cohort string
	ID     string
	Trial  scoring.Trial
}

func (e *CohortContaminationError) Error() string {
	return fmt.Sprintf("snorm: cohort %q contains %q from trial (%s vs %s)",
		e.Cohort, e.ID, e.Trial.Enroll, e.Trial.Test)
}

func (e *CohortContaminationError) Is(target error) bool {
	return target == ErrContamination
}

// Config controls normalization.
type Config struct {
	// TopN keeps only the N highest cohort scores per side. Zero uses
	// the whole cohort.
	TopN int `yaml:"top_n"`

	// MinStd floors σe and σt. Default: DefaultMinStd.
	MinStd float64 `yaml:"min_std"`
}

// Cohort names a fixed set of utterance ids.
type Cohort struct {
	Name string
	IDs  []string
}

// Stats are the cohort score statistics of one trial side.
type Stats struct {
	Mean float64
	Std  float64
}

// Normalizer applies s-norm with one cohort and one scoring engine.
// Cohort vectors are loaded once; the Normalizer is read-only after
// construction.
type Normalizer struct {
	engine *scoring.Engine
	name   string
	ids    map[string]struct{}
	vecs   [][]float64 // cohort members in the model's diagonal basis
	cfg    Config
	log    *slog.Logger
}

// New loads the cohort members from r through the engine's projection.
// Every member must be present.
func New(ctx context.Context, engine *scoring.Engine, cohort Cohort, r embstore.Reader, cfg Config, log *slog.Logger) (*Normalizer, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MinStd <= 0 {
		cfg.MinStd = DefaultMinStd
	}
	if len(cohort.IDs) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyCohort, cohort.Name)
	}
	if cfg.TopN < 0 || cfg.TopN > len(cohort.IDs) {
		return nil, fmt.Errorf("snorm: top_n %d outside [0,%d]", cfg.TopN, len(cohort.IDs))
	}
	n := &Normalizer{
		engine: engine,
		name:   cohort.Name,
		ids:    make(map[string]struct{}, len(cohort.IDs)),
		vecs:   make([][]float64, len(cohort.IDs)),
		cfg:    cfg,
		log:    log,
	}
	for i, id := range cohort.IDs {
		u, err := engine.Projected(ctx, r, id)
		if err != nil {
			return nil, fmt.Errorf("snorm: cohort %q member %q: %w", cohort.Name, id, err)
		}
		n.ids[id] = struct{}{}
		n.vecs[i] = u
	}
	log.Info("snorm: cohort loaded", "cohort", cohort.Name, "size", len(n.vecs), "top_n", cfg.TopN)
	return n, nil
}

// Size returns the number of cohort members.
func (n *Normalizer) Size() int { return len(n.vecs) }

// Check returns a *CohortContaminationError when the trial's enroll id,
// any of its enrollment utterances, or its test id is a cohort member.
func (n *Normalizer) Check(t scoring.Trial) error {
	ids := append([]string{t.Enroll, t.Test}, n.engine.Utterances(t.Enroll)...)
	for _, id := range ids {
		if _, ok := n.ids[id]; ok {
			return &CohortContaminationError{Cohort: n.name, ID: id, Trial: t}
		}
	}
	return nil
}

func (n *Normalizer) stats(e plda.Enrollment) Stats {
	m := n.engine.Model()
	scores := make([]float64, len(n.vecs))
	for j, u := range n.vecs {
		scores[j] = m.LLRProjected(e, u)
	}
	if n.cfg.TopN > 0 {
		sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
		scores = scores[:n.cfg.TopN]
	}
	var mean float64
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))
	var v float64
	for _, s := range scores {
		v += (s - mean) * (s - mean)
	}
	std := math.Sqrt(v / float64(len(scores)))
	return Stats{Mean: mean, Std: math.Max(std, n.cfg.MinStd)}
}

// EnrollStats scores an enrollment model against the cohort.
func (n *Normalizer) EnrollStats(ctx context.Context, id string) (Stats, error) {
	e, err := n.engine.Enroll(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	return n.stats(e), nil
}

// TestStats scores a test utterance against the cohort.
func (n *Normalizer) TestStats(ctx context.Context, id string) (Stats, error) {
	u, err := n.engine.TestVector(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	return n.stats(plda.Enrollment{Mean: u, N: 1}), nil
}

// Apply combines a raw score with both sides' cohort statistics.
func Apply(s float64, enroll, test Stats) float64 {
	return 0.5 * ((s-enroll.Mean)/enroll.Std + (s-test.Mean)/test.Std)
}

// Normalize s-normalizes one raw trial score.
func (n *Normalizer) Normalize(ctx context.Context, t scoring.Trial, raw float64) (float64, error) {
	if err := n.Check(t); err != nil {
		return 0, err
	}
	es, err := n.EnrollStats(ctx, t.Enroll)
	if err != nil {
		return 0, err
	}
	ts, err := n.TestStats(ctx, t.Test)
	if err != nil {
		return 0, err
	}
	return Apply(raw, es, ts), nil
}

// NormalizeBatch normalizes a layer of raw scores into a new layer; raw
// is not modified. Contamination of any trial fails the whole batch
// before any scoring. Other per-trial failures are collected in the
// returned Batch. A non-nil error with a non-nil Batch means ctx ended
// first.
func (n *Normalizer) NormalizeBatch(ctx context.Context, raw []scoring.Score, workers int) (*scoring.Batch, error) {
	start := time.Now()
	var contaminated []error
	for _, s := range raw {
		if err := n.Check(s.Trial); err != nil {
			contaminated = append(contaminated, err)
		}
	}
	if len(contaminated) > 0 {
		return nil, errors.Join(contaminated...)
	}

	enrollIDs, testIDs := sides(raw)
	type side struct {
		st   Stats
		err  error
		done bool
	}
	es := make([]side, len(enrollIDs))
	ts := make([]side, len(testIDs))
	cerr := scoring.ForEach(ctx, len(enrollIDs)+len(testIDs), workers, func(i int) {
		if i < len(enrollIDs) {
			st, err := n.EnrollStats(ctx, enrollIDs[i])
			es[i] = side{st, err, true}
			return
		}
		i -= len(enrollIDs)
		st, err := n.TestStats(ctx, testIDs[i])
		ts[i] = side{st, err, true}
	})

	eIdx := index(enrollIDs)
	tIdx := index(testIDs)
	b := &scoring.Batch{}
	for _, s := range raw {
		e, t := es[eIdx[s.Trial.Enroll]], ts[tIdx[s.Trial.Test]]
		switch {
		case !e.done || !t.done:
			b.Skipped++
		case e.err != nil:
			b.Failures = append(b.Failures, &scoring.TrialError{Index: s.Index, Trial: s.Trial, Err: e.err})
		case t.err != nil:
			b.Failures = append(b.Failures, &scoring.TrialError{Index: s.Index, Trial: s.Trial, Err: t.err})
		default:
			out := s
			out.Value = Apply(s.Value, e.st, t.st)
			b.Scores = append(b.Scores, out)
		}
	}
	n.log.Info("snorm: batch done", "cohort", n.name, "trials", len(raw), "normalized", len(b.Scores),
		"failed", len(b.Failures), "skipped", b.Skipped, "elapsed", time.Since(start))
	return b, cerr
}

func sides(scores []scoring.Score) (enroll, test []string) {
	se, st := make(map[string]struct{}), make(map[string]struct{})
	for _, s := range scores {
		if _, ok := se[s.Trial.Enroll]; !ok {
			se[s.Trial.Enroll] = struct{}{}
			enroll = append(enroll, s.Trial.Enroll)
		}
		if _, ok := st[s.Trial.Test]; !ok {
			st[s.Trial.Test] = struct{}{}
			test = append(test, s.Trial.Test)
		}
	}
	sort.Strings(enroll)
	sort.Strings(test)
	return enroll, test
}

func index(ids []string) map[string]int {
	m := make(map[string]int, len(ids))
	for i, id := range ids {
		m[id] = i
	}
	return m
}
