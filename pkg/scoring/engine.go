// Package scoring runs trial lists through a PLDA model.
//
// A batch is an embarrassingly parallel map: enrollment models and test
// vectors are prepared once per distinct id, then every trial is scored
// independently by a fixed pool of workers. Results are written into
// per-index slots and collected in trial order at the end, so no locks
// guard the scoring path. Workers check the context between items;
// cancelling a batch returns what was scored so far.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haivivi/svbackend/pkg/embstore"
	"github.com/haivivi/svbackend/pkg/lda"
	"github.com/haivivi/svbackend/pkg/plda"
)

// TrialError attributes a failure to one trial of a batch.
type TrialError struct {
	Index int
	Trial Trial
	Err   error
}

func (e *TrialError) Error() string {
	return fmt.Sprintf("scoring: trial %d (%s vs %s): %v", e.Index, e.Trial.Enroll, e.Trial.Test, e.Err)
}

func (e *TrialError) Unwrap() error { return e.Err }

// Batch is the partial-success result of ScoreBatch.
type Batch struct {
	Scores   []Score       // successful trials, in trial order
	Failures []*TrialError // failed trials, in trial order
	Skipped  int           // trials not reached before cancellation
}

// Err joins all trial failures, or returns nil.
func (b *Batch) Err() error {
	if len(b.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(b.Failures))
	for i, f := range b.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Engine scores trials against one model. It holds no mutable state
// after construction and is safe for concurrent use.
type Engine struct {
	model       *plda.Model
	proj        *lda.Projection
	enroll      embstore.Reader
	test        embstore.Reader
	enrollments embstore.Enrollments
	workers     int
	log         *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithProjection applies p to raw embeddings before scoring. Without it
// the readers must return vectors already in the model's space.
func WithProjection(p *lda.Projection) Option {
	return func(e *Engine) { e.proj = p }
}

// WithTestReader reads test-side vectors from r instead of the
// enrollment reader.
func WithTestReader(r embstore.Reader) Option {
	return func(e *Engine) { e.test = r }
}

// WithEnrollments maps enrollment model ids to their utterances.
func WithEnrollments(m embstore.Enrollments) Option {
	return func(e *Engine) { e.enrollments = m }
}

// WithWorkers sets the worker count (default GOMAXPROCS).
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine creates an Engine over model reading vectors from r.
func NewEngine(model *plda.Model, r embstore.Reader, opts ...Option) *Engine {
	e := &Engine{
		model:   model,
		enroll:  r,
		test:    r,
		workers: runtime.GOMAXPROCS(0),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Model returns the engine's model.
func (e *Engine) Model() *plda.Model { return e.model }

// Utterances returns the utterance ids enrolled under a model id.
func (e *Engine) Utterances(id string) []string { return e.enrollments.Utterances(id) }

// Vector reads id from r and applies the projection, if any.
func (e *Engine) Vector(ctx context.Context, r embstore.Reader, id string) ([]float64, error) {
	x, err := r.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.proj == nil {
		return x, nil
	}
	return e.proj.Apply(x)
}

// Enroll builds the enrollment model for a model id.
func (e *Engine) Enroll(ctx context.Context, id string) (plda.Enrollment, error) {
	utts := e.enrollments.Utterances(id)
	xs := make([][]float64, len(utts))
	for i, u := range utts {
		x, err := e.Vector(ctx, e.enroll, u)
		if err != nil {
			return plda.Enrollment{}, fmt.Errorf("enroll %s: %w", id, err)
		}
		xs[i] = x
	}
	return e.model.Enroll(xs...)
}

// Projected reads id from r and maps it into the model's diagonal basis.
func (e *Engine) Projected(ctx context.Context, r embstore.Reader, id string) ([]float64, error) {
	x, err := e.Vector(ctx, r, id)
	if err != nil {
		return nil, err
	}
	return e.model.Project(x)
}

// TestVector reads a test id and maps it into the model's diagonal
// basis.
func (e *Engine) TestVector(ctx context.Context, id string) ([]float64, error) {
	u, err := e.Projected(ctx, e.test, id)
	if err != nil {
		return nil, fmt.Errorf("test %s: %w", id, err)
	}
	return u, nil
}

// Score scores a single trial.
func (e *Engine) Score(ctx context.Context, t Trial) (float64, error) {
	en, err := e.Enroll(ctx, t.Enroll)
	if err != nil {
		return 0, err
	}
	u, err := e.TestVector(ctx, t.Test)
	if err != nil {
		return 0, err
	}
	return e.model.LLRProjected(en, u), nil
}

type slot[T any] struct {
	v    T
	err  error
	done bool
}

// ScoreBatch scores every trial. Per-trial failures (such as a missing
// embedding) are reported in Batch.Failures and do not stop the batch.
// The returned error is non-nil only when ctx ends first; the Batch
// then holds the trials completed before cancellation.
func (e *Engine) ScoreBatch(ctx context.Context, trials []Trial) (*Batch, error) {
	start := time.Now()

	enrollIDs := distinct(trials, func(t Trial) string { return t.Enroll })
	testIDs := distinct(trials, func(t Trial) string { return t.Test })

	enrolled := make([]slot[plda.Enrollment], len(enrollIDs))
	cerr := ForEach(ctx, len(enrollIDs), e.workers, func(i int) {
		v, err := e.Enroll(ctx, enrollIDs[i])
		enrolled[i] = slot[plda.Enrollment]{v: v, err: err, done: true}
	})
	tests := make([]slot[[]float64], len(testIDs))
	if cerr == nil {
		cerr = ForEach(ctx, len(testIDs), e.workers, func(i int) {
			v, err := e.TestVector(ctx, testIDs[i])
			tests[i] = slot[[]float64]{v: v, err: err, done: true}
		})
	}
	enrollIdx := index(enrollIDs)
	testIdx := index(testIDs)

	scores := make([]slot[float64], len(trials))
	if cerr == nil {
		cerr = ForEach(ctx, len(trials), e.workers, func(i int) {
			en := enrolled[enrollIdx[trials[i].Enroll]]
			te := tests[testIdx[trials[i].Test]]
			switch {
			case en.err != nil:
				scores[i] = slot[float64]{err: en.err, done: true}
			case te.err != nil:
				scores[i] = slot[float64]{err: te.err, done: true}
			default:
				scores[i] = slot[float64]{v: e.model.LLRProjected(en.v, te.v), done: true}
			}
		})
	}

	b := &Batch{}
	for i, s := range scores {
		switch {
		case !s.done:
			b.Skipped++
		case s.err != nil:
			b.Failures = append(b.Failures, &TrialError{Index: i, Trial: trials[i], Err: s.err})
		default:
			b.Scores = append(b.Scores, Score{Trial: trials[i], Index: i, Value: s.v})
		}
	}
	e.log.Info("scoring: batch done", "trials", len(trials), "scored", len(b.Scores),
		"failed", len(b.Failures), "skipped", b.Skipped, "elapsed", time.Since(start))
	for _, f := range b.Failures {
		e.log.Debug("scoring: trial failed", "index", f.Index, "enroll", f.Trial.Enroll, "test", f.Trial.Test, "err", f.Err)
	}
	return b, cerr
}

// ForEach calls fn(i) for i in [0,n) on up to workers goroutines. It
// stops handing out indices once ctx is done and returns ctx.Err().
func ForEach(ctx context.Context, n, workers int, fn func(i int)) error {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, n)
	var next atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				i := int(next.Add(1) - 1)
				if i >= n {
					return
				}
				fn(i)
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func distinct(trials []Trial, key func(Trial) string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range trials {
		k := key(t)
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func index(ids []string) map[string]int {
	m := make(map[string]int, len(ids))
	for i, id := range ids {
		m[id] = i
	}
	return m
}
