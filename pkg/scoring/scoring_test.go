package scoring

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/haivivi/svbackend/pkg/embstore"
	"github.com/haivivi/svbackend/pkg/lda"
	"github.com/haivivi/svbackend/pkg/plda"
)

func toyModel(t *testing.T) *plda.Model {
	t.Helper()
	m, err := plda.New([]float64{0, 0},
		mat.NewSymDense(2, []float64{4, 0, 0, 1}),
		mat.NewSymDense(2, []float64{1, 0, 0, 1}), 2, 2)
	if err != nil {
		t.Fatalf("plda.New: %v", err)
	}
	return m
}

func TestScoreBatchMissingEmbedding(t *testing.T) {
	m := toyModel(t)
	vecs := embstore.Map{"enr": {1, 0.5}}
	var trials []Trial
	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("t%d", i)
		vecs[id] = []float64{float64(i) * 0.1, -0.2}
		trials = append(trials, Trial{Enroll: "enr", Test: id})
	}
	// The unknown id sits in the middle of the list.
	trials = append(trials[:4], append([]Trial{{Enroll: "enr", Test: "ghost"}}, trials[4:]...)...)

	e := NewEngine(m, vecs, WithWorkers(3))
	b, err := e.ScoreBatch(context.Background(), trials)
	if err != nil {
		t.Fatalf("ScoreBatch: %v", err)
	}
	if len(b.Scores) != 9 || len(b.Failures) != 1 || b.Skipped != 0 {
		t.Fatalf("got %d scores, %d failures, %d skipped", len(b.Scores), len(b.Failures), b.Skipped)
	}
	f := b.Failures[0]
	if f.Index != 4 || f.Trial.Test != "ghost" {
		t.Fatalf("failure attributed to trial %d (%s)", f.Index, f.Trial.Test)
	}
	if !errors.Is(f, embstore.ErrMissingEmbedding) {
		t.Fatalf("expected ErrMissingEmbedding, got %v", f)
	}
	var me *embstore.MissingEmbeddingError
	if !errors.As(b.Err(), &me) || me.ID != "ghost" {
		t.Fatalf("joined error does not carry the missing id: %v", b.Err())
	}

	// Scores are in trial order and match single-trial scoring.
	for i, s := range b.Scores {
		if i > 0 && s.Index <= b.Scores[i-1].Index {
			t.Fatalf("scores out of order at %d", i)
		}
		want, err := e.Score(context.Background(), s.Trial)
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if math.Float64bits(want) != math.Float64bits(s.Value) {
			t.Fatalf("trial %d: batch %v, single %v", s.Index, s.Value, want)
		}
	}
}

func TestScoreBatchMissingEnrollmentUtterance(t *testing.T) {
	m := toyModel(t)
	vecs := embstore.Map{"u1": {1, 0}, "x": {0.5, 0.5}, "y": {-1, 0}}
	enr := embstore.Enrollments{"spk": {"u1", "u2"}, "solo": {"u1"}}
	e := NewEngine(m, vecs, WithEnrollments(enr))
	b, err := e.ScoreBatch(context.Background(), []Trial{
		{Enroll: "spk", Test: "x"},
		{Enroll: "solo", Test: "x"},
		{Enroll: "spk", Test: "y"},
	})
	if err != nil {
		t.Fatalf("ScoreBatch: %v", err)
	}
	if len(b.Scores) != 1 || len(b.Failures) != 2 {
		t.Fatalf("got %d scores, %d failures", len(b.Scores), len(b.Failures))
	}
	for _, f := range b.Failures {
		if f.Trial.Enroll != "spk" {
			t.Fatalf("unexpected failure %v", f)
		}
	}
}

func TestScoreBatchCancelled(t *testing.T) {
	m := toyModel(t)
	vecs := embstore.Map{"a": {1, 0}, "b": {0, 1}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b, err := NewEngine(m, vecs).ScoreBatch(ctx, []Trial{{Enroll: "a", Test: "b"}, {Enroll: "b", Test: "a"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b == nil || b.Skipped != 2 || len(b.Scores) != 0 {
		t.Fatalf("unexpected batch %+v", b)
	}
}

// cancelAfter cancels its context after n lookups.
type cancelAfter struct {
	embstore.Map
	n      int
	cancel context.CancelFunc
}

func (c *cancelAfter) Lookup(ctx context.Context, id string) ([]float64, error) {
	c.n--
	if c.n == 0 {
		c.cancel()
	}
	return c.Map.Lookup(ctx, id)
}

func TestScoreBatchCancelledMidway(t *testing.T) {
	m := toyModel(t)
	vecs := embstore.Map{}
	var trials []Trial
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("u%02d", i)
		vecs[id] = []float64{float64(i), 1}
		trials = append(trials, Trial{Enroll: "u00", Test: id})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &cancelAfter{Map: vecs, n: 5, cancel: cancel}
	b, err := NewEngine(m, r, WithWorkers(1)).ScoreBatch(ctx, trials)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.Skipped+len(b.Scores)+len(b.Failures) != len(trials) || b.Skipped == 0 {
		t.Fatalf("unexpected partial batch: %d scored, %d failed, %d skipped", len(b.Scores), len(b.Failures), b.Skipped)
	}
}

// TestEndToEnd trains a projection and a PLDA model on three speakers
// with two utterances each and checks that same-speaker trials outscore
// cross-speaker trials on average.
func TestEndToEnd(t *testing.T) {
	ids := []string{"a1", "a2", "b1", "b2", "c1", "c2"}
	labels := []string{"a", "a", "b", "b", "c", "c"}
	xs := [][]float64{
		{3.1, 0.05, 0}, {2.9, -0.05, 0},
		{0, 3.1, 0.05}, {0, 2.9, -0.05},
		{0.05, 0, 3.1}, {-0.05, 0, 2.9},
	}
	proj, err := lda.Fit(xs, labels, lda.Config{Dim: 2}, nil)
	if err != nil {
		t.Fatalf("lda.Fit: %v", err)
	}
	projected, err := proj.ApplyAll(xs)
	if err != nil {
		t.Fatalf("ApplyAll: %v", err)
	}
	model, err := plda.Train(projected, labels, plda.Config{YDim: 1, ZDim: 1}, nil)
	if err != nil {
		t.Fatalf("plda.Train: %v", err)
	}

	vecs := embstore.Map{}
	for i, id := range ids {
		vecs[id] = xs[i]
	}
	var trials []Trial
	for i := range ids {
		for j := range ids {
			if i == j {
				continue
			}
			l := NonTarget
			if labels[i] == labels[j] {
				l = Target
			}
			trials = append(trials, Trial{Enroll: ids[i], Test: ids[j], Label: l})
		}
	}
	b, err := NewEngine(model, vecs, WithProjection(proj)).ScoreBatch(context.Background(), trials)
	if err != nil {
		t.Fatalf("ScoreBatch: %v", err)
	}
	if b.Err() != nil {
		t.Fatalf("trial failures: %v", b.Err())
	}
	tar, non := Split(b.Scores)
	if len(tar) != 6 || len(non) != 24 {
		t.Fatalf("got %d target, %d non-target scores", len(tar), len(non))
	}
	if avg(tar) <= avg(non) {
		t.Fatalf("same-speaker mean %v not above cross-speaker mean %v", avg(tar), avg(non))
	}
}

func TestScoreFileRoundTrip(t *testing.T) {
	scores := []Score{
		{Trial: Trial{Enroll: "spk1", Test: "utt9"}, Value: 1.0 / 3},
		{Trial: Trial{Enroll: "spk2", Test: "utt9"}, Value: -12.5e-9},
		{Trial: Trial{Enroll: "spk3", Test: "utt1"}, Value: math.Pi * 1e6},
	}
	var buf bytes.Buffer
	if err := WriteScores(&buf, scores); err != nil {
		t.Fatalf("WriteScores: %v", err)
	}
	if first := strings.SplitN(buf.String(), "\n", 2)[0]; !strings.HasPrefix(first, "spk1 utt9 ") {
		t.Fatalf("unexpected line %q", first)
	}
	back, err := ReadScores(&buf)
	if err != nil {
		t.Fatalf("ReadScores: %v", err)
	}
	if len(back) != len(scores) {
		t.Fatalf("got %d scores, want %d", len(back), len(scores))
	}
	for i := range scores {
		if back[i].Trial.Key() != scores[i].Trial.Key() || math.Float64bits(back[i].Value) != math.Float64bits(scores[i].Value) {
			t.Fatalf("line %d: got %+v, want %+v", i, back[i], scores[i])
		}
	}

	if _, err := ReadScores(strings.NewReader("a b\n")); err == nil {
		t.Fatal("expected error for a short line")
	}
	if _, err := ReadScores(strings.NewReader("a b zero\n")); err == nil {
		t.Fatal("expected error for a non-numeric score")
	}
}

func TestReadTrialsAndKey(t *testing.T) {
	in := "# key\nspk1 utt1 target\nspk1 utt2 nontarget\nspk2 utt1 imp\nspk2 utt2\n"
	trials, err := ReadTrials(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadTrials: %v", err)
	}
	want := []Label{Target, NonTarget, NonTarget, Unknown}
	for i, l := range want {
		if trials[i].Label != l {
			t.Fatalf("trial %d label %v, want %v", i, trials[i].Label, l)
		}
	}
	if _, err := ReadTrials(strings.NewReader("a b maybe\n")); err == nil {
		t.Fatal("expected error for an unknown label")
	}

	scores := ApplyKey([]Score{
		{Trial: Trial{Enroll: "spk1", Test: "utt1"}, Value: 2},
		{Trial: Trial{Enroll: "spk2", Test: "utt1"}, Value: -1},
		{Trial: Trial{Enroll: "spk9", Test: "utt1"}, Value: 0},
	}, trials)
	tar, non := Split(scores)
	if len(tar) != 1 || tar[0] != 2 || len(non) != 1 || non[0] != -1 {
		t.Fatalf("split = %v / %v", tar, non)
	}

	var buf bytes.Buffer
	if err := WriteTrials(&buf, trials); err != nil {
		t.Fatalf("WriteTrials: %v", err)
	}
	again, err := ReadTrials(&buf)
	if err != nil || len(again) != len(trials) || again[0] != trials[0] || again[3] != trials[3] {
		t.Fatalf("trials round trip: %v, %v", again, err)
	}
}

func avg(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
