package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/haivivi/svbackend/pkg/embstore"
	"github.com/haivivi/svbackend/pkg/lda"
	"github.com/haivivi/svbackend/pkg/metrics"
	"github.com/haivivi/svbackend/pkg/modelcodec"
	"github.com/haivivi/svbackend/pkg/scoring"
	"github.com/haivivi/svbackend/pkg/snorm"
	"github.com/haivivi/svbackend/pkg/storage"
)

const dim = 6

// speakers draws n speaker centers.
func speakers(rng *rand.Rand, n int, offset float64) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		c := make([]float64, dim)
		for j := range c {
			c[j] = offset + 3*rng.NormFloat64()
		}
		out[i] = c
	}
	return out
}

func utterance(rng *rand.Rand, center []float64, noise float64) []float64 {
	v := make([]float64, dim)
	for j := range v {
		v[j] = center[j] + noise*rng.NormFloat64()
	}
	return v
}

// putSpeakers writes perSpk utterances per center, labeled with prefix.
func putSpeakers(t *testing.T, s *embstore.Store, set, prefix string, rng *rand.Rand, centers [][]float64, perSpk int, noise float64) {
	t.Helper()
	ctx := context.Background()
	var embs []embstore.Embedding
	labels := make(map[string]string)
	for k, c := range centers {
		spk := fmt.Sprintf("%s%02d", prefix, k)
		for n := 0; n < perSpk; n++ {
			id := fmt.Sprintf("%s-%d", spk, n)
			embs = append(embs, embstore.Embedding{ID: id, Vector: utterance(rng, c, noise)})
			labels[id] = spk
		}
	}
	if err := s.Put(ctx, set, embs); err != nil {
		t.Fatal(err)
	}
	if err := s.PutLabels(ctx, set, labels); err != nil {
		t.Fatal(err)
	}
}

type fixture struct {
	dir     string
	store   *embstore.Store
	targets int
	trials  int
}

// newFixture builds training, adaptation, cohort and evaluation
// datasets for the tel and vid domains, plus a trial list and an
// enrollment map. Evaluation speakers sp00..sp07 enroll utterances 0
// and 1 as model m<k> and test with utterances 2 and 3.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir(), store: embstore.New(embstore.NewMemory(), nil)}
	t.Cleanup(func() { f.store.Close() })
	rng := rand.New(rand.NewPCG(7, 11))

	putSpeakers(t, f.store, "train", "tr", rng, speakers(rng, 20, 0), 6, 1)
	putSpeakers(t, f.store, "tel-adapt", "ad", rng, speakers(rng, 12, 0.5), 4, 1.2)
	putSpeakers(t, f.store, "cohort", "co", rng, speakers(rng, 10, 0), 1, 1)

	eval := speakers(rng, 8, 0)
	putSpeakers(t, f.store, "eval-tel", "sp", rng, eval, 4, 1)
	putSpeakers(t, f.store, "eval-vid", "sp", rng, eval, 4, 1.5)

	var trials, enroll strings.Builder
	for m := range eval {
		fmt.Fprintf(&enroll, "m%02d sp%02d-0 sp%02d-1\n", m, m, m)
		for s := range eval {
			for _, n := range []int{2, 3} {
				label := "nontarget"
				if m == s {
					label = "target"
					f.targets++
				}
				fmt.Fprintf(&trials, "m%02d sp%02d-%d %s\n", m, s, n, label)
				f.trials++
			}
		}
	}
	trials.WriteString("m00 ghost target\n")
	f.trials++
	f.targets++
	f.write(t, "trials.txt", trials.String())
	f.write(t, "enroll.txt", enroll.String())
	return f
}

func (f *fixture) write(t *testing.T, name, data string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, name), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

const pipelineYAML = `
name: toy
workers: 3
domains:
  - name: tel
    train: train
    lda: {dim: 4}
    plda: {y_dim: 3, z_dim: 4, iters: 8}
    adapt:
      min_speakers: 5
      passes:
        - name: in-domain
          dataset: tel-adapt
          weights: {mean: 0.5, between: 0.3, within: 0.3}
    cohort: {dataset: %s, top_n: 5}
    calibration: {dev: eval}
    conditions:
      - {name: eval, enroll: eval-tel, trials: trials.txt, enrollments: enroll.txt}
  - name: vid
    train: train
    lda: {dim: 4}
    plda: {y_dim: 3, iters: 8}
    cohort: {dataset: cohort}
    calibration: {dev: eval}
    conditions:
      - {name: eval, enroll: eval-vid, trials: trials.txt, enrollments: enroll.txt}
fusions:
  - {name: fused, domains: [tel, vid], dev: eval}
`

func (f *fixture) config(t *testing.T, cohort string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(fmt.Sprintf(pipelineYAML, cohort)), f.dir)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	return cfg
}

func newArtifacts(t *testing.T) *storage.Artifacts {
	t.Helper()
	fs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return storage.NewArtifacts(fs, nil)
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	art := newArtifacts(t)
	b := New(f.config(t, "cohort"), f.store, art, nil)
	ctx := context.Background()

	res, err := b.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var want []string
	for _, d := range []string{"tel", "vid"} {
		for _, s := range []Stage{StageRaw, StageNormalized, StageCalibrated} {
			want = append(want, LayerKey{d, "eval", s}.String())
		}
	}
	want = append([]string{LayerKey{"fused", "eval", StageFused}.String()}, want...)
	var got []string
	for _, k := range res.Records.Keys() {
		got = append(got, k.String())
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("layers = %v, want %v", got, want)
	}

	raw, _ := res.Records.Get(LayerKey{"tel", "eval", StageRaw})
	if len(raw.Scores) != f.trials-1 || len(raw.Failures) != 1 {
		t.Fatalf("raw layer: %d scores, %d failures", len(raw.Scores), len(raw.Failures))
	}
	if !errors.Is(raw.Failures[0], embstore.ErrMissingEmbedding) || raw.Failures[0].Index != f.trials-1 {
		t.Fatalf("unexpected failure %v", raw.Failures[0])
	}
	norm, _ := res.Records.Get(LayerKey{"tel", "eval", StageNormalized})
	if len(norm.Scores) != len(raw.Scores) || len(norm.Failures) != 1 {
		t.Fatalf("normalized layer: %d scores, %d failures", len(norm.Scores), len(norm.Failures))
	}
	for i := range raw.Scores {
		if raw.Scores[i].Trial != norm.Scores[i].Trial {
			t.Fatalf("layer order differs at %d", i)
		}
	}

	reports := make(map[string]metrics.Report)
	for _, r := range res.Reports {
		reports[r.Name] = r
	}
	if len(reports) != 7 {
		t.Fatalf("got %d reports", len(reports))
	}
	for name, r := range reports {
		if r.Targets != f.targets-1 || r.NonTargets != f.trials-f.targets {
			t.Errorf("%s: %d targets, %d non-targets", name, r.Targets, r.NonTargets)
		}
		if r.EER > 0.25 {
			t.Errorf("%s: EER %.3f", name, r.EER)
		}
	}
	cal := reports["tel/eval/calibrated"]
	if cal.Cllr >= 1 {
		t.Errorf("calibrated Cllr %.3f not below the uninformative 1", cal.Cllr)
	}
	if d := cal.EER - reports["tel/eval/normalized"].EER; d != 0 {
		t.Errorf("calibration changed EER by %g", d)
	}

	for _, a := range []struct{ domain, kind string }{
		{"tel", modelcodec.KindModelSet},
		{"tel", modelcodec.KindCalibration},
		{"vid", modelcodec.KindModelSet},
		{"fused", modelcodec.KindCalibration},
	} {
		if _, err := art.Load(ctx, a.domain, a.kind); err != nil {
			t.Errorf("artifact %s %s: %v", a.domain, a.kind, err)
		}
	}
	// Model files are written without a current pointer of their own.
	if _, err := art.Load(ctx, "tel", modelcodec.KindProjection); !errors.Is(err, storage.ErrNoArtifact) {
		t.Errorf("projection has a current pointer: %v", err)
	}
	if m, err := b.LoadModels(ctx, "tel"); err != nil || m.Adapted == nil {
		t.Errorf("tel models = %+v, %v", m, err)
	}
	if m, err := b.LoadModels(ctx, "vid"); err != nil || m.Adapted != nil {
		t.Errorf("vid models = %+v, %v", m, err)
	}
	if m := res.Calibrations["fused"]; m == nil || len(m.Weights) != 2 {
		t.Fatalf("fused calibration = %+v", m)
	}

	// A second run over the published models reproduces the raw scores.
	again, err := New(f.config(t, "cohort"), f.store, art, nil).Run(ctx, RunOptions{Reuse: true})
	if err != nil {
		t.Fatalf("Run(Reuse): %v", err)
	}
	raw2, _ := again.Records.Get(LayerKey{"tel", "eval", StageRaw})
	for i := range raw.Scores {
		if raw.Scores[i].Value != raw2.Scores[i].Value {
			t.Fatalf("score %d: %v then %v", i, raw.Scores[i].Value, raw2.Scores[i].Value)
		}
	}
	if again.RunID == res.RunID {
		t.Fatal("runs share an id")
	}
}

func TestRunManyFusions(t *testing.T) {
	f := newFixture(t)
	var extra strings.Builder
	names := []string{"fused"}
	for i := range 7 {
		name := fmt.Sprintf("fused%d", i)
		names = append(names, name)
		domains := "[tel, vid]"
		if i%2 == 1 {
			domains = "[vid, tel]"
		}
		fmt.Fprintf(&extra, "  - {name: %s, domains: %s, dev: eval}\n", name, domains)
	}
	cfg, err := ParseConfig([]byte(fmt.Sprintf(pipelineYAML, "cohort")+extra.String()), f.dir)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	res, err := New(cfg, f.store, nil, nil).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Calibrations) != 2+len(names) {
		t.Fatalf("got %d calibrations", len(res.Calibrations))
	}
	for _, name := range names {
		m := res.Calibrations[name]
		if m == nil || len(m.Weights) != 2 {
			t.Errorf("%s calibration = %+v", name, m)
		}
		if _, ok := res.Records.Get(LayerKey{name, "eval", StageFused}); !ok {
			t.Errorf("%s layer missing", name)
		}
	}
	for _, d := range []string{"tel", "vid"} {
		if m := res.Calibrations[d]; m == nil || len(m.Weights) != 1 {
			t.Errorf("%s calibration = %+v", d, m)
		}
	}
}

func TestModelSetPublishedAsUnit(t *testing.T) {
	f := newFixture(t)
	art := newArtifacts(t)
	b := New(f.config(t, "cohort"), f.store, art, nil)
	ctx := context.Background()

	first, err := b.Train(ctx, "tel")
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Train(ctx, "tel")
	if err != nil {
		t.Fatal(err)
	}
	if first.SetID == uuid.Nil || first.SetID == second.SetID {
		t.Fatalf("set ids %v, %v", first.SetID, second.SetID)
	}

	// A stray projection published on its own does not leak into the set.
	stray, err := b.Train(ctx, "vid")
	if err != nil {
		t.Fatal(err)
	}
	data, err := lda.Marshal(stray.Projection)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := art.Publish(ctx, "tel", data); err != nil {
		t.Fatal(err)
	}

	got, err := b.LoadModels(ctx, "tel")
	if err != nil {
		t.Fatal(err)
	}
	if got.SetID != second.SetID || got.Projection.ID != second.Projection.ID ||
		got.Base.ID != second.Base.ID || got.Adapted.ID != second.Adapted.ID {
		t.Fatalf("loaded a mixed set: %v %v %v", got.SetID, got.Projection.ID, got.Base.ID)
	}
	old, err := b.LoadModelSet(ctx, "tel", first.SetID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Projection.ID != first.Projection.ID || old.Adapted.ID != first.Adapted.ID {
		t.Fatal("pinned set returned other models")
	}

	sets, err := b.ModelSets(ctx, "tel")
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 2 {
		t.Fatalf("got %d sets", len(sets))
	}
	var current int
	for _, s := range sets {
		if s.Current {
			current++
			if s.ID != second.SetID {
				t.Errorf("current set %v, want %v", s.ID, second.SetID)
			}
		}
		if s.Adapted == "" {
			t.Errorf("set %v has no adapted model", s.ID)
		}
	}
	if current != 1 {
		t.Fatalf("%d current sets", current)
	}
}

func TestRunCohortContamination(t *testing.T) {
	f := newFixture(t)
	b := New(f.config(t, "eval-tel"), f.store, nil, nil)

	res, err := b.Run(context.Background(), RunOptions{})
	if !errors.Is(err, snorm.ErrContamination) {
		t.Fatalf("expected contamination, got %v", err)
	}
	var te *TaskError
	if !errors.As(err, &te) || te.Name != "score tel/eval" {
		t.Fatalf("expected the tel scoring task to fail, got %v", err)
	}
	if _, ok := res.Records.Get(LayerKey{"tel", "eval", StageRaw}); ok {
		t.Fatal("contaminated condition was scored")
	}
	// The sibling condition still completed before the barrier.
	if _, ok := res.Records.Get(LayerKey{"vid", "eval", StageNormalized}); !ok {
		t.Fatal("vid layers missing")
	}
	if len(res.Calibrations) != 0 {
		t.Fatal("calibration ran after a failed stage")
	}
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	b := New(f.config(t, "cohort"), f.store, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Run(ctx, RunOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestScoreConditionUnknownNames(t *testing.T) {
	f := newFixture(t)
	b := New(f.config(t, "cohort"), f.store, nil, nil)
	if _, err := b.Train(context.Background(), "field"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
	if _, err := b.Trials("tel", "dev"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
	if _, err := b.LoadModels(context.Background(), "tel"); err == nil {
		t.Fatal("expected an error without an artifact store")
	}
}

func TestTrainThenScore(t *testing.T) {
	f := newFixture(t)
	b := New(f.config(t, "cohort"), f.store, nil, nil)
	ctx := context.Background()

	m, err := b.Train(ctx, "vid")
	if err != nil {
		t.Fatal(err)
	}
	if m.Adapted != nil || m.Scorer() != m.Base {
		t.Fatal("vid has no adaptation passes")
	}
	if _, err := b.Adapt(ctx, "vid", m); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}

	rec := NewRecords()
	if err := b.ScoreCondition(ctx, "vid", "eval", m, rec); err != nil {
		t.Fatal(err)
	}
	if err := b.ScoreCondition(ctx, "vid", "eval", m, rec); !errors.Is(err, ErrLayerExists) {
		t.Fatalf("expected ErrLayerExists on a rerun, got %v", err)
	}
	l, _ := rec.Get(LayerKey{"vid", "eval", StageRaw})
	tar, non := scoring.Split(l.Scores)
	if avg(tar) <= avg(non) {
		t.Fatalf("target mean %.3f not above non-target mean %.3f", avg(tar), avg(non))
	}
}

func avg(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
