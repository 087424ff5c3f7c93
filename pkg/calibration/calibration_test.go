package calibration

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/haivivi/svbackend/pkg/metrics"
	"github.com/haivivi/svbackend/pkg/modelcodec"
	"github.com/haivivi/svbackend/pkg/scoring"
)

func gauss(rng *rand.Rand, n int, mu, sd float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = mu + sd*rng.NormFloat64()
	}
	return out
}

func TestFitReducesCrossEntropy(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1^0xdeadbeef))
	// Separable but badly shifted: every raw score claims non-target.
	tar := gauss(rng, 500, -5, 2)
	non := gauss(rng, 500, -11, 2)

	m, err := Fit("tel", tar, non, Config{}, nil)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	calT := make([]float64, len(tar))
	for i, s := range tar {
		calT[i], _ = m.Apply("tel", s)
	}
	calN := make([]float64, len(non))
	for i, s := range non {
		calN[i], _ = m.Apply("tel", s)
	}
	before := metrics.CrossEntropy(tar, non, m.Prior)
	after := metrics.CrossEntropy(calT, calN, m.Prior)
	if after > 0.5*before {
		t.Fatalf("cross-entropy %v -> %v, want at least 50%% reduction", before, after)
	}

	// Equal-variance Gaussians have LLR 1.5·s + 12.
	if math.Abs(m.Weights[0]-1.5) > 0.25 || math.Abs(m.Bias-12) > 2 {
		t.Fatalf("fitted %v·s + %v, want about 1.5·s + 12", m.Weights[0], m.Bias)
	}
	// Calibration is monotone: EER is unchanged.
	if metrics.EER(tar, non) != metrics.EER(calT, calN) {
		t.Fatal("calibration changed the EER")
	}
}

func TestFitLogKeysUnique(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil)).With("domain", "tel")
	if _, err := Fit("tel", gauss(rng, 50, 2, 1), gauss(rng, 50, -2, 1), Config{}, log); err != nil {
		t.Fatal(err)
	}
	if n := bytes.Count(buf.Bytes(), []byte(`"domain":`)); n != 1 {
		t.Fatalf("domain logged %d times: %s", n, buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line %q: %v", buf.String(), err)
	}
	if rec["model_domain"] != "tel" {
		t.Fatalf("model_domain = %v", rec["model_domain"])
	}
}

func TestFitErrors(t *testing.T) {
	tar, non := []float64{1, 2}, []float64{-1, -2}
	if _, err := Fit("tel", nil, non, Config{}, nil); !errors.Is(err, ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
	for _, cfg := range []Config{{Prior: 1}, {Prior: -0.5}, {Ridge: -1}} {
		if _, err := Fit("tel", tar, non, cfg, nil); !errors.Is(err, ErrConfig) {
			t.Errorf("Fit(%+v): expected ErrConfig, got %v", cfg, err)
		}
	}
	if _, err := FitFusion([]string{"tel"}, nil, nil, Config{}, nil); !errors.Is(err, ErrInputs) {
		t.Fatalf("expected ErrInputs, got %v", err)
	}
	if _, err := FitFusion([]string{"tel", "vid"}, [][]float64{{1}}, [][]float64{{0, 1}}, Config{}, nil); !errors.Is(err, ErrInputs) {
		t.Fatalf("expected ErrInputs for a short row, got %v", err)
	}
}

func TestDomainMismatch(t *testing.T) {
	m := &Model{Domain: "tel", Inputs: []string{"tel"}, Weights: []float64{2}, Bias: 1}
	if v, err := m.Apply("tel", 3); err != nil || v != 7 {
		t.Fatalf("Apply = %v, %v", v, err)
	}
	_, err := m.Apply("vid", 3)
	if !errors.Is(err, ErrDomainMismatch) {
		t.Fatalf("expected ErrDomainMismatch, got %v", err)
	}
	var de *DomainMismatchError
	if !errors.As(err, &de) || de.Want != "tel" || de.Got != "vid" {
		t.Fatalf("unexpected error detail: %v", err)
	}
	if _, err := m.ApplyScores("vid", nil); !errors.Is(err, ErrDomainMismatch) {
		t.Fatalf("ApplyScores: expected ErrDomainMismatch, got %v", err)
	}
	if _, err := m.Apply("tel", 1, 2); !errors.Is(err, ErrInputs) {
		t.Fatalf("expected ErrInputs, got %v", err)
	}

	in := []scoring.Score{{Trial: scoring.Trial{Enroll: "a", Test: "b"}, Value: 1}}
	out, err := m.ApplyScores("tel", in)
	if err != nil || out[0].Value != 3 || in[0].Value != 1 {
		t.Fatalf("ApplyScores = %v, %v (input now %v)", out, err, in[0].Value)
	}
}

// layers builds a telephone and a video layer over the same trials with
// independent noise.
func layers(seed uint64, n int) (tel, vid []scoring.Score) {
	rng := rand.New(rand.NewPCG(seed, seed^0xdeadbeef))
	for i := 0; i < n; i++ {
		l, mu := scoring.NonTarget, -1.0
		if i%2 == 0 {
			l, mu = scoring.Target, 1.0
		}
		tr := scoring.Trial{Enroll: fmt.Sprintf("m%03d", i), Test: fmt.Sprintf("u%03d", i), Label: l}
		tel = append(tel, scoring.Score{Trial: tr, Index: i, Value: 3*mu + 2*rng.NormFloat64()})
		vid = append(vid, scoring.Score{Trial: tr, Index: i, Value: mu + 1*rng.NormFloat64() - 4})
	}
	return tel, vid
}

func TestFusion(t *testing.T) {
	tel, vid := layers(2, 600)
	tar, non := Pair(tel, vid)
	if len(tar) != 300 || len(non) != 300 {
		t.Fatalf("paired %d targets, %d non-targets", len(tar), len(non))
	}
	fused, err := FitFusion([]string{"tel", "vid"}, tar, non, Config{}, nil)
	if err != nil {
		t.Fatalf("FitFusion: %v", err)
	}
	if fused.Domain != "tel+vid" || len(fused.Weights) != 2 {
		t.Fatalf("fused model %+v", fused)
	}
	if _, err := fused.Apply("tel", 1, 2); !errors.Is(err, ErrDomainMismatch) {
		t.Fatalf("fused model applied to a single domain: %v", err)
	}

	tt, tn := scoring.Split(tel)
	single := map[string]*Model{}
	for name, l := range map[string][]scoring.Score{"tel": tel, "vid": vid} {
		st, sn := scoring.Split(l)
		m, err := Fit(name, st, sn, Config{}, nil)
		if err != nil {
			t.Fatalf("Fit %s: %v", name, err)
		}
		single[name] = m
	}
	f := &Fuser{Fused: fused, Single: single}
	out, err := f.Fuse(map[string][]scoring.Score{"tel": tel, "vid": vid})
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	ft, fn := scoring.Split(out)
	calTel, _ := single["tel"].ApplyScores("tel", tel)
	ct, cn := scoring.Split(calTel)
	if metrics.Cllr(ft, fn) >= metrics.Cllr(ct, cn) {
		t.Fatalf("fusion Cllr %v not below telephone-only %v", metrics.Cllr(ft, fn), metrics.Cllr(ct, cn))
	}
	if metrics.EER(ft, fn) > metrics.EER(tt, tn) {
		t.Fatalf("fusion EER %v above telephone-only %v", metrics.EER(ft, fn), metrics.EER(tt, tn))
	}

	// A trial scored in one domain only passes through that domain's model.
	extra := scoring.Score{Trial: scoring.Trial{Enroll: "solo", Test: "x"}, Value: 0.5}
	out, err = f.Fuse(map[string][]scoring.Score{"tel": tel[:2], "vid": append(vid[:2:2], extra)})
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if len(out) != 3 || out[2].Trial.Enroll != "solo" {
		t.Fatalf("unexpected fused layer %v", out)
	}
	want, _ := single["vid"].Apply("vid", 0.5)
	if out[2].Value != want {
		t.Fatalf("pass-through = %v, want %v", out[2].Value, want)
	}

	// A layer from an unknown domain is rejected.
	if _, err := f.Fuse(map[string][]scoring.Score{"vast": tel[:1]}); !errors.Is(err, ErrDomainMismatch) {
		t.Fatalf("expected ErrDomainMismatch, got %v", err)
	}
	// Without a single-domain model the pass-through fails.
	g := &Fuser{Fused: fused}
	if _, err := g.Fuse(map[string][]scoring.Score{"vid": {extra}}); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	tel, vid := layers(3, 100)
	tar, non := Pair(tel, vid)
	m, err := FitFusion([]string{"tel", "vid"}, tar, non, Config{Prior: 0.1, Ridge: 1e-3}, nil)
	if err != nil {
		t.Fatalf("FitFusion: %v", err)
	}
	data, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.ID != m.ID || back.Domain != m.Domain || back.Prior != m.Prior {
		t.Fatalf("metadata changed: %+v vs %+v", back, m)
	}
	for _, row := range append(tar, non...) {
		a, _ := m.Apply(m.Domain, row...)
		b, _ := back.Apply(back.Domain, row...)
		if math.Float64bits(a) != math.Float64bits(b) {
			t.Fatalf("score %v != %v after round trip", a, b)
		}
	}

	if _, err := Unmarshal(data[:len(data)-3]); err == nil {
		t.Fatal("expected error for truncated data")
	}
	if _, err := Unmarshal([]byte("SVBK\x00\x00\x00\x09junk")); !errors.Is(err, modelcodec.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}
