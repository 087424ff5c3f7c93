package backend

import (
	"errors"
	"testing"

	"github.com/haivivi/svbackend/pkg/scoring"
)

func TestRecordsImmutable(t *testing.T) {
	r := NewRecords()
	k := LayerKey{"tel", "eval", StageRaw}
	scores := []scoring.Score{{Trial: scoring.Trial{Enroll: "m1", Test: "u1"}, Value: 1.5}}
	if err := r.Put(k, Layer{Scores: scores}); err != nil {
		t.Fatal(err)
	}
	scores[0].Value = 99
	got, ok := r.Get(k)
	if !ok || got.Scores[0].Value != 1.5 {
		t.Fatalf("Put did not copy: %+v", got)
	}
	got.Scores[0].Value = 42
	if again, _ := r.Get(k); again.Scores[0].Value != 1.5 {
		t.Fatal("Get returned shared storage")
	}
	if err := r.Put(k, Layer{}); !errors.Is(err, ErrLayerExists) {
		t.Fatalf("expected ErrLayerExists, got %v", err)
	}
}

func TestRecordsKeysAndLatest(t *testing.T) {
	r := NewRecords()
	for _, k := range []LayerKey{
		{"vid", "eval", StageRaw},
		{"tel", "eval", StageCalibrated},
		{"tel", "eval", StageRaw},
		{"tel", "eval", StageNormalized},
		{"tel", "dev", StageRaw},
	} {
		if err := r.Put(k, Layer{}); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"tel/dev/raw", "tel/eval/raw", "tel/eval/normalized", "tel/eval/calibrated", "vid/eval/raw"}
	keys := r.Keys()
	for i, k := range keys {
		if k.String() != want[i] {
			t.Fatalf("Keys = %v", keys)
		}
	}
	if _, s, ok := r.Latest("tel", "eval"); !ok || s != StageCalibrated {
		t.Fatalf("Latest = %v, %v", s, ok)
	}
	if _, _, ok := r.Latest("field", "eval"); ok {
		t.Fatal("Latest found a missing domain")
	}
}
