package embstore_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/haivivi/svbackend/pkg/embstore"
)

func newTestStore(t *testing.T) *embstore.Store {
	t.Helper()
	s := embstore.New(embstore.NewMemory(), nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func newBadgerStore(t *testing.T) *embstore.Store {
	t.Helper()
	b, err := embstore.NewBadger(embstore.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	s := embstore.New(b, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func testStores(t *testing.T) map[string]*embstore.Store {
	return map[string]*embstore.Store{
		"memory": newTestStore(t),
		"badger": newBadgerStore(t),
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			embs := []embstore.Embedding{
				{ID: "utt1", Vector: []float64{1, 2, 3}},
				{ID: "utt2", Vector: []float64{0.1, -0.2, 1e-300}},
			}
			if err := s.Put(ctx, "dev", embs); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, err := s.Get(ctx, "dev", "utt2")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !slices.Equal(got, embs[1].Vector) {
				t.Fatalf("Get = %v, want %v", got, embs[1].Vector)
			}

			info, err := s.Info(ctx, "dev")
			if err != nil {
				t.Fatalf("Info: %v", err)
			}
			if info.Dim != 3 || info.Count != 2 {
				t.Fatalf("Info = %+v, want dim 3 count 2", info)
			}
		})
	}
}

func TestMissingEmbedding(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "dev", "nope")
			if !errors.Is(err, embstore.ErrMissingEmbedding) {
				t.Fatalf("expected ErrMissingEmbedding, got %v", err)
			}
			var me *embstore.MissingEmbeddingError
			if !errors.As(err, &me) || me.ID != "nope" || me.Dataset != "dev" {
				t.Fatalf("unexpected error detail: %#v", err)
			}
		})
	}
}

func TestPutDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Put(ctx, "dev", []embstore.Embedding{{ID: "a", Vector: []float64{1, 2}}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := s.Put(ctx, "dev", []embstore.Embedding{{ID: "b", Vector: []float64{1, 2, 3}}})
	if !errors.Is(err, embstore.ErrDimension) {
		t.Fatalf("expected ErrDimension, got %v", err)
	}
}

func TestLoadWithLabels(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			embs := []embstore.Embedding{
				{ID: "c", Vector: []float64{3}},
				{ID: "a", Vector: []float64{1}},
				{ID: "b", Vector: []float64{2}},
			}
			if err := s.Put(ctx, "train", embs); err != nil {
				t.Fatalf("Put: %v", err)
			}
			// A second dataset with a shared prefix must not leak in.
			if err := s.Put(ctx, "train2", []embstore.Embedding{{ID: "z", Vector: []float64{9}}}); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.PutLabels(ctx, "train", map[string]string{"a": "spk1", "c": "spk2"}); err != nil {
				t.Fatalf("PutLabels: %v", err)
			}

			l, err := s.Load(ctx, "train")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !slices.Equal(l.IDs, []string{"a", "b", "c"}) {
				t.Fatalf("IDs = %v", l.IDs)
			}
			if !slices.Equal(l.Labels, []string{"spk1", "", "spk2"}) {
				t.Fatalf("Labels = %v", l.Labels)
			}
			if l.Vectors[2][0] != 3 {
				t.Fatalf("Vectors = %v", l.Vectors)
			}
			if l.Speakers() != 2 {
				t.Fatalf("Speakers = %d, want 2", l.Speakers())
			}
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Put(ctx, "dev", []embstore.Embedding{{ID: "a", Vector: []float64{1}}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "dev"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "dev", "a"); !errors.Is(err, embstore.ErrMissingEmbedding) {
		t.Fatalf("expected missing after delete, got %v", err)
	}
	info, err := s.Info(ctx, "dev")
	if err != nil || info.Count != 0 {
		t.Fatalf("Info after delete = %+v, %v", info, err)
	}
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	c := embstore.Chain{
		embstore.Map{"a": {1}},
		embstore.Map{"b": {2}},
	}
	if v, err := c.Lookup(ctx, "b"); err != nil || v[0] != 2 {
		t.Fatalf("Lookup(b) = %v, %v", v, err)
	}
	if _, err := c.Lookup(ctx, "x"); !errors.Is(err, embstore.ErrMissingEmbedding) {
		t.Fatalf("expected ErrMissingEmbedding, got %v", err)
	}
}

func TestReadVectors(t *testing.T) {
	in := `utt1  [ 0.5 -1 2 ]
utt2 1e-3 2 3

`
	embs, err := embstore.ReadVectors(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadVectors: %v", err)
	}
	if len(embs) != 2 {
		t.Fatalf("got %d embeddings, want 2", len(embs))
	}
	if !slices.Equal(embs[0].Vector, []float64{0.5, -1, 2}) || embs[1].Vector[0] != 1e-3 {
		t.Fatalf("vectors = %v", embs)
	}

	if _, err := embstore.ReadVectors(strings.NewReader("utt1 [ ]\n")); err == nil {
		t.Fatal("expected error for empty vector")
	}
}

func TestReadEnrollments(t *testing.T) {
	in := "# model utts\nspkA u1 u2\nspkB u3\n"
	e, err := embstore.ReadEnrollments(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadEnrollments: %v", err)
	}
	if !slices.Equal(e.Utterances("spkA"), []string{"u1", "u2"}) {
		t.Fatalf("spkA = %v", e.Utterances("spkA"))
	}
	if !slices.Equal(e.Utterances("u9"), []string{"u9"}) {
		t.Fatalf("unknown model should enroll itself, got %v", e.Utterances("u9"))
	}
	if !slices.Equal(e.Models(), []string{"spkA", "spkB"}) {
		t.Fatalf("Models = %v", e.Models())
	}

	labels, err := embstore.ReadLabels(strings.NewReader("u1 spkA\nu2 spkA\n"))
	if err != nil {
		t.Fatalf("ReadLabels: %v", err)
	}
	inv := embstore.EnrollmentsFromLabels(labels)
	if !slices.Equal(inv["spkA"], []string{"u1", "u2"}) {
		t.Fatalf("EnrollmentsFromLabels = %v", inv)
	}
}
