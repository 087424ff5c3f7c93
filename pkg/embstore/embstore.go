// Package embstore is the read-mostly embedding store consumed by the
// scoring backend. Embeddings are fixed-length float64 vectors keyed by
// (dataset, utterance id); speaker labels live beside them.
//
// # Layout
//
// Values sit in a Backend under hierarchical keys:
//
//	emb ␟ <dataset> ␟ <utt>   msgpack []float64
//	spk ␟ <dataset> ␟ <utt>   speaker id (raw bytes)
//	set ␟ <dataset>           msgpack DatasetInfo
//
// Lookups that miss return *MissingEmbeddingError, never a nil vector.
package embstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Sentinel errors.
var (
	// ErrMissingEmbedding matches every *MissingEmbeddingError.
	ErrMissingEmbedding = errors.New("embstore: missing embedding")

	// ErrDimension is returned when a vector does not match the
	// dimension already recorded for its dataset.
	ErrDimension = errors.New("embstore: dimension mismatch")

	errNotFound = errors.New("embstore: not found")
)

// MissingEmbeddingError reports an utterance id absent from a dataset.
type MissingEmbeddingError struct {
	Dataset string
	ID      string
}

func (e *MissingEmbeddingError) Error() string {
	return fmt.Sprintf("embstore: no embedding for %q in dataset %q", e.ID, e.Dataset)
}

func (e *MissingEmbeddingError) Is(target error) bool {
	return target == ErrMissingEmbedding
}

// Embedding is one utterance's vector. Treat Vector as immutable.
type Embedding struct {
	ID     string
	Vector []float64
}

// DatasetInfo is the per-dataset metadata record.
type DatasetInfo struct {
	Name  string `json:"name" yaml:"name" msgpack:"name"`
	Dim   int    `json:"dim" yaml:"dim" msgpack:"dim"`
	Count int    `json:"count" yaml:"count" msgpack:"count"`
}

// Reader resolves utterance ids to vectors.
type Reader interface {
	Lookup(ctx context.Context, id string) ([]float64, error)
}

// Store wraps a Backend with dataset-aware encoding.
type Store struct {
	b   Backend
	log *slog.Logger
}

// New creates a Store over b. A nil logger uses slog.Default().
func New(b Backend, l *slog.Logger) *Store {
	return &Store{b: b, log: logger(l)}
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.b.Close()
}

func embKey(set, id string) Key { return Key{"emb", set, id} }
func spkKey(set, id string) Key { return Key{"spk", set, id} }
func setKey(set string) Key     { return Key{"set", set} }

// Info returns the metadata of a dataset, or a zero DatasetInfo with
// the name filled in when the dataset has never been written.
func (s *Store) Info(ctx context.Context, set string) (DatasetInfo, error) {
	raw, err := s.b.Get(ctx, setKey(set))
	if errors.Is(err, errNotFound) {
		return DatasetInfo{Name: set}, nil
	}
	if err != nil {
		return DatasetInfo{}, fmt.Errorf("embstore: read dataset %q: %w", set, err)
	}
	var info DatasetInfo
	if err := msgpack.Unmarshal(raw, &info); err != nil {
		return DatasetInfo{}, fmt.Errorf("embstore: decode dataset %q: %w", set, err)
	}
	return info, nil
}

// Put writes embeddings into a dataset in one batch. Every vector must
// share the dataset's dimension; the first Put fixes it.
func (s *Store) Put(ctx context.Context, set string, embs []Embedding) error {
	if len(embs) == 0 {
		return nil
	}
	info, err := s.Info(ctx, set)
	if err != nil {
		return err
	}
	if info.Dim == 0 {
		info.Dim = len(embs[0].Vector)
	}
	entries := make([]Entry, 0, len(embs)+1)
	added := 0
	for _, e := range embs {
		if len(e.Vector) != info.Dim {
			return fmt.Errorf("%w: %q has %d components, dataset %q has %d",
				ErrDimension, e.ID, len(e.Vector), set, info.Dim)
		}
		if _, err := s.b.Get(ctx, embKey(set, e.ID)); errors.Is(err, errNotFound) {
			added++
		}
		val, err := msgpack.Marshal(e.Vector)
		if err != nil {
			return fmt.Errorf("embstore: encode %q: %w", e.ID, err)
		}
		entries = append(entries, Entry{Key: embKey(set, e.ID), Value: val})
	}
	info.Count += added
	meta, err := msgpack.Marshal(&info)
	if err != nil {
		return fmt.Errorf("embstore: encode dataset %q: %w", set, err)
	}
	entries = append(entries, Entry{Key: setKey(set), Value: meta})
	if err := s.b.BatchSet(ctx, entries); err != nil {
		return fmt.Errorf("embstore: write dataset %q: %w", set, err)
	}
	s.log.Debug("embstore: put embeddings", "dataset", set, "n", len(embs), "dim", info.Dim)
	return nil
}

// PutLabels writes utterance-to-speaker labels for a dataset.
func (s *Store) PutLabels(ctx context.Context, set string, labels map[string]string) error {
	entries := make([]Entry, 0, len(labels))
	for utt, spk := range labels {
		entries = append(entries, Entry{Key: spkKey(set, utt), Value: []byte(spk)})
	}
	if err := s.b.BatchSet(ctx, entries); err != nil {
		return fmt.Errorf("embstore: write labels %q: %w", set, err)
	}
	return nil
}

// Get returns the vector for id in set.
func (s *Store) Get(ctx context.Context, set, id string) ([]float64, error) {
	raw, err := s.b.Get(ctx, embKey(set, id))
	if errors.Is(err, errNotFound) {
		return nil, &MissingEmbeddingError{Dataset: set, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("embstore: get %q: %w", id, err)
	}
	var v []float64
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("embstore: decode %q: %w", id, err)
	}
	return v, nil
}

// Delete removes a dataset with its labels and metadata.
func (s *Store) Delete(ctx context.Context, set string) error {
	var keys []Key
	for _, prefix := range []Key{{"emb", set}, {"spk", set}} {
		for e, err := range s.b.List(ctx, prefix) {
			if err != nil {
				return fmt.Errorf("embstore: list %q: %w", set, err)
			}
			keys = append(keys, e.Key)
		}
	}
	keys = append(keys, setKey(set))
	return s.b.BatchDelete(ctx, keys)
}

// Labeled is a whole dataset in memory, sorted by utterance id.
// Labels[i] is empty for unlabeled utterances.
type Labeled struct {
	IDs     []string
	Vectors [][]float64
	Labels  []string
}

// Speakers returns the number of distinct non-empty labels.
func (l *Labeled) Speakers() int {
	seen := make(map[string]struct{})
	for _, s := range l.Labels {
		if s != "" {
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}

// Load reads every embedding of a dataset together with its labels.
func (s *Store) Load(ctx context.Context, set string) (*Labeled, error) {
	labels := make(map[string]string)
	for e, err := range s.b.List(ctx, Key{"spk", set}) {
		if err != nil {
			return nil, fmt.Errorf("embstore: list labels %q: %w", set, err)
		}
		labels[e.Key[len(e.Key)-1]] = string(e.Value)
	}

	out := &Labeled{}
	for e, err := range s.b.List(ctx, Key{"emb", set}) {
		if err != nil {
			return nil, fmt.Errorf("embstore: list %q: %w", set, err)
		}
		var v []float64
		if err := msgpack.Unmarshal(e.Value, &v); err != nil {
			return nil, fmt.Errorf("embstore: decode %q: %w", e.Key, err)
		}
		id := e.Key[len(e.Key)-1]
		out.IDs = append(out.IDs, id)
		out.Vectors = append(out.Vectors, v)
		out.Labels = append(out.Labels, labels[id])
	}
	if !sort.StringsAreSorted(out.IDs) {
		sortLabeled(out)
	}
	s.log.Debug("embstore: loaded dataset", "dataset", set, "n", len(out.IDs), "speakers", out.Speakers())
	return out, nil
}

func sortLabeled(l *Labeled) {
	idx := make([]int, len(l.IDs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return l.IDs[idx[a]] < l.IDs[idx[b]] })
	ids := make([]string, len(idx))
	vecs := make([][]float64, len(idx))
	labs := make([]string, len(idx))
	for i, j := range idx {
		ids[i], vecs[i], labs[i] = l.IDs[j], l.Vectors[j], l.Labels[j]
	}
	l.IDs, l.Vectors, l.Labels = ids, vecs, labs
}

// Dataset returns a Reader bound to one dataset.
func (s *Store) Dataset(set string) *Dataset {
	return &Dataset{s: s, name: set}
}

// Dataset is a Reader over a single dataset.
type Dataset struct {
	s    *Store
	name string
}

// Name returns the dataset name.
func (d *Dataset) Name() string { return d.name }

// Lookup implements Reader.
func (d *Dataset) Lookup(ctx context.Context, id string) ([]float64, error) {
	return d.s.Get(ctx, d.name, id)
}

// Map is an in-process Reader over a fixed id→vector map.
type Map map[string][]float64

// Lookup implements Reader.
func (m Map) Lookup(_ context.Context, id string) ([]float64, error) {
	v, ok := m[id]
	if !ok {
		return nil, &MissingEmbeddingError{ID: id}
	}
	return v, nil
}

// Chain is a Reader that tries each Reader in order. Used when trial
// sides live in different datasets (enrollment vs test segments).
type Chain []Reader

// Lookup implements Reader.
func (c Chain) Lookup(ctx context.Context, id string) ([]float64, error) {
	var last error = &MissingEmbeddingError{ID: id}
	for _, r := range c {
		v, err := r.Lookup(ctx, id)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrMissingEmbedding) {
			return nil, err
		}
		last = err
	}
	return nil, last
}
