package backend

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/haivivi/svbackend/pkg/lda"
	"github.com/haivivi/svbackend/pkg/modelcodec"
	"github.com/haivivi/svbackend/pkg/plda"
)

// modelSet is the published manifest of a domain's models. Entries are
// artifact paths; Adapted is empty for a domain without adaptation.
type modelSet struct {
	Projection string `msgpack:"projection"`
	Base       string `msgpack:"base"`
	Adapted    string `msgpack:"adapted,omitempty"`
}

// ModelSet describes one published model set of a domain.
type ModelSet struct {
	ID         uuid.UUID `json:"id" yaml:"id"`
	Current    bool      `json:"current" yaml:"current"`
	Projection string    `json:"projection" yaml:"projection"`
	Base       string    `json:"base" yaml:"base"`
	Adapted    string    `json:"adapted,omitempty" yaml:"adapted,omitempty"`
}

// publishModels writes every model file, then the manifest naming them.
// Only the manifest moves a current pointer, so loaders see either the
// previous set or the new one, never a mix.
func (b *Backend) publishModels(ctx context.Context, domain string, m *Models) error {
	if b.artifacts == nil {
		return nil
	}
	put := func(encode func() ([]byte, error)) (string, error) {
		data, err := encode()
		if err != nil {
			return "", fmt.Errorf("backend: encode %s model: %w", domain, err)
		}
		p, err := b.artifacts.Put(ctx, domain, data)
		if err != nil {
			return "", fmt.Errorf("backend: %w", err)
		}
		return p, nil
	}
	var set modelSet
	var err error
	if set.Projection, err = put(func() ([]byte, error) { return lda.Marshal(m.Projection) }); err != nil {
		return err
	}
	if set.Base, err = put(func() ([]byte, error) { return plda.Marshal(m.Base) }); err != nil {
		return err
	}
	if m.Adapted != nil {
		if set.Adapted, err = put(func() ([]byte, error) { return plda.Marshal(m.Adapted) }); err != nil {
			return err
		}
	}
	id := uuid.New()
	data, err := modelcodec.Encode(modelcodec.KindModelSet, id, &set)
	if err != nil {
		return fmt.Errorf("backend: encode %s model set: %w", domain, err)
	}
	if _, err := b.artifacts.Publish(ctx, domain, data); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	m.SetID = id
	return nil
}

// LoadModels reads the current published model set of a domain.
func (b *Backend) LoadModels(ctx context.Context, domain string) (*Models, error) {
	if b.artifacts == nil {
		return nil, fmt.Errorf("backend: no artifact store")
	}
	data, err := b.artifacts.Load(ctx, domain, modelcodec.KindModelSet)
	if err != nil {
		return nil, err
	}
	return b.loadSet(ctx, domain, data)
}

// LoadModelSet reads a specific published model set of a domain.
func (b *Backend) LoadModelSet(ctx context.Context, domain string, id uuid.UUID) (*Models, error) {
	if b.artifacts == nil {
		return nil, fmt.Errorf("backend: no artifact store")
	}
	data, err := b.artifacts.LoadID(ctx, domain, modelcodec.KindModelSet, id)
	if err != nil {
		return nil, err
	}
	return b.loadSet(ctx, domain, data)
}

func decodeSet(data []byte) (modelSet, uuid.UUID, error) {
	var set modelSet
	h, err := modelcodec.Decode(data, modelcodec.KindModelSet, &set)
	return set, h.ID, err
}

func (b *Backend) loadSet(ctx context.Context, domain string, data []byte) (*Models, error) {
	set, id, err := decodeSet(data)
	if err != nil {
		return nil, fmt.Errorf("backend: %s model set: %w", domain, err)
	}
	m := &Models{SetID: id}
	if data, err = b.artifacts.Get(ctx, set.Projection); err != nil {
		return nil, err
	}
	if m.Projection, err = lda.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("backend: %s projection: %w", domain, err)
	}
	if data, err = b.artifacts.Get(ctx, set.Base); err != nil {
		return nil, err
	}
	if m.Base, err = plda.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("backend: %s plda: %w", domain, err)
	}
	if set.Adapted != "" {
		if data, err = b.artifacts.Get(ctx, set.Adapted); err != nil {
			return nil, err
		}
		if m.Adapted, err = plda.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("backend: %s adapted plda: %w", domain, err)
		}
	}
	return m, nil
}

// ModelSets lists the published model sets of a domain.
func (b *Backend) ModelSets(ctx context.Context, domain string) ([]ModelSet, error) {
	if b.artifacts == nil {
		return nil, fmt.Errorf("backend: no artifact store")
	}
	var current uuid.UUID
	if data, err := b.artifacts.Load(ctx, domain, modelcodec.KindModelSet); err == nil {
		if h, _, err := modelcodec.Peek(data); err == nil {
			current = h.ID
		}
	}
	ids, err := b.artifacts.Versions(ctx, domain, modelcodec.KindModelSet)
	if err != nil {
		return nil, err
	}
	out := make([]ModelSet, 0, len(ids))
	for _, id := range ids {
		data, err := b.artifacts.LoadID(ctx, domain, modelcodec.KindModelSet, id)
		if err != nil {
			return nil, err
		}
		set, _, err := decodeSet(data)
		if err != nil {
			return nil, fmt.Errorf("backend: %s model set %s: %w", domain, id, err)
		}
		out = append(out, ModelSet{
			ID:         id,
			Current:    id == current,
			Projection: set.Projection,
			Base:       set.Base,
			Adapted:    set.Adapted,
		})
	}
	return out, nil
}
