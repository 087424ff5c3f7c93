package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/haivivi/svbackend/pkg/modelcodec"
)

// ErrNoArtifact is returned when a domain has no published model of a
// kind.
var ErrNoArtifact = errors.New("storage: no published artifact")

// Artifacts publishes encoded models under
//
//	<domain>/<kind>/<uuid>.svb
//	<domain>/<kind>/current        name of the latest .svb
//
// The model file is written completely before the pointer moves, so a
// loader sees either the previous model or the new one.
type Artifacts struct {
	fs  FileStore
	log *slog.Logger
}

// NewArtifacts wraps fs. A nil logger uses slog.Default().
func NewArtifacts(fs FileStore, log *slog.Logger) *Artifacts {
	if log == nil {
		log = slog.Default()
	}
	return &Artifacts{fs: fs, log: log}
}

func artifactDir(domain, kind string) string { return path.Join(domain, kind) }

// Put stores an encoded model under domain without making it current
// and returns its path. The kind and id are read from the model header.
func (a *Artifacts) Put(ctx context.Context, domain string, data []byte) (string, error) {
	h, _, err := modelcodec.Peek(data)
	if err != nil {
		return "", fmt.Errorf("storage: put: %w", err)
	}
	p := path.Join(artifactDir(domain, h.Kind), h.ID.String()+".svb")
	if err := WriteFile(ctx, a.fs, p, data); err != nil {
		return "", fmt.Errorf("storage: write %s: %w", p, err)
	}
	return p, nil
}

// Publish stores an encoded model and makes it current for domain.
func (a *Artifacts) Publish(ctx context.Context, domain string, data []byte) (string, error) {
	p, err := a.Put(ctx, domain, data)
	if err != nil {
		return "", err
	}
	dir, name := path.Split(p)
	if err := WriteFile(ctx, a.fs, path.Join(dir, "current"), []byte(name+"\n")); err != nil {
		return "", fmt.Errorf("storage: move %s pointer: %w", dir, err)
	}
	a.log.Info("storage: published artifact", "domain", domain, "id", strings.TrimSuffix(name, ".svb"), "bytes", len(data))
	return p, nil
}

// Get reads a model by the path Put or Publish returned.
func (a *Artifacts) Get(ctx context.Context, p string) ([]byte, error) {
	clean := path.Clean(p)
	if clean != p || path.IsAbs(p) || strings.HasPrefix(p, "../") || !strings.HasSuffix(p, ".svb") {
		return nil, fmt.Errorf("storage: bad artifact path %q", p)
	}
	data, err := ReadFile(ctx, a.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoArtifact, p)
	}
	return data, err
}

// Load returns the current model of kind for domain.
func (a *Artifacts) Load(ctx context.Context, domain, kind string) ([]byte, error) {
	dir := artifactDir(domain, kind)
	ptr, err := ReadFile(ctx, a.fs, path.Join(dir, "current"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s %s", ErrNoArtifact, domain, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s pointer: %w", dir, err)
	}
	name := strings.TrimSpace(string(ptr))
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("storage: bad %s pointer %q", dir, name)
	}
	return ReadFile(ctx, a.fs, path.Join(dir, name))
}

// LoadID returns a specific published version.
func (a *Artifacts) LoadID(ctx context.Context, domain, kind string, id uuid.UUID) ([]byte, error) {
	return a.Get(ctx, path.Join(artifactDir(domain, kind), id.String()+".svb"))
}

// Versions lists the published ids of kind for domain.
func (a *Artifacts) Versions(ctx context.Context, domain, kind string) ([]uuid.UUID, error) {
	paths, err := a.fs.List(ctx, artifactDir(domain, kind)+"/")
	if err != nil {
		return nil, err
	}
	var out []uuid.UUID
	for _, p := range paths {
		base, ok := strings.CutSuffix(path.Base(p), ".svb")
		if !ok {
			continue
		}
		id, err := uuid.Parse(base)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
