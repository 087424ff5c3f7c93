package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/haivivi/svbackend/pkg/backend"
	"github.com/haivivi/svbackend/pkg/cli"
	"github.com/haivivi/svbackend/pkg/embstore"
	"github.com/haivivi/svbackend/pkg/scoring"
	"github.com/haivivi/svbackend/pkg/storage"
)

// resolveContext merges global flags over the selected context over the
// per-user defaults.
func resolveContext() (cli.Context, error) {
	cfg, err := GetConfig()
	if err != nil {
		return cli.Context{}, err
	}
	c, err := cfg.ResolveContext(contextName)
	if err != nil {
		return cli.Context{}, err
	}
	out := *c
	if storeDir != "" {
		out.Store = storeDir
	}
	if artifactsLoc != "" {
		out.Artifacts = artifactsLoc
	}
	if configFile != "" {
		out.Backend = configFile
	}
	p, err := appPaths()
	if err != nil {
		return cli.Context{}, err
	}
	if out.Store == "" {
		out.Store = p.StoreDir()
	}
	if out.Artifacts == "" {
		out.Artifacts = p.ArtifactsDir()
	}
	return out, nil
}

func openStore(c cli.Context) (*embstore.Store, error) {
	b, err := embstore.NewBadger(embstore.BadgerOptions{Dir: c.Store, Logger: slog.Default()})
	if err != nil {
		return nil, err
	}
	return embstore.New(b, slog.Default()), nil
}

func openArtifacts(c cli.Context) (*storage.Artifacts, error) {
	loc, err := storage.ParseLocation(c.Artifacts)
	if err != nil {
		return nil, err
	}
	var fs storage.FileStore
	if loc.IsS3() {
		fs = storage.NewS3(storage.NewS3Client(c.S3), loc.Bucket, loc.Prefix)
	} else {
		local, err := storage.NewLocal(loc.Dir)
		if err != nil {
			return nil, err
		}
		fs = local
	}
	return storage.NewArtifacts(fs, slog.Default()), nil
}

// session is an opened backend with its store.
type session struct {
	ctx       cli.Context
	store     *embstore.Store
	artifacts *storage.Artifacts
	backend   *backend.Backend
}

func (s *session) Close() error {
	return s.store.Close()
}

// openSession opens the store and artifacts and loads the backend
// config.
func openSession() (*session, error) {
	c, err := resolveContext()
	if err != nil {
		return nil, err
	}
	if c.Backend == "" {
		return nil, errors.New("no backend config: pass --config or set one on the context")
	}
	cfg, err := backend.LoadConfig(c.Backend)
	if err != nil {
		return nil, err
	}
	if c.S3 == (storage.S3Options{}) {
		c.S3 = cfg.S3
	}
	art, err := openArtifacts(c)
	if err != nil {
		return nil, err
	}
	store, err := openStore(c)
	if err != nil {
		return nil, err
	}
	return &session{
		ctx:       c,
		store:     store,
		artifacts: art,
		backend:   backend.New(cfg, store, art, slog.Default()),
	}, nil
}

func readScoreFile(path string) ([]scoring.Score, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := scoring.ReadScores(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return s, nil
}

func readTrialFile(path string) ([]scoring.Trial, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := scoring.ReadTrials(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return t, nil
}

func writeScoreFile(path string, scores []scoring.Score) error {
	if _, err := cli.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := scoring.WriteScores(f, scores); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// writeLayers writes every recorded layer under dir as
// <domain>_<condition>_<stage>.scores and returns the paths.
func writeLayers(dir string, rec *backend.Records) ([]string, error) {
	var paths []string
	for _, k := range rec.Keys() {
		l, _ := rec.Get(k)
		p := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.scores", k.Domain, k.Condition, k.Stage))
		if err := writeScoreFile(p, l.Scores); err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func scoresDir(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	p, err := appPaths()
	if err != nil {
		return "", err
	}
	return p.ScoresDir(), nil
}
