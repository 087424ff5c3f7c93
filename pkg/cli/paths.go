package cli

import (
	"os"
	"path/filepath"
)

// Paths is the per-user directory layout of an app. Commands fall back
// to these locations when neither a flag nor a context names one.
type Paths struct {
	AppName string
	HomeDir string
	// Dir replaces the app directory when set.
	Dir string
}

// NewPaths creates a new Paths instance for the given app
func NewPaths(appName string) (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Paths{
		AppName: appName,
		HomeDir: home,
	}, nil
}

// BaseDir returns ~/.svbackend
func (p *Paths) BaseDir() string {
	return filepath.Join(p.HomeDir, DefaultBaseDir)
}

// AppDir returns Dir, or ~/.svbackend/<app> when Dir is empty.
func (p *Paths) AppDir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return filepath.Join(p.BaseDir(), p.AppName)
}

// ConfigFile returns <app dir>/config.yaml
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.AppDir(), DefaultConfigFile)
}

// StoreDir returns the default embedding store directory.
func (p *Paths) StoreDir() string {
	return filepath.Join(p.AppDir(), "embeddings")
}

// ArtifactsDir returns the default local artifact directory.
func (p *Paths) ArtifactsDir() string {
	return filepath.Join(p.AppDir(), "artifacts")
}

// ScoresDir returns the default directory for score layer files.
func (p *Paths) ScoresDir() string {
	return filepath.Join(p.AppDir(), "scores")
}

// EnsureDir creates dir if it doesn't exist and returns it.
func EnsureDir(dir string) (string, error) {
	return dir, os.MkdirAll(dir, 0755)
}
