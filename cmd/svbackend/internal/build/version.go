// Package build holds build-time version information injected via ldflags.
//
// To inject values at build time:
//
//	go build -ldflags "-X github.com/haivivi/svbackend/cmd/svbackend/internal/build.Version=v0.3.0 \
//	  -X github.com/haivivi/svbackend/cmd/svbackend/internal/build.Commit=$(git rev-parse --short HEAD)"
package build

import (
	"fmt"
	"runtime"

	"github.com/haivivi/svbackend/pkg/modelcodec"
)

// These variables are set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info is the structured form of the version.
type Info struct {
	Version     string `json:"version" yaml:"version"`
	Commit      string `json:"commit" yaml:"commit"`
	Date        string `json:"date" yaml:"date"`
	ModelFormat uint32 `json:"model_format" yaml:"model_format"`
	Platform    string `json:"platform" yaml:"platform"`
	Go          string `json:"go" yaml:"go"`
}

// Get returns the version info.
func Get() Info {
	return Info{
		Version:     Version,
		Commit:      Commit,
		Date:        Date,
		ModelFormat: modelcodec.Version,
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		Go:          runtime.Version(),
	}
}

// String returns a formatted version string.
func String() string {
	return fmt.Sprintf("svbackend %s (%s) built %s %s/%s, model format v%d",
		Version, Commit, Date, runtime.GOOS, runtime.GOARCH, modelcodec.Version)
}
