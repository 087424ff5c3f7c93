package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/svbackend/pkg/adapt"
	"github.com/haivivi/svbackend/pkg/calibration"
	"github.com/haivivi/svbackend/pkg/lda"
	"github.com/haivivi/svbackend/pkg/metrics"
	"github.com/haivivi/svbackend/pkg/plda"
	"github.com/haivivi/svbackend/pkg/snorm"
	"github.com/haivivi/svbackend/pkg/storage"
)

// ErrConfig matches every configuration validation failure.
var ErrConfig = errors.New("backend: invalid config")

// Config describes one backend run: the domains to train and score, and
// the fusions across them. A loaded Config is immutable; accessors
// return copies.
type Config struct {
	Name    string            `yaml:"name"`
	Workers int               `yaml:"workers"`
	DCF     metrics.Params    `yaml:"dcf"`
	S3      storage.S3Options `yaml:"s3"`
	Domains []Domain          `yaml:"domains"`
	Fusions []Fusion          `yaml:"fusions"`
}

// Domain is the descriptor of one acoustic condition family (telephone,
// video, field). Every domain runs the same pipeline with its own
// parameters.
type Domain struct {
	Name string `yaml:"name"`

	// Train is the labeled out-of-domain dataset for the projector and
	// the base PLDA model.
	Train string      `yaml:"train"`
	LDA   lda.Config  `yaml:"lda"`
	PLDA  plda.Config `yaml:"plda"`

	// Adapt lists in-domain passes; pass datasets name store datasets.
	Adapt adapt.Plan `yaml:"adapt"`

	Cohort      CohortConfig      `yaml:"cohort"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Conditions  []Condition       `yaml:"conditions"`
}

// CohortConfig selects the s-norm cohort. An empty Dataset disables
// normalization for the domain.
type CohortConfig struct {
	Dataset      string `yaml:"dataset"`
	snorm.Config `yaml:",inline"`
}

// CalibrationConfig selects the condition calibration is fitted on.
type CalibrationConfig struct {
	Dev                string `yaml:"dev"`
	calibration.Config `yaml:",inline"`
}

// Condition is one evaluation trial list within a domain.
type Condition struct {
	Name string `yaml:"name"`

	// Enroll and Test are store datasets. Test defaults to Enroll.
	Enroll string `yaml:"enroll"`
	Test   string `yaml:"test"`

	// Trials is a trial list file; Enrollments optionally maps model
	// ids to utterances. Relative paths resolve against the config
	// file's directory.
	Trials      string `yaml:"trials"`
	Enrollments string `yaml:"enrollments"`
}

// Fusion combines the same-named conditions of two domains.
type Fusion struct {
	Name    string   `yaml:"name"`
	Domains []string `yaml:"domains"`
	Dev     string   `yaml:"dev"`

	calibration.Config `yaml:",inline"`
}

func (c *Config) defaults() {
	if c.Workers == 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.DCF == (metrics.Params{}) {
		c.DCF = metrics.DefaultParams
	}
	for i := range c.Domains {
		d := &c.Domains[i]
		if d.Adapt.Policy == "" {
			d.Adapt.Policy = adapt.Cascaded
		}
		if d.Adapt.MinSpeakers == 0 {
			d.Adapt.MinSpeakers = adapt.DefaultMinSpeakers
		}
		for j := range d.Conditions {
			if d.Conditions[j].Test == "" {
				d.Conditions[j].Test = d.Conditions[j].Enroll
			}
		}
	}
}

func (c *Config) validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...))
	}
	if c.Workers < 0 {
		bad("negative workers")
	}
	if len(c.Domains) == 0 {
		bad("no domains")
	}
	seen := map[string]bool{}
	for _, d := range c.Domains {
		switch {
		case d.Name == "":
			bad("domain without a name")
			continue
		case seen[d.Name]:
			bad("duplicate domain %q", d.Name)
		}
		seen[d.Name] = true
		if d.Train == "" {
			bad("domain %q: no training dataset", d.Name)
		}
		if d.LDA.Dim < 1 {
			bad("domain %q: lda.dim must be positive", d.Name)
		}
		if d.PLDA.YDim < 1 || d.PLDA.YDim > d.LDA.Dim || d.PLDA.ZDim < 0 || d.PLDA.ZDim > d.LDA.Dim {
			bad("domain %q: plda ranks (%d, %d) must lie in [1,%d]", d.Name, d.PLDA.YDim, d.PLDA.ZDim, d.LDA.Dim)
		}
		if p := d.Adapt.Policy; p != adapt.Cascaded && p != adapt.Rebased {
			bad("domain %q: unknown adaptation policy %q", d.Name, p)
		}
		for _, p := range d.Adapt.Passes {
			if p.Dataset == "" {
				bad("domain %q: adaptation pass %q has no dataset", d.Name, p.Name)
			}
		}
		conds := map[string]bool{}
		for _, cd := range d.Conditions {
			if cd.Name == "" || conds[cd.Name] {
				bad("domain %q: condition names must be unique and non-empty", d.Name)
			}
			conds[cd.Name] = true
			if cd.Enroll == "" || cd.Trials == "" {
				bad("domain %q condition %q: enroll and trials are required", d.Name, cd.Name)
			}
		}
		if dev := d.Calibration.Dev; dev != "" && !conds[dev] {
			bad("domain %q: calibration dev condition %q not defined", d.Name, dev)
		}
	}
	for _, f := range c.Fusions {
		if len(f.Domains) != 2 || f.Domains[0] == f.Domains[1] {
			bad("fusion %q: needs exactly two distinct domains", f.Name)
			continue
		}
		for _, name := range f.Domains {
			d, ok := c.domain(name)
			if !ok {
				bad("fusion %q: unknown domain %q", f.Name, name)
				continue
			}
			if d.Calibration.Dev == "" {
				bad("fusion %q: domain %q has no calibration for pass-through", f.Name, name)
			}
			if !slices.ContainsFunc(d.Conditions, func(c Condition) bool { return c.Name == f.Dev }) {
				bad("fusion %q: dev condition %q missing in domain %q", f.Name, f.Dev, name)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Config) domain(name string) (Domain, bool) {
	for _, d := range c.Domains {
		if d.Name == name {
			return d, true
		}
	}
	return Domain{}, false
}

// Domain returns a copy of the named domain.
func (c Config) Domain(name string) (Domain, bool) {
	d, ok := c.domain(name)
	if !ok {
		return Domain{}, false
	}
	return d.clone(), true
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Domains = make([]Domain, len(c.Domains))
	for i, d := range c.Domains {
		out.Domains[i] = d.clone()
	}
	out.Fusions = make([]Fusion, len(c.Fusions))
	for i, f := range c.Fusions {
		f.Domains = slices.Clone(f.Domains)
		out.Fusions[i] = f
	}
	return out
}

func (d Domain) clone() Domain {
	d.Adapt.Passes = slices.Clone(d.Adapt.Passes)
	d.Conditions = slices.Clone(d.Conditions)
	return d
}

// ParseConfig decodes, defaults and validates a YAML config. Relative
// file paths resolve against baseDir.
func ParseConfig(data []byte, baseDir string) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("backend: parse config: %w", err)
	}
	return finish(c, baseDir)
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("backend: read config: %w", err)
	}
	return ParseConfig(data, filepath.Dir(path))
}

// NewConfig defaults and validates a Config built in code.
func NewConfig(c Config) (Config, error) {
	return finish(c.Clone(), "")
}

func finish(c Config, baseDir string) (Config, error) {
	c.defaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	if baseDir != "" {
		for i := range c.Domains {
			for j := range c.Domains[i].Conditions {
				cd := &c.Domains[i].Conditions[j]
				cd.Trials = resolve(baseDir, cd.Trials)
				cd.Enrollments = resolve(baseDir, cd.Enrollments)
			}
		}
	}
	return c.Clone(), nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Marshal encodes the config as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
