// Package backend runs the speaker-verification scoring pipeline over a
// Config: per-domain training and adaptation, per-condition scoring and
// cohort normalization, calibration, and cross-domain fusion.
//
// Each stage fans out over domains or conditions with a Group and joins
// before the next stage starts, so calibration only sees complete
// normalized layers and fusion only sees complete per-domain layers.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/svbackend/pkg/adapt"
	"github.com/haivivi/svbackend/pkg/calibration"
	"github.com/haivivi/svbackend/pkg/embstore"
	"github.com/haivivi/svbackend/pkg/lda"
	"github.com/haivivi/svbackend/pkg/metrics"
	"github.com/haivivi/svbackend/pkg/modelcodec"
	"github.com/haivivi/svbackend/pkg/plda"
	"github.com/haivivi/svbackend/pkg/scoring"
	"github.com/haivivi/svbackend/pkg/snorm"
	"github.com/haivivi/svbackend/pkg/storage"
)

// ErrUnknown is returned for a domain, condition or fusion name the
// config does not define.
var ErrUnknown = errors.New("backend: unknown name")

// Models are the trained artifacts of one domain.
type Models struct {
	// SetID identifies the published model set; nil until published.
	SetID uuid.UUID

	Projection *lda.Projection
	Base       *plda.Model

	// Adapted is nil when the domain has no adaptation passes.
	Adapted *plda.Model
	Steps   []*plda.Model
}

// Scorer returns the model trials are scored with: the adapted model
// when present, otherwise the base model.
func (m *Models) Scorer() *plda.Model {
	if m.Adapted != nil {
		return m.Adapted
	}
	return m.Base
}

// Backend executes pipeline stages against an embedding store. Models
// are published to artifacts when it is non-nil.
type Backend struct {
	cfg       Config
	store     *embstore.Store
	artifacts *storage.Artifacts
	log       *slog.Logger
}

// New creates a Backend. cfg must come from LoadConfig, ParseConfig or
// NewConfig. A nil logger uses slog.Default().
func New(cfg Config, store *embstore.Store, artifacts *storage.Artifacts, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{cfg: cfg.Clone(), store: store, artifacts: artifacts, log: log}
}

// Config returns a copy of the backend's config.
func (b *Backend) Config() Config { return b.cfg.Clone() }

func (b *Backend) domain(name string) (Domain, error) {
	d, ok := b.cfg.Domain(name)
	if !ok {
		return Domain{}, fmt.Errorf("%w: domain %q", ErrUnknown, name)
	}
	return d, nil
}

func (d Domain) condition(name string) (Condition, error) {
	for _, c := range d.Conditions {
		if c.Name == name {
			return c, nil
		}
	}
	return Condition{}, fmt.Errorf("%w: condition %q in domain %q", ErrUnknown, name, d.Name)
}

// scoreStage is the layer calibration and fusion consume.
func (d Domain) scoreStage() Stage {
	if d.Cohort.Dataset != "" {
		return StageNormalized
	}
	return StageRaw
}

// Train fits the projection and base model of a domain on its training
// dataset, runs the adaptation plan, and publishes every model once all
// of them are complete.
func (b *Backend) Train(ctx context.Context, domain string) (*Models, error) {
	d, err := b.domain(domain)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	data, err := b.store.Load(ctx, d.Train)
	if err != nil {
		return nil, fmt.Errorf("backend: load %q: %w", d.Train, err)
	}
	log := b.log.With("domain", d.Name)
	proj, err := lda.Fit(data.Vectors, data.Labels, d.LDA, log)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: fit projection: %w", d.Name, err)
	}
	projected, err := proj.ApplyAll(data.Vectors)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: project training data: %w", d.Name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base, err := plda.Train(projected, data.Labels, d.PLDA, log)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: train plda: %w", d.Name, err)
	}
	m := &Models{Projection: proj, Base: base}
	if len(d.Adapt.Passes) > 0 {
		res, err := b.runAdapt(ctx, d, proj, base)
		if err != nil {
			return nil, err
		}
		m.Adapted, m.Steps = res.Model, res.Steps
	}
	if err := b.publishModels(ctx, d.Name, m); err != nil {
		return nil, err
	}
	log.Info("backend: domain trained", "train", d.Train, "utterances", len(data.IDs),
		"speakers", data.Speakers(), "adapted", m.Adapted != nil, "elapsed", time.Since(start))
	return m, nil
}

// Adapt runs the domain's adaptation plan on an existing base model and
// publishes a new model set holding the adapted model.
func (b *Backend) Adapt(ctx context.Context, domain string, m *Models) (*Models, error) {
	d, err := b.domain(domain)
	if err != nil {
		return nil, err
	}
	if len(d.Adapt.Passes) == 0 {
		return nil, fmt.Errorf("%w: domain %q has no adaptation passes", ErrConfig, d.Name)
	}
	res, err := b.runAdapt(ctx, d, m.Projection, m.Base)
	if err != nil {
		return nil, err
	}
	out := &Models{Projection: m.Projection, Base: m.Base, Adapted: res.Model, Steps: res.Steps}
	if err := b.publishModels(ctx, d.Name, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) runAdapt(ctx context.Context, d Domain, proj *lda.Projection, base *plda.Model) (*adapt.Result, error) {
	data := make([]adapt.Data, len(d.Adapt.Passes))
	for i, p := range d.Adapt.Passes {
		set, err := b.store.Load(ctx, p.Dataset)
		if err != nil {
			return nil, fmt.Errorf("backend: %s: load pass %q: %w", d.Name, p.Name, err)
		}
		xs, err := proj.ApplyAll(set.Vectors)
		if err != nil {
			return nil, fmt.Errorf("backend: %s: project pass %q: %w", d.Name, p.Name, err)
		}
		data[i] = adapt.Data{Vectors: xs, Labels: set.Labels}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := d.Adapt.Run(base, data, b.log.With("domain", d.Name))
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", d.Name, err)
	}
	return res, nil
}

func (b *Backend) publish(ctx context.Context, domain string, encode func() ([]byte, error)) error {
	if b.artifacts == nil {
		return nil
	}
	data, err := encode()
	if err != nil {
		return fmt.Errorf("backend: encode %s model: %w", domain, err)
	}
	if _, err := b.artifacts.Publish(ctx, domain, data); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	return nil
}

// LoadCalibration reads the current published calibration of a domain
// or fusion.
func (b *Backend) LoadCalibration(ctx context.Context, domain string) (*calibration.Model, error) {
	if b.artifacts == nil {
		return nil, fmt.Errorf("backend: no artifact store")
	}
	data, err := b.artifacts.Load(ctx, domain, modelcodec.KindCalibration)
	if err != nil {
		return nil, err
	}
	return calibration.Unmarshal(data)
}

// Engine builds the scoring engine of one condition.
func (b *Backend) Engine(domain, condition string, m *Models) (*scoring.Engine, error) {
	d, err := b.domain(domain)
	if err != nil {
		return nil, err
	}
	c, err := d.condition(condition)
	if err != nil {
		return nil, err
	}
	var enr embstore.Enrollments
	if c.Enrollments != "" {
		if enr, err = readFile(c.Enrollments, embstore.ReadEnrollments); err != nil {
			return nil, err
		}
	}
	return scoring.NewEngine(m.Scorer(), b.store.Dataset(c.Enroll),
		scoring.WithProjection(m.Projection),
		scoring.WithTestReader(b.store.Dataset(c.Test)),
		scoring.WithEnrollments(enr),
		scoring.WithWorkers(b.cfg.Workers),
		scoring.WithLogger(b.log.With("domain", d.Name, "condition", c.Name)),
	), nil
}

// Normalizer builds the s-norm normalizer of a domain over engine, or
// returns nil when the domain has no cohort.
func (b *Backend) Normalizer(ctx context.Context, domain string, engine *scoring.Engine) (*snorm.Normalizer, error) {
	d, err := b.domain(domain)
	if err != nil {
		return nil, err
	}
	if d.Cohort.Dataset == "" {
		return nil, nil
	}
	info, err := b.store.Load(ctx, d.Cohort.Dataset)
	if err != nil {
		return nil, fmt.Errorf("backend: load cohort %q: %w", d.Cohort.Dataset, err)
	}
	cohort := snorm.Cohort{Name: d.Cohort.Dataset, IDs: info.IDs}
	return snorm.New(ctx, engine, cohort, b.store.Dataset(d.Cohort.Dataset), d.Cohort.Config, b.log.With("domain", d.Name))
}

// Trials reads the trial list of a condition.
func (b *Backend) Trials(domain, condition string) ([]scoring.Trial, error) {
	d, err := b.domain(domain)
	if err != nil {
		return nil, err
	}
	c, err := d.condition(condition)
	if err != nil {
		return nil, err
	}
	return readFile(c.Trials, scoring.ReadTrials)
}

// ScoreCondition scores a condition's trial list and records the raw
// layer, then the normalized layer when the domain has a cohort.
// Per-trial failures stay in the layers; cohort contamination or
// cancellation fail the call.
func (b *Backend) ScoreCondition(ctx context.Context, domain, condition string, m *Models, rec *Records) error {
	trials, err := b.Trials(domain, condition)
	if err != nil {
		return err
	}
	engine, err := b.Engine(domain, condition, m)
	if err != nil {
		return err
	}
	norm, err := b.Normalizer(ctx, domain, engine)
	if err != nil {
		return err
	}
	if norm != nil {
		// Contamination is a configuration error; reject before scoring.
		var errs []error
		for _, t := range trials {
			if err := norm.Check(t); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
	}

	raw, err := engine.ScoreBatch(ctx, trials)
	if err != nil {
		return err
	}
	if err := rec.Put(LayerKey{domain, condition, StageRaw}, layerOf(raw)); err != nil {
		return err
	}
	if norm == nil {
		return nil
	}
	nb, err := norm.NormalizeBatch(ctx, raw.Scores, b.cfg.Workers)
	if err != nil {
		return err
	}
	l := layerOf(nb)
	l.Failures = append(append([]*scoring.TrialError(nil), raw.Failures...), nb.Failures...)
	l.Skipped += raw.Skipped
	return rec.Put(LayerKey{domain, condition, StageNormalized}, l)
}

func layerOf(b *scoring.Batch) Layer {
	return Layer{Scores: b.Scores, Failures: b.Failures, Skipped: b.Skipped}
}

// Calibrate fits the domain's calibration on its dev condition, publishes
// it, and records a calibrated layer for every condition.
func (b *Backend) Calibrate(ctx context.Context, domain string, rec *Records) (*calibration.Model, error) {
	d, err := b.domain(domain)
	if err != nil {
		return nil, err
	}
	if d.Calibration.Dev == "" {
		return nil, fmt.Errorf("%w: domain %q has no calibration dev condition", ErrConfig, d.Name)
	}
	stage := d.scoreStage()
	dev, ok := rec.Get(LayerKey{d.Name, d.Calibration.Dev, stage})
	if !ok {
		return nil, fmt.Errorf("backend: %s: no %s layer for %q", d.Name, stage, d.Calibration.Dev)
	}
	model, err := b.FitCalibration(ctx, d.Name, dev.Scores)
	if err != nil {
		return nil, err
	}
	for _, c := range d.Conditions {
		in, ok := rec.Get(LayerKey{d.Name, c.Name, stage})
		if !ok {
			continue
		}
		out, err := model.ApplyScores(d.Name, in.Scores)
		if err != nil {
			return nil, err
		}
		if err := rec.Put(LayerKey{d.Name, c.Name, StageCalibrated}, Layer{Scores: out, Failures: in.Failures, Skipped: in.Skipped}); err != nil {
			return nil, err
		}
	}
	return model, nil
}

// FitCalibration fits and publishes a domain's calibration on labeled
// dev scores.
func (b *Backend) FitCalibration(ctx context.Context, domain string, dev []scoring.Score) (*calibration.Model, error) {
	d, err := b.domain(domain)
	if err != nil {
		return nil, err
	}
	tar, non := scoring.Split(dev)
	model, err := calibration.Fit(d.Name, tar, non, d.Calibration.Config, b.log.With("domain", d.Name))
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", d.Name, err)
	}
	if err := b.publish(ctx, d.Name, func() ([]byte, error) { return calibration.Marshal(model) }); err != nil {
		return nil, err
	}
	return model, nil
}

// Fusion returns a copy of the named fusion config.
func (b *Backend) Fusion(name string) (Fusion, error) {
	for _, f := range b.cfg.Fusions {
		if f.Name == name {
			f.Domains = slices.Clone(f.Domains)
			return f, nil
		}
	}
	return Fusion{}, fmt.Errorf("%w: fusion %q", ErrUnknown, name)
}

// FitFusion fits and publishes a fusion on labeled dev layers given in
// the order of the fusion's domains.
func (b *Backend) FitFusion(ctx context.Context, fusion string, devs [][]scoring.Score) (*calibration.Model, error) {
	f, err := b.Fusion(fusion)
	if err != nil {
		return nil, err
	}
	if len(devs) != len(f.Domains) {
		return nil, fmt.Errorf("backend: fusion %s takes %d layers, got %d", f.Name, len(f.Domains), len(devs))
	}
	tar, non := calibration.Pair(devs...)
	fused, err := calibration.FitFusion(f.Domains, tar, non, f.Config, b.log.With("fusion", f.Name))
	if err != nil {
		return nil, fmt.Errorf("backend: fusion %s: %w", f.Name, err)
	}
	if err := b.publish(ctx, f.Name, func() ([]byte, error) { return calibration.Marshal(fused) }); err != nil {
		return nil, err
	}
	return fused, nil
}

// Fuse fits the fusion on its dev condition and records a fused layer
// for every condition both domains score. singles holds each domain's
// calibration for trials only one domain scored.
func (b *Backend) Fuse(ctx context.Context, fusion string, singles map[string]*calibration.Model, rec *Records) (*calibration.Model, error) {
	f, err := b.Fusion(fusion)
	if err != nil {
		return nil, err
	}
	domains := make([]Domain, len(f.Domains))
	for i, name := range f.Domains {
		d, err := b.domain(name)
		if err != nil {
			return nil, err
		}
		domains[i] = d
	}
	layer := func(d Domain, cond string) ([]scoring.Score, bool) {
		l, ok := rec.Get(LayerKey{d.Name, cond, d.scoreStage()})
		return l.Scores, ok
	}

	devs := make([][]scoring.Score, len(domains))
	for i, d := range domains {
		s, ok := layer(d, f.Dev)
		if !ok {
			return nil, fmt.Errorf("backend: fusion %s: no %s layer for %s/%s", f.Name, d.scoreStage(), d.Name, f.Dev)
		}
		devs[i] = s
	}
	fused, err := b.FitFusion(ctx, f.Name, devs)
	if err != nil {
		return nil, err
	}

	fuser := &calibration.Fuser{Fused: fused, Single: make(map[string]*calibration.Model)}
	for _, d := range f.Domains {
		if m, ok := singles[d]; ok {
			fuser.Single[d] = m
		}
	}
	for _, c := range domains[0].Conditions {
		layers := make(map[string][]scoring.Score, len(domains))
		for _, d := range domains {
			if s, ok := layer(d, c.Name); ok {
				layers[d.Name] = s
			}
		}
		if len(layers) < len(domains) {
			continue
		}
		out, err := fuser.Fuse(layers)
		if err != nil {
			return nil, fmt.Errorf("backend: fusion %s/%s: %w", f.Name, c.Name, err)
		}
		if err := rec.Put(LayerKey{f.Name, c.Name, StageFused}, Layer{Scores: out}); err != nil {
			return nil, err
		}
	}
	return fused, nil
}

// RunOptions control Run.
type RunOptions struct {
	// Reuse loads published models instead of training.
	Reuse bool
}

// Result is the outcome of Run.
type Result struct {
	RunID        uuid.UUID
	Records      *Records
	Calibrations map[string]*calibration.Model
	Reports      []metrics.Report
}

// Run executes the whole pipeline: train (or load) every domain, score
// every condition, calibrate every domain, then fuse. Stages are
// separated by a join barrier. On failure the partial Result is
// returned with the error.
func (b *Backend) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	res := &Result{
		RunID:        uuid.New(),
		Records:      NewRecords(),
		Calibrations: make(map[string]*calibration.Model),
	}
	log := b.log.With("run", res.RunID)
	start := time.Now()

	var mu sync.Mutex
	models := make(map[string]*Models, len(b.cfg.Domains))
	g := NewGroup(ctx, 0)
	for _, d := range b.cfg.Domains {
		g.Go("train "+d.Name, func(ctx context.Context) error {
			var m *Models
			var err error
			if opts.Reuse {
				m, err = b.LoadModels(ctx, d.Name)
			} else {
				m, err = b.Train(ctx, d.Name)
			}
			if err != nil {
				return err
			}
			mu.Lock()
			models[d.Name] = m
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	log.Info("backend: models ready", "domains", len(models), "elapsed", time.Since(start))

	g = NewGroup(ctx, 0)
	for _, d := range b.cfg.Domains {
		for _, c := range d.Conditions {
			g.Go("score "+d.Name+"/"+c.Name, func(ctx context.Context) error {
				return b.ScoreCondition(ctx, d.Name, c.Name, models[d.Name], res.Records)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	g = NewGroup(ctx, 0)
	for _, d := range b.cfg.Domains {
		if d.Calibration.Dev == "" {
			continue
		}
		g.Go("calibrate "+d.Name, func(ctx context.Context) error {
			m, err := b.Calibrate(ctx, d.Name, res.Records)
			if err != nil {
				return err
			}
			mu.Lock()
			res.Calibrations[d.Name] = m
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	// Fusions read the single-domain calibrations while siblings add
	// theirs, so they get a snapshot and write into their own map.
	singles := maps.Clone(res.Calibrations)
	fused := make(map[string]*calibration.Model, len(b.cfg.Fusions))
	g = NewGroup(ctx, 0)
	for _, f := range b.cfg.Fusions {
		g.Go("fuse "+f.Name, func(ctx context.Context) error {
			m, err := b.Fuse(ctx, f.Name, singles, res.Records)
			if err != nil {
				return err
			}
			mu.Lock()
			fused[f.Name] = m
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	maps.Copy(res.Calibrations, fused)
	if err != nil {
		return res, err
	}

	res.Reports = b.Evaluate(res.Records)
	log.Info("backend: run complete", "layers", len(res.Records.Keys()), "elapsed", time.Since(start))
	return res, nil
}

// Evaluate reports metrics for every recorded layer that has both
// target and non-target trials.
func (b *Backend) Evaluate(rec *Records) []metrics.Report {
	var out []metrics.Report
	for _, k := range rec.Keys() {
		l, _ := rec.Get(k)
		r, err := metrics.Evaluate(k.String(), l.Scores, b.cfg.DCF)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

func readFile[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	f, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("backend: open %s: %w", path, err)
	}
	defer f.Close()
	v, err := parse(f)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("backend: read %s: %w", path, err)
	}
	return v, nil
}
