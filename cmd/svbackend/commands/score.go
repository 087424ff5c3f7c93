package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haivivi/svbackend/pkg/backend"
	"github.com/haivivi/svbackend/pkg/cli"
)

var (
	scoreOutDir string
	scoreModels string
)

// layerSummary is the printed form of one written score layer.
type layerSummary struct {
	Layer    string `json:"layer" yaml:"layer"`
	Scores   int    `json:"scores" yaml:"scores"`
	Failures int    `json:"failures" yaml:"failures"`
	Skipped  int    `json:"skipped" yaml:"skipped"`
	File     string `json:"file" yaml:"file"`
}

// saveLayers writes every layer of rec and reports what was written.
func saveLayers(dir string, rec *backend.Records) ([]layerSummary, error) {
	paths, err := writeLayers(dir, rec)
	if err != nil {
		return nil, err
	}
	out := make([]layerSummary, 0, len(paths))
	for i, k := range rec.Keys()[:len(paths)] {
		l, _ := rec.Get(k)
		for _, f := range l.Failures {
			slog.Debug("trial failed", "layer", k.String(), "index", f.Index, "err", f.Err)
		}
		if n := len(l.Failures); n > 0 {
			cli.PrintWarning("%s: %d trials failed and were left out", k, n)
		}
		out = append(out, layerSummary{
			Layer:    k.String(),
			Scores:   len(l.Scores),
			Failures: len(l.Failures),
			Skipped:  l.Skipped,
			File:     paths[i],
		})
	}
	return out, nil
}

var scoreCmd = &cobra.Command{
	Use:   "score <domain> [condition...]",
	Short: "Score trial lists with the published models",
	Long: `Score conditions of a domain with its current published models and
write the raw and, when the domain has a cohort, normalized layers as
score files. Without conditions every condition of the domain is
scored.

Trials whose embeddings are missing are reported and left out; the
rest of the list is still scored. --models pins an older model set by
its id (see "svbackend models").`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		start := time.Now()
		domain := args[0]
		conds := args[1:]
		if len(conds) == 0 {
			d, ok := s.backend.Config().Domain(domain)
			if !ok {
				return fmt.Errorf("%w: domain %q", backend.ErrUnknown, domain)
			}
			for _, c := range d.Conditions {
				conds = append(conds, c.Name)
			}
		}
		m, err := loadModels(cmd, s.backend, domain)
		if err != nil {
			return err
		}
		rec := backend.NewRecords()
		for _, c := range conds {
			if err := s.backend.ScoreCondition(ctx, domain, c, m, rec); err != nil {
				return err
			}
		}
		dir, err := scoresDir(scoreOutDir)
		if err != nil {
			return err
		}
		out, err := saveLayers(dir, rec)
		if err != nil {
			return err
		}
		slog.Info("scores written", "domain", domain, "models", m.SetID, "dir", dir,
			"elapsed", cli.FormatDuration(time.Since(start)))
		return output(out, "scores")
	},
}

// loadModels returns the model set pinned by --models, or the current
// one.
func loadModels(cmd *cobra.Command, b *backend.Backend, domain string) (*backend.Models, error) {
	if scoreModels == "" {
		return b.LoadModels(cmd.Context(), domain)
	}
	id, err := uuid.Parse(scoreModels)
	if err != nil {
		return nil, fmt.Errorf("--models: %w", err)
	}
	return b.LoadModelSet(cmd.Context(), domain, id)
}

func init() {
	scoreCmd.Flags().StringVar(&scoreOutDir, "out-dir", "", "directory for score files")
	scoreCmd.Flags().StringVar(&scoreModels, "models", "", "model set id to score with (default: current)")
	rootCmd.AddCommand(scoreCmd)
}
