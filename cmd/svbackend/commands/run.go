package commands

import (
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/svbackend/pkg/backend"
	"github.com/haivivi/svbackend/pkg/cli"
)

var (
	runReuse  bool
	runOutDir string
)

var pipelineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the whole backend pipeline",
	Long: `Train (or with --reuse, load) every domain, score every condition,
calibrate, fuse, and report. Every score layer is written under the
output directory, by default a per-run directory under the scores
directory, as <domain>_<condition>_<stage>.scores.

When a stage fails the layers finished so far are still written and
evaluated before the error is returned.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		start := time.Now()
		res, runErr := s.backend.Run(cmd.Context(), backend.RunOptions{Reuse: runReuse})
		if res == nil {
			return runErr
		}
		dir := runOutDir
		if dir == "" {
			base, err := scoresDir("")
			if err != nil {
				return errors.Join(runErr, err)
			}
			dir = filepath.Join(base, res.RunID.String())
		}
		layers, err := saveLayers(dir, res.Records)
		if err != nil {
			return errors.Join(runErr, err)
		}
		slog.Info("scores written", "run", res.RunID, "dir", dir, "layers", len(layers),
			"elapsed", cli.FormatDuration(time.Since(start)))

		reports := res.Reports
		if runErr != nil {
			reports = s.backend.Evaluate(res.Records)
		}
		if len(reports) > 0 {
			cfg := s.backend.Config()
			if err := outputReports(reports, cfg.DCF, "run "+res.RunID.String()); err != nil {
				return errors.Join(runErr, err)
			}
		}
		return runErr
	},
}

func init() {
	pipelineRunCmd.Flags().BoolVar(&runReuse, "reuse", false, "load published models instead of training")
	pipelineRunCmd.Flags().StringVar(&runOutDir, "out-dir", "", "directory for score files")
	rootCmd.AddCommand(pipelineRunCmd)
}
