package commands

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/svbackend/pkg/metrics"
	"github.com/haivivi/svbackend/pkg/scoring"
)

var (
	evalKey    string
	evalParams = metrics.DefaultParams
)

var evalCmd = &cobra.Command{
	Use:   "eval <scores>... --key <trials>",
	Short: "Report EER, DCF and Cllr of score files",
	Long: `Evaluate score files against a labeled trial list. Each file gets a
row with its equal error rate, minimum and actual detection cost, and
Cllr. Actual DCF reads the scores as log-likelihood ratios, so it is
only meaningful for calibrated or fused scores.

Examples:
  svbackend eval --key eval.trials scores/tel_eval_*.scores
  svbackend eval --key eval.trials --p-target 0.05 fused.scores`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key []scoring.Trial
		if evalKey != "" {
			var err error
			if key, err = readTrialFile(evalKey); err != nil {
				return err
			}
		}
		reports := make([]metrics.Report, 0, len(args))
		for _, path := range args {
			scores, err := readScoreFile(path)
			if err != nil {
				return err
			}
			if key != nil {
				scores = scoring.ApplyKey(scores, key)
			}
			name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			r, err := metrics.Evaluate(name, scores, evalParams)
			if err != nil {
				return err
			}
			reports = append(reports, r)
		}
		return outputReports(reports, evalParams, "evaluation")
	},
}

func init() {
	evalCmd.Flags().StringVar(&evalKey, "key", "", "trial list with target/nontarget labels")
	evalCmd.Flags().Float64Var(&evalParams.PTarget, "p-target", metrics.DefaultParams.PTarget, "target prior of the detection cost")
	evalCmd.Flags().Float64Var(&evalParams.CMiss, "c-miss", metrics.DefaultParams.CMiss, "cost of a miss")
	evalCmd.Flags().Float64Var(&evalParams.CFA, "c-fa", metrics.DefaultParams.CFA, "cost of a false alarm")
	rootCmd.AddCommand(evalCmd)
}
