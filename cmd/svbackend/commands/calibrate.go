package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/svbackend/pkg/calibration"
	"github.com/haivivi/svbackend/pkg/scoring"
	"github.com/haivivi/svbackend/pkg/storage"
)

var (
	calKey string
	calOut string
)

// calibrationSummary is the printed form of a calibration model.
type calibrationSummary struct {
	Domain  string    `json:"domain" yaml:"domain"`
	ID      string    `json:"id" yaml:"id"`
	Inputs  []string  `json:"inputs" yaml:"inputs"`
	Weights []float64 `json:"weights" yaml:"weights"`
	Bias    float64   `json:"bias" yaml:"bias"`
	Prior   float64   `json:"prior" yaml:"prior"`
}

func summarizeCalibration(m *calibration.Model) calibrationSummary {
	return calibrationSummary{
		Domain:  m.Domain,
		ID:      m.ID.String(),
		Inputs:  m.Inputs,
		Weights: m.Weights,
		Bias:    m.Bias,
		Prior:   m.Prior,
	}
}

// labeledScores reads a score file and labels it from keyFile, or from
// fallback when keyFile is empty.
func labeledScores(path, keyFile string, fallback func() ([]scoring.Trial, error)) ([]scoring.Score, error) {
	scores, err := readScoreFile(path)
	if err != nil {
		return nil, err
	}
	var key []scoring.Trial
	if keyFile != "" {
		key, err = readTrialFile(keyFile)
	} else {
		key, err = fallback()
	}
	if err != nil {
		return nil, err
	}
	return scoring.ApplyKey(scores, key), nil
}

// emitScores writes scores to calOut, or to the command's stdout.
func emitScores(cmd *cobra.Command, scores []scoring.Score) error {
	if calOut != "" {
		return writeScoreFile(calOut, scores)
	}
	return scoring.WriteScores(cmd.OutOrStdout(), scores)
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Fit and apply score calibration",
	Long: `Fit a domain's affine score calibration on development scores, or
map scores to calibrated log-likelihood ratios with the published
model.`,
}

var calibrateFitCmd = &cobra.Command{
	Use:   "fit <domain> <dev.scores>",
	Short: "Fit and publish a domain calibration",
	Long: `Fit a domain's calibration on a development score file and publish
it. Labels come from --key, or from the trial list of the domain's
calibration dev condition.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		domain := args[0]
		scores, err := labeledScores(args[1], calKey, func() ([]scoring.Trial, error) {
			d, ok := s.backend.Config().Domain(domain)
			if !ok || d.Calibration.Dev == "" {
				return nil, fmt.Errorf("domain %q has no calibration dev condition; pass --key", domain)
			}
			return s.backend.Trials(domain, d.Calibration.Dev)
		})
		if err != nil {
			return err
		}
		m, err := s.backend.FitCalibration(cmd.Context(), domain, scores)
		if err != nil {
			return err
		}
		return output(summarizeCalibration(m), "calibration")
	},
}

var calibrateApplyCmd = &cobra.Command{
	Use:   "apply <domain> <in.scores>",
	Short: "Calibrate a score file with the published model",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		m, err := s.backend.LoadCalibration(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		in, err := readScoreFile(args[1])
		if err != nil {
			return err
		}
		out, err := m.ApplyScores(args[0], in)
		if err != nil {
			return err
		}
		return emitScores(cmd, out)
	},
}

var fuseCmd = &cobra.Command{
	Use:   "fuse",
	Short: "Fit and apply cross-domain score fusion",
	Long: `Fit a configured fusion on development scores of its domains, or
fuse score files with the published model. Score files are given in
the order of the fusion's domains.`,
}

var fuseFitCmd = &cobra.Command{
	Use:   "fit <fusion> <dev.scores>...",
	Short: "Fit and publish a fusion",
	Long: `Fit a fusion on one development score file per domain and publish
it. Labels come from --key, or from the trial list of the fusion's dev
condition in its first domain. Only trials scored in every file are
used.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		f, err := s.backend.Fusion(args[0])
		if err != nil {
			return err
		}
		files := args[1:]
		if len(files) != len(f.Domains) {
			return fmt.Errorf("fusion %s takes %d score files (%v), got %d", f.Name, len(f.Domains), f.Domains, len(files))
		}
		devs := make([][]scoring.Score, len(files))
		for i, p := range files {
			devs[i], err = labeledScores(p, calKey, func() ([]scoring.Trial, error) {
				return s.backend.Trials(f.Domains[0], f.Dev)
			})
			if err != nil {
				return err
			}
		}
		m, err := s.backend.FitFusion(cmd.Context(), f.Name, devs)
		if err != nil {
			return err
		}
		return output(summarizeCalibration(m), "fusion")
	},
}

var fuseApplyCmd = &cobra.Command{
	Use:   "apply <fusion> <in.scores>...",
	Short: "Fuse score files with the published model",
	Long: `Fuse one score file per domain. Trials scored in every file get the
fused score; trials scored in only one pass through that domain's
published calibration, and are dropped when it has none.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		f, err := s.backend.Fusion(args[0])
		if err != nil {
			return err
		}
		files := args[1:]
		if len(files) != len(f.Domains) {
			return fmt.Errorf("fusion %s takes %d score files (%v), got %d", f.Name, len(f.Domains), f.Domains, len(files))
		}
		fused, err := s.backend.LoadCalibration(ctx, f.Name)
		if err != nil {
			return err
		}
		fuser := &calibration.Fuser{Fused: fused, Single: make(map[string]*calibration.Model)}
		layers := make(map[string][]scoring.Score, len(files))
		for i, d := range f.Domains {
			if layers[d], err = readScoreFile(files[i]); err != nil {
				return err
			}
			m, err := s.backend.LoadCalibration(ctx, d)
			switch {
			case errors.Is(err, storage.ErrNoArtifact):
			case err != nil:
				return err
			default:
				fuser.Single[d] = m
			}
		}
		out, err := fuser.Fuse(layers)
		if err != nil {
			return err
		}
		return emitScores(cmd, out)
	},
}

func init() {
	for _, c := range []*cobra.Command{calibrateFitCmd, fuseFitCmd} {
		c.Flags().StringVar(&calKey, "key", "", "trial list with target/nontarget labels")
	}
	for _, c := range []*cobra.Command{calibrateApplyCmd, fuseApplyCmd} {
		c.Flags().StringVar(&calOut, "out", "", "output score file (default stdout)")
	}
	calibrateCmd.AddCommand(calibrateFitCmd, calibrateApplyCmd)
	fuseCmd.AddCommand(fuseFitCmd, fuseApplyCmd)
	rootCmd.AddCommand(calibrateCmd, fuseCmd)
}
