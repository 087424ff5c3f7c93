package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haivivi/svbackend/pkg/cli"
	"github.com/haivivi/svbackend/pkg/metrics"
)

const appName = "svbackend"

var (
	// Global flags
	verbose      bool
	contextName  string
	configFile   string
	storeDir     string
	artifactsLoc string
	formatOutput string
	outputFile   string
)

var rootCmd = &cobra.Command{
	Use:   "svbackend",
	Short: "Speaker verification scoring backend",
	Long: `svbackend - train, score, normalize, calibrate and fuse speaker
verification trials from precomputed embeddings.

Locations are resolved in order: flags, the selected context, then the
per-user defaults under ~/.svbackend/svbackend/.

Examples:
  # Remember where an experiment keeps its data
  svbackend context add sre --store /data/emb --artifacts s3://models/sre --backend sre.yaml
  svbackend context use sre

  # Load embeddings, then run the whole pipeline
  svbackend import sre-train --vectors train.vec --labels train.spk
  svbackend run

  # Or step by step
  svbackend train tel
  svbackend score tel eval
  svbackend eval --key eval.trials scores/tel_eval_normalized.scores`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.StringVarP(&contextName, "context", "c", "", "context to use (default: current context)")
	pf.StringVar(&configFile, "config", "", "backend config file")
	pf.StringVar(&storeDir, "store", "", "embedding store directory")
	pf.StringVar(&artifactsLoc, "artifacts", "", "artifact location: a directory or s3://bucket/prefix")
	pf.StringVar(&formatOutput, "format", "table", "output format: table, yaml, json")
	pf.StringVarP(&outputFile, "output", "o", "", "write output to file")
}

// appPaths is the per-user layout. SVBACKEND_CONFIG_DIR replaces the
// home directory one.
func appPaths() (*cli.Paths, error) {
	if dir := os.Getenv("SVBACKEND_CONFIG_DIR"); dir != "" {
		return &cli.Paths{AppName: appName, Dir: dir}, nil
	}
	return cli.NewPaths(appName)
}

// cliConfigPath returns the context file location.
func cliConfigPath() (string, error) {
	p, err := appPaths()
	if err != nil {
		return "", err
	}
	return p.ConfigFile(), nil
}

// GetConfig loads the CLI context configuration.
func GetConfig() (*cli.Config, error) {
	path, err := cliConfigPath()
	if err != nil {
		return nil, fmt.Errorf("config not available: %w", err)
	}
	return cli.LoadConfigWithPath(appName, path)
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}

func output(result any, title string) error {
	return cli.Output(result, cli.OutputOptions{
		Format: cli.OutputFormat(formatOutput),
		File:   outputFile,
		Title:  title,
	})
}

// outputReports prints reports, as a report table under the given cost
// parameters when the format is table.
func outputReports(reports []metrics.Report, p metrics.Params, title string) error {
	if cli.OutputFormat(formatOutput) != cli.FormatTable {
		return output(reports, title)
	}
	return output(cli.ReportTable{
		Styles:  cli.NewStyles(cli.DefaultTheme),
		Title:   title,
		Params:  p,
		Reports: reports,
	}, title)
}
