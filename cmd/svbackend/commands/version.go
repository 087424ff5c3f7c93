package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/svbackend/cmd/svbackend/internal/build"
	"github.com/haivivi/svbackend/pkg/cli"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if formatOutput == "json" || formatOutput == "yaml" {
			return output(build.Get(), "version")
		}
		fmt.Println(build.String())
		if path, err := cliConfigPath(); err == nil {
			cli.PrintVerbose(IsVerbose(), "config: %s", path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
