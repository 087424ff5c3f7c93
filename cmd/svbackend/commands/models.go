package commands

import (
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models <domain>",
	Short: "List the published model sets of a domain",
	Long: `List every model set train and adapt published for a domain, with
the artifact paths it names. The current set is the one score and
run --reuse load; pass another id to score --models to pin it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		sets, err := s.backend.ModelSets(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return output(sets, "model sets")
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
