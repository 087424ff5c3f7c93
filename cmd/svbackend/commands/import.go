package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haivivi/svbackend/pkg/embstore"
)

var (
	importVectors string
	importLabels  string
)

var importCmd = &cobra.Command{
	Use:   "import <dataset> --vectors <file> [--labels <file>]",
	Short: "Load embeddings and speaker labels into a dataset",
	Long: `Load embeddings into a dataset of the embedding store.

The vectors file holds one utterance per line, "utt v1 v2 ..." with
optional brackets around the components. The labels file holds
"utt speaker" lines. Every vector of a dataset must have the same
dimension.

Examples:
  svbackend import sre-train --vectors train.vec --labels train.spk
  svbackend import sre-eval --vectors eval.vec`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if importVectors == "" && importLabels == "" {
			return fmt.Errorf("nothing to import: pass --vectors and/or --labels")
		}
		c, err := resolveContext()
		if err != nil {
			return err
		}
		store, err := openStore(c)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		set := args[0]
		if importVectors != "" {
			f, err := os.Open(importVectors)
			if err != nil {
				return err
			}
			embs, err := embstore.ReadVectors(f)
			f.Close()
			if err != nil {
				return err
			}
			if err := store.Put(ctx, set, embs); err != nil {
				return err
			}
		}
		if importLabels != "" {
			f, err := os.Open(importLabels)
			if err != nil {
				return err
			}
			labels, err := embstore.ReadLabels(f)
			f.Close()
			if err != nil {
				return err
			}
			if err := store.PutLabels(ctx, set, labels); err != nil {
				return err
			}
		}
		info, err := store.Info(ctx, set)
		if err != nil {
			return err
		}
		return output(info, "dataset")
	},
}

func init() {
	importCmd.Flags().StringVar(&importVectors, "vectors", "", "embedding file")
	importCmd.Flags().StringVar(&importLabels, "labels", "", "utterance to speaker file")
	rootCmd.AddCommand(importCmd)
}
