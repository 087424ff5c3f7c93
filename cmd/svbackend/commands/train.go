package commands

import (
	"context"
	"sort"
	"sync"

	"github.com/spf13/cobra"

	"github.com/haivivi/svbackend/pkg/backend"
)

// modelSummary is the printed form of a domain's models.
type modelSummary struct {
	Domain     string `json:"domain" yaml:"domain"`
	Models     string `json:"models" yaml:"models"`
	Projection string `json:"projection" yaml:"projection"`
	InputDim   int    `json:"input_dim" yaml:"input_dim"`
	OutputDim  int    `json:"output_dim" yaml:"output_dim"`
	PLDA       string `json:"plda" yaml:"plda"`
	Adapted    string `json:"adapted,omitempty" yaml:"adapted,omitempty"`
	YDim       int    `json:"y_dim" yaml:"y_dim"`
}

func summarize(domain string, m *backend.Models) modelSummary {
	s := modelSummary{
		Domain:     domain,
		Models:     m.SetID.String(),
		Projection: m.Projection.ID.String(),
		InputDim:   m.Projection.InputDim(),
		OutputDim:  m.Projection.OutputDim(),
		PLDA:       m.Base.ID.String(),
		YDim:       m.Scorer().YDim,
	}
	if m.Adapted != nil {
		s.Adapted = m.Adapted.ID.String()
	}
	return s
}

var trainCmd = &cobra.Command{
	Use:   "train [domain...]",
	Short: "Train projection and PLDA models for domains",
	Long: `Fit the LDA projection and the PLDA model of each domain on its
training dataset, run the domain's adaptation passes, and publish the
models. Without arguments every configured domain is trained, in
parallel.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		domains := args
		if len(domains) == 0 {
			for _, d := range s.backend.Config().Domains {
				domains = append(domains, d.Name)
			}
		}
		var mu sync.Mutex
		var out []modelSummary
		g := backend.NewGroup(cmd.Context(), 0)
		for _, name := range domains {
			g.Go("train "+name, func(ctx context.Context) error {
				m, err := s.backend.Train(ctx, name)
				if err != nil {
					return err
				}
				mu.Lock()
				out = append(out, summarize(name, m))
				mu.Unlock()
				return nil
			})
		}
		err = g.Wait()
		sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
		if len(out) > 0 {
			if oerr := output(out, "models"); oerr != nil {
				return oerr
			}
		}
		return err
	},
}

var adaptCmd = &cobra.Command{
	Use:   "adapt <domain>",
	Short: "Adapt a published domain model with in-domain data",
	Long: `Load the current projection and base PLDA model of a domain, run
its adaptation passes, and publish the adapted model. Scoring picks the
adapted model up automatically.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		m, err := s.backend.LoadModels(ctx, args[0])
		if err != nil {
			return err
		}
		m, err = s.backend.Adapt(ctx, args[0], m)
		if err != nil {
			return err
		}
		return output(summarize(args[0], m), "models")
	},
}

func init() {
	rootCmd.AddCommand(trainCmd, adaptCmd)
}
