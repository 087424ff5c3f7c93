package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haivivi/svbackend/pkg/cli"
	"github.com/haivivi/svbackend/pkg/storage"
)

var contextCmd = &cobra.Command{
	Use:     "context",
	Aliases: []string{"ctx"},
	Short:   "Manage named store and artifact locations",
	Long: `A context remembers where an experiment keeps its embedding store,
its published models, and its backend config.

Examples:
  svbackend context add sre --store /data/emb --artifacts s3://models/sre --s3-region us-east-1
  svbackend context use sre
  svbackend context list
  svbackend context show sre`,
}

var ctxAdd cli.Context

var contextAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add or replace a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		c := ctxAdd
		if c.Artifacts != "" {
			if _, err := storage.ParseLocation(c.Artifacts); err != nil {
				return err
			}
		}
		if err := cfg.AddContext(args[0], &c); err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			if err := cfg.UseContext(args[0]); err != nil {
				return err
			}
		}
		cli.PrintSuccess("context %q created", args[0])
		return nil
	},
}

var contextUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Set the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("switched to context %q", args[0])
		return nil
	},
}

var contextListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		names := cfg.ListContexts()
		if len(names) == 0 {
			cli.PrintInfo("no contexts configured; create one with: svbackend context add <name>")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CURRENT\tNAME\tSTORE\tARTIFACTS")
		for _, name := range names {
			current := ""
			if name == cfg.CurrentContext {
				current = "*"
			}
			c := cfg.Contexts[name]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", current, name, c.Store, c.Artifacts)
		}
		return w.Flush()
	},
}

var contextShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a context with secrets masked",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		name := contextName
		if len(args) == 1 {
			name = args[0]
		}
		if name == "" && cfg.CurrentContext == "" {
			return fmt.Errorf("no current context set")
		}
		c, err := cfg.ResolveContext(name)
		if err != nil {
			return err
		}
		return output(c.Masked(), "context")
	},
}

var contextDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("context %q deleted", args[0])
		return nil
	},
}

func init() {
	f := contextAddCmd.Flags()
	f.StringVar(&ctxAdd.Store, "store", "", "embedding store directory")
	f.StringVar(&ctxAdd.Artifacts, "artifacts", "", "artifact location")
	f.StringVar(&ctxAdd.Backend, "backend", "", "backend config file")
	f.StringVar(&ctxAdd.S3.Region, "s3-region", "", "S3 region")
	f.StringVar(&ctxAdd.S3.Endpoint, "s3-endpoint", "", "S3 endpoint for compatible stores")
	f.BoolVar(&ctxAdd.S3.PathStyle, "s3-path-style", false, "use path-style S3 addressing")
	f.StringVar(&ctxAdd.S3.AccessKeyID, "s3-access-key", "", "S3 access key id (default: environment)")
	f.StringVar(&ctxAdd.S3.SecretAccessKey, "s3-secret-key", "", "S3 secret key (default: environment)")

	contextCmd.AddCommand(contextAddCmd, contextUseCmd, contextListCmd, contextShowCmd, contextDeleteCmd)
	rootCmd.AddCommand(contextCmd)
}
