// Package cli holds the shared pieces of the svbackend command line:
// named contexts that remember where embeddings and artifacts live, the
// per-user directory layout, result output in yaml, json, raw or table
// form, and the styled metrics report.
//
// Contexts are stored in ~/.svbackend/<app>/config.yaml, similar to
// kubectl contexts:
//
//	cfg, err := cli.LoadConfig("svbackend")
//	c, err := cfg.ResolveContext("")   // current context
//
//	cli.Output(reports, cli.OutputOptions{Format: cli.FormatTable})
package cli
