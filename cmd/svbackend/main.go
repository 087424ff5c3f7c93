// Package main is the entry point of the svbackend CLI.
//
// Usage:
//
//	svbackend [flags] <command> [subcommand] [args]
//
// Commands:
//
//	context    - Named store/artifact locations (add, use, list, show, delete)
//	import     - Load embeddings and speaker labels into a dataset
//	train      - Train projection and PLDA models for domains
//	adapt      - Adapt a published domain model with in-domain data
//	score      - Score and normalize a condition's trial list
//	calibrate  - Fit or apply a domain calibration
//	fuse       - Fit or apply a two-domain fusion
//	eval       - Compute EER, DCF and Cllr for score files
//	models     - List the published model sets of a domain
//	run        - Run the whole pipeline from a backend config
//	version    - Show version information
package main

import (
	"os"

	"github.com/haivivi/svbackend/cmd/svbackend/commands"
	"github.com/haivivi/svbackend/pkg/cli"
)

func main() {
	if err := commands.Execute(); err != nil {
		cli.PrintError("%v", err)
		os.Exit(1)
	}
}
