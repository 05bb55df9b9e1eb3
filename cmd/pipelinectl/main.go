// Command pipelinectl edits sales pipeline records with per-section
// autosave and emergency snapshots.
package main

import (
	"fmt"
	"os"

	"github.com/carlosandia/crm-renove-sub007/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
