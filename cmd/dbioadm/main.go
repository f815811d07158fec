package main

import (
	"context"
	"os"

	"midas/internal/cli"
)

// main runs the dbioadm command tree. Errors are reported on stderr in the
// selected format and mapped to an exit code by their domain code.
func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		format, _ := cmd.PersistentFlags().GetString("format")
		f := &cli.OutputFormatter{Format: format, Writer: os.Stderr}
		_ = f.Error(err)
		os.Exit(cli.ExitCodeFor(err))
	}
}
