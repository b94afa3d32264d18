// Command offlinesync runs the offline-first entity store and its sync
// engine from the command line.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kimhsiao/offlinesync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
