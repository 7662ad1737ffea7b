// Command twin runs the demo application: one codebase serving as the
// server and as every client.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/twin/internal/cli"
	"github.com/roach88/twin/internal/demo"
)

func main() {
	root := cli.NewRootCommand(demo.Register)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
