package main

import (
	"context"
	"fmt"
	"os"

	"github.com/j5a-ops/j5a/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintf(os.Stderr, "Error: %v\n", msg)
		}
		os.Exit(cli.ExitCode(err))
	}
}
