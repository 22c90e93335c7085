package main

import (
	"context"
	"fmt"
	"os"

	"github.com/iudanet/sessionguard/internal/client/cli"
	"github.com/iudanet/sessionguard/internal/client/iocli"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	c := cli.New(iocli.NewStdio())
	defer func() {
		if err := c.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}()

	root := c.RootCommand(cli.Version{
		Version:   Version,
		BuildDate: BuildDate,
		GitCommit: GitCommit,
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
