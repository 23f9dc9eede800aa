// Command syncctl is the syncd operator CLI: health and stats checks
// against a running server, plus direct inspection of a client's
// on-disk offline queue.
package main

import (
	"context"
	"os"

	"github.com/go-mizu/syncd/cmd/syncctl/cli"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	cli.Version = Version
	cli.Commit = Commit

	if err := cli.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
