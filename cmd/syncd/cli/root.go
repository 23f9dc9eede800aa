// Package cli implements syncd's command-line surface: serve and
// version, following the teacher blueprints' cobra root-plus-Execute
// shape.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Execute builds the root command tree and runs it against ctx.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:   "syncd",
		Short: "syncd - offline-first replication server",
		Long: `syncd serves the bidirectional oplog replication protocol described
in this repository: clients push local mutations and pull the server's
append-only change log over a CBOR wire format.

Get started:
  syncd serve     Start the replication server
  syncd version   Print version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = Version

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}
