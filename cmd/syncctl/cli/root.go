// Package cli implements syncctl's command-line surface.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// Execute builds the root command tree and runs it against ctx.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:   "syncctl",
		Short: "syncctl - syncd operator CLI",
		Long: `syncctl is an operator-facing companion to syncd: health and
replication-stats checks against a running server, and direct
inspection of a client's on-disk offline queue file with no live
client process required.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = Version

	root.AddCommand(newHealthCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newQueueCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}
