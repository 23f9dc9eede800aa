package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-mizu/syncd/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or repair a client's offline queue file",
	}
	cmd.AddCommand(newQueueInspectCmd())
	cmd.AddCommand(newQueueResetFailedCmd())
	cmd.AddCommand(newQueueClearCmd())
	return cmd
}

func openQueue(dir string) (*queue.Queue, error) {
	q := queue.New(queue.Options{Dir: dir})
	if err := q.Open(context.Background()); err != nil {
		return nil, fmt.Errorf("open queue at %s: %w", dir, err)
	}
	return q, nil
}

func newQueueInspectCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print queue occupancy by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := openQueue(dir)
			if err != nil {
				return err
			}
			defer q.Close()

			stats, err := q.GetStats()
			if err != nil {
				return fmt.Errorf("read queue stats: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending=%d retrying=%d failed=%d total=%d\n",
				stats.Pending, stats.Retrying, stats.Failed, stats.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "queue storage directory")
	cmd.MarkFlagRequired("dir")
	return cmd
}

func newQueueResetFailedCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "reset-failed",
		Short: "Return every failed queue entry to pending",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := openQueue(dir)
			if err != nil {
				return err
			}
			defer q.Close()

			if err := q.ResetFailed(); err != nil {
				return fmt.Errorf("reset failed entries: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "failed entries reset to pending")
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "queue storage directory")
	cmd.MarkFlagRequired("dir")
	return cmd
}

func newQueueClearCmd() *cobra.Command {
	var dir string
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued operation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the queue without --yes")
			}
			q, err := openQueue(dir)
			if err != nil {
				return err
			}
			defer q.Close()

			if err := q.Clear(); err != nil {
				return fmt.Errorf("clear queue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queue cleared")
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "queue storage directory")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm destructive clear")
	cmd.MarkFlagRequired("dir")
	return cmd
}
