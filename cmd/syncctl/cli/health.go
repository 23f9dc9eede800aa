package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	var server string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's /health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealth(cmd, server, timeout)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "syncd base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func runHealth(cmd *cobra.Command, server string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}

	resp, err := client.Get(server + "/health")
	if err != nil {
		return fmt.Errorf("request /health: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: status %d: %s", resp.StatusCode, body)
	}

	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "server %s: %s\n", server, status.Status)
	return nil
}
