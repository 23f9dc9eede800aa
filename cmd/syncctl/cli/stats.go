package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var server string
	var dbID string
	var deviceID string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Report a database's server cursor and live subscriber count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd, server, dbID, deviceID, timeout)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "syncd base URL")
	cmd.Flags().StringVar(&dbID, "db", "", "database id")
	cmd.Flags().StringVar(&deviceID, "device", "syncctl", "device id to authenticate as")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.MarkFlagRequired("db")
	return cmd
}

func runStats(cmd *cobra.Command, server, dbID, deviceID string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
		server+"/v1/stats?dbId="+url.QueryEscape(dbID), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Device-ID", deviceID)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request /v1/stats: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stats request failed: status %d: %s", resp.StatusCode, body)
	}

	var stats struct {
		Cursor      int64 `json:"cursor"`
		Broadcaster struct {
			TotalSubscribers int `json:"totalSubscribers"`
		} `json:"broadcaster"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "db=%s cursor=%d subscribers=%d\n", dbID, stats.Cursor, stats.Broadcaster.TotalSubscribers)
	return nil
}
