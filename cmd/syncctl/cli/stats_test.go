package cli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewStatsCmd(t *testing.T) {
	cmd := newStatsCmd()
	if cmd.Use != "stats" {
		t.Errorf("Use: got %q, want %q", cmd.Use, "stats")
	}
}

func TestRunStats_ReportsCursorAndSubscribers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("dbId") != "db1" {
			t.Errorf("dbId query param = %q, want db1", r.URL.Query().Get("dbId"))
		}
		if r.Header.Get("X-Device-ID") == "" {
			t.Error("expected X-Device-ID header to be set")
		}
		w.Write([]byte(`{"cursor":42,"broadcaster":{"totalSubscribers":3}}`))
	}))
	defer srv.Close()

	cmd := newStatsCmd()
	cmd.SetContext(context.Background())

	if err := runStats(cmd, srv.URL, "db1", "dev-a", time.Second); err != nil {
		t.Fatalf("runStats: %v", err)
	}
}
