package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/go-mizu/syncd/broadcast"
	"github.com/go-mizu/syncd/config"
	"github.com/go-mizu/syncd/httpapi"
	"github.com/go-mizu/syncd/lifecycle"
	"github.com/go-mizu/syncd/replica"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the replication server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	oplogDir := filepath.Join(cfg.DBPath, "oplog")
	store, err := replica.NewFileStore(oplogDir)
	if err != nil {
		return fmt.Errorf("open store at %s: %w", oplogDir, err)
	}
	defer store.Close()

	// store.Cursor already has broadcast.Source's exact signature, so
	// the broadcaster is built straight from the store rather than
	// from the service that wraps it, avoiding a construction cycle.
	bcast := broadcast.New(broadcast.Options{Source: store})

	svc := replica.New(replica.Options{
		Store:        store,
		Sink:         httpapi.Sink(bcast),
		MaxPullLimit: cfg.MaxPullLimit,
		MaxPushBatch: cfg.MaxPushBatchSize,
		Logger:       log,
	})

	mux := httpapi.NewMux(httpapi.Options{
		Service:        svc,
		Broadcaster:    bcast,
		EnableCORS:     cfg.EnableCORS,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         log,
	})

	srv := lifecycle.New(cfg.Addr(), mux, lifecycle.WithLogger(log))

	log.Info("syncd starting", "addr", cfg.Addr(), "db_path", cfg.DBPath)
	return srv.Run(ctx)
}
