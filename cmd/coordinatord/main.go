// Command coordinatord runs the Task Runner: the background workers that
// drive replication, verification, and periodic maintenance, and the cron
// scheduler that enqueues the periodic tasks. It does not host the Chunk
// Coordinator's request-path upload/download logic.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"distfs/internal/cache"
	"distfs/internal/cache/memcache"
	"distfs/internal/cache/rediscache"
	"distfs/internal/config"
	"distfs/internal/logging"
	"distfs/internal/node"
	"distfs/internal/store/sqlite"
	"distfs/internal/tasks"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	levels, err := logging.ParseComponentLevels(os.Getenv("DISTFS_LOG_LEVELS"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(logging.NewHandler(base, slog.LevelInfo, levels))

	rootCmd := &cobra.Command{
		Use:   "coordinatord",
		Short: "Distributed chunked file store coordinator and task runner",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator's task runner and cron scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return run(ctx, logger)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded",
		"replication_factor", cfg.ReplicationFactor,
		"storage_nodes", len(cfg.StorageNodes),
		"chunk_size", cfg.ChunkSize)

	st, err := sqlite.NewStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer st.Close()

	ch := buildCache(ctx, cfg, logger)

	nodeClient := node.NewHTTPClient(cfg.NodeRequestTimeout, 50, 100)

	// The Chunk Coordinator (internal/coordinator) serves StoreFile/
	// FetchFile/FetchShared behind whatever public HTTP/REST surface a
	// deployment fronts it with; that surface is an external collaborator
	// (§1) and is not this process's concern. coordinatord hosts the
	// Task Runner side: the worker pool and cron scheduler below.
	pool := tasks.NewPool(st, cfg.Workers, logger)
	handlers := tasks.NewHandlers(st, nodeClient, ch, func() []string { return cfg.StorageNodes }, logger)
	handlers.Register(pool)

	scheduler, err := tasks.NewScheduler(st, 4, logger)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	logger.Info("task runner starting", "workers", cfg.Workers)
	pool.Run(ctx, "coordinatord")

	logger.Info("shutting down")
	if err := scheduler.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}
	return nil
}

func buildCache(ctx context.Context, cfg config.Config, logger *slog.Logger) cache.Cache {
	if cfg.CacheAddr == "" {
		logger.Info("using in-process cache (DISTFS_CACHE_ADDR unset)")
		return memcache.New(ctx, time.Minute)
	}
	logger.Info("using redis cache", "addr", cfg.CacheAddr)
	return rediscache.New(cfg.CacheAddr, logger)
}
