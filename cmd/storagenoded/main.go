// Command storagenoded hosts one storage node: the content-addressed
// PUT/GET/DELETE/info/health wire protocol in front of a pluggable
// node.Backend (local disk, S3, GCS, or Azure Blob).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"distfs/internal/logging"
	"distfs/internal/node"
	"distfs/internal/node/azurestore"
	"distfs/internal/node/diskstore"
	"distfs/internal/node/gcsstore"
	"distfs/internal/node/s3store"
	"distfs/internal/node/server"

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
		Use:   "storagenoded",
		Short: "Content-addressed storage node",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the node's HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			flags, err := flagsFrom(cmd)
			if err != nil {
				return err
			}
			return run(ctx, logger, flags)
		},
	}
	serveCmd.Flags().String("addr", ":9090", "listen address")
	serveCmd.Flags().String("backend", "disk", "storage backend: disk, s3, gcs, azure")
	serveCmd.Flags().String("disk-dir", "./data", "disk backend root directory")
	serveCmd.Flags().Bool("compress", false, "zstd-compress chunks at rest (disk backend only)")
	serveCmd.Flags().String("bucket", "", "bucket or container name (s3/gcs/azure)")
	serveCmd.Flags().String("prefix", "", "key prefix within the bucket/container")
	serveCmd.Flags().String("azure-account-url", "", "Azure storage account URL (azure backend only)")

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

type serveFlags struct {
	addr            string
	backend         string
	diskDir         string
	compress        bool
	bucket          string
	prefix          string
	azureAccountURL string
}

func flagsFrom(cmd *cobra.Command) (serveFlags, error) {
	var f serveFlags
	var err error
	if f.addr, err = cmd.Flags().GetString("addr"); err != nil {
		return f, err
	}
	if f.backend, err = cmd.Flags().GetString("backend"); err != nil {
		return f, err
	}
	if f.diskDir, err = cmd.Flags().GetString("disk-dir"); err != nil {
		return f, err
	}
	if f.compress, err = cmd.Flags().GetBool("compress"); err != nil {
		return f, err
	}
	if f.bucket, err = cmd.Flags().GetString("bucket"); err != nil {
		return f, err
	}
	if f.prefix, err = cmd.Flags().GetString("prefix"); err != nil {
		return f, err
	}
	if f.azureAccountURL, err = cmd.Flags().GetString("azure-account-url"); err != nil {
		return f, err
	}
	return f, nil
}

func run(ctx context.Context, logger *slog.Logger, f serveFlags) error {
	backend, err := buildBackend(ctx, f)
	if err != nil {
		return fmt.Errorf("build backend %s: %w", f.backend, err)
	}

	srv := server.New(backend, logger)
	httpSrv := &http.Server{Addr: f.addr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("storage node listening", "addr", f.addr, "backend", f.backend)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("shutting down storage node")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func buildBackend(ctx context.Context, f serveFlags) (node.Backend, error) {
	switch f.backend {
	case "disk":
		return diskstore.New(f.diskDir, f.compress)
	case "s3":
		return s3store.New(ctx, f.bucket, f.prefix)
	case "gcs":
		return gcsstore.New(ctx, f.bucket, f.prefix)
	case "azure":
		return azurestore.New(f.azureAccountURL, f.bucket, f.prefix)
	default:
		return nil, fmt.Errorf("unknown backend %q", f.backend)
	}
}
