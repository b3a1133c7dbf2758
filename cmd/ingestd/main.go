// Ingestd indexes uploaded documents into per-tenant vector collections and
// serves similarity search over them.
//
// Usage:
//
//	# API server
//	ingestd serve
//
//	# Queue workers (indexing, reconcile, cleanup)
//	ingestd worker
//
//	# Everything in one process with an embedded NATS server
//	ingestd dev
//
//	# One-off operations
//	ingestd reconcile --tenant acme
//	ingestd export --tenant acme > acme.jsonl
//	ingestd watch --tenant acme --dir ./inbox
//
// Configuration is read from ~/.config/ingestd/config.yaml (or --config) and
// overridden by INGESTD_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ingestd/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ingestd",
		Short: "Document ingestion and vector search service",
		Long: `ingestd accepts document uploads, extracts and chunks their text, embeds the
chunks and stores them in one Qdrant collection per tenant. Indexing runs on
NATS JetStream workers; progress is tracked in Redis and file metadata in
SQLite.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/ingestd/config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newDevCmd(),
		newReconcileCmd(),
		newExportCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ingestd by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
