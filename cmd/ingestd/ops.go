package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ingestd/internal/intake"
	"github.com/fyrsmithlabs/ingestd/internal/tenant"
	"github.com/fyrsmithlabs/ingestd/internal/vectorindex"
)

func newReconcileCmd() *cobra.Command {
	var tenants []string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the metadata store with the vector index and print drift reports",
		Long: `Compare file records with the points in each tenant's collection. Reports
list orphaned files (points without an indexed record), missing files (indexed
records without points) and chunk count mismatches. Nothing is repaired.

Examples:
  ingestd reconcile --tenant acme
  ingestd reconcile --tenant acme --tenant globex`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, needs{}, func(ctx context.Context, a *app) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				for _, id := range tenants {
					rep, err := a.reconciler.Run(ctx, id)
					if err != nil {
						return fmt.Errorf("reconciling %s: %w", id, err)
					}
					if err := enc.Encode(rep); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&tenants, "tenant", nil, "tenant to reconcile (repeatable)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// exportOptions select what export writes.
type exportOptions struct {
	tenantID  string
	projectID string
	fileID    string
	pageSize  int
}

func newExportCmd() *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the payload of every point of a tenant's collection as JSON lines",
		Long: `Stream a tenant's points (id and payload) to stdout, one JSON object per
line. The scan pages through the collection so memory stays bounded.

Examples:
  ingestd export --tenant acme > acme.jsonl
  ingestd export --tenant acme --file 3f2a...`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, needs{}, func(ctx context.Context, a *app) error {
				name, err := tenant.CollectionName(cfg.Qdrant.CollectionPrefix, opts.tenantID)
				if err != nil {
					return err
				}
				n, err := exportPoints(ctx, a.index, name, opts, cmd.OutOrStdout())
				cmd.PrintErrf("exported %d points from %s\n", n, name)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&opts.tenantID, "tenant", "", "tenant to export")
	cmd.Flags().StringVar(&opts.projectID, "project", "", "only points of this project")
	cmd.Flags().StringVar(&opts.fileID, "file", "", "only points of this file")
	cmd.Flags().IntVar(&opts.pageSize, "page-size", vectorindex.DefaultScanPageSize, "points per scroll request")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// scanner is the part of the vector index export reads from.
type scanner interface {
	ScanAll(name string, filter *vectorindex.Filter, pageSize int) *vectorindex.Scanner
}

// exportPoints writes the matching points of collection name to w and
// returns how many were written.
func exportPoints(ctx context.Context, idx scanner, name string, opts exportOptions, w io.Writer) (int, error) {
	filter := &vectorindex.Filter{TenantID: opts.tenantID, ProjectID: opts.projectID, FileID: opts.fileID}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	sc := idx.ScanAll(name, filter, opts.pageSize)
	n := 0
	for sc.Next(ctx) {
		for _, p := range sc.Batch() {
			if err := enc.Encode(p); err != nil {
				return n, err
			}
			n++
		}
	}
	if err := bw.Flush(); err != nil {
		return n, err
	}
	return n, sc.Err()
}

func newWatchCmd() *cobra.Command {
	var cfgW intake.WatcherConfig
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Upload every file dropped into a directory",
		Long: `Watch an inbox directory and upload each new file for the given tenant.
Accepted files move to .accepted and rejected ones to .rejected inside the
inbox. Indexing itself runs on the workers.

Examples:
  ingestd watch --tenant acme --project handbook --dir ./inbox`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, needs{broker: true}, func(ctx context.Context, a *app) error {
				w, err := intake.NewWatcher(a.intake, cfgW, a.logger)
				if err != nil {
					return err
				}
				go func() {
					for {
						select {
						case <-ctx.Done():
							return
						case name := <-w.Handled():
							cmd.Println(name)
						}
					}
				}()
				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cfgW.Dir, "dir", "", "inbox directory")
	cmd.Flags().StringVar(&cfgW.TenantID, "tenant", "", "tenant the files belong to")
	cmd.Flags().StringVar(&cfgW.ProjectID, "project", "", "project the files belong to")
	cmd.Flags().DurationVar(&cfgW.Settle, "settle", time.Second, "how long a file must stay unchanged before upload")
	_ = cmd.MarkFlagRequired("dir")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
