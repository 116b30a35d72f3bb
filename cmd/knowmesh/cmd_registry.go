package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BaSui01/knowmesh/node"
	"github.com/BaSui01/knowmesh/registry"
)

// =============================================================================
// 📒 注册表维护
// =============================================================================

func (a *app) newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Initialize, export, import and sync the node registry",
	}
	cmd.AddCommand(
		a.newRegistryInitCmd(),
		a.newRegistryExportCmd(),
		a.newRegistryImportCmd(),
		a.newRegistrySyncCmd(),
	)
	return cmd
}

func (a *app) newRegistryInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create an empty registry if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, exitWarning, func(ctx context.Context, rt *node.Runtime) error {
				created, err := rt.Registry.Init(ctx)
				if err != nil {
					return err
				}
				if created {
					a.p.Success("registry initialized")
				} else {
					a.p.Step("registry already initialized")
				}
				return nil
			})
		},
	}
}

func (a *app) newRegistryExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the registry document to stdout or a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, exitWarning, func(ctx context.Context, rt *node.Runtime) error {
				doc, err := rt.Registry.Snapshot(ctx)
				if err != nil {
					return err
				}
				if out == "" {
					return a.p.JSON(doc)
				}
				data, err := json.MarshalIndent(doc, "", "  ")
				if err != nil {
					return fmt.Errorf("encode registry: %w", err)
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
				a.p.Success("exported %d node(s) to %s", len(doc.Nodes), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func (a *app) newRegistryImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Merge a registry document file into the local registry",
		Long: `Import merges a peer's registry document. For nodes known to both sides
the record with the later last_seen wins.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			doc, err := registry.ParseDocument(data)
			if err != nil {
				return err
			}
			return a.withRuntime(cmd, exitWarning, func(ctx context.Context, rt *node.Runtime) error {
				stats, err := rt.Registry.Merge(ctx, doc)
				if err != nil {
					return err
				}
				a.p.Success("merged: %d added, %d updated, %d kept", stats.Added, stats.Updated, stats.Kept)
				return a.p.JSON(stats)
			})
		},
	}
}

func (a *app) newRegistrySyncCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull a peer's published registry over HTTP and merge it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" {
				return errors.New("--from is required")
			}
			return a.withRuntime(cmd, exitWarning, func(ctx context.Context, rt *node.Runtime) error {
				stats, err := rt.SyncRegistry(ctx, from)
				if err != nil {
					return err
				}
				a.p.Success("synced from %s: %d added, %d updated, %d kept", from, stats.Added, stats.Updated, stats.Kept)
				return a.p.JSON(stats)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "peer base URL, e.g. https://peer.example:8420")
	return cmd
}
