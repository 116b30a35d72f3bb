package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/BaSui01/knowmesh/node"
	"github.com/BaSui01/knowmesh/registry"
)

// =============================================================================
// 🛰️ 节点注册与发现
// =============================================================================

func (a *app) newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage node registrations",
	}
	cmd.AddCommand(a.newNodeRegisterCmd())
	return cmd
}

func (a *app) newNodeRegisterCmd() *cobra.Command {
	var (
		id           string
		name         string
		description  string
		endpoint     string
		domains      []string
		capabilities []string
		quality      float64
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register (or re-register) a node in the registry",
		Long: `Register inserts or replaces a node record and stamps LastSeen.
Without --id (or with --id equal to node.id) the record starts from the node
section of the config and flags override it. With another --id a peer is
registered by hand and its record is built from the flags alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, exitWarning, func(ctx context.Context, rt *node.Runtime) error {
				self := rt.Self()
				flags := cmd.Flags()
				if flags.Changed("id") && id != self.ID {
					self = &registry.Node{ID: id}
				}
				if flags.Changed("name") {
					self.Name = name
				}
				if flags.Changed("description") {
					self.Description = description
				}
				if flags.Changed("endpoint") {
					self.Endpoint = endpoint
				}
				if flags.Changed("domain") {
					self.Domains = domains
				}
				if flags.Changed("capability") {
					self.Capabilities = capabilities
				}
				if flags.Changed("quality") {
					self.Quality = quality
				}

				registered, err := rt.Registry.Register(ctx, self)
				if err != nil {
					return err
				}
				a.p.Success("registered node %s", registered.ID)
				return a.p.JSON(registered)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "node id (defaults to node.id from the config)")
	f.StringVar(&name, "name", "", "display name")
	f.StringVar(&description, "description", "", "free-text description")
	f.StringVar(&endpoint, "endpoint", "", "artifact endpoint: a directory or an http(s) URL")
	f.StringSliceVar(&domains, "domain", nil, "domain tag (repeatable)")
	f.StringSliceVar(&capabilities, "capability", nil, "capability tag (repeatable)")
	f.Float64Var(&quality, "quality", 0, "self-declared quality score in [0,1]")
	return cmd
}

func (a *app) newDiscoverCmd() *cobra.Command {
	var domain, capability string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find nodes by domain or capability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (domain == "") == (capability == "") {
				return errors.New("exactly one of --domain or --capability is required")
			}
			return a.withRuntime(cmd, exitWarning, func(ctx context.Context, rt *node.Runtime) error {
				var (
					nodes []*registry.Node
					err   error
				)
				if domain != "" {
					nodes, err = rt.Registry.DiscoverByDomain(ctx, domain)
				} else {
					nodes, err = rt.Registry.DiscoverByCapability(ctx, capability)
				}
				if err != nil {
					return err
				}
				a.p.Step("%d node(s) found", len(nodes))
				return a.p.JSON(nodes)
			})
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "domain tag")
	cmd.Flags().StringVar(&capability, "capability", "", "capability tag")
	return cmd
}

func (a *app) newActiveCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "active",
		Short: "List nodes seen within the liveness window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, exitWarning, func(ctx context.Context, rt *node.Runtime) error {
				nodes, err := rt.Registry.ActiveNodes(ctx, maxAge)
				if err != nil {
					return err
				}
				a.p.Step("%d active node(s)", len(nodes))
				return a.p.JSON(nodes)
			})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "liveness window (0 uses registry.default_max_age)")
	return cmd
}
