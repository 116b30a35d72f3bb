package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BaSui01/knowmesh/health"
	"github.com/BaSui01/knowmesh/integrity"
	"github.com/BaSui01/knowmesh/node"
	"github.com/BaSui01/knowmesh/propagation"
	"github.com/BaSui01/knowmesh/query"
	"github.com/BaSui01/knowmesh/report"
	"github.com/BaSui01/knowmesh/types"
)

// =============================================================================
// 🔍 查询与检查
// =============================================================================
// 检查类命令退出码: 0 正常, 1 告警, 2 严重, 3 无法执行
// =============================================================================

func (a *app) newQueryCmd() *cobra.Command {
	var q query.Query
	cmd := &cobra.Command{
		Use:   "query TEXT",
		Short: "Route a question to peer nodes and synthesize the answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Text = args[0]
			return a.withRuntime(cmd, exitWarning, func(ctx context.Context, rt *node.Runtime) error {
				result, err := rt.Router.Route(ctx, q)
				if result == nil {
					return err
				}
				a.record(rt, report.KindQuery, result)
				if jerr := a.p.JSON(result); jerr != nil {
					return jerr
				}
				if err != nil {
					if types.IsErrorCode(err, types.ErrNoReachableNodes) {
						a.p.Warning("%v", err)
						return withCode(exitWarning, nil)
					}
					return err
				}
				a.p.Success("%d insight(s) from %d node(s)",
					len(result.Synthesis.Insights), len(result.Synthesis.ContributingNodes))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&q.Domains, "domain", nil, "restrict candidates to domain (repeatable)")
	f.IntVar(&q.MaxNodes, "max-nodes", 0, "maximum nodes to ask (0 uses query.max_nodes)")
	f.IntVar(&q.TopK, "top-k", 0, "insights to keep (0 uses query.top_k)")
	f.Float64Var(&q.MinQuality, "min-quality", 0, "minimum artifact quality (0 uses query.min_quality)")
	return cmd
}

func healthExit(s health.Status) int {
	switch s {
	case health.StatusHealthy:
		return exitOK
	case health.StatusWarning:
		return exitWarning
	default:
		return exitCritical
	}
}

func (a *app) newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the local knowledge graph's quality and connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, exitUnavailable, func(ctx context.Context, rt *node.Runtime) error {
				rep, err := rt.Health.Run(ctx)
				if err != nil {
					return withCode(exitUnavailable, err)
				}
				a.record(rt, report.KindHealth, rep)
				if err := a.p.JSON(rep); err != nil {
					return withCode(exitUnavailable, err)
				}
				code := healthExit(rep.Status)
				a.p.Status(code, "health %s: %d unit(s), mean quality %.3f",
					rep.Status, rep.Metrics.Units, rep.Metrics.MeanQuality)
				return withCode(code, nil)
			})
		},
	}
}

func integrityExit(s integrity.Status) int {
	if s == integrity.StatusIntact {
		return exitOK
	}
	return exitCritical
}

func (a *app) newIntegrityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Verify the configured foundation artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, exitUnavailable, func(ctx context.Context, rt *node.Runtime) error {
				if rt.Integrity == nil {
					return withCode(exitUnavailable, errors.New("no foundation set configured (integrity.foundation_ids)"))
				}
				rep, err := rt.Integrity.Run(ctx)
				if err != nil {
					return withCode(exitUnavailable, err)
				}
				a.record(rt, report.KindIntegrity, rep)
				if err := a.p.JSON(rep); err != nil {
					return withCode(exitUnavailable, err)
				}
				code := integrityExit(rep.Status)
				a.p.Status(code, "foundation set %s: %s (%d of %d present)",
					rep.Version, rep.Status, len(rep.Present), rep.Expected)
				return withCode(code, nil)
			})
		},
	}
}

func cycleExit(s propagation.Status) int {
	switch s {
	case propagation.StatusSuccess:
		return exitOK
	case propagation.StatusPartial:
		return exitWarning
	default:
		return exitCritical
	}
}

func (a *app) newPropagateCmd() *cobra.Command {
	var (
		once     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "propagate",
		Short: "Run the maintenance cycle once or on a schedule",
		Long: `Each cycle checks health and integrity, stages exports, persists the
registry and sends a heartbeat. Without --once the command runs a cycle
immediately and then one per interval until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, exitUnavailable, func(ctx context.Context, rt *node.Runtime) error {
				if once {
					rec, err := rt.Scheduler.RunCycle(ctx)
					if err != nil {
						return withCode(exitUnavailable, err)
					}
					if err := a.p.JSON(rec); err != nil {
						return withCode(exitUnavailable, err)
					}
					code := cycleExit(rec.Status)
					a.p.Status(code, "cycle %s: %d error(s), %d exported", rec.Status, len(rec.Errors), rec.Exported)
					return withCode(code, nil)
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				if err := rt.Scheduler.Start(ctx, interval); err != nil {
					return withCode(exitUnavailable, err)
				}
				a.p.Step("propagation running, press Ctrl+C to stop")
				<-ctx.Done()
				rt.Scheduler.Stop()
				a.p.Success("propagation stopped after %d cycle(s)", len(rt.Scheduler.History()))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "cycle interval (0 uses propagation.interval)")
	return cmd
}

func (a *app) newProvenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provenance",
		Short: "Check artifact provenance trails",
	}
	cmd.AddCommand(a.newProvenanceValidateCmd())
	return cmd
}

func (a *app) newProvenanceValidateCmd() *cobra.Command {
	var roots []string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Verify that every trail reference resolves under a repository root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, exitUnavailable, func(ctx context.Context, rt *node.Runtime) error {
				if len(roots) == 0 {
					roots = rt.Config.Provenance.Roots
				}
				if len(roots) == 0 {
					roots = []string{rt.Config.ArtifactsPath()}
				}
				artifacts, err := rt.Artifacts.List(ctx)
				if err != nil {
					return withCode(exitUnavailable, err)
				}
				rep, err := rt.Provenance.Validate(ctx, artifacts, roots)
				if err != nil {
					return withCode(exitUnavailable, err)
				}
				a.record(rt, report.KindProvenance, rep)
				if err := a.p.JSON(rep); err != nil {
					return withCode(exitUnavailable, err)
				}
				code := exitOK
				if rep.HasBroken() {
					code = exitWarning
				}
				a.p.Status(code, "%d of %d reference(s) valid (%.1f%%)", rep.Valid, rep.Total, rep.ValidityRate*100)
				return withCode(code, nil)
			})
		},
	}
	cmd.Flags().StringSliceVar(&roots, "root", nil, "repository root (repeatable; default provenance.roots or the artifact directory)")
	return cmd
}
