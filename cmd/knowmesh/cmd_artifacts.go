package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/BaSui01/knowmesh/exchange"
	"github.com/BaSui01/knowmesh/node"
	"github.com/BaSui01/knowmesh/report"
)

// =============================================================================
// 📦 工件交换
// =============================================================================

type exchangeFlags struct {
	from       string
	domains    []string
	minQuality float64
	max        int
}

func (f *exchangeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", "", "source node id")
	cmd.Flags().StringSliceVar(&f.domains, "domain", nil, "restrict to domain (repeatable)")
	cmd.Flags().Float64Var(&f.minQuality, "min-quality", 0, "minimum artifact quality")
	cmd.Flags().IntVar(&f.max, "max", 0, "maximum artifacts (0 means no limit)")
}

func (f *exchangeFlags) request(self string) (exchange.Request, error) {
	if f.from == "" {
		return exchange.Request{}, errors.New("--from is required")
	}
	return exchange.Request{
		RequesterID:  self,
		TargetID:     f.from,
		Domains:      f.domains,
		MinQuality:   f.minQuality,
		MaxArtifacts: f.max,
	}, nil
}

func (a *app) newArtifactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "artifacts",
		Aliases: []string{"exchange"},
		Short:   "Request, share and import knowledge artifacts",
	}
	cmd.AddCommand(
		a.newArtifactsRequestCmd(),
		a.newArtifactsShareCmd(),
		a.newArtifactsImportCmd(),
	)
	return cmd
}

func (a *app) newArtifactsRequestCmd() *cobra.Command {
	var f exchangeFlags
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Fetch a peer's exported artifacts without storing them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, exitWarning, func(ctx context.Context, rt *node.Runtime) error {
				req, err := f.request(rt.Config.Node.ID)
				if err != nil {
					return err
				}
				resp, err := rt.Exchange.RequestArtifacts(ctx, req)
				if err != nil {
					return err
				}
				a.p.Step("%d of %d artifact(s) from %s", resp.Metadata.Returned, resp.Metadata.TotalAvailable, resp.SourceNode)
				return a.p.JSON(resp)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func (a *app) newArtifactsShareCmd() *cobra.Command {
	var (
		target string
		f      exchangeFlags
	)
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Stage local artifacts that pass the export policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, exitWarning, func(ctx context.Context, rt *node.Runtime) error {
				policy := exchange.SharePolicy{
					Target:       target,
					Domains:      f.domains,
					MinQuality:   f.minQuality,
					MaxArtifacts: f.max,
				}
				exported, err := rt.Exchange.ShareArtifacts(ctx, policy)
				if err != nil {
					return err
				}
				summary := struct {
					Policy   exchange.SharePolicy `json:"policy"`
					Exported int                  `json:"exported"`
					Staging  string               `json:"staging"`
				}{policy, exported, rt.Staging.Path()}
				a.record(rt, report.KindExport, summary)
				a.p.Success("%d artifact(s) staged for export", exported)
				return a.p.JSON(summary)
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "intended recipient node id (empty means any)")
	cmd.Flags().StringSliceVar(&f.domains, "domain", nil, "restrict to domain (repeatable)")
	cmd.Flags().Float64Var(&f.minQuality, "min-quality", 0, "minimum artifact quality")
	cmd.Flags().IntVar(&f.max, "max", 0, "maximum artifacts (0 means no limit)")
	return cmd
}

func (a *app) newArtifactsImportCmd() *cobra.Command {
	var f exchangeFlags
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Fetch a peer's exported artifacts and store them locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, exitWarning, func(ctx context.Context, rt *node.Runtime) error {
				req, err := f.request(rt.Config.Node.ID)
				if err != nil {
					return err
				}
				result, err := rt.Exchange.ImportArtifacts(ctx, req)
				if err != nil {
					return err
				}
				a.record(rt, report.KindImport, result)
				code := exitOK
				if len(result.Rejected) > 0 {
					code = exitWarning
				}
				a.p.Status(code, "imported %d artifact(s) from %s, %d rejected, %d skipped",
					len(result.Imported), result.Source, len(result.Rejected), len(result.Skipped))
				if err := a.p.JSON(result); err != nil {
					return err
				}
				return withCode(code, nil)
			})
		},
	}
	f.bind(cmd)
	return cmd
}
