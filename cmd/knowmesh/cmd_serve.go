package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/internal/server"
	"github.com/BaSui01/knowmesh/node"
)

// =============================================================================
// 🌐 HTTP 服务
// =============================================================================

func (a *app) newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Publish exports and the registry over HTTP",
		Long: `Serve registers this node, then publishes its staged exports at
/v1/artifacts and its registry document at /v1/registry, plus /health,
/ready, /version and /metrics. With server.run_propagation the maintenance
cycle runs alongside. SIGINT or SIGTERM shuts down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, exitUnavailable, func(ctx context.Context, rt *node.Runtime) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return a.serve(ctx, rt, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :<server.http_port>)")
	return cmd
}

// serve blocks until ctx ends or the listener fails.
func (a *app) serve(ctx context.Context, rt *node.Runtime, addr string) error {
	cfg := rt.Config
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	}

	if _, err := rt.RegisterSelf(ctx); err != nil {
		a.p.Warning("self registration failed: %v", err)
	}

	logger := rt.Logger.With(zap.String("component", "http"))
	chain := []Middleware{
		RequestID(),
		Recovery(logger),
		RequestLogger(logger),
		OTelTracing(),
		MetricsMiddleware(rt.Metrics),
		SecurityHeaders(),
	}
	if cfg.Server.RateLimitRPS > 0 {
		chain = append(chain, RateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, logger))
	}
	if cfg.Server.JWT.Secret != "" {
		chain = append(chain, JWTAuth(cfg.Server.JWT, publicPaths, logger))
	} else {
		logger.Info("JWT authentication disabled, exports are readable by any peer")
	}
	handler := Chain(rt.Handler(Version, BuildTime, GitCommit), chain...)

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = addr
	if cfg.Server.ReadTimeout > 0 {
		srvCfg.ReadTimeout = cfg.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout > 0 {
		srvCfg.WriteTimeout = cfg.Server.WriteTimeout
	}
	if cfg.Server.ShutdownTimeout > 0 {
		srvCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	srvCfg.TLSCertFile = cfg.Server.TLSCertFile
	srvCfg.TLSKeyFile = cfg.Server.TLSKeyFile

	mgr := server.NewManager(handler, srvCfg, rt.Logger)
	if err := mgr.Start(); err != nil {
		return withCode(exitUnavailable, err)
	}
	a.p.Success("serving node %s at %s", cfg.Node.ID, mgr.URL())

	if cfg.Server.RunPropagation {
		if err := rt.Scheduler.Start(ctx, 0); err != nil {
			a.p.Warning("propagation not started: %v", err)
		}
	}

	err := mgr.Wait(ctx)
	rt.Scheduler.Stop()
	if err != nil {
		return withCode(exitUnavailable, err)
	}
	a.p.Success("server stopped")
	return nil
}
