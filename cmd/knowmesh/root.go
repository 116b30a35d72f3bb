package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/knowmesh/config"
	"github.com/BaSui01/knowmesh/internal/metrics"
	"github.com/BaSui01/knowmesh/node"
)

// 检查类命令退出码
const (
	exitOK          = 0
	exitWarning     = 1
	exitCritical    = 2
	exitUnavailable = 3
)

// exitError carries a process exit code out of a command. A nil err means
// the command already printed its outcome.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if code == exitOK && err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// metrics 使用默认 Prometheus 注册表，进程内只能创建一次
var (
	collectorOnce sync.Once
	collector     *metrics.Collector
)

func sharedCollector(logger *zap.Logger) *metrics.Collector {
	collectorOnce.Do(func() {
		collector = metrics.NewCollector("knowmesh", logger)
	})
	return collector
}

// app holds per-invocation CLI state.
type app struct {
	configPath string
	logLevel   string
	p          *printer
	logger     *zap.Logger
}

func run(args []string, stdout, stderr io.Writer) int {
	a := &app{p: newPrinter(stdout, stderr)}
	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			a.p.Failure("%v", ee.err)
		}
		return ee.code
	}
	a.p.Failure("%v", err)
	return exitWarning
}

func (a *app) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "knowmesh",
		Short: "knowmesh - federated knowledge exchange node",
		Long: `knowmesh runs a sovereign knowledge node. Nodes advertise capabilities,
discover each other by domain, exchange quality-filtered artifacts under a
trust policy, answer cross-node queries and run a periodic self-maintenance
cycle.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to config file (YAML)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		a.newNodeCmd(),
		a.newDiscoverCmd(),
		a.newActiveCmd(),
		a.newRegistryCmd(),
		a.newArtifactsCmd(),
		a.newQueryCmd(),
		a.newHealthCmd(),
		a.newIntegrityCmd(),
		a.newPropagateCmd(),
		a.newProvenanceCmd(),
		a.newServeCmd(),
		a.newVersionCmd(),
	)
	return root
}

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "knowmesh %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "  Git Commit: %s\n", GitCommit)
			return nil
		},
	}
}

// =============================================================================
// 🔧 配置与运行时
// =============================================================================

func (a *app) loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if a.configPath != "" {
		loader = loader.WithConfigPath(a.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// open loads configuration and builds the node runtime. The caller closes it.
func (a *app) open(ctx context.Context) (*node.Runtime, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	a.logger = initLogger(cfg.Log)
	return node.Open(ctx, cfg,
		node.WithLogger(a.logger),
		node.WithMetrics(sharedCollector(a.logger)),
	)
}

// withRuntime opens the node, runs fn and closes the node. Open failures
// exit with openCode.
func (a *app) withRuntime(cmd *cobra.Command, openCode int, fn func(ctx context.Context, rt *node.Runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := a.open(ctx)
	if err != nil {
		return withCode(openCode, err)
	}
	runErr := fn(ctx, rt)
	if err := rt.Close(); err != nil {
		a.logger.Warn("node close failed", zap.Error(err))
	}
	return runErr
}

// record writes a report when reports are enabled. A failed write is
// reported but never changes the command outcome.
func (a *app) record(rt *node.Runtime, kind string, v any) {
	path, err := rt.Reports.Write(kind, v)
	if err != nil {
		a.p.Warning("report not written: %v", err)
		return
	}
	if path != "" {
		a.logger.Debug("report written", zap.String("kind", kind), zap.String("path", path))
	}
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		DisableStacktrace: !cfg.EnableStacktrace,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
