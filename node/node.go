// Package node assembles a knowmesh node from configuration: registry,
// artifact stores, exchange, query routing, checks and the propagation
// scheduler. A Runtime is created once at process start and torn down with
// Close; nothing in the module keeps package-level state.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/api/handlers"
	"github.com/BaSui01/knowmesh/artifact"
	"github.com/BaSui01/knowmesh/config"
	"github.com/BaSui01/knowmesh/exchange"
	"github.com/BaSui01/knowmesh/health"
	"github.com/BaSui01/knowmesh/integrity"
	"github.com/BaSui01/knowmesh/internal/cache"
	"github.com/BaSui01/knowmesh/internal/database"
	"github.com/BaSui01/knowmesh/internal/metrics"
	"github.com/BaSui01/knowmesh/internal/telemetry"
	"github.com/BaSui01/knowmesh/internal/tlsutil"
	"github.com/BaSui01/knowmesh/knowledge"
	"github.com/BaSui01/knowmesh/propagation"
	"github.com/BaSui01/knowmesh/provenance"
	"github.com/BaSui01/knowmesh/query"
	"github.com/BaSui01/knowmesh/registry"
	"github.com/BaSui01/knowmesh/report"
	"github.com/BaSui01/knowmesh/types"
)

// Runtime is an opened node.
type Runtime struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Collector

	Registry   *registry.Registry
	Artifacts  artifact.Store
	Staging    *artifact.FileStore
	Exchange   *exchange.Service
	Router     *query.Router
	Graph      knowledge.Graph
	Health     *health.Monitor
	Provenance *provenance.Validator
	Reports    *report.Writer
	Scheduler  *propagation.Scheduler
	PeerClient *http.Client

	// Integrity is nil when no foundation set is configured.
	Integrity *integrity.Checker

	redis     *cache.Manager
	db        *database.PoolManager
	telemetry *telemetry.Providers
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	logger     *zap.Logger
	metrics    *metrics.Collector
	peerClient *http.Client
}

// Option customizes Open.
type Option func(*options)

// WithLogger sets the root logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records every component's metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithPeerClient replaces the HTTP client used to reach peers.
func WithPeerClient(c *http.Client) Option {
	return func(o *options) { o.peerClient = c }
}

// Open builds a Runtime. On error everything opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (rt *Runtime, err error) {
	if cfg == nil {
		return nil, errors.New("node: nil config")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	rt = &Runtime{
		Config:  cfg,
		Logger:  o.logger.With(zap.String("node_id", cfg.Node.ID)),
		Metrics: o.metrics,
	}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	rt.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, cfg.Node, rt.Logger)
	if err != nil {
		rt.Logger.Warn("telemetry unavailable, continuing without it", zap.Error(err))
		rt.telemetry, err = nil, nil
	}

	if err = rt.openRegistry(ctx); err != nil {
		return nil, err
	}
	if err = rt.openStores(); err != nil {
		return nil, err
	}

	rt.PeerClient = o.peerClient
	if rt.PeerClient == nil {
		rt.PeerClient, err = tlsutil.PeerHTTPClient(cfg.Exchange.RemoteTimeout, cfg.Exchange.CAFile)
		if err != nil {
			return nil, fmt.Errorf("peer client: %w", err)
		}
	}

	remote := exchange.NewHTTPTransport(rt.PeerClient, cfg.Exchange.CacheTTL, rt.Metrics)
	remote.BearerToken = cfg.Exchange.BearerToken
	rt.Exchange = exchange.NewService(
		exchange.Config{
			NodeID:          cfg.Node.ID,
			ExportThreshold: cfg.Exchange.ExportThreshold,
			ExportDomains:   cfg.Exchange.ExportDomains,
		},
		rt.Registry, rt.Artifacts, rt.Staging,
		exchange.Resolver{Local: exchange.LocalTransport{}, Remote: remote},
		rt.Logger,
		exchange.WithTrustPolicy(exchange.MinTrustPolicy{MinScore: cfg.Exchange.MinNodeTrust}),
		exchange.WithMetrics(rt.Metrics),
	)

	rt.Router = query.NewRouter(query.Config{
		NodeID:              cfg.Node.ID,
		MaxNodes:            cfg.Query.MaxNodes,
		NodeTimeout:         cfg.Query.NodeTimeout,
		TopK:                cfg.Query.TopK,
		MinQuality:          cfg.Query.MinQuality,
		MaxArtifactsPerNode: cfg.Query.MaxArtifactsPerNode,
	}, rt.Registry, rt.Exchange, rt.Logger, query.WithMetrics(rt.Metrics))

	rt.Graph = knowledge.FromStore(rt.Artifacts)
	rt.Health = health.NewMonitor(rt.Graph, health.Config{
		CriticalMeanQuality:          cfg.Health.CriticalMeanQuality,
		WarningMeanQuality:           cfg.Health.WarningMeanQuality,
		CriticalDisconnectedFraction: cfg.Health.CriticalDisconnectedFraction,
	}, rt.Metrics, rt.Logger)
	if set := FoundationSet(cfg.Integrity); len(set.IDs) > 0 {
		rt.Integrity = integrity.NewChecker(rt.Graph, rt.Artifacts, set, rt.Metrics, rt.Logger)
	}
	rt.Provenance = provenance.NewValidator(cfg.Provenance.BrokenThreshold, rt.Metrics, rt.Logger)

	if cfg.Reports.Enabled {
		if rt.Reports, err = report.NewWriter(cfg.ReportsDir(), cfg.Node.ID, rt.Logger); err != nil {
			return nil, err
		}
	}

	steps := propagation.Steps{Health: rt.Health, Exporter: rt.Exchange, Registry: rt.Registry}
	if rt.Integrity != nil {
		steps.Integrity = rt.Integrity
	}
	rt.Scheduler = propagation.New(propagation.Config{
		NodeID:          cfg.Node.ID,
		Interval:        cfg.Propagation.Interval,
		FailedThreshold: cfg.Propagation.FailedThreshold,
		HistorySize:     cfg.Propagation.HistorySize,
		ExportTarget:    cfg.Propagation.ExportTarget,
	}, steps, rt.Logger, propagation.WithReports(rt.Reports), propagation.WithMetrics(rt.Metrics))

	rt.Logger.Debug("node opened",
		zap.String("registry_backend", cfg.Registry.Backend),
		zap.String("store_backend", cfg.Store.Backend))
	return rt, nil
}

func (rt *Runtime) openRegistry(ctx context.Context) error {
	cfg := rt.Config
	var store registry.Store
	switch cfg.Registry.Backend {
	case "", "file":
		store = registry.NewFileStore(cfg.RegistryPath())
	case "redis":
		mgr, err := cache.NewManager(ctx, cache.FromRedisConfig(cfg.Redis), rt.Logger)
		if err != nil {
			return err
		}
		rt.redis = mgr
		store = registry.NewRedisStore(mgr.Client(), cfg.Redis.KeyPrefix)
	default:
		return fmt.Errorf("unsupported registry backend %q", cfg.Registry.Backend)
	}

	rt.Registry = registry.New(store, registry.Config{
		DefaultMaxAge:           cfg.Registry.DefaultMaxAge,
		DomainBoundCapabilities: cfg.Registry.DomainBoundCapabilities,
	}, rt.Logger, registry.WithMetrics(rt.Metrics))

	if cfg.Registry.CreateIfMissing {
		if _, err := rt.Registry.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) openStores() error {
	cfg := rt.Config
	switch cfg.Store.Backend {
	case "", "file":
		fs, err := artifact.NewFileStore(cfg.ArtifactsPath())
		if err != nil {
			return err
		}
		rt.Artifacts = fs
	case "sql":
		pm, err := database.Open(cfg.Database, rt.Metrics, rt.Logger)
		if err != nil {
			return err
		}
		rt.db = pm
		ss, err := artifact.NewSQLStore(pm.DB(), rt.Logger)
		if err != nil {
			return err
		}
		rt.Artifacts = ss
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}

	staging, err := artifact.NewFileStore(cfg.StagingPath())
	if err != nil {
		return err
	}
	rt.Staging = staging
	return nil
}

// FoundationSet converts the integrity section into a checker input.
func FoundationSet(c config.IntegrityConfig) integrity.FoundationSet {
	return integrity.FoundationSet{
		Version:        c.Version,
		IDs:            c.FoundationIDs,
		IdentityDomain: c.IdentityDomain,
		Markers:        c.IdentityMarkers,
		MinQuality:     c.MinQuality,
	}
}

// Self describes the local node from configuration. The export threshold is
// advertised as an extension so peers apply it when pulling.
func (rt *Runtime) Self() *registry.Node {
	n := rt.Config.Node
	return &registry.Node{
		ID:           n.ID,
		Name:         n.Name,
		Description:  n.Description,
		Endpoint:     n.Endpoint,
		Capabilities: append([]string(nil), n.Capabilities...),
		Domains:      append([]string(nil), n.Domains...),
		Quality:      n.Quality,
		Extensions: map[string]string{
			exchange.ExportThresholdKey: strconv.FormatFloat(rt.Config.Exchange.ExportThreshold, 'f', -1, 64),
		},
	}
}

// RegisterSelf registers the local node in the registry.
func (rt *Runtime) RegisterSelf(ctx context.Context) (*registry.Node, error) {
	return rt.Registry.Register(ctx, rt.Self())
}

// SyncRegistry pulls a peer's published registry and merges it.
func (rt *Runtime) SyncRegistry(ctx context.Context, peerURL string) (registry.MergeStats, error) {
	target := strings.TrimRight(peerURL, "/") + handlers.RegistryDocumentPath
	var raw json.RawMessage
	if err := exchange.GetJSON(ctx, rt.PeerClient, target, rt.Config.Exchange.BearerToken, &raw); err != nil {
		return registry.MergeStats{}, types.NewTransportError("", err)
	}
	doc, err := registry.ParseDocument(raw)
	if err != nil {
		return registry.MergeStats{}, err
	}
	return rt.Registry.Merge(ctx, doc)
}

// Handler returns the node's HTTP surface without middleware.
func (rt *Runtime) Handler(version, buildTime, gitCommit string) http.Handler {
	healthHandler := handlers.NewHealthHandler(rt.Config.Node.ID, rt.Logger)
	healthHandler.Register(handlers.Probe{Name: "registry", Check: func(ctx context.Context) error {
		_, err := rt.Registry.Snapshot(ctx)
		return err
	}})
	if rt.db != nil {
		healthHandler.Register(handlers.Probe{Name: "database", Check: rt.db.Ping})
	}
	if rt.redis != nil {
		healthHandler.Register(handlers.Probe{Name: "redis", Check: rt.redis.Ping})
	}
	if rt.Reports != nil {
		// 报告写入失败不影响命令结果，只标记为降级
		healthHandler.Register(handlers.Probe{Name: "reports", Optional: true, Check: func(context.Context) error {
			_, err := os.Stat(rt.Reports.Dir())
			return err
		}})
	}

	mux := http.NewServeMux()
	mux.Handle(exchange.ArtifactsPath, handlers.NewArtifactsHandler(rt.Config.Node.ID, rt.Staging, rt.Logger))
	mux.Handle(handlers.RegistryDocumentPath, handlers.NewRegistryHandler(rt.Registry, rt.Logger))
	mux.HandleFunc("/health", healthHandler.HandleHealth)
	mux.HandleFunc("/ready", healthHandler.HandleReady)
	mux.HandleFunc("/version", healthHandler.HandleVersion(version, buildTime, gitCommit))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Close stops the scheduler, refreshes the registry document and releases
// connections. It is safe to call more than once.
func (rt *Runtime) Close() error {
	rt.closeOnce.Do(func() {
		var errs []error
		if rt.Scheduler != nil {
			_ = rt.Scheduler.Close()
		}
		if rt.Registry != nil {
			// 未初始化的注册表不在关闭时创建
			if err := rt.Registry.Persist(context.Background()); err != nil && !types.IsErrorCode(err, types.ErrRegistryCorruption) {
				errs = append(errs, fmt.Errorf("flush registry: %w", err))
			}
		}
		if rt.db != nil {
			if err := rt.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close database: %w", err))
			}
		}
		if rt.redis != nil {
			if err := rt.redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close redis: %w", err))
			}
		}
		if err := rt.telemetry.Shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
		rt.closeErr = errors.Join(errs...)
	})
	return rt.closeErr
}
