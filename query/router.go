// Package query answers a question across nodes: it picks candidates from the
// registry, fans out artifact requests concurrently with a per-node deadline,
// and folds the answers into a deterministic synthesis.
package query

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/knowmesh/exchange"
	"github.com/BaSui01/knowmesh/internal/metrics"
	"github.com/BaSui01/knowmesh/internal/telemetry"
	"github.com/BaSui01/knowmesh/registry"
	"github.com/BaSui01/knowmesh/types"
)

// Query is a cross-node question. Zero values fall back to the router config.
type Query struct {
	Text                string   `json:"text"`
	Domains             []string `json:"domains,omitempty"`
	MaxNodes            int      `json:"max_nodes,omitempty"`
	MinQuality          float64  `json:"min_quality,omitempty"`
	TopK                int      `json:"top_k,omitempty"`
	MaxArtifactsPerNode int      `json:"max_artifacts_per_node,omitempty"`
}

// NodeResult is the outcome of asking one node.
type NodeResult struct {
	NodeID   string             `json:"node_id"`
	NodeName string             `json:"node_name"`
	Response *exchange.Response `json:"response,omitempty"`
	Err      error              `json:"-"`
	Error    string             `json:"error,omitempty"`
	TimedOut bool               `json:"timed_out,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// OK reports whether the node answered.
func (r NodeResult) OK() bool { return r.Err == nil && r.Response != nil }

// Result is the full answer to a query.
type Result struct {
	Query     Query        `json:"query"`
	Nodes     []NodeResult `json:"nodes"`
	Synthesis Synthesis    `json:"synthesis"`
}

// Discovery selects candidate nodes.
type Discovery interface {
	DiscoverByDomain(ctx context.Context, domain string) ([]*registry.Node, error)
	ActiveNodes(ctx context.Context, maxAge time.Duration) ([]*registry.Node, error)
}

// Requester pulls artifacts from one node.
type Requester interface {
	RequestArtifacts(ctx context.Context, req exchange.Request) (*exchange.Response, error)
}

// Config holds router defaults.
type Config struct {
	NodeID              string
	MaxNodes            int
	NodeTimeout         time.Duration
	TopK                int
	MinQuality          float64
	MaxArtifactsPerNode int
}

// DefaultConfig returns the standard fan-out policy.
func DefaultConfig() Config {
	return Config{
		MaxNodes:            5,
		NodeTimeout:         10 * time.Second,
		TopK:                10,
		MaxArtifactsPerNode: 50,
	}
}

// Option customizes a Router.
type Option func(*Router)

// WithMetrics records route metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Router) { r.metrics = c }
}

// Router fans a query out to registered nodes.
type Router struct {
	config    Config
	discovery Discovery
	requester Requester
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewRouter creates a router. Non-positive config values take defaults.
func NewRouter(config Config, discovery Discovery, requester Requester, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.MaxNodes <= 0 {
		config.MaxNodes = def.MaxNodes
	}
	if config.NodeTimeout <= 0 {
		config.NodeTimeout = def.NodeTimeout
	}
	if config.TopK <= 0 {
		config.TopK = def.TopK
	}
	if config.MaxArtifactsPerNode <= 0 {
		config.MaxArtifactsPerNode = def.MaxArtifactsPerNode
	}
	r := &Router{
		config:    config,
		discovery: discovery,
		requester: requester,
		tracer:    telemetry.Tracer("query"),
		logger:    logger.With(zap.String("component", "query_router")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route runs q across candidate nodes. Per-node failures are recorded in the
// result and never abort the others. When no node answers, the result is
// still returned alongside a NoReachableNodes error.
func (r *Router) Route(ctx context.Context, q Query) (result *Result, err error) {
	start := time.Now()
	q = r.withDefaults(q)
	ctx, span := r.tracer.Start(ctx, "query.route",
		trace.WithAttributes(
			attribute.StringSlice("query.domains", q.Domains),
			attribute.Int("query.max_nodes", q.MaxNodes)))
	defer func() {
		telemetry.EndSpan(span, err)
		r.metrics.RecordRoute(time.Since(start))
	}()

	candidates, err := r.candidates(ctx, q)
	if err != nil {
		return nil, err
	}
	result = &Result{Query: q, Nodes: []NodeResult{}}
	if len(candidates) == 0 {
		return result, types.NewError(types.ErrNoReachableNodes, "no candidate nodes for query")
	}
	span.SetAttributes(attribute.Int("query.candidates", len(candidates)))

	results := make([]NodeResult, len(candidates))
	g := new(errgroup.Group)
	g.SetLimit(q.MaxNodes)
	for i, node := range candidates {
		i, node := i, node
		g.Go(func() error {
			results[i] = r.ask(ctx, node, q)
			return nil // 单节点失败不终止其余节点
		})
	}
	_ = g.Wait()

	answered := 0
	for i := range results {
		if results[i].Err != nil {
			results[i].Error = results[i].Err.Error()
		} else {
			answered++
		}
	}
	result.Nodes = results
	result.Synthesis = Synthesize(results, q)

	r.logger.Info("query routed",
		zap.Int("candidates", len(candidates)),
		zap.Int("answered", answered),
		zap.Int("insights", len(result.Synthesis.Insights)),
		zap.Duration("duration", time.Since(start)))

	if answered == 0 {
		return result, types.Errorf(types.ErrNoReachableNodes, "none of %d candidate nodes answered", len(candidates))
	}
	return result, nil
}

// ask queries one node under its own deadline. The request runs in its own
// goroutine so a source that ignores cancellation cannot hold the caller
// past the deadline; its late result is dropped.
func (r *Router) ask(ctx context.Context, node *registry.Node, q Query) NodeResult {
	start := time.Now()
	out := NodeResult{NodeID: node.ID, NodeName: node.DisplayName()}

	nodeCtx, cancel := context.WithTimeout(ctx, r.config.NodeTimeout)
	defer cancel()
	nodeCtx, span := r.tracer.Start(nodeCtx, "query.node", trace.WithAttributes(attribute.String("node.id", node.ID)))

	type reply struct {
		resp *exchange.Response
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := r.requester.RequestArtifacts(nodeCtx, exchange.Request{
			RequesterID:  r.config.NodeID,
			TargetID:     node.ID,
			Domains:      q.Domains,
			MinQuality:   q.MinQuality,
			MaxArtifacts: q.MaxArtifactsPerNode,
		})
		done <- reply{resp: resp, err: err}
	}()

	select {
	case rep := <-done:
		out.Response, out.Err = rep.resp, rep.err
		if out.Err == nil && out.Response == nil {
			out.Err = types.NewTransportError(node.ID, fmt.Errorf("empty response"))
		}
	case <-nodeCtx.Done():
		out.TimedOut = true
		out.Err = types.NewTransportError(node.ID, fmt.Errorf("no response within %s: %w", r.config.NodeTimeout, nodeCtx.Err()))
	}
	out.Duration = time.Since(start)
	telemetry.EndSpan(span, out.Err)

	switch {
	case out.TimedOut:
		r.metrics.RecordNodeOutcome("timeout")
	case out.Err != nil:
		r.metrics.RecordNodeOutcome("error")
	default:
		r.metrics.RecordNodeOutcome("ok")
	}
	if out.Err != nil {
		r.logger.Warn("node did not answer",
			zap.String("node_id", node.ID),
			zap.Bool("timed_out", out.TimedOut),
			zap.Error(out.Err))
	}
	return out
}

// candidates unions domain discovery in order, or falls back to active
// nodes, then truncates to the fan-out limit.
func (r *Router) candidates(ctx context.Context, q Query) ([]*registry.Node, error) {
	var nodes []*registry.Node
	if len(q.Domains) == 0 {
		active, err := r.discovery.ActiveNodes(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("list active nodes: %w", err)
		}
		nodes = active
	} else {
		seen := make(map[string]struct{})
		for _, d := range q.Domains {
			found, err := r.discovery.DiscoverByDomain(ctx, d)
			if err != nil {
				return nil, fmt.Errorf("discover domain %q: %w", d, err)
			}
			for _, n := range found {
				if _, dup := seen[n.ID]; dup {
					continue
				}
				seen[n.ID] = struct{}{}
				nodes = append(nodes, n)
			}
		}
	}
	if len(nodes) > q.MaxNodes {
		nodes = nodes[:q.MaxNodes]
	}
	return nodes, nil
}

func (r *Router) withDefaults(q Query) Query {
	if q.MaxNodes <= 0 {
		q.MaxNodes = r.config.MaxNodes
	}
	if q.TopK <= 0 {
		q.TopK = r.config.TopK
	}
	if q.MinQuality <= 0 {
		q.MinQuality = r.config.MinQuality
	}
	if q.MaxArtifactsPerNode <= 0 {
		q.MaxArtifactsPerNode = r.config.MaxArtifactsPerNode
	}
	return q
}
