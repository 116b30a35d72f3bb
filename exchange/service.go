package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/artifact"
	"github.com/BaSui01/knowmesh/internal/metrics"
	"github.com/BaSui01/knowmesh/internal/telemetry"
	"github.com/BaSui01/knowmesh/registry"
	"github.com/BaSui01/knowmesh/types"
)

// ExportThresholdKey is the node extension a peer uses to advertise its own
// export threshold.
const ExportThresholdKey = "export_threshold"

// Config holds exchange policy for the local node.
type Config struct {
	// NodeID identifies the local node on exported and imported artifacts.
	NodeID string `json:"node_id"`

	// ExportThreshold is the minimum quality this node exports. It is also
	// assumed for peers that do not advertise their own.
	ExportThreshold float64 `json:"export_threshold"`

	// ExportDomains restricts exports when non-empty.
	ExportDomains []string `json:"export_domains"`
}

// DefaultConfig returns the standard export policy.
func DefaultConfig() Config {
	return Config{ExportThreshold: 0.95}
}

// Request asks a target node for artifacts.
type Request struct {
	RequesterID  string   `json:"requester_id"`
	TargetID     string   `json:"target_id"`
	Domains      []string `json:"domains,omitempty"`
	MinQuality   float64  `json:"min_quality"`
	MaxArtifacts int      `json:"max_artifacts"`
}

// ResponseMetadata aggregates over the returned set.
type ResponseMetadata struct {
	TotalAvailable int     `json:"total_available"`
	Returned       int     `json:"returned"`
	MeanQuality    float64 `json:"mean_quality"`
}

// Response carries the filtered artifacts from one node.
type Response struct {
	SourceNode string               `json:"source_node"`
	Artifacts  []*artifact.Artifact `json:"artifacts"`
	Metadata   ResponseMetadata     `json:"metadata"`
}

// SharePolicy narrows one export run. It can only tighten the configured
// policy, never loosen it.
type SharePolicy struct {
	Target       string   `json:"target,omitempty"`
	Domains      []string `json:"domains,omitempty"`
	MinQuality   float64  `json:"min_quality,omitempty"`
	MaxArtifacts int      `json:"max_artifacts,omitempty"`
}

// ImportResult lists what an import did.
type ImportResult struct {
	Source   string   `json:"source"`
	Imported []string `json:"imported"`
	Rejected []string `json:"rejected,omitempty"`
	Skipped  []string `json:"skipped,omitempty"`
}

// NodeLookup resolves registered nodes.
type NodeLookup interface {
	Get(ctx context.Context, id string) (*registry.Node, error)
}

// Option customizes a Service.
type Option func(*Service)

// WithTrustPolicy replaces the default trust gate.
func WithTrustPolicy(p TrustPolicy) Option {
	return func(s *Service) { s.trust = p }
}

// WithMetrics records exchange counters on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service moves artifacts across the trust boundary in both directions.
type Service struct {
	config     Config
	nodes      NodeLookup
	local      artifact.Store
	staging    artifact.Store
	transports Resolver
	trust      TrustPolicy
	metrics    *metrics.Collector
	tracer     trace.Tracer
	now        func() time.Time
	logger     *zap.Logger
}

// NewService wires an exchange service. staging receives exports and may be
// nil when the node never shares.
func NewService(config Config, nodes NodeLookup, local, staging artifact.Store, transports Resolver, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ExportThreshold <= 0 {
		config.ExportThreshold = DefaultConfig().ExportThreshold
	}
	s := &Service{
		config:     config,
		nodes:      nodes,
		local:      local,
		staging:    staging,
		transports: transports,
		trust:      AllowAll,
		tracer:     telemetry.Tracer("exchange"),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(zap.String("component", "exchange")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective policy.
func (s *Service) Config() Config { return s.config }

// RequestArtifacts pulls artifacts from req.TargetID. The quality floor is
// the stricter of the request's minimum and the sharer's export threshold.
func (s *Service) RequestArtifacts(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "exchange.request",
		trace.WithAttributes(
			attribute.String("exchange.target", req.TargetID),
			attribute.StringSlice("exchange.domains", req.Domains)))
	defer func() {
		returned := 0
		if resp != nil {
			returned = resp.Metadata.Returned
			span.SetAttributes(attribute.Int("exchange.returned", returned))
		}
		telemetry.EndSpan(span, err)
		s.metrics.RecordExchange("request", err, returned, time.Since(start))
	}()

	node, err := s.nodes.Get(ctx, req.TargetID)
	if err != nil {
		return nil, err
	}
	if err := s.trust.Admit(node); err != nil {
		return nil, err
	}
	transport, err := s.transports.For(node)
	if err != nil {
		return nil, types.NewTransportError(node.ID, err)
	}

	scanned, err := transport.Fetch(ctx, node)
	if err != nil {
		return nil, types.NewTransportError(node.ID, err)
	}

	floor := req.MinQuality
	if t := s.peerThreshold(node); t > floor {
		floor = t
	}
	kept := Apply(scanned, Filter{
		Domains:      req.Domains,
		MinQuality:   floor,
		MaxArtifacts: req.MaxArtifacts,
	})

	s.logger.Debug("artifacts requested",
		zap.String("target", node.ID),
		zap.Int("scanned", len(scanned)),
		zap.Int("returned", len(kept)))

	return &Response{
		SourceNode: node.ID,
		Artifacts:  kept,
		Metadata:   Summarize(len(scanned), kept),
	}, nil
}

// ShareArtifacts stages this node's exportable artifacts and returns how many
// were written. Staging is reconciled on every run: staged copies that no
// longer pass the export gate are removed.
func (s *Service) ShareArtifacts(ctx context.Context, policy SharePolicy) (exported int, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "exchange.share")
	defer func() {
		span.SetAttributes(attribute.Int("exchange.exported", exported))
		telemetry.EndSpan(span, err)
		s.metrics.RecordExchange("share", err, exported, time.Since(start))
	}()

	if s.staging == nil {
		return 0, errors.New("export staging is not configured")
	}

	all, err := s.local.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan local store: %w", err)
	}

	threshold := s.config.ExportThreshold
	if policy.MinQuality > threshold {
		threshold = policy.MinQuality
	}
	target := policy.Target
	if target == "" {
		target = "*"
	}

	var kept []*artifact.Artifact
	if domains, ok := narrowDomains(s.config.ExportDomains, policy.Domains); ok {
		kept = Apply(all, Filter{Domains: domains, MinQuality: threshold, MaxArtifacts: policy.MaxArtifacts})
	} else {
		s.logger.Info("share policy selects no exportable domain", zap.Strings("domains", policy.Domains))
	}

	now := s.now()
	keep := make(map[string]struct{}, len(kept))
	for _, a := range kept {
		out := a.Clone()
		out.Exchange = exportMeta(s.config.NodeID, target, now, out)
		if err := s.staging.Write(ctx, out); err != nil {
			return exported, fmt.Errorf("stage artifact %s: %w", a.ID, err)
		}
		keep[a.ID] = struct{}{}
		exported++
	}

	retracted, err := s.pruneStaging(ctx, keep)
	if err != nil {
		return exported, err
	}

	s.logger.Info("artifacts shared",
		zap.Int("scanned", len(all)),
		zap.Int("exported", exported),
		zap.Int("retracted", retracted),
		zap.Float64("threshold", threshold))
	return exported, nil
}

// pruneStaging deletes staged artifacts whose ids are not in keep.
func (s *Service) pruneStaging(ctx context.Context, keep map[string]struct{}) (int, error) {
	staged, err := s.staging.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan export staging: %w", err)
	}
	n := 0
	for _, a := range staged {
		if _, ok := keep[a.ID]; ok {
			continue
		}
		if err := s.staging.Delete(ctx, a.ID); err != nil {
			return n, fmt.Errorf("retract artifact %s: %w", a.ID, err)
		}
		s.logger.Debug("artifact retracted from staging", zap.String("artifact_id", a.ID))
		n++
	}
	return n, nil
}

// ImportArtifacts requests artifacts from a peer and writes them into the
// local store with their ids and insights unchanged. Artifacts whose digest
// does not match their content are rejected. A local artifact that did not
// come from the same source is never overwritten.
func (s *Service) ImportArtifacts(ctx context.Context, req Request) (result *ImportResult, err error) {
	start := time.Now()
	defer func() {
		n := 0
		if result != nil {
			n = len(result.Imported)
		}
		s.metrics.RecordExchange("import", err, n, time.Since(start))
	}()

	resp, err := s.RequestArtifacts(ctx, req)
	if err != nil {
		return nil, err
	}

	result = &ImportResult{Source: resp.SourceNode, Imported: []string{}}
	now := s.now()
	for _, a := range resp.Artifacts {
		digest := artifact.Digest(a)
		if a.Exchange != nil && a.Exchange.Digest != "" && a.Exchange.Digest != digest {
			s.logger.Warn("artifact digest mismatch", zap.String("artifact_id", a.ID), zap.String("source", resp.SourceNode))
			result.Rejected = append(result.Rejected, a.ID)
			continue
		}

		existing, err := s.local.Read(ctx, a.ID)
		switch {
		case err == nil:
			if existing.Exchange == nil || existing.Exchange.SourceNode != sourceOf(a, resp.SourceNode) {
				result.Skipped = append(result.Skipped, a.ID)
				continue
			}
		case !errors.Is(err, artifact.ErrNotFound):
			return result, fmt.Errorf("check local artifact %s: %w", a.ID, err)
		}

		in := a.Clone()
		importedAt := now
		meta := artifact.ExchangeMeta{SourceNode: sourceOf(a, resp.SourceNode), Digest: digest}
		if a.Exchange != nil {
			meta.ExportedAt = a.Exchange.ExportedAt
		}
		meta.TargetNode = s.config.NodeID
		meta.ImportedAt = &importedAt
		in.Exchange = &meta
		if err := s.local.Write(ctx, in); err != nil {
			return result, fmt.Errorf("import artifact %s: %w", a.ID, err)
		}
		result.Imported = append(result.Imported, a.ID)
	}

	s.logger.Info("artifacts imported",
		zap.String("source", resp.SourceNode),
		zap.Int("imported", len(result.Imported)),
		zap.Int("rejected", len(result.Rejected)),
		zap.Int("skipped", len(result.Skipped)))
	return result, nil
}

func (s *Service) peerThreshold(node *registry.Node) float64 {
	if raw, ok := node.Extensions[ExportThresholdKey]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 && v <= 1 {
			return v
		}
		s.logger.Warn("ignoring malformed export threshold", zap.String("node_id", node.ID), zap.String("value", raw))
	}
	return s.config.ExportThreshold
}

func exportMeta(source, target string, at time.Time, a *artifact.Artifact) *artifact.ExchangeMeta {
	return &artifact.ExchangeMeta{
		SourceNode: source,
		TargetNode: target,
		ExportedAt: &at,
		Digest:     artifact.Digest(a),
	}
}

func sourceOf(a *artifact.Artifact, fallback string) string {
	if a.Exchange != nil && a.Exchange.SourceNode != "" {
		return a.Exchange.SourceNode
	}
	return fallback
}

// narrowDomains combines the configured export domains with a per-run
// request. An empty configured set means no restriction. ok is false when
// the two sets share nothing.
func narrowDomains(configured, requested []string) (domains []string, ok bool) {
	if len(requested) == 0 {
		return configured, true
	}
	if len(configured) == 0 {
		return requested, true
	}
	allowed := make(map[string]struct{}, len(configured))
	for _, d := range configured {
		allowed[d] = struct{}{}
	}
	for _, d := range requested {
		if _, in := allowed[d]; in {
			domains = append(domains, d)
		}
	}
	return domains, len(domains) > 0
}
