package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/internal/metrics"
	"github.com/BaSui01/knowmesh/types"
)

// Config holds registry policy.
type Config struct {
	// DefaultMaxAge is the liveness window used when ActiveNodes gets a
	// non-positive age.
	DefaultMaxAge time.Duration `json:"default_max_age"`

	// DomainBoundCapabilities require a non-empty domain set at registration.
	DomainBoundCapabilities []string `json:"domain_bound_capabilities"`
}

// DefaultConfig returns a Config with the standard 30 day liveness window.
func DefaultConfig() Config {
	return Config{
		DefaultMaxAge:           30 * 24 * time.Hour,
		DomainBoundCapabilities: []string{"query", "export"},
	}
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics records durable writes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = c }
}

// Registry is the durable node directory. Every call loads the current
// document from the store; every mutating call commits it through
// Store.Update before returning, so concurrent writers in other processes
// never lose each other's changes.
type Registry struct {
	store   Store
	config  Config
	now     func() time.Time
	metrics *metrics.Collector
	logger  *zap.Logger

	// mu keeps goroutines of this process from racing each other into
	// store-level retries.
	mu sync.Mutex
}

// New creates a registry over store.
func New(store Store, config Config, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultMaxAge <= 0 {
		config.DefaultMaxAge = DefaultConfig().DefaultMaxAge
	}
	r := &Registry{
		store:  store,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init writes an empty document if none exists. An existing valid document
// is left untouched; a corrupt one is reported, never overwritten.
func (r *Registry) Init(ctx context.Context) (created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := NewDocument()
	doc.refresh(r.now())
	created, err = r.store.Create(ctx, doc)
	if err != nil {
		r.metrics.RecordRegistryWrite("init", err, 0)
		return false, r.wrapLoadErr(err)
	}
	if created {
		r.metrics.RecordRegistryWrite("init", nil, 0)
		r.logger.Info("registry initialized")
	}
	return created, nil
}

// Register inserts or replaces node by id and stamps LastSeen.
func (r *Registry) Register(ctx context.Context, node *Node) (*Node, error) {
	if err := validateNode(node, r.config.DomainBoundCapabilities); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := node.clone()
	err := r.update(ctx, "register", func(doc *Document) error {
		stored.LastSeen = r.now()
		doc.Nodes[stored.ID] = stored.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("node registered",
		zap.String("node_id", stored.ID),
		zap.Strings("domains", stored.Domains),
		zap.Strings("capabilities", stored.Capabilities))
	return stored.clone(), nil
}

// Get returns a node or a NodeNotFound error.
func (r *Registry) Get(ctx context.Context, id string) (*Node, error) {
	doc, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	n, ok := doc.Nodes[id]
	if !ok {
		return nil, types.NewNodeNotFoundError(id)
	}
	return n.clone(), nil
}

// DiscoverByDomain returns nodes claiming domain, ordered by id.
func (r *Registry) DiscoverByDomain(ctx context.Context, domain string) ([]*Node, error) {
	doc, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.sortedNodes(func(n *Node) bool { return n.HasDomain(domain) }), nil
}

// DiscoverByCapability returns nodes advertising tag, ordered by id.
func (r *Registry) DiscoverByCapability(ctx context.Context, tag string) ([]*Node, error) {
	doc, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.sortedNodes(func(n *Node) bool { return n.HasCapability(tag) }), nil
}

// ActiveNodes returns nodes seen within maxAge of now, ordered by id.
// A non-positive maxAge uses the configured default.
func (r *Registry) ActiveNodes(ctx context.Context, maxAge time.Duration) ([]*Node, error) {
	if maxAge <= 0 {
		maxAge = r.config.DefaultMaxAge
	}
	doc, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	return doc.sortedNodes(func(n *Node) bool { return now.Sub(n.LastSeen) <= maxAge }), nil
}

// Heartbeat moves LastSeen forward for a known node. Unknown ids are ignored.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.update(ctx, "heartbeat", func(doc *Document) error {
		n, ok := doc.Nodes[id]
		if !ok {
			r.logger.Debug("heartbeat for unknown node ignored", zap.String("node_id", id))
			return ErrNoChange
		}
		now := r.now()
		if !now.After(n.LastSeen) {
			return ErrNoChange
		}
		n.LastSeen = now
		return nil
	})
}

// Merge folds other into the durable registry using last-write-wins.
func (r *Registry) Merge(ctx context.Context, other *Document) (MergeStats, error) {
	if other == nil {
		return MergeStats{}, types.NewValidationError("incoming registry document is nil")
	}
	for id, n := range other.Nodes {
		if n == nil || n.ID != id {
			return MergeStats{}, types.NewValidationError("incoming registry has mismatched node key %q", id)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stats MergeStats
	err := r.update(ctx, "merge", func(doc *Document) error {
		var merged *Document
		merged, stats = MergeDocuments(doc, other)
		*doc = *merged
		return nil
	})
	if err != nil {
		return MergeStats{}, err
	}
	r.logger.Info("registry merged",
		zap.Int("added", stats.Added),
		zap.Int("updated", stats.Updated),
		zap.Int("kept", stats.Kept))
	return stats, nil
}

// Persist rewrites the current document with fresh metadata.
func (r *Registry) Persist(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.update(ctx, "persist", func(*Document) error { return nil })
}

// Snapshot returns the latest durable document.
func (r *Registry) Snapshot(ctx context.Context) (*Document, error) {
	return r.load(ctx)
}

func (r *Registry) load(ctx context.Context) (*Document, error) {
	doc, err := r.store.Load(ctx)
	if err != nil {
		return nil, r.wrapLoadErr(err)
	}
	return doc, nil
}

func (r *Registry) wrapLoadErr(err error) error {
	switch {
	case errors.Is(err, ErrDocumentMissing):
		return types.NewRegistryCorruptionError("registry not initialized", err)
	case errors.Is(err, ErrDocumentInvalid):
		return types.NewRegistryCorruptionError("registry document unreadable", err)
	default:
		return err
	}
}

// update commits fn through the store, refreshing document metadata on
// every write. A skipped write is not recorded.
func (r *Registry) update(ctx context.Context, op string, fn func(*Document) error) error {
	wrote, nodes := false, 0
	err := r.store.Update(ctx, func(doc *Document) error {
		wrote = false
		if err := fn(doc); err != nil {
			return err
		}
		doc.refresh(r.now())
		wrote, nodes = true, len(doc.Nodes)
		return nil
	})
	if err != nil {
		err = r.wrapLoadErr(err)
		r.metrics.RecordRegistryWrite(op, err, 0)
		r.logger.Error("registry write failed", zap.String("operation", op), zap.Error(err))
		return err
	}
	if wrote {
		r.metrics.RecordRegistryWrite(op, nil, nodes)
	}
	return nil
}
