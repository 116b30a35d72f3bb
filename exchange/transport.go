package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/BaSui01/knowmesh/artifact"
	"github.com/BaSui01/knowmesh/internal/metrics"
	"github.com/BaSui01/knowmesh/registry"
)

// ArtifactsPath is where a serving node publishes its exportable artifacts.
const ArtifactsPath = "/v1/artifacts"

// Listing is the document a remote node returns from ArtifactsPath.
type Listing struct {
	SourceNode string               `json:"source_node"`
	Artifacts  []*artifact.Artifact `json:"artifacts"`
}

// Transport fetches the full artifact scan of a node.
type Transport interface {
	Fetch(ctx context.Context, node *registry.Node) ([]*artifact.Artifact, error)
}

// EndpointKind classifies a node endpoint.
type EndpointKind string

const (
	EndpointLocal  EndpointKind = "local"
	EndpointRemote EndpointKind = "remote"
)

// KindOf reports whether endpoint is a local directory or a remote URL.
func KindOf(endpoint string) EndpointKind {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return EndpointRemote
	}
	return EndpointLocal
}

// Resolver picks a transport for a node's endpoint kind.
type Resolver struct {
	Local  Transport
	Remote Transport
}

// For returns the transport for node.
func (r Resolver) For(node *registry.Node) (Transport, error) {
	var t Transport
	switch KindOf(node.Endpoint) {
	case EndpointRemote:
		t = r.Remote
	default:
		t = r.Local
	}
	if t == nil {
		return nil, fmt.Errorf("no transport for endpoint %q", node.Endpoint)
	}
	return t, nil
}

// =============================================================================
// Local directory transport
// =============================================================================

// LocalTransport reads a node's artifact directory. Endpoints may be plain
// paths or file:// URLs.
type LocalTransport struct{}

func (LocalTransport) Fetch(ctx context.Context, node *registry.Node) ([]*artifact.Artifact, error) {
	path := node.Endpoint
	if strings.HasPrefix(path, "file://") {
		u, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint %q: %w", path, err)
		}
		path = u.Path
	}
	if path == "" {
		return nil, errors.New("empty endpoint")
	}
	store, err := artifact.OpenFileStore(path)
	if err != nil {
		return nil, err
	}
	return store.List(ctx)
}

// =============================================================================
// Remote HTTP transport
// =============================================================================

// HTTPTransport fetches a remote node's listing over HTTP. Listings are
// cached for a short TTL to absorb bursts of queries against one peer.
type HTTPTransport struct {
	client  *http.Client
	cache   *gocache.Cache
	metrics *metrics.Collector
	// BearerToken is sent as an Authorization header when set.
	BearerToken string
}

// NewHTTPTransport creates a transport. cacheTTL <= 0 disables caching.
func NewHTTPTransport(client *http.Client, cacheTTL time.Duration, m *metrics.Collector) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	t := &HTTPTransport{client: client, metrics: m}
	if cacheTTL > 0 {
		t.cache = gocache.New(cacheTTL, 2*cacheTTL)
	}
	return t
}

func (t *HTTPTransport) Fetch(ctx context.Context, node *registry.Node) ([]*artifact.Artifact, error) {
	target := strings.TrimRight(node.Endpoint, "/") + ArtifactsPath
	if t.cache != nil {
		if cached, ok := t.cache.Get(target); ok {
			t.metrics.RecordCacheHit("remote_listing")
			return cloneAll(cached.([]*artifact.Artifact)), nil
		}
		t.metrics.RecordCacheMiss("remote_listing")
	}

	var listing Listing
	if err := GetJSON(ctx, t.client, target, t.BearerToken, &listing); err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.cache.SetDefault(target, cloneAll(listing.Artifacts))
	}
	return listing.Artifacts, nil
}

// GetJSON issues a GET and decodes a JSON body into out. Non-2xx responses
// are errors.
func GetJSON(ctx context.Context, client *http.Client, target, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", target, err)
	}
	return nil
}

func cloneAll(in []*artifact.Artifact) []*artifact.Artifact {
	out := make([]*artifact.Artifact, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}
