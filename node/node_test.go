package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/knowmesh/artifact"
	"github.com/BaSui01/knowmesh/config"
	"github.com/BaSui01/knowmesh/exchange"
	"github.com/BaSui01/knowmesh/propagation"
	"github.com/BaSui01/knowmesh/query"
	"github.com/BaSui01/knowmesh/types"
)

// testConfig returns a node rooted under dir that shares registryPath.
func testConfig(dir, id string, domains []string, registryPath string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Node.ID = id
	cfg.Node.Name = id + "-name"
	cfg.Node.DataDir = dir
	cfg.Node.Domains = domains
	cfg.Node.Endpoint = filepath.Join(dir, "exports")
	cfg.Registry.Path = registryPath
	return cfg
}

func openNode(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	rt, err := Open(context.Background(), cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func seed(t *testing.T, store artifact.Store, arts ...*artifact.Artifact) {
	t.Helper()
	for _, a := range arts {
		require.NoError(t, store.Write(context.Background(), a))
	}
}

func TestOpen_DefaultsToFileBackends(t *testing.T) {
	dir := t.TempDir()
	rt := openNode(t, testConfig(dir, "node-a", []string{"ai"}, ""))

	assert.FileExists(t, filepath.Join(dir, "registry.json"), "create_if_missing initializes the registry")
	assert.DirExists(t, filepath.Join(dir, "artifacts"))
	assert.DirExists(t, filepath.Join(dir, "exports"))
	assert.DirExists(t, filepath.Join(dir, "reports"))
	assert.Nil(t, rt.Integrity, "no foundation set configured")
	assert.Equal(t, propagation.StateIdle, rt.Scheduler.State())
}

func TestOpen_UninitializedRegistryFailsLoudly(t *testing.T) {
	cfg := testConfig(t.TempDir(), "node-a", []string{"ai"}, "")
	cfg.Registry.CreateIfMissing = false

	rt := openNode(t, cfg)
	_, err := rt.RegisterSelf(context.Background())
	assert.True(t, types.IsErrorCode(err, types.ErrRegistryCorruption))
	assert.NoError(t, rt.Close(), "closing never creates the registry")
}

func TestOpen_RejectsUnknownBackends(t *testing.T) {
	cfg := testConfig(t.TempDir(), "node-a", nil, "")
	cfg.Registry.Backend = "etcd"
	_, err := Open(context.Background(), cfg)
	assert.ErrorContains(t, err, "unsupported registry backend")

	cfg = testConfig(t.TempDir(), "node-a", nil, "")
	cfg.Store.Backend = "s3"
	_, err = Open(context.Background(), cfg)
	assert.ErrorContains(t, err, "unsupported store backend")
}

func TestOpen_RedisRegistryAndSQLStore(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	cfg := testConfig(dir, "node-a", []string{"ai"}, "")
	cfg.Registry.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()
	cfg.Store.Backend = "sql"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(dir, "knowmesh.db")

	rt := openNode(t, cfg)
	ctx := context.Background()

	_, err := rt.RegisterSelf(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists(cfg.Redis.KeyPrefix+"registry"))

	seed(t, rt.Artifacts, &artifact.Artifact{ID: "a1", Title: "t", Insights: []string{"x"}, Quality: 0.97, Visibility: artifact.VisibilityPublic})
	got, err := rt.Artifacts.Read(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "t", got.Title)

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
}

func TestSelf_AdvertisesExportThreshold(t *testing.T) {
	cfg := testConfig(t.TempDir(), "node-a", []string{"ai"}, "")
	cfg.Exchange.ExportThreshold = 0.97
	rt := openNode(t, cfg)

	self := rt.Self()
	assert.Equal(t, "0.97", self.Extensions[exchange.ExportThresholdKey])
	assert.Equal(t, []string{"ai"}, self.Domains)
}

// Two nodes sharing a registry: A exports, B queries across the federation.
func TestFederation_ShareAndQuery(t *testing.T) {
	root := t.TempDir()
	registryPath := filepath.Join(root, "registry.json")
	a := openNode(t, testConfig(filepath.Join(root, "a"), "node-a", []string{"ai"}, registryPath))
	b := openNode(t, testConfig(filepath.Join(root, "b"), "node-b", []string{"biology"}, registryPath))
	ctx := context.Background()

	_, err := a.RegisterSelf(ctx)
	require.NoError(t, err)
	_, err = b.RegisterSelf(ctx)
	require.NoError(t, err)

	seed(t, a.Artifacts,
		&artifact.Artifact{ID: "a1", Title: "routing", Insights: []string{"fan out queries concurrently"}, Domain: "ai", Quality: 0.97, Visibility: artifact.VisibilityPublic},
		&artifact.Artifact{ID: "a2", Title: "draft", Insights: []string{"unreviewed"}, Domain: "ai", Quality: 0.80, Visibility: artifact.VisibilityPublic},
		&artifact.Artifact{ID: "a3", Title: "secret", Insights: []string{"private note"}, Domain: "ai", Quality: 0.99, Visibility: artifact.VisibilityPrivate},
	)
	n, err := a.Exchange.ShareArtifacts(ctx, exchange.SharePolicy{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	result, err := b.Router.Route(ctx, query.Query{Text: "queries", Domains: []string{"ai"}})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)
	assert.Equal(t, "node-a", result.Nodes[0].NodeID)
	assert.Equal(t, []string{"fan out queries concurrently"}, result.Synthesis.Insights)
	assert.Equal(t, []string{"node-a-name"}, result.Synthesis.ContributingNodes)

	imported, err := b.Exchange.ImportArtifacts(ctx, exchange.Request{RequesterID: "node-b", TargetID: "node-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, imported.Imported)
}

func TestScheduler_CycleWritesReport(t *testing.T) {
	dir := t.TempDir()
	rt := openNode(t, testConfig(dir, "node-a", []string{"ai"}, ""))
	ctx := context.Background()
	_, err := rt.RegisterSelf(ctx)
	require.NoError(t, err)
	seed(t, rt.Artifacts, &artifact.Artifact{ID: "a1", Title: "t", Insights: []string{"x"}, Domain: "ai", Quality: 0.97, Visibility: artifact.VisibilityPublic})

	rec, err := rt.Scheduler.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, propagation.StatusSuccess, rec.Status, "errors: %v", rec.Errors)
	assert.Equal(t, 1, rec.Exported)
	assert.True(t, rec.HeartbeatSent)
	require.NotEmpty(t, rec.ReportPath)
	assert.FileExists(t, rec.ReportPath)
}

func TestIntegrity_WiredFromConfig(t *testing.T) {
	cfg := testConfig(t.TempDir(), "node-a", []string{"ai"}, "")
	cfg.Integrity.FoundationIDs = []string{"core"}
	cfg.Integrity.IdentityMarkers = []string{"knowmesh"}
	rt := openNode(t, cfg)
	require.NotNil(t, rt.Integrity)

	seed(t, rt.Artifacts, &artifact.Artifact{ID: "core", Title: "Knowmesh identity", Summary: "who we are", Domain: "identity", Quality: 0.99})
	r, err := rt.Integrity.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "intact", string(r.Status))
}

func TestHandler_PublishesAndSyncs(t *testing.T) {
	root := t.TempDir()
	a := openNode(t, testConfig(filepath.Join(root, "a"), "node-a", []string{"ai"}, ""))
	ctx := context.Background()
	_, err := a.RegisterSelf(ctx)
	require.NoError(t, err)
	seed(t, a.Artifacts, &artifact.Artifact{ID: "a1", Title: "t", Insights: []string{"x"}, Domain: "ai", Quality: 0.97, Visibility: artifact.VisibilityPublic})
	_, err = a.Exchange.ShareArtifacts(ctx, exchange.SharePolicy{})
	require.NoError(t, err)

	srv := httptest.NewServer(a.Handler("test", "now", "abc"))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + exchange.ArtifactsPath)
	require.NoError(t, err)
	var listing exchange.Listing
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	assert.Equal(t, "node-a", listing.SourceNode)
	assert.Len(t, listing.Artifacts, 1)

	for _, path := range []string{"/health", "/ready", "/metrics", "/version"} {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	// a fresh node with its own registry learns node-a from the peer
	c := openNode(t, testConfig(filepath.Join(root, "c"), "node-c", []string{"ai"}, ""))
	stats, err := c.SyncRegistry(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Added)
	got, err := c.Registry.Get(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, "node-a-name", got.Name)
}

func TestSyncRegistry_UnreachablePeer(t *testing.T) {
	rt := openNode(t, testConfig(t.TempDir(), "node-a", nil, ""))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := rt.SyncRegistry(ctx, "http://127.0.0.1:1")
	assert.True(t, types.IsErrorCode(err, types.ErrTransport))
}
