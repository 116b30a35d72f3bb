package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/types"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock, *FileStore) {
	t.Helper()
	clock := newFakeClock()
	store := NewFileStore(filepath.Join(t.TempDir(), "registry.json"))
	reg := New(store, DefaultConfig(), zap.NewNop(), WithClock(clock.Now))
	_, err := reg.Init(context.Background())
	require.NoError(t, err)
	return reg, clock, store
}

func node(id string, domains ...string) *Node {
	return &Node{
		ID:           id,
		Name:         "node " + id,
		Endpoint:     "/srv/" + id,
		Capabilities: []string{"query", "synthesis"},
		Domains:      domains,
		Quality:      0.9,
	}
}

func ids(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestRegistry_RegisterStampsLastSeenAndPersists(t *testing.T) {
	ctx := context.Background()
	reg, clock, store := newTestRegistry(t)

	stored, err := reg.Register(ctx, node("a", "biology"))
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), stored.LastSeen)

	doc, err := store.Load(ctx)
	require.NoError(t, err)
	require.Contains(t, doc.Nodes, "a")
	assert.Equal(t, 1, doc.Metadata.TotalNodes)
	assert.Equal(t, []string{"biology"}, doc.Metadata.Domains)
	assert.Equal(t, DocumentVersion, doc.Version)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	tests := []struct {
		name string
		node *Node
	}{
		{"missing id", &Node{Quality: 0.5, Domains: []string{"x"}}},
		{"quality above range", &Node{ID: "q", Quality: 1.5, Domains: []string{"x"}}},
		{"quality below range", &Node{ID: "q", Quality: -0.1, Domains: []string{"x"}}},
		{"query capability without domains", &Node{ID: "q", Quality: 0.5, Capabilities: []string{"query"}}},
		{"export capability without domains", &Node{ID: "q", Quality: 0.5, Capabilities: []string{"export"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(ctx, tt.node)
			require.Error(t, err)
			assert.True(t, types.IsErrorCode(err, types.ErrValidation), "got %v", err)
		})
	}

	_, err := reg.Register(ctx, &Node{ID: "relay", Quality: 0.5, Capabilities: []string{"synthesis"}})
	assert.NoError(t, err, "capabilities that are not domain bound may omit domains")
}

func TestRegistry_DiscoverByDomain(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Register(ctx, node("C", "ai"))
	require.NoError(t, err)
	_, err = reg.Register(ctx, node("B", "bio", "ai"))
	require.NoError(t, err)
	_, err = reg.Register(ctx, node("A", "bio"))
	require.NoError(t, err)

	got, err := reg.DiscoverByDomain(ctx, "bio")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(got))

	got, err = reg.DiscoverByDomain(ctx, "chemistry")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRegistry_DiscoverByCapability(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	exporter := node("e", "bio")
	exporter.Capabilities = []string{"export"}
	_, err := reg.Register(ctx, exporter)
	require.NoError(t, err)
	_, err = reg.Register(ctx, node("q", "bio"))
	require.NoError(t, err)

	got, err := reg.DiscoverByCapability(ctx, "export")
	require.NoError(t, err)
	assert.Equal(t, []string{"e"}, ids(got))

	got, err = reg.DiscoverByCapability(ctx, "expo")
	require.NoError(t, err)
	assert.Empty(t, got, "capability match is exact")
}

func TestRegistry_ActiveNodes(t *testing.T) {
	ctx := context.Background()
	reg, clock, _ := newTestRegistry(t)

	_, err := reg.Register(ctx, node("old", "bio"))
	require.NoError(t, err)
	clock.Advance(31 * 24 * time.Hour)
	_, err = reg.Register(ctx, node("fresh", "bio"))
	require.NoError(t, err)

	got, err := reg.ActiveNodes(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids(got))

	got, err = reg.ActiveNodes(ctx, 60*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh", "old"}, ids(got))
}

func TestRegistry_Heartbeat(t *testing.T) {
	ctx := context.Background()
	reg, clock, _ := newTestRegistry(t)

	first, err := reg.Register(ctx, node("a", "bio"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, reg.Heartbeat(ctx, "a"))
	got, err := reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, first.LastSeen.Add(time.Hour), got.LastSeen)
	assert.Equal(t, first.Domains, got.Domains)

	// a clock that went backwards never moves last-seen back
	clock.Set(first.LastSeen.Add(-time.Hour))
	require.NoError(t, reg.Heartbeat(ctx, "a"))
	got, err = reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, first.LastSeen.Add(time.Hour), got.LastSeen)

	assert.NoError(t, reg.Heartbeat(ctx, "ghost"))
	_, err = reg.Get(ctx, "ghost")
	assert.True(t, types.IsErrorCode(err, types.ErrNodeNotFound))
}

func TestRegistry_MergeLastWriteWins(t *testing.T) {
	ctx := context.Background()
	reg, clock, _ := newTestRegistry(t)

	_, err := reg.Register(ctx, node("shared", "bio"))
	require.NoError(t, err)
	_, err = reg.Register(ctx, node("tie", "bio"))
	require.NoError(t, err)
	local, err := reg.Snapshot(ctx)
	require.NoError(t, err)

	newer := node("shared", "ai")
	newer.LastSeen = clock.Now().Add(time.Minute)
	tie := node("tie", "chemistry")
	tie.LastSeen = local.Nodes["tie"].LastSeen
	extra := node("extra", "physics")
	extra.LastSeen = clock.Now()

	other := NewDocument()
	other.Nodes = map[string]*Node{"shared": newer, "tie": tie, "extra": extra}

	stats, err := reg.Merge(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, MergeStats{Added: 1, Updated: 1, Kept: 1}, stats)

	got, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ai"}, got.Nodes["shared"].Domains)
	assert.Equal(t, []string{"bio"}, got.Nodes["tie"].Domains, "ties keep the local record")
	assert.Contains(t, got.Nodes, "extra")
	assert.Equal(t, []string{"ai", "bio", "physics"}, got.Metadata.Domains)
}

func TestRegistry_UninitializedIsCorruption(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "registry.json"))
	reg := New(store, DefaultConfig(), nil)

	_, err := reg.DiscoverByDomain(ctx, "bio")
	assert.True(t, types.IsErrorCode(err, types.ErrRegistryCorruption))

	_, err = reg.Register(ctx, node("a", "bio"))
	assert.True(t, types.IsErrorCode(err, types.ErrRegistryCorruption))

	err = reg.Heartbeat(ctx, "a")
	assert.True(t, types.IsErrorCode(err, types.ErrRegistryCorruption))
}

func TestRegistry_CorruptFileIsNeverReset(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	reg := New(NewFileStore(path), DefaultConfig(), nil)

	_, err := reg.ActiveNodes(ctx, 0)
	assert.True(t, types.IsErrorCode(err, types.ErrRegistryCorruption))

	created, err := reg.Init(ctx)
	assert.False(t, created)
	assert.True(t, types.IsErrorCode(err, types.ErrRegistryCorruption))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestRegistry_WrongVersionIsCorruption(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "nodes": {}}`), 0644))
	reg := New(NewFileStore(path), DefaultConfig(), nil)

	_, err := reg.Snapshot(ctx)
	assert.True(t, types.IsErrorCode(err, types.ErrRegistryCorruption))
}

func TestRegistry_InitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Register(ctx, node("a", "bio"))
	require.NoError(t, err)

	created, err := reg.Init(ctx)
	require.NoError(t, err)
	assert.False(t, created)

	doc, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Nodes, 1)
}

func TestRegistry_ConcurrentRegistrationsAreAllDurable(t *testing.T) {
	ctx := context.Background()
	reg, _, store := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.Register(ctx, node(string(rune('a'+i)), "bio"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	doc, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Nodes, 20)
}

func TestRegistry_FileWritersSharingPathLoseNothing(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.json")
	a := New(NewFileStore(path), DefaultConfig(), nil)
	b := New(NewFileStore(path), DefaultConfig(), nil)
	_, err := a.Init(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for w, reg := range []*Registry{a, b} {
			wg.Add(1)
			go func(id string, reg *Registry) {
				defer wg.Done()
				_, err := reg.Register(ctx, node(id, "bio"))
				assert.NoError(t, err)
			}(fmt.Sprintf("w%d-%d", w, i), reg)
		}
	}
	wg.Wait()

	doc, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Nodes, 20)
}

func TestRegistry_MergeNilDocument(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Merge(context.Background(), nil)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"version":1,"nodes":{"n1":{"id":"n1","name":"one"}}}`))
	require.NoError(t, err)
	assert.Contains(t, doc.Nodes, "n1")

	_, err = ParseDocument([]byte(`{"version":99,"nodes":{}}`))
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	_, err = ParseDocument([]byte(`{"version":1,"nodes":{"n1":{"id":"other"}}}`))
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	_, err = ParseDocument([]byte(`not json`))
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}
