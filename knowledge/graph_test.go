package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/knowmesh/artifact"
)

func TestStoreGraph_CountsInboundAndOutboundLinks(t *testing.T) {
	ctx := context.Background()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)

	write := func(id string, q float64, refs ...string) {
		a := &artifact.Artifact{ID: id, Title: id, Insights: []string{id}, Quality: q}
		for _, r := range refs {
			a.Trail = append(a.Trail, artifact.TrailRef{ArtifactID: r})
		}
		require.NoError(t, store.Write(ctx, a))
	}
	write("root", 0.99)
	write("child", 0.95, "root")
	write("grandchild", 0.9, "child", "root")
	write("island", 0.8)

	units, err := FromStore(store).Units(ctx)
	require.NoError(t, err)

	byID := make(map[string]Unit)
	for _, u := range units {
		byID[u.ID] = u
	}
	assert.Equal(t, 2, byID["root"].Links)
	assert.Equal(t, 2, byID["child"].Links)
	assert.Equal(t, 2, byID["grandchild"].Links)
	assert.Equal(t, 0, byID["island"].Links)
	assert.Equal(t, 0.8, byID["island"].Quality)
	assert.Equal(t, "child", units[0].ID)
}

func TestStaticGraph_ReturnsCopy(t *testing.T) {
	g := StaticGraph{{ID: "a", Quality: 1, Links: 1}}
	units, err := g.Units(context.Background())
	require.NoError(t, err)
	units[0].ID = "changed"
	assert.Equal(t, "a", g[0].ID)
}
