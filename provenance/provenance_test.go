package provenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/knowmesh/artifact"
)

func touch(t *testing.T, root, rel string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("{}"), 0o644))
}

func withTrail(id string, refs ...artifact.TrailRef) *artifact.Artifact {
	return &artifact.Artifact{ID: id, Title: id, Trail: refs}
}

func TestValidate_ResolvesAcrossRoots(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	touch(t, rootA, "src.json")
	touch(t, rootB, "nested/other.json")

	arts := []*artifact.Artifact{
		withTrail("x",
			artifact.TrailRef{ArtifactID: "src", NodeID: "peer"},
			artifact.TrailRef{ArtifactID: "other", Path: "nested/other.json"},
		),
		withTrail("y", artifact.TrailRef{ArtifactID: "ghost", NodeID: "peer"}),
	}

	r, err := Validate(context.Background(), arts, []string{rootA, rootB})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 2, r.Valid)
	assert.Equal(t, 1, r.Invalid)
	assert.InDelta(t, 2.0/3.0, r.ValidityRate, 1e-12)
	assert.True(t, r.HasBroken())

	require.Len(t, r.Broken, 1)
	assert.Equal(t, BrokenRef{ArtifactID: "y", TargetID: "ghost", NodeID: "peer", Path: "ghost.json", Reason: ReasonNotFound}, r.Broken[0])
	assert.Equal(t, []RefTally{
		{Path: "ghost.json", Invalid: 1},
		{Path: "nested/other.json", Valid: 1},
		{Path: "src.json", Valid: 1},
	}, r.References)
	assert.NotEmpty(t, r.Recommendations)
}

func TestValidate_RejectsEscapingPaths(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "repo")
	require.NoError(t, os.MkdirAll(root, 0o755))
	touch(t, parent, "outside.json")

	arts := []*artifact.Artifact{withTrail("x",
		artifact.TrailRef{ArtifactID: "o", Path: "../outside.json"},
		artifact.TrailRef{ArtifactID: "abs", Path: filepath.Join(parent, "outside.json")},
	)}

	r, err := Validate(context.Background(), arts, []string{root})
	require.NoError(t, err)
	assert.Equal(t, 0, r.Valid)
	require.Len(t, r.Broken, 2)
	for _, b := range r.Broken {
		assert.Equal(t, ReasonEscapesRoot, b.Reason, b.Path)
	}
	assert.Len(t, r.Recommendations, 2)
}

func TestValidate_NoReferences(t *testing.T) {
	r, err := Validate(context.Background(), []*artifact.Artifact{withTrail("lonely")}, []string{t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 1.0, r.ValidityRate)
	assert.False(t, r.HasBroken())
	assert.Empty(t, r.Recommendations)
}

func TestValidate_BelowThresholdHasNoRecommendations(t *testing.T) {
	root := t.TempDir()
	refs := make([]artifact.TrailRef, 0, 10)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"} {
		touch(t, root, id+".json")
		refs = append(refs, artifact.TrailRef{ArtifactID: id})
	}
	refs = append(refs, artifact.TrailRef{ArtifactID: "missing"})

	r, err := Validate(context.Background(), []*artifact.Artifact{withTrail("x", refs...)}, []string{root})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Invalid)
	assert.Empty(t, r.Recommendations, "exactly 10%% broken does not exceed the threshold")
}

func TestValidate_DoesNotMutateArtifacts(t *testing.T) {
	a := withTrail("x", artifact.TrailRef{ArtifactID: "gone"})
	before := *a.Clone()

	_, err := Validate(context.Background(), []*artifact.Artifact{a}, []string{t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, before, *a)
}

func TestValidate_RequiresRoots(t *testing.T) {
	_, err := Validate(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestSafeJoin(t *testing.T) {
	root := filepath.FromSlash("/repo")
	p, ok := safeJoin(root, "a/b.json")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(root, "a", "b.json"), p)

	_, ok = safeJoin(root, "a/../../etc/passwd")
	assert.False(t, ok)

	p, ok = safeJoin(root, "a/../b.json")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(root, "b.json"), p)
}
