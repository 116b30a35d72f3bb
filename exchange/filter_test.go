package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/knowmesh/artifact"
)

func art(id, domain string, quality float64, vis artifact.Visibility) *artifact.Artifact {
	return &artifact.Artifact{
		ID:         id,
		Title:      "artifact " + id,
		Insights:   []string{"insight from " + id},
		Domain:     domain,
		Quality:    quality,
		Visibility: vis,
	}
}

func artifactIDs(in []*artifact.Artifact) []string {
	out := make([]string, len(in))
	for i, a := range in {
		out[i] = a.ID
	}
	return out
}

func TestApply_PrivateNeverLeaves(t *testing.T) {
	scan := []*artifact.Artifact{
		art("private-high", "bio", 0.97, artifact.VisibilityPrivate),
		art("public-high", "bio", 0.99, artifact.VisibilityPublic),
		art("unset", "bio", 0.99, ""),
	}

	got := Apply(scan, Filter{MinQuality: 0.98})
	assert.Equal(t, []string{"public-high"}, artifactIDs(got))
}

func TestApply_GatesInOrderAndKeepsScanOrder(t *testing.T) {
	scan := []*artifact.Artifact{
		art("c", "bio", 0.99, artifact.VisibilityPublic),
		art("a", "ai", 0.99, artifact.VisibilityPublic),
		art("b", "bio", 0.50, artifact.VisibilityPublic),
		art("d", "bio", 0.96, artifact.VisibilityPublic),
		art("e", "bio", 0.97, artifact.VisibilityPublic),
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"no gates", Filter{}, []string{"c", "a", "b", "d", "e"}},
		{"domain", Filter{Domains: []string{"bio"}}, []string{"c", "b", "d", "e"}},
		{"quality", Filter{MinQuality: 0.96}, []string{"c", "a", "d", "e"}},
		{"cap after quality", Filter{Domains: []string{"bio"}, MinQuality: 0.96, MaxArtifacts: 2}, []string{"c", "d"}},
		{"unknown domain", Filter{Domains: []string{"physics"}}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, artifactIDs(Apply(scan, tt.filter)))
		})
	}
}

func TestSummarize(t *testing.T) {
	returned := []*artifact.Artifact{
		art("a", "bio", 0.96, artifact.VisibilityPublic),
		art("b", "bio", 0.98, artifact.VisibilityPublic),
	}

	md := Summarize(7, returned)
	assert.Equal(t, 7, md.TotalAvailable)
	assert.Equal(t, 2, md.Returned)
	assert.InDelta(t, 0.97, md.MeanQuality, 1e-9)

	empty := Summarize(3, nil)
	assert.Equal(t, ResponseMetadata{TotalAvailable: 3}, empty)
}

func TestNarrowDomains(t *testing.T) {
	d, ok := narrowDomains(nil, nil)
	assert.True(t, ok)
	assert.Empty(t, d)

	d, ok = narrowDomains([]string{"bio", "ai"}, nil)
	assert.True(t, ok)
	assert.Equal(t, []string{"bio", "ai"}, d)

	d, ok = narrowDomains(nil, []string{"ai"})
	assert.True(t, ok)
	assert.Equal(t, []string{"ai"}, d)

	d, ok = narrowDomains([]string{"bio", "ai"}, []string{"ai", "physics"})
	assert.True(t, ok)
	assert.Equal(t, []string{"ai"}, d)

	_, ok = narrowDomains([]string{"bio"}, []string{"physics"})
	assert.False(t, ok)
}
