package exchange

import (
	"github.com/BaSui01/knowmesh/artifact"
)

// Filter is the gate applied to an artifact scan.
type Filter struct {
	// Domains keeps only artifacts whose domain is listed. Empty keeps all.
	Domains []string
	// MinQuality drops artifacts below this score.
	MinQuality float64
	// MaxArtifacts caps the result. Zero or less means no cap.
	MaxArtifacts int
}

// Apply runs the visibility, domain, quality and count gates in that order
// and preserves scan order.
func Apply(scan []*artifact.Artifact, f Filter) []*artifact.Artifact {
	var domains map[string]struct{}
	if len(f.Domains) > 0 {
		domains = make(map[string]struct{}, len(f.Domains))
		for _, d := range f.Domains {
			domains[d] = struct{}{}
		}
	}

	out := make([]*artifact.Artifact, 0)
	for _, a := range scan {
		if a == nil || !a.IsPublic() {
			continue
		}
		if domains != nil {
			if _, ok := domains[a.Domain]; !ok {
				continue
			}
		}
		if a.Quality < f.MinQuality {
			continue
		}
		out = append(out, a)
		if f.MaxArtifacts > 0 && len(out) >= f.MaxArtifacts {
			break
		}
	}
	return out
}

// Summarize computes response metadata over the returned set.
func Summarize(totalAvailable int, returned []*artifact.Artifact) ResponseMetadata {
	md := ResponseMetadata{TotalAvailable: totalAvailable, Returned: len(returned)}
	if len(returned) == 0 {
		return md
	}
	var sum float64
	for _, a := range returned {
		sum += a.Quality
	}
	md.MeanQuality = sum / float64(len(returned))
	return md
}
