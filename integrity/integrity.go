// Package integrity verifies that the foundational artifacts of a node are
// present, well formed, and still carry the node's identity markers.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/artifact"
	"github.com/BaSui01/knowmesh/internal/metrics"
	"github.com/BaSui01/knowmesh/knowledge"
	"github.com/BaSui01/knowmesh/types"
)

// Status is the verdict over the foundation set.
type Status string

const (
	StatusIntact    Status = "intact"
	StatusCorrupted Status = "corrupted"
	StatusMissing   Status = "missing"
)

// DefaultMinQuality is the quality foundational units are expected to hold.
const DefaultMinQuality = 0.98

// FoundationSet is the versioned list of artifacts a node must keep.
type FoundationSet struct {
	Version        string   `json:"version"`
	IDs            []string `json:"ids"`
	IdentityDomain string   `json:"identity_domain"`
	Markers        []string `json:"markers"`
	// MinQuality below which a unit is flagged. Zero means DefaultMinQuality.
	MinQuality float64 `json:"min_quality,omitempty"`
}

// Report lists what Verify found.
type Report struct {
	Version              string    `json:"version"`
	CheckedAt            time.Time `json:"checked_at"`
	Expected             int       `json:"expected"`
	Present              []string  `json:"present"`
	Missing              []string  `json:"missing"`
	Malformed            []string  `json:"malformed"`
	LowQuality           []string  `json:"low_quality"`
	Unlinked             []string  `json:"unlinked,omitempty"`
	IdentityUnits        int       `json:"identity_units"`
	IdentityMarkersFound bool      `json:"identity_markers_found"`
	MarkersFound         []string  `json:"markers_found"`
	Status               Status    `json:"status"`
	Warnings             []string  `json:"warnings"`
}

// Err returns an IntegrityViolation error unless the set is intact.
func (r *Report) Err() error {
	switch r.Status {
	case StatusIntact:
		return nil
	case StatusMissing:
		return types.Errorf(types.ErrIntegrityViolation, "foundation set %s: %d of %d units missing", r.Version, len(r.Missing), r.Expected)
	default:
		return types.Errorf(types.ErrIntegrityViolation, "foundation set %s: %d malformed, identity markers found: %t",
			r.Version, len(r.Malformed), r.IdentityMarkersFound)
	}
}

// Verify checks set against store. The graph supplies link counts; a nil
// graph skips the link warnings. Store errors other than a missing artifact
// abort the check.
func Verify(ctx context.Context, graph knowledge.Graph, store artifact.Store, set FoundationSet) (*Report, error) {
	minQuality := set.MinQuality
	if minQuality <= 0 {
		minQuality = DefaultMinQuality
	}

	ids := dedupe(set.IDs)
	r := &Report{
		Version:      set.Version,
		Expected:     len(ids),
		Present:      []string{},
		Missing:      []string{},
		Malformed:    []string{},
		LowQuality:   []string{},
		MarkersFound: []string{},
		Warnings:     []string{},
	}

	var identity []*artifact.Artifact
	for _, id := range ids {
		a, err := store.Read(ctx, id)
		if errors.Is(err, artifact.ErrNotFound) {
			r.Missing = append(r.Missing, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read foundation unit %s: %w", id, err)
		}
		r.Present = append(r.Present, id)

		if !wellFormed(a) {
			r.Malformed = append(r.Malformed, id)
		}
		if a.Quality < minQuality {
			r.LowQuality = append(r.LowQuality, id)
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s quality %.3f is below %.2f", id, a.Quality, minQuality))
		}
		if set.IdentityDomain != "" && a.Domain == set.IdentityDomain {
			identity = append(identity, a)
		}
	}

	r.IdentityUnits = len(identity)
	if len(set.Markers) == 0 {
		r.IdentityMarkersFound = true
	} else {
		r.MarkersFound = findMarkers(identity, set.Markers)
		r.IdentityMarkersFound = len(r.MarkersFound) > 0
	}

	if graph != nil && len(r.Present) > 0 {
		units, err := graph.Units(ctx)
		if err != nil {
			return nil, fmt.Errorf("load knowledge graph: %w", err)
		}
		links := make(map[string]int, len(units))
		for _, u := range units {
			links[u.ID] = u.Links
		}
		for _, id := range r.Present {
			if links[id] < 1 {
				r.Unlinked = append(r.Unlinked, id)
			}
		}
		if len(r.Unlinked) > 0 {
			r.Warnings = append(r.Warnings, fmt.Sprintf("%d foundation units have no links: %s", len(r.Unlinked), strings.Join(r.Unlinked, ", ")))
		}
	}

	switch {
	case len(r.Missing) > 0:
		r.Status = StatusMissing
	case len(r.Malformed) > 0 || !r.IdentityMarkersFound:
		r.Status = StatusCorrupted
	default:
		r.Status = StatusIntact
	}
	return r, nil
}

// wellFormed requires a title and some content.
func wellFormed(a *artifact.Artifact) bool {
	if strings.TrimSpace(a.Title) == "" {
		return false
	}
	if strings.TrimSpace(a.Summary) != "" {
		return true
	}
	for _, in := range a.Insights {
		if strings.TrimSpace(in) != "" {
			return true
		}
	}
	return false
}

// findMarkers returns the markers, in configured order, that appear in any
// identity unit. Matching ignores case.
func findMarkers(units []*artifact.Artifact, markers []string) []string {
	var texts []string
	for _, a := range units {
		texts = append(texts, strings.ToLower(a.Title), strings.ToLower(a.Summary))
		for _, in := range a.Insights {
			texts = append(texts, strings.ToLower(in))
		}
	}
	found := []string{}
	for _, m := range markers {
		needle := strings.ToLower(strings.TrimSpace(m))
		if needle == "" {
			continue
		}
		for _, t := range texts {
			if strings.Contains(t, needle) {
				found = append(found, m)
				break
			}
		}
	}
	return found
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Checker binds a foundation set to a node's stores.
type Checker struct {
	graph   knowledge.Graph
	store   artifact.Store
	set     FoundationSet
	metrics *metrics.Collector
	now     func() time.Time
	logger  *zap.Logger
}

// NewChecker creates a checker.
func NewChecker(graph knowledge.Graph, store artifact.Store, set FoundationSet, m *metrics.Collector, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		graph:   graph,
		store:   store,
		set:     set,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(zap.String("component", "integrity")),
	}
}

// Run verifies the bound foundation set.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	r, err := Verify(ctx, c.graph, c.store, c.set)
	if err != nil {
		return nil, err
	}
	r.CheckedAt = c.now()
	c.metrics.RecordIntegrity(string(r.Status))

	fields := []zap.Field{
		zap.String("status", string(r.Status)),
		zap.String("version", r.Version),
		zap.Int("present", len(r.Present)),
		zap.Int("missing", len(r.Missing)),
		zap.Int("malformed", len(r.Malformed)),
	}
	if r.Status == StatusIntact {
		c.logger.Info("foundation set verified", fields...)
	} else {
		c.logger.Warn("foundation set violated", fields...)
	}
	return r, nil
}
