// Package provenance checks that the trail references embedded in artifacts
// still resolve under a set of repository roots.
package provenance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/artifact"
	"github.com/BaSui01/knowmesh/internal/metrics"
)

// DefaultBrokenThreshold is the broken fraction above which the report
// carries recommendations.
const DefaultBrokenThreshold = 0.10

// Reason explains an invalid reference.
type Reason string

const (
	ReasonNotFound     Reason = "not_found"
	ReasonEscapesRoot  Reason = "escapes_root"
	ReasonEmptyPointer Reason = "empty_pointer"
)

// RefTally is the outcome for one distinct reference target.
type RefTally struct {
	Path    string `json:"path"`
	Valid   int    `json:"valid"`
	Invalid int    `json:"invalid"`
}

// BrokenRef is one reference that did not resolve.
type BrokenRef struct {
	ArtifactID string `json:"artifact_id"`
	TargetID   string `json:"target_id"`
	NodeID     string `json:"node_id,omitempty"`
	Path       string `json:"path"`
	Reason     Reason `json:"reason"`
}

// Report summarizes a validation run.
type Report struct {
	CheckedAt       time.Time   `json:"checked_at"`
	Roots           []string    `json:"roots"`
	Artifacts       int         `json:"artifacts"`
	Total           int         `json:"total_references"`
	Valid           int         `json:"valid"`
	Invalid         int         `json:"invalid"`
	ValidityRate    float64     `json:"validity_rate"`
	References      []RefTally  `json:"references"`
	Broken          []BrokenRef `json:"broken"`
	Recommendations []string    `json:"recommendations"`
}

// HasBroken reports whether any reference failed to resolve.
func (r *Report) HasBroken() bool { return r.Invalid > 0 }

// Validator checks trails against repository roots. It never writes.
type Validator struct {
	brokenThreshold float64
	metrics         *metrics.Collector
	now             func() time.Time
	logger          *zap.Logger
}

// NewValidator creates a validator. brokenThreshold <= 0 takes the default.
func NewValidator(brokenThreshold float64, m *metrics.Collector, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if brokenThreshold <= 0 {
		brokenThreshold = DefaultBrokenThreshold
	}
	return &Validator{
		brokenThreshold: brokenThreshold,
		metrics:         m,
		now:             func() time.Time { return time.Now().UTC() },
		logger:          logger.With(zap.String("component", "provenance")),
	}
}

// Validate checks every trail reference of every artifact against roots.
func Validate(ctx context.Context, artifacts []*artifact.Artifact, roots []string) (*Report, error) {
	return NewValidator(0, nil, nil).Validate(ctx, artifacts, roots)
}

// Validate resolves each reference to a path relative to a root (the
// reference's Path, else "<artifact id>.json") and counts it valid when it
// exists under any root. Paths that leave the root are invalid.
func (v *Validator) Validate(ctx context.Context, artifacts []*artifact.Artifact, roots []string) (*Report, error) {
	if len(roots) == 0 {
		return nil, errors.New("no repository roots given")
	}
	absRoots := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve root %q: %w", root, err)
		}
		absRoots = append(absRoots, abs)
	}

	r := &Report{
		CheckedAt:       v.now(),
		Roots:           absRoots,
		Artifacts:       len(artifacts),
		References:      []RefTally{},
		Broken:          []BrokenRef{},
		Recommendations: []string{},
	}
	tallies := make(map[string]*RefTally)

	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if a == nil {
			continue
		}
		for _, ref := range a.Trail {
			rel := ref.Path
			if rel == "" && ref.ArtifactID != "" {
				rel = ref.ArtifactID + ".json"
			}
			ok, reason := resolve(absRoots, rel)

			r.Total++
			t := tallies[rel]
			if t == nil {
				t = &RefTally{Path: rel}
				tallies[rel] = t
			}
			if ok {
				r.Valid++
				t.Valid++
				continue
			}
			r.Invalid++
			t.Invalid++
			r.Broken = append(r.Broken, BrokenRef{
				ArtifactID: a.ID,
				TargetID:   ref.ArtifactID,
				NodeID:     ref.NodeID,
				Path:       rel,
				Reason:     reason,
			})
		}
	}

	for _, t := range tallies {
		r.References = append(r.References, *t)
	}
	sort.Slice(r.References, func(i, j int) bool { return r.References[i].Path < r.References[j].Path })
	sort.SliceStable(r.Broken, func(i, j int) bool {
		if r.Broken[i].ArtifactID != r.Broken[j].ArtifactID {
			return r.Broken[i].ArtifactID < r.Broken[j].ArtifactID
		}
		return r.Broken[i].Path < r.Broken[j].Path
	})

	r.ValidityRate = 1
	if r.Total > 0 {
		r.ValidityRate = float64(r.Valid) / float64(r.Total)
	}
	if r.Total > 0 && float64(r.Invalid)/float64(r.Total) > v.brokenThreshold {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("%d of %d trail references are broken: re-import or re-link the missing sources", r.Invalid, r.Total))
		if n := countReason(r.Broken, ReasonEscapesRoot); n > 0 {
			r.Recommendations = append(r.Recommendations,
				fmt.Sprintf("%d references point outside every repository root: rewrite them as root-relative paths", n))
		}
	}

	v.metrics.RecordProvenance(r.ValidityRate)
	v.logger.Info("provenance validated",
		zap.Int("artifacts", r.Artifacts),
		zap.Int("references", r.Total),
		zap.Int("invalid", r.Invalid),
		zap.Float64("validity_rate", r.ValidityRate))
	return r, nil
}

// resolve reports whether rel exists under any root.
func resolve(roots []string, rel string) (bool, Reason) {
	if strings.TrimSpace(rel) == "" {
		return false, ReasonEmptyPointer
	}
	escaped := true
	for _, root := range roots {
		p, ok := safeJoin(root, rel)
		if !ok {
			continue
		}
		escaped = false
		if _, err := os.Stat(p); err == nil {
			return true, ""
		}
	}
	if escaped {
		return false, ReasonEscapesRoot
	}
	return false, ReasonNotFound
}

// safeJoin joins rel under root and rejects results outside root.
func safeJoin(root, rel string) (string, bool) {
	if filepath.IsAbs(rel) {
		return "", false
	}
	p := filepath.Join(root, rel)
	back, err := filepath.Rel(root, p)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}

func countReason(broken []BrokenRef, reason Reason) int {
	n := 0
	for _, b := range broken {
		if b.Reason == reason {
			n++
		}
	}
	return n
}
