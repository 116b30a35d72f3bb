package artifact

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/zeebo/blake3"

	"github.com/BaSui01/knowmesh/types"
)

// Visibility controls whether an artifact may cross a trust boundary.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// TrailRef points at an artifact that contributed to this one.
type TrailRef struct {
	ArtifactID string `json:"artifact_id" validate:"required"`
	NodeID     string `json:"node_id,omitempty"`
	// Path is the location of the referenced artifact relative to a
	// repository root. Empty means "<ArtifactID>.json".
	Path string `json:"path,omitempty"`
}

// ExchangeMeta is appended when an artifact is exported or imported.
type ExchangeMeta struct {
	SourceNode string     `json:"source_node"`
	TargetNode string     `json:"target_node,omitempty"`
	ExportedAt *time.Time `json:"exported_at,omitempty"`
	ImportedAt *time.Time `json:"imported_at,omitempty"`
	Digest     string     `json:"digest,omitempty"`
}

// Artifact is a discrete knowledge unit.
type Artifact struct {
	ID         string            `json:"id" validate:"required"`
	Title      string            `json:"title"`
	Summary    string            `json:"summary,omitempty"`
	Insights   []string          `json:"insights"`
	Domain     string            `json:"domain,omitempty"`
	Quality    float64           `json:"quality" validate:"gte=0,lte=1"`
	Visibility Visibility        `json:"visibility,omitempty" validate:"omitempty,oneof=public private"`
	Trail      []TrailRef        `json:"trail,omitempty" validate:"dive"`
	CreatedAt  time.Time         `json:"created_at"`
	Exchange   *ExchangeMeta     `json:"exchange,omitempty"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

var validate = validator.New()

// Validate checks the artifact at a store boundary.
func (a *Artifact) Validate() error {
	if a == nil {
		return types.NewValidationError("artifact is nil")
	}
	if err := validate.Struct(a); err != nil {
		return types.NewValidationError("artifact %q: %v", a.ID, err).WithCause(err)
	}
	if a.ID == "." || a.ID == ".." || strings.ContainsAny(a.ID, `/\`) {
		return types.NewValidationError("artifact id %q is not a valid key", a.ID)
	}
	return nil
}

// IsPublic reports whether the artifact may be exported. An unset
// visibility is private.
func (a *Artifact) IsPublic() bool {
	return a.Visibility == VisibilityPublic
}

// Clone returns a deep copy so callers may stamp metadata without touching
// the stored record.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	c.Insights = append([]string(nil), a.Insights...)
	c.Trail = append([]TrailRef(nil), a.Trail...)
	if a.Exchange != nil {
		ex := *a.Exchange
		c.Exchange = &ex
	}
	if a.Extensions != nil {
		c.Extensions = make(map[string]string, len(a.Extensions))
		for k, v := range a.Extensions {
			c.Extensions[k] = v
		}
	}
	return &c
}

// Digest returns a blake3 hash of the artifact content. Exchange metadata is
// excluded so the digest survives export and import unchanged.
func Digest(a *Artifact) string {
	h := blake3.New()
	write := func(s string) {
		fmt.Fprintf(h, "%d:%s", len(s), s)
	}
	write(a.ID)
	write(a.Title)
	write(a.Summary)
	write(a.Domain)
	for _, in := range a.Insights {
		write(in)
	}
	return hex.EncodeToString(h.Sum(nil))
}
