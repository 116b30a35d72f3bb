package registry

import (
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/BaSui01/knowmesh/types"
)

// DocumentVersion is the registry document format this build reads and writes.
const DocumentVersion = 1

// Node is a peer known to the registry.
type Node struct {
	ID           string            `json:"id" validate:"required"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Endpoint     string            `json:"endpoint"`
	Capabilities []string          `json:"capabilities"`
	Domains      []string          `json:"domains"`
	Quality      float64           `json:"quality" validate:"gte=0,lte=1"`
	LastSeen     time.Time         `json:"last_seen"`
	Extensions   map[string]string `json:"extensions,omitempty"`
}

// HasDomain reports whether the node claims domain.
func (n *Node) HasDomain(domain string) bool {
	for _, d := range n.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// HasCapability reports whether the node advertises tag.
func (n *Node) HasCapability(tag string) bool {
	for _, c := range n.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// DisplayName returns Name, falling back to the id.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

func (n *Node) clone() *Node {
	c := *n
	c.Capabilities = append([]string(nil), n.Capabilities...)
	c.Domains = append([]string(nil), n.Domains...)
	if n.Extensions != nil {
		c.Extensions = make(map[string]string, len(n.Extensions))
		for k, v := range n.Extensions {
			c.Extensions[k] = v
		}
	}
	return &c
}

var validate = validator.New()

// validateNode checks structure plus the rule that domain-bound
// capabilities require at least one domain.
func validateNode(n *Node, domainBound []string) error {
	if n == nil {
		return types.NewValidationError("node is nil")
	}
	if err := validate.Struct(n); err != nil {
		return types.NewValidationError("node %q: %v", n.ID, err).WithCause(err)
	}
	if len(n.Domains) == 0 {
		for _, c := range domainBound {
			if n.HasCapability(c) {
				return types.NewValidationError("node %q has capability %q but no domains", n.ID, c)
			}
		}
	}
	return nil
}

// Metadata is derived from the node map on every write.
type Metadata struct {
	TotalNodes int      `json:"total_nodes"`
	Domains    []string `json:"domains"`
}

// Document is the durable registry representation.
type Document struct {
	Version  int              `json:"version"`
	Updated  time.Time        `json:"updated"`
	Nodes    map[string]*Node `json:"nodes"`
	Metadata Metadata         `json:"metadata"`
}

// NewDocument returns an empty document at the current version.
func NewDocument() *Document {
	return &Document{
		Version: DocumentVersion,
		Nodes:   make(map[string]*Node),
		Metadata: Metadata{
			Domains: []string{},
		},
	}
}

// refresh re-derives metadata and stamps Updated.
func (d *Document) refresh(now time.Time) {
	d.Version = DocumentVersion
	d.Updated = now
	seen := make(map[string]struct{})
	domains := make([]string, 0)
	for _, n := range d.Nodes {
		for _, dom := range n.Domains {
			if _, ok := seen[dom]; ok {
				continue
			}
			seen[dom] = struct{}{}
			domains = append(domains, dom)
		}
	}
	sort.Strings(domains)
	d.Metadata = Metadata{TotalNodes: len(d.Nodes), Domains: domains}
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	c := &Document{
		Version:  d.Version,
		Updated:  d.Updated,
		Nodes:    make(map[string]*Node, len(d.Nodes)),
		Metadata: Metadata{TotalNodes: d.Metadata.TotalNodes, Domains: append([]string(nil), d.Metadata.Domains...)},
	}
	for id, n := range d.Nodes {
		c.Nodes[id] = n.clone()
	}
	return c
}

// sortedNodes returns the nodes ordered by id.
func (d *Document) sortedNodes(keep func(*Node) bool) []*Node {
	out := make([]*Node, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		if keep == nil || keep(n) {
			out = append(out, n.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
