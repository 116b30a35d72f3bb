package exchange

import (
	"github.com/BaSui01/knowmesh/registry"
	"github.com/BaSui01/knowmesh/types"
)

// TrustPolicy decides whether artifacts may be pulled from a node.
// Implementations may verify signatures or consult an allow list; the
// default only checks the node's self-declared score.
type TrustPolicy interface {
	Admit(node *registry.Node) error
}

// TrustFunc adapts a function to TrustPolicy.
type TrustFunc func(node *registry.Node) error

func (f TrustFunc) Admit(node *registry.Node) error { return f(node) }

// MinTrustPolicy rejects nodes whose quality score is below MinScore.
type MinTrustPolicy struct {
	MinScore float64
}

func (p MinTrustPolicy) Admit(node *registry.Node) error {
	if node.Quality < p.MinScore {
		return types.NewUntrustedNodeError(node.ID, node.Quality, p.MinScore)
	}
	return nil
}

// AllowAll admits every node.
var AllowAll TrustPolicy = TrustFunc(func(*registry.Node) error { return nil })
