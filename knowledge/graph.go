// Package knowledge exposes the local knowledge graph as a flat set of units
// with quality and link counts.
package knowledge

import (
	"context"
	"fmt"
	"sort"

	"github.com/BaSui01/knowmesh/artifact"
)

// Unit is one node of the knowledge graph.
type Unit struct {
	ID      string  `json:"id"`
	Quality float64 `json:"quality"`
	Links   int     `json:"links"`
}

// Graph yields a snapshot of the knowledge units.
type Graph interface {
	Units(ctx context.Context) ([]Unit, error)
}

var (
	_ Graph = (*StoreGraph)(nil)
	_ Graph = StaticGraph(nil)
)

// StoreGraph derives the graph from an artifact store. A unit's links are
// its outbound provenance references plus references to it from other
// artifacts.
type StoreGraph struct {
	store artifact.Store
}

// FromStore builds a graph view over store.
func FromStore(store artifact.Store) *StoreGraph {
	return &StoreGraph{store: store}
}

// Units returns units ordered by id.
func (g *StoreGraph) Units(ctx context.Context) ([]Unit, error) {
	arts, err := g.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan knowledge units: %w", err)
	}

	inbound := make(map[string]int)
	for _, a := range arts {
		for _, ref := range a.Trail {
			if ref.ArtifactID != a.ID {
				inbound[ref.ArtifactID]++
			}
		}
	}

	units := make([]Unit, 0, len(arts))
	for _, a := range arts {
		units = append(units, Unit{
			ID:      a.ID,
			Quality: a.Quality,
			Links:   len(a.Trail) + inbound[a.ID],
		})
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

// StaticGraph is a fixed unit list.
type StaticGraph []Unit

func (g StaticGraph) Units(context.Context) ([]Unit, error) {
	return append([]Unit(nil), g...), nil
}
