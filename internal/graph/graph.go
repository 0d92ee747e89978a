// Package graph enforces the structural invariants of an agent's workflow
// graph: unique node ids, edges only between existing nodes, no self-loops,
// and at most one edge per ordered (source, target) pair.
package graph

import (
	"time"

	"agentforge/internal/domain"
)

// Model wraps one AgentDefinition for structural editing. All operations are
// synchronous; the only side effects are on the wrapped definition's node and
// edge lists plus its UpdatedAt stamp.
type Model struct {
	Def *domain.AgentDefinition
	Now func() time.Time
}

// Wrap returns a Model editing def in place.
func Wrap(def *domain.AgentDefinition) *Model {
	return &Model{Def: def, Now: time.Now}
}

func (m *Model) touch() {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	m.Def.UpdatedAt = now().UTC().Format(time.RFC3339)
}

func (m *Model) hasNode(id string) bool {
	for _, n := range m.Def.Nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// AddNode appends a node. Node ids are unique within a definition.
func (m *Model) AddNode(n domain.Node) error {
	if n.ID == "" {
		return domain.Validationf("node id is required")
	}
	if m.hasNode(n.ID) {
		return domain.Validationf("node %s already exists", n.ID)
	}
	m.Def.Nodes = append(m.Def.Nodes, n)
	m.touch()
	return nil
}

// RemoveNode deletes the node and cascades: every edge whose source or
// target equals id is removed with it. Removing an unknown id is a no-op.
func (m *Model) RemoveNode(id string) {
	kept := m.Def.Nodes[:0]
	found := false
	for _, n := range m.Def.Nodes {
		if n.ID == id {
			found = true
			continue
		}
		kept = append(kept, n)
	}
	if !found {
		return
	}
	m.Def.Nodes = kept
	edges := m.Def.Edges[:0]
	for _, e := range m.Def.Edges {
		if e.Source == id || e.Target == id {
			continue
		}
		edges = append(edges, e)
	}
	m.Def.Edges = edges
	m.touch()
}

// AddEdge connects two existing nodes. Unknown endpoints and self-loops are
// ValidationErrors; a duplicate (source, target) pair is silently deduped.
func (m *Model) AddEdge(e domain.Edge) error {
	if e.Source == e.Target {
		return domain.Validationf("edge %s -> %s is a self-loop", e.Source, e.Target)
	}
	if !m.hasNode(e.Source) {
		return domain.Validationf("edge source %s does not exist", e.Source)
	}
	if !m.hasNode(e.Target) {
		return domain.Validationf("edge target %s does not exist", e.Target)
	}
	for _, existing := range m.Def.Edges {
		if existing.Source == e.Source && existing.Target == e.Target {
			return nil
		}
	}
	m.Def.Edges = append(m.Def.Edges, e)
	m.touch()
	return nil
}

// MoveNode updates layout position only; no cascading effect.
func (m *Model) MoveNode(id string, pos domain.Position) error {
	for i := range m.Def.Nodes {
		if m.Def.Nodes[i].ID == id {
			m.Def.Nodes[i].Position = pos
			m.touch()
			return nil
		}
	}
	return domain.NotFoundError{Kind: "node", ID: id}
}

// Validate re-checks every invariant; used after bulk imports and snapshot
// rehydration.
func (m *Model) Validate() error {
	seen := make(map[string]bool, len(m.Def.Nodes))
	for _, n := range m.Def.Nodes {
		if n.ID == "" {
			return domain.Validationf("node with empty id")
		}
		if seen[n.ID] {
			return domain.Validationf("duplicate node id %s", n.ID)
		}
		seen[n.ID] = true
	}
	pairs := make(map[[2]string]bool, len(m.Def.Edges))
	for _, e := range m.Def.Edges {
		if e.Source == e.Target {
			return domain.Validationf("edge %s -> %s is a self-loop", e.Source, e.Target)
		}
		if !seen[e.Source] {
			return domain.Validationf("edge source %s does not exist", e.Source)
		}
		if !seen[e.Target] {
			return domain.Validationf("edge target %s does not exist", e.Target)
		}
		key := [2]string{e.Source, e.Target}
		if pairs[key] {
			return domain.Validationf("duplicate edge %s -> %s", e.Source, e.Target)
		}
		pairs[key] = true
	}
	return nil
}
