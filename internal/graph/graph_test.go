package graph_test

import (
	"errors"
	"testing"
	"time"

	"agentforge/internal/domain"
	"agentforge/internal/graph"
)

func newModel(t *testing.T) *graph.Model {
	t.Helper()
	def := &domain.AgentDefinition{ID: "agent-1", UpdatedAt: "2024-01-01T00:00:00Z"}
	m := graph.Wrap(def)
	m.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return m
}

func addNodes(t *testing.T, m *graph.Model, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := m.AddNode(domain.Node{ID: id, Type: domain.NodeAction}); err != nil {
			t.Fatalf("add node %s: %v", id, err)
		}
	}
}

func TestRemoveNodeCascadesEdges(t *testing.T) {
	m := newModel(t)
	addNodes(t, m, "A", "B")
	m.Def.Nodes[0].Type = domain.NodeTrigger
	if err := m.AddEdge(domain.Edge{ID: "e1", Source: "A", Target: "B"}); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	m.RemoveNode("B")
	if len(m.Def.Nodes) != 1 || m.Def.Nodes[0].ID != "A" {
		t.Fatalf("expected nodes=[A], got %v", m.Def.Nodes)
	}
	if len(m.Def.Edges) != 0 {
		t.Fatalf("expected edges=[], got %v", m.Def.Edges)
	}
	for _, e := range m.Def.Edges {
		if e.Source == "B" || e.Target == "B" {
			t.Fatalf("edge still references removed node: %v", e)
		}
	}
}

func TestAddEdgeUnknownEndpointLeavesGraphUnchanged(t *testing.T) {
	m := newModel(t)
	addNodes(t, m, "A")
	before := m.Def.UpdatedAt

	err := m.AddEdge(domain.Edge{ID: "e1", Source: "A", Target: "ghost"})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	err = m.AddEdge(domain.Edge{ID: "e2", Source: "ghost", Target: "A"})
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(m.Def.Edges) != 0 {
		t.Fatalf("graph changed on failed AddEdge: %v", m.Def.Edges)
	}
	if m.Def.UpdatedAt != before {
		t.Fatalf("UpdatedAt bumped on failed AddEdge")
	}
}

func TestAddEdgeSelfLoopRejected(t *testing.T) {
	m := newModel(t)
	addNodes(t, m, "A")
	err := m.AddEdge(domain.Edge{ID: "e1", Source: "A", Target: "A"})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for self-loop, got %v", err)
	}
}

func TestAddEdgeDuplicateIsNoOp(t *testing.T) {
	m := newModel(t)
	addNodes(t, m, "A", "B")
	if err := m.AddEdge(domain.Edge{ID: "e1", Source: "A", Target: "B"}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddEdge(domain.Edge{ID: "e2", Source: "A", Target: "B"}); err != nil {
		t.Fatalf("duplicate add should be a no-op, got %v", err)
	}
	if len(m.Def.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(m.Def.Edges))
	}
	// reverse direction is a distinct pair
	if err := m.AddEdge(domain.Edge{ID: "e3", Source: "B", Target: "A"}); err != nil {
		t.Fatalf("reverse edge: %v", err)
	}
	if len(m.Def.Edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(m.Def.Edges))
	}
}

func TestAddNodeDuplicateID(t *testing.T) {
	m := newModel(t)
	addNodes(t, m, "A")
	err := m.AddNode(domain.Node{ID: "A"})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestMoveNodeLayoutOnly(t *testing.T) {
	m := newModel(t)
	addNodes(t, m, "A", "B")
	if err := m.AddEdge(domain.Edge{ID: "e1", Source: "A", Target: "B"}); err != nil {
		t.Fatal(err)
	}
	if err := m.MoveNode("A", domain.Position{X: 10, Y: 20}); err != nil {
		t.Fatalf("move: %v", err)
	}
	if m.Def.Nodes[0].Position.X != 10 || m.Def.Nodes[0].Position.Y != 20 {
		t.Fatalf("position not applied: %+v", m.Def.Nodes[0].Position)
	}
	if len(m.Def.Edges) != 1 || len(m.Def.Nodes) != 2 {
		t.Fatalf("move cascaded unexpectedly")
	}
	if err := m.MoveNode("ghost", domain.Position{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestValidateAfterBulkImport(t *testing.T) {
	def := &domain.AgentDefinition{
		ID:    "agent-1",
		Nodes: []domain.Node{{ID: "A"}, {ID: "B"}},
		Edges: []domain.Edge{{ID: "e1", Source: "A", Target: "B"}},
	}
	if err := graph.Wrap(def).Validate(); err != nil {
		t.Fatalf("valid graph rejected: %v", err)
	}
	def.Edges = append(def.Edges, domain.Edge{ID: "e2", Source: "A", Target: "C"})
	if err := graph.Wrap(def).Validate(); err == nil {
		t.Fatalf("expected dangling edge to fail validation")
	}
	def.Edges = def.Edges[:1]
	def.Nodes = append(def.Nodes, domain.Node{ID: "A"})
	if err := graph.Wrap(def).Validate(); err == nil {
		t.Fatalf("expected duplicate node id to fail validation")
	}
}

func TestMutationsBumpUpdatedAt(t *testing.T) {
	m := newModel(t)
	addNodes(t, m, "A")
	if m.Def.UpdatedAt != "2024-06-01T12:00:00Z" {
		t.Fatalf("UpdatedAt not bumped: %s", m.Def.UpdatedAt)
	}
}
