// Package store is the canonical repository for agent definitions. The
// in-memory map is the source of truth at runtime; every committed mutation
// is also snapshotted to SQLite together with a journal event in the same
// transaction. The store is the only component that assigns agent status.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentforge/internal/domain"
	"agentforge/internal/events"
	"agentforge/internal/graph"
)

// IntegrationCatalog answers whether an integration id is registered.
// *capability.Registry satisfies it.
type IntegrationCatalog interface {
	Has(id string) bool
}

type Store struct {
	db      *sql.DB
	journal events.Writer

	Now      func() time.Time
	Defaults domain.ModelConfig
	Catalog  IntegrationCatalog

	mu     sync.RWMutex
	agents map[string]*domain.AgentDefinition
}

// errNoChange signals a mutator that matched nothing; the definition is
// neither touched nor persisted.
var errNoChange = errors.New("no change")

var defaultModel = domain.ModelConfig{
	Provider:    "openai",
	Model:       "gpt-4",
	Temperature: 0.7,
	MaxTokens:   2048,
}

// Open loads all agent snapshots from db into memory, re-validating each
// graph. db may be nil for an ephemeral store (no snapshots, no journal).
func Open(db *sql.DB) (*Store, error) {
	s := &Store{
		db:       db,
		journal:  events.Writer{DB: db},
		Now:      time.Now,
		Defaults: defaultModel,
		agents:   make(map[string]*domain.AgentDefinition),
	}
	if db == nil {
		return s, nil
	}
	rows, err := db.Query(`SELECT snapshot_json FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		var def domain.AgentDefinition
		if err := json.Unmarshal([]byte(snapshot), &def); err != nil {
			return nil, fmt.Errorf("decode agent snapshot: %w", err)
		}
		if err := graph.Wrap(&def).Validate(); err != nil {
			return nil, fmt.Errorf("agent %s: corrupt graph snapshot: %w", def.ID, err)
		}
		s.agents[def.ID] = &def
	}
	return s, rows.Err()
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// CreateAgent registers a new definition. Missing fields get defaults: a
// fresh id, draft status, the store's default model config, empty graph.
func (s *Store) CreateAgent(ctx context.Context, draft domain.AgentDefinition, actor string) (domain.AgentDefinition, error) {
	if draft.Name == "" {
		return domain.AgentDefinition{}, domain.Validationf("agent name is required")
	}
	def := draft.Clone()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.Status = domain.AgentDraft
	if def.Model == (domain.ModelConfig{}) {
		def.Model = s.Defaults
	}
	if def.Nodes == nil {
		def.Nodes = []domain.Node{}
	}
	if def.Edges == nil {
		def.Edges = []domain.Edge{}
	}
	if err := graph.Wrap(&def).Validate(); err != nil {
		return domain.AgentDefinition{}, err
	}
	if err := s.checkIntegrations(def.Integrations); err != nil {
		return domain.AgentDefinition{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	def.CreatedAt = now
	def.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[def.ID]; exists {
		return domain.AgentDefinition{}, domain.Validationf("agent %s already exists", def.ID)
	}
	if err := s.persistAgent(ctx, &def, "agent.created", actor, events.EventPayload{"name": def.Name}); err != nil {
		return domain.AgentDefinition{}, err
	}
	s.agents[def.ID] = &def
	return def.Clone(), nil
}

// GetAgent returns a deep copy; callers never see the stored instance.
func (s *Store) GetAgent(ctx context.Context, id string) (domain.AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.agents[id]
	if !ok {
		return domain.AgentDefinition{}, domain.NotFoundError{Kind: "agent", ID: id}
	}
	return def.Clone(), nil
}

// ListAgents returns copies sorted by creation time, then id.
func (s *Store) ListAgents(ctx context.Context) []domain.AgentDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AgentDefinition, 0, len(s.agents))
	for _, def := range s.agents {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateOptions carries the metadata fields a plain update may change.
// Status changes go through SetStatus or Deploy.
type UpdateOptions struct {
	Name        *string
	Description *string
	Public      *bool
}

// UpdateAgent applies a metadata patch and bumps UpdatedAt.
func (s *Store) UpdateAgent(ctx context.Context, id string, opts UpdateOptions, actor string) (domain.AgentDefinition, error) {
	return s.mutate(ctx, id, actor, "agent.updated", nil, func(def *domain.AgentDefinition) error {
		if opts.Name != nil {
			if *opts.Name == "" {
				return domain.Validationf("agent name is required")
			}
			def.Name = *opts.Name
		}
		if opts.Description != nil {
			def.Description = *opts.Description
		}
		if opts.Public != nil {
			def.Public = *opts.Public
		}
		return nil
	})
}

// DeleteAgent removes the definition. The bool reports whether anything was
// deleted; a missing id is not an error.
func (s *Store) DeleteAgent(ctx context.Context, id string, actor string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return false, nil
	}
	if s.db != nil {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return false, err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id); err != nil {
			return false, err
		}
		if err := s.journal.Append(ctx, tx, "agent.deleted", id, "agent", id, actor, nil); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
	}
	delete(s.agents, id)
	return true, nil
}

// ReplaceNodes commits a bulk node import. The candidate graph is validated
// before anything is stored.
func (s *Store) ReplaceNodes(ctx context.Context, id string, nodes []domain.Node, actor string) (domain.AgentDefinition, error) {
	return s.mutate(ctx, id, actor, "agent.updated", events.EventPayload{"nodes": len(nodes)}, func(def *domain.AgentDefinition) error {
		def.Nodes = append([]domain.Node(nil), nodes...)
		return graph.Wrap(def).Validate()
	})
}

// ReplaceEdges commits a bulk edge import against the existing nodes.
func (s *Store) ReplaceEdges(ctx context.Context, id string, edges []domain.Edge, actor string) (domain.AgentDefinition, error) {
	return s.mutate(ctx, id, actor, "agent.updated", events.EventPayload{"edges": len(edges)}, func(def *domain.AgentDefinition) error {
		def.Edges = append([]domain.Edge(nil), edges...)
		return graph.Wrap(def).Validate()
	})
}

// ReplaceGraph commits a full graph import, nodes and edges together, so the
// candidate is validated as a whole rather than against the previous edges.
func (s *Store) ReplaceGraph(ctx context.Context, id string, nodes []domain.Node, edges []domain.Edge, actor string) (domain.AgentDefinition, error) {
	return s.mutate(ctx, id, actor, "agent.updated", events.EventPayload{"nodes": len(nodes), "edges": len(edges)}, func(def *domain.AgentDefinition) error {
		def.Nodes = append([]domain.Node(nil), nodes...)
		def.Edges = append([]domain.Edge(nil), edges...)
		return graph.Wrap(def).Validate()
	})
}

// AddNode appends one node to the agent's graph.
func (s *Store) AddNode(ctx context.Context, id string, n domain.Node, actor string) (domain.AgentDefinition, error) {
	return s.mutate(ctx, id, actor, "graph.node.added", events.EventPayload{"node_id": n.ID}, func(def *domain.AgentDefinition) error {
		return s.model(def).AddNode(n)
	})
}

// RemoveNode deletes a node and every edge touching it. Unknown node ids are
// a no-op and leave the definition untouched.
func (s *Store) RemoveNode(ctx context.Context, id, nodeID string, actor string) (domain.AgentDefinition, error) {
	return s.mutate(ctx, id, actor, "graph.node.removed", events.EventPayload{"node_id": nodeID}, func(def *domain.AgentDefinition) error {
		before := len(def.Nodes)
		s.model(def).RemoveNode(nodeID)
		if len(def.Nodes) == before {
			return errNoChange
		}
		return nil
	})
}

// AddEdge connects two existing nodes.
func (s *Store) AddEdge(ctx context.Context, id string, e domain.Edge, actor string) (domain.AgentDefinition, error) {
	return s.mutate(ctx, id, actor, "graph.edge.added", events.EventPayload{"source": e.Source, "target": e.Target}, func(def *domain.AgentDefinition) error {
		return s.model(def).AddEdge(e)
	})
}

// MoveNode updates a node's canvas position.
func (s *Store) MoveNode(ctx context.Context, id, nodeID string, pos domain.Position, actor string) (domain.AgentDefinition, error) {
	return s.mutate(ctx, id, actor, "agent.updated", nil, func(def *domain.AgentDefinition) error {
		return s.model(def).MoveNode(nodeID, pos)
	})
}

// ModelPatch is a partial model-config update; nil fields keep their value.
type ModelPatch struct {
	Provider    *string
	Model       *string
	Temperature *float64
	MaxTokens   *int
}

// UpdateModelConfig merges the patch into the agent's model settings.
func (s *Store) UpdateModelConfig(ctx context.Context, id string, patch ModelPatch, actor string) (domain.AgentDefinition, error) {
	return s.mutate(ctx, id, actor, "agent.updated", nil, func(def *domain.AgentDefinition) error {
		if patch.Provider != nil {
			def.Model.Provider = *patch.Provider
		}
		if patch.Model != nil {
			def.Model.Model = *patch.Model
		}
		if patch.Temperature != nil {
			if *patch.Temperature < 0 || *patch.Temperature > 2 {
				return domain.Validationf("temperature %v out of range", *patch.Temperature)
			}
			def.Model.Temperature = *patch.Temperature
		}
		if patch.MaxTokens != nil {
			if *patch.MaxTokens <= 0 {
				return domain.Validationf("max_tokens must be positive")
			}
			def.Model.MaxTokens = *patch.MaxTokens
		}
		return nil
	})
}

// SetCode stores the source attached to one node. Last write wins.
func (s *Store) SetCode(ctx context.Context, id, nodeID, source string, actor string) (domain.AgentDefinition, error) {
	return s.mutate(ctx, id, actor, "agent.updated", events.EventPayload{"node_id": nodeID}, func(def *domain.AgentDefinition) error {
		found := false
		for _, n := range def.Nodes {
			if n.ID == nodeID {
				found = true
				break
			}
		}
		if !found {
			return domain.NotFoundError{Kind: "node", ID: nodeID}
		}
		if def.Code == nil {
			def.Code = make(map[string]string)
		}
		def.Code[nodeID] = source
		return nil
	})
}

// SetIntegrations replaces the agent's integration bindings after checking
// each id against the catalog.
func (s *Store) SetIntegrations(ctx context.Context, id string, ids []string, actor string) (domain.AgentDefinition, error) {
	if err := s.checkIntegrations(ids); err != nil {
		return domain.AgentDefinition{}, err
	}
	return s.mutate(ctx, id, actor, "agent.updated", events.EventPayload{"integrations": len(ids)}, func(def *domain.AgentDefinition) error {
		def.Integrations = append([]string(nil), ids...)
		return nil
	})
}

var validStatuses = map[domain.AgentStatus]bool{
	domain.AgentDraft:    true,
	domain.AgentTesting:  true,
	domain.AgentDeployed: true,
	domain.AgentError:    true,
}

// SetStatus reassigns the lifecycle status. All status writes funnel through
// here or Deploy.
func (s *Store) SetStatus(ctx context.Context, id string, status domain.AgentStatus, actor string) (domain.AgentDefinition, error) {
	if !validStatuses[status] {
		return domain.AgentDefinition{}, domain.Validationf("unknown status %q", status)
	}
	return s.mutate(ctx, id, actor, "agent.updated", events.EventPayload{"status": string(status)}, func(def *domain.AgentDefinition) error {
		if def.Status == status {
			return errNoChange
		}
		def.Status = status
		return nil
	})
}

// Deploy validates the graph and integrations, records the deployment config
// and flips the agent to deployed.
func (s *Store) Deploy(ctx context.Context, id string, cfg domain.DeploymentConfig, actor string) (domain.DeploymentReceipt, error) {
	deploymentID := uuid.NewString()
	def, err := s.mutate(ctx, id, actor, "agent.deployed", events.EventPayload{"deployment_id": deploymentID}, func(def *domain.AgentDefinition) error {
		if len(def.Nodes) == 0 {
			return domain.Validationf("agent %s has no nodes to deploy", id)
		}
		if err := graph.Wrap(def).Validate(); err != nil {
			return err
		}
		if err := s.checkIntegrations(def.Integrations); err != nil {
			return err
		}
		c := cfg
		def.Deployment = &c
		def.Status = domain.AgentDeployed
		return nil
	})
	if err != nil {
		return domain.DeploymentReceipt{}, err
	}
	return domain.DeploymentReceipt{
		Success:      true,
		DeploymentID: deploymentID,
		Agent:        def,
		DeployedAt:   def.UpdatedAt,
	}, nil
}

func (s *Store) checkIntegrations(ids []string) error {
	if s.Catalog == nil {
		return nil
	}
	for _, id := range ids {
		if !s.Catalog.Has(id) {
			return domain.Validationf("unknown integration %q", id)
		}
	}
	return nil
}

func (s *Store) model(def *domain.AgentDefinition) *graph.Model {
	return &graph.Model{Def: def, Now: s.now}
}

// mutate applies fn to a staging copy, persists snapshot plus journal event
// in one transaction, then swaps the copy in. A failed fn leaves the stored
// definition byte-for-byte unchanged.
func (s *Store) mutate(ctx context.Context, id, actor, evtType string, payload events.EventPayload, fn func(def *domain.AgentDefinition) error) (domain.AgentDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.agents[id]
	if !ok {
		return domain.AgentDefinition{}, domain.NotFoundError{Kind: "agent", ID: id}
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, errNoChange) {
			return cur.Clone(), nil
		}
		return domain.AgentDefinition{}, err
	}
	next.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	if err := s.persistAgent(ctx, &next, evtType, actor, payload); err != nil {
		return domain.AgentDefinition{}, err
	}
	s.agents[id] = &next
	return next.Clone(), nil
}

func (s *Store) persistAgent(ctx context.Context, def *domain.AgentDefinition, evtType, actor string, payload events.EventPayload) error {
	if s.db == nil {
		return nil
	}
	snapshot, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode agent snapshot: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents(id,name,status,snapshot_json,created_at,updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, status=excluded.status,
			snapshot_json=excluded.snapshot_json, updated_at=excluded.updated_at`,
		def.ID, def.Name, string(def.Status), string(snapshot), def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return err
	}
	if err := s.journal.Append(ctx, tx, evtType, def.ID, "agent", def.ID, actor, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveRun persists a run snapshot. Terminal runs journal run.finished;
// non-terminal saves journal run.started.
func (s *Store) SaveRun(ctx context.Context, run domain.SimulationRun) error {
	if s.db == nil {
		return nil
	}
	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run snapshot: %w", err)
	}
	evtType := "run.started"
	var finished any
	if run.Status == domain.RunSuccess || run.Status == domain.RunError {
		evtType = "run.finished"
	}
	if run.EndTime != nil {
		finished = run.EndTime.UTC().Format(time.RFC3339)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs(id,agent_id,status,snapshot_json,started_at,finished_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, snapshot_json=excluded.snapshot_json,
			finished_at=excluded.finished_at`,
		run.ID, run.AgentID, string(run.Status), string(snapshot),
		run.StartTime.UTC().Format(time.RFC3339), finished)
	if err != nil {
		return err
	}
	payload := events.EventPayload{"status": string(run.Status)}
	if err := s.journal.Append(ctx, tx, evtType, run.AgentID, "run", run.ID, "system", payload); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRun loads a persisted run snapshot.
func (s *Store) GetRun(ctx context.Context, id string) (domain.SimulationRun, error) {
	if s.db == nil {
		return domain.SimulationRun{}, domain.NotFoundError{Kind: "run", ID: id}
	}
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_json FROM runs WHERE id=?`, id).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return domain.SimulationRun{}, domain.NotFoundError{Kind: "run", ID: id}
	}
	if err != nil {
		return domain.SimulationRun{}, err
	}
	var run domain.SimulationRun
	if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
		return domain.SimulationRun{}, fmt.Errorf("decode run snapshot: %w", err)
	}
	return run, nil
}

// ListRuns returns persisted runs for one agent, newest first.
func (s *Store) ListRuns(ctx context.Context, agentID string) ([]domain.SimulationRun, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot_json FROM runs WHERE agent_id=? ORDER BY started_at DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SimulationRun
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		var run domain.SimulationRun
		if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
			return nil, fmt.Errorf("decode run snapshot: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// RecordEvent journals an ad-hoc event outside an agent mutation, such as a
// dispatch routing decision or a fulfillment pass.
func (s *Store) RecordEvent(ctx context.Context, evtType, agentID, entityKind, entityID, actor string, payload events.EventPayload) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.journal.Append(ctx, tx, evtType, agentID, entityKind, entityID, actor, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var agentID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &agentID, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.AgentID = agentID.String
		e.EntityID = entityID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEvents returns up to limit journal rows, newest first.
func (s *Store) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id,ts,type,agent_id,entity_kind,entity_id,actor_id,payload_json
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns journal rows with id greater than afterID, oldest
// first. The webhook poller pages through the journal with this.
func (s *Store) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id,ts,type,agent_id,entity_kind,entity_id,actor_id,payload_json
		FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the newest journal id, or 0 for an empty journal.
func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
