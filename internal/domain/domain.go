package domain

import "time"

// AgentStatus is the lifecycle state of an agent definition.
type AgentStatus string

const (
	AgentDraft    AgentStatus = "draft"
	AgentTesting  AgentStatus = "testing"
	AgentDeployed AgentStatus = "deployed"
	AgentError    AgentStatus = "error"
)

// NodeType classifies the role a node plays in the workflow graph.
type NodeType string

const (
	NodeTrigger   NodeType = "trigger"
	NodeAction    NodeType = "action"
	NodeCondition NodeType = "condition"
	NodeModel     NodeType = "model"
	NodeData      NodeType = "data"
	NodeOutput    NodeType = "output"
)

// Position is canvas layout only; it carries no execution semantics.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one typed step in an agent's workflow graph.
type Node struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type" enum:"trigger,action,condition,model,data,output"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data,omitempty"`
}

// Edge is a directed connection between two nodes of the same agent.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// ModelConfig holds the language-model settings for an agent.
type ModelConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// DeploymentConfig is the caller-supplied deploy request payload.
type DeploymentConfig struct {
	Environment string            `json:"environment,omitempty"`
	Region      string            `json:"region,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// DeploymentReceipt is returned by a successful deploy.
type DeploymentReceipt struct {
	Success      bool            `json:"success"`
	DeploymentID string          `json:"deployment_id"`
	Agent        AgentDefinition `json:"agent"`
	DeployedAt   string          `json:"deployed_at" format:"date-time"`
}

// AgentDefinition is the unit a user authors, tests and deploys: a named
// graph of nodes/edges plus model configuration, per-node code, and
// integration bindings. The store owns the durable copy; editing surfaces
// work on staging copies and commit through the store.
type AgentDefinition struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Status       AgentStatus       `json:"status" enum:"draft,testing,deployed,error"`
	OwnerID      string            `json:"owner_id"`
	Public       bool              `json:"public"`
	Nodes        []Node            `json:"nodes"`
	Edges        []Edge            `json:"edges"`
	Code         map[string]string `json:"code,omitempty"`
	Model        ModelConfig       `json:"model"`
	Integrations []string          `json:"integrations,omitempty"`
	Deployment   *DeploymentConfig `json:"deployment,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
	UpdatedAt    string            `json:"updated_at" format:"date-time"`
}

// Clone returns a deep copy safe to hand outside the store.
func (a AgentDefinition) Clone() AgentDefinition {
	out := a
	out.Nodes = make([]Node, len(a.Nodes))
	for i, n := range a.Nodes {
		out.Nodes[i] = n
		if n.Data != nil {
			data := make(map[string]any, len(n.Data))
			for k, v := range n.Data {
				data[k] = v
			}
			out.Nodes[i].Data = data
		}
	}
	out.Edges = append([]Edge(nil), a.Edges...)
	if a.Code != nil {
		out.Code = make(map[string]string, len(a.Code))
		for k, v := range a.Code {
			out.Code[k] = v
		}
	}
	out.Integrations = append([]string(nil), a.Integrations...)
	if a.Deployment != nil {
		dep := *a.Deployment
		if dep.Variables != nil {
			vars := make(map[string]string, len(dep.Variables))
			for k, v := range dep.Variables {
				vars[k] = v
			}
			dep.Variables = vars
		}
		out.Deployment = &dep
	}
	return out
}

// RunStatus is the state machine position of one simulation run.
type RunStatus string

const (
	RunIdle    RunStatus = "idle"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// LogLevel tags a run log entry.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
)

// LogEntry is one line in a run's append-only log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level" enum:"info,warning,error,success"`
	Message   string    `json:"message"`
	NodeID    string    `json:"node_id,omitempty"`
}

// TokenUsage is the prompt/completion accounting attached to run metrics.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Metrics summarizes a finished run. Rates are percentages in [0,100].
type Metrics struct {
	ExecutionTimeMs int64       `json:"execution_time_ms"`
	TokenUsage      *TokenUsage `json:"token_usage,omitempty"`
	SuccessRate     *float64    `json:"success_rate,omitempty"`
	ErrorRate       *float64    `json:"error_rate,omitempty"`
}

// SimulationRun is one timed execution trace of an agent. Logs are
// append-only with non-decreasing timestamps; Metrics is set only once the
// run reaches a terminal status.
type SimulationRun struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	MockDataID string     `json:"mock_data_id,omitempty"`
	Status     RunStatus  `json:"status" enum:"idle,running,success,error"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Logs       []LogEntry `json:"logs"`
	Metrics    *Metrics   `json:"metrics,omitempty"`
}

// Clone returns a deep copy of the run record.
func (r SimulationRun) Clone() SimulationRun {
	out := r
	out.Logs = append([]LogEntry(nil), r.Logs...)
	if r.EndTime != nil {
		end := *r.EndTime
		out.EndTime = &end
	}
	if r.Metrics != nil {
		m := *r.Metrics
		if r.Metrics.TokenUsage != nil {
			u := *r.Metrics.TokenUsage
			m.TokenUsage = &u
		}
		if r.Metrics.SuccessRate != nil {
			v := *r.Metrics.SuccessRate
			m.SuccessRate = &v
		}
		if r.Metrics.ErrorRate != nil {
			v := *r.Metrics.ErrorRate
			m.ErrorRate = &v
		}
		out.Metrics = &m
	}
	return out
}

// FulfillmentStatus is the outcome of an order fulfillment pass.
type FulfillmentStatus string

const (
	ReadyForShipment FulfillmentStatus = "ready_for_shipment"
	AwaitingStock    FulfillmentStatus = "awaiting_stock"
)

// ItemCheck is the per-line-item result of the inventory fan-out.
type ItemCheck struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	InStock   bool   `json:"in_stock"`
	Failed    bool   `json:"failed,omitempty"`
	Detail    string `json:"detail"`
}

// FulfillmentReport is returned directly to the caller; it is never persisted.
type FulfillmentReport struct {
	OrderID string            `json:"order_id"`
	Status  FulfillmentStatus `json:"status" enum:"ready_for_shipment,awaiting_stock"`
	Items   []ItemCheck       `json:"items"`
	Message string            `json:"message"`
}

// Event is one row of the append-only journal.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AgentID    string `json:"agent_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey is a hashed credential bound to an actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
