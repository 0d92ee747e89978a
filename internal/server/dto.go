package server

import (
	"agentforge/internal/domain"
)

// Request payloads

type CreateAgentRequest struct {
	ID           *string             `json:"id,omitempty"`
	Name         string              `json:"name"`
	Description  *string             `json:"description,omitempty"`
	Public       *bool               `json:"public,omitempty"`
	Nodes        []domain.Node       `json:"nodes,omitempty"`
	Edges        []domain.Edge       `json:"edges,omitempty"`
	Model        *domain.ModelConfig `json:"model,omitempty"`
	Integrations []string            `json:"integrations,omitempty"`
}

type UpdateAgentRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Public      *bool   `json:"public,omitempty"`
}

type AddNodeRequest struct {
	ID       string          `json:"id"`
	Type     domain.NodeType `json:"type" enum:"trigger,action,condition,model,data,output"`
	Position domain.Position `json:"position"`
	Data     map[string]any  `json:"data,omitempty"`
}

type AddEdgeRequest struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

type MoveNodeRequest struct {
	Position domain.Position `json:"position"`
}

type ReplaceNodesRequest struct {
	Nodes []domain.Node `json:"nodes"`
}

type ReplaceEdgesRequest struct {
	Edges []domain.Edge `json:"edges"`
}

type ReplaceGraphRequest struct {
	Nodes []domain.Node `json:"nodes"`
	Edges []domain.Edge `json:"edges"`
}

type ModelPatchRequest struct {
	Provider    *string  `json:"provider,omitempty"`
	Model       *string  `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

type SetCodeRequest struct {
	Source string `json:"source"`
}

type SetIntegrationsRequest struct {
	Integrations []string `json:"integrations"`
}

type SimulateRequest struct {
	MockDataID string `json:"mock_data_id,omitempty"`
}

type DispatchRequest struct {
	Query string `json:"query"`
	Agent string `json:"agent,omitempty" enum:",INVENTORY,ORDER,CUSTOMER"`
}

type FulfillmentRequest struct {
	OrderID string `json:"order_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type DeleteAgentResponse struct {
	Deleted bool `json:"deleted"`
}

type DispatchResponse struct {
	Result string `json:"result"`
	Agent  string `json:"agent" enum:"INVENTORY,ORDER,CUSTOMER"`
}

type IntegrationResponse struct {
	ID    string   `json:"id"`
	Tools []string `json:"tools"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is the plaintext, present only in the create response.
	Key string `json:"key,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
		Key:       plaintext,
	}
}
