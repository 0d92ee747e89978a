package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"agentforge/internal/capability"
	"agentforge/internal/config"
	"agentforge/internal/dispatch"
	"agentforge/internal/domain"
	"agentforge/internal/events"
	"agentforge/internal/fulfill"
	"agentforge/internal/sim"
	"agentforge/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store      *store.Store
	Simulator  *sim.Simulator
	Dispatcher *dispatch.Dispatcher
	Pipeline   *fulfill.Pipeline
	Registry   *capability.Registry
	Webhooks   []config.Webhook
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"run_in_progress"`
	Message string         `json:"message" example:"agent agent-1 already has run r-1 in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the AgentForge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Store))
	hcfg := huma.DefaultConfig("AgentForge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAgents(group, cfg.Store)
	registerGraph(group, cfg.Store)
	registerRuns(group, cfg.Store, cfg.Simulator)
	registerDispatch(group, cfg.Store, cfg.Dispatcher)
	registerFulfillment(group, cfg.Store, cfg.Pipeline)
	registerIntegrations(group, cfg.Registry)
	registerEvents(group, cfg.Store)
	registerAPIKeys(group, cfg.Store)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Store, cfg.Webhooks)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ce domain.ConcurrencyError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "run_in_progress", err.Error(), map[string]any{
			"agent_id": ce.AgentID,
			"run_id":   ce.RunID,
		})
	}
	var te domain.TransportError
	if errors.As(err, &te) {
		return newAPIError(http.StatusBadGateway, "upstream_unavailable", err.Error(), map[string]any{"system": te.System})
	}
	if errors.Is(err, domain.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "upstream_unavailable"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>AgentForge API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAgents(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Create agent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.AgentDefinition `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		draft := domain.AgentDefinition{
			Name:         input.Body.Name,
			OwnerID:      actorID,
			Nodes:        input.Body.Nodes,
			Edges:        input.Body.Edges,
			Integrations: input.Body.Integrations,
		}
		if input.Body.ID != nil {
			draft.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			draft.Description = *input.Body.Description
		}
		if input.Body.Public != nil {
			draft.Public = *input.Body.Public
		}
		if input.Body.Model != nil {
			draft.Model = *input.Body.Model
		}
		def, err := s.CreateAgent(ctx, draft, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AgentDefinition `json:"body"`
	}, error) {
		return &struct {
			Body []domain.AgentDefinition `json:"body"`
		}{Body: s.ListAgents(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.AgentDefinition `json:"body"`
	}, error) {
		def, err := s.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}",
		Summary:     "Update agent metadata",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    UpdateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.AgentDefinition `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := s.UpdateAgent(ctx, input.AgentID, store.UpdateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Public:      input.Body.Public,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-agent",
		Method:      http.MethodDelete,
		Path:        "/agents/{agent_id}",
		Summary:     "Delete agent",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body DeleteAgentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		deleted, err := s.DeleteAgent(ctx, input.AgentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteAgentResponse `json:"body"`
		}{Body: DeleteAgentResponse{Deleted: deleted}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deploy-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/deploy",
		Summary:     "Deploy agent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string                  `path:"agent_id"`
		Body    domain.DeploymentConfig `json:"body"`
	}) (*struct {
		Body domain.DeploymentReceipt `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		receipt, err := s.Deploy(ctx, input.AgentID, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DeploymentReceipt `json:"body"`
		}{Body: receipt}, nil
	})
}

func registerGraph(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-node",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/nodes",
		Summary:       "Add node",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string         `path:"agent_id"`
		Body    AddNodeRequest `json:"body"`
	}) (*struct {
		Body domain.AgentDefinition `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := s.AddNode(ctx, input.AgentID, domain.Node{
			ID:       input.Body.ID,
			Type:     input.Body.Type,
			Position: input.Body.Position,
			Data:     input.Body.Data,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-node",
		Method:      http.MethodDelete,
		Path:        "/agents/{agent_id}/nodes/{node_id}",
		Summary:     "Remove node and its edges",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		NodeID  string `path:"node_id"`
	}) (*struct {
		Body domain.AgentDefinition `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := s.RemoveNode(ctx, input.AgentID, input.NodeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-node",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}/nodes/{node_id}/position",
		Summary:     "Move node on the canvas",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string          `path:"agent_id"`
		NodeID  string          `path:"node_id"`
		Body    MoveNodeRequest `json:"body"`
	}) (*struct {
		Body domain.AgentDefinition `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := s.MoveNode(ctx, input.AgentID, input.NodeID, input.Body.Position, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-edge",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/edges",
		Summary:       "Add edge",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string         `path:"agent_id"`
		Body    AddEdgeRequest `json:"body"`
	}) (*struct {
		Body domain.AgentDefinition `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		edge := domain.Edge{
			ID:     input.Body.ID,
			Source: input.Body.Source,
			Target: input.Body.Target,
			Label:  input.Body.Label,
		}
		if edge.ID == "" {
			edge.ID = fmt.Sprintf("%s-%s", edge.Source, edge.Target)
		}
		def, err := s.AddEdge(ctx, input.AgentID, edge, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-nodes",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/nodes",
		Summary:     "Replace all nodes",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string              `path:"agent_id"`
		Body    ReplaceNodesRequest `json:"body"`
	}) (*struct {
		Body domain.AgentDefinition `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := s.ReplaceNodes(ctx, input.AgentID, input.Body.Nodes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-edges",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/edges",
		Summary:     "Replace all edges",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string              `path:"agent_id"`
		Body    ReplaceEdgesRequest `json:"body"`
	}) (*struct {
		Body domain.AgentDefinition `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := s.ReplaceEdges(ctx, input.AgentID, input.Body.Edges, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-graph",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/graph",
		Summary:     "Replace the whole graph",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string              `path:"agent_id"`
		Body    ReplaceGraphRequest `json:"body"`
	}) (*struct {
		Body domain.AgentDefinition `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := s.ReplaceGraph(ctx, input.AgentID, input.Body.Nodes, input.Body.Edges, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-model",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/model",
		Summary:     "Update model config",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string            `path:"agent_id"`
		Body    ModelPatchRequest `json:"body"`
	}) (*struct {
		Body domain.AgentDefinition `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := s.UpdateModelConfig(ctx, input.AgentID, store.ModelPatch{
			Provider:    input.Body.Provider,
			Model:       input.Body.Model,
			Temperature: input.Body.Temperature,
			MaxTokens:   input.Body.MaxTokens,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-code",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/code/{node_id}",
		Summary:     "Set node code",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string         `path:"agent_id"`
		NodeID  string         `path:"node_id"`
		Body    SetCodeRequest `json:"body"`
	}) (*struct {
		Body domain.AgentDefinition `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := s.SetCode(ctx, input.AgentID, input.NodeID, input.Body.Source, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-integrations",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/integrations",
		Summary:     "Set agent integrations",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string                 `path:"agent_id"`
		Body    SetIntegrationsRequest `json:"body"`
	}) (*struct {
		Body domain.AgentDefinition `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := s.SetIntegrations(ctx, input.AgentID, input.Body.Integrations, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentDefinition `json:"body"`
		}{Body: def}, nil
	})
}

func registerRuns(api huma.API, s *store.Store, simulator *sim.Simulator) {
	huma.Register(api, huma.Operation{
		OperationID:   "simulate-agent",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/simulate",
		Summary:       "Start a simulation run",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string          `path:"agent_id"`
		Body    SimulateRequest `json:"body"`
	}) (*struct {
		Body domain.SimulationRun `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := simulator.Run(ctx, input.AgentID, input.Body.MockDataID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := s.SetStatus(ctx, input.AgentID, domain.AgentTesting, actorID); err != nil {
			return nil, handleError(err)
		}
		// persist the initial snapshot so the run is visible after restarts
		if err := s.SaveRun(ctx, run); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SimulationRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.SimulationRun `json:"body"`
	}, error) {
		run, err := simulator.Snapshot(input.RunID)
		if errors.Is(err, domain.ErrNotFound) {
			// not in memory; fall back to the persisted snapshot
			run, err = s.GetRun(ctx, input.RunID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SimulationRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/cancel",
		Summary:     "Cancel a running simulation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.SimulationRun `json:"body"`
	}, error) {
		if err := simulator.Cancel(input.RunID); err != nil {
			return nil, handleError(err)
		}
		run, err := simulator.Snapshot(input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SimulationRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/runs",
		Summary:     "List persisted runs for an agent",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body []domain.SimulationRun `json:"body"`
	}, error) {
		runs, err := s.ListRuns(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.SimulationRun{}
		}
		return &struct {
			Body []domain.SimulationRun `json:"body"`
		}{Body: runs}, nil
	})
}

func registerDispatch(api huma.API, s *store.Store, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch",
		Method:      http.MethodPost,
		Path:        "/dispatch",
		Summary:     "Route a free-text request to a capability",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body DispatchRequest `json:"body"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Query) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "query is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var pinned capability.Tag
		if input.Body.Agent != "" {
			tag, ok := capability.ParseTag(input.Body.Agent)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown agent tag "+input.Body.Agent, nil)
			}
			pinned = tag
		}
		res, err := d.Route(ctx, input.Body.Query, pinned)
		if err != nil {
			return nil, handleError(err)
		}
		_ = s.RecordEvent(ctx, "dispatch.routed", "", "dispatch", "", actorID, events.EventPayload{
			"agent": string(res.Agent),
		})
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: DispatchResponse{Result: res.Result, Agent: string(res.Agent)}}, nil
	})
}

func registerFulfillment(api huma.API, s *store.Store, p *fulfill.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID: "fulfill-order",
		Method:      http.MethodPost,
		Path:        "/fulfillment",
		Summary:     "Run order fulfillment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body FulfillmentRequest `json:"body"`
	}) (*struct {
		Body domain.FulfillmentReport `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := p.ProcessOrder(ctx, input.Body.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		_ = s.RecordEvent(ctx, "order.fulfilled", "", "order", report.OrderID, actorID, events.EventPayload{
			"status": string(report.Status),
		})
		return &struct {
			Body domain.FulfillmentReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerIntegrations(api huma.API, r *capability.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "list-integrations",
		Method:      http.MethodGet,
		Path:        "/integrations",
		Summary:     "List available integrations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []IntegrationResponse `json:"body"`
	}, error) {
		out := []IntegrationResponse{}
		for _, id := range r.IDs() {
			integ, err := r.New(id)
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, IntegrationResponse{ID: id, Tools: integ.Tools()})
		}
		return &struct {
			Body []IntegrationResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List journal events, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		evts, err := s.LatestEvents(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func registerAPIKeys(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID := input.Body.ActorID
		if actorID == "" {
			if id, authErr := actorIDFromContext(ctx); authErr == nil {
				actorID = id
			}
		}
		plaintext, key, err := s.CreateAPIKey(ctx, actorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, plaintext)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := s.ListAPIKeys(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k, ""))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Revoke API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := s.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
