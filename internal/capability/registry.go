package capability

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"agentforge/internal/domain"
)

// Integration is the fixed surface an integration binding must implement.
// Agent definitions reference integrations by id; the registry maps ids to
// factories, replacing runtime class reflection with an explicit table.
type Integration interface {
	Initialize(ctx context.Context, credentials map[string]string) error
	Tools() []string
	ValidateCredentials(credentials map[string]string) error
	TestConnection(ctx context.Context) error
}

// Factory builds a fresh Integration instance.
type Factory func() Integration

// Registry maps integration ids to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds id to a factory. Re-registering an id replaces the factory.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// New instantiates the integration registered under id.
func (r *Registry) New(id string) (Integration, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.Validationf("unknown integration %q", id)
	}
	return f(), nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// IDs returns the registered ids sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// httpIntegration fronts one capability system as an integration binding.
type httpIntegration struct {
	name    string
	baseURL string
	tools   []string
	client  *http.Client
}

func (i *httpIntegration) Initialize(ctx context.Context, credentials map[string]string) error {
	if err := i.ValidateCredentials(credentials); err != nil {
		return err
	}
	return i.TestConnection(ctx)
}

func (i *httpIntegration) Tools() []string { return append([]string(nil), i.tools...) }

func (i *httpIntegration) ValidateCredentials(credentials map[string]string) error {
	if credentials["api_key"] == "" {
		return domain.Validationf("%s integration requires api_key credential", i.name)
	}
	return nil
}

func (i *httpIntegration) TestConnection(ctx context.Context) error {
	client := i.client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return domain.TransportError{System: i.name, Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return domain.TransportError{System: i.name, Err: fmt.Errorf("health returned status %d", res.StatusCode)}
	}
	return nil
}

// BuiltinRegistry returns a registry pre-loaded with the three line-of-
// business system integrations, keyed by their conventional ids.
func BuiltinRegistry(inventoryURL, orderURL, customerURL string, client *http.Client) *Registry {
	r := NewRegistry()
	r.Register("inventory-system", func() Integration {
		return &httpIntegration{name: "inventory", baseURL: inventoryURL, client: client,
			tools: []string{"stock.query", "stock.update", "stock.create"}}
	})
	r.Register("order-system", func() Integration {
		return &httpIntegration{name: "order", baseURL: orderURL, client: client,
			tools: []string{"order.query", "order.update", "order.create"}}
	})
	r.Register("customer-system", func() Integration {
		return &httpIntegration{name: "customer", baseURL: customerURL, client: client,
			tools: []string{"customer.query", "customer.update", "customer.create"}}
	})
	return r
}
