// Package capability wraps the external line-of-business systems (inventory,
// orders, customers) behind a uniform action interface. Handlers are
// stateless and safe for concurrent use; each Invoke issues one HTTP call to
// its backing system.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentforge/internal/domain"
)

// Tag identifies one capability family.
type Tag string

const (
	TagInventory Tag = "INVENTORY"
	TagOrder     Tag = "ORDER"
	TagCustomer  Tag = "CUSTOMER"
)

// ParseTag maps free text to a known tag. The boolean is false when the text
// does not name one of the three families.
func ParseTag(s string) (Tag, bool) {
	switch Tag(strings.ToUpper(strings.TrimSpace(s))) {
	case TagInventory:
		return TagInventory, true
	case TagOrder:
		return TagOrder, true
	case TagCustomer:
		return TagCustomer, true
	}
	return "", false
}

// ActionKind is the fixed verb set every handler understands.
type ActionKind string

const (
	ActionQuery  ActionKind = "query"
	ActionUpdate ActionKind = "update"
	ActionCreate ActionKind = "create"
)

// Action is the shared request shape: a verb plus handler-specific fields.
// Query carries free text for dispatcher-routed requests.
type Action struct {
	Kind       ActionKind     `json:"action" enum:"query,update,create"`
	Query      string         `json:"query,omitempty"`
	OrderID    string         `json:"order_id,omitempty"`
	ProductID  string         `json:"product_id,omitempty"`
	CustomerID string         `json:"customer_id,omitempty"`
	Quantity   *int           `json:"quantity,omitempty"`
	LocationID string         `json:"location_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Result is the tagged outcome of an invoke. A transport failure sets Failed
// and Reason instead of raising, so callers can tell "out of stock" apart
// from "could not reach the inventory system".
type Result struct {
	Output string `json:"output,omitempty"`
	Failed bool   `json:"failed,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Text flattens the result to the legacy single-string form.
func (r Result) Text() string {
	if r.Failed {
		return r.Reason
	}
	return r.Output
}

// Failure builds a failed result.
func Failure(format string, args ...any) Result {
	return Result{Failed: true, Reason: fmt.Sprintf(format, args...)}
}

// Handler is one capability adapter.
type Handler interface {
	Tag() Tag
	Invoke(ctx context.Context, act Action) (Result, error)
}

const defaultTimeout = 10 * time.Second

// system issues the single HTTP call shared by all handlers.
type system struct {
	name    string
	baseURL string
	client  *http.Client
}

func newSystem(name, baseURL string, client *http.Client) system {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return system{name: name, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// call posts the action to the backing system. Transport and HTTP-level
// failures come back as a failed Result, never as an error.
func (s system) call(ctx context.Context, act Action) Result {
	body, err := json.Marshal(act)
	if err != nil {
		return Failure("encode %s request: %v", s.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return Failure("build %s request: %v", s.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := s.client.Do(req)
	if err != nil {
		return Failure("%v", domain.TransportError{System: s.name, Err: err})
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Failure("%v", domain.TransportError{System: s.name, Err: err})
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Failure("%s system returned status %d: %s", s.name, res.StatusCode, strings.TrimSpace(string(data)))
	}
	return Result{Output: strings.TrimSpace(string(data))}
}
