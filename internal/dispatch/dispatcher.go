// Package dispatch classifies free-text requests and routes them to the
// matching capability handler.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"agentforge/internal/capability"
	"agentforge/internal/domain"
)

// Classifier maps free text to one of the capability labels. It is an opaque
// external boundary; answers outside the known label set are expected and
// handled by the dispatcher's fallback.
type Classifier interface {
	Classify(ctx context.Context, query string) (string, error)
}

// HTTPClassifier calls a natural-language classifier service.
type HTTPClassifier struct {
	URL    string
	Client *http.Client
}

func (c *HTTPClassifier) Classify(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", err
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return "", domain.TransportError{System: "classifier", Err: err}
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if err != nil {
		return "", domain.TransportError{System: "classifier", Err: err}
	}
	var parsed struct {
		Label string `json:"label"`
	}
	if json.Unmarshal(data, &parsed) == nil && parsed.Label != "" {
		return parsed.Label, nil
	}
	return strings.TrimSpace(string(data)), nil
}

// RouteResult is the dispatcher's answer: the handler output tagged with
// which capability served it.
type RouteResult struct {
	Result string         `json:"result"`
	Agent  capability.Tag `json:"agent"`
}

// Dispatcher owns the classifier and the handler table.
type Dispatcher struct {
	classifier Classifier
	handlers   map[capability.Tag]capability.Handler
}

// New builds a dispatcher over the given handlers.
func New(classifier Classifier, handlers ...capability.Handler) *Dispatcher {
	table := make(map[capability.Tag]capability.Handler, len(handlers))
	for _, h := range handlers {
		table[h.Tag()] = h
	}
	return &Dispatcher{classifier: classifier, handlers: table}
}

// Classify labels the query. Any classifier failure or unrecognized answer
// falls back to ORDER: the order handler has reach into order, inventory and
// customer records, so it is the safe superset.
func (d *Dispatcher) Classify(ctx context.Context, query string) capability.Tag {
	label, err := d.classifier.Classify(ctx, query)
	if err != nil {
		return capability.TagOrder
	}
	tag, ok := capability.ParseTag(label)
	if !ok {
		return capability.TagOrder
	}
	return tag
}

// Route invokes the handler for the query. A non-empty pinned tag skips
// classification entirely.
func (d *Dispatcher) Route(ctx context.Context, query string, pinned capability.Tag) (RouteResult, error) {
	tag := pinned
	if tag == "" {
		tag = d.Classify(ctx, query)
	}
	h, ok := d.handlers[tag]
	if !ok {
		return RouteResult{}, domain.Validationf("no handler registered for %s", tag)
	}
	res, err := h.Invoke(ctx, capability.Action{Kind: capability.ActionQuery, Query: query})
	if err != nil {
		return RouteResult{}, err
	}
	return RouteResult{Result: res.Text(), Agent: tag}, nil
}
