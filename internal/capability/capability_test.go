package capability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agentforge/internal/capability"
	"agentforge/internal/domain"
)

func fakeSystem(t *testing.T, respond func(act capability.Action) (int, string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoke" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var act capability.Action
		if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		status, body := respond(act)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestInventoryQuerySuccess(t *testing.T) {
	srv := fakeSystem(t, func(act capability.Action) (int, string) {
		if act.Kind != capability.ActionQuery || act.ProductID != "P1" {
			t.Fatalf("unexpected action: %+v", act)
		}
		return http.StatusOK, "42 units available"
	})
	defer srv.Close()

	h := capability.NewInventory(srv.URL, srv.Client())
	res, err := h.Invoke(context.Background(), capability.Action{Kind: capability.ActionQuery, ProductID: "P1"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Failed || res.Output != "42 units available" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvokeParamValidation(t *testing.T) {
	srv := fakeSystem(t, func(capability.Action) (int, string) { return http.StatusOK, "ok" })
	defer srv.Close()

	cases := []struct {
		name string
		h    capability.Handler
		act  capability.Action
	}{
		{"inventory query without product", capability.NewInventory(srv.URL, srv.Client()), capability.Action{Kind: capability.ActionQuery}},
		{"inventory update without product", capability.NewInventory(srv.URL, srv.Client()), capability.Action{Kind: capability.ActionUpdate}},
		{"order update without status", capability.NewOrder(srv.URL, srv.Client()), capability.Action{Kind: capability.ActionUpdate, OrderID: "O1"}},
		{"order unknown verb", capability.NewOrder(srv.URL, srv.Client()), capability.Action{Kind: "destroy"}},
		{"customer create without fields", capability.NewCustomer(srv.URL, srv.Client()), capability.Action{Kind: capability.ActionCreate}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.h.Invoke(context.Background(), tc.act)
			var ve domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestTransportFailureIsTaggedNotThrown(t *testing.T) {
	srv := fakeSystem(t, func(capability.Action) (int, string) { return http.StatusOK, "ok" })
	srv.Close() // connection refused from here on

	h := capability.NewOrder(srv.URL, nil)
	res, err := h.Invoke(context.Background(), capability.Action{Kind: capability.ActionQuery, OrderID: "O1"})
	if err != nil {
		t.Fatalf("transport failure must not surface as error, got %v", err)
	}
	if !res.Failed || res.Reason == "" {
		t.Fatalf("expected failed result, got %+v", res)
	}
	if !strings.Contains(res.Reason, "order system") {
		t.Fatalf("reason should name the system: %q", res.Reason)
	}
	if res.Text() != res.Reason {
		t.Fatalf("Text() of a failure should be the reason")
	}
}

func TestHTTPErrorStatusIsFailure(t *testing.T) {
	srv := fakeSystem(t, func(capability.Action) (int, string) {
		return http.StatusBadGateway, "upstream exploded"
	})
	defer srv.Close()

	h := capability.NewCustomer(srv.URL, srv.Client())
	res, err := h.Invoke(context.Background(), capability.Action{Kind: capability.ActionQuery, CustomerID: "C1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Failed || !strings.Contains(res.Reason, "502") {
		t.Fatalf("expected 502 failure, got %+v", res)
	}
}

func TestParseTag(t *testing.T) {
	for in, want := range map[string]capability.Tag{
		"INVENTORY": capability.TagInventory,
		" order ":   capability.TagOrder,
		"Customer":  capability.TagCustomer,
	} {
		got, ok := capability.ParseTag(in)
		if !ok || got != want {
			t.Fatalf("ParseTag(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := capability.ParseTag("SHIPPING"); ok {
		t.Fatalf("expected unknown tag to fail")
	}
}

func TestRegistry(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer health.Close()

	reg := capability.BuiltinRegistry(health.URL, health.URL, health.URL, health.Client())
	if got := reg.IDs(); len(got) != 3 {
		t.Fatalf("expected 3 builtin integrations, got %v", got)
	}
	if !reg.Has("order-system") || reg.Has("mystery") {
		t.Fatalf("Has misreported registration")
	}
	integ, err := reg.New("inventory-system")
	if err != nil {
		t.Fatal(err)
	}
	if err := integ.ValidateCredentials(map[string]string{}); err == nil {
		t.Fatalf("expected missing api_key to fail")
	}
	if err := integ.Initialize(context.Background(), map[string]string{"api_key": "k"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if tools := integ.Tools(); len(tools) == 0 {
		t.Fatalf("expected tools")
	}
	if _, err := reg.New("mystery"); err == nil {
		t.Fatalf("expected unknown integration error")
	}
}
