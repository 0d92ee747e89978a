package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agentforge/internal/capability"
	"agentforge/internal/db"
	"agentforge/internal/dispatch"
	"agentforge/internal/domain"
	"agentforge/internal/fulfill"
	"agentforge/internal/migrate"
	"agentforge/internal/sim"
	"agentforge/internal/store"
)

type stubClassifier struct {
	label string
}

func (s *stubClassifier) Classify(ctx context.Context, query string) (string, error) {
	return s.label, nil
}

// fakeBackends serves order, inventory and customer invocations from one
// in-process endpoint.
func fakeBackends(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/invoke", func(w http.ResponseWriter, r *http.Request) {
		var act capability.Action
		if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch {
		case act.Kind == capability.ActionQuery && act.OrderID != "":
			io.WriteString(w, `{"id":"`+act.OrderID+`","items":[{"product_id":"P1","quantity":2}]}`)
		case act.Kind == capability.ActionQuery:
			io.WriteString(w, "in stock: 40 units available")
		case act.Kind == capability.ActionUpdate && act.OrderID != "":
			io.WriteString(w, "order "+act.OrderID+" updated to "+act.Status)
		default:
			io.WriteString(w, "ok")
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	URL       string
	client    *http.Client
	store     *store.Store
	simulator *sim.Simulator
	close     func()
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.Open(conn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	backends := fakeBackends(t)
	orders := capability.NewOrder(backends.URL, nil)
	inventory := capability.NewInventory(backends.URL, nil)
	customers := capability.NewCustomer(backends.URL, nil)
	st.Catalog = capability.BuiltinRegistry(backends.URL, backends.URL, backends.URL, nil)

	simulator := sim.New(st, st)
	simulator.StepDelay = 5 * time.Millisecond

	handler, err := New(Config{
		Store:      st,
		Simulator:  simulator,
		Dispatcher: dispatch.New(&stubClassifier{label: "INVENTORY"}, inventory, orders, customers),
		Pipeline:   fulfill.New(orders, inventory),
		Registry:   capability.BuiltinRegistry(backends.URL, backends.URL, backends.URL, nil),
		BasePath:   "/v1",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	env := &testEnv{
		URL:       "http://" + ln.Addr().String(),
		client:    &http.Client{},
		store:     st,
		simulator: simulator,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(env.close)
	return env
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createAgent(t *testing.T, env *testEnv, name string) domain.AgentDefinition {
	t.Helper()
	res, data := doJSON(t, env.client, http.MethodPost, env.URL+"/v1/agents", map[string]any{"name": name}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agent status %d: %s", res.StatusCode, string(data))
	}
	var def domain.AgentDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		t.Fatalf("unmarshal agent: %v", err)
	}
	return def
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	env := newTestServer(t)
	def := createAgent(t, env, "support bot")
	base := env.URL + "/v1/agents/" + def.ID

	for _, node := range []map[string]any{
		{"id": "n1", "type": "trigger", "position": map[string]float64{"x": 0, "y": 0}},
		{"id": "n2", "type": "action", "position": map[string]float64{"x": 120, "y": 0}},
	} {
		res, data := doJSON(t, env.client, http.MethodPost, base+"/nodes", node, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("add node status %d: %s", res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, env.client, http.MethodPost, base+"/edges", map[string]any{"source": "n1", "target": "n2"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add edge status %d: %s", res.StatusCode, string(data))
	}

	// dangling edge comes back as a 400 envelope
	res, data = doJSON(t, env.client, http.MethodPost, base+"/edges", map[string]any{"source": "n1", "target": "ghost"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad edge status %d: %s", res.StatusCode, string(data))
	}
	var envlp struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envlp); err != nil || envlp.Error.Code != "bad_request" {
		t.Fatalf("unexpected error envelope: %s", string(data))
	}

	res, data = doJSON(t, env.client, http.MethodPatch, base, map[string]any{"description": "routes support tickets"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, env.client, http.MethodPost, base+"/deploy", map[string]any{"environment": "prod"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deploy status %d: %s", res.StatusCode, string(data))
	}
	var receipt domain.DeploymentReceipt
	if err := json.Unmarshal(data, &receipt); err != nil || !receipt.Success {
		t.Fatalf("bad receipt: %s", string(data))
	}
	if receipt.Agent.Status != domain.AgentDeployed {
		t.Fatalf("expected deployed, got %s", receipt.Agent.Status)
	}

	res, data = doJSON(t, env.client, http.MethodDelete, base, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	var del DeleteAgentResponse
	if err := json.Unmarshal(data, &del); err != nil || !del.Deleted {
		t.Fatalf("delete response: %s", string(data))
	}
	res, _ = doJSON(t, env.client, http.MethodGet, base, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status %d", res.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, env.URL+"/v1/agents", nil)
	res, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// health stays open
	res, err = env.client.Do(mustReq(t, http.MethodGet, env.URL+"/v1/health"))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	// dev login mints a usable bearer token
	loginRes, loginData := doJSON(t, env.client, http.MethodPost, env.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "dev-user"}, nil)
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", loginRes.StatusCode, string(loginData))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(loginData, &login); err != nil || login.Token == "" {
		t.Fatalf("login response: %s", string(loginData))
	}
	req, _ = http.NewRequest(http.MethodGet, env.URL+"/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	res, err = env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer request status %d", res.StatusCode)
	}
}

func mustReq(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestServer(t)

	res, data := doJSON(t, env.client, http.MethodPost, env.URL+"/v1/apikeys", map[string]any{"actor_id": "svc-1", "name": "ci"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil || key.Key == "" {
		t.Fatalf("key response: %s", string(data))
	}

	req, _ := http.NewRequest(http.MethodGet, env.URL+"/v1/agents", nil)
	req.Header.Set("X-Api-Key", key.Key)
	httpRes, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	httpRes.Body.Close()
	if httpRes.StatusCode != http.StatusOK {
		t.Fatalf("api key request status %d", httpRes.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, env.URL+"/v1/agents", nil)
	req.Header.Set("X-Api-Key", "af_bogus")
	httpRes, err = env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	httpRes.Body.Close()
	if httpRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key status %d", httpRes.StatusCode)
	}
}

func TestSimulateRunAndConflict(t *testing.T) {
	env := newTestServer(t)
	env.simulator.StepDelay = 50 * time.Millisecond

	def := createAgent(t, env, "runner")
	base := env.URL + "/v1/agents/" + def.ID
	doJSON(t, env.client, http.MethodPost, base+"/nodes", map[string]any{"id": "n1", "type": "trigger"}, nil)

	res, data := doJSON(t, env.client, http.MethodPost, base+"/simulate", map[string]any{}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("simulate status %d: %s", res.StatusCode, string(data))
	}
	var run domain.SimulationRun
	if err := json.Unmarshal(data, &run); err != nil || run.Status != domain.RunRunning {
		t.Fatalf("run response: %s", string(data))
	}

	// a second simulate while the first is running is a 409
	res, data = doJSON(t, env.client, http.MethodPost, base+"/simulate", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envlp struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envlp); err != nil || envlp.Error.Code != "run_in_progress" {
		t.Fatalf("conflict envelope: %s", string(data))
	}
	if envlp.Error.Details["run_id"] != run.ID {
		t.Fatalf("conflict should name the active run: %v", envlp.Error.Details)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		res, data = doJSON(t, env.client, http.MethodGet, env.URL+"/v1/runs/"+run.ID, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get run status %d: %s", res.StatusCode, string(data))
		}
		var got domain.SimulationRun
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal run: %v", err)
		}
		if got.Status == domain.RunSuccess {
			if got.Metrics == nil || got.EndTime == nil {
				t.Fatalf("terminal run missing metrics: %s", string(data))
			}
			break
		}
		if got.Status == domain.RunError {
			t.Fatalf("run failed: %s", string(data))
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never finished: %s", string(data))
		}
		time.Sleep(20 * time.Millisecond)
	}

	// the agent was flipped to testing when the run started
	agentRes, agentData := doJSON(t, env.client, http.MethodGet, base, nil, nil)
	if agentRes.StatusCode != http.StatusOK {
		t.Fatalf("get agent status %d", agentRes.StatusCode)
	}
	var agent domain.AgentDefinition
	_ = json.Unmarshal(agentData, &agent)
	if agent.Status != domain.AgentTesting {
		t.Fatalf("expected testing status, got %s", agent.Status)
	}
}

func TestCancelRunOverHTTP(t *testing.T) {
	env := newTestServer(t)
	env.simulator.StepDelay = time.Hour

	def := createAgent(t, env, "cancellable")
	base := env.URL + "/v1/agents/" + def.ID
	doJSON(t, env.client, http.MethodPost, base+"/nodes", map[string]any{"id": "n1", "type": "trigger"}, nil)

	res, data := doJSON(t, env.client, http.MethodPost, base+"/simulate", map[string]any{}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("simulate status %d: %s", res.StatusCode, string(data))
	}
	var run domain.SimulationRun
	_ = json.Unmarshal(data, &run)

	res, data = doJSON(t, env.client, http.MethodPost, env.URL+"/v1/runs/"+run.ID+"/cancel", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	final, err := env.simulator.Wait(context.Background(), run.ID)
	if err != nil || final.Status != domain.RunError {
		t.Fatalf("cancelled run state: %v %s", err, final.Status)
	}
}

func TestDispatchEndpoint(t *testing.T) {
	env := newTestServer(t)

	res, data := doJSON(t, env.client, http.MethodPost, env.URL+"/v1/dispatch", map[string]any{"query": "how many P1 do we have"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status %d: %s", res.StatusCode, string(data))
	}
	var out DispatchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal dispatch: %v", err)
	}
	if out.Agent != "INVENTORY" {
		t.Fatalf("expected INVENTORY, got %s", out.Agent)
	}
	if out.Result == "" {
		t.Fatal("empty dispatch result")
	}

	// pinning overrides the classifier
	res, data = doJSON(t, env.client, http.MethodPost, env.URL+"/v1/dispatch", map[string]any{"query": "where is my stuff", "agent": "CUSTOMER"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pinned dispatch status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &out)
	if out.Agent != "CUSTOMER" {
		t.Fatalf("expected CUSTOMER, got %s", out.Agent)
	}

	res, data = doJSON(t, env.client, http.MethodPost, env.URL+"/v1/dispatch", map[string]any{"query": ""}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty query status %d: %s", res.StatusCode, string(data))
	}
}

func TestFulfillmentEndpoint(t *testing.T) {
	env := newTestServer(t)

	res, data := doJSON(t, env.client, http.MethodPost, env.URL+"/v1/fulfillment", map[string]any{"order_id": "ORD-9"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fulfillment status %d: %s", res.StatusCode, string(data))
	}
	var report domain.FulfillmentReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Status != domain.ReadyForShipment {
		t.Fatalf("expected ready_for_shipment, got %s", report.Status)
	}
	if len(report.Items) != 1 || !report.Items[0].InStock {
		t.Fatalf("item checks: %+v", report.Items)
	}

	res, data = doJSON(t, env.client, http.MethodPost, env.URL+"/v1/fulfillment", map[string]any{"order_id": ""}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty order id status %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestServer(t)
	createAgent(t, env, "journaled")

	res, data := doJSON(t, env.client, http.MethodGet, env.URL+"/v1/events?limit=10", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []domain.Event
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts) == 0 || evts[0].Type != "agent.created" {
		t.Fatalf("expected agent.created first, got %+v", evts)
	}
}
