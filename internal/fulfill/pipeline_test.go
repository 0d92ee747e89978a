package fulfill_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"agentforge/internal/capability"
	"agentforge/internal/domain"
	"agentforge/internal/fulfill"
)

// fakeOrders serves a canned order and records status updates.
type fakeOrders struct {
	mu         sync.Mutex
	orderJSON  string
	fetchFails bool
	updates    []capability.Action
}

func (f *fakeOrders) Tag() capability.Tag { return capability.TagOrder }

func (f *fakeOrders) Invoke(ctx context.Context, act capability.Action) (capability.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch act.Kind {
	case capability.ActionQuery:
		if f.fetchFails {
			return capability.Failure("could not reach order system: connection refused"), nil
		}
		return capability.Result{Output: f.orderJSON}, nil
	case capability.ActionUpdate:
		f.updates = append(f.updates, act)
		return capability.Result{Output: "order " + act.OrderID + " set to " + act.Status}, nil
	}
	return capability.Result{}, domain.Validationf("unexpected action %q", act.Kind)
}

// fakeInventory answers stock checks per product and records decrements.
type fakeInventory struct {
	mu         sync.Mutex
	stock      map[string]string // productID -> check text
	failChecks map[string]bool   // productID -> simulate transport failure
	decrements []capability.Action
}

func (f *fakeInventory) Tag() capability.Tag { return capability.TagInventory }

func (f *fakeInventory) Invoke(ctx context.Context, act capability.Action) (capability.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch act.Kind {
	case capability.ActionQuery:
		if f.failChecks[act.ProductID] {
			return capability.Failure("could not reach inventory system: timeout"), nil
		}
		return capability.Result{Output: f.stock[act.ProductID]}, nil
	case capability.ActionUpdate:
		f.decrements = append(f.decrements, act)
		return capability.Result{Output: "updated"}, nil
	}
	return capability.Result{}, domain.Validationf("unexpected action %q", act.Kind)
}

const ord1 = `{"id":"ORD-1","items":[{"product_id":"P1","quantity":5},{"product_id":"P2","quantity":2}]}`

func TestAllItemsInStockShipsAndDecrements(t *testing.T) {
	orders := &fakeOrders{orderJSON: ord1}
	inv := &fakeInventory{stock: map[string]string{
		"P1": "42 units available",
		"P2": "18 units available",
	}}
	p := fulfill.New(orders, inv)

	report, err := p.ProcessOrder(context.Background(), "ORD-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != domain.ReadyForShipment {
		t.Fatalf("expected ready_for_shipment, got %s", report.Status)
	}
	if len(report.Items) != 2 || !report.Items[0].InStock || !report.Items[1].InStock {
		t.Fatalf("unexpected item checks: %+v", report.Items)
	}
	if len(inv.decrements) != 2 {
		t.Fatalf("expected one decrement per item, got %d", len(inv.decrements))
	}
	byProduct := map[string]int{}
	for _, d := range inv.decrements {
		if d.Quantity == nil {
			t.Fatalf("decrement without quantity: %+v", d)
		}
		byProduct[d.ProductID] = *d.Quantity
	}
	if byProduct["P1"] != -5 || byProduct["P2"] != -2 {
		t.Fatalf("wrong decrement quantities: %v", byProduct)
	}
	if len(orders.updates) != 1 || orders.updates[0].Status != string(domain.ReadyForShipment) {
		t.Fatalf("order status not updated: %+v", orders.updates)
	}
	if report.Message == "" {
		t.Fatalf("expected processing message from update step")
	}
}

func TestInsufficientStockAwaitsAndSkipsDecrements(t *testing.T) {
	orders := &fakeOrders{orderJSON: ord1}
	inv := &fakeInventory{stock: map[string]string{
		"P1": "42 units available",
		"P2": "Insufficient stock: 1 unit left",
	}}
	p := fulfill.New(orders, inv)

	report, err := p.ProcessOrder(context.Background(), "ORD-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != domain.AwaitingStock {
		t.Fatalf("expected awaiting_stock, got %s", report.Status)
	}
	if len(inv.decrements) != 0 {
		t.Fatalf("expected zero decrements, got %d", len(inv.decrements))
	}
	// status update still runs for the awaiting outcome
	if len(orders.updates) != 1 || orders.updates[0].Status != string(domain.AwaitingStock) {
		t.Fatalf("expected unconditional status update: %+v", orders.updates)
	}
}

func TestOutOfStockSubstringMatchesCaseInsensitive(t *testing.T) {
	orders := &fakeOrders{orderJSON: ord1}
	inv := &fakeInventory{stock: map[string]string{
		"P1": "item is OUT OF STOCK until next week",
		"P2": "18 units available",
	}}
	report, err := fulfill.New(orders, inv).ProcessOrder(context.Background(), "ORD-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != domain.AwaitingStock {
		t.Fatalf("expected awaiting_stock, got %s", report.Status)
	}
	if report.Items[0].InStock {
		t.Fatalf("P1 should be out of stock")
	}
}

func TestPerItemTransportFailureIsConservative(t *testing.T) {
	orders := &fakeOrders{orderJSON: ord1}
	inv := &fakeInventory{
		stock:      map[string]string{"P1": "42 units available"},
		failChecks: map[string]bool{"P2": true},
	}
	report, err := fulfill.New(orders, inv).ProcessOrder(context.Background(), "ORD-1")
	if err != nil {
		t.Fatalf("per-item failure must not abort the pipeline: %v", err)
	}
	if report.Status != domain.AwaitingStock {
		t.Fatalf("expected awaiting_stock, got %s", report.Status)
	}
	var failed *domain.ItemCheck
	for i := range report.Items {
		if report.Items[i].ProductID == "P2" {
			failed = &report.Items[i]
		}
	}
	if failed == nil || !failed.Failed || failed.InStock {
		t.Fatalf("P2 check should be flagged failed and not in stock: %+v", report.Items)
	}
}

func TestOrderFetchFailureIsFatal(t *testing.T) {
	orders := &fakeOrders{fetchFails: true}
	inv := &fakeInventory{}
	_, err := fulfill.New(orders, inv).ProcessOrder(context.Background(), "ORD-1")
	var te domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if len(orders.updates) != 0 {
		t.Fatalf("no update should run after fatal fetch")
	}
}

func TestUnparseableOrderPayload(t *testing.T) {
	orders := &fakeOrders{orderJSON: "this is not json"}
	_, err := fulfill.New(orders, &fakeInventory{}).ProcessOrder(context.Background(), "ORD-1")
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestEmptyOrderID(t *testing.T) {
	_, err := fulfill.New(&fakeOrders{}, &fakeInventory{}).ProcessOrder(context.Background(), "")
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
