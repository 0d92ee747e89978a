// Package fulfill implements the fixed order-fulfillment orchestration over
// the order and inventory handlers.
package fulfill

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"agentforge/internal/capability"
	"agentforge/internal/domain"
)

// Pipeline composes the order and inventory handlers. It carries no state of
// its own and is safe for concurrent use.
type Pipeline struct {
	Orders    capability.Handler
	Inventory capability.Handler
}

// New returns a pipeline over the two handlers.
func New(orders, inventory capability.Handler) *Pipeline {
	return &Pipeline{Orders: orders, Inventory: inventory}
}

// lineItem is the slice of the order payload the pipeline cares about.
type lineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type orderPayload struct {
	ID    string     `json:"id"`
	Items []lineItem `json:"items"`
}

// ProcessOrder runs the fulfillment pass for one order:
//
//  1. fetch the order (the only fatal step),
//  2. parse its line items,
//  3. fan out one inventory check per item and barrier on all of them,
//  4. decide ready_for_shipment vs awaiting_stock,
//  5. update the order status unconditionally,
//  6. decrement inventory per item, concurrently, only when ready.
//
// A failed per-item check counts as not-in-stock rather than aborting; the
// report keeps the Failed flag so callers can still tell the two apart.
func (p *Pipeline) ProcessOrder(ctx context.Context, orderID string) (domain.FulfillmentReport, error) {
	if orderID == "" {
		return domain.FulfillmentReport{}, domain.Validationf("order id is required")
	}

	fetched, err := p.Orders.Invoke(ctx, capability.Action{Kind: capability.ActionQuery, OrderID: orderID})
	if err != nil {
		return domain.FulfillmentReport{}, err
	}
	if fetched.Failed {
		return domain.FulfillmentReport{}, domain.TransportError{System: "order", Err: fmt.Errorf("fetch order %s: %s", orderID, fetched.Reason)}
	}

	var order orderPayload
	if err := json.Unmarshal([]byte(fetched.Output), &order); err != nil {
		return domain.FulfillmentReport{}, domain.Validationf("order %s payload is not parseable: %v", orderID, err)
	}

	checks := make([]domain.ItemCheck, len(order.Items))
	var wg sync.WaitGroup
	for i, item := range order.Items {
		wg.Add(1)
		go func(i int, item lineItem) {
			defer wg.Done()
			checks[i] = p.checkItem(ctx, item)
		}(i, item)
	}
	wg.Wait() // barrier: nothing below runs on partial results

	status := domain.ReadyForShipment
	for _, c := range checks {
		if !c.InStock {
			status = domain.AwaitingStock
			break
		}
	}

	updated, err := p.Orders.Invoke(ctx, capability.Action{
		Kind:    capability.ActionUpdate,
		OrderID: orderID,
		Status:  string(status),
	})
	if err != nil {
		return domain.FulfillmentReport{}, err
	}

	if status == domain.ReadyForShipment {
		p.decrementAll(ctx, order.Items)
	}

	return domain.FulfillmentReport{
		OrderID: orderID,
		Status:  status,
		Items:   checks,
		Message: updated.Text(),
	}, nil
}

// checkItem queries stock for one line item. The in-stock decision is a
// case-insensitive substring match against the check text, kept for
// compatibility with the upstream inventory contract; a transport failure is
// the conservative not-in-stock.
func (p *Pipeline) checkItem(ctx context.Context, item lineItem) domain.ItemCheck {
	check := domain.ItemCheck{ProductID: item.ProductID, Quantity: item.Quantity}
	res, err := p.Inventory.Invoke(ctx, capability.Action{Kind: capability.ActionQuery, ProductID: item.ProductID})
	if err != nil {
		check.Failed = true
		check.Detail = err.Error()
		return check
	}
	check.Detail = res.Text()
	if res.Failed {
		check.Failed = true
		return check
	}
	check.InStock = inStock(res.Output)
	return check
}

func inStock(text string) bool {
	lowered := strings.ToLower(text)
	return !strings.Contains(lowered, "insufficient") && !strings.Contains(lowered, "out of stock")
}

// decrementAll issues the per-item inventory decrements concurrently. The
// updates are independent: one failing does not roll back the others.
func (p *Pipeline) decrementAll(ctx context.Context, items []lineItem) {
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item lineItem) {
			defer wg.Done()
			delta := -item.Quantity
			_, _ = p.Inventory.Invoke(ctx, capability.Action{
				Kind:      capability.ActionUpdate,
				ProductID: item.ProductID,
				Quantity:  &delta,
			})
		}(item)
	}
	wg.Wait()
}
