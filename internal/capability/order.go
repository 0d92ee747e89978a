package capability

import (
	"context"
	"net/http"

	"agentforge/internal/domain"
)

// OrderHandler adapts the order management system. It is the broadest of the
// three families: order records reference inventory items and customers, so
// the dispatcher falls back to it for unclassifiable requests.
type OrderHandler struct {
	system
}

// NewOrder returns an order handler backed by baseURL.
func NewOrder(baseURL string, client *http.Client) *OrderHandler {
	return &OrderHandler{system: newSystem("order", baseURL, client)}
}

func (h *OrderHandler) Tag() Tag { return TagOrder }

func (h *OrderHandler) Invoke(ctx context.Context, act Action) (Result, error) {
	switch act.Kind {
	case ActionQuery:
		if act.OrderID == "" && act.Query == "" {
			return Result{}, domain.Validationf("order query requires order_id or query text")
		}
	case ActionUpdate:
		if act.OrderID == "" {
			return Result{}, domain.Validationf("order update requires order_id")
		}
		if act.Status == "" {
			return Result{}, domain.Validationf("order update requires status")
		}
	case ActionCreate:
		if len(act.Fields) == 0 {
			return Result{}, domain.Validationf("order create requires fields")
		}
	default:
		return Result{}, domain.Validationf("unknown order action %q", act.Kind)
	}
	return h.call(ctx, act), nil
}
