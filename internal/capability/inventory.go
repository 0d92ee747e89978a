package capability

import (
	"context"
	"net/http"

	"agentforge/internal/domain"
)

// InventoryHandler adapts the stock-keeping system.
type InventoryHandler struct {
	system
}

// NewInventory returns an inventory handler backed by baseURL. client may be
// nil for a default 10s-timeout client.
func NewInventory(baseURL string, client *http.Client) *InventoryHandler {
	return &InventoryHandler{system: newSystem("inventory", baseURL, client)}
}

func (h *InventoryHandler) Tag() Tag { return TagInventory }

// Invoke validates the action shape and issues the stock call. Queries need
// a product id or free text; updates need a product id, with quantity and
// location optional.
func (h *InventoryHandler) Invoke(ctx context.Context, act Action) (Result, error) {
	switch act.Kind {
	case ActionQuery:
		if act.ProductID == "" && act.Query == "" {
			return Result{}, domain.Validationf("inventory query requires product_id or query text")
		}
	case ActionUpdate:
		if act.ProductID == "" {
			return Result{}, domain.Validationf("inventory update requires product_id")
		}
	case ActionCreate:
		if len(act.Fields) == 0 {
			return Result{}, domain.Validationf("inventory create requires fields")
		}
	default:
		return Result{}, domain.Validationf("unknown inventory action %q", act.Kind)
	}
	return h.call(ctx, act), nil
}
