package capability

import (
	"context"
	"net/http"

	"agentforge/internal/domain"
)

// CustomerHandler adapts the customer records system.
type CustomerHandler struct {
	system
}

// NewCustomer returns a customer handler backed by baseURL.
func NewCustomer(baseURL string, client *http.Client) *CustomerHandler {
	return &CustomerHandler{system: newSystem("customer", baseURL, client)}
}

func (h *CustomerHandler) Tag() Tag { return TagCustomer }

func (h *CustomerHandler) Invoke(ctx context.Context, act Action) (Result, error) {
	switch act.Kind {
	case ActionQuery:
		if act.CustomerID == "" && act.Query == "" {
			return Result{}, domain.Validationf("customer query requires customer_id or query text")
		}
	case ActionUpdate:
		if act.CustomerID == "" {
			return Result{}, domain.Validationf("customer update requires customer_id")
		}
	case ActionCreate:
		if len(act.Fields) == 0 {
			return Result{}, domain.Validationf("customer create requires fields")
		}
	default:
		return Result{}, domain.Validationf("unknown customer action %q", act.Kind)
	}
	return h.call(ctx, act), nil
}
