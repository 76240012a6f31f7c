package broker

import (
	"context"
	"fmt"

	"github.com/vantrade/edgerun/internal/domain"
)

// OrderRequest is one submission attempt. IdempotencyKey must be unique
// per attempt so resubmission under retry cannot double-fill.
type OrderRequest struct {
	Symbol         string      `json:"symbol"`
	Side           domain.Side `json:"side"`
	Qty            float64     `json:"qty"`
	PriceHint      float64     `json:"price_hint"`
	Reduce         bool        `json:"reduce"` // True when closing or reducing an existing position
	IdempotencyKey string      `json:"idempotency_key"`
}

// OrderResult is the broker's acknowledgment of a fill.
type OrderResult struct {
	OrderID     string  `json:"order_id"`
	FilledQty   float64 `json:"filled_qty"`
	FilledPrice float64 `json:"filled_price"`
	Duplicate   bool    `json:"duplicate"` // True if the idempotency key was already used
}

// Position is broker-reported truth for one symbol.
type Position struct {
	Symbol        string      `json:"symbol"`
	Side          domain.Side `json:"side"`
	Qty           float64     `json:"qty"`
	AvgEntryPrice float64     `json:"avg_entry_price"`
	CurrentPrice  float64     `json:"current_price"`
}

// Account is the broker-reported account state.
type Account struct {
	BuyingPower float64 `json:"buying_power"`
	Equity      float64 `json:"equity"`
}

// RejectedError is a broker-side order rejection. Not retryable with the
// same idempotency key; callers may retry a bounded number of times with a
// fresh key.
type RejectedError struct {
	Symbol string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected for %s: %s", e.Symbol, e.Reason)
}

// Broker is the external brokerage contract consumed by the core.
type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ListPositions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (Account, error)
}
