package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vantrade/edgerun/internal/domain"
)

// PaperBroker is an in-memory brokerage for dry runs and tests. Fills
// every order at the price hint, tracks positions and buying power, and
// enforces idempotency-key deduplication the way a real venue would.
type PaperBroker struct {
	mu        sync.Mutex
	positions map[string]*Position
	account   Account
	seenKeys  map[string]OrderResult
	rejectAll bool
}

// NewPaperBroker creates a paper broker with the given starting equity.
func NewPaperBroker(startingEquity float64) *PaperBroker {
	return &PaperBroker{
		positions: make(map[string]*Position),
		account:   Account{BuyingPower: startingEquity, Equity: startingEquity},
		seenKeys:  make(map[string]OrderResult),
	}
}

// SetRejectAll makes every subsequent submission fail, for tests.
func (b *PaperBroker) SetRejectAll(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectAll = reject
}

// SubmitOrder fills the order at the price hint. A reused idempotency key
// returns the original result marked duplicate instead of filling again.
func (b *PaperBroker) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.IdempotencyKey == "" {
		return OrderResult{}, &RejectedError{Symbol: req.Symbol, Reason: "missing idempotency key"}
	}
	if prior, ok := b.seenKeys[req.IdempotencyKey]; ok {
		dup := prior
		dup.Duplicate = true
		return dup, nil
	}
	if b.rejectAll {
		return OrderResult{}, &RejectedError{Symbol: req.Symbol, Reason: "venue rejected order"}
	}
	if req.Qty <= 0 || req.PriceHint <= 0 {
		return OrderResult{}, &RejectedError{Symbol: req.Symbol, Reason: fmt.Sprintf("invalid order: qty=%.2f price=%.2f", req.Qty, req.PriceHint)}
	}

	notional := req.Qty * req.PriceHint
	if !req.Reduce && notional > b.account.BuyingPower {
		return OrderResult{}, &RejectedError{Symbol: req.Symbol, Reason: fmt.Sprintf("insufficient buying power: need $%.0f, have $%.0f", notional, b.account.BuyingPower)}
	}

	if req.Reduce {
		b.applyReduce(req)
	} else {
		b.applyOpen(req, notional)
	}

	result := OrderResult{
		OrderID:     uuid.NewString(),
		FilledQty:   req.Qty,
		FilledPrice: req.PriceHint,
	}
	b.seenKeys[req.IdempotencyKey] = result

	log.Debug().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("qty", req.Qty).
		Float64("price", req.PriceHint).
		Bool("reduce", req.Reduce).
		Msg("paper fill")

	return result, nil
}

func (b *PaperBroker) applyOpen(req OrderRequest, notional float64) {
	pos, ok := b.positions[req.Symbol]
	if !ok || pos.Side != req.Side {
		b.positions[req.Symbol] = &Position{
			Symbol:        req.Symbol,
			Side:          req.Side,
			Qty:           req.Qty,
			AvgEntryPrice: req.PriceHint,
			CurrentPrice:  req.PriceHint,
		}
	} else {
		total := pos.Qty + req.Qty
		pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Qty + req.PriceHint*req.Qty) / total
		pos.Qty = total
		pos.CurrentPrice = req.PriceHint
	}
	b.account.BuyingPower -= notional
}

func (b *PaperBroker) applyReduce(req OrderRequest) {
	pos, ok := b.positions[req.Symbol]
	if !ok {
		return
	}
	closed := req.Qty
	if closed > pos.Qty {
		closed = pos.Qty
	}
	pnlPerShare := req.PriceHint - pos.AvgEntryPrice
	if pos.Side == domain.SideShort {
		pnlPerShare = -pnlPerShare
	}
	b.account.BuyingPower += closed*pos.AvgEntryPrice + closed*pnlPerShare
	b.account.Equity += closed * pnlPerShare

	pos.Qty -= closed
	pos.CurrentPrice = req.PriceHint
	if pos.Qty <= 0 {
		delete(b.positions, req.Symbol)
	}
}

// ListPositions returns broker truth for all open positions.
func (b *PaperBroker) ListPositions(ctx context.Context) ([]Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out, nil
}

// GetAccount returns the simulated account state.
func (b *PaperBroker) GetAccount(ctx context.Context) (Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.account, nil
}

// MarkPrice updates a symbol's mark, moving equity with unrealized P&L.
func (b *PaperBroker) MarkPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos, ok := b.positions[symbol]; ok {
		pos.CurrentPrice = price
	}
}

// DropPosition removes a position without a fill, simulating an external
// close (manual intervention, corporate action) for reconciliation tests.
func (b *PaperBroker) DropPosition(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, symbol)
}
