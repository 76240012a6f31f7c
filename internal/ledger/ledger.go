package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vantrade/edgerun/internal/broker"
	"github.com/vantrade/edgerun/internal/domain"
)

// Config holds submission retry bounds.
type Config struct {
	MaxSubmitAttempts int `yaml:"max_submit_attempts"` // Fresh-key retries on rejection, default 3
}

// DefaultConfig returns the standard ledger configuration.
func DefaultConfig() Config {
	return Config{MaxSubmitAttempts: 3}
}

// State is the persistable ledger snapshot.
type State struct {
	Positions    map[string]domain.Position `json:"positions"`
	LastTradeAt  map[string]time.Time       `json:"last_trade_at"`
	ClosedTrades int                        `json:"closed_trades"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Ghosts      []string `json:"ghosts"`       // Internal positions absent at the broker, marked CLOSED
	Adopted     []string `json:"adopted"`      // Broker positions unknown internally, adopted without metadata
	QtyAdjusted []string `json:"qty_adjusted"` // Quantity corrected to broker truth
}

// Ledger owns every Position record, keyed by symbol. Broker-reported
// state is authoritative for existence and quantity; internally tracked
// entry metadata is merged by symbol key, never via pointer aliasing.
type Ledger struct {
	mu           sync.Mutex
	broker       broker.Broker
	config       Config
	positions    map[string]*domain.Position
	lastTradeAt  map[string]time.Time
	closed       []domain.Position // Recent closes, newest last, bounded
	closedTrades int
	clock        func() time.Time
}

// closedHistoryLimit bounds the in-memory closed-position audit trail.
const closedHistoryLimit = 500

// NewLedger creates a ledger over the given broker.
func NewLedger(b broker.Broker, config Config) *Ledger {
	return &Ledger{
		broker:      b,
		config:      config,
		positions:   make(map[string]*domain.Position),
		lastTradeAt: make(map[string]time.Time),
		clock:       time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (l *Ledger) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// Open submits an entry order and records the position with its entry
// metadata. Each attempt carries a unique idempotency key; a rejection is
// retried with a fresh key up to the configured bound.
func (l *Ledger) Open(ctx context.Context, score domain.CompositeScore, qty, price float64) (*domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	symbol := score.Symbol
	if existing, ok := l.positions[symbol]; ok && existing.Status == domain.StatusOpen {
		return nil, fmt.Errorf("open position already exists for %s", symbol)
	}

	result, err := l.submit(ctx, broker.OrderRequest{
		Symbol:    symbol,
		Side:      score.Direction,
		Qty:       qty,
		PriceHint: price,
	})
	if err != nil {
		return nil, err
	}

	now := l.clock()
	pos := &domain.Position{
		Symbol:             symbol,
		Side:               score.Direction,
		Qty:                result.FilledQty,
		EntryPrice:         result.FilledPrice,
		CurrentPrice:       result.FilledPrice,
		EntryScore:         score.FinalScore,
		EntryRegime:        score.Regime,
		EntryTime:          now,
		HighWaterMark:      result.FilledPrice,
		EntryContributions: score.Contributions,
		Status:             domain.StatusOpen,
	}
	l.positions[symbol] = pos
	l.lastTradeAt[symbol] = now

	log.Info().
		Str("symbol", symbol).
		Str("side", string(pos.Side)).
		Float64("qty", pos.Qty).
		Float64("price", pos.EntryPrice).
		Float64("score", pos.EntryScore).
		Msg("position opened")

	return l.copyOf(pos), nil
}

// Close submits a closing order for the full position and returns the
// realized outcome for the weight learner.
func (l *Ledger) Close(ctx context.Context, symbol, reason string, price float64) (domain.TradeOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked(ctx, symbol, reason, price)
}

func (l *Ledger) closeLocked(ctx context.Context, symbol, reason string, price float64) (domain.TradeOutcome, error) {
	pos, ok := l.positions[symbol]
	if !ok || pos.Status != domain.StatusOpen {
		return domain.TradeOutcome{}, fmt.Errorf("no open position for %s", symbol)
	}

	pos.Status = domain.StatusClosing
	_, err := l.submit(ctx, broker.OrderRequest{
		Symbol:    symbol,
		Side:      pos.Side.Opposite(),
		Qty:       pos.Qty,
		PriceHint: price,
		Reduce:    true,
	})
	if err != nil {
		pos.Status = domain.StatusOpen
		return domain.TradeOutcome{}, err
	}

	pos.CurrentPrice = price
	outcome := l.finalizeClose(pos, reason)
	return outcome, nil
}

// finalizeClose marks a position CLOSED and builds its outcome record.
// Callers must hold the lock.
func (l *Ledger) finalizeClose(pos *domain.Position, reason string) domain.TradeOutcome {
	now := l.clock()
	pos.Status = domain.StatusClosed
	pos.ClosedAt = now
	pos.CloseReason = reason
	l.closedTrades++
	l.lastTradeAt[pos.Symbol] = now

	pnl := pos.UnrealizedPnLPct()
	outcome := domain.TradeOutcome{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		PnLPct:     pnl,
		Win:        pnl > 0,
		Regime:     pos.EntryRegime,
		EntryScore: pos.EntryScore,
		OpenedAt:   pos.EntryTime,
		ClosedAt:   now,
	}

	log.Info().
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Float64("pnl_pct", pnl).
		Msg("position closed")

	l.closed = append(l.closed, *l.copyOf(pos))
	if len(l.closed) > closedHistoryLimit {
		l.closed = l.closed[len(l.closed)-closedHistoryLimit:]
	}
	delete(l.positions, pos.Symbol)
	return outcome
}

// ClosedPositions returns copies of the recent closed-position records,
// newest last.
func (l *Ledger) ClosedPositions() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, len(l.closed))
	copy(out, l.closed)
	return out
}

// Reduce trims an open position by a fraction without closing it.
func (l *Ledger) Reduce(ctx context.Context, symbol string, fraction, price float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok || pos.Status != domain.StatusOpen {
		return fmt.Errorf("no open position for %s", symbol)
	}
	if fraction <= 0 || fraction >= 1 {
		return fmt.Errorf("reduce fraction must be in (0,1), got %.2f", fraction)
	}

	qty := pos.Qty * fraction
	_, err := l.submit(ctx, broker.OrderRequest{
		Symbol:    symbol,
		Side:      pos.Side.Opposite(),
		Qty:       qty,
		PriceHint: price,
		Reduce:    true,
	})
	if err != nil {
		return err
	}

	pos.Qty -= qty
	pos.CurrentPrice = price
	l.lastTradeAt[symbol] = l.clock()
	return nil
}

// Flip atomically closes the opposing position and opens the new one,
// producing exactly one close outcome and one new position record.
func (l *Ledger) Flip(ctx context.Context, score domain.CompositeScore, qty, price float64) (domain.TradeOutcome, *domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.positions[score.Symbol]
	if !ok || existing.Status != domain.StatusOpen {
		return domain.TradeOutcome{}, nil, fmt.Errorf("flip requires an open position for %s", score.Symbol)
	}
	if existing.Side == score.Direction {
		return domain.TradeOutcome{}, nil, fmt.Errorf("flip requires an opposite-direction position for %s", score.Symbol)
	}

	outcome, err := l.closeLocked(ctx, score.Symbol, "flip", price)
	if err != nil {
		return domain.TradeOutcome{}, nil, fmt.Errorf("flip close failed: %w", err)
	}

	result, err := l.submit(ctx, broker.OrderRequest{
		Symbol:    score.Symbol,
		Side:      score.Direction,
		Qty:       qty,
		PriceHint: price,
	})
	if err != nil {
		// The close already happened; surface the half-completed flip
		// rather than resurrecting the old record.
		return outcome, nil, fmt.Errorf("flip reopen failed: %w", err)
	}

	now := l.clock()
	pos := &domain.Position{
		Symbol:             score.Symbol,
		Side:               score.Direction,
		Qty:                result.FilledQty,
		EntryPrice:         result.FilledPrice,
		CurrentPrice:       result.FilledPrice,
		EntryScore:         score.FinalScore,
		EntryRegime:        score.Regime,
		EntryTime:          now,
		HighWaterMark:      result.FilledPrice,
		EntryContributions: score.Contributions,
		Status:             domain.StatusOpen,
	}
	l.positions[score.Symbol] = pos
	l.lastTradeAt[score.Symbol] = now

	log.Info().
		Str("symbol", score.Symbol).
		Str("new_side", string(score.Direction)).
		Float64("close_pnl_pct", outcome.PnLPct).
		Msg("position flipped")

	return outcome, l.copyOf(pos), nil
}

// submit sends an order with a fresh idempotency key per attempt,
// retrying rejections up to the configured bound. Callers hold the lock.
func (l *Ledger) submit(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	attempts := l.config.MaxSubmitAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		req.IdempotencyKey = uuid.NewString()
		result, err := l.broker.SubmitOrder(ctx, req)
		if err == nil {
			return result, nil
		}

		var rejected *broker.RejectedError
		if !errors.As(err, &rejected) {
			return broker.OrderResult{}, err // Transport errors are not retried here
		}

		lastErr = err
		log.Warn().
			Str("symbol", req.Symbol).
			Int("attempt", attempt).
			Str("reason", rejected.Reason).
			Msg("order rejected, retrying with fresh key")
	}
	return broker.OrderResult{}, fmt.Errorf("order for %s rejected after %d attempts: %w", req.Symbol, attempts, lastErr)
}

// UpdateMark moves a position's current price and advances its high-water
// mark when the move is favorable.
func (l *Ledger) UpdateMark(symbol string, price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return
	}
	pos.CurrentPrice = price
	switch pos.Side {
	case domain.SideLong:
		if price > pos.HighWaterMark {
			pos.HighWaterMark = price
		}
	case domain.SideShort:
		if pos.HighWaterMark == 0 || price < pos.HighWaterMark {
			pos.HighWaterMark = price
		}
	}
}

// Reconcile aligns internal records with broker truth. Internal positions
// the broker does not report are ghosts: marked CLOSED without submitting
// anything. Broker positions unknown internally are adopted with empty
// entry metadata. Quantities follow the broker.
func (l *Ledger) Reconcile(ctx context.Context) (ReconcileReport, error) {
	brokerPositions, err := l.broker.ListPositions(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("failed to list broker positions: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	report := ReconcileReport{}
	bySymbol := make(map[string]broker.Position, len(brokerPositions))
	for _, bp := range brokerPositions {
		bySymbol[bp.Symbol] = bp
	}

	for symbol, pos := range l.positions {
		bp, ok := bySymbol[symbol]
		if !ok {
			// Ghost: closed externally. Resolve without re-submitting.
			pos.Status = domain.StatusClosed
			pos.ClosedAt = l.clock()
			pos.CloseReason = "reconcile_ghost"
			l.closedTrades++
			l.closed = append(l.closed, *l.copyOf(pos))
			delete(l.positions, symbol)
			report.Ghosts = append(report.Ghosts, symbol)
			log.Warn().Str("symbol", symbol).Msg("ghost position resolved as externally closed")
			continue
		}
		if pos.Qty != bp.Qty {
			pos.Qty = bp.Qty
			report.QtyAdjusted = append(report.QtyAdjusted, symbol)
		}
		pos.CurrentPrice = bp.CurrentPrice
		pos.Side = bp.Side
	}

	for symbol, bp := range bySymbol {
		if _, ok := l.positions[symbol]; ok {
			continue
		}
		l.positions[symbol] = &domain.Position{
			Symbol:        symbol,
			Side:          bp.Side,
			Qty:           bp.Qty,
			EntryPrice:    bp.AvgEntryPrice,
			CurrentPrice:  bp.CurrentPrice,
			EntryTime:     l.clock(),
			HighWaterMark: bp.CurrentPrice,
			Status:        domain.StatusOpen,
		}
		report.Adopted = append(report.Adopted, symbol)
		log.Warn().Str("symbol", symbol).Msg("adopted broker position unknown to ledger")
	}

	return report, nil
}

// Get returns a copy of one position record.
func (l *Ledger) Get(symbol string) (domain.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *l.copyOf(pos), true
}

// OpenPositions returns copies of all open positions.
func (l *Ledger) OpenPositions() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		if pos.Status == domain.StatusOpen {
			out = append(out, *l.copyOf(pos))
		}
	}
	return out
}

// LastTradeTimes returns a copy of the per-symbol last trade timestamps,
// for the cooldown gate's portfolio snapshot.
func (l *Ledger) LastTradeTimes() map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]time.Time, len(l.lastTradeAt))
	for k, v := range l.lastTradeAt {
		out[k] = v
	}
	return out
}

// ClosedTrades returns the realized trade count, which drives the gate
// stage progression.
func (l *Ledger) ClosedTrades() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closedTrades
}

// Snapshot returns the persistable ledger state.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := State{
		Positions:    make(map[string]domain.Position, len(l.positions)),
		LastTradeAt:  make(map[string]time.Time, len(l.lastTradeAt)),
		ClosedTrades: l.closedTrades,
	}
	for symbol, pos := range l.positions {
		state.Positions[symbol] = *l.copyOf(pos)
	}
	for k, v := range l.lastTradeAt {
		state.LastTradeAt[k] = v
	}
	return state
}

// Restore loads persisted ledger state at startup.
func (l *Ledger) Restore(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for symbol, pos := range state.Positions {
		copied := pos
		l.positions[symbol] = &copied
	}
	for k, v := range state.LastTradeAt {
		l.lastTradeAt[k] = v
	}
	l.closedTrades = state.ClosedTrades
}

// copyOf deep-copies a position so callers never alias ledger-owned
// records.
func (l *Ledger) copyOf(pos *domain.Position) *domain.Position {
	copied := *pos
	if pos.EntryContributions != nil {
		copied.EntryContributions = make(map[string]float64, len(pos.EntryContributions))
		for k, v := range pos.EntryContributions {
			copied.EntryContributions[k] = v
		}
	}
	return &copied
}
