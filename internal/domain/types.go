package domain

import (
	"time"
)

// SignalFamily identifies one raw data family tracked per symbol.
type SignalFamily string

const (
	FamilyFlowConviction    SignalFamily = "flow_conviction"
	FamilyDarkPool          SignalFamily = "dark_pool"
	FamilyGammaExposure     SignalFamily = "gamma_exposure"
	FamilyInsiderActivity   SignalFamily = "insider_activity"
	FamilyInstitutionalFlow SignalFamily = "institutional_flow"
	FamilySentiment         SignalFamily = "sentiment_divergence"
)

// AllFamilies returns the fixed set of tracked signal families.
func AllFamilies() []SignalFamily {
	return []SignalFamily{
		FamilyFlowConviction,
		FamilyDarkPool,
		FamilyGammaExposure,
		FamilyInsiderActivity,
		FamilyInstitutionalFlow,
		FamilySentiment,
	}
}

// FamilyData holds one family's latest payload for a symbol.
type FamilyData struct {
	Family    SignalFamily           `json:"family"`
	Value     float64                `json:"value"`     // Normalized 0.0-1.0 conviction value
	Direction float64                `json:"direction"` // -1.0 bearish .. +1.0 bullish
	Notional  float64                `json:"notional"`  // Underlying USD notional, if applicable
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Signal is the per-symbol snapshot of all known family data.
// Owned by the signal cache and replaced wholesale on refresh.
type Signal struct {
	Symbol        string                      `json:"symbol"`
	Families      map[SignalFamily]FamilyData `json:"families"`
	LastRefreshed time.Time                   `json:"last_refreshed"`
}

// Family returns the family payload and whether it is present.
func (s *Signal) Family(f SignalFamily) (FamilyData, bool) {
	if s == nil || s.Families == nil {
		return FamilyData{}, false
	}
	fd, ok := s.Families[f]
	return fd, ok
}

// Side is the direction of a position or order.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the reverse direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionStatus tracks a position through its lifecycle.
type PositionStatus string

const (
	StatusOpen    PositionStatus = "OPEN"
	StatusClosing PositionStatus = "CLOSING"
	StatusClosed  PositionStatus = "CLOSED"
)

// Position is the internally tracked record of a broker position plus
// entry metadata the broker does not know about.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           float64   `json:"qty"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	EntryScore    float64   `json:"entry_score"`
	EntryRegime   string    `json:"entry_regime"`
	EntryTime     time.Time `json:"entry_time"`
	HighWaterMark float64   `json:"high_water_mark"`
	// EntryContributions is the component breakdown of the entry score,
	// kept so realized outcomes can be attributed back to the components
	// that argued for the trade.
	EntryContributions map[string]float64 `json:"entry_contributions,omitempty"`
	Status             PositionStatus     `json:"status"`
	ClosedAt           time.Time          `json:"closed_at,omitempty"`
	CloseReason        string             `json:"close_reason,omitempty"`
}

// UnrealizedPnLPct returns the signed percent return of the position.
func (p *Position) UnrealizedPnLPct() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	raw := (p.CurrentPrice/p.EntryPrice - 1.0) * 100
	if p.Side == SideShort {
		return -raw
	}
	return raw
}

// CompositeScore is the immutable per-cycle scoring record for a symbol.
type CompositeScore struct {
	Symbol        string             `json:"symbol"`
	RawScore      float64            `json:"raw_score"`     // Weighted component sum before adjustments
	RegimeScore   float64            `json:"regime_score"`  // After regime multipliers
	FinalScore    float64            `json:"final_score"`   // After freshness adjustment and clamping
	Freshness     float64            `json:"freshness"`     // Applied freshness factor
	Direction     Side               `json:"direction"`     // Net directional read of the components
	Contributions map[string]float64 `json:"contributions"` // component -> signed contribution
	Regime        string             `json:"regime"`
	Source        string             `json:"source"`
	ComputedAt    time.Time          `json:"computed_at"`
}

// GateDecision is one gate's verdict for one candidate in one cycle.
// Append-only audit record.
type GateDecision struct {
	Symbol    string    `json:"symbol"`
	Gate      string    `json:"gate"`
	Passed    bool      `json:"passed"`
	Bypassed  bool      `json:"bypassed,omitempty"`
	Score     float64   `json:"score"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeOutcome is a realized result fed back into the weight learner.
type TradeOutcome struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	PnLPct     float64   `json:"pnl_pct"`
	Win        bool      `json:"win"`
	Regime     string    `json:"regime"` // Regime the trade was entered under
	EntryScore float64   `json:"entry_score"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}
