package exits

import (
	"fmt"
	"time"

	"github.com/vantrade/edgerun/internal/domain"
)

// Action classifies exit urgency.
type Action int

const (
	Hold Action = iota
	Reduce
	Exit
)

func (a Action) String() string {
	switch a {
	case Hold:
		return "hold"
	case Reduce:
		return "reduce"
	case Exit:
		return "exit"
	default:
		return "unknown"
	}
}

// Inputs contains all data required for one position's exit evaluation.
type Inputs struct {
	Position     domain.Position `json:"position"`
	CurrentScore float64         `json:"current_score"` // Latest composite score for the symbol
	FlowReversal float64         `json:"flow_reversal"` // 0.0-1.0, strength of adverse flow
	Momentum24h  float64         `json:"momentum_24h"`  // Percent, signed
	Now          time.Time       `json:"now"`
}

// Result is the exit verdict for one position in one cycle.
type Result struct {
	Symbol        string             `json:"symbol"`
	Action        Action             `json:"action"`
	Urgency       float64            `json:"urgency"` // 0-100
	HardOverride  bool               `json:"hard_override"`
	TriggeredBy   string             `json:"triggered_by"`
	Components    map[string]float64 `json:"components"`
	UnrealizedPnL float64            `json:"unrealized_pnl"` // Percent
	HoursHeld     float64            `json:"hours_held"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Config holds the exit model weights, thresholds, and hard overrides.
type Config struct {
	// Hard overrides, always evaluated first and always decisive.
	StopLossPct     float64 `yaml:"stop_loss_pct"`     // Default -8.0
	ProfitTargetPct float64 `yaml:"profit_target_pct"` // Default +20.0

	// Urgency model weights, each component contributes 0-100 scaled.
	WeightScoreDecay       float64 `yaml:"weight_score_decay"`       // Default 0.30
	WeightFlowReversal     float64 `yaml:"weight_flow_reversal"`     // Default 0.25
	WeightDrawdownVelocity float64 `yaml:"weight_drawdown_velocity"` // Default 0.20
	WeightTimeDecay        float64 `yaml:"weight_time_decay"`        // Default 0.10
	WeightMomentumReversal float64 `yaml:"weight_momentum_reversal"` // Default 0.15

	// Classification thresholds on the 0-100 urgency score.
	ReduceThreshold float64 `yaml:"reduce_threshold"` // Default 40
	ExitThreshold   float64 `yaml:"exit_threshold"`   // Default 70

	MaxHoldHours float64 `yaml:"max_hold_hours"` // Time decay saturates here, default 72
}

// DefaultConfig returns the production exit model parameters.
func DefaultConfig() Config {
	return Config{
		StopLossPct:            -8.0,
		ProfitTargetPct:        20.0,
		WeightScoreDecay:       0.30,
		WeightFlowReversal:     0.25,
		WeightDrawdownVelocity: 0.20,
		WeightTimeDecay:        0.10,
		WeightMomentumReversal: 0.15,
		ReduceThreshold:        40,
		ExitThreshold:          70,
		MaxHoldHours:           72,
	}
}

// Scorer evaluates open positions for exit once per cycle. The weighted
// urgency model is separate from entry scoring; the stop-loss and
// profit-target overrides bypass it entirely and always win.
type Scorer struct {
	config Config
}

// NewScorer creates an exit scorer with the given config.
func NewScorer(config Config) *Scorer {
	return &Scorer{config: config}
}

// Evaluate computes the exit verdict for one open position.
func (s *Scorer) Evaluate(in Inputs) Result {
	pos := in.Position
	pnl := pos.UnrealizedPnLPct()
	hoursHeld := in.Now.Sub(pos.EntryTime).Hours()

	result := Result{
		Symbol:        pos.Symbol,
		Action:        Hold,
		UnrealizedPnL: pnl,
		HoursHeld:     hoursHeld,
		Timestamp:     in.Now,
	}

	// Hard overrides first. These fire on realized P&L alone, regardless
	// of what the weighted model says.
	if pnl <= s.config.StopLossPct {
		result.Action = Exit
		result.HardOverride = true
		result.Urgency = 100
		result.TriggeredBy = fmt.Sprintf("stop loss: %.1f%% <= %.1f%%", pnl, s.config.StopLossPct)
		return result
	}
	if pnl >= s.config.ProfitTargetPct {
		result.Action = Exit
		result.HardOverride = true
		result.Urgency = 100
		result.TriggeredBy = fmt.Sprintf("profit target: %.1f%% >= %.1f%%", pnl, s.config.ProfitTargetPct)
		return result
	}

	components := s.components(in, pnl, hoursHeld)
	urgency := 0.0
	for _, v := range components {
		urgency += v
	}
	urgency = clamp(urgency, 0, 100)

	result.Components = components
	result.Urgency = urgency

	switch {
	case urgency >= s.config.ExitThreshold:
		result.Action = Exit
		result.TriggeredBy = fmt.Sprintf("urgency %.0f >= exit threshold %.0f", urgency, s.config.ExitThreshold)
	case urgency >= s.config.ReduceThreshold:
		result.Action = Reduce
		result.TriggeredBy = fmt.Sprintf("urgency %.0f >= reduce threshold %.0f", urgency, s.config.ReduceThreshold)
	default:
		result.TriggeredBy = fmt.Sprintf("urgency %.0f below thresholds", urgency)
	}
	return result
}

// components computes the weighted urgency breakdown, each term scaled so
// a fully adverse reading contributes its weight times 100.
func (s *Scorer) components(in Inputs, pnl, hoursHeld float64) map[string]float64 {
	pos := in.Position

	// Entry-score decay: how much of the conviction at entry has evaporated.
	scoreDecay := 0.0
	if pos.EntryScore > 0 {
		ratio := in.CurrentScore / pos.EntryScore
		scoreDecay = clamp(1.0-ratio, 0, 1)
	}

	// Drawdown velocity: distance from the high-water mark, against us.
	drawdown := 0.0
	if pos.HighWaterMark > 0 && pos.EntryPrice > 0 {
		fromHWM := (pos.HighWaterMark - pos.CurrentPrice) / pos.HighWaterMark
		if pos.Side == domain.SideShort {
			fromHWM = -fromHWM
		}
		drawdown = clamp(fromHWM/0.10, 0, 1) // 10% off the mark saturates
	}

	// Time-in-trade decay: stale theses get stale exits.
	timeDecay := 0.0
	if s.config.MaxHoldHours > 0 {
		timeDecay = clamp(hoursHeld/s.config.MaxHoldHours, 0, 1)
	}

	// Momentum reversal against the position.
	reversal := in.Momentum24h
	if pos.Side == domain.SideLong {
		reversal = -reversal
	}
	momentum := clamp(reversal/5.0, 0, 1) // 5% adverse move saturates

	return map[string]float64{
		"score_decay":       s.config.WeightScoreDecay * 100 * scoreDecay,
		"flow_reversal":     s.config.WeightFlowReversal * 100 * clamp(in.FlowReversal, 0, 1),
		"drawdown_velocity": s.config.WeightDrawdownVelocity * 100 * drawdown,
		"time_decay":        s.config.WeightTimeDecay * 100 * timeDecay,
		"momentum_reversal": s.config.WeightMomentumReversal * 100 * momentum,
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
