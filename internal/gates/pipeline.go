package gates

import (
	"fmt"
	"time"

	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/regime"
)

// Candidate is a scored symbol under consideration for entry.
type Candidate struct {
	Score          domain.CompositeScore
	Notional       float64 // Proposed position size in USD
	Sector         string
	PriceChange24h float64 // Percent, signed
	Expectancy     float64 // Estimated EV per trade, percent
}

// PortfolioSnapshot is the consistent view of open positions taken once at
// the start of gate evaluation for a cycle. No candidate may observe a
// partially updated portfolio from another candidate's submission.
type PortfolioSnapshot struct {
	OpenPositions  []domain.Position
	Equity         float64
	LastTradeAt    map[string]time.Time
	SectorBySymbol map[string]string
	TakenAt        time.Time
}

// GrossNotional returns total open exposure across both directions.
func (ps *PortfolioSnapshot) GrossNotional() float64 {
	total := 0.0
	for _, p := range ps.OpenPositions {
		total += p.Qty * p.CurrentPrice
	}
	return total
}

// DirectionalNotional returns open exposure on one side.
func (ps *PortfolioSnapshot) DirectionalNotional(side domain.Side) float64 {
	total := 0.0
	for _, p := range ps.OpenPositions {
		if p.Side == side {
			total += p.Qty * p.CurrentPrice
		}
	}
	return total
}

// Find returns the open position for a symbol, if any.
func (ps *PortfolioSnapshot) Find(symbol string) (domain.Position, bool) {
	for _, p := range ps.OpenPositions {
		if p.Symbol == symbol && p.Status == domain.StatusOpen {
			return p, true
		}
	}
	return domain.Position{}, false
}

// Result is a gate's verdict: pass, pass-by-bypass, or veto with reason.
type Result struct {
	Passed   bool
	Bypassed bool
	Reason   string
}

// Pass is the plain passing result.
func Pass() Result { return Result{Passed: true} }

// Bypass passes a gate without evaluating it, recording why.
func Bypass(reason string) Result { return Result{Passed: true, Bypassed: true, Reason: reason} }

// Veto fails a candidate with a human-readable reason.
func Veto(format string, args ...interface{}) Result {
	return Result{Passed: false, Reason: fmt.Sprintf(format, args...)}
}

// Gate is one independent veto check in the admission pipeline.
type Gate interface {
	Name() string
	Evaluate(c Candidate, snapshot *PortfolioSnapshot, reg regime.Regime) Result
}

// Outcome classifies the pipeline verdict for a candidate.
type Outcome int

const (
	OutcomeVeto Outcome = iota
	OutcomeAdmit
	OutcomeFlip
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmit:
		return "admit"
	case OutcomeFlip:
		return "flip"
	default:
		return "veto"
	}
}

// Verdict is the full pipeline result with the per-gate audit trail.
type Verdict struct {
	Symbol    string                `json:"symbol"`
	Outcome   Outcome               `json:"outcome"`
	Decisions []domain.GateDecision `json:"decisions"`
	VetoedBy  string                `json:"vetoed_by,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// PipelineConfig holds pipeline-level thresholds.
type PipelineConfig struct {
	FlipThreshold float64 `yaml:"flip_threshold"` // Score required to close-and-reverse, default 3.5
}

// DefaultPipelineConfig returns the standard pipeline thresholds.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{FlipThreshold: 3.5}
}

// Pipeline is the static ordered veto chain. Each gate can veto
// independently; every decision is recorded for audit.
type Pipeline struct {
	gates  []Gate
	config PipelineConfig
	clock  func() time.Time
}

// NewPipeline creates a pipeline over the given ordered gates.
func NewPipeline(config PipelineConfig, gates ...Gate) *Pipeline {
	return &Pipeline{gates: gates, config: config, clock: time.Now}
}

// SetClock overrides the time source, for tests.
func (p *Pipeline) SetClock(clock func() time.Time) { p.clock = clock }

// Evaluate runs a candidate through the chain against a consistent
// portfolio snapshot. A same-direction open position vetoes outright (one
// OPEN position per symbol); an opposite-direction position either vetoes
// or, above the flip threshold, routes to the flip path with the cooldown
// gate bypassed.
func (p *Pipeline) Evaluate(c Candidate, snapshot *PortfolioSnapshot, reg regime.Regime) Verdict {
	now := p.clock()
	verdict := Verdict{
		Symbol:    c.Score.Symbol,
		Outcome:   OutcomeAdmit,
		Decisions: make([]domain.GateDecision, 0, len(p.gates)+1),
		Timestamp: now,
	}

	flip := false
	if existing, ok := snapshot.Find(c.Score.Symbol); ok {
		if existing.Side == c.Score.Direction {
			verdict.Outcome = OutcomeVeto
			verdict.VetoedBy = "position_exists"
			verdict.Decisions = append(verdict.Decisions, p.decision(c, "position_exists", Result{
				Passed: false,
				Reason: fmt.Sprintf("open %s position already held", existing.Side),
			}, now))
			return verdict
		}
		if c.Score.FinalScore < p.config.FlipThreshold {
			verdict.Outcome = OutcomeVeto
			verdict.VetoedBy = "flip_threshold"
			verdict.Decisions = append(verdict.Decisions, p.decision(c, "flip_threshold", Result{
				Passed: false,
				Reason: fmt.Sprintf("opposite %s position held and score %.2f below flip threshold %.2f",
					existing.Side, c.Score.FinalScore, p.config.FlipThreshold),
			}, now))
			return verdict
		}
		flip = true
		verdict.Decisions = append(verdict.Decisions, p.decision(c, "flip_threshold", Result{
			Passed: true,
			Reason: fmt.Sprintf("score %.2f clears flip threshold %.2f", c.Score.FinalScore, p.config.FlipThreshold),
		}, now))
	}

	for _, gate := range p.gates {
		var result Result
		if flip && gate.Name() == "cooldown" {
			// A flip necessarily trades a symbol inside its own cooldown.
			result = Bypass("cooldown waived on flip path")
		} else {
			result = gate.Evaluate(c, snapshot, reg)
		}

		verdict.Decisions = append(verdict.Decisions, p.decision(c, gate.Name(), result, now))
		if !result.Passed {
			verdict.Outcome = OutcomeVeto
			verdict.VetoedBy = gate.Name()
			return verdict
		}
	}

	if flip {
		verdict.Outcome = OutcomeFlip
	}
	return verdict
}

func (p *Pipeline) decision(c Candidate, gate string, r Result, now time.Time) domain.GateDecision {
	return domain.GateDecision{
		Symbol:    c.Score.Symbol,
		Gate:      gate,
		Passed:    r.Passed,
		Bypassed:  r.Bypassed,
		Score:     c.Score.FinalScore,
		Reason:    r.Reason,
		Timestamp: now,
	}
}
