package gates

import (
	"time"

	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/regime"
)

// Config holds per-gate thresholds for the canonical chain.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Stage    StageConfig    `yaml:"stage"`

	// ConcentrationGate
	MaxDirectionalPct float64 `yaml:"max_directional_pct"` // Default 0.70 of gross exposure

	// CooldownGate
	CooldownMinutes int `yaml:"cooldown_minutes"` // Default 240

	// MomentumFilter
	MomentumBypassScore float64 `yaml:"momentum_bypass_score"` // Default 4.0
	MinConfirmationPct  float64 `yaml:"min_confirmation_pct"`  // Default 0.5% in the trade direction

	// ExposureGate
	MaxSectorNotional float64 `yaml:"max_sector_notional"` // USD cap per sector, default 50k

	// RegimeGate
	PanicLongBypassScore float64 `yaml:"panic_long_bypass_score"` // Default 4.2
}

// DefaultConfig returns the production gate thresholds.
func DefaultConfig() Config {
	return Config{
		Pipeline:             DefaultPipelineConfig(),
		Stage:                DefaultStageConfig(),
		MaxDirectionalPct:    0.70,
		CooldownMinutes:      240,
		MomentumBypassScore:  4.0,
		MinConfirmationPct:   0.5,
		MaxSectorNotional:    50000.0,
		PanicLongBypassScore: 4.2,
	}
}

// NewDefaultPipeline wires the canonical gate chain in order. The stage is
// resolved per cycle by the caller from the realized trade count.
func NewDefaultPipeline(config Config, stage func() Stage) *Pipeline {
	return NewPipeline(config.Pipeline,
		&RegimeGate{config: config},
		&ConcentrationGate{config: config},
		&ExpectancyGate{config: config, stage: stage},
		&ScoreThresholdGate{config: config, stage: stage},
		&CooldownGate{config: config},
		&MomentumFilter{config: config},
		&ExposureGate{config: config},
	)
}

// RegimeGate checks symbol-direction compatibility with the current
// regime. New longs during a panic need an exceptional score; shorts are
// always regime-compatible in panic, and everything passes in risk_on and
// mixed conditions.
type RegimeGate struct {
	config Config
}

func (g *RegimeGate) Name() string { return "regime" }

func (g *RegimeGate) Evaluate(c Candidate, _ *PortfolioSnapshot, reg regime.Regime) Result {
	if reg != regime.Panic || c.Score.Direction != domain.SideLong {
		return Pass()
	}
	if c.Score.FinalScore >= g.config.PanicLongBypassScore {
		return Bypass("exceptional score overrides panic long block")
	}
	return Veto("long entry blocked in panic regime (score %.2f < %.2f override)",
		c.Score.FinalScore, g.config.PanicLongBypassScore)
}

// ConcentrationGate blocks new same-direction exposure once the aggregate
// directional share of open positions exceeds the cap.
type ConcentrationGate struct {
	config Config
}

func (g *ConcentrationGate) Name() string { return "concentration" }

func (g *ConcentrationGate) Evaluate(c Candidate, snapshot *PortfolioSnapshot, _ regime.Regime) Result {
	existing := snapshot.GrossNotional()
	if existing <= 0 {
		// An empty book has nothing to concentrate.
		return Pass()
	}
	gross := existing + c.Notional
	directional := snapshot.DirectionalNotional(c.Score.Direction) + c.Notional
	share := directional / gross
	if share > g.config.MaxDirectionalPct {
		return Veto("%s exposure would be %.0f%% of book (cap %.0f%%)",
			c.Score.Direction, share*100, g.config.MaxDirectionalPct*100)
	}
	return Pass()
}

// ExpectancyGate requires the candidate's estimated expected value to
// clear the stage-dependent floor.
type ExpectancyGate struct {
	config Config
	stage  func() Stage
}

func (g *ExpectancyGate) Name() string { return "expectancy" }

func (g *ExpectancyGate) Evaluate(c Candidate, _ *PortfolioSnapshot, _ regime.Regime) Result {
	stage := g.stage()
	floor := g.config.Stage.ExpectancyFloor(stage)
	if c.Expectancy < floor {
		return Veto("expectancy %.2f%% below %s floor %.2f%%", c.Expectancy, stage, floor)
	}
	return Pass()
}

// ScoreThresholdGate requires the final score to meet the stage-dependent
// minimum.
type ScoreThresholdGate struct {
	config Config
	stage  func() Stage
}

func (g *ScoreThresholdGate) Name() string { return "score_threshold" }

func (g *ScoreThresholdGate) Evaluate(c Candidate, _ *PortfolioSnapshot, _ regime.Regime) Result {
	stage := g.stage()
	floor := g.config.Stage.ScoreFloor(stage)
	if c.Score.FinalScore < floor {
		return Veto("score %.2f below %s minimum %.2f", c.Score.FinalScore, stage, floor)
	}
	return Pass()
}

// CooldownGate blocks symbols traded within the minimum cooldown window.
type CooldownGate struct {
	config Config
}

func (g *CooldownGate) Name() string { return "cooldown" }

func (g *CooldownGate) Evaluate(c Candidate, snapshot *PortfolioSnapshot, _ regime.Regime) Result {
	last, ok := snapshot.LastTradeAt[c.Score.Symbol]
	if !ok {
		return Pass()
	}
	window := time.Duration(g.config.CooldownMinutes) * time.Minute
	elapsed := snapshot.TakenAt.Sub(last)
	if elapsed < window {
		return Veto("traded %.0f minutes ago, cooldown is %d minutes", elapsed.Minutes(), g.config.CooldownMinutes)
	}
	return Pass()
}

// MomentumFilter requires recent price action to confirm the trade
// direction, bypassable for very high scores.
type MomentumFilter struct {
	config Config
}

func (g *MomentumFilter) Name() string { return "momentum" }

func (g *MomentumFilter) Evaluate(c Candidate, _ *PortfolioSnapshot, _ regime.Regime) Result {
	if c.Score.FinalScore >= g.config.MomentumBypassScore {
		return Bypass("score clears momentum bypass threshold")
	}
	confirm := c.PriceChange24h
	if c.Score.Direction == domain.SideShort {
		confirm = -confirm
	}
	if confirm < g.config.MinConfirmationPct {
		return Veto("price action %.2f%% does not confirm %s entry (need %.2f%%)",
			c.PriceChange24h, c.Score.Direction, g.config.MinConfirmationPct)
	}
	return Pass()
}

// ExposureGate caps aggregate open notional per sector.
type ExposureGate struct {
	config Config
}

func (g *ExposureGate) Name() string { return "exposure" }

func (g *ExposureGate) Evaluate(c Candidate, snapshot *PortfolioSnapshot, _ regime.Regime) Result {
	if c.Sector == "" {
		return Pass()
	}
	total := c.Notional
	for _, p := range snapshot.OpenPositions {
		if snapshot.SectorBySymbol[p.Symbol] == c.Sector {
			total += p.Qty * p.CurrentPrice
		}
	}
	if total > g.config.MaxSectorNotional {
		return Veto("sector %s notional $%.0f would exceed cap $%.0f", c.Sector, total, g.config.MaxSectorNotional)
	}
	return Pass()
}
