package gates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/regime"
)

var testNow = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func testPipeline(stage Stage) *Pipeline {
	p := NewDefaultPipeline(DefaultConfig(), func() Stage { return stage })
	p.SetClock(func() time.Time { return testNow })
	return p
}

func candidate(symbol string, score float64, dir domain.Side) Candidate {
	change := 2.0
	if dir == domain.SideShort {
		change = -2.0
	}
	return Candidate{
		Score: domain.CompositeScore{
			Symbol:     symbol,
			FinalScore: score,
			Direction:  dir,
			Regime:     regime.RiskOn.String(),
			ComputedAt: testNow,
		},
		Notional:       5000,
		Sector:         "semis",
		PriceChange24h: change,
		Expectancy:     1.0,
	}
}

func emptySnapshot() *PortfolioSnapshot {
	return &PortfolioSnapshot{
		Equity:         100000,
		LastTradeAt:    map[string]time.Time{},
		SectorBySymbol: map[string]string{},
		TakenAt:        testNow,
	}
}

func TestCleanCandidateAdmitted(t *testing.T) {
	p := testPipeline(StageBootstrap)
	verdict := p.Evaluate(candidate("NVDA", 3.0, domain.SideLong), emptySnapshot(), regime.RiskOn)

	assert.Equal(t, OutcomeAdmit, verdict.Outcome)
	for _, d := range verdict.Decisions {
		assert.True(t, d.Passed, "gate %s unexpectedly vetoed: %s", d.Gate, d.Reason)
	}
}

func TestNeverAdmitsPastAVeto(t *testing.T) {
	p := testPipeline(StageBootstrap)

	// Score below the bootstrap 2.7 floor.
	verdict := p.Evaluate(candidate("NVDA", 2.5, domain.SideLong), emptySnapshot(), regime.RiskOn)
	require.Equal(t, OutcomeVeto, verdict.Outcome)
	assert.Equal(t, "score_threshold", verdict.VetoedBy)

	// Every recorded decision after the veto must not exist: the chain
	// stops at the first failing gate.
	last := verdict.Decisions[len(verdict.Decisions)-1]
	assert.False(t, last.Passed)
	assert.Equal(t, "score_threshold", last.Gate)
}

func TestScoreThresholdBaseScenario(t *testing.T) {
	// Final score exactly 2.7 passes the base 2.7 threshold gate.
	p := testPipeline(StageBootstrap)
	verdict := p.Evaluate(candidate("X", 2.7, domain.SideLong), emptySnapshot(), regime.RiskOn)
	assert.Equal(t, OutcomeAdmit, verdict.Outcome)
}

func TestStageTightensFloors(t *testing.T) {
	c := candidate("NVDA", 3.0, domain.SideLong)
	c.Expectancy = 0.1

	bootstrap := testPipeline(StageBootstrap).Evaluate(c, emptySnapshot(), regime.RiskOn)
	assert.Equal(t, OutcomeAdmit, bootstrap.Outcome)

	high := testPipeline(StageHighConfidence).Evaluate(c, emptySnapshot(), regime.RiskOn)
	require.Equal(t, OutcomeVeto, high.Outcome)
	assert.Equal(t, "expectancy", high.VetoedBy)
}

func TestConcentrationGateBlocksCrowdedDirection(t *testing.T) {
	p := testPipeline(StageBootstrap)
	snapshot := emptySnapshot()
	snapshot.OpenPositions = []domain.Position{
		{Symbol: "AAPL", Side: domain.SideLong, Qty: 100, CurrentPrice: 200, Status: domain.StatusOpen},
		{Symbol: "MSFT", Side: domain.SideLong, Qty: 50, CurrentPrice: 400, Status: domain.StatusOpen},
		{Symbol: "QQQ", Side: domain.SideShort, Qty: 10, CurrentPrice: 500, Status: domain.StatusOpen},
	}
	// Long 40k of 45k gross; adding 5k long pushes long share to 90%.

	verdict := p.Evaluate(candidate("NVDA", 3.0, domain.SideLong), snapshot, regime.RiskOn)
	require.Equal(t, OutcomeVeto, verdict.Outcome)
	assert.Equal(t, "concentration", verdict.VetoedBy)

	// The short side is fine.
	verdict = p.Evaluate(candidate("NVDA", 3.0, domain.SideShort), snapshot, regime.RiskOn)
	assert.Equal(t, OutcomeAdmit, verdict.Outcome)
}

func TestCooldownGate(t *testing.T) {
	p := testPipeline(StageBootstrap)
	snapshot := emptySnapshot()
	snapshot.LastTradeAt["NVDA"] = testNow.Add(-30 * time.Minute)

	verdict := p.Evaluate(candidate("NVDA", 3.0, domain.SideLong), snapshot, regime.RiskOn)
	require.Equal(t, OutcomeVeto, verdict.Outcome)
	assert.Equal(t, "cooldown", verdict.VetoedBy)

	snapshot.LastTradeAt["NVDA"] = testNow.Add(-5 * time.Hour)
	verdict = p.Evaluate(candidate("NVDA", 3.0, domain.SideLong), snapshot, regime.RiskOn)
	assert.Equal(t, OutcomeAdmit, verdict.Outcome)
}

func TestMomentumFilterConfirmationAndBypass(t *testing.T) {
	p := testPipeline(StageBootstrap)

	adverse := candidate("NVDA", 3.0, domain.SideLong)
	adverse.PriceChange24h = -1.5
	verdict := p.Evaluate(adverse, emptySnapshot(), regime.RiskOn)
	require.Equal(t, OutcomeVeto, verdict.Outcome)
	assert.Equal(t, "momentum", verdict.VetoedBy)

	// Very high scores bypass the filter.
	exceptional := candidate("NVDA", 4.5, domain.SideLong)
	exceptional.PriceChange24h = -1.5
	verdict = p.Evaluate(exceptional, emptySnapshot(), regime.RiskOn)
	assert.Equal(t, OutcomeAdmit, verdict.Outcome)
	var bypassed bool
	for _, d := range verdict.Decisions {
		if d.Gate == "momentum" && d.Bypassed {
			bypassed = true
		}
	}
	assert.True(t, bypassed)
}

func TestExposureGateSectorCap(t *testing.T) {
	p := testPipeline(StageBootstrap)
	snapshot := emptySnapshot()
	snapshot.OpenPositions = []domain.Position{
		{Symbol: "AMD", Side: domain.SideShort, Qty: 240, CurrentPrice: 200, Status: domain.StatusOpen},
	}
	snapshot.SectorBySymbol["AMD"] = "semis"

	// 48k existing + 5k proposed breaches the 50k sector cap.
	verdict := p.Evaluate(candidate("NVDA", 3.0, domain.SideLong), snapshot, regime.RiskOn)
	require.Equal(t, OutcomeVeto, verdict.Outcome)
	assert.Equal(t, "exposure", verdict.VetoedBy)
}

func TestRegimeGatePanicLongBlock(t *testing.T) {
	p := testPipeline(StageBootstrap)

	verdict := p.Evaluate(candidate("NVDA", 3.0, domain.SideLong), emptySnapshot(), regime.Panic)
	require.Equal(t, OutcomeVeto, verdict.Outcome)
	assert.Equal(t, "regime", verdict.VetoedBy)

	// Shorts clear the regime gate in panic.
	verdict = p.Evaluate(candidate("NVDA", 3.0, domain.SideShort), emptySnapshot(), regime.Panic)
	assert.Equal(t, OutcomeAdmit, verdict.Outcome)

	// Exceptional longs override.
	verdict = p.Evaluate(candidate("NVDA", 4.5, domain.SideLong), emptySnapshot(), regime.Panic)
	assert.Equal(t, OutcomeAdmit, verdict.Outcome)
}

func TestSameDirectionPositionVetoes(t *testing.T) {
	p := testPipeline(StageBootstrap)
	snapshot := emptySnapshot()
	snapshot.OpenPositions = []domain.Position{
		{Symbol: "NVDA", Side: domain.SideLong, Qty: 10, CurrentPrice: 500, Status: domain.StatusOpen},
	}

	verdict := p.Evaluate(candidate("NVDA", 4.8, domain.SideLong), snapshot, regime.RiskOn)
	require.Equal(t, OutcomeVeto, verdict.Outcome)
	assert.Equal(t, "position_exists", verdict.VetoedBy)
}

func TestFlipPath(t *testing.T) {
	p := testPipeline(StageBootstrap)
	snapshot := emptySnapshot()
	snapshot.OpenPositions = []domain.Position{
		{Symbol: "NVDA", Side: domain.SideLong, Qty: 10, CurrentPrice: 500, Status: domain.StatusOpen},
	}
	// The flip just traded, so the symbol is inside its cooldown window.
	snapshot.LastTradeAt["NVDA"] = testNow.Add(-10 * time.Minute)

	// Opposite direction below the flip threshold: veto.
	weak := candidate("NVDA", 3.0, domain.SideShort)
	verdict := p.Evaluate(weak, snapshot, regime.RiskOn)
	require.Equal(t, OutcomeVeto, verdict.Outcome)
	assert.Equal(t, "flip_threshold", verdict.VetoedBy)

	// Above the flip threshold: flip outcome with cooldown bypassed.
	strong := candidate("NVDA", 3.8, domain.SideShort)
	verdict = p.Evaluate(strong, snapshot, regime.RiskOn)
	require.Equal(t, OutcomeFlip, verdict.Outcome, "vetoed by %s", verdict.VetoedBy)

	var cooldownBypassed bool
	for _, d := range verdict.Decisions {
		if d.Gate == "cooldown" {
			cooldownBypassed = d.Bypassed
		}
	}
	assert.True(t, cooldownBypassed)
}
