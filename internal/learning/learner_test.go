package learning

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/regime"
	"github.com/vantrade/edgerun/internal/scoring"
)

func outcomeFor(reg regime.Regime, win bool, pnl float64) domain.TradeOutcome {
	return domain.TradeOutcome{
		Symbol: "NVDA",
		Side:   domain.SideLong,
		Win:    win,
		PnLPct: pnl,
		Regime: reg.String(),
	}
}

func contribs() map[string]float64 {
	return map[string]float64{
		scoring.ComponentFlowConviction: 0.8,
		scoring.ComponentDarkPool:       0.5,
	}
}

func recordN(l *Learner, reg regime.Regime, wins, losses int) {
	for i := 0; i < wins; i++ {
		l.RecordOutcome(outcomeFor(reg, true, 3.0), contribs())
	}
	for i := 0; i < losses; i++ {
		l.RecordOutcome(outcomeFor(reg, false, -2.0), contribs())
	}
}

func TestNoUpdateBelowMinSamples(t *testing.T) {
	l := NewLearner(DefaultConfig())
	recordN(l, regime.RiskOn, 20, 5) // 25 samples, below the 30 floor

	adjustments := l.RunLearningPhase()
	assert.Empty(t, adjustments)

	ws, ok := l.State(scoring.ComponentFlowConviction, "risk_on")
	require.True(t, ok)
	assert.Equal(t, 1.0, ws.Multiplier)
}

func TestSignificantWinRateBoostsMultiplier(t *testing.T) {
	l := NewLearner(DefaultConfig())
	recordN(l, regime.RiskOn, 45, 10) // 82% over 55 samples

	adjustments := l.RunLearningPhase()
	require.NotEmpty(t, adjustments)

	ws, _ := l.State(scoring.ComponentFlowConviction, "risk_on")
	assert.InDelta(t, 1.05, ws.Multiplier, 1e-9)

	for _, adj := range adjustments {
		assert.Greater(t, adj.WilsonLow, 0.5)
		assert.Positive(t, adj.EWMAPnL)
	}
}

func TestInsignificantWinRateLeavesMultiplier(t *testing.T) {
	l := NewLearner(DefaultConfig())
	recordN(l, regime.RiskOn, 18, 17) // ~51%, interval straddles 0.5

	adjustments := l.RunLearningPhase()
	assert.Empty(t, adjustments)
}

func TestCooldownBlocksBackToBackUpdates(t *testing.T) {
	l := NewLearner(DefaultConfig())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	recordN(l, regime.RiskOn, 50, 5)
	require.NotEmpty(t, l.RunLearningPhase())

	// Same stats one hour later: still significant, but inside cooldown.
	now = now.Add(time.Hour)
	assert.Empty(t, l.RunLearningPhase())

	// Past the cooldown the update applies again.
	now = now.Add(48 * time.Hour)
	assert.NotEmpty(t, l.RunLearningPhase())
}

func TestStepNeverExceedsMaxAndStaysBounded(t *testing.T) {
	config := DefaultConfig()
	config.MinUpdateInterval = 0
	l := NewLearner(config)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	recordN(l, regime.RiskOn, 200, 10)

	prev := 1.0
	for i := 0; i < 100; i++ {
		now = now.Add(time.Minute)
		for _, adj := range l.RunLearningPhase() {
			step := adj.NewMultiplier/adj.OldMultiplier - 1.0
			assert.LessOrEqual(t, step, config.MaxStepPct+1e-9)
		}
		ws, _ := l.State(scoring.ComponentFlowConviction, "risk_on")
		assert.GreaterOrEqual(t, ws.Multiplier, config.MultiplierMin)
		assert.LessOrEqual(t, ws.Multiplier, config.MultiplierMax)
		assert.GreaterOrEqual(t, ws.Multiplier, prev)
		prev = ws.Multiplier
	}

	// Sustained edge drifts the multiplier to the ceiling, never past it.
	ws, _ := l.State(scoring.ComponentFlowConviction, "risk_on")
	assert.InDelta(t, config.MultiplierMax, ws.Multiplier, 0.15)
}

func TestRegimeIsolation(t *testing.T) {
	l := NewLearner(DefaultConfig())
	recordN(l, regime.Panic, 50, 5)

	for _, component := range scoring.Components() {
		for _, reg := range []regime.Regime{regime.RiskOn, regime.Mixed} {
			ws, ok := l.State(component, reg.String())
			require.True(t, ok)
			assert.Zero(t, ws.SampleCount(), "outcome under panic leaked into %s/%s", component, reg)
			assert.Equal(t, 0.5, ws.EWMAWinRate)
			assert.Equal(t, 1.0, ws.Multiplier)
		}
	}

	ws, _ := l.State(scoring.ComponentFlowConviction, "panic")
	assert.Equal(t, 55, ws.SampleCount())
}

func TestZeroContributionComponentUntouched(t *testing.T) {
	l := NewLearner(DefaultConfig())
	l.RecordOutcome(outcomeFor(regime.RiskOn, true, 2.0), map[string]float64{
		scoring.ComponentFlowConviction: 0.8,
		scoring.ComponentToxicity:       0.0,
	})

	ws, _ := l.State(scoring.ComponentToxicity, "risk_on")
	assert.Zero(t, ws.SampleCount())
}

func TestSnapshotRestoreBitIdenticalMultipliers(t *testing.T) {
	l := NewLearner(DefaultConfig())
	recordN(l, regime.RiskOn, 50, 5)
	recordN(l, regime.Panic, 10, 30)
	l.RunLearningPhase()

	snap := l.Snapshot()

	// Round-trip through JSON the way the file store persists it.
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var loaded []WeightState
	require.NoError(t, json.Unmarshal(raw, &loaded))

	restored := NewLearner(DefaultConfig())
	require.NoError(t, restored.Restore(loaded))

	for _, ws := range snap {
		got, ok := restored.State(ws.Component, ws.Regime)
		require.True(t, ok)
		assert.Equal(t, ws.Multiplier, got.Multiplier, "%s/%s multiplier drifted through persistence", ws.Component, ws.Regime)
		assert.Equal(t, ws.EWMAWinRate, got.EWMAWinRate)
		assert.Equal(t, ws.Wins, got.Wins)
		assert.Equal(t, ws.Losses, got.Losses)
	}
}

func TestMultipliersForFeedsScorer(t *testing.T) {
	l := NewLearner(DefaultConfig())
	recordN(l, regime.RiskOn, 50, 5)
	l.RunLearningPhase()

	mults := l.MultipliersFor(regime.RiskOn)
	assert.InDelta(t, 1.05, mults.Get(scoring.ComponentFlowConviction), 1e-9)
	assert.Equal(t, 1.0, mults.Get(scoring.ComponentInsiderActivity))
}
