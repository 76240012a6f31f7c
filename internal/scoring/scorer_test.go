package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/regime"
	"github.com/vantrade/edgerun/internal/signals"
)

func signalWith(symbol string, value, direction float64) domain.Signal {
	families := make(map[domain.SignalFamily]domain.FamilyData)
	for _, f := range domain.AllFamilies() {
		families[f] = domain.FamilyData{Family: f, Value: value, Direction: direction}
	}
	return domain.Signal{
		Symbol:        symbol,
		Families:      families,
		LastRefreshed: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())
	entry := signals.Entry{Signal: signalWith("NVDA", 0.7, 1.0), Freshness: 0.95}
	mults := Multipliers{ComponentFlowConviction: 1.3, ComponentDarkPool: 0.8}

	first := scorer.Score(entry, mults, regime.RiskOn)
	for i := 0; i < 50; i++ {
		again := scorer.Score(entry, mults, regime.RiskOn)
		assert.Equal(t, first, again)
	}
}

func TestScoreScenarioRawSumThreeFreshnessPointNine(t *testing.T) {
	// Raw component sum 3.0 with freshness 0.9 in risk_on and no toxicity
	// trigger must clear a 2.7 score threshold.
	config := DefaultScorerConfig()
	// Flatten weight tables so the regime-adjusted sum is exactly the sum
	// of the raw values we control.
	config.RegimeWeights[regime.RiskOn.String()] = map[string]float64{}
	for c := range config.BaseWeights {
		config.BaseWeights[c] = 1.0
	}
	config.BaseWeights[ComponentToxicity] = -0.60
	scorer := NewScorer(config)

	// Five agreeing families at 0.6 each: component sum 3.0, no toxicity.
	entry := signals.Entry{Signal: signalWith("X", 0.6, 1.0), Freshness: 0.9}
	score := scorer.Score(entry, nil, regime.RiskOn)

	assert.InDelta(t, 3.0, score.RegimeScore, 1e-9)
	assert.GreaterOrEqual(t, score.FinalScore, 2.7-1e-9)
	assert.Zero(t, score.Contributions[ComponentToxicity])
}

func TestMissingFamilyUsesNeutralDefault(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())

	full := signals.Entry{Signal: signalWith("AMD", 0.5, 1.0), Freshness: 1.0}
	partial := full
	partial.Signal.Families = map[domain.SignalFamily]domain.FamilyData{
		domain.FamilyFlowConviction: {Family: domain.FamilyFlowConviction, Value: 0.5, Direction: 1.0},
	}

	fullScore := scorer.Score(full, nil, regime.Mixed)
	partialScore := scorer.Score(partial, nil, regime.Mixed)

	// With every present family at the neutral value, dropping families
	// must not change the score: missing maps to neutral, not zero.
	assert.InDelta(t, fullScore.FinalScore, partialScore.FinalScore, 1e-9)
	assert.Greater(t, partialScore.FinalScore, 0.0)
}

func TestToxicityPenaltySubtractsOnDisagreement(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())

	agreeing := signals.Entry{Signal: signalWith("SPY", 0.7, 1.0), Freshness: 1.0}

	disagreeing := agreeing
	disagreeing.Signal.Families = make(map[domain.SignalFamily]domain.FamilyData)
	flip := -1.0
	for _, f := range domain.AllFamilies() {
		flip = -flip
		disagreeing.Signal.Families[f] = domain.FamilyData{Family: f, Value: 0.7, Direction: flip}
	}

	clean := scorer.Score(agreeing, nil, regime.Mixed)
	toxic := scorer.Score(disagreeing, nil, regime.Mixed)

	assert.Zero(t, clean.Contributions[ComponentToxicity])
	assert.Negative(t, toxic.Contributions[ComponentToxicity])
	assert.Less(t, toxic.FinalScore, clean.FinalScore)
}

func TestFinalScoreClamped(t *testing.T) {
	config := DefaultScorerConfig()
	scorer := NewScorer(config)

	entry := signals.Entry{Signal: signalWith("MAXED", 1.0, 1.0), Freshness: 1.0}
	mults := Multipliers{}
	for _, c := range Components() {
		mults[c] = 2.5
	}

	score := scorer.Score(entry, mults, regime.RiskOn)
	assert.LessOrEqual(t, score.FinalScore, config.MaxScore)
	assert.GreaterOrEqual(t, score.FinalScore, config.MinScore)
}

func TestDirectionFollowsWeightedFamilies(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())

	long := signals.Entry{Signal: signalWith("UP", 0.8, 1.0), Freshness: 1.0}
	short := signals.Entry{Signal: signalWith("DN", 0.8, -1.0), Freshness: 1.0}

	require.Equal(t, domain.SideLong, scorer.Score(long, nil, regime.Mixed).Direction)
	require.Equal(t, domain.SideShort, scorer.Score(short, nil, regime.Mixed).Direction)
}
