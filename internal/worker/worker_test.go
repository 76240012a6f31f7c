package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantrade/edgerun/internal/broker"
	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/exits"
	"github.com/vantrade/edgerun/internal/gates"
	"github.com/vantrade/edgerun/internal/ingest"
	"github.com/vantrade/edgerun/internal/learning"
	"github.com/vantrade/edgerun/internal/ledger"
	"github.com/vantrade/edgerun/internal/persistence"
	"github.com/vantrade/edgerun/internal/regime"
	"github.com/vantrade/edgerun/internal/scoring"
	"github.com/vantrade/edgerun/internal/signals"
)

type stubDetectorInputs struct {
	vol, breadth, skew float64
}

func (s *stubDetectorInputs) GetRealizedVolatility7d(context.Context) (float64, error) {
	return s.vol, nil
}
func (s *stubDetectorInputs) GetBreadthAbove20MA(context.Context) (float64, error) {
	return s.breadth, nil
}
func (s *stubDetectorInputs) GetPutCallSkew(context.Context) (float64, error) { return s.skew, nil }
func (s *stubDetectorInputs) GetTimestamp(context.Context) (time.Time, error) {
	return time.Now(), nil
}

type stubMarket struct {
	mu         sync.Mutex
	prices     map[string]float64
	change24h  map[string]float64
	panicPrice bool
}

func newStubMarket() *stubMarket {
	return &stubMarket{prices: make(map[string]float64), change24h: make(map[string]float64)}
}

func (m *stubMarket) setPrice(symbol string, px float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = px
}

func (m *stubMarket) Price(symbol string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicPrice {
		panic("price source wedged")
	}
	px, ok := m.prices[symbol]
	return px, ok
}

func (m *stubMarket) PriceChange24h(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.change24h[symbol]; ok {
		return v
	}
	return 1.0
}

func (m *stubMarket) Sector(string) string { return "semis" }

func (m *stubMarket) FlowReversal(string) float64 { return 0 }

type strongProvider struct{}

func (strongProvider) Name() string { return "stub" }

func (strongProvider) Fetch(_ context.Context, _, family string) (domain.FamilyData, error) {
	return domain.FamilyData{
		Family:    domain.SignalFamily(family),
		Value:     0.9,
		Direction: 1,
		Timestamp: time.Now(),
	}, nil
}

type harness struct {
	worker *Worker
	market *stubMarket
	ledger *ledger.Ledger
	broker *broker.PaperBroker
	store  *persistence.FileStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cache := signals.NewCache(signals.DefaultFreshnessConfig())
	paper := broker.NewPaperBroker(1_000_000)
	led := ledger.NewLedger(paper, ledger.DefaultConfig())
	learner := learning.NewLearner(learning.DefaultConfig())
	gateCfg := gates.DefaultConfig()
	pipeline := gates.NewDefaultPipeline(gateCfg, func() gates.Stage {
		return gateCfg.Stage.StageFor(led.ClosedTrades())
	})

	gwCfg := ingest.DefaultGatewayConfig()
	gwCfg.RatePerSecond = 10000
	gwCfg.Burst = 10000
	gateway := ingest.NewGateway(gwCfg, strongProvider{}, cache, ingest.NewMemoryQueue())
	gateway.SetClock(nil, func(context.Context, time.Duration) error { return nil })

	store, err := persistence.NewFileStore(t.TempDir())
	require.NoError(t, err)

	market := newStubMarket()
	market.setPrice("NVDA", 100)

	cfg := DefaultConfig()
	cfg.PositionNotional = 5000

	w := New(cfg, Deps{
		Detector: regime.NewDetector(&stubDetectorInputs{vol: 0.10, breadth: 0.80, skew: 1.00}, regime.DefaultDetectorConfig()),
		Gateway:  gateway,
		Cache:    cache,
		Scorer:   scoring.NewScorer(scoring.DefaultScorerConfig()),
		Learner:  learner,
		Pipeline: pipeline,
		Stages:   gateCfg.Stage,
		Exits:    exits.NewScorer(exits.DefaultConfig()),
		Ledger:   led,
		Broker:   paper,
		Store:    store,
		Market:   market,
		Universe: []string{"NVDA"},
	})
	return &harness{worker: w, market: market, ledger: led, broker: paper, store: store}
}

func TestCycleOpensPositionOnStrongSignal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.worker.cycle(ctx)

	positions := h.ledger.OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, "NVDA", positions[0].Symbol)
	assert.Equal(t, domain.SideLong, positions[0].Side)
	assert.InDelta(t, 50.0, positions[0].Qty, 0.001) // 5000 notional at 100

	verdicts := h.worker.RecentVerdicts(10)
	require.NotEmpty(t, verdicts)
	assert.Equal(t, gates.OutcomeAdmit, verdicts[0].Outcome)

	assert.False(t, h.worker.LastHeartbeat().IsZero())

	cycles, err := h.worker.RecentCycles(ctx, 5)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Empty(t, cycles[0].Error)
	assert.Equal(t, 1, cycles[0].Admitted)
	assert.Equal(t, "risk_on", cycles[0].Regime)
}

func TestSecondCycleVetoesExistingPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.worker.cycle(ctx)
	require.Len(t, h.ledger.OpenPositions(), 1)

	h.worker.cycle(ctx)
	assert.Len(t, h.ledger.OpenPositions(), 1)

	verdicts := h.worker.RecentVerdicts(1)
	require.Len(t, verdicts, 1)
	assert.Equal(t, gates.OutcomeVeto, verdicts[0].Outcome)
	assert.Equal(t, "position_exists", verdicts[0].VetoedBy)
}

func TestCycleExitsOnStopLoss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.worker.cycle(ctx)
	require.Len(t, h.ledger.OpenPositions(), 1)

	// Mark drops 9%, past the -8% hard stop.
	h.market.setPrice("NVDA", 91)
	h.worker.cycle(ctx)

	assert.Empty(t, h.ledger.OpenPositions())
	assert.Equal(t, 1, h.ledger.ClosedTrades())

	closed := h.ledger.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, domain.StatusClosed, closed[0].Status)
}

func TestCyclePanicIsRecoveredAndRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.market.mu.Lock()
	h.market.panicPrice = true
	h.market.mu.Unlock()

	h.worker.cycle(ctx)

	cycles, err := h.worker.RecentCycles(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Contains(t, cycles[0].Error, "panic")
	assert.False(t, h.worker.LastHeartbeat().IsZero(), "a failed cycle still heartbeats")

	// The next healthy cycle succeeds.
	h.market.mu.Lock()
	h.market.panicPrice = false
	h.market.mu.Unlock()
	h.worker.cycle(ctx)

	cycles, err = h.worker.RecentCycles(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, cycles[0].Error)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.worker.cycle(ctx)
	require.Len(t, h.ledger.OpenPositions(), 1)

	// Rebuild against the same store directory and restore.
	led2 := ledger.NewLedger(h.broker, ledger.DefaultConfig())
	cache2 := signals.NewCache(signals.DefaultFreshnessConfig())
	learner2 := learning.NewLearner(learning.DefaultConfig())
	w2 := New(DefaultConfig(), Deps{
		Ledger:  led2,
		Cache:   cache2,
		Learner: learner2,
		Store:   h.store,
	})
	w2.RestoreState(ctx)

	assert.Len(t, led2.OpenPositions(), 1)
	assert.Equal(t, 1, cache2.Len())
}

type fixedHeartbeat struct{ at time.Time }

func (f fixedHeartbeat) LastHeartbeat() time.Time { return f.at }

func TestWatchdogStaleness(t *testing.T) {
	cfg := DefaultWatchdogConfig()
	now := time.Now()

	fresh := NewWatchdog(cfg, fixedHeartbeat{at: now.Add(-time.Minute)}, nil)
	fresh.SetClock(func() time.Time { return now })
	assert.False(t, fresh.Check(now.Add(-time.Hour)))

	stale := NewWatchdog(cfg, fixedHeartbeat{at: now.Add(-2 * time.Hour)}, nil)
	stale.SetClock(func() time.Time { return now })
	assert.True(t, stale.Check(now.Add(-3*time.Hour)))

	// Never heartbeated: stale only after a full window from start.
	never := NewWatchdog(cfg, fixedHeartbeat{}, nil)
	never.SetClock(func() time.Time { return now })
	assert.False(t, never.Check(now.Add(-time.Minute)))
	assert.True(t, never.Check(now.Add(-time.Hour)))
}

func TestFailureRunWithholdsHeartbeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.worker.cycle(ctx)
	base := h.worker.LastHeartbeat()
	require.False(t, base.IsZero())

	h.market.mu.Lock()
	h.market.panicPrice = true
	h.market.mu.Unlock()

	// Failures below the escalation threshold still heartbeat.
	h.worker.cycle(ctx)
	h.worker.cycle(ctx)
	beforeEscalation := h.worker.LastHeartbeat()
	assert.False(t, beforeEscalation.Before(base))

	// At and past the threshold the heartbeat freezes, so the watchdog
	// can observe the failure run and restart the loop.
	h.worker.cycle(ctx)
	h.worker.cycle(ctx)
	h.worker.cycle(ctx)
	assert.Equal(t, beforeEscalation, h.worker.LastHeartbeat())

	wd := NewWatchdog(DefaultWatchdogConfig(), h.worker, nil)
	wd.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	assert.True(t, wd.Check(time.Now().Add(-time.Minute)))

	// A healthy cycle clears the run and resumes the heartbeat.
	h.market.mu.Lock()
	h.market.panicPrice = false
	h.market.mu.Unlock()
	h.worker.cycle(ctx)
	assert.True(t, h.worker.LastHeartbeat().After(beforeEscalation))
}

func TestWatchdogIgnoresPreRestartHeartbeat(t *testing.T) {
	cfg := DefaultWatchdogConfig()
	now := time.Now()

	// A heartbeat left over from before a restart says nothing about
	// the relaunched loop; it gets a full window to complete a cycle.
	wd := NewWatchdog(cfg, fixedHeartbeat{at: now.Add(-2 * time.Hour)}, nil)
	wd.SetClock(func() time.Time { return now })
	assert.False(t, wd.Check(now))
	assert.False(t, wd.Check(now.Add(-cfg.StaleAfter/2)))

	// Once the window elapses with no fresh heartbeat the relaunched
	// loop is stale again.
	assert.True(t, wd.Check(now.Add(-cfg.StaleAfter-time.Minute)))
}

func TestExpectancyWeightsByContribution(t *testing.T) {
	h := newHarness(t)

	// Without learned samples expectancy is zero.
	score := domain.CompositeScore{
		Symbol:        "NVDA",
		Contributions: map[string]float64{"dark_pool": 1.0, "flow_conviction": 0.5},
	}
	assert.Equal(t, 0.0, h.worker.expectancyFor(score, regime.RiskOn))
}
