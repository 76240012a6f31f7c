package worker

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vantrade/edgerun/internal/broker"
	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/exits"
	"github.com/vantrade/edgerun/internal/gates"
	"github.com/vantrade/edgerun/internal/ingest"
	"github.com/vantrade/edgerun/internal/learning"
	"github.com/vantrade/edgerun/internal/ledger"
	"github.com/vantrade/edgerun/internal/metrics"
	"github.com/vantrade/edgerun/internal/persistence"
	"github.com/vantrade/edgerun/internal/regime"
	"github.com/vantrade/edgerun/internal/scoring"
	"github.com/vantrade/edgerun/internal/signals"
)

// MarketView supplies per-symbol market context the decision cycle
// needs beyond signal families: marks for sizing and exits, sector
// classification, and short-horizon momentum.
type MarketView interface {
	Price(symbol string) (float64, bool)
	PriceChange24h(symbol string) float64
	Sector(symbol string) string
	FlowReversal(symbol string) float64
}

// Broadcaster receives completed cycle summaries. The WebSocket hub
// implements it; a nil broadcaster is allowed.
type Broadcaster interface {
	Broadcast(v interface{})
}

// Config bounds the worker loop.
type Config struct {
	Interval            time.Duration `yaml:"interval"`
	SoftDeadline        time.Duration `yaml:"soft_deadline"`
	PositionNotional    float64       `yaml:"position_notional"`
	ReduceFraction      float64       `yaml:"reduce_fraction"`
	MaxConsecutiveFails int           `yaml:"max_consecutive_fails"`
	VerdictHistory      int           `yaml:"verdict_history"`
}

func DefaultConfig() Config {
	return Config{
		Interval:            15 * time.Minute,
		SoftDeadline:        10 * time.Minute,
		PositionNotional:    5000,
		ReduceFraction:      0.5,
		MaxConsecutiveFails: 3,
		VerdictHistory:      200,
	}
}

// Deps collects everything the worker orchestrates.
type Deps struct {
	Detector *regime.Detector
	Gateway  *ingest.Gateway
	Cache    *signals.Cache
	Scorer   *scoring.Scorer
	Learner  *learning.Learner
	Pipeline *gates.Pipeline
	Stages   gates.StageConfig
	Exits    *exits.Scorer
	Ledger   *ledger.Ledger
	Broker   broker.Broker
	Store    persistence.Store
	Metrics  *metrics.Registry
	Market   MarketView
	Hub      Broadcaster
	Universe []string
}

// Worker drives the decision cycle on a fixed cadence: regime, ingest,
// score, gate, manage exits, learn, reconcile, persist. It is also the
// read model behind the HTTP surface.
type Worker struct {
	cfg  Config
	deps Deps

	mu            sync.RWMutex
	latestScores  map[string]domain.CompositeScore
	verdicts      []gates.Verdict
	lastHeartbeat time.Time
	lastRegime    regime.Regime
	regimeSince   time.Time
	consecFails   int
}

func New(cfg Config, deps Deps) *Worker {
	return &Worker{
		cfg:          cfg,
		deps:         deps,
		latestScores: make(map[string]domain.CompositeScore),
		lastRegime:   regime.Mixed,
		regimeSince:  time.Now(),
	}
}

// RestoreState loads persisted weights, ledger, and signals. Corrupt
// state is logged at critical severity and replaced with defaults; a
// decision engine that refuses to start is worse than one that relearns.
func (w *Worker) RestoreState(ctx context.Context) {
	if states, err := w.deps.Store.LoadWeights(ctx); err != nil {
		log.Error().Err(err).Str("severity", "critical").Msg("weight state unreadable, starting from neutral multipliers")
	} else if len(states) > 0 {
		if err := w.deps.Learner.Restore(states); err != nil {
			log.Error().Err(err).Str("severity", "critical").Msg("weight state rejected, starting from neutral multipliers")
		} else {
			log.Info().Int("states", len(states)).Msg("restored learned weights")
		}
	}

	if state, err := w.deps.Store.LoadLedger(ctx); err != nil {
		log.Error().Err(err).Str("severity", "critical").Msg("ledger state unreadable, starting empty and reconciling from broker")
	} else if state.Positions != nil {
		w.deps.Ledger.Restore(state)
		log.Info().Int("positions", len(state.Positions)).Msg("restored position ledger")
	}

	if sigs, err := w.deps.Store.LoadSignals(ctx); err != nil {
		log.Error().Err(err).Str("severity", "critical").Msg("signal snapshot unreadable, starting with empty cache")
	} else if len(sigs) > 0 {
		w.deps.Cache.Restore(sigs)
		log.Info().Int("symbols", len(sigs)).Msg("restored signal cache")
	}
}

// Run executes cycles until the context is canceled. The first cycle
// starts immediately rather than waiting a full interval.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

// RunOnce executes a single cycle, for one-shot CLI invocations.
func (w *Worker) RunOnce(ctx context.Context) {
	w.cycle(ctx)
}

// cycle runs one decision pass under the soft deadline and panic
// recovery. A panicking cycle is a failed cycle, never a dead process.
func (w *Worker) cycle(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.SoftDeadline)
	defer cancel()

	start := time.Now()
	rec := persistence.CycleRecord{ID: uuid.New().String(), StartedAt: start}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("cycle panic: %v", r)
				log.Error().
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("recovered from cycle panic")
			}
		}()
		return w.runCycle(cctx, &rec)
	}()

	rec.Duration = time.Since(start)
	result := "success"
	if err != nil {
		result = "error"
		rec.Error = err.Error()
		w.consecFails++
		sev := "warning"
		if w.consecFails >= w.cfg.MaxConsecutiveFails {
			sev = "critical"
		}
		log.Error().
			Err(err).
			Int("consecutive_failures", w.consecFails).
			Str("severity", sev).
			Msg("cycle failed")
	} else {
		w.consecFails = 0
	}

	if w.deps.Metrics != nil {
		w.deps.Metrics.CycleDuration.WithLabelValues(result).Observe(rec.Duration.Seconds())
		w.deps.Metrics.CyclesTotal.WithLabelValues(result).Inc()
	}
	if perr := w.deps.Store.RecordCycle(ctx, rec); perr != nil {
		log.Warn().Err(perr).Msg("failed to persist cycle record")
	}
	if w.deps.Hub != nil {
		w.deps.Hub.Broadcast(rec)
	}

	// Once the failure run reaches the escalation threshold the
	// heartbeat is withheld, letting it go stale so the watchdog
	// restarts the loop.
	if w.consecFails >= w.cfg.MaxConsecutiveFails {
		log.Warn().
			Int("consecutive_failures", w.consecFails).
			Msg("withholding heartbeat pending watchdog restart")
		return
	}
	w.mu.Lock()
	w.lastHeartbeat = time.Now()
	w.mu.Unlock()
}

func (w *Worker) runCycle(ctx context.Context, rec *persistence.CycleRecord) error {
	reg, err := w.deps.Detector.Current(ctx)
	if err != nil {
		// Detection trouble falls back to the last known regime rather
		// than skipping the cycle.
		log.Warn().Err(err).Msg("regime detection failed, keeping previous regime")
		reg = w.lastKnownRegime()
	}
	w.observeRegime(reg)
	rec.Regime = reg.String()

	if retried, requeued, err := w.deps.Gateway.DrainQueue(ctx); err != nil {
		log.Warn().Err(err).Msg("signal queue drain failed")
	} else if retried+requeued > 0 {
		log.Info().Int("retried", retried).Int("requeued", requeued).Msg("drained deferred fetches")
	}

	report := w.deps.Gateway.RefreshAll(ctx, w.deps.Universe, reg)
	rec.QueueDepth = w.deps.Gateway.QueueDepth(ctx)
	if w.deps.Metrics != nil {
		w.deps.Metrics.QueueDepth.Set(float64(rec.QueueDepth))
	}
	log.Debug().
		Int("fetched", report.Fetched).
		Int("failed", report.Failed).
		Int("queued", report.Queued).
		Msg("ingestion pass complete")

	scores := w.scoreUniverse(reg)
	rec.SymbolsScored = len(scores)

	snapshot := w.portfolioSnapshot(ctx)
	w.evaluateEntries(ctx, scores, snapshot, reg, rec)
	w.evaluateExits(ctx, reg, rec)

	adjustments := w.deps.Learner.RunLearningPhase()
	if w.deps.Metrics != nil {
		for _, adj := range adjustments {
			direction := "up"
			if adj.NewMultiplier < adj.OldMultiplier {
				direction = "down"
			}
			w.deps.Metrics.WeightAdjusts.WithLabelValues(adj.Component, direction).Inc()
		}
	}

	if report, err := w.deps.Ledger.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("reconciliation failed")
	} else {
		if w.deps.Metrics != nil {
			w.deps.Metrics.ReconcileGhosts.Add(float64(len(report.Ghosts)))
			w.deps.Metrics.ReconcileAdopted.Add(float64(len(report.Adopted)))
		}
		if len(report.Ghosts)+len(report.Adopted)+len(report.QtyAdjusted) > 0 {
			log.Warn().
				Strs("ghosts", report.Ghosts).
				Strs("adopted", report.Adopted).
				Strs("qty_adjusted", report.QtyAdjusted).
				Msg("ledger diverged from broker")
		}
	}

	w.persist(ctx)
	return nil
}

func (w *Worker) observeRegime(reg regime.Regime) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if reg != w.lastRegime {
		if w.deps.Metrics != nil {
			names := make([]string, 0, len(regime.AllRegimes()))
			for _, r := range regime.AllRegimes() {
				names = append(names, r.String())
			}
			w.deps.Metrics.RecordRegimeSwitch(w.lastRegime.String(), reg.String(), names)
		}
		w.lastRegime = reg
		w.regimeSince = time.Now()
	}
}

func (w *Worker) lastKnownRegime() regime.Regime {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastRegime
}

func (w *Worker) scoreUniverse(reg regime.Regime) map[string]domain.CompositeScore {
	mults := w.deps.Learner.MultipliersFor(reg)
	scores := make(map[string]domain.CompositeScore, len(w.deps.Universe))
	for _, symbol := range w.deps.Universe {
		entry, ok := w.deps.Cache.Get(symbol)
		if !ok {
			continue
		}
		score := w.deps.Scorer.Score(entry, mults, reg)
		scores[symbol] = score
		if w.deps.Metrics != nil {
			w.deps.Metrics.ScoresComputed.Inc()
			w.deps.Metrics.ScoreValue.WithLabelValues(reg.String()).Observe(score.FinalScore)
		}
	}

	w.mu.Lock()
	w.latestScores = scores
	w.mu.Unlock()
	return scores
}

func (w *Worker) portfolioSnapshot(ctx context.Context) *gates.PortfolioSnapshot {
	open := w.deps.Ledger.OpenPositions()
	sectors := make(map[string]string, len(open))
	for _, p := range open {
		sectors[p.Symbol] = w.deps.Market.Sector(p.Symbol)
	}

	equity := 0.0
	if account, err := w.deps.Broker.GetAccount(ctx); err != nil {
		log.Warn().Err(err).Msg("account fetch failed, snapshot equity unknown")
	} else {
		equity = account.Equity
	}

	return &gates.PortfolioSnapshot{
		OpenPositions:  open,
		Equity:         equity,
		LastTradeAt:    w.deps.Ledger.LastTradeTimes(),
		SectorBySymbol: sectors,
		TakenAt:        time.Now(),
	}
}

func (w *Worker) evaluateEntries(ctx context.Context, scores map[string]domain.CompositeScore, snapshot *gates.PortfolioSnapshot, reg regime.Regime, rec *persistence.CycleRecord) {
	for symbol, score := range scores {
		candidate := gates.Candidate{
			Score:          score,
			Notional:       w.cfg.PositionNotional,
			Sector:         w.deps.Market.Sector(symbol),
			PriceChange24h: w.deps.Market.PriceChange24h(symbol),
			Expectancy:     w.expectancyFor(score, reg),
		}
		verdict := w.deps.Pipeline.Evaluate(candidate, snapshot, reg)
		w.recordVerdict(verdict)

		switch verdict.Outcome {
		case gates.OutcomeVeto:
			rec.Vetoed++
		case gates.OutcomeAdmit:
			rec.Admitted++
			w.openPosition(ctx, score)
		case gates.OutcomeFlip:
			rec.Flips++
			w.flipPosition(ctx, score)
		}
	}
}

func (w *Worker) recordVerdict(v gates.Verdict) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.verdicts = append(w.verdicts, v)
	if len(w.verdicts) > w.cfg.VerdictHistory {
		w.verdicts = w.verdicts[len(w.verdicts)-w.cfg.VerdictHistory:]
	}
	if w.deps.Metrics != nil {
		for _, d := range v.Decisions {
			outcome := "pass"
			if !d.Passed {
				outcome = "veto"
			} else if d.Bypassed {
				outcome = "bypass"
			}
			w.deps.Metrics.GateDecisions.WithLabelValues(d.Gate, outcome).Inc()
		}
	}
}

func (w *Worker) openPosition(ctx context.Context, score domain.CompositeScore) {
	price, ok := w.deps.Market.Price(score.Symbol)
	if !ok || price <= 0 {
		log.Warn().Str("symbol", score.Symbol).Msg("no mark price, skipping admitted entry")
		return
	}
	qty := w.cfg.PositionNotional / price
	pos, err := w.deps.Ledger.Open(ctx, score, qty, price)
	if err != nil {
		log.Error().Err(err).Str("symbol", score.Symbol).Msg("entry submission failed")
		return
	}
	log.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("qty", pos.Qty).
		Float64("score", score.FinalScore).
		Msg("entry admitted")
}

func (w *Worker) flipPosition(ctx context.Context, score domain.CompositeScore) {
	price, ok := w.deps.Market.Price(score.Symbol)
	if !ok || price <= 0 {
		log.Warn().Str("symbol", score.Symbol).Msg("no mark price, skipping flip")
		return
	}
	prior, _ := w.deps.Ledger.Get(score.Symbol)
	qty := w.cfg.PositionNotional / price
	outcome, pos, err := w.deps.Ledger.Flip(ctx, score, qty, price)
	if err != nil {
		log.Error().Err(err).Str("symbol", score.Symbol).Msg("flip failed")
		return
	}
	w.recordOutcome(outcome, prior.EntryContributions)
	if w.deps.Metrics != nil {
		w.deps.Metrics.FlipsTotal.Inc()
	}
	log.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("score", score.FinalScore).
		Float64("closed_pnl_pct", outcome.PnLPct).
		Msg("position flipped")
}

func (w *Worker) evaluateExits(ctx context.Context, reg regime.Regime, rec *persistence.CycleRecord) {
	w.mu.RLock()
	scores := w.latestScores
	w.mu.RUnlock()

	for _, pos := range w.deps.Ledger.OpenPositions() {
		if price, ok := w.deps.Market.Price(pos.Symbol); ok && price > 0 {
			w.deps.Ledger.UpdateMark(pos.Symbol, price)
			pos.CurrentPrice = price
		}
		currentScore := pos.EntryScore
		if s, ok := scores[pos.Symbol]; ok {
			currentScore = s.FinalScore
		}
		result := w.deps.Exits.Evaluate(exits.Inputs{
			Position:     pos,
			CurrentScore: currentScore,
			FlowReversal: w.deps.Market.FlowReversal(pos.Symbol),
			Momentum24h:  w.deps.Market.PriceChange24h(pos.Symbol),
			Now:          time.Now(),
		})
		if w.deps.Metrics != nil {
			w.deps.Metrics.ExitUrgency.WithLabelValues(result.Action.String()).Observe(result.Urgency)
		}

		switch result.Action {
		case exits.Exit:
			rec.Exits++
			outcome, err := w.deps.Ledger.Close(ctx, pos.Symbol, result.TriggeredBy, pos.CurrentPrice)
			if err != nil {
				log.Error().Err(err).Str("symbol", pos.Symbol).Msg("exit submission failed")
				continue
			}
			w.recordOutcome(outcome, pos.EntryContributions)
			log.Info().
				Str("symbol", pos.Symbol).
				Str("triggered_by", result.TriggeredBy).
				Float64("urgency", result.Urgency).
				Bool("hard_override", result.HardOverride).
				Float64("pnl_pct", outcome.PnLPct).
				Msg("position exited")
		case exits.Reduce:
			if err := w.deps.Ledger.Reduce(ctx, pos.Symbol, w.cfg.ReduceFraction, pos.CurrentPrice); err != nil {
				log.Error().Err(err).Str("symbol", pos.Symbol).Msg("reduce submission failed")
				continue
			}
			log.Info().
				Str("symbol", pos.Symbol).
				Float64("urgency", result.Urgency).
				Float64("fraction", w.cfg.ReduceFraction).
				Msg("position reduced")
		}
	}

	if w.deps.Metrics != nil {
		w.deps.Metrics.OpenPositions.Set(float64(len(w.deps.Ledger.OpenPositions())))
	}
}

func (w *Worker) recordOutcome(outcome domain.TradeOutcome, contributions map[string]float64) {
	w.deps.Learner.RecordOutcome(outcome, contributions)
	if w.deps.Metrics != nil {
		result := "loss"
		if outcome.Win {
			result = "win"
		}
		w.deps.Metrics.TradesTotal.WithLabelValues(string(outcome.Side), result).Inc()
	}
}

// expectancyFor estimates per-trade EV as the contribution-weighted
// average of each component's learned EWMA PnL in the current regime.
func (w *Worker) expectancyFor(score domain.CompositeScore, reg regime.Regime) float64 {
	total, weightSum := 0.0, 0.0
	for component, contrib := range score.Contributions {
		if contrib == 0 {
			continue
		}
		state, ok := w.deps.Learner.State(component, reg.String())
		if !ok || state.SampleCount() == 0 {
			continue
		}
		wgt := math.Abs(contrib)
		total += state.EWMAPnL * wgt
		weightSum += wgt
	}
	if weightSum == 0 {
		return 0
	}
	return total / weightSum
}

func (w *Worker) persist(ctx context.Context) {
	if err := w.deps.Store.SaveWeights(ctx, w.deps.Learner.Snapshot()); err != nil {
		log.Error().Err(err).Msg("failed to persist weights")
	}
	if err := w.deps.Store.SaveLedger(ctx, w.deps.Ledger.Snapshot()); err != nil {
		log.Error().Err(err).Msg("failed to persist ledger")
	}
	if err := w.deps.Store.SaveSignals(ctx, w.deps.Cache.Snapshot()); err != nil {
		log.Error().Err(err).Msg("failed to persist signals")
	}
}

// Stage derives the current progression stage from closed trade count.
func (w *Worker) Stage() gates.Stage {
	return w.deps.Stages.StageFor(w.deps.Ledger.ClosedTrades())
}

// LatestScores implements api.Engine.
func (w *Worker) LatestScores() []domain.CompositeScore {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]domain.CompositeScore, 0, len(w.latestScores))
	for _, s := range w.latestScores {
		out = append(out, s)
	}
	return out
}

// RecentVerdicts implements api.Engine, most recent first.
func (w *Worker) RecentVerdicts(n int) []gates.Verdict {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if n <= 0 || n > len(w.verdicts) {
		n = len(w.verdicts)
	}
	out := make([]gates.Verdict, 0, n)
	for i := len(w.verdicts) - 1; i >= len(w.verdicts)-n; i-- {
		out = append(out, w.verdicts[i])
	}
	return out
}

// OpenPositions implements api.Engine.
func (w *Worker) OpenPositions() []domain.Position {
	return w.deps.Ledger.OpenPositions()
}

// CurrentRegime implements api.Engine.
func (w *Worker) CurrentRegime() (regime.Regime, time.Time) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastRegime, w.regimeSince
}

// RecentCycles implements api.Engine.
func (w *Worker) RecentCycles(ctx context.Context, n int) ([]persistence.CycleRecord, error) {
	return w.deps.Store.RecentCycles(ctx, n)
}

// LastHeartbeat implements api.Engine.
func (w *Worker) LastHeartbeat() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastHeartbeat
}
