package learning

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/regime"
	"github.com/vantrade/edgerun/internal/scoring"
)

// WeightState holds the learned statistics for one (component, regime)
// pair. Multiplier is always kept inside [MultiplierMin, MultiplierMax].
type WeightState struct {
	Component   string    `json:"component"`
	Regime      string    `json:"regime"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	EWMAWinRate float64   `json:"ewma_win_rate"`
	EWMAPnL     float64   `json:"ewma_pnl"`
	Multiplier  float64   `json:"multiplier"`
	LastUpdated time.Time `json:"last_updated"`
}

// SampleCount returns the total recorded outcomes for this entry.
func (ws *WeightState) SampleCount() int {
	return ws.Wins + ws.Losses
}

// WinRate returns the running raw win rate.
func (ws *WeightState) WinRate() float64 {
	n := ws.SampleCount()
	if n == 0 {
		return 0.5
	}
	return float64(ws.Wins) / float64(n)
}

// Config holds the anti-overfitting guards for multiplier updates.
type Config struct {
	EWMAAlpha         float64       `yaml:"ewma_alpha"`          // Smoothing factor, default 0.2
	MinSamples        int           `yaml:"min_samples"`         // Required samples per (component, regime), default 30
	MinUpdateInterval time.Duration `yaml:"min_update_interval"` // Cooldown between updates, default 48h
	MaxStepPct        float64       `yaml:"max_step_pct"`        // Max multiplier change per update, default 0.05
	MultiplierMin     float64       `yaml:"multiplier_min"`      // Default 0.25
	MultiplierMax     float64       `yaml:"multiplier_max"`      // Default 2.5
	WilsonZ           float64       `yaml:"wilson_z"`            // Confidence z-score, default 1.96 (95%)
}

// DefaultConfig returns the standard learning guards.
func DefaultConfig() Config {
	return Config{
		EWMAAlpha:         0.2,
		MinSamples:        30,
		MinUpdateInterval: 48 * time.Hour,
		MaxStepPct:        0.05,
		MultiplierMin:     0.25,
		MultiplierMax:     2.5,
		WilsonZ:           1.96,
	}
}

// Adjustment records one applied multiplier change, for audit.
type Adjustment struct {
	Component     string    `json:"component"`
	Regime        string    `json:"regime"`
	OldMultiplier float64   `json:"old_multiplier"`
	NewMultiplier float64   `json:"new_multiplier"`
	WinRate       float64   `json:"win_rate"`
	WilsonLow     float64   `json:"wilson_low"`
	WilsonHigh    float64   `json:"wilson_high"`
	EWMAPnL       float64   `json:"ewma_pnl"`
	Samples       int       `json:"samples"`
	AppliedAt     time.Time `json:"applied_at"`
}

// Learner owns all weight state and is the only writer. Outcome recording
// and the learning phase take the write lock; multiplier reads for scoring
// take the read lock, so updates never race a scoring pass.
type Learner struct {
	mu     sync.RWMutex
	config Config
	states map[string]*WeightState // key: component|regime
	clock  func() time.Time
}

// NewLearner creates a learner with neutral weight state for every
// (component, regime) pair.
func NewLearner(config Config) *Learner {
	l := &Learner{
		config: config,
		states: make(map[string]*WeightState),
		clock:  time.Now,
	}
	for _, component := range scoring.Components() {
		for _, reg := range regime.AllRegimes() {
			key := stateKey(component, reg.String())
			l.states[key] = &WeightState{
				Component:   component,
				Regime:      reg.String(),
				EWMAWinRate: 0.5,
				Multiplier:  1.0,
			}
		}
	}
	return l
}

// SetClock overrides the time source, for tests.
func (l *Learner) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// RecordOutcome folds one realized trade result into the statistics of
// every component that contributed to the entry score, for the regime the
// trade was entered under only. Statistics move immediately; multipliers
// move only during the learning phase.
func (l *Learner) RecordOutcome(outcome domain.TradeOutcome, contributions map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	alpha := l.config.EWMAAlpha
	for component, contribution := range contributions {
		if contribution == 0 {
			continue // Component did not participate in this entry
		}
		key := stateKey(component, outcome.Regime)
		ws, ok := l.states[key]
		if !ok {
			// Unknown regime strings must not cross-contaminate known ones.
			continue
		}

		if outcome.Win {
			ws.Wins++
			ws.EWMAWinRate = alpha*1.0 + (1-alpha)*ws.EWMAWinRate
		} else {
			ws.Losses++
			ws.EWMAWinRate = alpha*0.0 + (1-alpha)*ws.EWMAWinRate
		}
		ws.EWMAPnL = alpha*outcome.PnLPct + (1-alpha)*ws.EWMAPnL
	}
}

// MultipliersFor returns the learned multipliers for a regime as a
// read-only snapshot for the scorer.
func (l *Learner) MultipliersFor(reg regime.Regime) scoring.Multipliers {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(scoring.Multipliers, len(scoring.Components()))
	for _, component := range scoring.Components() {
		if ws, ok := l.states[stateKey(component, reg.String())]; ok {
			out[component] = ws.Multiplier
		}
	}
	return out
}

// State returns a copy of one weight state entry, for inspection.
func (l *Learner) State(component, reg string) (WeightState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ws, ok := l.states[stateKey(component, reg)]
	if !ok {
		return WeightState{}, false
	}
	return *ws, true
}

// RunLearningPhase applies the multiplier update policy across all weight
// state. Runs serialized with scoring reads; returns the applied
// adjustments. An entry is adjusted only when every guard passes:
//
//  1. SampleCount >= MinSamples
//  2. elapsed since that entry's last update >= MinUpdateInterval
//  3. the Wilson interval on the win rate excludes 0.5 and the EWMA PnL
//     agrees in sign
//
// The step is bounded by MaxStepPct and the result clamped into
// [MultiplierMin, MultiplierMax].
func (l *Learner) RunLearningPhase() []Adjustment {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	adjustments := make([]Adjustment, 0)

	for _, key := range sortedKeys(l.states) {
		ws := l.states[key]
		n := ws.SampleCount()
		if n < l.config.MinSamples {
			continue
		}
		if !ws.LastUpdated.IsZero() && now.Sub(ws.LastUpdated) < l.config.MinUpdateInterval {
			continue
		}

		p := ws.WinRate()
		low, high := wilsonInterval(p, n, l.config.WilsonZ)

		var step float64
		switch {
		case low > 0.5 && ws.EWMAPnL > 0:
			step = l.config.MaxStepPct
		case high < 0.5 && ws.EWMAPnL < 0:
			step = -l.config.MaxStepPct
		default:
			continue // Not significantly separated from neutral, or PnL disagrees
		}

		old := ws.Multiplier
		next := clampMultiplier(old*(1+step), l.config.MultiplierMin, l.config.MultiplierMax)
		if next == old {
			continue
		}

		ws.Multiplier = next
		ws.LastUpdated = now

		adj := Adjustment{
			Component:     ws.Component,
			Regime:        ws.Regime,
			OldMultiplier: old,
			NewMultiplier: next,
			WinRate:       p,
			WilsonLow:     low,
			WilsonHigh:    high,
			EWMAPnL:       ws.EWMAPnL,
			Samples:       n,
			AppliedAt:     now,
		}
		adjustments = append(adjustments, adj)

		log.Info().
			Str("component", ws.Component).
			Str("regime", ws.Regime).
			Float64("old_multiplier", old).
			Float64("new_multiplier", next).
			Float64("win_rate", p).
			Int("samples", n).
			Msg("weight multiplier adjusted")
	}

	return adjustments
}

// Snapshot returns a deep copy of all weight state, for persistence.
func (l *Learner) Snapshot() []WeightState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]WeightState, 0, len(l.states))
	for _, key := range sortedKeys(l.states) {
		out = append(out, *l.states[key])
	}
	return out
}

// Restore loads persisted weight state. Entries with out-of-range
// multipliers are clamped rather than rejected.
func (l *Learner) Restore(states []WeightState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ws := range states {
		if ws.Component == "" || ws.Regime == "" {
			return fmt.Errorf("invalid weight state entry: component=%q regime=%q", ws.Component, ws.Regime)
		}
		copied := ws
		copied.Multiplier = clampMultiplier(copied.Multiplier, l.config.MultiplierMin, l.config.MultiplierMax)
		l.states[stateKey(ws.Component, ws.Regime)] = &copied
	}
	return nil
}

// wilsonInterval computes the Wilson score interval for a proportion.
func wilsonInterval(p float64, n int, z float64) (low, high float64) {
	if n == 0 {
		return 0, 1
	}
	nf := float64(n)
	z2 := z * z
	denom := 1 + z2/nf
	center := p + z2/(2*nf)
	margin := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))
	return (center - margin) / denom, (center + margin) / denom
}

func clampMultiplier(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func stateKey(component, reg string) string {
	return component + "|" + reg
}

func sortedKeys(m map[string]*WeightState) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
