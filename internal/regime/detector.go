package regime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Regime represents the current market regime classification
type Regime int

const (
	RiskOn Regime = iota
	Mixed
	Panic
)

func (r Regime) String() string {
	switch r {
	case RiskOn:
		return "risk_on"
	case Mixed:
		return "mixed"
	case Panic:
		return "panic"
	default:
		return "unknown"
	}
}

// ParseRegime maps a stored regime string back to its enum value.
// Unknown strings map to Mixed, the conservative default.
func ParseRegime(s string) Regime {
	switch s {
	case "risk_on":
		return RiskOn
	case "panic":
		return Panic
	default:
		return Mixed
	}
}

// AllRegimes returns every classification, for iterating weight tables.
func AllRegimes() []Regime {
	return []Regime{RiskOn, Mixed, Panic}
}

// DetectorInputs provides market data for regime classification
type DetectorInputs interface {
	GetRealizedVolatility7d(ctx context.Context) (float64, error)
	GetBreadthAbove20MA(ctx context.Context) (float64, error) // Percentage 0.0-1.0
	GetPutCallSkew(ctx context.Context) (float64, error)      // >1.0 means defensive positioning
	GetTimestamp(ctx context.Context) (time.Time, error)
}

// DetectorConfig holds configuration for the regime detector
type DetectorConfig struct {
	UpdateIntervalHours  int     `yaml:"update_interval_hours"`   // Default: 4
	RealizedVolThreshold float64 `yaml:"realized_vol_threshold"`  // Default: 0.25 (25%)
	BreadthThreshold     float64 `yaml:"breadth_threshold"`       // Default: 0.60 (60%)
	PutCallSkewThreshold float64 `yaml:"put_call_skew_threshold"` // Default: 1.20
}

// DefaultDetectorConfig returns the standard detection thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		UpdateIntervalHours:  4,
		RealizedVolThreshold: 0.25,
		BreadthThreshold:     0.60,
		PutCallSkewThreshold: 1.20,
	}
}

// DetectionResult contains the regime classification result
type DetectionResult struct {
	Regime          Regime             `json:"regime"`
	Confidence      float64            `json:"confidence"` // 0.0-1.0
	Signals         map[string]float64 `json:"signals"`
	VotingBreakdown map[string]string  `json:"voting_breakdown"` // Per-signal votes
	LastUpdate      time.Time          `json:"last_update"`
	NextUpdate      time.Time          `json:"next_update"`
	IsStable        bool               `json:"is_stable"` // True if regime hasn't changed in 2+ cycles
}

// Change tracks regime transitions for stability analysis
type Change struct {
	Timestamp  time.Time `json:"timestamp"`
	FromRegime Regime    `json:"from_regime"`
	ToRegime   Regime    `json:"to_regime"`
	Confidence float64   `json:"confidence"`
}

// Detector classifies the market regime on a fixed refresh interval and
// returns the cached result between refreshes. Safe for concurrent use.
type Detector struct {
	mu            sync.Mutex
	config        DetectorConfig
	inputs        DetectorInputs
	lastResult    *DetectionResult
	lastUpdate    time.Time
	changeHistory []Change
}

// NewDetector creates a regime detector with the given inputs and config.
func NewDetector(inputs DetectorInputs, config DetectorConfig) *Detector {
	return &Detector{
		config:        config,
		inputs:        inputs,
		changeHistory: make([]Change, 0),
	}
}

// Current returns the most recent classification, refreshing it when the
// update interval has elapsed. Falls back to the last known regime when
// detection fails, and to Mixed before the first successful detection.
func (d *Detector) Current(ctx context.Context) (Regime, error) {
	result, err := d.Detect(ctx)
	if err != nil {
		d.mu.Lock()
		last := d.lastResult
		d.mu.Unlock()
		if last != nil {
			return last.Regime, nil
		}
		return Mixed, err
	}
	return result.Regime, nil
}

// Detect performs regime classification using majority voting
func (d *Detector) Detect(ctx context.Context) (*DetectionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now, err := d.inputs.GetTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current timestamp: %w", err)
	}

	interval := time.Duration(d.config.UpdateIntervalHours) * time.Hour
	if d.lastResult != nil && now.Sub(d.lastUpdate) < interval {
		return d.lastResult, nil // Return cached result
	}

	signals, err := d.fetchSignals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch regime signals: %w", err)
	}

	votes := d.calculateVotes(signals)
	reg, confidence := majorityVote(votes)

	result := &DetectionResult{
		Regime:          reg,
		Confidence:      confidence,
		Signals:         signals,
		VotingBreakdown: votes,
		LastUpdate:      now,
		NextUpdate:      now.Add(interval),
		IsStable:        d.isStable(now),
	}

	if d.lastResult != nil && d.lastResult.Regime != reg {
		d.changeHistory = append(d.changeHistory, Change{
			Timestamp:  now,
			FromRegime: d.lastResult.Regime,
			ToRegime:   reg,
			Confidence: confidence,
		})
	}

	d.lastResult = result
	d.lastUpdate = now

	return result, nil
}

// History returns the regime change history
func (d *Detector) History() []Change {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Change, len(d.changeHistory))
	copy(out, d.changeHistory)
	return out
}

// LastResult returns the cached detection, or nil before the first detect.
func (d *Detector) LastResult() *DetectionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastResult
}

func (d *Detector) fetchSignals(ctx context.Context) (map[string]float64, error) {
	signals := make(map[string]float64)

	realizedVol, err := d.inputs.GetRealizedVolatility7d(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get realized volatility: %w", err)
	}
	signals["realized_vol_7d"] = realizedVol

	breadth, err := d.inputs.GetBreadthAbove20MA(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get breadth above 20MA: %w", err)
	}
	signals["breadth_above_20ma"] = breadth

	skew, err := d.inputs.GetPutCallSkew(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get put/call skew: %w", err)
	}
	signals["put_call_skew"] = skew

	return signals, nil
}

// calculateVotes determines each signal's vote for regime classification
func (d *Detector) calculateVotes(signals map[string]float64) map[string]string {
	votes := make(map[string]string)

	if signals["realized_vol_7d"] > d.config.RealizedVolThreshold {
		votes["realized_vol"] = "panic"
	} else {
		votes["realized_vol"] = "risk_on"
	}

	if signals["breadth_above_20ma"] > d.config.BreadthThreshold {
		votes["breadth"] = "risk_on"
	} else {
		votes["breadth"] = "mixed"
	}

	if signals["put_call_skew"] > d.config.PutCallSkewThreshold {
		votes["put_call_skew"] = "panic"
	} else {
		votes["put_call_skew"] = "risk_on"
	}

	return votes
}

// majorityVote tallies per-signal votes into a single classification with
// a confidence derived from the vote margin.
func majorityVote(votes map[string]string) (Regime, float64) {
	counts := map[string]int{"risk_on": 0, "mixed": 0, "panic": 0}
	for _, v := range votes {
		counts[v]++
	}

	// Two panic votes win outright: a volatility spike must not be diluted
	// into Mixed by one optimistic signal.
	if counts["panic"] >= 2 {
		return Panic, float64(counts["panic"]) / float64(len(votes))
	}

	maxVotes := 0
	winner := "mixed"
	for name, count := range counts {
		if count > maxVotes {
			maxVotes = count
			winner = name
		}
	}

	confidence := float64(maxVotes) / float64(len(votes))
	return ParseRegime(winner), confidence
}

// isStable reports whether no change occurred within the last two update
// intervals.
func (d *Detector) isStable(now time.Time) bool {
	if len(d.changeHistory) == 0 {
		return true
	}
	cutoff := now.Add(-2 * time.Duration(d.config.UpdateIntervalHours) * time.Hour)
	for _, change := range d.changeHistory {
		if change.Timestamp.After(cutoff) {
			return false
		}
	}
	return true
}
