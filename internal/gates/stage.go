package gates

// Stage is the system maturity level. Floors tighten as the system
// accumulates realized trades: early admissions are deliberately permissive
// to gather samples, later ones demand a proven edge.
type Stage int

const (
	StageBootstrap Stage = iota
	StageUnlocked
	StageHighConfidence
)

func (s Stage) String() string {
	switch s {
	case StageBootstrap:
		return "bootstrap"
	case StageUnlocked:
		return "unlocked"
	case StageHighConfidence:
		return "high_confidence"
	default:
		return "unknown"
	}
}

// StageConfig holds trade-count boundaries and per-stage floors.
type StageConfig struct {
	UnlockedAfterTrades       int                `yaml:"unlocked_after_trades"`        // Default 50
	HighConfidenceAfterTrades int                `yaml:"high_confidence_after_trades"` // Default 200
	MinScore                  map[string]float64 `yaml:"min_score"`                    // stage -> score floor
	MinExpectancy             map[string]float64 `yaml:"min_expectancy"`               // stage -> EV floor, percent
}

// DefaultStageConfig returns the standard maturity progression. The
// bootstrap score floor is the 2.7 base threshold; later stages raise it.
func DefaultStageConfig() StageConfig {
	return StageConfig{
		UnlockedAfterTrades:       50,
		HighConfidenceAfterTrades: 200,
		MinScore: map[string]float64{
			StageBootstrap.String():      2.7,
			StageUnlocked.String():       2.9,
			StageHighConfidence.String(): 3.1,
		},
		MinExpectancy: map[string]float64{
			StageBootstrap.String():      0.0,
			StageUnlocked.String():       0.30,
			StageHighConfidence.String(): 0.60,
		},
	}
}

// StageFor maps a closed-trade count to a maturity stage.
func (sc StageConfig) StageFor(closedTrades int) Stage {
	switch {
	case closedTrades >= sc.HighConfidenceAfterTrades:
		return StageHighConfidence
	case closedTrades >= sc.UnlockedAfterTrades:
		return StageUnlocked
	default:
		return StageBootstrap
	}
}

// ScoreFloor returns the minimum final score for a stage.
func (sc StageConfig) ScoreFloor(s Stage) float64 {
	if v, ok := sc.MinScore[s.String()]; ok {
		return v
	}
	return sc.MinScore[StageHighConfidence.String()] // Unknown stage: tightest floor
}

// ExpectancyFloor returns the minimum estimated EV for a stage.
func (sc StageConfig) ExpectancyFloor(s Stage) float64 {
	if v, ok := sc.MinExpectancy[s.String()]; ok {
		return v
	}
	return sc.MinExpectancy[StageHighConfidence.String()]
}
