package scoring

import (
	"math"
	"sort"

	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/regime"
	"github.com/vantrade/edgerun/internal/signals"
)

// Component names. Each maps a signal family into a bounded contribution;
// toxicity is the designated negative-weight component.
const (
	ComponentFlowConviction    = "flow_conviction"
	ComponentDarkPool          = "dark_pool"
	ComponentGammaExposure     = "gamma_exposure"
	ComponentInsiderActivity   = "insider_activity"
	ComponentInstitutionalFlow = "institutional_flow"
	ComponentToxicity          = "toxicity"
)

// Components returns the fixed component set in evaluation order.
func Components() []string {
	return []string{
		ComponentFlowConviction,
		ComponentDarkPool,
		ComponentGammaExposure,
		ComponentInsiderActivity,
		ComponentInstitutionalFlow,
		ComponentToxicity,
	}
}

// Multipliers holds the learned per-component multipliers for one regime.
// Produced by the weight learner; components absent from the map score at
// the neutral 1.0 multiplier.
type Multipliers map[string]float64

// Get returns the learned multiplier for a component, defaulting to 1.0.
func (m Multipliers) Get(component string) float64 {
	if m == nil {
		return 1.0
	}
	if v, ok := m[component]; ok {
		return v
	}
	return 1.0
}

// ScorerConfig holds base weights, regime adjustment tables, and bounds.
type ScorerConfig struct {
	BaseWeights    map[string]float64            `yaml:"base_weights"`
	RegimeWeights  map[string]map[string]float64 `yaml:"regime_weights"`  // regime -> component -> multiplier
	NeutralValue   float64                       `yaml:"neutral_value"`   // Raw value for missing families, default 0.5
	ToxicityCutoff float64                       `yaml:"toxicity_cutoff"` // Disagreement level that activates the penalty
	MinScore       float64                       `yaml:"min_score"`
	MaxScore       float64                       `yaml:"max_score"`
}

// DefaultScorerConfig returns the production weight tables. Per-component
// numeric values are strategy parameters tuned by backtesting; the shape of
// the calculation is the contract.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		BaseWeights: map[string]float64{
			ComponentFlowConviction:    1.20,
			ComponentDarkPool:          0.90,
			ComponentGammaExposure:     0.80,
			ComponentInsiderActivity:   0.70,
			ComponentInstitutionalFlow: 0.90,
			ComponentToxicity:          -0.60, // Negative weight: subtracts on source disagreement
		},
		RegimeWeights: map[string]map[string]float64{
			regime.RiskOn.String(): {
				ComponentFlowConviction:    1.10,
				ComponentDarkPool:          1.00,
				ComponentGammaExposure:     1.00,
				ComponentInsiderActivity:   0.90,
				ComponentInstitutionalFlow: 1.10,
				ComponentToxicity:          0.80, // Disagreement matters less in broad rallies
			},
			regime.Mixed.String(): {
				ComponentFlowConviction:    1.00,
				ComponentDarkPool:          1.00,
				ComponentGammaExposure:     1.00,
				ComponentInsiderActivity:   1.00,
				ComponentInstitutionalFlow: 1.00,
				ComponentToxicity:          1.00,
			},
			regime.Panic.String(): {
				ComponentFlowConviction:    0.80, // Retail flow is noise in panics
				ComponentDarkPool:          1.20, // Institutional prints matter more
				ComponentGammaExposure:     1.20,
				ComponentInsiderActivity:   1.10,
				ComponentInstitutionalFlow: 1.10,
				ComponentToxicity:          1.40, // Disagreement is most dangerous here
			},
		},
		NeutralValue:   0.5,
		ToxicityCutoff: 0.60,
		MinScore:       0.0,
		MaxScore:       5.0,
	}
}

// Scorer computes bounded composite scores. Score is a pure function of
// (cache entry, multipliers, regime): identical inputs always produce an
// identical result.
type Scorer struct {
	config ScorerConfig
}

// NewScorer creates a scorer with the given config.
func NewScorer(config ScorerConfig) *Scorer {
	return &Scorer{config: config}
}

// Score computes the composite score for one symbol from its cached
// snapshot, the learned multipliers for the active regime, and the regime
// itself. The returned record is immutable and carries the full component
// breakdown for audit.
func (s *Scorer) Score(entry signals.Entry, mults Multipliers, reg regime.Regime) domain.CompositeScore {
	sig := entry.Signal
	contributions := make(map[string]float64, len(s.config.BaseWeights))
	regimeTable := s.config.RegimeWeights[reg.String()]

	rawSum := 0.0
	regimeSum := 0.0
	for _, component := range sortedComponents(s.config.BaseWeights) {
		baseWeight := s.config.BaseWeights[component]
		raw := s.rawValue(component, &sig)
		learned := mults.Get(component)

		regimeMult := 1.0
		if regimeTable != nil {
			if rm, ok := regimeTable[component]; ok {
				regimeMult = rm
			}
		}

		rawSum += baseWeight * learned * raw
		contribution := baseWeight * regimeMult * learned * raw
		regimeSum += contribution
		contributions[component] = contribution
	}

	freshness := entry.Freshness
	if freshness <= 0 {
		freshness = 1.0
	}
	final := clamp(regimeSum*freshness, s.config.MinScore, s.config.MaxScore)

	return domain.CompositeScore{
		Symbol:        sig.Symbol,
		RawScore:      rawSum,
		RegimeScore:   regimeSum,
		FinalScore:    final,
		Freshness:     freshness,
		Direction:     s.direction(&sig),
		Contributions: contributions,
		Regime:        reg.String(),
		Source:        "composite_v1",
		ComputedAt:    sig.LastRefreshed,
	}
}

// rawValue maps a component's signal family into a bounded value. Missing
// data maps to the neutral default rather than zero so one unavailable
// family cannot collapse the whole score.
func (s *Scorer) rawValue(component string, sig *domain.Signal) float64 {
	if component == ComponentToxicity {
		return s.toxicityValue(sig)
	}

	var family domain.SignalFamily
	switch component {
	case ComponentFlowConviction:
		family = domain.FamilyFlowConviction
	case ComponentDarkPool:
		family = domain.FamilyDarkPool
	case ComponentGammaExposure:
		family = domain.FamilyGammaExposure
	case ComponentInsiderActivity:
		family = domain.FamilyInsiderActivity
	case ComponentInstitutionalFlow:
		family = domain.FamilyInstitutionalFlow
	default:
		return s.config.NeutralValue
	}

	fd, ok := sig.Family(family)
	if !ok {
		return s.config.NeutralValue
	}
	return clamp(fd.Value, 0.0, 1.0)
}

// toxicityValue measures disagreement between directional families. Below
// the cutoff the component contributes nothing; above it the disagreement
// level itself is the raw value, which the negative base weight subtracts.
func (s *Scorer) toxicityValue(sig *domain.Signal) float64 {
	directions := make([]float64, 0, 5)
	for _, family := range domain.AllFamilies() {
		if family == domain.FamilySentiment {
			continue // Sentiment divergence is already a disagreement read
		}
		if fd, ok := sig.Family(family); ok {
			directions = append(directions, fd.Direction)
		}
	}
	if len(directions) < 2 {
		return 0.0
	}

	mean := 0.0
	for _, d := range directions {
		mean += d
	}
	mean /= float64(len(directions))

	variance := 0.0
	for _, d := range directions {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(directions))

	// Directions live in [-1, 1]; variance of 1.0 means full disagreement.
	disagreement := math.Sqrt(variance)
	if disagreement < s.config.ToxicityCutoff {
		return 0.0
	}
	return clamp(disagreement, 0.0, 1.0)
}

// direction derives the net directional read across families, weighted by
// each family's conviction value.
func (s *Scorer) direction(sig *domain.Signal) domain.Side {
	weighted := 0.0
	for _, family := range domain.AllFamilies() {
		if fd, ok := sig.Family(family); ok {
			weighted += fd.Direction * fd.Value
		}
	}
	if weighted < 0 {
		return domain.SideShort
	}
	return domain.SideLong
}

func sortedComponents(weights map[string]float64) []string {
	out := make([]string, 0, len(weights))
	for c := range weights {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
