package sim

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/vantrade/edgerun/internal/domain"
)

// Provider is a deterministic-enough synthetic market for paper runs
// and demos. Each symbol follows a random walk with a per-symbol drift;
// family readings are derived from the walk so scores, entries, and
// exits behave like they would against a live feed.
type Provider struct {
	mu      sync.Mutex
	rng     *rand.Rand
	symbols map[string]*symbolState
	sectors map[string]string
}

type symbolState struct {
	price     float64
	prevClose float64
	drift     float64
}

func NewProvider(seed int64) *Provider {
	return &Provider{
		rng:     rand.New(rand.NewSource(seed)),
		symbols: make(map[string]*symbolState),
		sectors: make(map[string]string),
	}
}

// AddSymbol seeds a symbol with its starting price and sector.
func (p *Provider) AddSymbol(symbol, sector string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols[symbol] = &symbolState{
		price:     price,
		prevClose: price,
		drift:     (p.rng.Float64() - 0.45) * 0.002,
	}
	p.sectors[symbol] = sector
}

// Step advances every symbol's walk one tick.
func (p *Provider) Step() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.symbols {
		st.prevClose = st.price
		shock := p.rng.NormFloat64() * 0.01
		st.price *= 1 + st.drift + shock
		if st.price < 1 {
			st.price = 1
		}
	}
}

func (p *Provider) Name() string { return "sim" }

// Fetch derives a family reading from the symbol's walk. Strong recent
// moves read as strong conviction in the move's direction.
func (p *Provider) Fetch(_ context.Context, symbol, family string) (domain.FamilyData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.symbols[symbol]
	if !ok {
		return domain.FamilyData{}, &unknownSymbolError{symbol: symbol}
	}

	move := st.price/st.prevClose - 1
	direction := 1.0
	if move < 0 {
		direction = -1.0
	}
	// Map move magnitude into [0.3, 1.0) with family-specific jitter so
	// the six families agree on direction but not on strength.
	strength := 0.3 + math.Min(math.Abs(move)*40, 0.5) + p.rng.Float64()*0.2
	if strength > 1 {
		strength = 1
	}
	return domain.FamilyData{
		Family:    domain.SignalFamily(family),
		Value:     strength,
		Direction: direction,
		Notional:  st.price * (1000 + p.rng.Float64()*9000),
		Timestamp: time.Now(),
	}, nil
}

// Price implements the market view.
func (p *Provider) Price(symbol string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.symbols[symbol]
	if !ok {
		return 0, false
	}
	return st.price, true
}

// PriceChange24h reports the percent move on the last step.
func (p *Provider) PriceChange24h(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.symbols[symbol]
	if !ok {
		return 0
	}
	return (st.price/st.prevClose - 1) * 100
}

func (p *Provider) Sector(symbol string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sectors[symbol]
}

// FlowReversal reads adverse flow as the strength of a move against
// the prior tick.
func (p *Provider) FlowReversal(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.symbols[symbol]
	if !ok {
		return 0
	}
	move := st.price/st.prevClose - 1
	if move >= 0 {
		return 0
	}
	return math.Min(math.Abs(move)*20, 1)
}

// GetRealizedVolatility7d implements regime detection inputs from the
// cross-sectional dispersion of recent moves.
func (p *Provider) GetRealizedVolatility7d(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.symbols) == 0 {
		return 0.15, nil
	}
	sum := 0.0
	for _, st := range p.symbols {
		sum += math.Abs(st.price/st.prevClose - 1)
	}
	return sum / float64(len(p.symbols)) * 16, nil // annualized-ish scaling
}

func (p *Provider) GetBreadthAbove20MA(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.symbols) == 0 {
		return 0.5, nil
	}
	up := 0
	for _, st := range p.symbols {
		if st.price >= st.prevClose {
			up++
		}
	}
	return float64(up) / float64(len(p.symbols)), nil
}

func (p *Provider) GetPutCallSkew(context.Context) (float64, error) {
	breadth, _ := p.GetBreadthAbove20MA(context.Background())
	// Defensive positioning rises as breadth collapses.
	return 1.4 - breadth*0.5, nil
}

func (p *Provider) GetTimestamp(context.Context) (time.Time, error) {
	return time.Now(), nil
}

type unknownSymbolError struct {
	symbol string
}

func (e *unknownSymbolError) Error() string {
	return "unknown symbol " + e.symbol
}
