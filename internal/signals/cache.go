package signals

import (
	"math"
	"sync"
	"time"

	"github.com/vantrade/edgerun/internal/domain"
)

// FreshnessConfig controls how signal age decays into a score multiplier.
type FreshnessConfig struct {
	HalfLifeMinutes float64 `yaml:"half_life_minutes"` // Age at which decay reaches midpoint, default 90
	Floor           float64 `yaml:"floor"`             // Minimum multiplier, default 0.90
	StaleAfterHours float64 `yaml:"stale_after_hours"` // Entries older than this are reported stale, default 24
}

// DefaultFreshnessConfig returns the standard decay parameters.
func DefaultFreshnessConfig() FreshnessConfig {
	return FreshnessConfig{
		HalfLifeMinutes: 90,
		Floor:           0.90,
		StaleAfterHours: 24,
	}
}

// Entry is one cached symbol snapshot with derived freshness.
type Entry struct {
	Signal    domain.Signal `json:"signal"`
	Freshness float64       `json:"freshness"`
	Stale     bool          `json:"stale"`
}

// Cache is the per-symbol store of the latest known signal snapshots.
// Writes replace a symbol's snapshot wholesale; readers never block on a
// refresh in flight and always get the best-available entry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]domain.Signal
	config  FreshnessConfig
	clock   func() time.Time
}

// NewCache creates an empty signal cache.
func NewCache(config FreshnessConfig) *Cache {
	return &Cache{
		entries: make(map[string]domain.Signal),
		config:  config,
		clock:   time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (c *Cache) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// Put replaces a symbol's snapshot wholesale.
func (c *Cache) Put(signal domain.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if signal.LastRefreshed.IsZero() {
		signal.LastRefreshed = c.clock()
	}
	c.entries[signal.Symbol] = signal
}

// PutFamily merges one family's payload into a symbol's snapshot, creating
// the snapshot if absent. The family payload itself is replaced wholesale.
func (c *Cache) PutFamily(symbol string, data domain.FamilyData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	sig, ok := c.entries[symbol]
	if !ok {
		sig = domain.Signal{Symbol: symbol, Families: make(map[domain.SignalFamily]domain.FamilyData)}
	}
	if sig.Families == nil {
		sig.Families = make(map[domain.SignalFamily]domain.FamilyData)
	}
	if data.Timestamp.IsZero() {
		data.Timestamp = now
	}
	sig.Families[data.Family] = data
	sig.LastRefreshed = now
	c.entries[symbol] = sig
}

// Get returns the best-available entry for a symbol with derived freshness.
// Never blocks on refresh; a missing symbol returns ok=false.
func (c *Cache) Get(symbol string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sig, ok := c.entries[symbol]
	if !ok {
		return Entry{}, false
	}

	age := c.clock().Sub(sig.LastRefreshed)
	return Entry{
		Signal:    sig,
		Freshness: c.freshnessForAge(age),
		Stale:     age > time.Duration(c.config.StaleAfterHours*float64(time.Hour)),
	}, true
}

// Symbols returns all currently cached symbols.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for sym := range c.entries {
		out = append(out, sym)
	}
	return out
}

// Snapshot returns a copy of every cached signal, for persistence.
func (c *Cache) Snapshot() []domain.Signal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Signal, 0, len(c.entries))
	for _, sig := range c.entries {
		out = append(out, sig)
	}
	return out
}

// Restore loads persisted signals, used at startup.
func (c *Cache) Restore(sigs []domain.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sig := range sigs {
		c.entries[sig.Symbol] = sig
	}
}

// Len returns the number of cached symbols.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// freshnessForAge maps entry age to a multiplier in [floor, 1.0] using
// exponential decay. Moderately stale data keeps most of its value; the
// floor prevents informative-but-old data from being punished to zero.
func (c *Cache) freshnessForAge(age time.Duration) float64 {
	if age <= 0 {
		return 1.0
	}
	halfLife := c.config.HalfLifeMinutes
	if halfLife <= 0 {
		halfLife = 90
	}
	decay := math.Pow(0.5, age.Minutes()/halfLife)
	span := 1.0 - c.config.Floor
	return c.config.Floor + span*decay
}
