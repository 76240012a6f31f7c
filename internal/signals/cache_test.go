package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantrade/edgerun/internal/domain"
)

func TestFreshnessDecayRespectsFloor(t *testing.T) {
	cache := NewCache(DefaultFreshnessConfig())
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	cache.SetClock(func() time.Time { return now })

	cache.Put(domain.Signal{
		Symbol:        "NVDA",
		Families:      map[domain.SignalFamily]domain.FamilyData{},
		LastRefreshed: now,
	})

	entry, ok := cache.Get("NVDA")
	require.True(t, ok)
	assert.InDelta(t, 1.0, entry.Freshness, 1e-9)

	// Moderately fresh data stays close to full value.
	now = now.Add(30 * time.Minute)
	entry, _ = cache.Get("NVDA")
	assert.GreaterOrEqual(t, entry.Freshness, 0.90)
	assert.Less(t, entry.Freshness, 1.0)

	// Very old data bottoms out at the floor, never zero.
	now = now.Add(72 * time.Hour)
	entry, _ = cache.Get("NVDA")
	assert.InDelta(t, 0.90, entry.Freshness, 0.001)
	assert.True(t, entry.Stale)
}

func TestPutFamilyReplacesWholesale(t *testing.T) {
	cache := NewCache(DefaultFreshnessConfig())
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	cache.SetClock(func() time.Time { return now })

	cache.PutFamily("TSLA", domain.FamilyData{
		Family:    domain.FamilyFlowConviction,
		Value:     0.8,
		Direction: 1.0,
		Meta:      map[string]interface{}{"sweeps": 12},
	})
	cache.PutFamily("TSLA", domain.FamilyData{
		Family:    domain.FamilyFlowConviction,
		Value:     0.3,
		Direction: -1.0,
	})

	entry, ok := cache.Get("TSLA")
	require.True(t, ok)
	fd, ok := entry.Signal.Family(domain.FamilyFlowConviction)
	require.True(t, ok)
	assert.Equal(t, 0.3, fd.Value)
	assert.Nil(t, fd.Meta, "old metadata must not survive a replace")
}

func TestGetMissingSymbol(t *testing.T) {
	cache := NewCache(DefaultFreshnessConfig())
	_, ok := cache.Get("MISSING")
	assert.False(t, ok)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	cache := NewCache(DefaultFreshnessConfig())
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	cache.SetClock(func() time.Time { return now })

	cache.PutFamily("AMD", domain.FamilyData{Family: domain.FamilyDarkPool, Value: 0.6, Notional: 4.2e6})
	cache.PutFamily("AAPL", domain.FamilyData{Family: domain.FamilySentiment, Value: 0.4})

	restored := NewCache(DefaultFreshnessConfig())
	restored.SetClock(func() time.Time { return now })
	restored.Restore(cache.Snapshot())

	assert.Equal(t, 2, restored.Len())
	entry, ok := restored.Get("AMD")
	require.True(t, ok)
	fd, _ := entry.Signal.Family(domain.FamilyDarkPool)
	assert.Equal(t, 4.2e6, fd.Notional)
}
