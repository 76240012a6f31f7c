package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Heartbeater reports when work last made progress.
type Heartbeater interface {
	LastHeartbeat() time.Time
}

// WatchdogConfig bounds staleness detection.
type WatchdogConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	StaleAfter    time.Duration `yaml:"stale_after"`
}

func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		CheckInterval: time.Minute,
		StaleAfter:    45 * time.Minute,
	}
}

// Watchdog monitors the worker heartbeat and invokes onStale when the
// loop stops making progress. The callback owns recovery, typically
// canceling and relaunching the loop.
type Watchdog struct {
	cfg     WatchdogConfig
	target  Heartbeater
	onStale func()
	now     func() time.Time
}

func NewWatchdog(cfg WatchdogConfig, target Heartbeater, onStale func()) *Watchdog {
	return &Watchdog{cfg: cfg, target: target, onStale: onStale, now: time.Now}
}

// SetClock overrides the time source for tests.
func (wd *Watchdog) SetClock(now func() time.Time) { wd.now = now }

// Check returns true when the heartbeat is stale. A heartbeat from
// before startedAt belongs to a previous loop and counts as no
// heartbeat at all, so a relaunched loop always gets a full StaleAfter
// window before it can be declared stale again.
func (wd *Watchdog) Check(startedAt time.Time) bool {
	hb := wd.target.LastHeartbeat()
	if hb.Before(startedAt) {
		return wd.now().Sub(startedAt) > wd.cfg.StaleAfter
	}
	return wd.now().Sub(hb) > wd.cfg.StaleAfter
}

// Run polls until the context is canceled, firing onStale at most once
// per staleness episode.
func (wd *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(wd.cfg.CheckInterval)
	defer ticker.Stop()

	startedAt := wd.now()
	fired := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if wd.Check(startedAt) {
				if !fired {
					age := wd.now().Sub(wd.target.LastHeartbeat())
					log.Error().
						Dur("heartbeat_age", age).
						Str("severity", "critical").
						Msg("worker heartbeat stale, triggering restart")
					fired = true
					if wd.onStale != nil {
						wd.onStale()
					}
				}
			} else {
				fired = false
			}
		}
	}
}
