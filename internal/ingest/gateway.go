package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/regime"
	"github.com/vantrade/edgerun/internal/signals"
)

// MarketDataProvider serves raw family readings for one symbol. A
// provider returns RateLimitError when its quota is exhausted and
// TransientError for retryable failures.
type MarketDataProvider interface {
	Name() string
	Fetch(ctx context.Context, symbol, family string) (domain.FamilyData, error)
}

// GatewayConfig bounds provider pressure and retry behavior.
type GatewayConfig struct {
	RatePerSecond    float64       `yaml:"rate_per_second"`
	Burst            int           `yaml:"burst"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	Backoff          BackoffConfig `yaml:"backoff"`
	BreakerFailures  uint32        `yaml:"breaker_failures"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	DrainBatch       int           `yaml:"drain_batch"`
	MaxQueueAttempts int           `yaml:"max_queue_attempts"`
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		RatePerSecond:    5.0,
		Burst:            10,
		MaxConcurrent:    4,
		Backoff:          DefaultBackoffConfig(),
		BreakerFailures:  5,
		BreakerTimeout:   60 * time.Second,
		DrainBatch:       32,
		MaxQueueAttempts: 5,
	}
}

// Report summarizes one ingestion pass.
type Report struct {
	Fetched int
	Failed  int
	Queued  int
}

// Gateway paces all provider traffic through a shared token bucket and
// circuit breaker, fans symbols out across a bounded worker pool, and
// defers rate-limited requests to the durable queue when the regime is
// panic so high-volatility cycles never silently drop data.
type Gateway struct {
	cfg      GatewayConfig
	provider MarketDataProvider
	cache    *signals.Cache
	queue    SignalQueue
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewGateway(cfg GatewayConfig, provider MarketDataProvider, cache *signals.Cache, queue SignalQueue) *Gateway {
	if queue == nil {
		queue = NewMemoryQueue()
	}
	g := &Gateway{
		cfg:      cfg,
		provider: provider,
		cache:    cache,
		queue:    queue,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    provider.Name(),
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("provider circuit state change")
		},
	})
	return g
}

// SetClock overrides time sources for tests. A nil sleep disables
// backoff waits entirely.
func (g *Gateway) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	if now != nil {
		g.now = now
	}
	if sleep != nil {
		g.sleep = sleep
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RefreshAll fetches every family for every symbol. Failures are
// isolated per symbol: one symbol's provider trouble never blocks the
// rest of the universe.
func (g *Gateway) RefreshAll(ctx context.Context, symbols []string, reg regime.Regime) Report {
	var (
		mu     sync.Mutex
		report Report
		wg     sync.WaitGroup
	)
	sem := make(chan struct{}, g.cfg.MaxConcurrent)
	for _, symbol := range symbols {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()
			fetched, failed, queued := g.refreshSymbol(ctx, symbol, reg)
			mu.Lock()
			report.Fetched += fetched
			report.Failed += failed
			report.Queued += queued
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()
	return report
}

func (g *Gateway) refreshSymbol(ctx context.Context, symbol string, reg regime.Regime) (fetched, failed, queued int) {
	for _, family := range domain.AllFamilies() {
		data, err := g.fetchWithRetry(ctx, symbol, string(family))
		if err == nil {
			g.cache.PutFamily(symbol, data)
			fetched++
			continue
		}
		failed++
		if IsRateLimit(err) && reg == regime.Panic {
			item := QueuedFetch{Symbol: symbol, Family: string(family), EnqueuedAt: g.now()}
			if qerr := g.queue.Enqueue(ctx, item); qerr != nil {
				log.Error().Err(qerr).Str("symbol", symbol).Msg("failed to queue deferred fetch")
			} else {
				queued++
			}
			continue
		}
		log.Warn().
			Err(err).
			Str("symbol", symbol).
			Str("family", string(family)).
			Msg("family fetch failed")
	}
	return fetched, failed, queued
}

// fetchWithRetry runs one fetch through the limiter and breaker,
// retrying transient errors under the backoff budget. Rate limit errors
// are never retried inline; the caller decides whether to queue them.
func (g *Gateway) fetchWithRetry(ctx context.Context, symbol, family string) (domain.FamilyData, error) {
	bo := NewBackoff(g.cfg.Backoff, g.now())
	var lastErr error
	for !bo.Exhausted(g.now()) {
		delay := bo.Advance()
		if err := g.sleep(ctx, delay); err != nil {
			return domain.FamilyData{}, err
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return domain.FamilyData{}, err
		}
		res, err := g.breaker.Execute(func() (interface{}, error) {
			return g.provider.Fetch(ctx, symbol, family)
		})
		if err == nil {
			return res.(domain.FamilyData), nil
		}
		lastErr = err
		if IsRateLimit(err) {
			return domain.FamilyData{}, err
		}
		if !IsTransient(err) {
			// Breaker-open and permanent provider errors are not worth
			// burning the retry budget on.
			return domain.FamilyData{}, err
		}
	}
	return domain.FamilyData{}, fmt.Errorf("fetch %s/%s: retries exhausted: %w", symbol, family, lastErr)
}

// DrainQueue retries deferred fetches from earlier cycles. Items that
// fail again are re-queued with a bumped attempt count until
// MaxQueueAttempts, after which they are dropped with a log line.
func (g *Gateway) DrainQueue(ctx context.Context) (retried, requeued int, err error) {
	items, err := g.queue.Dequeue(ctx, g.cfg.DrainBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("dequeue deferred fetches: %w", err)
	}
	for _, item := range items {
		data, ferr := g.fetchWithRetry(ctx, item.Symbol, item.Family)
		if ferr == nil {
			g.cache.PutFamily(item.Symbol, data)
			retried++
			continue
		}
		item.Attempts++
		if item.Attempts >= g.cfg.MaxQueueAttempts {
			log.Error().
				Str("symbol", item.Symbol).
				Str("family", item.Family).
				Int("attempts", item.Attempts).
				Msg("dropping deferred fetch after repeated failures")
			continue
		}
		if qerr := g.queue.Enqueue(ctx, item); qerr != nil {
			log.Error().Err(qerr).Str("symbol", item.Symbol).Msg("failed to requeue deferred fetch")
			continue
		}
		requeued++
	}
	return retried, requeued, nil
}

// QueueDepth reports the number of deferred fetches awaiting retry.
func (g *Gateway) QueueDepth(ctx context.Context) int {
	n, err := g.queue.Len(ctx)
	if err != nil {
		return -1
	}
	return n
}
