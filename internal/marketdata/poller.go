package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/alluse/engine/internal/domain"
	"github.com/rs/zerolog"
)

// pullTimeout bounds one full polling pass across all symbols.
const pullTimeout = 10 * time.Second

// Poller periodically pulls quotes, option chains and the VIX print through
// the market-data client into the snapshot cache. Chains only move through
// this path; the streaming feed carries quotes and VIX ticks but never
// chains, and in mock mode the poller is the sole data source. A failed pull
// is logged and skipped: the symbol's snapshot simply goes stale and the
// freshness gates downstream suppress entries until data returns.
type Poller struct {
	client   domain.MarketDataClient
	cache    *Cache
	symbols  []string
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	stopChan chan struct{}
	stopped  bool
}

// NewPoller creates a poller over the given symbol universe
func NewPoller(client domain.MarketDataClient, cache *Cache, symbols []string, interval time.Duration, log zerolog.Logger) *Poller {
	return &Poller{
		client:   client,
		cache:    cache,
		symbols:  symbols,
		interval: interval,
		log:      log.With().Str("component", "market_poller").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start primes the cache and then polls on the configured interval.
// Blocks until Stop is called or the context ends.
func (p *Poller) Start(ctx context.Context) error {
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// Stop terminates the poller
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopChan)
}

func (p *Poller) poll(ctx context.Context) {
	pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	for _, symbol := range p.symbols {
		q, err := p.client.Quote(pullCtx, symbol)
		if err != nil {
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("Quote pull failed")
			continue
		}
		chain, err := p.client.Chain(pullCtx, symbol)
		if err != nil {
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("Chain pull failed")
			continue
		}
		p.cache.SetQuote(*q)
		p.cache.SetChain(symbol, chain)
	}

	vix, err := p.client.VIXLast(pullCtx)
	if err != nil {
		p.log.Warn().Err(err).Msg("VIX pull failed")
		return
	}
	p.cache.SetVIXPrint(vix)
}
