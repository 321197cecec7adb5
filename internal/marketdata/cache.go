// Package marketdata provides the normalized last-valid view of quotes,
// option chains, and VIX per symbol, with staleness tracking. Stale entries
// may be used for monitoring but never for new entries.
package marketdata

import (
	"sync"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/domain"
	"github.com/rs/zerolog"
)

// StaleThreshold is the age beyond which a snapshot entry is marked stale.
const StaleThreshold = 30 * time.Second

// Snapshot is the cached view for one symbol
type Snapshot struct {
	Quote     domain.Quote
	Chain     []domain.OptionContract
	UpdatedAt time.Time
}

// Cache is the multi-reader/single-writer market snapshot cache.
// Writers are the data-feed adapters; readers are state machines and the
// protocol engine. Protocol recomputation always sees a complete snapshot,
// never a partial one.
type Cache struct {
	clk clock.Clock
	log zerolog.Logger

	mu        sync.RWMutex
	snapshots map[string]Snapshot
	vixClose  float64
	vixPrint  float64
	vixAt     time.Time
}

// NewCache creates an empty snapshot cache
func NewCache(clk clock.Clock, log zerolog.Logger) *Cache {
	return &Cache{
		clk:       clk,
		log:       log.With().Str("component", "snapshot_cache").Logger(),
		snapshots: make(map[string]Snapshot),
	}
}

// SetQuote stores the latest quote for a symbol
func (c *Cache) SetQuote(q domain.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.snapshots[q.Symbol]
	snap.Quote = q
	snap.UpdatedAt = c.clk.Now()
	c.snapshots[q.Symbol] = snap
}

// SetChain stores the latest option chain for a symbol
func (c *Cache) SetChain(symbol string, chain []domain.OptionContract) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.snapshots[symbol]
	snap.Chain = chain
	snap.UpdatedAt = c.clk.Now()
	c.snapshots[symbol] = snap
}

// Get returns the snapshot for a symbol plus its staleness.
// Missing symbols return ok=false; callers skip candidate entries for them.
func (c *Cache) Get(symbol string) (snap Snapshot, stale bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok = c.snapshots[symbol]
	if !ok {
		return Snapshot{}, false, false
	}

	stale = c.clk.Now().Sub(snap.UpdatedAt) > StaleThreshold
	return snap, stale, true
}

// Fresh returns the snapshot only if it is present and not stale.
func (c *Cache) Fresh(symbol string) (Snapshot, error) {
	snap, stale, ok := c.Get(symbol)
	if !ok || stale {
		return Snapshot{}, domain.ErrStaleData
	}
	return snap, nil
}

// AllFresh reports whether every listed symbol has a fresh snapshot with a
// non-empty option chain.
func (c *Cache) AllFresh(symbols []string) bool {
	for _, s := range symbols {
		snap, stale, ok := c.Get(s)
		if !ok || stale || len(snap.Chain) == 0 {
			return false
		}
	}
	return true
}

// SetVIX records the latest VIX close and intraday print.
// Circuit breakers apply to max(close, print).
func (c *Cache) SetVIX(close, print float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vixClose = close
	c.vixPrint = print
	c.vixAt = c.clk.Now()
}

// SetVIXPrint updates only the intraday print
func (c *Cache) SetVIXPrint(print float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vixPrint = print
	c.vixAt = c.clk.Now()
}

// VIX returns the effective VIX level for circuit breakers: the latest
// published close or the intraday print, whichever is higher.
func (c *Cache) VIX() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vixPrint > c.vixClose {
		return c.vixPrint
	}
	return c.vixClose
}
