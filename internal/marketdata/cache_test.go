package marketdata

import (
	"testing"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type movableClock struct {
	t time.Time
}

func (c *movableClock) Now() time.Time { return c.t }

func TestCache_StalenessMarking(t *testing.T) {
	clk := &movableClock{t: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	cache := NewCache(clk, zerolog.Nop())

	cache.SetQuote(domain.Quote{Symbol: "AAPL", Bid: 179.9, Ask: 180.1, Last: 180})

	snap, stale, ok := cache.Get("AAPL")
	require.True(t, ok)
	assert.False(t, stale)
	assert.InDelta(t, 180.0, snap.Quote.Mid(), 0.0001)

	// 31 seconds later the entry is stale: unusable for new entries,
	// still readable for monitoring.
	clk.t = clk.t.Add(31 * time.Second)
	snap, stale, ok = cache.Get("AAPL")
	require.True(t, ok)
	assert.True(t, stale)
	assert.InDelta(t, 180.0, snap.Quote.Last, 0.0001)

	_, err := cache.Fresh("AAPL")
	assert.ErrorIs(t, err, domain.ErrStaleData)
}

func TestCache_MissingSymbol(t *testing.T) {
	cache := NewCache(clock.SystemClock{}, zerolog.Nop())

	_, _, ok := cache.Get("MSFT")
	assert.False(t, ok)

	_, err := cache.Fresh("MSFT")
	assert.ErrorIs(t, err, domain.ErrStaleData)
}

func TestCache_AllFreshRequiresChains(t *testing.T) {
	clk := &movableClock{t: time.Now()}
	cache := NewCache(clk, zerolog.Nop())

	cache.SetQuote(domain.Quote{Symbol: "AAPL", Bid: 179.9, Ask: 180.1})
	cache.SetChain("AAPL", []domain.OptionContract{{Symbol: "AAPL", Strike: 178}})
	cache.SetQuote(domain.Quote{Symbol: "MSFT", Bid: 500, Ask: 500.2})
	// MSFT has no chain: candidate entries for it must be skipped.

	assert.True(t, cache.AllFresh([]string{"AAPL"}))
	assert.False(t, cache.AllFresh([]string{"AAPL", "MSFT"}))
}

func TestCache_VIXUsesHigherOfCloseAndPrint(t *testing.T) {
	cache := NewCache(clock.SystemClock{}, zerolog.Nop())

	cache.SetVIX(48, 0)
	assert.InDelta(t, 48, cache.VIX(), 0.0001)

	cache.SetVIXPrint(70)
	assert.InDelta(t, 70, cache.VIX(), 0.0001)

	cache.SetVIXPrint(30)
	assert.InDelta(t, 48, cache.VIX(), 0.0001)
}

func TestCoalescer_KeepsOnlyLatestPerSymbol(t *testing.T) {
	clk := &movableClock{t: time.Now()}
	cache := NewCache(clk, zerolog.Nop())
	c := NewCoalescer(cache, zerolog.Nop())

	// Offer three updates for the same symbol before the drain runs.
	c.Offer(domain.Quote{Symbol: "AAPL", Last: 180})
	c.Offer(domain.Quote{Symbol: "AAPL", Last: 181})
	c.Offer(domain.Quote{Symbol: "AAPL", Last: 182})
	c.Offer(domain.Quote{Symbol: "MSFT", Last: 500})

	go c.Run()
	c.Stop()

	snap, _, ok := cache.Get("AAPL")
	require.True(t, ok)
	assert.InDelta(t, 182, snap.Quote.Last, 0.0001)

	snap, _, ok = cache.Get("MSFT")
	require.True(t, ok)
	assert.InDelta(t, 500, snap.Quote.Last, 0.0001)

	assert.Equal(t, int64(2), c.Dropped())
}

func TestReconnectDelay_Backoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, reconnectDelay(1))
	assert.Equal(t, 10*time.Second, reconnectDelay(2))
	assert.Equal(t, maxReconnectDelay, reconnectDelay(12))
}
