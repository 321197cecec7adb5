package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alluse/engine/internal/domain"
	testhelpers "github.com/alluse/engine/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedClient(md *testhelpers.MockMarketData) {
	md.SetQuote("AAPL", &domain.Quote{Symbol: "AAPL", Bid: 179.9, Ask: 180.1, Last: 180})
	md.SetChain("AAPL", []domain.OptionContract{{Symbol: "AAPL", Strike: 178, Put: true}})
	md.SetQuote("SPY", &domain.Quote{Symbol: "SPY", Bid: 649.9, Ask: 650.1, Last: 650})
	md.SetChain("SPY", []domain.OptionContract{{Symbol: "SPY", Strike: 640, Put: true}})
	md.SetVIX(18)
}

func TestPoll_SinglePassFillsCache(t *testing.T) {
	clk := &movableClock{t: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	cache := NewCache(clk, zerolog.Nop())
	md := testhelpers.NewMockMarketData()
	seedClient(md)

	p := NewPoller(md, cache, []string{"AAPL", "SPY"}, time.Second, zerolog.Nop())
	p.poll(context.Background())

	snap, stale, ok := cache.Get("AAPL")
	require.True(t, ok)
	assert.False(t, stale)
	assert.InDelta(t, 180.0, snap.Quote.Last, 0.0001)
	require.Len(t, snap.Chain, 1)
	assert.InDelta(t, 178.0, snap.Chain[0].Strike, 0.0001)

	assert.True(t, cache.AllFresh([]string{"AAPL", "SPY"}))
	assert.InDelta(t, 18.0, cache.VIX(), 0.0001)
}

func TestPoll_FailedPullLeavesSymbolStale(t *testing.T) {
	clk := &movableClock{t: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	cache := NewCache(clk, zerolog.Nop())
	md := testhelpers.NewMockMarketData()
	seedClient(md)

	p := NewPoller(md, cache, []string{"AAPL"}, time.Second, zerolog.Nop())

	md.SetError(errors.New("venue down"))
	p.poll(context.Background())

	_, _, ok := cache.Get("AAPL")
	assert.False(t, ok, "failed pull must not write a snapshot")
	assert.Zero(t, cache.VIX())

	// Next pass after the venue recovers repopulates everything.
	md.SetError(nil)
	p.poll(context.Background())

	_, _, ok = cache.Get("AAPL")
	assert.True(t, ok)
	assert.InDelta(t, 18.0, cache.VIX(), 0.0001)
}

func TestStart_PollsUntilStopped(t *testing.T) {
	clk := &movableClock{t: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	cache := NewCache(clk, zerolog.Nop())
	md := testhelpers.NewMockMarketData()
	seedClient(md)

	p := NewPoller(md, cache, []string{"AAPL"}, time.Millisecond, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		_, _, ok := cache.Get("AAPL")
		return ok
	}, 2*time.Second, time.Millisecond)

	// A later tick picks up fresh prints.
	md.SetQuote("AAPL", &domain.Quote{Symbol: "AAPL", Bid: 181.9, Ask: 182.1, Last: 182})
	require.Eventually(t, func() bool {
		snap, _, ok := cache.Get("AAPL")
		return ok && snap.Quote.Last == 182
	}, 2*time.Second, time.Millisecond)

	p.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}

	p.Stop() // second stop is a no-op
}

func TestStart_ContextCancelExits(t *testing.T) {
	clk := &movableClock{t: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	cache := NewCache(clk, zerolog.Nop())
	md := testhelpers.NewMockMarketData()
	seedClient(md)

	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(md, cache, []string{"AAPL"}, time.Millisecond, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poller ignored context cancellation")
	}
}
