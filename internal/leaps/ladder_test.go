package leaps

import (
	"context"
	"testing"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/config"
	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/events"
	"github.com/alluse/engine/internal/ledger"
	"github.com/alluse/engine/internal/marketdata"
	"github.com/alluse/engine/internal/orders"
	"github.com/alluse/engine/internal/rules"
	"github.com/alluse/engine/internal/store"
	testhelpers "github.com/alluse/engine/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time { return c.t }

var ladderNow = time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)

type ladderFixture struct {
	m      *Manager
	st     *store.Store
	broker *testhelpers.MockBrokerClient
	cache  *marketdata.Cache
	clk    *fixedClock
}

func newLadderFixture(t *testing.T, leapBudget float64) *ladderFixture {
	t.Helper()

	stateDB := testhelpers.NewTestDB(t, "state")
	ledgerDB := testhelpers.NewTestDB(t, "ledger")

	l, err := ledger.New(ledgerDB.Conn(), zerolog.Nop())
	require.NoError(t, err)
	st := store.New(stateDB.Conn(), l, zerolog.Nop())
	require.NoError(t, st.CreateRootAccount("c1", domain.KindCompounder, "com-1", 500000))

	acct, err := st.Accounts.Get("com-1")
	require.NoError(t, err)
	acct.LEAPBudget = leapBudget
	require.NoError(t, st.Accounts.Save(acct))

	cfg := &config.Config{
		PerSymbolExposureCap: 1.0,
		SlippageCapPct:       0.05,
		AckTimeout:           50 * time.Millisecond,
		FillWindow:           30 * time.Second,
	}

	f := &ladderFixture{
		st:     st,
		broker: testhelpers.NewMockBrokerClient(),
		clk:    &fixedClock{t: ladderNow},
	}
	f.cache = marketdata.NewCache(f.clk, zerolog.Nop())

	cal := clock.NewCalendar(testhelpers.NewMockCalendarClient(), time.UTC, zerolog.Nop())
	re := rules.NewEngine(cfg, cal, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())

	om := orders.NewManager(f.broker, st, re, bus, f.clk, cfg, zerolog.Nop())
	f.m = NewManager(f.cache, re, om, st, f.clk, zerolog.Nop())
	return f
}

// openLeg seeds a position directly; ladder maintenance only reads it.
func (f *ladderFixture) openLeg(t *testing.T, id string, kind domain.PositionKind,
	strike float64, expiry time.Time, qty int, delta, mark float64) {
	t.Helper()
	require.NoError(t, f.st.Positions.Save(&domain.Position{
		ID:          id,
		AccountID:   "com-1",
		Symbol:      "AAPL",
		Kind:        kind,
		Strike:      strike,
		Expiry:      expiry,
		Quantity:    qty,
		Delta:       delta,
		CurrentMark: mark,
		Status:      domain.PositionOpen,
		OpenedAt:    ladderNow,
	}))
}

func (f *ladderFixture) setMarket(spot float64, chain []domain.OptionContract) {
	f.cache.SetQuote(domain.Quote{Symbol: "AAPL", Bid: spot - 0.05, Ask: spot + 0.05, Last: spot, At: f.clk.t})
	f.cache.SetChain("AAPL", chain)
}

func (f *ladderFixture) maintain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.m.Maintain(context.Background(), "c1", "com-1", []string{"AAPL"}, domain.ModeNormal))
}

func ladderCall(strike float64, expiry time.Time, bid, ask, delta float64) domain.OptionContract {
	return domain.OptionContract{
		Symbol: "AAPL", Strike: strike, Expiry: expiry, Put: false,
		Bid: bid, Ask: ask, OpenInterest: 2500, Volume: 900, AvgVolume20d: 1500, Delta: delta,
	}
}

func ladderPut(strike float64, expiry time.Time, bid, ask, delta float64) domain.OptionContract {
	return domain.OptionContract{
		Symbol: "AAPL", Strike: strike, Expiry: expiry, Put: true,
		Bid: bid, Ask: ask, OpenInterest: 2500, Volume: 900, AvgVolume20d: 1500, Delta: -delta,
	}
}

func TestMaintain_ExtendsLadderWithinBudget(t *testing.T) {
	f := newLadderFixture(t, 20000)
	f.cache.SetVIX(25, 0)

	// One in-band call at mid 50: four contracts fit the 20k pool exactly.
	f.setMarket(200, []domain.OptionContract{
		ladderCall(210, ladderNow.Add(400*24*time.Hour), 49.8, 50.2, 0.30),
	})
	f.maintain(t)

	placed := f.broker.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, domain.IntentOpenLEAP, placed[0].Intent)
	assert.Equal(t, domain.LegLEAPCall, placed[0].LegKind)
	assert.InDelta(t, 210.0, placed[0].Strike, 1e-9)
	assert.Equal(t, 4, placed[0].Quantity)
	assert.InDelta(t, 50.0, placed[0].LimitPrice, 1e-9)
}

func TestMaintain_SkipsWhenPoolTooSmall(t *testing.T) {
	f := newLadderFixture(t, 4000)
	f.cache.SetVIX(25, 0)

	// Cheapest contract costs 5k; the pool cannot fund a single one.
	f.setMarket(200, []domain.OptionContract{
		ladderCall(210, ladderNow.Add(400*24*time.Hour), 49.8, 50.2, 0.30),
	})
	f.maintain(t)

	assert.Empty(t, f.broker.Placed())
}

func TestMaintain_HonorsExpiryStagger(t *testing.T) {
	f := newLadderFixture(t, 10000)
	f.cache.SetVIX(25, 0)

	rungExpiry := ladderNow.Add(400 * 24 * time.Hour)
	f.openLeg(t, "leap-1", domain.LegLEAPCall, 200, rungExpiry, 1, 0.30, 25)

	// The closer expiry sits only 30 days from the existing rung.
	tooClose := ladderNow.Add(430 * 24 * time.Hour)
	spaced := ladderNow.Add(520 * 24 * time.Hour)
	f.setMarket(200, []domain.OptionContract{
		ladderCall(215, tooClose, 19.8, 20.2, 0.30),
		ladderCall(220, spaced, 19.8, 20.2, 0.30),
	})
	f.maintain(t)

	placed := f.broker.Placed()
	require.Len(t, placed, 1)
	assert.True(t, placed[0].Expiry.Equal(spaced))
	assert.InDelta(t, 220.0, placed[0].Strike, 1e-9)
}

func TestMaintain_RollsGrowthCallNearExpiry(t *testing.T) {
	f := newLadderFixture(t, 0)
	f.cache.SetVIX(25, 0)

	// Two months to expiry: under the three-month roll trigger.
	f.openLeg(t, "leap-1", domain.LegLEAPCall, 180, ladderNow.Add(60*24*time.Hour), 2, 0.30, 45)
	f.setMarket(200, []domain.OptionContract{
		ladderCall(210, ladderNow.Add(400*24*time.Hour), 19.8, 20.2, 0.30),
	})
	f.maintain(t)

	placed := f.broker.Placed()
	require.Len(t, placed, 2, "roll is a close/open pair")
	assert.Equal(t, domain.IntentCloseLEAP, placed[0].Intent)
	assert.InDelta(t, 180.0, placed[0].Strike, 1e-9)
	assert.Equal(t, "leap-1", placed[0].PositionID)
	assert.InDelta(t, 45.0, placed[0].LimitPrice, 1e-9)
	assert.Equal(t, domain.IntentOpenLEAP, placed[1].Intent)
	assert.InDelta(t, 210.0, placed[1].Strike, 1e-9)
	assert.Equal(t, 2, placed[1].Quantity)
	assert.Equal(t, domain.LegLEAPCall, placed[1].LegKind)

	pos, err := f.st.Positions.Get("leap-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionRollPending, pos.Status)
}

func TestMaintain_RollsGrowthCallOnDeltaDrift(t *testing.T) {
	f := newLadderFixture(t, 0)
	f.cache.SetVIX(25, 0)

	// A year out, but the rally pushed delta to 0.65.
	f.openLeg(t, "leap-1", domain.LegLEAPCall, 180, ladderNow.Add(400*24*time.Hour), 1, 0.65, 55)
	f.setMarket(240, []domain.OptionContract{
		ladderCall(260, ladderNow.Add(420*24*time.Hour), 23.8, 24.2, 0.30),
	})
	f.maintain(t)

	placed := f.broker.Placed()
	require.Len(t, placed, 2)
	assert.Equal(t, domain.IntentCloseLEAP, placed[0].Intent)
	assert.Equal(t, domain.IntentOpenLEAP, placed[1].Intent)
	assert.InDelta(t, 260.0, placed[1].Strike, 1e-9)
}

func TestMaintain_HoldsHealthyGrowthCall(t *testing.T) {
	f := newLadderFixture(t, 0)
	f.cache.SetVIX(25, 0)

	f.openLeg(t, "leap-1", domain.LegLEAPCall, 200, ladderNow.Add(400*24*time.Hour), 1, 0.32, 25)
	f.setMarket(200, []domain.OptionContract{
		ladderCall(210, ladderNow.Add(520*24*time.Hour), 19.8, 20.2, 0.30),
	})
	f.maintain(t)

	assert.Empty(t, f.broker.Placed())
}

func TestMaintain_RetiresHedgePutWhenCalm(t *testing.T) {
	f := newLadderFixture(t, 0)
	f.cache.SetVIX(15, 0)

	f.openLeg(t, "hedge-1", domain.LegLEAPPut, 170, ladderNow.Add(300*24*time.Hour), 1, -0.15, 8)
	f.setMarket(200, nil)
	f.maintain(t)

	placed := f.broker.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, domain.IntentCloseLEAP, placed[0].Intent)
	assert.Equal(t, "hedge-1", placed[0].PositionID)
	assert.Equal(t, domain.LegLEAPPut, placed[0].LegKind)
}

func TestMaintain_KeepsHedgePutWhenVIXElevated(t *testing.T) {
	f := newLadderFixture(t, 0)
	f.cache.SetVIX(30, 0)

	f.openLeg(t, "hedge-1", domain.LegLEAPPut, 170, ladderNow.Add(300*24*time.Hour), 1, -0.15, 8)
	f.setMarket(200, nil)
	f.maintain(t)

	assert.Empty(t, f.broker.Placed())
}

func TestMaintain_KeepsHedgePutWhileEscalated(t *testing.T) {
	f := newLadderFixture(t, 0)
	f.cache.SetVIX(15, 0)

	// A short put still at protocol level 2 keeps the hedge on despite calm VIX.
	require.NoError(t, f.st.Positions.Save(&domain.Position{
		ID:           "csp-1",
		AccountID:    "com-1",
		Symbol:       "AAPL",
		Kind:         domain.LegCSP,
		Quantity:     -5,
		CurrentLevel: 2,
		Status:       domain.PositionOpen,
		OpenedAt:     ladderNow,
	}))
	f.openLeg(t, "hedge-1", domain.LegLEAPPut, 170, ladderNow.Add(300*24*time.Hour), 1, -0.15, 8)
	f.setMarket(200, nil)
	f.maintain(t)

	assert.Empty(t, f.broker.Placed())
}

func TestMaintain_RollsHedgePutNearExpiry(t *testing.T) {
	f := newLadderFixture(t, 0)
	f.cache.SetVIX(30, 0) // not calm, so the put stays on and rolls

	f.openLeg(t, "hedge-1", domain.LegLEAPPut, 170, ladderNow.Add(70*24*time.Hour), 1, -0.12, 2.5)
	f.setMarket(200, []domain.OptionContract{
		// 15% OTM, nine months out.
		ladderPut(170, ladderNow.Add(270*24*time.Hour), 7.9, 8.1, 0.14),
	})
	f.maintain(t)

	placed := f.broker.Placed()
	require.Len(t, placed, 2)
	assert.Equal(t, domain.IntentCloseLEAP, placed[0].Intent)
	assert.Equal(t, "hedge-1", placed[0].PositionID)
	assert.Equal(t, domain.IntentOpenLEAP, placed[1].Intent)
	assert.Equal(t, domain.LegLEAPPut, placed[1].LegKind)
	assert.InDelta(t, 170.0, placed[1].Strike, 1e-9)
}

func TestMaintain_NoRollTargetLeavesLegInPlace(t *testing.T) {
	f := newLadderFixture(t, 0)
	f.cache.SetVIX(25, 0)

	f.openLeg(t, "leap-1", domain.LegLEAPCall, 180, ladderNow.Add(60*24*time.Hour), 1, 0.30, 45)
	f.setMarket(200, []domain.OptionContract{
		// Only a short-dated call: nothing in the growth band to roll into.
		ladderCall(210, ladderNow.Add(90*24*time.Hour), 9.8, 10.2, 0.30),
	})
	f.maintain(t)

	assert.Empty(t, f.broker.Placed())
	pos, err := f.st.Positions.Get("leap-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, pos.Status)
}

func TestStaggerOK(t *testing.T) {
	rung := ladderNow.Add(400 * 24 * time.Hour)

	assert.True(t, staggerOK(nil, rung))
	assert.True(t, staggerOK([]time.Time{rung}, rung.Add(91*24*time.Hour)))
	assert.True(t, staggerOK([]time.Time{rung}, rung.Add(-91*24*time.Hour)))
	assert.False(t, staggerOK([]time.Time{rung}, rung.Add(30*24*time.Hour)))
	assert.False(t, staggerOK([]time.Time{rung}, rung.Add(-30*24*time.Hour)))
}
