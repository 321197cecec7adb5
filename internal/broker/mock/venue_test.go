package mock

import (
	"context"
	"testing"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tradeTime = time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)

func newVenue() *Broker {
	return NewBroker(clock.FixedClock{T: tradeTime}, zerolog.Nop())
}

func cspOrder(clientID string, qty int) domain.Order {
	return domain.Order{
		ClientID:   clientID,
		AccountID:  "gen",
		Intent:     domain.IntentOpenCSP,
		LegKind:    domain.LegCSP,
		Symbol:     "AAPL",
		Strike:     180,
		Expiry:     time.Date(2026, 8, 28, 20, 0, 0, 0, time.UTC),
		Quantity:   qty,
		LimitPrice: 2.50,
	}
}

func nextEvent(t *testing.T, b *Broker) domain.BrokerOrderEvent {
	t.Helper()
	select {
	case ev := <-b.OrderEvents():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no order event")
		return domain.BrokerOrderEvent{}
	}
}

func assertNoEvent(t *testing.T, b *Broker) {
	t.Helper()
	select {
	case ev := <-b.OrderEvents():
		t.Fatalf("unexpected event %s for %s", ev.Status, ev.ClientID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPlaceOrder_FillsAtLimit(t *testing.T) {
	b := newVenue()

	res, err := b.PlaceOrder(context.Background(), cspOrder("o1", 5))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "SIM-000001", res.BrokerID)

	ev := nextEvent(t, b)
	assert.Equal(t, domain.OrderFilled, ev.Status)
	assert.Equal(t, "o1", ev.ClientID)
	assert.Equal(t, res.BrokerID, ev.BrokerID)
	assert.InDelta(t, 2.50, ev.FillPrice, 0.0001)
	assert.Equal(t, 5, ev.FillQty)
	assert.Equal(t, tradeTime, ev.At)

	positions, err := b.PositionsSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -5, positions[0].Quantity, "short leg books negative")
	assert.Equal(t, domain.LegCSP, positions[0].Kind)

	snap, err := b.AccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1250, snap.Cash, 0.0001, "credit lands as cash")
}

func TestPlaceOrder_DuplicateReturnsOriginalAck(t *testing.T) {
	b := newVenue()

	first, err := b.PlaceOrder(context.Background(), cspOrder("o1", 5))
	require.NoError(t, err)
	nextEvent(t, b)

	second, err := b.PlaceOrder(context.Background(), cspOrder("o1", 5))
	require.NoError(t, err)
	assert.Equal(t, first.BrokerID, second.BrokerID)
	assert.True(t, second.Accepted)

	// At-most-once: the replay fills nothing and books nothing.
	assertNoEvent(t, b)
	positions, err := b.PositionsSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -5, positions[0].Quantity)
}

func TestPlaceOrder_ScriptedReject(t *testing.T) {
	b := newVenue()
	b.ScriptRejects(1, "insufficient margin")

	res, err := b.PlaceOrder(context.Background(), cspOrder("o1", 5))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "insufficient margin", res.Reason)
	assertNoEvent(t, b)

	res, err = b.PlaceOrder(context.Background(), cspOrder("o2", 5))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	nextEvent(t, b)
}

func TestPlaceOrder_ScriptedPartialsPrintInOrder(t *testing.T) {
	b := newVenue()
	b.ScriptPartials(2, 3)

	_, err := b.PlaceOrder(context.Background(), cspOrder("o1", 5))
	require.NoError(t, err)

	first := nextEvent(t, b)
	assert.Equal(t, domain.OrderPartiallyFilled, first.Status)
	assert.Equal(t, 2, first.FillQty)

	second := nextEvent(t, b)
	assert.Equal(t, domain.OrderFilled, second.Status)
	assert.Equal(t, 3, second.FillQty)

	positions, err := b.PositionsSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -5, positions[0].Quantity)

	snap, err := b.AccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1250, snap.Cash, 0.0001)
}

func TestCancelOrder_BeforeFillSuppressesPrints(t *testing.T) {
	b := newVenue()
	b.SetFillDelay(80 * time.Millisecond)

	res, err := b.PlaceOrder(context.Background(), cspOrder("o1", 5))
	require.NoError(t, err)

	open, err := b.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "o1", open[0].ClientID)

	require.NoError(t, b.CancelOrder(context.Background(), res.BrokerID))

	ev := nextEvent(t, b)
	assert.Equal(t, domain.OrderCancelled, ev.Status)
	assert.Equal(t, "o1", ev.ClientID)

	// The delayed fill finds the order gone and prints nothing.
	time.Sleep(120 * time.Millisecond)
	assertNoEvent(t, b)

	positions, err := b.PositionsSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestCancelOrder_UnknownID(t *testing.T) {
	b := newVenue()
	err := b.CancelOrder(context.Background(), "SIM-999999")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestCancelOrder_AlreadyFilled(t *testing.T) {
	b := newVenue()

	res, err := b.PlaceOrder(context.Background(), cspOrder("o1", 5))
	require.NoError(t, err)
	nextEvent(t, b)

	err = b.CancelOrder(context.Background(), res.BrokerID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestDisconnected_EverythingFailsClosed(t *testing.T) {
	b := newVenue()
	b.SetConnected(false)

	assert.False(t, b.IsConnected())

	_, err := b.PlaceOrder(context.Background(), cspOrder("o1", 5))
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	_, err = b.OpenOrders(context.Background())
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	_, err = b.PositionsSnapshot(context.Background())
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	_, err = b.AccountSnapshot(context.Background())
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	b.SetConnected(true)
	_, err = b.PlaceOrder(context.Background(), cspOrder("o1", 5))
	require.NoError(t, err)
}

func TestCloseFill_UnwindsBookAndDebitsCash(t *testing.T) {
	b := newVenue()

	_, err := b.PlaceOrder(context.Background(), cspOrder("o1", 5))
	require.NoError(t, err)
	nextEvent(t, b)

	closeOrder := cspOrder("o2", 5)
	closeOrder.Intent = domain.IntentCloseCSP
	closeOrder.LimitPrice = 0.50
	_, err = b.PlaceOrder(context.Background(), closeOrder)
	require.NoError(t, err)
	nextEvent(t, b)

	positions, err := b.PositionsSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions, "flat after the buyback")

	snap, err := b.AccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1000, snap.Cash, 0.0001, "credit minus buyback debit")
}

func TestSeed_PrimesBrokerSideState(t *testing.T) {
	b := newVenue()
	expiry := time.Date(2026, 8, 28, 20, 0, 0, 0, time.UTC)
	b.Seed(250_000, []domain.BrokerPosition{
		{Symbol: "AAPL", Kind: domain.LegCSP, Strike: 180, Expiry: expiry, Quantity: -5},
		{Symbol: "MSFT", Kind: domain.LegLongShares, Strike: 0, Expiry: time.Time{}, Quantity: 500},
	})

	positions, err := b.PositionsSnapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, positions, 2)

	snap, err := b.AccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 250_000, snap.Cash, 0.0001)
}
