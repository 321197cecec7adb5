// Package mock is the deterministic in-process venue for mock mode. The
// broker honors the engine's at-most-once acceptance contract: acceptance is
// keyed on client order id, and a replayed id returns the original broker id
// without producing a second fill. Orders fill at their limit price, in
// scripted partial increments and after a scripted ack delay when configured.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/domain"
	"github.com/rs/zerolog"
)

// eventBuffer sizes the order event channel. Fills block when the consumer
// falls this far behind rather than dropping lifecycle events.
const eventBuffer = 1024

type bookEntry struct {
	symbol   string
	kind     domain.PositionKind
	strike   float64
	expiry   time.Time
	quantity int // signed; short legs negative
}

// Broker simulates the venue side of the order lifecycle.
type Broker struct {
	clk clock.Clock
	log zerolog.Logger

	mu           sync.Mutex
	connected    bool
	seq          int
	accepted     map[string]domain.BrokerOrderResult // client id -> original ack
	working      map[string]domain.Order             // broker id -> live order
	book         map[string]*bookEntry
	cash         float64
	fillDelay    time.Duration
	partials     []int // consumed by the next accepted order
	rejects      int
	rejectReason string

	events chan domain.BrokerOrderEvent
}

// NewBroker creates a connected venue with an empty book
func NewBroker(clk clock.Clock, log zerolog.Logger) *Broker {
	return &Broker{
		clk:       clk,
		log:       log.With().Str("component", "mock_broker").Logger(),
		connected: true,
		accepted:  make(map[string]domain.BrokerOrderResult),
		working:   make(map[string]domain.Order),
		book:      make(map[string]*bookEntry),
		events:    make(chan domain.BrokerOrderEvent, eventBuffer),
	}
}

// Seed primes broker-side balances and positions, matching the rebuilt book
// so a resume against the mock venue reconciles cleanly.
func (b *Broker) Seed(cash float64, positions []domain.BrokerPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cash = cash
	b.book = make(map[string]*bookEntry, len(positions))
	for _, p := range positions {
		e := &bookEntry{symbol: p.Symbol, kind: p.Kind, strike: p.Strike, expiry: p.Expiry, quantity: p.Quantity}
		b.book[bookKey(p.Symbol, p.Kind, p.Strike, p.Expiry)] = e
	}
}

// SetConnected flips connection health; placements fail while disconnected.
func (b *Broker) SetConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
}

// SetFillDelay delays fills by d after acceptance
func (b *Broker) SetFillDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillDelay = d
}

// ScriptRejects makes the next n placements come back rejected.
func (b *Broker) ScriptRejects(n int, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejects = n
	b.rejectReason = reason
}

// ScriptPartials makes the next accepted order fill in the given increments
// instead of one print. The increments must sum to the order quantity.
func (b *Broker) ScriptPartials(parts ...int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partials = parts
}

// PlaceOrder implements domain.BrokerClient.
func (b *Broker) PlaceOrder(_ context.Context, order domain.Order) (*domain.BrokerOrderResult, error) {
	b.mu.Lock()

	if !b.connected {
		b.mu.Unlock()
		return nil, domain.ErrBrokerUnavailable
	}

	// Duplicate acceptance: hand back the original ack, fill nothing.
	if res, ok := b.accepted[order.ClientID]; ok {
		b.mu.Unlock()
		dup := res
		return &dup, nil
	}

	if b.rejects > 0 {
		b.rejects--
		res := domain.BrokerOrderResult{Accepted: false, Reason: b.rejectReason}
		b.accepted[order.ClientID] = res
		b.mu.Unlock()
		dup := res
		return &dup, nil
	}

	b.seq++
	brokerID := fmt.Sprintf("SIM-%06d", b.seq)
	res := domain.BrokerOrderResult{BrokerID: brokerID, Accepted: true}
	b.accepted[order.ClientID] = res
	b.working[brokerID] = order

	parts := b.partials
	b.partials = nil
	if len(parts) == 0 {
		parts = []int{order.Quantity}
	}
	delay := b.fillDelay
	b.mu.Unlock()

	go b.fill(brokerID, order, parts, delay)

	dup := res
	return &dup, nil
}

// fill prints the scripted increments at the limit price.
func (b *Broker) fill(brokerID string, order domain.Order, parts []int, delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}

	for i, qty := range parts {
		b.mu.Lock()
		if _, live := b.working[brokerID]; !live {
			// Cancelled while waiting; nothing more prints.
			b.mu.Unlock()
			return
		}

		status := domain.OrderPartiallyFilled
		if i == len(parts)-1 {
			status = domain.OrderFilled
			delete(b.working, brokerID)
		}
		b.applyFill(order, qty)
		ev := domain.BrokerOrderEvent{
			BrokerID:  brokerID,
			ClientID:  order.ClientID,
			Status:    status,
			FillPrice: order.LimitPrice,
			FillQty:   qty,
			At:        b.clk.Now(),
		}
		b.mu.Unlock()

		b.events <- ev
	}
}

// applyFill books one fill increment. Callers hold b.mu.
func (b *Broker) applyFill(order domain.Order, qty int) {
	kind := order.LegKind
	if kind == "" {
		kind = legKindFor(order.Intent)
	}

	signed := qty
	if order.Intent == domain.IntentOpenCSP || order.Intent == domain.IntentOpenCC {
		signed = -qty
	}

	key := bookKey(order.Symbol, kind, order.Strike, order.Expiry)
	entry, ok := b.book[key]
	if !ok {
		entry = &bookEntry{symbol: order.Symbol, kind: kind, strike: order.Strike, expiry: order.Expiry}
		b.book[key] = entry
	}
	entry.quantity += signed
	if entry.quantity == 0 {
		delete(b.book, key)
	}

	cash := order.LimitPrice * 100 * float64(qty)
	if !creditFor(order.Intent) {
		cash = -cash
	}
	b.cash += cash
}

// CancelOrder implements domain.BrokerClient.
func (b *Broker) CancelOrder(_ context.Context, brokerID string) error {
	b.mu.Lock()

	order, ok := b.working[brokerID]
	if !ok {
		b.mu.Unlock()
		return domain.ErrOrderNotFound
	}
	delete(b.working, brokerID)
	ev := domain.BrokerOrderEvent{
		BrokerID: brokerID,
		ClientID: order.ClientID,
		Status:   domain.OrderCancelled,
		At:       b.clk.Now(),
	}
	b.mu.Unlock()

	b.events <- ev
	return nil
}

// OrderEvents implements domain.BrokerClient.
func (b *Broker) OrderEvents() <-chan domain.BrokerOrderEvent {
	return b.events
}

// OpenOrders implements domain.BrokerClient.
func (b *Broker) OpenOrders(_ context.Context) ([]domain.BrokerOpenOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, domain.ErrBrokerUnavailable
	}
	open := make([]domain.BrokerOpenOrder, 0, len(b.working))
	for brokerID, order := range b.working {
		open = append(open, domain.BrokerOpenOrder{
			BrokerID: brokerID,
			ClientID: order.ClientID,
			Status:   domain.OrderWorking,
		})
	}
	return open, nil
}

// PositionsSnapshot implements domain.BrokerClient.
func (b *Broker) PositionsSnapshot(_ context.Context) ([]domain.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, domain.ErrBrokerUnavailable
	}
	positions := make([]domain.BrokerPosition, 0, len(b.book))
	for _, e := range b.book {
		positions = append(positions, domain.BrokerPosition{
			Symbol:   e.symbol,
			Kind:     e.kind,
			Strike:   e.strike,
			Expiry:   e.expiry,
			Quantity: e.quantity,
		})
	}
	return positions, nil
}

// AccountSnapshot implements domain.BrokerClient.
func (b *Broker) AccountSnapshot(_ context.Context) (*domain.BrokerAccountSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, domain.ErrBrokerUnavailable
	}
	return &domain.BrokerAccountSnapshot{Cash: b.cash}, nil
}

// IsConnected implements domain.BrokerClient.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func bookKey(symbol string, kind domain.PositionKind, strike float64, expiry time.Time) string {
	return fmt.Sprintf("%s|%s|%.2f|%s", symbol, kind, strike, expiry.Format("2006-01-02"))
}

func legKindFor(intent domain.OrderIntent) domain.PositionKind {
	switch intent {
	case domain.IntentOpenCSP, domain.IntentCloseCSP, domain.IntentRollCSP:
		return domain.LegCSP
	case domain.IntentOpenCC, domain.IntentCloseCC, domain.IntentRollCC:
		return domain.LegCC
	default:
		return domain.LegLEAPCall
	}
}

func creditFor(intent domain.OrderIntent) bool {
	switch intent {
	case domain.IntentOpenCSP, domain.IntentOpenCC, domain.IntentCloseLEAP:
		return true
	default:
		return false
	}
}

var _ domain.BrokerClient = (*Broker)(nil)
