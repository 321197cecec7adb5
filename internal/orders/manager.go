// Package orders manages the order lifecycle: idempotent client ids,
// submission with acknowledgement deadlines, cancel-replace chains, slippage
// enforcement on fills, and reconciliation against broker state after a
// disconnect or restart.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/config"
	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/events"
	"github.com/alluse/engine/internal/rules"
	"github.com/alluse/engine/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxConsecutiveFailures bounds cancel-replace retries on one base id.
// The fourth attempt is never made; the chain is marked Rejected instead.
const maxConsecutiveFailures = 3

// Manager owns every order's lifecycle. One instance serves all accounts;
// submissions to the broker are serialized per manager.
type Manager struct {
	broker domain.BrokerClient
	store  *store.Store
	rules  *rules.Engine
	bus    *events.Bus
	clk    clock.Clock
	log    zerolog.Logger

	ackTimeout time.Duration
	fillWindow time.Duration

	mu       sync.Mutex
	failures map[string]int // consecutive broker failures per base id
}

// NewManager creates an order lifecycle manager
func NewManager(broker domain.BrokerClient, st *store.Store, re *rules.Engine, bus *events.Bus, clk clock.Clock, cfg *config.Config, log zerolog.Logger) *Manager {
	return &Manager{
		broker:     broker,
		store:      st,
		rules:      re,
		bus:        bus,
		clk:        clk,
		log:        log.With().Str("component", "orders").Logger(),
		ackTimeout: cfg.AckTimeout,
		fillWindow: cfg.FillWindow,
		failures:   make(map[string]int),
	}
}

// Request describes a new order to open.
type Request struct {
	AccountID    string
	Intent       domain.OrderIntent
	Symbol       string
	Expiry       time.Time
	Strike       float64
	Quantity     int
	LimitPrice   float64 // chain mid at decision time
	PositionID   string  // target position for closes/rolls; empty for opens
	PositionKind domain.PositionKind
}

// Submit builds the idempotent client order, ledgers it, and submits it to
// the broker under the acknowledgement deadline. A missed deadline triggers
// cancel-replace with a bumped version. Returns the final order state.
func (m *Manager) Submit(ctx context.Context, cycleID string, req Request) (*domain.Order, error) {
	base := domain.BaseOrderID(domain.ClientOrderID(req.AccountID, req.Intent, req.Symbol, req.Expiry, req.Strike, 0))

	// The broker must never see two live orders on the same base id.
	live, err := m.store.Orders.LiveByAccount(req.AccountID)
	if err != nil {
		return nil, err
	}
	for i := range live {
		if domain.BaseOrderID(live[i].ClientID) == base {
			return nil, fmt.Errorf("%w: %s has live order %s", domain.ErrDuplicateOrder, base, live[i].ClientID)
		}
	}

	// Version numbers strictly increase across the chain, even over restarts.
	maxVersion, err := m.store.Orders.MaxVersionForBase(base)
	if err != nil {
		return nil, err
	}
	version := maxVersion + 1
	clientID := domain.ClientOrderID(req.AccountID, req.Intent, req.Symbol, req.Expiry, req.Strike, version)

	positionID := req.PositionID
	if positionID == "" {
		positionID = uuid.New().String()
	}

	legKind := req.PositionKind
	if legKind == "" {
		legKind = fillKind(req.Intent)
	}

	order := domain.Order{
		ClientID:     clientID,
		AccountID:    req.AccountID,
		PositionID:   positionID,
		Intent:       req.Intent,
		LegKind:      legKind,
		Symbol:       req.Symbol,
		Expiry:       req.Expiry,
		Strike:       req.Strike,
		Quantity:     req.Quantity,
		LimitPrice:   req.LimitPrice,
		ReferenceMid: req.LimitPrice,
		Status:       domain.OrderPending,
		Version:      version,
		CreatedAt:    m.clk.Now(),
	}

	for {
		order.LastUpdatedAt = m.clk.Now()
		if err := m.store.RecordOrderEvent(cycleID, order, ""); err != nil {
			return nil, err
		}

		accepted, err := m.place(ctx, &order)
		if err == nil && accepted {
			m.clearFailures(base)
			order.Status = domain.OrderWorking
			order.LastUpdatedAt = m.clk.Now()
			if err := m.store.RecordOrderEvent(cycleID, order, ""); err != nil {
				return nil, err
			}
			return &order, nil
		}

		reason := "broker rejected"
		if err != nil {
			reason = err.Error()
		}
		m.log.Warn().Str("order", order.ClientID).Str("reason", reason).Msg("Submission attempt failed")

		order.Status = domain.OrderCancelled
		order.LastUpdatedAt = m.clk.Now()
		if recErr := m.store.RecordOrderEvent(cycleID, order, reason); recErr != nil {
			return nil, recErr
		}

		if m.recordFailure(base) >= maxConsecutiveFailures {
			order.Status = domain.OrderRejected
			order.LastUpdatedAt = m.clk.Now()
			if recErr := m.store.RecordOrderEvent(cycleID, order, "consecutive submission failures"); recErr != nil {
				return nil, recErr
			}
			m.publishTerminal(&order)
			return &order, fmt.Errorf("order %s rejected after %d consecutive failures", base, maxConsecutiveFailures)
		}

		// Cancel-replace: new version, same base id.
		parent := order.ClientID
		version++
		order.ClientID = domain.ClientOrderID(req.AccountID, req.Intent, req.Symbol, req.Expiry, req.Strike, version)
		order.Version = version
		order.ParentOrderID = parent
		order.Status = domain.OrderPending
		order.BrokerID = ""
	}
}

// place submits one attempt under the acknowledgement deadline.
func (m *Manager) place(ctx context.Context, order *domain.Order) (bool, error) {
	ackCtx, cancel := context.WithTimeout(ctx, m.ackTimeout)
	defer cancel()

	result, err := m.broker.PlaceOrder(ackCtx, *order)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Errorf("no acknowledgement within %s", m.ackTimeout)
		}
		return false, err
	}
	if !result.Accepted {
		return false, nil
	}

	order.BrokerID = result.BrokerID
	return true, nil
}

// CancelReplace cancels a working order and resubmits it at a new limit with
// the version bumped. Used by the protocol engine when a roll target moves.
func (m *Manager) CancelReplace(ctx context.Context, cycleID string, clientID string, newLimit float64) (*domain.Order, error) {
	order, err := m.store.Orders.Get(clientID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, clientID)
	}
	if order.Status.IsTerminal() {
		return nil, fmt.Errorf("order %s already terminal (%s)", clientID, order.Status)
	}

	if order.BrokerID != "" {
		if err := m.broker.CancelOrder(ctx, order.BrokerID); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			return nil, fmt.Errorf("failed to cancel %s: %w", clientID, err)
		}
	}

	order.Status = domain.OrderCancelled
	order.LastUpdatedAt = m.clk.Now()
	if err := m.store.RecordOrderEvent(cycleID, *order, "cancel-replace"); err != nil {
		return nil, err
	}

	replacement := *order
	replacement.ParentOrderID = order.ClientID
	replacement.Version = order.Version + 1
	replacement.ClientID = domain.ClientOrderID(order.AccountID, order.Intent, order.Symbol, order.Expiry, order.Strike, replacement.Version)
	replacement.LimitPrice = newLimit
	replacement.ReferenceMid = newLimit
	replacement.BrokerID = ""
	replacement.Status = domain.OrderPending
	replacement.FilledQty = 0
	replacement.FillPrice = 0
	replacement.LastUpdatedAt = m.clk.Now()

	if err := m.store.RecordOrderEvent(cycleID, replacement, ""); err != nil {
		return nil, err
	}

	accepted, err := m.place(ctx, &replacement)
	if err != nil || !accepted {
		replacement.Status = domain.OrderCancelled
		replacement.LastUpdatedAt = m.clk.Now()
		reason := "broker rejected"
		if err != nil {
			reason = err.Error()
		}
		if recErr := m.store.RecordOrderEvent(cycleID, replacement, reason); recErr != nil {
			return nil, recErr
		}
		return &replacement, fmt.Errorf("cancel-replace of %s failed: %s", clientID, reason)
	}

	replacement.Status = domain.OrderWorking
	replacement.LastUpdatedAt = m.clk.Now()
	if err := m.store.RecordOrderEvent(cycleID, replacement, ""); err != nil {
		return nil, err
	}
	return &replacement, nil
}

// HandleEvent applies a broker order event: status updates, slippage-checked
// fills, and terminal transitions. Duplicate acknowledgements on the same
// client id are ignored.
func (m *Manager) HandleEvent(cycleID string, ev domain.BrokerOrderEvent) error {
	order, err := m.store.Orders.Get(ev.ClientID)
	if err != nil {
		return err
	}
	if order == nil {
		m.log.Warn().Str("order", ev.ClientID).Msg("Event for unknown order, ignoring")
		return nil
	}
	if order.Status.IsTerminal() {
		// At-most-once: a second terminal ack on the same id is a duplicate.
		m.log.Debug().Str("order", ev.ClientID).Msg("Duplicate event on terminal order, ignoring")
		return nil
	}

	switch ev.Status {
	case domain.OrderFilled, domain.OrderPartiallyFilled:
		return m.handleFill(cycleID, order, ev)

	case domain.OrderCancelled, domain.OrderRejected:
		order.Status = ev.Status
		order.LastUpdatedAt = m.clk.Now()
		if err := m.store.RecordOrderEvent(cycleID, *order, ""); err != nil {
			return err
		}
		m.publishTerminal(order)
		return nil

	default:
		order.Status = ev.Status
		order.LastUpdatedAt = m.clk.Now()
		return m.store.RecordOrderEvent(cycleID, *order, "")
	}
}

// handleFill enforces the slippage discipline and applies accepted fills.
func (m *Manager) handleFill(cycleID string, order *domain.Order, ev domain.BrokerOrderEvent) error {
	if err := m.rules.CheckFill(order.Intent, order.ReferenceMid, ev.FillPrice); err != nil {
		m.log.Warn().Err(err).Str("order", order.ClientID).Msg("Fill outside slippage cap, cancelling order")
		if order.BrokerID != "" {
			if cerr := m.broker.CancelOrder(context.Background(), order.BrokerID); cerr != nil && !errors.Is(cerr, domain.ErrOrderNotFound) {
				m.log.Error().Err(cerr).Str("order", order.ClientID).Msg("Failed to cancel order after slippage violation")
			}
		}
		order.Status = domain.OrderCancelled
		order.LastUpdatedAt = m.clk.Now()
		if recErr := m.store.RecordOrderEvent(cycleID, *order, err.Error()); recErr != nil {
			return recErr
		}
		m.publishTerminal(order)
		return nil
	}

	order.Status = ev.Status
	order.FilledQty += ev.FillQty
	order.FillPrice = ev.FillPrice
	order.LastUpdatedAt = m.clk.Now()
	if err := m.store.RecordOrderEvent(cycleID, *order, ""); err != nil {
		return err
	}

	kind := order.LegKind
	if kind == "" {
		kind = fillKind(order.Intent)
	}
	if err := m.store.ApplyFill(cycleID, store.Fill{
		Order:      *order,
		PositionID: order.PositionID,
		Kind:       kind,
		Price:      ev.FillPrice,
		Quantity:   ev.FillQty,
	}); err != nil {
		return err
	}

	m.bus.Publish(&events.FillReceivedData{
		AccountID: order.AccountID,
		OrderID:   order.ClientID,
		Symbol:    order.Symbol,
		Price:     ev.FillPrice,
		Quantity:  ev.FillQty,
	})

	if order.Status == domain.OrderFilled {
		m.publishTerminal(order)
	}
	return nil
}

// EnforceDeadlines cancel-replaces live orders that exceeded the fill window.
// Called from the monitoring loop.
func (m *Manager) EnforceDeadlines(ctx context.Context, cycleID string) error {
	live, err := m.store.Orders.Live()
	if err != nil {
		return err
	}

	now := m.clk.Now()
	for i := range live {
		o := live[i]
		if o.Status != domain.OrderWorking || now.Sub(o.LastUpdatedAt) < m.fillWindow {
			continue
		}
		m.log.Info().Str("order", o.ClientID).Msg("Fill window exceeded, cancel-replacing")
		if _, err := m.CancelReplace(ctx, cycleID, o.ClientID, o.LimitPrice); err != nil {
			m.log.Warn().Err(err).Str("order", o.ClientID).Msg("Deadline cancel-replace failed")
		}
	}
	return nil
}

// MarkDisconnected moves all live orders to Unknown. Called when the broker
// connection drops; Reconcile resolves them on reconnect.
func (m *Manager) MarkDisconnected(cycleID string) error {
	live, err := m.store.Orders.Live()
	if err != nil {
		return err
	}

	for i := range live {
		o := live[i]
		if o.Status == domain.OrderUnknown {
			continue
		}
		o.Status = domain.OrderUnknown
		o.LastUpdatedAt = m.clk.Now()
		if err := m.store.RecordOrderEvent(cycleID, o, "broker disconnected"); err != nil {
			return err
		}
	}

	m.log.Warn().Int("orders", len(live)).Msg("Broker disconnected, live orders marked Unknown")
	return nil
}

// Reconcile matches local orders against broker state by client id.
// Orphans (live at the broker, unknown locally) are cancelled; stale locals
// (live locally, absent at the broker) are marked Rejected.
func (m *Manager) Reconcile(ctx context.Context, cycleID string) error {
	brokerOrders, err := m.broker.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch broker orders: %w", err)
	}

	atBroker := make(map[string]domain.BrokerOpenOrder, len(brokerOrders))
	for _, bo := range brokerOrders {
		atBroker[bo.ClientID] = bo
	}

	live, err := m.store.Orders.Live()
	if err != nil {
		return err
	}
	local := make(map[string]bool, len(live))

	for i := range live {
		o := live[i]
		local[o.ClientID] = true

		if bo, ok := atBroker[o.ClientID]; ok {
			if o.Status == domain.OrderUnknown || o.BrokerID == "" {
				o.Status = domain.OrderWorking
				o.BrokerID = bo.BrokerID
				o.LastUpdatedAt = m.clk.Now()
				if err := m.store.RecordOrderEvent(cycleID, o, "reconciled with broker"); err != nil {
					return err
				}
			}
			continue
		}

		o.Status = domain.OrderRejected
		o.LastUpdatedAt = m.clk.Now()
		if err := m.store.RecordOrderEvent(cycleID, o, "absent at broker after reconnect"); err != nil {
			return err
		}
		m.publishTerminal(&o)
	}

	for clientID, bo := range atBroker {
		if local[clientID] {
			continue
		}
		m.log.Warn().Str("order", clientID).Msg("Orphan order at broker, cancelling")
		if err := m.broker.CancelOrder(ctx, bo.BrokerID); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			return fmt.Errorf("failed to cancel orphan %s: %w", clientID, err)
		}
	}

	m.log.Info().Int("local", len(live)).Int("broker", len(brokerOrders)).Msg("Order reconciliation complete")
	return nil
}

// CancelAllWorking cancels every live order. Used by the Kill breaker.
func (m *Manager) CancelAllWorking(ctx context.Context, cycleID string) error {
	live, err := m.store.Orders.Live()
	if err != nil {
		return err
	}

	for i := range live {
		o := live[i]
		if o.BrokerID != "" {
			if err := m.broker.CancelOrder(ctx, o.BrokerID); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
				m.log.Error().Err(err).Str("order", o.ClientID).Msg("Failed to cancel during kill")
				continue
			}
		}
		o.Status = domain.OrderCancelled
		o.LastUpdatedAt = m.clk.Now()
		if err := m.store.RecordOrderEvent(cycleID, o, "kill switch"); err != nil {
			return err
		}
		m.publishTerminal(&o)
	}
	return nil
}

func (m *Manager) publishTerminal(o *domain.Order) {
	m.bus.Publish(&events.OrderTerminalData{
		AccountID: o.AccountID,
		OrderID:   o.ClientID,
		Status:    string(o.Status),
	})
}

func (m *Manager) recordFailure(base string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[base]++
	return m.failures[base]
}

func (m *Manager) clearFailures(base string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, base)
}

func fillKind(intent domain.OrderIntent) domain.PositionKind {
	switch intent {
	case domain.IntentOpenCSP, domain.IntentCloseCSP, domain.IntentRollCSP:
		return domain.LegCSP
	case domain.IntentOpenCC, domain.IntentCloseCC, domain.IntentRollCC:
		return domain.LegCC
	case domain.IntentOpenLEAP, domain.IntentRollLEAP, domain.IntentCloseLEAP:
		return "" // set by the ledger payload from the order's leg context
	default:
		return ""
	}
}
