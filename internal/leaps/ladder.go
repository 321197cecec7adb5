// Package leaps maintains the long-dated option ladder: growth calls funded
// by the quarterly LEAP pool, expiries staggered per symbol, legs rolled
// forward before they decay into short-dated risk, and hedge puts retired
// when the market calms down.
package leaps

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/marketdata"
	"github.com/alluse/engine/internal/orders"
	"github.com/alluse/engine/internal/rules"
	"github.com/alluse/engine/internal/store"
	"github.com/rs/zerolog"
)

// Growth legs are long calls 12-18 months out around 0.30 delta; hedge legs
// are long puts 10-20% OTM, 6-12 months out.
const (
	growthDeltaLo     = 0.25
	growthDeltaHi     = 0.35
	growthTargetDelta = 0.30
	growthDTELo       = 365
	growthDTEHi       = 548

	hedgeOTMLo = 0.10
	hedgeOTMHi = 0.20
	hedgeDTELo = 182
	hedgeDTEHi = 365

	// Roll forward under three months to expiry, or when delta drifts
	// out of the useful range.
	rollTTEDays = 91
	deltaFloor  = 0.20
	deltaCeil   = 0.50

	// Minimum expiry spacing between ladder rungs of one symbol.
	staggerDays = 91

	// Hedge puts are retired early below this VIX when nothing is escalated.
	calmVIX = 20.0
)

// Manager maintains the LEAP ladder for all accounts. All actions flow
// through the rules engine and the order lifecycle manager.
type Manager struct {
	cache  *marketdata.Cache
	rules  *rules.Engine
	orders *orders.Manager
	store  *store.Store
	clk    clock.Clock
	log    zerolog.Logger
}

// NewManager creates a LEAP ladder manager
func NewManager(cache *marketdata.Cache, rulesEng *rules.Engine, ordMgr *orders.Manager,
	st *store.Store, clk clock.Clock, log zerolog.Logger) *Manager {
	return &Manager{
		cache:  cache,
		rules:  rulesEng,
		orders: ordMgr,
		store:  st,
		clk:    clk,
		log:    log.With().Str("component", "leaps").Logger(),
	}
}

// Maintain runs one ladder maintenance pass for an account: retire calm
// hedges, roll forward aging or drifted legs, then extend the ladder with
// growth calls while the LEAP pool affords them.
func (m *Manager) Maintain(ctx context.Context, cycleID, accountID string, symbols []string, mode domain.GlobalMode) error {
	acct, err := m.store.Accounts.Get(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s not found", accountID)
	}

	positions, err := m.store.Positions.OpenByAccount(accountID)
	if err != nil {
		return err
	}

	calm, err := m.marketCalm()
	if err != nil {
		return err
	}

	for i := range positions {
		pos := &positions[i]
		if pos.Status != domain.PositionOpen {
			continue
		}
		switch pos.Kind {
		case domain.LegLEAPPut:
			if calm {
				if err := m.closeLeg(ctx, cycleID, pos); err != nil {
					return err
				}
				continue
			}
			if m.needsRoll(pos) {
				if err := m.rollForward(ctx, cycleID, acct, pos, mode); err != nil {
					return err
				}
			}
		case domain.LegLEAPCall:
			if m.needsRoll(pos) {
				if err := m.rollForward(ctx, cycleID, acct, pos, mode); err != nil {
					return err
				}
			}
		}
	}

	return m.extendLadder(ctx, cycleID, acct, symbols, mode)
}

// marketCalm reports whether hedge puts may be retired: VIX under the calm
// threshold and no position escalated to L2 or above.
func (m *Manager) marketCalm() (bool, error) {
	if m.cache.VIX() >= calmVIX {
		return false, nil
	}
	escalated, err := m.store.Positions.CountOpenAtOrAbove(2)
	if err != nil {
		return false, err
	}
	return escalated == 0, nil
}

// needsRoll reports whether a leg must roll forward: under three months to
// expiry, or (growth calls only) delta drifted outside the useful range.
// Hedge put deltas sit below the floor by construction, so drift never
// applies to them.
func (m *Manager) needsRoll(pos *domain.Position) bool {
	if pos.Expiry.Sub(m.clk.Now()) <= rollTTEDays*24*time.Hour {
		return true
	}
	if pos.Kind != domain.LegLEAPCall {
		return false
	}
	mag := math.Abs(pos.Delta)
	return mag < deltaFloor || mag > deltaCeil
}

// rollForward replaces an aging leg with a fresh one in its band, as a
// close/open order pair.
func (m *Manager) rollForward(ctx context.Context, cycleID string, acct *domain.Account, pos *domain.Position, mode domain.GlobalMode) error {
	snap, _, ok := m.cache.Get(pos.Symbol)
	if !ok {
		return fmt.Errorf("no snapshot for %s", pos.Symbol)
	}

	var target domain.OptionContract
	var found bool
	if pos.Kind == domain.LegLEAPPut {
		target, found = m.selectHedgePut(snap)
	} else {
		target, found = m.selectGrowthCall(snap, nil)
	}
	if !found {
		m.log.Warn().Str("position", pos.ID).Msg("No roll target in band, leg left in place")
		return nil
	}

	qty := pos.Quantity
	if qty < 0 {
		qty = -qty
	}

	result := m.rules.Validate(ctx, rules.Candidate{
		Account:  acct,
		Intent:   domain.IntentRollLEAP,
		Contract: target,
		Quantity: qty,
		Spot:     snap.Quote.Last,
	}, rules.Env{Now: m.clk.Now(), GlobalMode: mode})
	if !result.Approved {
		m.log.Warn().Str("position", pos.ID).Interface("reasons", result.Reasons).Msg("Roll target rejected")
		return nil
	}

	pos.Status = domain.PositionRollPending
	if err := m.store.Positions.Save(pos); err != nil {
		return err
	}

	if _, err := m.orders.Submit(ctx, cycleID, orders.Request{
		AccountID:    acct.ID,
		Intent:       domain.IntentCloseLEAP,
		Symbol:       pos.Symbol,
		Expiry:       pos.Expiry,
		Strike:       pos.Strike,
		Quantity:     qty,
		LimitPrice:   pos.CurrentMark,
		PositionID:   pos.ID,
		PositionKind: pos.Kind,
	}); err != nil {
		return err
	}

	_, err := m.orders.Submit(ctx, cycleID, orders.Request{
		AccountID:    acct.ID,
		Intent:       domain.IntentOpenLEAP,
		Symbol:       target.Symbol,
		Expiry:       target.Expiry,
		Strike:       target.Strike,
		Quantity:     qty,
		LimitPrice:   target.Mid(),
		PositionKind: pos.Kind,
	})
	return err
}

func (m *Manager) closeLeg(ctx context.Context, cycleID string, pos *domain.Position) error {
	_, err := m.orders.Submit(ctx, cycleID, orders.Request{
		AccountID:    pos.AccountID,
		Intent:       domain.IntentCloseLEAP,
		Symbol:       pos.Symbol,
		Expiry:       pos.Expiry,
		Strike:       pos.Strike,
		Quantity:     absQty(pos.Quantity),
		LimitPrice:   pos.CurrentMark,
		PositionID:   pos.ID,
		PositionKind: pos.Kind,
	})
	return err
}

// extendLadder buys growth calls per symbol while the LEAP pool affords them,
// honoring the expiry stagger against the account's existing rungs.
func (m *Manager) extendLadder(ctx context.Context, cycleID string, acct *domain.Account, symbols []string, mode domain.GlobalMode) error {
	budget := acct.LEAPBudget

	for _, symbol := range symbols {
		snap, err := m.cache.Fresh(symbol)
		if err != nil {
			continue // entries need fresh data; stale symbols wait
		}

		rungs, err := m.ladderExpiries(acct.ID, symbol)
		if err != nil {
			return err
		}

		target, found := m.selectGrowthCall(snap, rungs)
		if !found {
			continue
		}

		cost := target.Mid() * 100
		if cost <= 0 {
			continue
		}
		qty := int(budget / cost)
		if qty < 1 {
			continue
		}

		result := m.rules.Validate(ctx, rules.Candidate{
			Account:  acct,
			Intent:   domain.IntentOpenLEAP,
			Contract: target,
			Quantity: qty,
			Spot:     snap.Quote.Last,
		}, rules.Env{Now: m.clk.Now(), GlobalMode: mode})
		if !result.Approved {
			m.log.Debug().Str("symbol", symbol).Interface("reasons", result.Reasons).Msg("Ladder extension rejected")
			continue
		}

		if _, err := m.orders.Submit(ctx, cycleID, orders.Request{
			AccountID:    acct.ID,
			Intent:       domain.IntentOpenLEAP,
			Symbol:       symbol,
			Expiry:       target.Expiry,
			Strike:       target.Strike,
			Quantity:     qty,
			LimitPrice:   target.Mid(),
			PositionKind: domain.LegLEAPCall,
		}); err != nil {
			return err
		}
		budget -= float64(qty) * cost

		m.log.Info().
			Str("account", acct.ID).
			Str("symbol", symbol).
			Float64("strike", target.Strike).
			Int("qty", qty).
			Float64("remaining_budget", budget).
			Msg("Ladder rung added")
	}
	return nil
}

// ladderExpiries returns the expiries of the account's open growth rungs for
// a symbol.
func (m *Manager) ladderExpiries(accountID, symbol string) ([]time.Time, error) {
	positions, err := m.store.Positions.OpenByAccount(accountID)
	if err != nil {
		return nil, err
	}
	var rungs []time.Time
	for _, p := range positions {
		if p.Symbol == symbol && p.Kind == domain.LegLEAPCall {
			rungs = append(rungs, p.Expiry)
		}
	}
	return rungs, nil
}

// selectGrowthCall picks the in-band call with delta closest to the target,
// skipping expiries that violate the stagger against existing rungs.
func (m *Manager) selectGrowthCall(snap marketdata.Snapshot, rungs []time.Time) (domain.OptionContract, bool) {
	now := m.clk.Now()

	best := domain.OptionContract{}
	bestDist := math.MaxFloat64
	for _, ct := range snap.Chain {
		if ct.Put || ct.Mid() <= 0 {
			continue
		}
		dte := int(ct.Expiry.Sub(now).Hours() / 24)
		if dte < growthDTELo || dte > growthDTEHi {
			continue
		}
		mag := ct.DeltaMagnitude()
		if mag < growthDeltaLo || mag > growthDeltaHi {
			continue
		}
		if !staggerOK(rungs, ct.Expiry) {
			continue
		}
		if d := math.Abs(mag - growthTargetDelta); d < bestDist {
			best, bestDist = ct, d
		}
	}
	return best, bestDist < math.MaxFloat64
}

// selectHedgePut picks the put closest to the middle of the OTM band.
func (m *Manager) selectHedgePut(snap marketdata.Snapshot) (domain.OptionContract, bool) {
	spot := snap.Quote.Last
	if spot <= 0 {
		return domain.OptionContract{}, false
	}
	now := m.clk.Now()
	targetOTM := (hedgeOTMLo + hedgeOTMHi) / 2

	best := domain.OptionContract{}
	bestDist := math.MaxFloat64
	for _, ct := range snap.Chain {
		if !ct.Put || ct.Mid() <= 0 {
			continue
		}
		dte := int(ct.Expiry.Sub(now).Hours() / 24)
		if dte < hedgeDTELo || dte > hedgeDTEHi {
			continue
		}
		otm := (spot - ct.Strike) / spot
		if otm < hedgeOTMLo || otm > hedgeOTMHi {
			continue
		}
		if d := math.Abs(otm - targetOTM); d < bestDist {
			best, bestDist = ct, d
		}
	}
	return best, bestDist < math.MaxFloat64
}

// staggerOK reports whether an expiry keeps the minimum spacing from every
// existing rung.
func staggerOK(rungs []time.Time, expiry time.Time) bool {
	for _, r := range rungs {
		gap := expiry.Sub(r)
		if gap < 0 {
			gap = -gap
		}
		if gap < staggerDays*24*time.Hour {
			return false
		}
	}
	return true
}

func absQty(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
