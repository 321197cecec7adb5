package protocol

import (
	"context"
	"fmt"
	"math"

	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/orders"
)

// Hedge basket composition. The budget is max(5% of trailing quarterly gains,
// 1% of sleeve equity), split 2:1 between SPX long puts (6-12 months,
// 10-20% OTM) and VIX calls near six months out.
const (
	hedgeSymbolSPX = "SPX"
	hedgeSymbolVIX = "VIX"

	hedgeBudgetGainsPct  = 0.05
	hedgeBudgetEquityPct = 0.01
	hedgePutBudgetShare  = 2.0 / 3.0

	hedgePutOTMLo  = 0.10
	hedgePutOTMHi  = 0.20
	hedgePutDTELo  = 182
	hedgePutDTEHi  = 365
	hedgeCallDTELo = 120
	hedgeCallDTEHi = 240

	// Close the basket once profit reaches 200% of its cost.
	hedgeProfitMultiple = 2.0
	// A calm VIX print lets the ladder manager retire hedge puts early.
	hedgeCalmVIX = 20.0
)

// HedgeActive reports whether any hedge leg is currently open.
func (e *Engine) HedgeActive() (bool, error) {
	legs, err := e.hedgeLegs()
	if err != nil {
		return false, err
	}
	return len(legs) > 0, nil
}

func (e *Engine) hedgeLegs() ([]domain.Position, error) {
	var legs []domain.Position

	puts, err := e.store.Positions.OpenBySymbol(hedgeSymbolSPX)
	if err != nil {
		return nil, err
	}
	for _, p := range puts {
		if p.Kind == domain.LegLEAPPut {
			legs = append(legs, p)
		}
	}

	calls, err := e.store.Positions.OpenBySymbol(hedgeSymbolVIX)
	if err != nil {
		return nil, err
	}
	for _, p := range calls {
		if p.Kind == domain.LegLEAPCall {
			legs = append(legs, p)
		}
	}
	return legs, nil
}

// DeployHedge submits the hedge basket for an account within the budget. A
// missing chain or an unaffordable leg skips that leg rather than failing the
// escalation that triggered the deployment.
func (e *Engine) DeployHedge(ctx context.Context, cycleID string, acct *domain.Account) error {
	equity := acct.Cash
	budget := hedgeBudgetEquityPct * equity
	if gains := hedgeBudgetGainsPct * acct.QuarterPL; gains > budget {
		budget = gains
	}
	if budget <= 0 {
		return fmt.Errorf("no hedge budget for %s", acct.ID)
	}

	putBudget := budget * hedgePutBudgetShare
	callBudget := budget - putBudget

	var deployed int
	if ct, ok := e.selectHedgePut(); ok {
		if qty := affordable(putBudget, ct.Mid()); qty > 0 {
			if err := e.submitHedgeLeg(ctx, cycleID, acct.ID, ct, domain.LegLEAPPut, qty); err != nil {
				return err
			}
			deployed++
		}
	}
	if ct, ok := e.selectHedgeCall(); ok {
		if qty := affordable(callBudget, ct.Mid()); qty > 0 {
			if err := e.submitHedgeLeg(ctx, cycleID, acct.ID, ct, domain.LegLEAPCall, qty); err != nil {
				return err
			}
			deployed++
		}
	}

	if deployed == 0 {
		return fmt.Errorf("hedge basket not deployable for %s (no usable contracts within budget)", acct.ID)
	}
	e.log.Info().Str("account", acct.ID).Float64("budget", budget).Int("legs", deployed).Msg("Hedge basket deployed")
	return nil
}

// selectHedgePut picks the SPX put closest to the middle of the OTM band.
func (e *Engine) selectHedgePut() (domain.OptionContract, bool) {
	snap, _, ok := e.cache.Get(hedgeSymbolSPX)
	if !ok {
		return domain.OptionContract{}, false
	}
	spot := snap.Quote.Last
	if spot <= 0 {
		return domain.OptionContract{}, false
	}

	targetOTM := (hedgePutOTMLo + hedgePutOTMHi) / 2
	now := e.clk.Now()

	best := domain.OptionContract{}
	bestDist := math.MaxFloat64
	for _, ct := range snap.Chain {
		if !ct.Put || ct.Mid() <= 0 {
			continue
		}
		dte := int(ct.Expiry.Sub(now).Hours() / 24)
		if dte < hedgePutDTELo || dte > hedgePutDTEHi {
			continue
		}
		otm := (spot - ct.Strike) / spot
		if otm < hedgePutOTMLo || otm > hedgePutOTMHi {
			continue
		}
		if d := math.Abs(otm - targetOTM); d < bestDist {
			best, bestDist = ct, d
		}
	}
	return best, bestDist < math.MaxFloat64
}

// selectHedgeCall picks the VIX call nearest six months out.
func (e *Engine) selectHedgeCall() (domain.OptionContract, bool) {
	snap, _, ok := e.cache.Get(hedgeSymbolVIX)
	if !ok {
		return domain.OptionContract{}, false
	}
	now := e.clk.Now()

	best := domain.OptionContract{}
	bestDist := math.MaxInt32
	for _, ct := range snap.Chain {
		if ct.Put || ct.Mid() <= 0 {
			continue
		}
		dte := int(ct.Expiry.Sub(now).Hours() / 24)
		if dte < hedgeCallDTELo || dte > hedgeCallDTEHi {
			continue
		}
		if d := absInt(dte - 182); d < bestDist {
			best, bestDist = ct, d
		}
	}
	return best, bestDist < math.MaxInt32
}

func (e *Engine) submitHedgeLeg(ctx context.Context, cycleID, accountID string, ct domain.OptionContract, kind domain.PositionKind, qty int) error {
	_, err := e.orders.Submit(ctx, cycleID, orders.Request{
		AccountID:    accountID,
		Intent:       domain.IntentOpenLEAP,
		Symbol:       ct.Symbol,
		Expiry:       ct.Expiry,
		Strike:       ct.Strike,
		Quantity:     qty,
		LimitPrice:   ct.Mid(),
		PositionKind: kind,
	})
	return err
}

// MaybeCloseHedge closes hedge legs whose profit reached 200% of cost, or all
// of them when the escalation triggers have reverted (no position at L2 or
// above and VIX back under the hedge threshold).
func (e *Engine) MaybeCloseHedge(ctx context.Context, cycleID string) error {
	legs, err := e.hedgeLegs()
	if err != nil {
		return err
	}
	if len(legs) == 0 {
		return nil
	}

	reverted, err := e.triggersReverted()
	if err != nil {
		return err
	}

	for i := range legs {
		leg := &legs[i]
		cost := -leg.OpeningCredit // long legs carry a negative opening credit
		profitTarget := cost > 0 && leg.CurrentMark >= (1+hedgeProfitMultiple)*cost
		if !profitTarget && !reverted {
			continue
		}

		if _, err := e.orders.Submit(ctx, cycleID, orders.Request{
			AccountID:    leg.AccountID,
			Intent:       domain.IntentCloseLEAP,
			Symbol:       leg.Symbol,
			Expiry:       leg.Expiry,
			Strike:       leg.Strike,
			Quantity:     absInt(leg.Quantity),
			LimitPrice:   leg.CurrentMark,
			PositionID:   leg.ID,
			PositionKind: leg.Kind,
		}); err != nil {
			return err
		}
	}
	return nil
}

// triggersReverted reports whether every escalation trigger has cleared.
func (e *Engine) triggersReverted() (bool, error) {
	if e.cache.VIX() >= e.cfg.VIXThresholdHedge {
		return false, nil
	}
	escalated, err := e.anyPositionAtOrAbove(2)
	if err != nil {
		return false, err
	}
	return !escalated, nil
}

func affordable(budget, mid float64) int {
	if mid <= 0 {
		return 0
	}
	return int(budget / (mid * 100))
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
