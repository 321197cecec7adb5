package lifecycle

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/ledger"
	"github.com/alluse/engine/internal/rules"
)

// advShare caps order size at this fraction of the contract's 20-day average
// volume, matching the liquidity rule.
const advShare = 0.10

// entryCandidate is an approved entry waiting for submission.
type entryCandidate struct {
	intent   domain.OrderIntent
	contract domain.OptionContract
	quantity int
	limit    float64
}

// buildCandidates proposes one entry per permitted symbol, sized to the
// sleeve's deployment target, and runs each through the rules engine. Every
// proposal and its verdict is ledgered. Only approved candidates return.
func (m *Machine) buildCandidates(ctx context.Context) ([]entryCandidate, error) {
	acct, err := m.deps.Store.Accounts.Get(m.accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("account %s not found", m.accountID)
	}
	if acct.Status != domain.AccountActive {
		return nil, nil
	}

	contract, ok := rules.ContractFor(acct.Kind)
	if !ok {
		return nil, nil
	}

	now := m.deps.Clock.Now()
	if !m.deps.Calendar.InEntryWindow(acct.Kind, now) {
		return nil, nil
	}

	mode := m.deps.Protocol.Mode()
	if mode >= domain.ModeSafe {
		return nil, nil
	}
	if m.deps.Protocol.EntriesFrozen(m.accountID) {
		m.log.Debug().Msg("Entries frozen after roll; skipping analysis")
		return nil, nil
	}

	live, err := m.deps.Store.Orders.LiveByAccount(m.accountID)
	if err != nil {
		return nil, err
	}
	liveBases := make(map[string]bool, len(live))
	for i := range live {
		liveBases[domain.BaseOrderID(live[i].ClientID)] = true
	}

	open, err := m.deps.Store.Positions.OpenByAccount(m.accountID)
	if err != nil {
		return nil, err
	}

	stressed := mode >= domain.ModeHedgedWeek
	sleeveEquity := acct.Cash
	deployTarget := m.deps.Config.CapitalDeploymentPct * sleeveEquity
	if mode == domain.ModeHedgedWeek {
		deployTarget /= 2
	}
	exposureCap := m.deps.Config.PerSymbolExposureCap * sleeveEquity

	cycleID := m.CycleID()
	env := rules.Env{Now: now, GlobalMode: mode, Stressed: stressed, LiveOrderBaseIDs: liveBases}

	var out []entryCandidate
	var plannedCollateral float64
	plannedBySymbol := make(map[string]float64)

	for _, symbol := range m.permittedSymbols() {
		snap, err := m.deps.Cache.Fresh(symbol)
		if err != nil {
			m.log.Debug().Str("symbol", symbol).Msg("Snapshot stale; entry suppressed")
			continue
		}
		spot := snap.Quote.Last
		if spot <= 0 {
			spot = snap.Quote.Mid()
		}
		if spot <= 0 {
			continue
		}

		ct, ok := bestContract(contract, snap.Chain, now, stressed)
		if !ok {
			continue
		}
		unit := ct.Strike * 100
		if unit <= 0 {
			continue
		}

		openNotional := symbolNotional(open, symbol) + plannedBySymbol[symbol]
		exposureRoom := exposureCap - openNotional

		var intent domain.OrderIntent
		var qty, shares, covered int

		switch contract.EntryKind {
		case domain.LegCSP:
			intent = domain.IntentOpenCSP
			headroom := deployTarget - acct.ReservedCash - plannedCollateral
			if dc := acct.DeployableCash() - plannedCollateral; dc < headroom {
				headroom = dc
			}
			if exposureRoom < headroom {
				headroom = exposureRoom
			}
			qty = int(headroom / unit)
		case domain.LegCC:
			intent = domain.IntentOpenCC
			shares, err = m.deps.Store.Positions.SharesHeld(m.accountID, symbol)
			if err != nil {
				return nil, err
			}
			covered = coveredContracts(open, symbol)
			qty = shares/100 - covered
			if lim := int(exposureRoom / unit); qty > lim {
				qty = lim
			}
		default:
			continue
		}

		if ct.AvgVolume20d > 0 {
			if lim := int(advShare * float64(ct.AvgVolume20d)); qty > lim {
				qty = lim
			}
		}
		if qty <= 0 {
			continue
		}

		if err := m.deps.Store.RecordDecision(cycleID, m.accountID, ledger.DecisionPayload{
			Action: "propose_entry",
			Symbol: symbol,
			Strike: ct.Strike,
			Expiry: ct.Expiry.Format("2006-01-02"),
			Qty:    qty,
			Mid:    ct.Mid(),
			Delta:  ct.DeltaMagnitude(),
		}); err != nil {
			return nil, err
		}

		// Validate against the account as it will look once the candidates
		// already planned this pass are filled.
		vAcct := *acct
		vAcct.ReservedCash += plannedCollateral
		cand := rules.Candidate{
			Account:        &vAcct,
			Intent:         intent,
			Contract:       ct,
			Quantity:       qty,
			Spot:           spot,
			SleeveEquity:   sleeveEquity,
			SymbolNotional: openNotional,
			SharesHeld:     shares,
			CoveredQty:     covered,
		}
		res := m.deps.Rules.Validate(ctx, cand, env)
		if err := m.recordVerdict(cycleID, cand, res); err != nil {
			return nil, err
		}

		// An earnings-week call can still go out at half coverage.
		if !res.Approved && intent == domain.IntentOpenCC && onlyEarnings(res.Reasons) {
			reduced := shares/200 - covered
			if reduced > 0 && reduced < qty {
				cand.Quantity = reduced
				res = m.deps.Rules.Validate(ctx, cand, env)
				if err := m.recordVerdict(cycleID, cand, res); err != nil {
					return nil, err
				}
				if res.Approved {
					qty = reduced
				}
			}
		}
		if !res.Approved {
			continue
		}

		out = append(out, entryCandidate{intent: intent, contract: ct, quantity: qty, limit: ct.Mid()})
		notional := unit * float64(qty)
		plannedBySymbol[symbol] += notional
		if intent == domain.IntentOpenCSP {
			plannedCollateral += notional
		}
	}
	return out, nil
}

func (m *Machine) recordVerdict(cycleID string, cand rules.Candidate, res rules.Result) error {
	reasons := make([]string, 0, len(res.Reasons))
	for _, r := range res.Reasons {
		reasons = append(reasons, string(r))
	}
	return m.deps.Store.RecordValidation(cycleID, m.accountID, ledger.ValidationPayload{
		Action: fmt.Sprintf("%s %s %.2f %s x%d", cand.Intent, cand.Contract.Symbol,
			cand.Contract.Strike, cand.Contract.Expiry.Format("2006-01-02"), cand.Quantity),
		Approved: res.Approved,
		Reasons:  reasons,
	})
}

func onlyEarnings(reasons []rules.RejectReason) bool {
	return len(reasons) == 1 && reasons[0] == rules.RejectEarningsThisWeek
}

// bestContract picks the chain entry closest to the sleeve's delta band
// midpoint among those inside the band, the DTE range, and with a usable
// quote. Puts for CSP sleeves, calls for CC sleeves.
func bestContract(sc rules.SleeveContract, chain []domain.OptionContract, now time.Time, stressed bool) (domain.OptionContract, bool) {
	wantPut := sc.EntryKind == domain.LegCSP
	target := sc.BandMidpoint()
	bestDist := math.MaxFloat64
	var best domain.OptionContract
	found := false
	for i := range chain {
		ct := chain[i]
		if ct.Put != wantPut {
			continue
		}
		if !sc.InDeltaBand(ct.DeltaMagnitude()) {
			continue
		}
		dte := int(ct.Expiry.Sub(now).Hours() / 24)
		if dte < 0 {
			dte = 0
		}
		if !sc.InDTERange(dte, stressed) {
			continue
		}
		if ct.Mid() <= 0 {
			continue
		}
		if d := math.Abs(ct.DeltaMagnitude() - target); d < bestDist {
			bestDist = d
			best = ct
			found = true
		}
	}
	return best, found
}

// symbolNotional sums the notional of open short option legs for the symbol.
func symbolNotional(open []domain.Position, symbol string) float64 {
	var n float64
	for i := range open {
		p := &open[i]
		if p.Symbol != symbol {
			continue
		}
		switch p.Kind {
		case domain.LegCSP, domain.LegCC:
			n += p.Strike * 100 * float64(absInt(p.Quantity))
		}
	}
	return n
}

// coveredContracts counts short calls already written against the symbol.
func coveredContracts(open []domain.Position, symbol string) int {
	n := 0
	for i := range open {
		p := &open[i]
		if p.Symbol == symbol && p.Kind == domain.LegCC {
			n += absInt(p.Quantity)
		}
	}
	return n
}
