package store

import (
	"fmt"

	"github.com/alluse/engine/internal/domain"
)

// VerifyAccountInvariants checks the universal invariants for one account
// after a mutation. A violation is never self-repaired: the error is returned
// wrapped in ErrInvariantViolated and the owning state machine must move the
// account to SafeMode.
func (s *Store) VerifyAccountInvariants(accountID string) error {
	acct, err := s.Accounts.Get(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("%w: account %s missing", domain.ErrInvariantViolated, accountID)
	}

	open, err := s.Positions.OpenByAccount(accountID)
	if err != nil {
		return err
	}

	// Cash must cover open CSP collateral plus the tax reserve.
	var collateral float64
	for i := range open {
		collateral += open[i].Collateral()
	}
	if acct.Cash+1e-6 < collateral+acct.TaxReserve {
		return fmt.Errorf("%w: account %s cash %.2f below collateral %.2f + tax reserve %.2f",
			domain.ErrInvariantViolated, accountID, acct.Cash, collateral, acct.TaxReserve)
	}
	if acct.ReservedCash+1e-6 < collateral {
		return fmt.Errorf("%w: account %s reserved cash %.2f below CSP collateral %.2f",
			domain.ErrInvariantViolated, accountID, acct.ReservedCash, collateral)
	}

	// Every covered call needs 100 shares per contract of the same symbol.
	coveredBySymbol := make(map[string]int)
	sharesBySymbol := make(map[string]int)
	for i := range open {
		p := open[i]
		switch p.Kind {
		case domain.LegCC:
			coveredBySymbol[p.Symbol] += 100 * abs(p.Quantity)
		case domain.LegLongShares:
			sharesBySymbol[p.Symbol] += p.Quantity
		}
	}
	for symbol, needed := range coveredBySymbol {
		if sharesBySymbol[symbol] < needed {
			return fmt.Errorf("%w: account %s covered calls on %s need %d shares, holds %d",
				domain.ErrInvariantViolated, accountID, symbol, needed, sharesBySymbol[symbol])
		}
	}

	// Children's opening capital must not exceed the parent's realized gains.
	// A forked root is the exception: its sleeve triad is carved from the
	// opening capital it received in the fork.
	children, err := s.Accounts.Children(accountID)
	if err != nil {
		return err
	}
	var childCapital float64
	for i := range children {
		childCapital += children[i].OpeningCapital
	}
	allowance := acct.RealizedPL
	if acct.Kind == domain.KindForkedRoot {
		allowance += acct.OpeningCapital
	}
	if childCapital > allowance+1e-6 {
		return fmt.Errorf("%w: account %s children capital %.2f exceeds realized gains %.2f",
			domain.ErrInvariantViolated, accountID, childCapital, allowance)
	}

	// No two live orders may share a base client id.
	live, err := s.Orders.LiveByAccount(accountID)
	if err != nil {
		return err
	}
	seen := make(map[string]string, len(live))
	for i := range live {
		base := domain.BaseOrderID(live[i].ClientID)
		if other, dup := seen[base]; dup {
			return fmt.Errorf("%w: account %s has two live orders on base id %s (%s, %s)",
				domain.ErrInvariantViolated, accountID, base, other, live[i].ClientID)
		}
		seen[base] = live[i].ClientID
	}

	return nil
}
