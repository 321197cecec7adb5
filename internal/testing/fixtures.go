package testing

import (
	"time"

	"github.com/alluse/engine/internal/domain"
)

// NewGeneratorAccount returns an active Generator sleeve account with the
// given opening capital, fully in cash.
func NewGeneratorAccount(id string, capital float64) *domain.Account {
	return &domain.Account{
		ID:             id,
		Kind:           domain.KindGenerator,
		GenealogyPath:  id,
		OpeningCapital: capital,
		Cash:           capital,
		Status:         domain.AccountActive,
		CreatedAt:      time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
	}
}

// NewRevenueAccount returns an active Revenue sleeve account.
func NewRevenueAccount(id string, capital float64) *domain.Account {
	a := NewGeneratorAccount(id, capital)
	a.Kind = domain.KindRevenue
	return a
}

// NewCompounderAccount returns an active Compounder sleeve account.
func NewCompounderAccount(id string, capital float64) *domain.Account {
	a := NewGeneratorAccount(id, capital)
	a.Kind = domain.KindCompounder
	return a
}

// NewShortCSP returns an open short cash-secured put position.
func NewShortCSP(accountID, symbol string, strike float64, expiry time.Time, contracts int, credit float64) *domain.Position {
	return &domain.Position{
		ID:            accountID + ":" + symbol + ":csp",
		AccountID:     accountID,
		Symbol:        symbol,
		Kind:          domain.LegCSP,
		Strike:        strike,
		Expiry:        expiry,
		Quantity:      -contracts,
		OpeningCredit: credit,
		CurrentMark:   credit,
		Status:        domain.PositionOpen,
		OpenedAt:      expiry.AddDate(0, 0, -3),
	}
}

// NewOptionChain returns a small, liquid option chain around the spot price.
// Strikes step by strikeStep on each side of spot; deltas taper away from the
// money. Every contract clears the liquidity gate.
func NewOptionChain(symbol string, spot float64, expiry time.Time, put bool) []domain.OptionContract {
	const strikeStep = 5.0
	chain := make([]domain.OptionContract, 0, 9)
	for i := -4; i <= 4; i++ {
		strike := spot + float64(i)*strikeStep
		moneyness := (spot - strike) / spot
		delta := 0.5 + moneyness*2.5
		if delta < 0.05 {
			delta = 0.05
		}
		if delta > 0.95 {
			delta = 0.95
		}
		if put {
			delta = 1 - delta
		}
		mid := 0.40 + delta*3
		signed := delta
		if put {
			signed = -delta
		}
		chain = append(chain, domain.OptionContract{
			Symbol:       symbol,
			Strike:       strike,
			Expiry:       expiry,
			Put:          put,
			Bid:          mid - 0.02,
			Ask:          mid + 0.02,
			Last:         mid,
			OpenInterest: 2500,
			Volume:       800,
			AvgVolume20d: 1200,
			Delta:        signed,
			IV:           0.25,
		})
	}
	return chain
}

// NewDailyBars returns n daily bars with a constant 4-point range, suitable
// for seeding ATR computations.
func NewDailyBars(n int, base float64) []domain.OHLC {
	out := make([]domain.OHLC, n)
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = domain.OHLC{
			Date:  day.AddDate(0, 0, i),
			Open:  base,
			High:  base + 2,
			Low:   base - 2,
			Close: base + 1,
		}
	}
	return out
}
