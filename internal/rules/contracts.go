// Package rules validates every candidate action against the trading
// constitution. The engine is stateless: each call receives the account, the
// candidate, and the market environment, and returns an approval or the full
// list of enumerated reject reasons.
package rules

import (
	"sort"

	"github.com/alluse/engine/internal/domain"
)

// Liquidity gate thresholds, all sleeves.
const (
	minOpenInterest = 500
	minDailyVolume  = 100
	maxSpreadPct    = 0.05
	maxADVShare     = 0.10
)

// LEAP bands. Growth legs are long calls 12-18 months out; hedge legs are
// long puts 10-20% OTM, 6-12 months out.
const (
	leapGrowthDeltaLo = 0.25
	leapGrowthDeltaHi = 0.35
	leapGrowthDTELo   = 365
	leapGrowthDTEHi   = 548
	leapHedgeDTELo    = 182
	leapHedgeDTEHi    = 365
	leapHedgeOTMLo    = 0.10
	leapHedgeOTMHi    = 0.20
)

// EarningsPolicy selects how a sleeve treats symbols with earnings this week
type EarningsPolicy int

const (
	// EarningsSkip drops the symbol entirely for the week
	EarningsSkip EarningsPolicy = iota
	// EarningsReduceCoverage caps covered-call coverage at 50% of held shares
	EarningsReduceCoverage
)

// SleeveContract is the per-sleeve rule table. Values are the contract;
// they are fixed, not configuration.
type SleeveContract struct {
	EntryKind    domain.PositionKind // leg opened at entry
	DTEMin       int
	DTEMax       int
	DeltaLo      float64 // magnitude band
	DeltaHi      float64
	Symbols      map[string]bool
	Earnings     EarningsPolicy
	StressDTEMin int // alternate DTE range under stress, 0 when unused
	StressDTEMax int
}

var sleeveContracts = map[domain.AccountKind]SleeveContract{
	domain.KindGenerator: {
		EntryKind:    domain.LegCSP,
		DTEMin:       0,
		DTEMax:       1,
		DeltaLo:      0.40,
		DeltaHi:      0.45,
		Symbols:      symbolSet("AAPL", "MSFT", "AMZN", "GOOG", "SPY", "QQQ", "IWM"),
		Earnings:     EarningsSkip,
		StressDTEMin: 1,
		StressDTEMax: 3,
	},
	domain.KindRevenue: {
		EntryKind: domain.LegCSP,
		DTEMin:    3,
		DTEMax:    5,
		DeltaLo:   0.30,
		DeltaHi:   0.35,
		Symbols:   symbolSet("NVDA", "TSLA"),
		Earnings:  EarningsSkip,
	},
	domain.KindCompounder: {
		EntryKind: domain.LegCC,
		DTEMin:    5,
		DTEMax:    5,
		DeltaLo:   0.20,
		DeltaHi:   0.25,
		Symbols:   symbolSet("AAPL", "MSFT", "AMZN", "GOOGL", "NVDA", "TSLA", "META"),
		Earnings:  EarningsReduceCoverage,
	},
}

// ContractFor returns the sleeve contract for an account kind.
// MiniCompound children trade under the Compounder contract. ForkedRoot is a
// container account and has no contract of its own.
func ContractFor(kind domain.AccountKind) (SleeveContract, bool) {
	if kind == domain.KindMiniCompound {
		kind = domain.KindCompounder
	}
	c, ok := sleeveContracts[kind]
	return c, ok
}

// InDeltaBand reports whether a delta magnitude lies inside the sleeve band.
func (c SleeveContract) InDeltaBand(magnitude float64) bool {
	return magnitude >= c.DeltaLo && magnitude <= c.DeltaHi
}

// InDTERange reports whether a DTE lies inside the sleeve range, including the
// stress alternate when one is defined.
func (c SleeveContract) InDTERange(dte int, stressed bool) bool {
	if dte >= c.DTEMin && dte <= c.DTEMax {
		return true
	}
	if stressed && c.StressDTEMax > 0 {
		return dte >= c.StressDTEMin && dte <= c.StressDTEMax
	}
	return false
}

// BandMidpoint returns the centre of the delta band, used for roll tie-breaks.
func (c SleeveContract) BandMidpoint() float64 {
	return (c.DeltaLo + c.DeltaHi) / 2
}

// AllSymbols returns every symbol any sleeve may trade, sorted and deduped.
// ATR refresh and calendar priming iterate over this set.
func AllSymbols() []string {
	set := make(map[string]bool)
	for _, c := range sleeveContracts {
		for s := range c.Symbols {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func symbolSet(symbols ...string) map[string]bool {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return set
}
