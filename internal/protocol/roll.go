package protocol

import (
	"math"
	"sort"
	"time"

	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/rules"
)

// RollCandidate is a replacement contract for a threatened short leg, with
// the net economics of closing the old leg and opening the new one.
type RollCandidate struct {
	Contract domain.OptionContract
	// NetDebit is per-contract: cost to buy back the old leg minus the
	// credit received for the new one. Negative means the roll collects.
	NetDebit float64
}

// RollCandidates returns every chain contract that satisfies the sleeve's
// delta band and DTE range for the position's leg type, sorted by the
// deterministic tie-break: lowest debit, then delta closest to the band
// midpoint, then earliest expiry at or past the lower DTE bound.
func RollCandidates(contract rules.SleeveContract, pos *domain.Position, chain []domain.OptionContract, closeCost float64, now time.Time) []RollCandidate {
	wantPut := pos.Kind == domain.LegCSP
	mid := contract.BandMidpoint()

	var out []RollCandidate
	for _, ct := range chain {
		if ct.Put != wantPut {
			continue
		}
		if ct.Strike == pos.Strike && ct.Expiry.Equal(pos.Expiry) {
			continue // the leg being rolled away from
		}
		if !contract.InDeltaBand(ct.DeltaMagnitude()) {
			continue
		}
		dte := int(ct.Expiry.Sub(now).Hours() / 24)
		if !contract.InDTERange(dte, true) || dte < contract.DTEMin {
			continue
		}
		out = append(out, RollCandidate{
			Contract: ct,
			NetDebit: closeCost - ct.Mid(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].NetDebit != out[j].NetDebit {
			return out[i].NetDebit < out[j].NetDebit
		}
		di := math.Abs(out[i].Contract.DeltaMagnitude() - mid)
		dj := math.Abs(out[j].Contract.DeltaMagnitude() - mid)
		if di != dj {
			return di < dj
		}
		return out[i].Contract.Expiry.Before(out[j].Contract.Expiry)
	})
	return out
}

// SelectRoll picks the best acceptable candidate. A roll whose net debit
// exceeds half the position's opening credit is unacceptable; when no
// candidate qualifies, ok is false and the caller escalates to L3.
func SelectRoll(contract rules.SleeveContract, pos *domain.Position, chain []domain.OptionContract, closeCost float64, now time.Time) (RollCandidate, bool) {
	maxDebit := 0.5 * pos.OpeningCredit
	for _, cand := range RollCandidates(contract, pos, chain, closeCost, now) {
		if cand.NetDebit <= maxDebit {
			return cand, true
		}
	}
	return RollCandidate{}, false
}
