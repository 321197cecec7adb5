package store

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// hashedAccount is the replay-stable projection of an account. Wall-clock
// fields are excluded because live apply and replay stamp them at different
// instants.
type hashedAccount struct {
	ID              string
	Kind            string
	ParentID        string
	Genealogy       string
	OpeningCapital  float64
	Cash            float64
	ReservedCash    float64
	TaxReserve      float64
	ContractsBudget float64
	LEAPBudget      float64
	Status          string
	RealizedPL      float64
	QuarterPL       float64
	ForkBase        float64
	ForkCount       int
}

// hashedPosition excludes marks, deltas, and protocol levels: those are
// recomputed from market data after a rebuild, not replayed.
type hashedPosition struct {
	ID            string
	AccountID     string
	Symbol        string
	Kind          string
	Strike        float64
	Expiry        string
	Quantity      int
	OpeningCredit float64
	Status        string
}

type hashedOrder struct {
	ClientID   string
	AccountID  string
	PositionID string
	Intent     string
	Symbol     string
	Expiry     string
	Strike     float64
	Quantity   int
	LimitPrice float64
	Status     string
	FilledQty  int
	FillPrice  float64
	Version    int
}

// StateHash returns a deterministic digest over accounts, open positions, and
// live orders. Ledger snapshots store it so any later rebuild can be checked
// against the state that was live when the snapshot was cut.
func (s *Store) StateHash() (string, error) {
	accounts, err := s.Accounts.All()
	if err != nil {
		return "", err
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

	ha := make([]hashedAccount, 0, len(accounts))
	var hp []hashedPosition
	for _, a := range accounts {
		ha = append(ha, hashedAccount{
			ID:              a.ID,
			Kind:            string(a.Kind),
			ParentID:        a.ParentID,
			Genealogy:       a.GenealogyPath,
			OpeningCapital:  a.OpeningCapital,
			Cash:            a.Cash,
			ReservedCash:    a.ReservedCash,
			TaxReserve:      a.TaxReserve,
			ContractsBudget: a.ContractsBudget,
			LEAPBudget:      a.LEAPBudget,
			Status:          string(a.Status),
			RealizedPL:      a.RealizedPL,
			QuarterPL:       a.QuarterPL,
			ForkBase:        a.ForkBase,
			ForkCount:       a.ForkCount,
		})

		open, err := s.Positions.OpenByAccount(a.ID)
		if err != nil {
			return "", err
		}
		for _, p := range open {
			hp = append(hp, hashedPosition{
				ID:            p.ID,
				AccountID:     p.AccountID,
				Symbol:        p.Symbol,
				Kind:          string(p.Kind),
				Strike:        p.Strike,
				Expiry:        p.Expiry.Format("2006-01-02"),
				Quantity:      p.Quantity,
				OpeningCredit: p.OpeningCredit,
				Status:        string(p.Status),
			})
		}
	}
	sort.Slice(hp, func(i, j int) bool { return hp[i].ID < hp[j].ID })

	live, err := s.Orders.Live()
	if err != nil {
		return "", err
	}
	ho := make([]hashedOrder, 0, len(live))
	for _, o := range live {
		ho = append(ho, hashedOrder{
			ClientID:   o.ClientID,
			AccountID:  o.AccountID,
			PositionID: o.PositionID,
			Intent:     string(o.Intent),
			Symbol:     o.Symbol,
			Expiry:     o.Expiry.Format("2006-01-02"),
			Strike:     o.Strike,
			Quantity:   o.Quantity,
			LimitPrice: o.LimitPrice,
			Status:     string(o.Status),
			FilledQty:  o.FilledQty,
			FillPrice:  o.FillPrice,
			Version:    o.Version,
		})
	}
	sort.Slice(ho, func(i, j int) bool { return ho[i].ClientID < ho[j].ClientID })

	blob, err := msgpack.Marshal(struct {
		Accounts  []hashedAccount
		Positions []hashedPosition
		Orders    []hashedOrder
	}{ha, hp, ho})
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
