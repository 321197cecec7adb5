// Package reinvest applies the quarterly split of realized gains. At the
// close of each calendar quarter, 30% of the quarter's realized gain is set
// aside as a tax reserve and the remainder is divided 75/25 between the
// contracts pool and the LEAP pool. Generators are exempt: their gains
// accumulate toward the fork threshold instead.
package reinvest

import (
	"fmt"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/config"
	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/ledger"
	"github.com/alluse/engine/internal/store"
	"github.com/rs/zerolog"
)

// Manager decides when a quarter has closed and books the split.
type Manager struct {
	store *store.Store
	cal   *clock.Calendar
	clk   clock.Clock
	log   zerolog.Logger

	taxFrac       float64
	contractsFrac float64
	leapFrac      float64
}

// NewManager creates a reinvestment manager with the configured split
// fractions. The fractions are of the gross quarterly gain and must sum to 1.
func NewManager(st *store.Store, cal *clock.Calendar, clk clock.Clock, cfg *config.Config, log zerolog.Logger) *Manager {
	return &Manager{
		store:         st,
		cal:           cal,
		clk:           clk,
		log:           log.With().Str("component", "reinvest").Logger(),
		taxFrac:       cfg.ReinvestTaxReserve,
		contractsFrac: cfg.ReinvestContracts,
		leapFrac:      cfg.ReinvestLEAPs,
	}
}

// Evaluate books the quarterly split for one account if the quarter has
// closed. Called at every RECONCILING; outside the close of a quarter, or
// with nothing accrued, it is a no-op. A close that was missed because the
// process was down rides into the next quarter's split.
func (m *Manager) Evaluate(cycleID, accountID string) error {
	acct, err := m.store.Accounts.Get(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s not found", accountID)
	}

	// Revenue and Compounder accounts only. Generators accumulate toward
	// their fork threshold; mini-compounds toward their merge multiple.
	if acct.Kind != domain.KindRevenue && acct.Kind != domain.KindCompounder {
		return nil
	}
	if acct.QuarterPL <= 0 {
		return nil
	}

	now := m.clk.Now()
	due, err := m.QuarterCloses(now)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}

	gain := acct.QuarterPL
	year, q := QuarterOf(now)
	payload := ledger.ReinvestmentPayload{
		Quarter:       fmt.Sprintf("%dQ%d", year, q),
		RealizedGain:  gain,
		TaxReserved:   gain * m.taxFrac,
		ContractsPool: gain * m.contractsFrac,
		LEAPPool:      gain * m.leapFrac,
	}
	if err := m.store.Reinvest(cycleID, accountID, payload); err != nil {
		return err
	}

	m.log.Info().
		Str("account", accountID).
		Str("quarter", payload.Quarter).
		Float64("gain", gain).
		Float64("tax", payload.TaxReserved).
		Float64("contracts", payload.ContractsPool).
		Float64("leaps", payload.LEAPPool).
		Msg("Quarterly reinvestment booked")
	return nil
}

// QuarterCloses reports whether now falls on or after the last trading day
// of the current calendar quarter.
func (m *Manager) QuarterCloses(now time.Time) (bool, error) {
	last, err := m.LastTradingDay(now)
	if err != nil {
		return false, err
	}
	return !now.Before(last), nil
}

// LastTradingDay returns the final trading session of now's quarter, at
// midnight in the exchange time zone. Weekends and holidays are walked over.
func (m *Manager) LastTradingDay(now time.Time) (time.Time, error) {
	year, q := QuarterOf(now)
	// Day zero of the following month is the quarter's last calendar day.
	d := time.Date(year, time.Month(q*3)+1, 0, 0, 0, 0, 0, m.cal.Location())
	for {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			holiday, err := m.cal.IsHoliday(d)
			if err != nil {
				return time.Time{}, err
			}
			if !holiday {
				return d, nil
			}
		}
		d = d.AddDate(0, 0, -1)
	}
}

// QuarterOf returns the calendar year and quarter (1-4) containing t.
func QuarterOf(t time.Time) (int, int) {
	return t.Year(), (int(t.Month())-1)/3 + 1
}
