package mock

import (
	"context"

	"github.com/alluse/engine/internal/domain"
)

// usHolidays carries the exchange holiday calendar for the simulated years.
// Years outside the table report no closures rather than failing: the mock
// venue never goes dark.
var usHolidays = map[int][]string{
	2025: {
		"2025-01-01", "2025-01-20", "2025-02-17", "2025-04-18",
		"2025-05-26", "2025-06-19", "2025-07-04", "2025-09-01",
		"2025-11-27", "2025-12-25",
	},
	2026: {
		"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03",
		"2026-05-25", "2026-06-19", "2026-07-03", "2026-09-07",
		"2026-11-26", "2026-12-25",
	},
	2027: {
		"2027-01-01", "2027-01-18", "2027-02-15", "2027-03-26",
		"2027-05-31", "2027-06-18", "2027-07-05", "2027-09-06",
		"2027-11-25", "2027-12-24",
	},
}

// etfSymbols never report earnings.
var etfSymbols = map[string]bool{"SPY": true, "QQQ": true, "IWM": true}

// Calendar is a deterministic market calendar: fixed holiday tables and a
// quarterly earnings cadence derived from the symbol name.
type Calendar struct{}

// NewCalendar creates the synthetic calendar client
func NewCalendar() *Calendar {
	return &Calendar{}
}

// EarningsThisWeek implements domain.CalendarClient. Each symbol reports
// once per thirteen ISO weeks, offset by its name, so the earnings filter
// fires on a realistic cadence without external data.
func (c *Calendar) EarningsThisWeek(_ context.Context, symbol string, isoYear, isoWeek int) (bool, error) {
	if etfSymbols[symbol] {
		return false, nil
	}
	var h int
	for _, ch := range symbol {
		h += int(ch)
	}
	return (isoYear*53+isoWeek+h)%13 == 2, nil
}

// Holidays implements domain.CalendarClient.
func (c *Calendar) Holidays(_ context.Context, year int) ([]string, error) {
	return usHolidays[year], nil
}

// MarketHours implements domain.CalendarClient.
func (c *Calendar) MarketHours(_ context.Context, _ string) (string, string, error) {
	return "09:30", "16:00", nil
}

var _ domain.CalendarClient = (*Calendar)(nil)
