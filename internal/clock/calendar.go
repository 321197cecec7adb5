package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alluse/engine/internal/domain"
	"github.com/rs/zerolog"
)

// Regular session hours, local market time.
const (
	sessionOpenHour   = 9
	sessionOpenMin    = 30
	sessionCloseHour  = 16
	sessionCloseMin   = 0
	entryWindowOpenH  = 9
	entryWindowOpenM  = 45
	entryWindowCloseH = 11
	entryWindowCloseM = 0
)

// Calendar caches externally sourced market calendar data and answers
// market-open, holiday, earnings, and entry-window questions.
// Data is refreshed before each cycle; stale or missing data yields errors.
type Calendar struct {
	client domain.CalendarClient
	loc    *time.Location
	log    zerolog.Logger

	mu       sync.RWMutex
	holidays map[int]map[string]bool // year -> "2006-01-02" -> true
	earnings map[string]bool         // "SYMBOL:year-week" -> has earnings
	refreshed map[int]bool
}

// NewCalendar creates a calendar bound to a market timezone.
func NewCalendar(client domain.CalendarClient, loc *time.Location, log zerolog.Logger) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{
		client:    client,
		loc:       loc,
		log:       log.With().Str("component", "calendar").Logger(),
		holidays:  make(map[int]map[string]bool),
		earnings:  make(map[string]bool),
		refreshed: make(map[int]bool),
	}
}

// Location returns the market timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Refresh loads holiday data for the given year from the external source.
func (c *Calendar) Refresh(ctx context.Context, year int) error {
	dates, err := c.client.Holidays(ctx, year)
	if err != nil {
		return fmt.Errorf("failed to refresh holidays for %d: %w", year, err)
	}

	set := make(map[string]bool, len(dates))
	for _, d := range dates {
		set[d] = true
	}

	c.mu.Lock()
	c.holidays[year] = set
	c.refreshed[year] = true
	c.mu.Unlock()

	c.log.Info().Int("year", year).Int("holidays", len(dates)).Msg("Calendar refreshed")
	return nil
}

// IsHoliday reports whether the date is a market holiday.
// Returns ErrCalendarUnknown when the year has not been refreshed.
func (c *Calendar) IsHoliday(t time.Time) (bool, error) {
	local := t.In(c.loc)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.refreshed[local.Year()] {
		return false, domain.ErrCalendarUnknown
	}
	return c.holidays[local.Year()][local.Format("2006-01-02")], nil
}

// IsMarketOpen reports whether the market is in its regular session at t.
// Unknown calendar data propagates as an error; callers must abort.
func (c *Calendar) IsMarketOpen(t time.Time) (bool, error) {
	local := t.In(c.loc)

	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false, nil
	}

	holiday, err := c.IsHoliday(local)
	if err != nil {
		return false, err
	}
	if holiday {
		return false, nil
	}

	open := time.Date(local.Year(), local.Month(), local.Day(), sessionOpenHour, sessionOpenMin, 0, 0, c.loc)
	close := time.Date(local.Year(), local.Month(), local.Day(), sessionCloseHour, sessionCloseMin, 0, 0, c.loc)

	return !local.Before(open) && local.Before(close), nil
}

// HasEarnings reports whether the symbol has earnings in t's ISO week.
// Results are cached per (symbol, week).
func (c *Calendar) HasEarnings(ctx context.Context, symbol string, t time.Time) (bool, error) {
	isoYear, isoWeek := t.In(c.loc).ISOWeek()
	key := fmt.Sprintf("%s:%d-%d", symbol, isoYear, isoWeek)

	c.mu.RLock()
	cached, ok := c.earnings[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	has, err := c.client.EarningsThisWeek(ctx, symbol, isoYear, isoWeek)
	if err != nil {
		return false, fmt.Errorf("failed to check earnings for %s: %w", symbol, err)
	}

	c.mu.Lock()
	c.earnings[key] = has
	c.mu.Unlock()

	return has, nil
}

// entryWeekday returns the sleeve's entry weekday. MiniCompound children trade
// under Compounder rules. ForkedRoot is a container and never enters directly.
func entryWeekday(kind domain.AccountKind) (time.Weekday, bool) {
	switch kind {
	case domain.KindGenerator:
		return time.Thursday, true
	case domain.KindRevenue:
		return time.Wednesday, true
	case domain.KindCompounder, domain.KindMiniCompound:
		return time.Monday, true
	default:
		return 0, false
	}
}

// InEntryWindow reports whether t falls inside the sleeve's weekly entry
// window (entry weekday, 09:45-11:00 local).
func (c *Calendar) InEntryWindow(kind domain.AccountKind, t time.Time) bool {
	weekday, ok := entryWeekday(kind)
	if !ok {
		return false
	}

	local := t.In(c.loc)
	if local.Weekday() != weekday {
		return false
	}

	open := time.Date(local.Year(), local.Month(), local.Day(), entryWindowOpenH, entryWindowOpenM, 0, 0, c.loc)
	close := time.Date(local.Year(), local.Month(), local.Day(), entryWindowCloseH, entryWindowCloseM, 0, 0, c.loc)

	return !local.Before(open) && local.Before(close)
}

// NextEntryWindow returns the next entry window (open, close) at or after t.
func (c *Calendar) NextEntryWindow(kind domain.AccountKind, t time.Time) (time.Time, time.Time, error) {
	weekday, ok := entryWeekday(kind)
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("account kind %s has no entry window", kind)
	}

	local := t.In(c.loc)
	for i := 0; i < 14; i++ {
		day := local.AddDate(0, 0, i)
		if day.Weekday() != weekday {
			continue
		}

		open := time.Date(day.Year(), day.Month(), day.Day(), entryWindowOpenH, entryWindowOpenM, 0, 0, c.loc)
		close := time.Date(day.Year(), day.Month(), day.Day(), entryWindowCloseH, entryWindowCloseM, 0, 0, c.loc)

		if !close.After(local) {
			continue
		}

		holiday, err := c.IsHoliday(open)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if holiday {
			continue
		}

		return open, close, nil
	}

	return time.Time{}, time.Time{}, fmt.Errorf("no entry window found within 14 days for %s", kind)
}
