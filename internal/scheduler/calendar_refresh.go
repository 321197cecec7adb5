package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/rs/zerolog"
)

const calendarRefreshTimeout = 30 * time.Second

// CalendarRefresher pulls the holiday table for a year.
type CalendarRefresher interface {
	Refresh(ctx context.Context, year int) error
}

// CalendarRefreshJob keeps the trading calendar loaded for the current year
// and the next, so the year boundary never leaves the engine without a
// holiday table.
type CalendarRefreshJob struct {
	cal CalendarRefresher
	clk clock.Clock
	log zerolog.Logger
}

// NewCalendarRefreshJob creates a new calendar refresh job
func NewCalendarRefreshJob(cal CalendarRefresher, clk clock.Clock, log zerolog.Logger) *CalendarRefreshJob {
	return &CalendarRefreshJob{
		cal: cal,
		clk: clk,
		log: log.With().Str("job", "calendar_refresh").Logger(),
	}
}

// Name returns the job name
func (j *CalendarRefreshJob) Name() string {
	return "calendar_refresh"
}

// Run refreshes the holiday calendar for this year and next
func (j *CalendarRefreshJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), calendarRefreshTimeout)
	defer cancel()

	year := j.clk.Now().Year()
	for _, y := range []int{year, year + 1} {
		if err := j.cal.Refresh(ctx, y); err != nil {
			return fmt.Errorf("calendar refresh %d: %w", y, err)
		}
	}

	j.log.Info().Int("year", year).Msg("Trading calendar refreshed")
	return nil
}
