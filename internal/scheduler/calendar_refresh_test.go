package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCalendarRefresher struct {
	years  []int
	failOn int
}

func (f *fakeCalendarRefresher) Refresh(_ context.Context, year int) error {
	if f.failOn != 0 && year == f.failOn {
		return errors.New("upstream down")
	}
	f.years = append(f.years, year)
	return nil
}

func TestCalendarRefreshJob_RefreshesCurrentAndNextYear(t *testing.T) {
	now := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	refresher := &fakeCalendarRefresher{}
	job := NewCalendarRefreshJob(refresher, clock.FixedClock{T: now}, zerolog.Nop())

	require.NoError(t, job.Run())

	assert.Equal(t, "calendar_refresh", job.Name())
	assert.Equal(t, []int{2026, 2027}, refresher.years)
}

func TestCalendarRefreshJob_WrapsFailureWithYear(t *testing.T) {
	now := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	refresher := &fakeCalendarRefresher{failOn: 2027}
	job := NewCalendarRefreshJob(refresher, clock.FixedClock{T: now}, zerolog.Nop())

	err := job.Run()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "2027")
	assert.Equal(t, []int{2026}, refresher.years)
}
