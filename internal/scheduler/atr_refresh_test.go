package scheduler

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeATRRefresher struct {
	symbols     []string
	hadDeadline bool
}

func (f *fakeATRRefresher) RefreshAll(ctx context.Context, symbols []string) {
	f.symbols = symbols
	_, f.hadDeadline = ctx.Deadline()
}

func TestATRRefreshJob_Run(t *testing.T) {
	refresher := &fakeATRRefresher{}
	job := NewATRRefreshJob(refresher, []string{"AAPL", "MSFT"}, zerolog.Nop())

	require.NoError(t, job.Run())

	assert.Equal(t, "atr_refresh", job.Name())
	assert.Equal(t, []string{"AAPL", "MSFT"}, refresher.symbols)
	assert.True(t, refresher.hadDeadline, "refresh should run under a timeout")
}
