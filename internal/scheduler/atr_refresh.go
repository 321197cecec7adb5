package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const atrRefreshTimeout = 1 * time.Minute

// ATRRefresher recomputes volatility scales from daily history.
type ATRRefresher interface {
	RefreshAll(ctx context.Context, symbols []string)
}

// ATRRefreshJob recomputes the ATR scale for every tradable symbol before
// the open, so protocol level widths track current volatility rather than
// the volatility of whenever the engine last restarted.
type ATRRefreshJob struct {
	atr     ATRRefresher
	symbols []string
	log     zerolog.Logger
}

// NewATRRefreshJob creates a new ATR refresh job
func NewATRRefreshJob(atr ATRRefresher, symbols []string, log zerolog.Logger) *ATRRefreshJob {
	return &ATRRefreshJob{
		atr:     atr,
		symbols: symbols,
		log:     log.With().Str("job", "atr_refresh").Logger(),
	}
}

// Name returns the job name
func (j *ATRRefreshJob) Name() string {
	return "atr_refresh"
}

// Run refreshes ATR for all configured symbols. Per-symbol failures are
// logged by the service and leave the previous scale in place.
func (j *ATRRefreshJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), atrRefreshTimeout)
	defer cancel()

	j.atr.RefreshAll(ctx, j.symbols)

	j.log.Info().Int("symbols", len(j.symbols)).Msg("ATR scales refreshed")
	return nil
}
