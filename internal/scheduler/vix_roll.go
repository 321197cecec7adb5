package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/marketdata"
	"github.com/rs/zerolog"
)

const vixRollTimeout = 15 * time.Second

// VIXRollJob captures the VIX close shortly after the bell. Hedge deployment
// and the calm-market LEAP extension both read the rolled close, so the
// decision input holds steady overnight instead of drifting with late prints.
type VIXRollJob struct {
	md    domain.MarketDataClient
	cache *marketdata.Cache
	log   zerolog.Logger
}

// NewVIXRollJob creates a new VIX roll job
func NewVIXRollJob(md domain.MarketDataClient, cache *marketdata.Cache, log zerolog.Logger) *VIXRollJob {
	return &VIXRollJob{
		md:    md,
		cache: cache,
		log:   log.With().Str("job", "vix_roll").Logger(),
	}
}

// Name returns the job name
func (j *VIXRollJob) Name() string {
	return "vix_roll"
}

// Run rolls the latest VIX print into the close slot and clears the intraday
// print, so overnight reads reflect the settled close.
func (j *VIXRollJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), vixRollTimeout)
	defer cancel()

	vix, err := j.md.VIXLast(ctx)
	if err != nil {
		return fmt.Errorf("vix roll: %w", err)
	}

	j.cache.SetVIX(vix, 0)

	j.log.Info().Float64("vix_close", vix).Msg("VIX close rolled")
	return nil
}
