// Package protocol monitors open positions against their ATR thresholds,
// escalates through levels L0-L3, executes defensive rolls and stop-losses,
// and runs the system-wide VIX circuit breakers.
package protocol

import (
	"time"

	"github.com/alluse/engine/internal/config"
	"github.com/alluse/engine/internal/domain"
)

// maxLevel is the highest protocol level; L3 triggers a stop-loss close.
const maxLevel = 3

// AdverseExcursion returns how far spot has moved against a short leg, in
// dollars. Zero while the leg is out of the money.
func AdverseExcursion(kind domain.PositionKind, strike, spot float64) float64 {
	var e float64
	switch kind {
	case domain.LegCSP:
		e = strike - spot
	case domain.LegCC:
		e = spot - strike
	}
	if e < 0 {
		return 0
	}
	return e
}

// LevelFor classifies a position's protocol level from spot and the day's
// frozen ATR. Crossing n·ATR puts the position at level n, capped at L3.
func LevelFor(kind domain.PositionKind, strike, spot, atr float64) int {
	if atr <= 0 {
		return 0
	}
	level := int(AdverseExcursion(kind, strike, spot) / atr)
	if level > maxLevel {
		return maxLevel
	}
	return level
}

// Cadence returns the monitoring interval for a level.
func Cadence(cfg *config.Config, level int) time.Duration {
	switch level {
	case 0:
		return cfg.MonitorIntervalL0
	case 1:
		return cfg.MonitorIntervalL1
	case 2:
		return cfg.MonitorIntervalL2
	default:
		return cfg.MonitorIntervalL3
	}
}
