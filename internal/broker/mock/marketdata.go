package mock

import (
	"context"
	"math"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/domain"
)

// Synthetic chain geometry. Strikes step away from spot in 2.5% increments
// and each step moves the delta magnitude 0.05 off the 0.50 at-the-money
// anchor, so every sleeve's delta band has contracts on both sides of its
// midpoint. Expiries print daily at 20:00 UTC for the next ten days, which
// keeps whole-day DTE stable through the session.
const (
	strikeStepPct = 0.025
	deltaStep     = 0.05
	strikeSteps   = 8
	expiryDays    = 10
	expiryHourUTC = 20
)

// farExpiryDays lists the long-dated expiries carried alongside the dailies;
// they span the hedge (182-365 DTE) and growth (365-548 DTE) ladder windows.
var farExpiryDays = []int{200, 280, 400, 500}

// basePrices anchors the simulated universe. Unknown symbols derive a
// deterministic base from their name so lookups never fail.
var basePrices = map[string]float64{
	"AAPL":  180,
	"MSFT":  500,
	"AMZN":  230,
	"GOOG":  200,
	"GOOGL": 200,
	"NVDA":  175,
	"TSLA":  250,
	"META":  760,
	"SPY":   650,
	"QQQ":   570,
	"IWM":   230,
}

// MarketData is a deterministic synthetic feed: the same clock reading always
// produces the same quotes, chains and bars.
type MarketData struct {
	clk clock.Clock
}

// NewMarketData creates the synthetic market-data client
func NewMarketData(clk clock.Clock) *MarketData {
	return &MarketData{clk: clk}
}

// Quote implements domain.MarketDataClient.
func (m *MarketData) Quote(_ context.Context, symbol string) (*domain.Quote, error) {
	now := m.clk.Now()
	spot := m.spot(symbol, now)
	return &domain.Quote{
		Symbol: symbol,
		Bid:    round2(spot - 0.05),
		Ask:    round2(spot + 0.05),
		Last:   round2(spot),
		At:     now,
	}, nil
}

// Chain implements domain.MarketDataClient.
func (m *MarketData) Chain(_ context.Context, symbol string) ([]domain.OptionContract, error) {
	now := m.clk.Now()
	spot := m.spot(symbol, now)

	offsets := make([]int, 0, expiryDays+len(farExpiryDays))
	for d := 0; d < expiryDays; d++ {
		offsets = append(offsets, d)
	}
	offsets = append(offsets, farExpiryDays...)

	chain := make([]domain.OptionContract, 0, len(offsets)*strikeSteps*2)
	day := time.Date(now.Year(), now.Month(), now.Day(), expiryHourUTC, 0, 0, 0, time.UTC)
	for _, d := range offsets {
		expiry := day.AddDate(0, 0, d)
		if expiry.Before(now) {
			continue // today's print already expired
		}
		for step := 1; step <= strikeSteps; step++ {
			mag := 0.50 - float64(step)*deltaStep
			if mag < deltaStep {
				mag = deltaStep
			}

			putStrike := roundStrike(spot * (1 - float64(step)*strikeStepPct))
			chain = append(chain, m.contract(symbol, putStrike, expiry, true, mag, spot))

			callStrike := roundStrike(spot * (1 + float64(step)*strikeStepPct))
			chain = append(chain, m.contract(symbol, callStrike, expiry, false, mag, spot))
		}
	}
	return chain, nil
}

// History implements domain.MarketDataClient.
func (m *MarketData) History(_ context.Context, symbol string, days int) ([]domain.OHLC, error) {
	now := m.clk.Now()
	base := basePrice(symbol)

	bars := make([]domain.OHLC, 0, days)
	prev := base
	for i := days; i >= 1; i-- {
		date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -i)
		cl := base * (1 + 0.01*math.Sin(float64(date.YearDay())*0.7))
		hi := math.Max(prev, cl) * 1.006
		lo := math.Min(prev, cl) * 0.994
		bars = append(bars, domain.OHLC{
			Date:  date,
			Open:  round2(prev),
			High:  round2(hi),
			Low:   round2(lo),
			Close: round2(cl),
		})
		prev = cl
	}
	return bars, nil
}

// VIXLast implements domain.MarketDataClient.
func (m *MarketData) VIXLast(_ context.Context) (float64, error) {
	now := m.clk.Now()
	return round2(16 + 2*math.Sin(float64(now.YearDay())*0.3)), nil
}

func (m *MarketData) contract(symbol string, strike float64, expiry time.Time, put bool, mag, spot float64) domain.OptionContract {
	mid := mag * spot * 0.015
	spread := mid * 0.04
	delta := mag
	if put {
		delta = -mag
	}
	return domain.OptionContract{
		Symbol:       symbol,
		Strike:       strike,
		Expiry:       expiry,
		Put:          put,
		Bid:          round2(mid - spread/2),
		Ask:          round2(mid + spread/2),
		Last:         round2(mid),
		OpenInterest: 2500,
		Volume:       1200,
		AvgVolume20d: 1500,
		Delta:        delta,
		IV:           0.25,
	}
}

// spot wiggles the base price through the day on a smooth deterministic curve.
func (m *MarketData) spot(symbol string, now time.Time) float64 {
	base := basePrice(symbol)
	minute := float64(now.Hour()*60 + now.Minute())
	return base * (1 + 0.004*math.Sin(minute/390*2*math.Pi))
}

func basePrice(symbol string) float64 {
	if p, ok := basePrices[symbol]; ok {
		return p
	}
	var h int
	for _, c := range symbol {
		h = h*31 + int(c)
	}
	if h < 0 {
		h = -h
	}
	return float64(80 + h%400)
}

func roundStrike(v float64) float64 {
	if v >= 200 {
		return math.Round(v/5) * 5
	}
	return math.Round(v)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

var _ domain.MarketDataClient = (*MarketData)(nil)
