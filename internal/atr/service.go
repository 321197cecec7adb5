// Package atr computes the rolling 5-day average true range per symbol and
// publishes the risk scale used for protocol-level thresholds. Values refresh
// daily at the open; intraday they are frozen.
package atr

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/domain"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
)

// FallbackFlag marks how an ATR value was obtained
type FallbackFlag string

const (
	// FlagFresh - computed from history
	FlagFresh FallbackFlag = "fresh"
	// FlagLastScaled - last valid ATR × 1.1
	FlagLastScaled FallbackFlag = "last_x1.1"
	// FlagPctOfSpot - 2% of current spot
	FlagPctOfSpot FallbackFlag = "pct_of_spot"
)

// Record is the daily ATR record for a symbol
type Record struct {
	Symbol    string
	Date      string // "2006-01-02"
	TrueRange float64
	ATR       float64
	Flag      FallbackFlag
}

// Service computes and serves per-symbol ATR values.
// The fallback ladder, in order: last valid ATR × 1.1, then 2% of spot,
// then the symbol is marked unusable for the day.
type Service struct {
	md     domain.MarketDataClient
	db     *sql.DB
	clk    clock.Clock
	period int
	log    zerolog.Logger

	mu       sync.RWMutex
	today    map[string]Record
	unusable map[string]bool
}

// NewService creates an ATR service over the marketdata database
func NewService(md domain.MarketDataClient, db *sql.DB, clk clock.Clock, period int, log zerolog.Logger) *Service {
	if period <= 0 {
		period = 5
	}
	return &Service{
		md:       md,
		db:       db,
		clk:      clk,
		period:   period,
		log:      log.With().Str("component", "atr").Logger(),
		today:    make(map[string]Record),
		unusable: make(map[string]bool),
	}
}

// RefreshAll recomputes ATR for all given symbols. Called by the scheduler at
// 09:30 local market time; failures per symbol fall down the ladder.
func (s *Service) RefreshAll(ctx context.Context, symbols []string) {
	for _, symbol := range symbols {
		if err := s.Refresh(ctx, symbol); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("ATR refresh failed, symbol unusable today")
		}
	}
}

// Refresh recomputes the symbol's ATR for today, applying the fallback ladder
// when history is unavailable.
func (s *Service) Refresh(ctx context.Context, symbol string) error {
	date := s.clk.Now().Format("2006-01-02")

	rec, err := s.computeFresh(ctx, symbol, date)
	if err == nil {
		s.store(rec)
		return nil
	}
	s.log.Warn().Err(err).Str("symbol", symbol).Msg("Fresh ATR unavailable, trying fallback ladder")

	// Fallback (a): last valid ATR × 1.1
	if last, ok := s.lastValid(symbol); ok {
		rec := Record{
			Symbol:    symbol,
			Date:      date,
			TrueRange: last.TrueRange,
			ATR:       last.ATR * 1.1,
			Flag:      FlagLastScaled,
		}
		s.store(rec)
		return nil
	}

	// Fallback (b): 2% of current spot
	quote, qerr := s.md.Quote(ctx, symbol)
	if qerr == nil && quote.Last > 0 {
		rec := Record{
			Symbol: symbol,
			Date:   date,
			ATR:    quote.Last * 0.02,
			Flag:   FlagPctOfSpot,
		}
		s.store(rec)
		return nil
	}

	// Fallback (c): mark symbol unusable
	s.mu.Lock()
	s.unusable[symbol] = true
	delete(s.today, symbol)
	s.mu.Unlock()

	return fmt.Errorf("%w: %s (history and fallbacks exhausted)", domain.ErrSymbolUnusable, symbol)
}

// computeFresh computes ATR(period) from OHLC history.
func (s *Service) computeFresh(ctx context.Context, symbol, date string) (Record, error) {
	// Need period+1 bars for the first true range; fetch extra for robustness.
	bars, err := s.md.History(ctx, symbol, s.period*3)
	if err != nil {
		return Record{}, fmt.Errorf("history fetch failed: %w", err)
	}
	if len(bars) < s.period+1 {
		return Record{}, fmt.Errorf("insufficient history: %d bars (need %d)", len(bars), s.period+1)
	}

	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		high[i] = b.High
		low[i] = b.Low
		closes[i] = b.Close
	}

	atrSeries := talib.Atr(high, low, closes, s.period)
	atr := atrSeries[len(atrSeries)-1]
	if atr <= 0 {
		return Record{}, fmt.Errorf("degenerate ATR %.4f", atr)
	}

	trSeries := talib.TRange(high, low, closes)
	tr := trSeries[len(trSeries)-1]

	return Record{
		Symbol:    symbol,
		Date:      date,
		TrueRange: tr,
		ATR:       atr,
		Flag:      FlagFresh,
	}, nil
}

// store persists the record and publishes it for the day.
func (s *Service) store(rec Record) {
	s.mu.Lock()
	s.today[rec.Symbol] = rec
	delete(s.unusable, rec.Symbol)
	s.mu.Unlock()

	if s.db != nil {
		_, err := s.db.Exec(`
			INSERT OR REPLACE INTO atr_records (symbol, date, true_range, atr, fallback_flag)
			VALUES (?, ?, ?, ?, ?)`,
			rec.Symbol, rec.Date, rec.TrueRange, rec.ATR, string(rec.Flag))
		if err != nil {
			s.log.Error().Err(err).Str("symbol", rec.Symbol).Msg("Failed to persist ATR record")
		}
	}

	s.log.Info().
		Str("symbol", rec.Symbol).
		Float64("atr", rec.ATR).
		Str("flag", string(rec.Flag)).
		Msg("ATR published")
}

// ATR returns today's frozen ATR for a symbol.
// Returns ErrSymbolUnusable when the fallback ladder was exhausted.
func (s *Service) ATR(symbol string) (float64, FallbackFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unusable[symbol] {
		return 0, "", fmt.Errorf("%w: %s", domain.ErrSymbolUnusable, symbol)
	}
	rec, ok := s.today[symbol]
	if !ok {
		return 0, "", fmt.Errorf("%w: %s (no ATR published today)", domain.ErrSymbolUnusable, symbol)
	}
	return rec.ATR, rec.Flag, nil
}

// lastValid returns the most recent persisted fresh or scaled record.
func (s *Service) lastValid(symbol string) (Record, bool) {
	s.mu.RLock()
	if rec, ok := s.today[symbol]; ok {
		s.mu.RUnlock()
		return rec, true
	}
	s.mu.RUnlock()

	if s.db == nil {
		return Record{}, false
	}

	row := s.db.QueryRow(`
		SELECT symbol, date, true_range, atr, fallback_flag
		FROM atr_records WHERE symbol = ? AND fallback_flag != ?
		ORDER BY date DESC LIMIT 1`, symbol, string(FlagPctOfSpot))

	var rec Record
	var flag string
	if err := row.Scan(&rec.Symbol, &rec.Date, &rec.TrueRange, &rec.ATR, &flag); err != nil {
		return Record{}, false
	}
	rec.Flag = FallbackFlag(flag)
	return rec, true
}
