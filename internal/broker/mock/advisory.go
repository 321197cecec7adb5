package mock

import (
	"context"
	"math"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/domain"
)

// Advisory produces deterministic ML advisories. Values drift on a slow
// seasonal curve; the engine records them in the ledger and never acts on
// them, so plausibility is all that matters here.
type Advisory struct {
	clk clock.Clock
}

// NewAdvisory creates the synthetic advisory client
func NewAdvisory(clk clock.Clock) *Advisory {
	return &Advisory{clk: clk}
}

// RegimeScore implements domain.AdvisoryClient.
func (a *Advisory) RegimeScore(_ context.Context) (*domain.Advisory, error) {
	now := a.clk.Now()
	value := 0.5 + 0.25*math.Sin(float64(now.YearDay())*0.11)
	label := "NEUTRAL"
	switch {
	case value > 0.65:
		label = "RISK_ON"
	case value < 0.35:
		label = "RISK_OFF"
	}
	return &domain.Advisory{Kind: "regime_score", Value: round2(value), Label: label, At: now}, nil
}

// AnomalyFlags implements domain.AdvisoryClient.
func (a *Advisory) AnomalyFlags(_ context.Context, symbols []string) ([]domain.Advisory, error) {
	now := a.clk.Now()
	if now.YearDay()%17 != 0 || len(symbols) == 0 {
		return nil, nil
	}
	sym := symbols[now.YearDay()%len(symbols)]
	return []domain.Advisory{{
		Kind:   "anomaly_flag",
		Symbol: sym,
		Value:  0.8,
		Label:  "VOLUME_SPIKE",
		At:     now,
	}}, nil
}

// WeekTypePrior implements domain.AdvisoryClient.
func (a *Advisory) WeekTypePrior(_ context.Context) (*domain.Advisory, error) {
	now := a.clk.Now()
	return &domain.Advisory{Kind: "week_type_prior", Value: 0.6, Label: "CALM_INCOME", At: now}, nil
}

var _ domain.AdvisoryClient = (*Advisory)(nil)
