package lifecycle

import (
	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/ledger"
	"github.com/alluse/engine/internal/rules"
)

// weekSeverity orders week types from calm to preservation. Reclassification
// within a week may only move up this ladder.
var weekSeverity = map[domain.WeekType]int{
	domain.WeekCalmIncome:    0,
	domain.WeekEarningsFilter: 1,
	domain.WeekHedged:        2,
	domain.WeekRoll:          3,
	domain.WeekAssignment:    4,
	domain.WeekPreservation:  5,
}

// classifyCycle derives the week type from this cycle's ledger slice. The
// classification reads what actually happened: fills, protocol escalations,
// breaker trips, and earnings rejections, in order of severity.
func (m *Machine) classifyCycle() (domain.WeekType, []string, error) {
	entries, err := m.deps.Ledger.ReadRange(m.cycleStartSeq, m.deps.Ledger.LastSeq())
	if err != nil {
		return domain.WeekCalmIncome, nil, err
	}

	var assigned, preserved, rolled, hedged, earnings bool
	for i := range entries {
		e := &entries[i]
		switch e.Category {
		case ledger.CategoryFill:
			if e.AccountID != m.accountID {
				continue
			}
			var p ledger.FillPayload
			if err := e.DecodePayload(&p); err != nil {
				return domain.WeekCalmIncome, nil, err
			}
			if p.Assignment {
				assigned = true
			}

		case ledger.CategoryProtocolEvent:
			var p ledger.ProtocolEventPayload
			if err := e.DecodePayload(&p); err != nil {
				return domain.WeekCalmIncome, nil, err
			}
			if e.AccountID == "" {
				// Global breaker events apply to every account.
				if p.Action == "circuit_breaker" && p.Severity != domain.ModeNormal.String() {
					hedged = true
				}
				continue
			}
			if e.AccountID != m.accountID {
				continue
			}
			if p.ToLevel >= protocolStopLevel {
				preserved = true
			} else if p.ToLevel >= 2 {
				rolled = true
			}

		case ledger.CategoryValidation:
			if e.AccountID != m.accountID {
				continue
			}
			var p ledger.ValidationPayload
			if err := e.DecodePayload(&p); err != nil {
				return domain.WeekCalmIncome, nil, err
			}
			for _, r := range p.Reasons {
				if r == string(rules.RejectEarningsThisWeek) {
					earnings = true
				}
			}
		}
	}

	// A cycle run entirely under an elevated mode may have no breaker event
	// in its own slice; the live mode still marks the week hedged.
	if m.deps.Protocol.Mode() >= domain.ModeHedgedWeek {
		hedged = true
	}

	var triggers []string
	if preserved {
		triggers = append(triggers, "protocol_stop")
	}
	if assigned {
		triggers = append(triggers, "assignment")
	}
	if rolled {
		triggers = append(triggers, "roll")
	}
	if hedged {
		triggers = append(triggers, "circuit_breaker")
	}
	if earnings {
		triggers = append(triggers, "earnings_filter")
	}

	switch {
	case preserved:
		return domain.WeekPreservation, triggers, nil
	case assigned:
		return domain.WeekAssignment, triggers, nil
	case rolled:
		return domain.WeekRoll, triggers, nil
	case hedged:
		return domain.WeekHedged, triggers, nil
	case earnings:
		return domain.WeekEarningsFilter, triggers, nil
	default:
		return domain.WeekCalmIncome, triggers, nil
	}
}

// mergeWeekType keeps the stored classification when it already outranks this
// cycle's. A Friday calm cycle must not erase Monday's roll.
func (m *Machine) mergeWeekType(isoYear, isoWeek int, wt domain.WeekType) (domain.WeekType, error) {
	prev, ok, err := m.deps.Store.WeekType(m.accountID, isoYear, isoWeek)
	if err != nil {
		return wt, err
	}
	if ok && weekSeverity[prev] > weekSeverity[wt] {
		return prev, nil
	}
	return wt, nil
}
