package lifecycle

import (
	"context"
	"testing"

	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// appendEntry seeds a raw ledger record inside the machine's current cycle
// slice.
func (f *machineFixture) appendEntry(t *testing.T, rec ledger.Record) {
	t.Helper()
	if rec.CycleID == "" {
		rec.CycleID = f.m.CycleID()
	}
	_, err := f.l.Append(rec)
	require.NoError(t, err)
}

func classifyFixture(t *testing.T) *machineFixture {
	f := newMachineFixture(t, domain.KindGenerator, "gen", 100_000)
	f.m.beginCycle()
	return f
}

func TestClassifyCycle_EmptySliceIsCalm(t *testing.T) {
	f := classifyFixture(t)

	wt, triggers, err := f.m.classifyCycle()
	require.NoError(t, err)
	assert.Equal(t, domain.WeekCalmIncome, wt)
	assert.Empty(t, triggers)
}

func TestClassifyCycle_AssignmentFill(t *testing.T) {
	f := classifyFixture(t)
	f.appendEntry(t, ledger.Record{
		Category:  ledger.CategoryFill,
		AccountID: "gen",
		Payload: ledger.FillPayload{
			Symbol: "AAPL", Intent: string(domain.IntentCloseCSP), Kind: string(domain.LegCSP),
			Strike: 180, Expiry: "2026-08-28", Price: 180, Quantity: 5, Assignment: true,
		},
	})

	wt, triggers, err := f.m.classifyCycle()
	require.NoError(t, err)
	assert.Equal(t, domain.WeekAssignment, wt)
	assert.Contains(t, triggers, "assignment")
}

func TestClassifyCycle_ProtocolStopOutranksAssignment(t *testing.T) {
	f := classifyFixture(t)
	f.appendEntry(t, ledger.Record{
		Category:  ledger.CategoryFill,
		AccountID: "gen",
		Payload:   ledger.FillPayload{Symbol: "AAPL", Assignment: true},
	})
	f.appendEntry(t, ledger.Record{
		Category:  ledger.CategoryProtocolEvent,
		AccountID: "gen",
		Payload:   ledger.ProtocolEventPayload{Symbol: "AAPL", FromLevel: 2, ToLevel: 3, Action: "escalate"},
	})

	wt, triggers, err := f.m.classifyCycle()
	require.NoError(t, err)
	assert.Equal(t, domain.WeekPreservation, wt)
	assert.Equal(t, []string{"protocol_stop", "assignment"}, triggers)
}

func TestClassifyCycle_Level2EscalationIsRollWeek(t *testing.T) {
	f := classifyFixture(t)
	f.appendEntry(t, ledger.Record{
		Category:  ledger.CategoryProtocolEvent,
		AccountID: "gen",
		Payload:   ledger.ProtocolEventPayload{Symbol: "AAPL", FromLevel: 1, ToLevel: 2, Action: "escalate"},
	})

	wt, triggers, err := f.m.classifyCycle()
	require.NoError(t, err)
	assert.Equal(t, domain.WeekRoll, wt)
	assert.Equal(t, []string{"roll"}, triggers)
}

func TestClassifyCycle_GlobalBreakerMarksHedged(t *testing.T) {
	f := classifyFixture(t)
	f.appendEntry(t, ledger.Record{
		Category:  ledger.CategoryProtocolEvent,
		AccountID: "", // global scope
		Payload: ledger.ProtocolEventPayload{
			VIX: 55, Severity: domain.ModeHedgedWeek.String(), Action: "circuit_breaker",
		},
	})

	wt, triggers, err := f.m.classifyCycle()
	require.NoError(t, err)
	assert.Equal(t, domain.WeekHedged, wt)
	assert.Equal(t, []string{"circuit_breaker"}, triggers)
}

func TestClassifyCycle_BreakerReleaseDoesNotMarkHedged(t *testing.T) {
	f := classifyFixture(t)
	f.appendEntry(t, ledger.Record{
		Category:  ledger.CategoryProtocolEvent,
		AccountID: "",
		Payload: ledger.ProtocolEventPayload{
			VIX: 20, Severity: domain.ModeNormal.String(), Action: "circuit_breaker",
		},
	})

	wt, _, err := f.m.classifyCycle()
	require.NoError(t, err)
	assert.Equal(t, domain.WeekCalmIncome, wt)
}

func TestClassifyCycle_LiveElevatedModeMarksHedged(t *testing.T) {
	f := classifyFixture(t)

	// The breaker tripped before this cycle began, so its event is outside
	// the slice; the live mode still taints the week.
	f.cache.SetVIX(55, 55)
	_, err := f.pe.EvaluateBreakers(context.Background(), "c0")
	require.NoError(t, err)
	f.m.beginCycle()

	wt, triggers, err := f.m.classifyCycle()
	require.NoError(t, err)
	assert.Equal(t, domain.WeekHedged, wt)
	assert.Contains(t, triggers, "circuit_breaker")
}

func TestClassifyCycle_EarningsRejectionMarksFilter(t *testing.T) {
	f := classifyFixture(t)
	f.appendEntry(t, ledger.Record{
		Category:  ledger.CategoryValidation,
		AccountID: "gen",
		Payload: ledger.ValidationPayload{
			Action: "OPEN_CSP AAPL 180.00 2026-08-28 x5", Approved: false,
			Reasons: []string{"EARNINGS_THIS_WEEK"},
		},
	})

	wt, triggers, err := f.m.classifyCycle()
	require.NoError(t, err)
	assert.Equal(t, domain.WeekEarningsFilter, wt)
	assert.Equal(t, []string{"earnings_filter"}, triggers)
}

func TestClassifyCycle_IgnoresOtherAccounts(t *testing.T) {
	f := classifyFixture(t)
	f.appendEntry(t, ledger.Record{
		Category:  ledger.CategoryFill,
		AccountID: "rev",
		Payload:   ledger.FillPayload{Symbol: "NVDA", Assignment: true},
	})
	f.appendEntry(t, ledger.Record{
		Category:  ledger.CategoryProtocolEvent,
		AccountID: "rev",
		Payload:   ledger.ProtocolEventPayload{Symbol: "NVDA", FromLevel: 2, ToLevel: 3},
	})

	wt, _, err := f.m.classifyCycle()
	require.NoError(t, err)
	assert.Equal(t, domain.WeekCalmIncome, wt)
}

func TestClassifyCycle_IgnoresEntriesBeforeCycleStart(t *testing.T) {
	f := newMachineFixture(t, domain.KindGenerator, "gen", 100_000)
	_, err := f.l.Append(ledger.Record{
		CycleID:   "old",
		Category:  ledger.CategoryFill,
		AccountID: "gen",
		Payload:   ledger.FillPayload{Symbol: "AAPL", Assignment: true},
	})
	require.NoError(t, err)

	f.m.beginCycle() // tip recorded after the old fill

	wt, _, err := f.m.classifyCycle()
	require.NoError(t, err)
	assert.Equal(t, domain.WeekCalmIncome, wt)
}

func TestMergeWeekType_KeepsHigherStoredSeverity(t *testing.T) {
	f := classifyFixture(t)
	isoYear, isoWeek := f.clk.t.ISOWeek()
	require.NoError(t, f.st.ClassifyWeek("c0", "gen", isoYear, isoWeek, domain.WeekRoll, []string{"roll"}))

	merged, err := f.m.mergeWeekType(isoYear, isoWeek, domain.WeekCalmIncome)
	require.NoError(t, err)
	assert.Equal(t, domain.WeekRoll, merged)
}

func TestMergeWeekType_UpgradesLowerStoredSeverity(t *testing.T) {
	f := classifyFixture(t)
	isoYear, isoWeek := f.clk.t.ISOWeek()
	require.NoError(t, f.st.ClassifyWeek("c0", "gen", isoYear, isoWeek, domain.WeekHedged, []string{"circuit_breaker"}))

	merged, err := f.m.mergeWeekType(isoYear, isoWeek, domain.WeekAssignment)
	require.NoError(t, err)
	assert.Equal(t, domain.WeekAssignment, merged)
}

func TestMergeWeekType_NoPriorKeepsCurrent(t *testing.T) {
	f := classifyFixture(t)

	merged, err := f.m.mergeWeekType(2026, 40, domain.WeekEarningsFilter)
	require.NoError(t, err)
	assert.Equal(t, domain.WeekEarningsFilter, merged)
}
