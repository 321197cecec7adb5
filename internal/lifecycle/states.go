package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/events"
	"github.com/alluse/engine/internal/ledger"
	"github.com/alluse/engine/internal/orders"
	"github.com/alluse/engine/internal/rules"
)

// protocolStopLevel is the escalation level at which a position must be
// flattened rather than managed.
const protocolStopLevel = 3

// handleSafe holds the machine between cycles. A new cycle starts only when
// the market is open, the kill switch is off, and the account is in a status
// that permits work. Paused accounts idle here; SafeMode and Merging accounts
// cycle only to manage what is already open.
func (m *Machine) handleSafe(ctx context.Context) error {
	if m.deps.Protocol.Mode() >= domain.ModeKill {
		m.sleep(ctx, m.polls.Safe)
		return nil
	}

	acct, err := m.deps.Store.Accounts.Get(m.accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s not found", m.accountID)
	}

	switch acct.Status {
	case domain.AccountClosed:
		m.log.Info().Msg("Account closed; machine retiring")
		m.Stop()
		return nil
	case domain.AccountPaused:
		m.sleep(ctx, m.polls.Safe)
		return nil
	}

	now := m.deps.Clock.Now()
	open, err := m.marketOpen(ctx, now)
	if err != nil {
		return err
	}
	if !open {
		m.sleep(ctx, m.polls.Safe)
		return nil
	}

	// SafeMode and Merging accounts may not open anything new, but positions
	// and working orders still need a monitoring pass.
	if acct.Status != domain.AccountActive && !m.hasExposure() {
		m.sleep(ctx, m.polls.Safe)
		return nil
	}

	if m.polls.CycleGap > 0 && !m.lastCycleEnd.IsZero() && now.Sub(m.lastCycleEnd) < m.polls.CycleGap {
		m.sleep(ctx, m.polls.Safe)
		return nil
	}

	m.beginCycle()
	return m.transition(StateScanning, "market open; breakers clear")
}

// marketOpen wraps the calendar check and primes the current year on a cache
// miss. The calendar never assumes open: a persistent miss keeps the machine
// in SAFE.
func (m *Machine) marketOpen(ctx context.Context, now time.Time) (bool, error) {
	open, err := m.deps.Calendar.IsMarketOpen(now)
	if err == nil {
		return open, nil
	}
	if !errors.Is(err, domain.ErrCalendarUnknown) {
		return false, err
	}
	if rerr := m.deps.Calendar.Refresh(ctx, now.Year()); rerr != nil {
		m.log.Warn().Err(rerr).Msg("Calendar refresh failed; treating market as closed")
		return false, nil
	}
	open, err = m.deps.Calendar.IsMarketOpen(now)
	if err != nil {
		return false, nil
	}
	return open, nil
}

// hasExposure reports open positions or live orders for the account.
func (m *Machine) hasExposure() bool {
	open, err := m.deps.Store.Positions.OpenByAccount(m.accountID)
	if err == nil && len(open) > 0 {
		return true
	}
	live, err := m.deps.Store.Orders.LiveByAccount(m.accountID)
	return err == nil && len(live) > 0
}

// handleScanning waits for fresh snapshots of the sleeve's symbols. It holds
// out for the full set up to ScanWait, then proceeds with whatever subset is
// fresh; a scan with nothing fresh past the stale limit drops the account to
// SafeMode and proceeds so monitoring continues.
func (m *Machine) handleScanning(ctx context.Context) error {
	if m.interrupted() {
		return nil
	}

	symbols := m.permittedSymbols()
	if len(symbols) == 0 {
		return m.transition(StateAnalyzing, "no permitted symbols for sleeve")
	}

	now := m.deps.Clock.Now()
	if m.scanStart.IsZero() {
		m.scanStart = now
	}

	if m.deps.Cache.AllFresh(symbols) {
		m.recordAdvisories(ctx, symbols)
		return m.transition(StateAnalyzing, "snapshots fresh for all permitted symbols")
	}

	waited := now.Sub(m.scanStart)
	if waited < m.polls.ScanWait {
		m.sleep(ctx, m.polls.Scan)
		return nil
	}

	fresh := m.freshSymbols(symbols)
	if len(fresh) > 0 {
		m.recordAdvisories(ctx, fresh)
		return m.transition(StateAnalyzing,
			fmt.Sprintf("proceeding with %d of %d symbols fresh", len(fresh), len(symbols)))
	}

	if waited >= staleEscalation {
		m.log.Warn().Dur("stale_for", waited).Msg("No fresh market data for any permitted symbol")
		if err := m.deps.Store.RecordFailure(m.CycleID(), m.accountID, "marketdata", "all_symbols_stale",
			fmt.Sprintf("no fresh snapshot for %s", waited)); err != nil {
			return err
		}
		if err := m.deps.Store.SetAccountStatus(m.CycleID(), m.accountID, domain.AccountSafeMode,
			"market data stale for every permitted symbol"); err != nil {
			return err
		}
		return m.transition(StateAnalyzing, "market data stale; entries suppressed")
	}

	m.sleep(ctx, m.polls.Scan)
	return nil
}

// freshSymbols filters symbols to the ones with a usable snapshot.
func (m *Machine) freshSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, err := m.deps.Cache.Fresh(s); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// permittedSymbols lists the account sleeve's tradable symbols, sorted.
// Forked roots hold LEAPs only and scan nothing.
func (m *Machine) permittedSymbols() []string {
	acct, err := m.deps.Store.Accounts.Get(m.accountID)
	if err != nil || acct == nil {
		return nil
	}
	contract, ok := rules.ContractFor(acct.Kind)
	if !ok {
		return nil
	}
	symbols := make([]string, 0, len(contract.Symbols))
	for s := range contract.Symbols {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// recordAdvisories captures the external regime score, week-type prior, and
// anomaly flags into the ledger. Advisory inputs are recorded, never gating;
// failures are logged and dropped.
func (m *Machine) recordAdvisories(ctx context.Context, symbols []string) {
	adv := m.deps.Advisory
	if adv == nil {
		return
	}
	cycleID := m.CycleID()
	record := func(a *domain.Advisory) {
		if a == nil {
			return
		}
		if err := m.deps.Store.RecordAdvisory(cycleID, m.accountID, ledger.AdvisoryPayload{
			Kind:   a.Kind,
			Symbol: a.Symbol,
			Value:  a.Value,
			Label:  a.Label,
		}); err != nil {
			m.log.Warn().Err(err).Str("kind", a.Kind).Msg("Advisory not recorded")
		}
	}

	if a, err := adv.RegimeScore(ctx); err != nil {
		m.log.Debug().Err(err).Msg("Regime score unavailable")
	} else {
		record(a)
	}
	if a, err := adv.WeekTypePrior(ctx); err != nil {
		m.log.Debug().Err(err).Msg("Week-type prior unavailable")
	} else {
		record(a)
	}
	if flags, err := adv.AnomalyFlags(ctx, symbols); err != nil {
		m.log.Debug().Err(err).Msg("Anomaly flags unavailable")
	} else {
		for i := range flags {
			record(&flags[i])
		}
	}
}

// handleAnalyzing builds and validates entry candidates. Every proposal and
// verdict is ledgered inside buildCandidates; the machine moves to ORDERING
// only when something was approved.
func (m *Machine) handleAnalyzing(ctx context.Context) error {
	if m.interrupted() {
		return nil
	}

	cands, err := m.buildCandidates(ctx)
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		return m.transition(StateMonitoring, "no approved entry candidates")
	}
	m.pending = cands
	return m.transition(StateOrdering, fmt.Sprintf("%d entry candidates approved", len(cands)))
}

// handleOrdering submits the approved candidates and waits for every entry
// order to reach a terminal state. Submission failures are ledgered and
// skipped; the deadline enforcer drives stuck orders to resolution.
func (m *Machine) handleOrdering(ctx context.Context) error {
	cycleID := m.CycleID()
	bases := make(map[string]bool, len(m.pending))

	for _, c := range m.pending {
		if m.interrupted() {
			m.pending = nil
			return nil
		}
		ord, err := m.deps.Orders.Submit(ctx, cycleID, orders.Request{
			AccountID:  m.accountID,
			Intent:     c.intent,
			Symbol:     c.contract.Symbol,
			Expiry:     c.contract.Expiry,
			Strike:     c.contract.Strike,
			Quantity:   c.quantity,
			LimitPrice: c.limit,
		})
		if err != nil {
			// A duplicate means the order is already live from an earlier
			// attempt; anything else is recorded and the rest proceed.
			if !errors.Is(err, domain.ErrDuplicateOrder) {
				m.log.Warn().Err(err).Str("symbol", c.contract.Symbol).Msg("Entry submission failed")
				if rerr := m.deps.Store.RecordFailure(cycleID, m.accountID, "lifecycle", "entry_submit", err.Error()); rerr != nil {
					return rerr
				}
			}
			continue
		}
		bases[domain.BaseOrderID(ord.ClientID)] = true
	}
	m.pending = nil

	deadline := time.Now().Add(m.polls.DrainMax)
	for len(bases) > 0 {
		if m.interrupted() {
			return nil
		}
		if err := m.deps.Orders.EnforceDeadlines(ctx, cycleID); err != nil {
			m.log.Warn().Err(err).Msg("Deadline enforcement failed")
		}
		live, err := m.deps.Store.Orders.LiveByAccount(m.accountID)
		if err != nil {
			return err
		}
		remaining := 0
		for i := range live {
			if bases[domain.BaseOrderID(live[i].ClientID)] {
				remaining++
			}
		}
		if remaining == 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("entry orders still working after %s", m.polls.DrainMax)
		}
		if !m.sleep(ctx, m.polls.Order) {
			return nil
		}
	}

	return m.transition(StateMonitoring, "entry orders terminal")
}

// handleMonitoring runs the protocol engine at its escalation-driven cadence
// until a closing condition fires. Transient monitoring errors are logged and
// retried; invariant violations escalate.
func (m *Machine) handleMonitoring(ctx context.Context) error {
	cycleID := m.CycleID()
	for {
		if m.interrupted() {
			return nil
		}

		next, err := m.deps.Protocol.MonitorAccount(ctx, cycleID, m.accountID)
		if err != nil {
			if errors.Is(err, domain.ErrInvariantViolated) || errors.Is(err, domain.ErrLedgerIntegrity) {
				return err
			}
			m.log.Warn().Err(err).Msg("Monitoring pass failed")
		}
		if err := m.deps.Orders.EnforceDeadlines(ctx, cycleID); err != nil {
			m.log.Warn().Err(err).Msg("Deadline enforcement failed")
		}

		due, reason, err := m.closingDue()
		if err != nil {
			return err
		}
		if due {
			return m.transition(StateClosing, reason)
		}

		if next <= 0 {
			next = m.deps.Config.MonitorIntervalL0
		}
		if !m.sleep(ctx, next) {
			return nil
		}
	}
}

// closingDue decides whether the cycle moves to CLOSING and why. Conditions
// are ordered by urgency: breaker escalation, protocol stops, expiry
// management, profit taking, then session end.
func (m *Machine) closingDue() (bool, string, error) {
	if m.deps.Protocol.Mode() >= domain.ModeSafe {
		return true, "circuit breaker escalation", nil
	}

	now := m.deps.Clock.Now()
	open, err := m.deps.Store.Positions.OpenByAccount(m.accountID)
	if err != nil {
		return false, "", err
	}
	for i := range open {
		p := &open[i]
		if p.Kind != domain.LegCSP && p.Kind != domain.LegCC {
			continue
		}
		if p.CurrentLevel >= protocolStopLevel {
			return true, "protocol stop level reached", nil
		}
		if sameDay(p.Expiry, now) {
			return true, "expiry management", nil
		}
		if decayOf(p) >= profitTakeDecay {
			return true, "profit target reached", nil
		}
	}

	marketOpen, err := m.deps.Calendar.IsMarketOpen(now)
	if err != nil {
		// Without a calendar answer the safe direction is to wind the
		// cycle down rather than hold positions unmonitored.
		m.log.Warn().Err(err).Msg("Calendar unavailable during monitoring")
		return true, "session end (calendar unavailable)", nil
	}
	if !marketOpen {
		return true, "session end", nil
	}

	live, err := m.deps.Store.Orders.LiveByAccount(m.accountID)
	if err != nil {
		return false, "", err
	}
	if len(open) == 0 && len(live) == 0 {
		return true, "nothing to monitor", nil
	}
	return false, "", nil
}

// decayOf is the fraction of the opening credit already captured. Zero when
// the position has no credit or no mark yet.
func decayOf(p *domain.Position) float64 {
	if p.OpeningCredit <= 0 || p.CurrentMark <= 0 {
		return 0
	}
	return 1 - p.CurrentMark/p.OpeningCredit
}

// closeDue reports whether a short leg must be bought back this cycle.
func (m *Machine) closeDue(p *domain.Position, now time.Time) bool {
	if p.Kind != domain.LegCSP && p.Kind != domain.LegCC {
		return false
	}
	if m.deps.Protocol.Mode() >= domain.ModeSafe {
		return true
	}
	return p.CurrentLevel >= protocolStopLevel ||
		sameDay(p.Expiry, now) ||
		decayOf(p) >= profitTakeDecay
}

// sameDay reports whether two instants fall on the same calendar date.
// Expiry closes happen on expiration day itself, not the day before: short
// weekly entries are often opened at one day to expiry and must ride.
func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func closeIntentFor(kind domain.PositionKind) domain.OrderIntent {
	switch kind {
	case domain.LegCSP:
		return domain.IntentCloseCSP
	case domain.LegCC:
		return domain.IntentCloseCC
	default:
		return domain.IntentCloseLEAP
	}
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// handleClosing buys back every short leg that is due, drains all working
// orders for the account, and confirms the local book against the broker.
// Orders that refuse to quiesce within the drain budget are an emergency.
func (m *Machine) handleClosing(ctx context.Context) error {
	cycleID := m.CycleID()
	now := m.deps.Clock.Now()

	open, err := m.deps.Store.Positions.OpenByAccount(m.accountID)
	if err != nil {
		return err
	}
	live, err := m.deps.Store.Orders.LiveByAccount(m.accountID)
	if err != nil {
		return err
	}
	inFlight := make(map[string]bool, len(live))
	for i := range live {
		if live[i].PositionID != "" {
			inFlight[live[i].PositionID] = true
		}
	}

	for i := range open {
		p := &open[i]
		if !m.closeDue(p, now) || inFlight[p.ID] || p.Status == domain.PositionRollPending {
			continue
		}
		if m.interrupted() {
			return nil
		}
		if p.CurrentMark <= 0 {
			m.log.Warn().Str("position", p.ID).Msg("No mark to close against; leg carried to next cycle")
			if err := m.deps.Store.RecordFailure(cycleID, m.accountID, "lifecycle", "close_no_mark", p.ID); err != nil {
				return err
			}
			continue
		}
		_, err := m.deps.Orders.Submit(ctx, cycleID, orders.Request{
			AccountID:    m.accountID,
			Intent:       closeIntentFor(p.Kind),
			Symbol:       p.Symbol,
			Expiry:       p.Expiry,
			Strike:       p.Strike,
			Quantity:     absInt(p.Quantity),
			LimitPrice:   p.CurrentMark,
			PositionID:   p.ID,
			PositionKind: p.Kind,
		})
		if err != nil && !errors.Is(err, domain.ErrDuplicateOrder) {
			m.log.Warn().Err(err).Str("position", p.ID).Msg("Close submission failed")
			if rerr := m.deps.Store.RecordFailure(cycleID, m.accountID, "lifecycle", "close_submit", err.Error()); rerr != nil {
				return rerr
			}
		}
	}

	deadline := time.Now().Add(m.polls.DrainMax)
	for {
		if m.interrupted() {
			return nil
		}
		if err := m.deps.Orders.EnforceDeadlines(ctx, cycleID); err != nil {
			m.log.Warn().Err(err).Msg("Deadline enforcement failed")
		}
		live, err := m.deps.Store.Orders.LiveByAccount(m.accountID)
		if err != nil {
			return err
		}
		if len(live) == 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("working orders failed to quiesce within %s", m.polls.DrainMax)
		}
		if !m.sleep(ctx, m.polls.Order) {
			return nil
		}
	}

	if err := m.deps.Orders.Reconcile(ctx, cycleID); err != nil {
		if !m.deps.Broker.IsConnected() {
			m.enterEmergency(causeOutage, err.Error())
			return nil
		}
		return fmt.Errorf("broker reconciliation failed: %w", err)
	}

	return m.transition(StateReconciling, "no working orders; broker state matches")
}

// handleReconciling closes the books on the cycle: week classification,
// fork/merge and reinvestment evaluation, LEAP ladder maintenance, hedge
// review, and a ledger snapshot of the derived state hash. Bookkeeping
// failures are ledgered without aborting the cycle; only classification and
// the snapshot are load-bearing.
func (m *Machine) handleReconciling(ctx context.Context) error {
	if m.interrupted() {
		return nil
	}
	cycleID := m.CycleID()

	weekType, triggers, err := m.classifyCycle()
	if err != nil {
		return err
	}
	now := m.deps.Clock.Now()
	isoYear, isoWeek := now.ISOWeek()
	merged, err := m.mergeWeekType(isoYear, isoWeek, weekType)
	if err != nil {
		return err
	}
	if err := m.deps.Store.ClassifyWeek(cycleID, m.accountID, isoYear, isoWeek, merged, triggers); err != nil {
		return err
	}
	m.deps.Bus.Publish(&events.WeekClassifiedData{
		AccountID: m.accountID,
		ISOYear:   isoYear,
		ISOWeek:   isoWeek,
		WeekType:  string(merged),
	})

	if err := m.deps.Forks.Evaluate(cycleID, m.accountID); err != nil {
		m.log.Warn().Err(err).Msg("Fork evaluation failed")
		if rerr := m.deps.Store.RecordFailure(cycleID, m.accountID, "forks", "evaluate", err.Error()); rerr != nil {
			return rerr
		}
	}
	if err := m.deps.Reinvest.Evaluate(cycleID, m.accountID); err != nil {
		m.log.Warn().Err(err).Msg("Reinvestment evaluation failed")
		if rerr := m.deps.Store.RecordFailure(cycleID, m.accountID, "reinvest", "evaluate", err.Error()); rerr != nil {
			return rerr
		}
	}
	if symbols := m.permittedSymbols(); len(symbols) > 0 {
		if err := m.deps.Leaps.Maintain(ctx, cycleID, m.accountID, symbols, m.deps.Protocol.Mode()); err != nil {
			m.log.Warn().Err(err).Msg("LEAP ladder maintenance failed")
			if rerr := m.deps.Store.RecordFailure(cycleID, m.accountID, "leaps", "maintain", err.Error()); rerr != nil {
				return rerr
			}
		}
	}
	if err := m.deps.Protocol.MaybeCloseHedge(ctx, cycleID); err != nil {
		m.log.Warn().Err(err).Msg("Hedge review failed")
		if rerr := m.deps.Store.RecordFailure(cycleID, m.accountID, "protocol", "hedge_review", err.Error()); rerr != nil {
			return rerr
		}
	}

	// Roll freezes last one cycle; the next cycle revalidates from scratch.
	m.deps.Protocol.UnfreezeEntries(m.accountID)

	hash, err := m.deps.Store.StateHash()
	if err != nil {
		return err
	}
	if _, err := m.deps.Ledger.Snapshot(hash); err != nil {
		return err
	}

	m.lastCycleEnd = m.deps.Clock.Now()
	return m.transition(StateSafe, "cycle reconciled")
}
