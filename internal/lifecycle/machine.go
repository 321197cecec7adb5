// Package lifecycle runs the per-account weekly state machine. Each account
// owns exactly one machine goroutine that walks SAFE -> SCANNING -> ANALYZING
// -> ORDERING -> MONITORING -> CLOSING -> RECONCILING -> SAFE, persisting
// every transition to the ledger before acting on it. Any state can fall to
// EMERGENCY; the machine recovers on its own only from causes that clear
// (kill switch, broker outage) and otherwise parks until a restart with a
// verified ledger.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alluse/engine/internal/atr"
	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/config"
	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/events"
	"github.com/alluse/engine/internal/forks"
	"github.com/alluse/engine/internal/leaps"
	"github.com/alluse/engine/internal/ledger"
	"github.com/alluse/engine/internal/marketdata"
	"github.com/alluse/engine/internal/orders"
	"github.com/alluse/engine/internal/protocol"
	"github.com/alluse/engine/internal/reinvest"
	"github.com/alluse/engine/internal/rules"
	"github.com/alluse/engine/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is one step of the weekly cycle.
type State string

const (
	StateSafe        State = "SAFE"
	StateScanning    State = "SCANNING"
	StateAnalyzing   State = "ANALYZING"
	StateOrdering    State = "ORDERING"
	StateMonitoring  State = "MONITORING"
	StateClosing     State = "CLOSING"
	StateReconciling State = "RECONCILING"
	StateEmergency   State = "EMERGENCY"
)

// transitions is the legal successor set per state. EMERGENCY is reachable
// from every state and is handled separately.
var transitions = map[State][]State{
	StateSafe:        {StateScanning},
	StateScanning:    {StateAnalyzing},
	StateAnalyzing:   {StateOrdering, StateMonitoring},
	StateOrdering:    {StateMonitoring},
	StateMonitoring:  {StateClosing},
	StateClosing:     {StateReconciling},
	StateReconciling: {StateSafe},
	StateEmergency:   {StateSafe},
}

func legalTransition(from, to State) bool {
	if to == StateEmergency {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// emergencyCause distinguishes recoverable EMERGENCY entries from ones that
// park the machine until an operator restarts the process.
type emergencyCause int

const (
	causeNone emergencyCause = iota
	causeKill                // kill switch engaged; clears when the switch does
	causeOutage              // broker unreachable past the outage limit
	causeResume              // resumed from a persisted EMERGENCY; ledger re-verified
	causeLedger              // ledger write failed or missed the durability deadline
	causeInvariant           // store invariant violated; no self-repair
	causeFault               // unclassified fault from a state handler
	causePanic               // handler panicked
)

// Durability and escalation limits.
const (
	ledgerWriteDeadline = time.Second
	brokerOutageLimit   = 5 * time.Minute
	staleEscalation     = 5 * time.Minute
	profitTakeDecay     = 0.65
)

// pollIntervals paces the waits inside state handlers. Tests shrink them.
type pollIntervals struct {
	Safe      time.Duration // SAFE precondition recheck
	Scan      time.Duration // SCANNING freshness recheck
	ScanWait  time.Duration // how long SCANNING holds out for a full set
	Order     time.Duration // ORDERING / CLOSING drain recheck
	Emergency time.Duration // EMERGENCY recovery recheck
	CycleGap  time.Duration // minimum spacing between completed cycles
	DrainMax  time.Duration // CLOSING quiescence budget before EMERGENCY
}

func defaultPolls() pollIntervals {
	return pollIntervals{
		Safe:      30 * time.Second,
		Scan:      2 * time.Second,
		ScanWait:  time.Minute,
		Order:     time.Second,
		Emergency: 5 * time.Second,
		CycleGap:  5 * time.Minute,
		DrainMax:  5 * time.Minute,
	}
}

// Deps bundles everything a machine touches. One Deps value is shared by all
// machines and the supervisor.
type Deps struct {
	Store    *store.Store
	Ledger   *ledger.Ledger
	Cache    *marketdata.Cache
	ATR      *atr.Service
	Rules    *rules.Engine
	Orders   *orders.Manager
	Protocol *protocol.Engine
	Forks    *forks.Manager
	Leaps    *leaps.Manager
	Reinvest *reinvest.Manager
	Calendar *clock.Calendar
	Clock    clock.Clock
	Config   *config.Config
	Bus      *events.Bus
	Broker   domain.BrokerClient
	Advisory domain.AdvisoryClient // optional; nil disables advisory capture
}

// Resume carries the machine position recovered from the ledger on restart.
type Resume struct {
	State         State
	CycleID       string
	CycleStartSeq int64
}

// Machine is the weekly cycle runner for one account. All fields beyond the
// mutex-guarded trio are touched only by the machine's own goroutine.
type Machine struct {
	accountID string
	deps      Deps
	polls     pollIntervals
	log       zerolog.Logger

	mu      sync.RWMutex
	state   State
	cycleID string
	cause   emergencyCause

	cycleStartSeq int64
	pending       []entryCandidate
	scanStart     time.Time
	disconnected  time.Time
	lastCycleEnd  time.Time

	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewMachine creates a machine positioned at the resumed state. A fresh
// account starts with Resume{State: StateSafe}.
func NewMachine(accountID string, res Resume, deps Deps, log zerolog.Logger) *Machine {
	st := res.State
	if st == "" {
		st = StateSafe
	}
	cause := causeNone
	if st == StateEmergency {
		cause = causeResume
	}
	return &Machine{
		accountID:     accountID,
		deps:          deps,
		polls:         defaultPolls(),
		log:           log.With().Str("component", "lifecycle").Str("account", accountID).Logger(),
		state:         st,
		cycleID:       res.CycleID,
		cycleStartSeq: res.CycleStartSeq,
		cause:         cause,
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// State returns the current machine state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CycleID returns the id of the cycle in progress, or "" between cycles.
func (m *Machine) CycleID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cycleID
}

// Stop asks the machine to exit after the current suspension point.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Done closes when the machine goroutine has exited.
func (m *Machine) Done() <-chan struct{} {
	return m.stopped
}

// Run walks the state machine until the context closes, Stop is called, or
// an unrecoverable EMERGENCY parks the account. A panic is contained to this
// account: it is persisted as an EMERGENCY and other machines keep running.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.stopped)
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("State machine panicked")
			m.enterEmergency(causePanic, fmt.Sprintf("panic: %v", r))
		}
	}()

	m.log.Info().Str("state", string(m.State())).Msg("State machine running")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		default:
		}

		var err error
		switch m.State() {
		case StateSafe:
			err = m.handleSafe(ctx)
		case StateScanning:
			err = m.handleScanning(ctx)
		case StateAnalyzing:
			err = m.handleAnalyzing(ctx)
		case StateOrdering:
			err = m.handleOrdering(ctx)
		case StateMonitoring:
			err = m.handleMonitoring(ctx)
		case StateClosing:
			err = m.handleClosing(ctx)
		case StateReconciling:
			err = m.handleReconciling(ctx)
		case StateEmergency:
			if parked := m.handleEmergency(ctx); parked {
				return
			}
		default:
			err = fmt.Errorf("unknown state %q", m.State())
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.enterEmergency(classifyFault(err), err.Error())
		}
	}
}

func classifyFault(err error) emergencyCause {
	switch {
	case errors.Is(err, domain.ErrInvariantViolated):
		return causeInvariant
	case errors.Is(err, domain.ErrLedgerIntegrity):
		return causeLedger
	default:
		return causeFault
	}
}

// transition appends the machine transition record and only then moves the
// in-memory state. An append that fails, or that cannot persist within the
// durability deadline, aborts the transition.
func (m *Machine) transition(to State, reason string) error {
	from := m.State()
	if !legalTransition(from, to) {
		return fmt.Errorf("%w: illegal machine transition %s -> %s", domain.ErrInvariantViolated, from, to)
	}

	start := time.Now()
	if err := m.deps.Store.RecordMachineTransition(m.CycleID(), m.accountID, string(from), string(to), reason); err != nil {
		return fmt.Errorf("transition %s -> %s not persisted: %w", from, to, err)
	}
	if elapsed := time.Since(start); elapsed > ledgerWriteDeadline {
		return fmt.Errorf("transition %s -> %s persisted in %s, over the %s deadline", from, to, elapsed, ledgerWriteDeadline)
	}

	m.mu.Lock()
	m.state = to
	m.mu.Unlock()

	m.deps.Bus.Publish(&events.StateTransitionedData{
		AccountID: m.accountID,
		From:      string(from),
		To:        string(to),
		Reason:    reason,
	})
	m.log.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("State transition")
	return nil
}

// enterEmergency persists the fall to EMERGENCY as far as the ledger allows
// and records the cause for the recovery handler. Never fails: a machine must
// be able to reach EMERGENCY even when nothing else works.
func (m *Machine) enterEmergency(cause emergencyCause, reason string) {
	m.mu.Lock()
	if m.state == StateEmergency {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = StateEmergency
	m.cause = cause
	cycleID := m.cycleID
	m.mu.Unlock()

	m.log.Error().Str("from", string(from)).Str("reason", reason).Msg("Entering EMERGENCY")

	if err := m.deps.Store.RecordMachineTransition(cycleID, m.accountID, string(from), string(StateEmergency), reason); err != nil {
		m.log.Error().Err(err).Msg("EMERGENCY transition not persisted")
	}
	if err := m.deps.Store.RecordFailure(cycleID, m.accountID, "lifecycle", "emergency", reason); err != nil {
		m.log.Error().Err(err).Msg("EMERGENCY failure record not persisted")
	}
	if cause == causeInvariant {
		if err := m.deps.Store.SetAccountStatus(cycleID, m.accountID, domain.AccountSafeMode, reason); err != nil {
			m.log.Error().Err(err).Msg("SafeMode status not persisted")
		}
	}

	m.deps.Bus.Publish(&events.StateTransitionedData{
		AccountID: m.accountID,
		From:      string(from),
		To:        string(StateEmergency),
		Reason:    reason,
	})
}

// beginCycle stamps a fresh cycle id and remembers the ledger tip, which
// bounds this cycle's slice for week classification.
func (m *Machine) beginCycle() {
	m.mu.Lock()
	m.cycleID = uuid.New().String()
	m.mu.Unlock()
	m.cycleStartSeq = m.deps.Ledger.LastSeq()
	m.scanStart = time.Time{}
	m.pending = nil
}

// sleep waits for d unless the machine is stopped first. Returns false when
// the machine should exit.
func (m *Machine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.stop:
		return false
	case <-t.C:
		return true
	}
}

// fatalCause checks the conditions that interrupt any active state: the kill
// switch, and a broker outage past its limit. These are observed at every
// suspension point.
func (m *Machine) fatalCause() emergencyCause {
	if m.deps.Protocol.Mode() >= domain.ModeKill {
		return causeKill
	}
	if m.deps.Broker.IsConnected() {
		m.disconnected = time.Time{}
		return causeNone
	}
	now := m.deps.Clock.Now()
	if m.disconnected.IsZero() {
		m.disconnected = now
		return causeNone
	}
	if now.Sub(m.disconnected) > brokerOutageLimit {
		m.disconnected = time.Time{}
		return causeOutage
	}
	return causeNone
}

// interrupted folds the fatal check into handlers: it moves the machine to
// EMERGENCY and reports true when the handler must bail out.
func (m *Machine) interrupted() bool {
	cause := m.fatalCause()
	if cause == causeNone {
		return false
	}
	switch cause {
	case causeKill:
		m.enterEmergency(causeKill, "kill switch engaged")
	case causeOutage:
		m.enterEmergency(causeOutage, fmt.Sprintf("broker unreachable for over %s", brokerOutageLimit))
	}
	return true
}

// handleEmergency attempts recovery for causes that clear on their own and
// parks the machine for everything else. Returns true to park.
func (m *Machine) handleEmergency(ctx context.Context) bool {
	m.mu.RLock()
	cause := m.cause
	m.mu.RUnlock()

	switch cause {
	case causeKill:
		if m.deps.Protocol.Mode() >= domain.ModeKill {
			return !m.sleep(ctx, m.polls.Emergency)
		}
		if err := m.transition(StateSafe, "kill switch cleared"); err != nil {
			m.log.Error().Err(err).Msg("EMERGENCY recovery failed")
			return true
		}
		return false

	case causeOutage:
		if !m.deps.Broker.IsConnected() {
			return !m.sleep(ctx, m.polls.Emergency)
		}
		if err := m.deps.Orders.Reconcile(ctx, m.CycleID()); err != nil {
			m.log.Error().Err(err).Msg("Post-outage reconciliation failed")
			return !m.sleep(ctx, m.polls.Emergency)
		}
		if err := m.transition(StateSafe, "broker reconnected and reconciled"); err != nil {
			m.log.Error().Err(err).Msg("EMERGENCY recovery failed")
			return true
		}
		return false

	case causeResume:
		// The supervisor verified the full hash chain before starting us.
		if err := m.transition(StateSafe, "restart with verified ledger"); err != nil {
			m.log.Error().Err(err).Msg("EMERGENCY recovery failed")
			return true
		}
		return false

	default:
		m.log.Error().Msg("EMERGENCY requires operator intervention; machine parked")
		return true
	}
}
