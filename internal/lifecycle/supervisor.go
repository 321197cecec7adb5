package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/events"
	"github.com/alluse/engine/internal/ledger"
	"github.com/alluse/engine/internal/rules"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Supervisor owns every account machine plus the shared loops that serve
// them: broker event pumping, connection watching, and continuous breaker
// evaluation. One supervisor runs per process.
type Supervisor struct {
	deps Deps
	base zerolog.Logger // undecorated; machines add their own component
	log  zerolog.Logger

	breakerEvery time.Duration
	watchEvery   time.Duration

	mu       sync.Mutex
	machines map[string]*Machine
	resumes  map[string]Resume

	// runCycle correlates supervisor-scoped ledger entries (startup
	// reconciliation, breaker trips, outage marks) that belong to no
	// machine cycle.
	runCycle string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor around a shared dependency set.
func NewSupervisor(deps Deps, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		deps:         deps,
		base:         log,
		log:          log.With().Str("component", "supervisor").Logger(),
		breakerEvery: 2 * time.Second,
		watchEvery:   5 * time.Second,
		machines:     make(map[string]*Machine),
		resumes:      make(map[string]Resume),
		runCycle:     uuid.New().String(),
		stop:         make(chan struct{}),
	}
}

// Bootstrap creates the three root sleeves on a first run, splitting the
// opening capital per the configured ratios. An existing account tree is
// left untouched.
func (s *Supervisor) Bootstrap(openingCapital float64) error {
	accts, err := s.deps.Store.Accounts.All()
	if err != nil {
		return err
	}
	if len(accts) > 0 {
		return nil
	}
	if openingCapital <= 0 {
		return fmt.Errorf("opening capital must be positive, got %.2f", openingCapital)
	}

	cfg := s.deps.Config
	roots := []struct {
		id   string
		kind domain.AccountKind
		frac float64
	}{
		{"gen", domain.KindGenerator, cfg.SleeveSplitGen},
		{"rev", domain.KindRevenue, cfg.SleeveSplitRev},
		{"com", domain.KindCompounder, cfg.SleeveSplitCom},
	}
	for _, r := range roots {
		if err := s.deps.Store.CreateRootAccount(s.runCycle, r.kind, r.id, openingCapital*r.frac); err != nil {
			return err
		}
	}
	s.log.Info().Float64("capital", openingCapital).Msg("Account tree bootstrapped")
	return nil
}

// Resume runs the startup contract: verify the full hash chain, rebuild the
// derived store by replay, prime the calendar, pull broker truth and resolve
// unknown orders, refresh ATR baselines, and recover each machine's position
// from its last persisted transition. Position levels are recomputed from
// live market data on the first monitoring pass.
func (s *Supervisor) Resume(ctx context.Context) error {
	if err := s.deps.Ledger.VerifyChain(); err != nil {
		return err
	}
	if err := s.deps.Store.Rebuild(); err != nil {
		return err
	}

	year := s.deps.Clock.Now().Year()
	for _, y := range []int{year, year + 1} {
		if err := s.deps.Calendar.Refresh(ctx, y); err != nil {
			return fmt.Errorf("calendar refresh %d: %w", y, err)
		}
	}

	if _, err := s.deps.Broker.AccountSnapshot(ctx); err != nil {
		return fmt.Errorf("%w: account snapshot: %v", domain.ErrBrokerUnavailable, err)
	}
	if err := s.verifyPositions(ctx); err != nil {
		return err
	}
	if err := s.deps.Orders.Reconcile(ctx, s.runCycle); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	s.deps.ATR.RefreshAll(ctx, rules.AllSymbols())

	resumes, err := s.scanMachinePositions()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.resumes = resumes
	s.mu.Unlock()

	s.log.Info().Int("resumed", len(resumes)).Msg("Startup contract complete")
	return nil
}

// verifyPositions compares broker-held option legs against the replayed
// book. A divergence is ledgered for the operator, not repaired: fills are
// the only way positions change.
func (s *Supervisor) verifyPositions(ctx context.Context) error {
	broker, err := s.deps.Broker.PositionsSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("%w: positions snapshot: %v", domain.ErrBrokerUnavailable, err)
	}

	theirs := make(map[string]int)
	for _, p := range broker {
		theirs[positionKey(p.Symbol, p.Kind, p.Strike, p.Expiry)] += p.Quantity
	}

	ours := make(map[string]int)
	accts, err := s.deps.Store.Accounts.All()
	if err != nil {
		return err
	}
	for i := range accts {
		open, err := s.deps.Store.Positions.OpenByAccount(accts[i].ID)
		if err != nil {
			return err
		}
		for j := range open {
			p := &open[j]
			ours[positionKey(p.Symbol, p.Kind, p.Strike, p.Expiry)] += p.Quantity
		}
	}

	for key, qty := range ours {
		if theirs[key] != qty {
			detail := fmt.Sprintf("%s: ledger=%d broker=%d", key, qty, theirs[key])
			s.log.Warn().Str("divergence", detail).Msg("Position divergence against broker")
			if err := s.deps.Store.RecordFailure(s.runCycle, "", "supervisor", "position_divergence", detail); err != nil {
				return err
			}
		}
		delete(theirs, key)
	}
	for key, qty := range theirs {
		if qty == 0 {
			continue
		}
		detail := fmt.Sprintf("%s: ledger=0 broker=%d", key, qty)
		s.log.Warn().Str("divergence", detail).Msg("Broker holds position unknown to ledger")
		if err := s.deps.Store.RecordFailure(s.runCycle, "", "supervisor", "position_divergence", detail); err != nil {
			return err
		}
	}
	return nil
}

func positionKey(symbol string, kind domain.PositionKind, strike float64, expiry time.Time) string {
	return fmt.Sprintf("%s|%s|%.2f|%s", symbol, kind, strike, expiry.Format("2006-01-02"))
}

// scanMachinePositions replays machine-scoped transitions to find where each
// account's machine stopped. The cycle's start sequence is recovered from the
// first ledger entry bearing its cycle id.
func (s *Supervisor) scanMachinePositions() (map[string]Resume, error) {
	entries, err := s.deps.Ledger.ReadRange(0, s.deps.Ledger.LastSeq())
	if err != nil {
		return nil, err
	}

	firstSeen := make(map[string]int64)
	resumes := make(map[string]Resume)
	for i := range entries {
		e := &entries[i]
		if e.CycleID != "" {
			if _, ok := firstSeen[e.CycleID]; !ok {
				firstSeen[e.CycleID] = e.Seq
			}
		}
		if e.Category != ledger.CategoryStateTransition || e.AccountID == "" {
			continue
		}
		var p ledger.StateTransitionPayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, err
		}
		if p.Scope != "machine" {
			continue
		}
		res := Resume{State: State(p.To), CycleID: e.CycleID}
		if first, ok := firstSeen[e.CycleID]; ok {
			res.CycleStartSeq = first - 1
		}
		resumes[e.AccountID] = res
	}
	return resumes, nil
}

// Start spawns a machine per non-closed account and the shared service
// loops, and begins reacting to fork and merge completions. Resume must run
// first; accounts without a persisted position start in SAFE.
func (s *Supervisor) Start(ctx context.Context) error {
	accts, err := s.deps.Store.Accounts.All()
	if err != nil {
		return err
	}

	s.deps.Bus.Subscribe(events.ForkCompleted, func(ev events.Event) {
		data, ok := ev.Data.(*events.ForkCompletedData)
		if !ok {
			return
		}
		if data.Merge {
			s.retire(data.ChildID)
			return
		}
		s.spawn(ctx, data.ChildID, Resume{State: StateSafe})
	})

	for i := range accts {
		if accts[i].Status == domain.AccountClosed {
			continue
		}
		s.mu.Lock()
		res := s.resumes[accts[i].ID]
		s.mu.Unlock()
		s.spawn(ctx, accts[i].ID, res)
	}

	s.wg.Add(3)
	go s.pumpBrokerEvents(ctx)
	go s.watchConnection(ctx)
	go s.runBreakers(ctx)

	s.mu.Lock()
	running := len(s.machines)
	s.mu.Unlock()
	s.log.Info().Int("machines", running).Msg("Supervisor started")
	return nil
}

// Stop retires every machine and waits for all goroutines to drain.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	ms := make([]*Machine, 0, len(s.machines))
	for _, m := range s.machines {
		ms = append(ms, m)
	}
	s.mu.Unlock()
	for _, m := range ms {
		m.Stop()
	}
	s.wg.Wait()
	s.log.Info().Msg("Supervisor stopped")
}

// MachineState reports the lifecycle state of an account's machine.
func (s *Supervisor) MachineState(accountID string) (State, bool) {
	s.mu.Lock()
	m, ok := s.machines[accountID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	return m.State(), true
}

// MachineStates snapshots the state of every running machine.
func (s *Supervisor) MachineStates() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.machines))
	for id, m := range s.machines {
		out[id] = m.State()
	}
	return out
}

func (s *Supervisor) spawn(ctx context.Context, accountID string, res Resume) {
	s.mu.Lock()
	if _, ok := s.machines[accountID]; ok {
		s.mu.Unlock()
		return
	}
	m := NewMachine(accountID, res, s.deps, s.base)
	s.machines[accountID] = m
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		m.Run(ctx)
		s.mu.Lock()
		delete(s.machines, accountID)
		s.mu.Unlock()
	}()
	s.log.Info().Str("account", accountID).Str("state", string(m.State())).Msg("Machine spawned")
}

func (s *Supervisor) retire(accountID string) {
	s.mu.Lock()
	m, ok := s.machines[accountID]
	s.mu.Unlock()
	if !ok {
		return
	}
	m.Stop()
	s.log.Info().Str("account", accountID).Msg("Machine retired after merge")
}

// pumpBrokerEvents feeds broker order updates into the order manager,
// attributing each to the owning machine's cycle.
func (s *Supervisor) pumpBrokerEvents(ctx context.Context) {
	defer s.wg.Done()
	stream := s.deps.Broker.OrderEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case ev, ok := <-stream:
			if !ok {
				s.log.Warn().Msg("Broker event stream closed")
				return
			}
			if err := s.deps.Orders.HandleEvent(s.cycleFor(ev.ClientID), ev); err != nil {
				s.log.Error().Err(err).Str("client_id", ev.ClientID).Msg("Broker event rejected")
				if rerr := s.deps.Store.RecordFailure(s.runCycle, "", "orders", "broker_event", err.Error()); rerr != nil {
					s.log.Error().Err(rerr).Msg("Failure record not persisted")
				}
			}
		}
	}
}

// cycleFor attributes a broker event to the owning machine's cycle so fills
// land in the right ledger slice.
func (s *Supervisor) cycleFor(clientID string) string {
	ord, err := s.deps.Store.Orders.Get(clientID)
	if err != nil || ord == nil {
		return s.runCycle
	}
	s.mu.Lock()
	m, ok := s.machines[ord.AccountID]
	s.mu.Unlock()
	if !ok {
		return s.runCycle
	}
	if cid := m.CycleID(); cid != "" {
		return cid
	}
	return s.runCycle
}

// watchConnection marks working orders unknown when the broker stays down
// past the outage limit and reconciles once it returns.
func (s *Supervisor) watchConnection(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.watchEvery)
	defer t.Stop()

	var down time.Time
	marked := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-t.C:
		}

		if s.deps.Broker.IsConnected() {
			if marked {
				if err := s.deps.Orders.Reconcile(ctx, s.runCycle); err != nil {
					s.log.Error().Err(err).Msg("Post-outage reconciliation failed")
					continue
				}
				s.log.Info().Msg("Broker reconnected; orders reconciled")
			}
			down = time.Time{}
			marked = false
			continue
		}

		now := s.deps.Clock.Now()
		if down.IsZero() {
			down = now
			continue
		}
		if !marked && now.Sub(down) > brokerOutageLimit {
			s.log.Error().Dur("down_for", now.Sub(down)).Msg("Broker outage past limit; marking working orders unknown")
			if err := s.deps.Orders.MarkDisconnected(s.runCycle); err != nil {
				s.log.Error().Err(err).Msg("Orders not marked unknown")
				continue
			}
			marked = true
		}
	}
}

// runBreakers re-evaluates circuit breakers continuously so a VIX spike
// does not wait for a machine to reach its next monitoring pass.
func (s *Supervisor) runBreakers(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.breakerEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-t.C:
			if _, err := s.deps.Protocol.EvaluateBreakers(ctx, s.runCycle); err != nil {
				s.log.Error().Err(err).Msg("Breaker evaluation failed")
			}
		}
	}
}
