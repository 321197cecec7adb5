package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alluse/engine/internal/atr"
	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/config"
	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/events"
	"github.com/alluse/engine/internal/ledger"
	"github.com/alluse/engine/internal/marketdata"
	"github.com/alluse/engine/internal/orders"
	"github.com/alluse/engine/internal/rules"
	"github.com/alluse/engine/internal/store"
	"github.com/rs/zerolog"
)

// Covered-call management thresholds.
const (
	ccDecayClose          = 0.65
	ccDecayCloseDTE       = 1
	ccAssignmentProbLimit = 0.80
	ccAssignmentDecay     = 0.30
)

// Engine runs circuit breakers and per-position level monitoring. One engine
// serves all accounts; each account's state machine calls MonitorAccount on
// the cadence the engine returns.
type Engine struct {
	cache  *marketdata.Cache
	atr    *atr.Service
	rules  *rules.Engine
	orders *orders.Manager
	store  *store.Store
	bus    *events.Bus
	clk    clock.Clock
	cfg    *config.Config
	log    zerolog.Logger

	mu      sync.RWMutex
	mode    domain.GlobalMode
	latched bool            // operator kill; holds until process restart
	frozen  map[string]bool // accounts with entries frozen by an L2 escalation
}

// NewEngine creates a protocol engine
func NewEngine(cache *marketdata.Cache, atrSvc *atr.Service, rulesEng *rules.Engine,
	ordMgr *orders.Manager, st *store.Store, bus *events.Bus, clk clock.Clock,
	cfg *config.Config, log zerolog.Logger) *Engine {
	return &Engine{
		cache:  cache,
		atr:    atrSvc,
		rules:  rulesEng,
		orders: ordMgr,
		store:  st,
		bus:    bus,
		clk:    clk,
		cfg:    cfg,
		log:    log.With().Str("component", "protocol").Logger(),
		frozen: make(map[string]bool),
	}
}

// Mode returns the current system-wide operating mode.
func (e *Engine) Mode() domain.GlobalMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// EntriesFrozen reports whether an L2 escalation froze new entries for an
// account this week.
func (e *Engine) EntriesFrozen(accountID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.frozen[accountID]
}

// UnfreezeEntries lifts an account's entry freeze; called at RECONCILING.
func (e *Engine) UnfreezeEntries(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.frozen, accountID)
}

func (e *Engine) freezeEntries(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frozen[accountID] = true
}

// ForceKill latches the kill switch regardless of VIX. The latch survives
// breaker re-evaluation and clears only on process restart. All working
// orders are cancelled immediately.
func (e *Engine) ForceKill(ctx context.Context, cycleID string) error {
	e.mu.Lock()
	already := e.latched
	e.latched = true
	prev := e.mode
	e.mode = domain.ModeKill
	e.mu.Unlock()

	if already {
		return nil
	}

	e.log.Warn().Str("from", prev.String()).Msg("Kill switch latched by operator")

	if err := e.store.RecordProtocolEvent(cycleID, "", "", ledger.ProtocolEventPayload{
		VIX:      e.cache.VIX(),
		Severity: domain.ModeKill.String(),
		Action:   "kill_switch",
	}); err != nil {
		return err
	}
	e.bus.Publish(&events.CircuitBreakerTrippedData{VIX: e.cache.VIX(), Mode: domain.ModeKill.String()})

	if err := e.orders.CancelAllWorking(ctx, cycleID); err != nil {
		return fmt.Errorf("kill switch cancel failed: %w", err)
	}
	return nil
}

// EvaluateBreakers recomputes the operating mode from the effective VIX and
// applies mode actions on a change. Kill cancels every working order.
// Runs before any per-position logic.
func (e *Engine) EvaluateBreakers(ctx context.Context, cycleID string) (domain.GlobalMode, error) {
	vix := e.cache.VIX()

	target := domain.ModeNormal
	switch {
	case vix >= e.cfg.VIXThresholdKill:
		target = domain.ModeKill
	case vix >= e.cfg.VIXThresholdSafe:
		target = domain.ModeSafe
	case vix >= e.cfg.VIXThresholdHedge:
		target = domain.ModeHedgedWeek
	}

	e.mu.Lock()
	if e.latched {
		target = domain.ModeKill
	}
	prev := e.mode
	e.mode = target
	e.mu.Unlock()

	if target == prev {
		return target, nil
	}

	e.log.Warn().Float64("vix", vix).Str("from", prev.String()).Str("to", target.String()).Msg("Circuit breaker mode change")

	if err := e.store.RecordProtocolEvent(cycleID, "", "", ledger.ProtocolEventPayload{
		VIX:      vix,
		Severity: target.String(),
		Action:   "circuit_breaker",
	}); err != nil {
		return target, err
	}
	e.bus.Publish(&events.CircuitBreakerTrippedData{VIX: vix, Mode: target.String()})

	if target == domain.ModeKill {
		if err := e.orders.CancelAllWorking(ctx, cycleID); err != nil {
			return target, fmt.Errorf("kill switch cancel failed: %w", err)
		}
	}
	return target, nil
}

// MonitorAccount runs one monitoring tick over an account's open short legs
// and returns the interval until the next tick, driven by the highest level
// observed. Symbols without usable market data or ATR are skipped with a
// ledgered failure; their positions keep their last level.
func (e *Engine) MonitorAccount(ctx context.Context, cycleID string, accountID string) (time.Duration, error) {
	if _, err := e.EvaluateBreakers(ctx, cycleID); err != nil {
		return Cadence(e.cfg, 0), err
	}

	acct, err := e.store.Accounts.Get(accountID)
	if err != nil {
		return Cadence(e.cfg, 0), err
	}
	if acct == nil {
		return Cadence(e.cfg, 0), fmt.Errorf("account %s not found", accountID)
	}

	positions, err := e.store.Positions.OpenByAccount(accountID)
	if err != nil {
		return Cadence(e.cfg, 0), err
	}

	next := Cadence(e.cfg, 0)
	for i := range positions {
		pos := &positions[i]
		if pos.Kind != domain.LegCSP && pos.Kind != domain.LegCC {
			continue
		}

		level, err := e.monitorPosition(ctx, cycleID, acct, pos)
		if err != nil {
			e.log.Error().Err(err).Str("position", pos.ID).Msg("Position monitoring failed")
			if recErr := e.store.RecordFailure(cycleID, accountID, "protocol", err.Error(), pos.Symbol); recErr != nil {
				return next, recErr
			}
			continue
		}
		if c := Cadence(e.cfg, level); c < next {
			next = c
		}
	}
	return next, nil
}

// monitorPosition classifies one short leg and applies the level action.
// Returns the level driving the next monitoring cadence.
func (e *Engine) monitorPosition(ctx context.Context, cycleID string, acct *domain.Account, pos *domain.Position) (int, error) {
	snap, _, ok := e.cache.Get(pos.Symbol)
	if !ok {
		return pos.CurrentLevel, fmt.Errorf("no snapshot for %s", pos.Symbol)
	}
	spot := snap.Quote.Last
	if spot <= 0 {
		spot = snap.Quote.Mid()
	}
	if spot <= 0 {
		return pos.CurrentLevel, fmt.Errorf("no usable spot for %s", pos.Symbol)
	}

	if ct, found := chainContract(snap.Chain, pos); found {
		if err := e.store.Positions.MarkToMarket(pos.ID, ct.Mid(), ct.DeltaMagnitude()); err != nil {
			return pos.CurrentLevel, err
		}
		pos.CurrentMark = ct.Mid()
		pos.Delta = ct.DeltaMagnitude()
	}

	if pos.Kind == domain.LegCC {
		closed, err := e.manageCoveredCall(ctx, cycleID, pos, spot)
		if err != nil {
			return pos.CurrentLevel, err
		}
		if closed {
			return 0, nil
		}
	}

	atrVal, _, err := e.atr.ATR(pos.Symbol)
	if err != nil {
		return pos.CurrentLevel, fmt.Errorf("atr unavailable: %w", err)
	}

	level := LevelFor(pos.Kind, pos.Strike, spot, atrVal)
	if level != pos.CurrentLevel {
		if err := e.recordLevelChange(cycleID, acct.ID, pos, level, spot); err != nil {
			return level, err
		}
	}

	switch level {
	case 1:
		if err := e.prepareRoll(cycleID, acct, pos, snap.Chain); err != nil {
			return level, err
		}
	case 2:
		escalated, err := e.executeRoll(ctx, cycleID, acct, pos, snap.Chain, spot)
		if err != nil {
			return level, err
		}
		if escalated {
			level = maxLevel
		}
	case maxLevel:
		if err := e.stopLoss(ctx, cycleID, acct, pos); err != nil {
			return level, err
		}
	}
	return level, nil
}

// recordLevelChange ledgers a level transition, updates the stored level, and
// publishes an escalation event when the level increased.
func (e *Engine) recordLevelChange(cycleID, accountID string, pos *domain.Position, level int, spot float64) error {
	from := pos.CurrentLevel
	if err := e.store.RecordProtocolEvent(cycleID, accountID, pos.ID, ledger.ProtocolEventPayload{
		Symbol:    pos.Symbol,
		FromLevel: from,
		ToLevel:   level,
		Spot:      spot,
		VIX:       e.cache.VIX(),
	}); err != nil {
		return err
	}
	pos.CurrentLevel = level

	if level > from {
		e.bus.Publish(&events.ProtocolEscalatedData{
			AccountID:  accountID,
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			FromLevel:  from,
			ToLevel:    level,
			Spot:       spot,
		})
	}
	return nil
}

// prepareRoll computes roll candidates at L1 without executing. The best
// candidate is ledgered so the later L2 execution is reconstructible.
func (e *Engine) prepareRoll(cycleID string, acct *domain.Account, pos *domain.Position, chain []domain.OptionContract) error {
	contract, ok := rules.ContractFor(acct.Kind)
	if !ok {
		return fmt.Errorf("no sleeve contract for %s", acct.Kind)
	}

	cands := RollCandidates(contract, pos, chain, pos.CurrentMark, e.clk.Now())
	if len(cands) == 0 {
		return e.store.RecordProtocolEvent(cycleID, acct.ID, pos.ID, ledger.ProtocolEventPayload{
			Symbol:    pos.Symbol,
			FromLevel: pos.CurrentLevel,
			ToLevel:   pos.CurrentLevel,
			Action:    "roll_candidates_none",
		})
	}

	best := cands[0]
	e.log.Debug().
		Str("position", pos.ID).
		Float64("strike", best.Contract.Strike).
		Float64("net_debit", best.NetDebit).
		Int("candidates", len(cands)).
		Msg("Roll candidates computed")

	return e.store.RecordProtocolEvent(cycleID, acct.ID, pos.ID, ledger.ProtocolEventPayload{
		Symbol:    pos.Symbol,
		FromLevel: pos.CurrentLevel,
		ToLevel:   pos.CurrentLevel,
		Action:    fmt.Sprintf("roll_candidate:%.2f@%s:debit=%.2f", best.Contract.Strike, best.Contract.Expiry.Format("2006-01-02"), best.NetDebit),
	})
}

// executeRoll rolls a threatened leg back into the sleeve's delta band at L2,
// freezes new entries for the account, and deploys the hedge basket if none
// is active. When no candidate satisfies the roll economics the position
// escalates straight to L3; the returned bool reports that escalation.
func (e *Engine) executeRoll(ctx context.Context, cycleID string, acct *domain.Account, pos *domain.Position, chain []domain.OptionContract, spot float64) (bool, error) {
	e.freezeEntries(acct.ID)

	if active, err := e.HedgeActive(); err != nil {
		return false, err
	} else if !active {
		if err := e.DeployHedge(ctx, cycleID, acct); err != nil {
			e.log.Warn().Err(err).Str("account", acct.ID).Msg("Hedge deployment skipped")
		}
	}

	if pos.Status == domain.PositionRollPending {
		return false, nil // roll orders already working
	}

	contract, ok := rules.ContractFor(acct.Kind)
	if !ok {
		return false, fmt.Errorf("no sleeve contract for %s", acct.Kind)
	}

	now := e.clk.Now()
	cand, ok := SelectRoll(contract, pos, chain, pos.CurrentMark, now)
	if !ok {
		if err := e.store.RecordProtocolEvent(cycleID, acct.ID, pos.ID, ledger.ProtocolEventPayload{
			Symbol:    pos.Symbol,
			FromLevel: pos.CurrentLevel,
			ToLevel:   maxLevel,
			Spot:      spot,
			Action:    "roll_rejected_economics",
		}); err != nil {
			return false, err
		}
		pos.CurrentLevel = maxLevel
		return true, e.stopLoss(ctx, cycleID, acct, pos)
	}

	qty := absInt(pos.Quantity)
	result := e.rules.Validate(ctx, rules.Candidate{
		Account:      acct,
		Intent:       rollIntent(pos.Kind),
		Contract:     cand.Contract,
		Quantity:     qty,
		Spot:         spot,
		SleeveEquity: acct.Cash,
	}, rules.Env{
		Now:        now,
		GlobalMode: e.Mode(),
		Stressed:   true,
	})
	if !result.Approved {
		if err := e.store.RecordProtocolEvent(cycleID, acct.ID, pos.ID, ledger.ProtocolEventPayload{
			Symbol:    pos.Symbol,
			FromLevel: pos.CurrentLevel,
			ToLevel:   maxLevel,
			Spot:      spot,
			Action:    "roll_rejected_validation",
		}); err != nil {
			return false, err
		}
		pos.CurrentLevel = maxLevel
		return true, e.stopLoss(ctx, cycleID, acct, pos)
	}

	pos.Status = domain.PositionRollPending
	if err := e.store.Positions.Save(pos); err != nil {
		return false, err
	}

	// A roll is a close/open pair; the ledger sees two fills.
	if _, err := e.orders.Submit(ctx, cycleID, orders.Request{
		AccountID:  acct.ID,
		Intent:     closeIntent(pos.Kind),
		Symbol:     pos.Symbol,
		Expiry:     pos.Expiry,
		Strike:     pos.Strike,
		Quantity:   qty,
		LimitPrice: pos.CurrentMark,
		PositionID: pos.ID,
	}); err != nil {
		return false, err
	}

	if _, err := e.orders.Submit(ctx, cycleID, orders.Request{
		AccountID:    acct.ID,
		Intent:       openIntent(pos.Kind),
		Symbol:       cand.Contract.Symbol,
		Expiry:       cand.Contract.Expiry,
		Strike:       cand.Contract.Strike,
		Quantity:     qty,
		LimitPrice:   cand.Contract.Mid(),
		PositionKind: pos.Kind,
	}); err != nil {
		return false, err
	}

	e.log.Info().
		Str("position", pos.ID).
		Float64("from_strike", pos.Strike).
		Float64("to_strike", cand.Contract.Strike).
		Float64("net_debit", cand.NetDebit).
		Msg("Roll executed")
	return false, nil
}

// stopLoss closes a position at market and moves its account to SafeMode.
func (e *Engine) stopLoss(ctx context.Context, cycleID string, acct *domain.Account, pos *domain.Position) error {
	if pos.Status != domain.PositionRollPending {
		if _, err := e.orders.Submit(ctx, cycleID, orders.Request{
			AccountID:  acct.ID,
			Intent:     closeIntent(pos.Kind),
			Symbol:     pos.Symbol,
			Expiry:     pos.Expiry,
			Strike:     pos.Strike,
			Quantity:   absInt(pos.Quantity),
			LimitPrice: pos.CurrentMark,
			PositionID: pos.ID,
		}); err != nil {
			return err
		}
	}

	if acct.Status == domain.AccountSafeMode {
		return nil
	}
	return e.store.SetAccountStatus(cycleID, acct.ID, domain.AccountSafeMode, "protocol L3 stop-loss")
}

// manageCoveredCall applies the CC close rules: close at 65% decay or within
// a day of expiry, and close early at 30% decay when the early-assignment
// probability crosses its limit.
func (e *Engine) manageCoveredCall(ctx context.Context, cycleID string, pos *domain.Position, spot float64) (bool, error) {
	if pos.OpeningCredit <= 0 || pos.Status == domain.PositionRollPending {
		return false, nil
	}

	decay := 1 - pos.CurrentMark/pos.OpeningCredit
	dte := pos.DTE(e.clk.Now())

	action := ""
	switch {
	case decay >= ccDecayClose || dte <= ccDecayCloseDTE:
		action = "cc_decay_close"
	case decay >= ccAssignmentDecay:
		intrinsic := spot - pos.Strike
		timeValue := pos.CurrentMark - intrinsic
		if AssignmentProbability(intrinsic, timeValue, dte) > ccAssignmentProbLimit {
			action = "cc_assignment_risk_close"
		}
	}
	if action == "" {
		return false, nil
	}

	if err := e.store.RecordProtocolEvent(cycleID, pos.AccountID, pos.ID, ledger.ProtocolEventPayload{
		Symbol:    pos.Symbol,
		FromLevel: pos.CurrentLevel,
		ToLevel:   pos.CurrentLevel,
		Spot:      spot,
		Action:    action,
	}); err != nil {
		return false, err
	}

	if _, err := e.orders.Submit(ctx, cycleID, orders.Request{
		AccountID:  pos.AccountID,
		Intent:     domain.IntentCloseCC,
		Symbol:     pos.Symbol,
		Expiry:     pos.Expiry,
		Strike:     pos.Strike,
		Quantity:   absInt(pos.Quantity),
		LimitPrice: pos.CurrentMark,
		PositionID: pos.ID,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) anyPositionAtOrAbove(level int) (bool, error) {
	n, err := e.store.Positions.CountOpenAtOrAbove(level)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// chainContract finds the chain entry matching a position's leg.
func chainContract(chain []domain.OptionContract, pos *domain.Position) (domain.OptionContract, bool) {
	wantPut := pos.Kind == domain.LegCSP
	for _, ct := range chain {
		if ct.Put == wantPut && ct.Strike == pos.Strike && ct.Expiry.Equal(pos.Expiry) {
			return ct, true
		}
	}
	return domain.OptionContract{}, false
}

func closeIntent(kind domain.PositionKind) domain.OrderIntent {
	if kind == domain.LegCC {
		return domain.IntentCloseCC
	}
	return domain.IntentCloseCSP
}

func openIntent(kind domain.PositionKind) domain.OrderIntent {
	if kind == domain.LegCC {
		return domain.IntentOpenCC
	}
	return domain.IntentOpenCSP
}

func rollIntent(kind domain.PositionKind) domain.OrderIntent {
	if kind == domain.LegCC {
		return domain.IntentRollCC
	}
	return domain.IntentRollCSP
}
