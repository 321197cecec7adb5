package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/ledger"
	"github.com/rs/zerolog"
)

// Store is the derived view of the ledger. Every mutation appends its record
// first and then runs through the same apply path that Rebuild replays, so a
// rebuilt store is identical to one that lived through the events.
type Store struct {
	Accounts  *AccountRepository
	Positions *PositionRepository
	Orders    *OrderRepository

	db     *sql.DB
	ledger *ledger.Ledger
	log    zerolog.Logger
}

// Fill describes an execution to record against an order. Kind overrides the
// leg kind derived from the intent; LEAP orders set it to distinguish calls
// from puts.
type Fill struct {
	Order      domain.Order
	PositionID string
	Kind       domain.PositionKind
	Price      float64
	Quantity   int // contracts filled, always positive
	Delta      float64
	Assignment bool
}

// New creates a store over the state database and the ledger.
func New(db *sql.DB, l *ledger.Ledger, log zerolog.Logger) *Store {
	slog := log.With().Str("component", "store").Logger()
	return &Store{
		Accounts:  NewAccountRepository(db, log),
		Positions: NewPositionRepository(db, log),
		Orders:    NewOrderRepository(db, log),
		db:        db,
		ledger:    l,
		log:       slog,
	}
}

// CreateRootAccount ledgers and applies the creation of a genesis account.
// Roots are recorded as forks with no parent.
func (s *Store) CreateRootAccount(cycleID string, kind domain.AccountKind, id string, openingCapital float64) error {
	payload := ledger.ForkPayload{
		ChildID:   id,
		Amount:    openingCapital,
		Kind:      string(kind),
		Genealogy: id,
	}
	if _, err := s.ledger.Append(ledger.Record{
		CycleID:   cycleID,
		Category:  ledger.CategoryFork,
		AccountID: id,
		Payload:   payload,
	}); err != nil {
		return err
	}
	return s.applyFork(time.Now(), id, payload)
}

// RecordOrderEvent ledgers an order lifecycle change and updates the derived
// order row.
func (s *Store) RecordOrderEvent(cycleID string, o domain.Order, reason string) error {
	payload := ledger.OrderEventPayload{
		Status:        string(o.Status),
		Intent:        string(o.Intent),
		LegKind:       string(o.LegKind),
		Symbol:        o.Symbol,
		Expiry:        o.Expiry.Format("2006-01-02"),
		Strike:        o.Strike,
		Quantity:      o.Quantity,
		Limit:         o.LimitPrice,
		ReferenceMid:  o.ReferenceMid,
		BrokerID:      o.BrokerID,
		FilledQty:     o.FilledQty,
		FillPrice:     o.FillPrice,
		Version:       o.Version,
		ParentOrderID: o.ParentOrderID,
		Reason:        reason,
	}
	if _, err := s.ledger.Append(ledger.Record{
		CycleID:    cycleID,
		Category:   ledger.CategoryOrderEvent,
		AccountID:  o.AccountID,
		PositionID: o.PositionID,
		OrderID:    o.ClientID,
		Payload:    payload,
	}); err != nil {
		return err
	}
	return s.applyOrderEvent(time.Now(), o.ClientID, o.AccountID, o.PositionID, payload)
}

// ApplyFill ledgers an execution and applies its position and cash effects.
// Invariants are checked after the mutation; a violation is returned so the
// owning state machine can move the account to SafeMode.
func (s *Store) ApplyFill(cycleID string, f Fill) error {
	credit := f.Price
	if !creditIntent(f.Order.Intent) {
		credit = -f.Price
	}
	kind := f.Kind
	if kind == "" {
		kind = legKind(f.Order.Intent)
	}

	payload := ledger.FillPayload{
		Symbol:     f.Order.Symbol,
		Intent:     string(f.Order.Intent),
		Kind:       string(kind),
		Strike:     f.Order.Strike,
		Expiry:     f.Order.Expiry.Format("2006-01-02"),
		Price:      f.Price,
		Quantity:   f.Quantity,
		Credit:     credit,
		Delta:      f.Delta,
		Assignment: f.Assignment,
	}
	if _, err := s.ledger.Append(ledger.Record{
		CycleID:    cycleID,
		Category:   ledger.CategoryFill,
		AccountID:  f.Order.AccountID,
		PositionID: f.PositionID,
		OrderID:    f.Order.ClientID,
		Payload:    payload,
	}); err != nil {
		return err
	}

	if err := s.applyFill(time.Now(), f.Order.AccountID, f.PositionID, payload); err != nil {
		return err
	}
	return s.VerifyAccountInvariants(f.Order.AccountID)
}

// Fork atomically ledgers a fork: one debit entry against the parent and one
// credit entry for the child, in a single append. Either both land or neither.
func (s *Store) Fork(cycleID, parentID, childID string, kind domain.AccountKind, amount float64, genealogy string) error {
	payload := ledger.ForkPayload{
		ParentID:  parentID,
		ChildID:   childID,
		Amount:    amount,
		Kind:      string(kind),
		Genealogy: genealogy,
	}
	if _, err := s.ledger.AppendAll([]ledger.Record{
		{CycleID: cycleID, Category: ledger.CategoryFork, AccountID: parentID, Payload: payload},
		{CycleID: cycleID, Category: ledger.CategoryFork, AccountID: childID, Payload: payload},
	}); err != nil {
		return err
	}

	now := time.Now()
	if err := s.applyFork(now, parentID, payload); err != nil {
		return err
	}
	if err := s.applyFork(now, childID, payload); err != nil {
		return err
	}
	return s.VerifyAccountInvariants(parentID)
}

// CompensateFork reverses a failed fork with compensating entries. The
// original entries stay in the ledger; the reversal is appended, never edited.
func (s *Store) CompensateFork(cycleID, parentID, childID string, amount float64) error {
	payload := ledger.ForkPayload{
		ParentID:     parentID,
		ChildID:      childID,
		Amount:       amount,
		Compensating: true,
	}
	if _, err := s.ledger.AppendAll([]ledger.Record{
		{CycleID: cycleID, Category: ledger.CategoryFork, AccountID: parentID, Payload: payload},
		{CycleID: cycleID, Category: ledger.CategoryFork, AccountID: childID, Payload: payload},
	}); err != nil {
		return err
	}

	now := time.Now()
	if err := s.applyFork(now, parentID, payload); err != nil {
		return err
	}
	return s.applyFork(now, childID, payload)
}

// Merge atomically ledgers a child's balance transfer back to its genealogy
// root and closes the child.
func (s *Store) Merge(cycleID, rootID, childID string, amount float64) error {
	payload := ledger.ForkPayload{
		ParentID: rootID,
		ChildID:  childID,
		Amount:   amount,
	}
	if _, err := s.ledger.AppendAll([]ledger.Record{
		{CycleID: cycleID, Category: ledger.CategoryMerge, AccountID: childID, Payload: payload},
		{CycleID: cycleID, Category: ledger.CategoryMerge, AccountID: rootID, Payload: payload},
	}); err != nil {
		return err
	}

	if err := s.applyMerge(childID, payload); err != nil {
		return err
	}
	if err := s.applyMerge(rootID, payload); err != nil {
		return err
	}
	return s.VerifyAccountInvariants(rootID)
}

// Reinvest ledgers and applies a quarterly reinvestment split.
func (s *Store) Reinvest(cycleID, accountID string, p ledger.ReinvestmentPayload) error {
	if _, err := s.ledger.Append(ledger.Record{
		CycleID:   cycleID,
		Category:  ledger.CategoryReinvestment,
		AccountID: accountID,
		Payload:   p,
	}); err != nil {
		return err
	}
	if err := s.applyReinvest(accountID, p); err != nil {
		return err
	}
	return s.VerifyAccountInvariants(accountID)
}

// SetAccountStatus ledgers and applies an account lifecycle status change.
func (s *Store) SetAccountStatus(cycleID, accountID string, to domain.AccountStatus, reason string) error {
	acct, err := s.Accounts.Get(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s not found", accountID)
	}

	payload := ledger.StateTransitionPayload{
		Scope:  "account",
		From:   string(acct.Status),
		To:     string(to),
		Reason: reason,
	}
	if _, err := s.ledger.Append(ledger.Record{
		CycleID:   cycleID,
		Category:  ledger.CategoryStateTransition,
		AccountID: accountID,
		Payload:   payload,
	}); err != nil {
		return err
	}
	return s.applyAccountStatus(accountID, payload)
}

// RecordMachineTransition ledgers a weekly-cycle state machine transition.
// Machine transitions have no derived-state effect; the record is the state.
func (s *Store) RecordMachineTransition(cycleID, accountID, from, to, reason string) error {
	_, err := s.ledger.Append(ledger.Record{
		CycleID:   cycleID,
		Category:  ledger.CategoryStateTransition,
		AccountID: accountID,
		Payload: ledger.StateTransitionPayload{
			Scope:  "machine",
			From:   from,
			To:     to,
			Reason: reason,
		},
	})
	return err
}

// RecordProtocolEvent ledgers a protocol level change or breaker action and,
// when tied to a position, updates its stored level. Levels are recomputed
// from market data on resume, so replay has no derived effect.
func (s *Store) RecordProtocolEvent(cycleID, accountID, positionID string, p ledger.ProtocolEventPayload) error {
	if _, err := s.ledger.Append(ledger.Record{
		CycleID:    cycleID,
		Category:   ledger.CategoryProtocolEvent,
		AccountID:  accountID,
		PositionID: positionID,
		Payload:    p,
	}); err != nil {
		return err
	}
	if positionID == "" {
		return nil
	}
	return s.Positions.SetLevel(positionID, p.ToLevel)
}

// RecordFailure ledgers an error with enough context for reconstruction.
func (s *Store) RecordFailure(cycleID, accountID, component, reason, context string) error {
	_, err := s.ledger.Append(ledger.Record{
		CycleID:   cycleID,
		Category:  ledger.CategoryFailure,
		AccountID: accountID,
		Payload: ledger.FailurePayload{
			Component: component,
			Reason:    reason,
			Context:   context,
		},
	})
	return err
}

// RecordDecision ledgers a trade decision. Decisions are never re-derived on
// replay; resume picks up after the last one rather than re-deciding.
func (s *Store) RecordDecision(cycleID, accountID string, p ledger.DecisionPayload) error {
	_, err := s.ledger.Append(ledger.Record{
		CycleID:   cycleID,
		Category:  ledger.CategoryDecision,
		AccountID: accountID,
		Payload:   p,
	})
	return err
}

// RecordValidation ledgers the rules verdict for a candidate, approved or not.
func (s *Store) RecordValidation(cycleID, accountID string, p ledger.ValidationPayload) error {
	_, err := s.ledger.Append(ledger.Record{
		CycleID:   cycleID,
		Category:  ledger.CategoryValidation,
		AccountID: accountID,
		Payload:   p,
	})
	return err
}

// RecordAdvisory ledgers a read-only advisory observation. Advisories never
// gate a decision.
func (s *Store) RecordAdvisory(cycleID, accountID string, p ledger.AdvisoryPayload) error {
	_, err := s.ledger.Append(ledger.Record{
		CycleID:   cycleID,
		Category:  ledger.CategoryAdvisory,
		AccountID: accountID,
		Payload:   p,
	})
	return err
}

// ClassifyWeek ledgers and stores the week type decided at RECONCILING.
func (s *Store) ClassifyWeek(cycleID, accountID string, isoYear, isoWeek int, weekType domain.WeekType, triggers []string) error {
	payload := ledger.WeekClassificationPayload{
		ISOYear:  isoYear,
		ISOWeek:  isoWeek,
		WeekType: string(weekType),
		Triggers: triggers,
	}
	if _, err := s.ledger.Append(ledger.Record{
		CycleID:   cycleID,
		Category:  ledger.CategoryWeekClassification,
		AccountID: accountID,
		Payload:   payload,
	}); err != nil {
		return err
	}
	return s.applyWeekClassification(accountID, payload)
}

// WeekType returns the stored classification for an account week, if any.
func (s *Store) WeekType(accountID string, isoYear, isoWeek int) (domain.WeekType, bool, error) {
	row := s.db.QueryRow(`
		SELECT week_type FROM week_classifications
		WHERE account_id = ? AND iso_year = ? AND iso_week = ?`, accountID, isoYear, isoWeek)

	var wt string
	err := row.Scan(&wt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read week classification: %w", err)
	}
	return domain.WeekType(wt), true, nil
}

// Rebuild clears all derived tables and replays the full ledger through the
// apply path. Given the same ledger prefix, the rebuilt tables are identical
// to the ones the live path produced.
func (s *Store) Rebuild() error {
	return s.RebuildTo(s.ledger.LastSeq())
}

// RebuildTo replays the ledger only up to and including the given sequence
// number. Offline inspection uses it to reconstruct the state as of any
// historical point.
func (s *Store) RebuildTo(until int64) error {
	if err := s.Accounts.Clear(); err != nil {
		return fmt.Errorf("failed to clear accounts: %w", err)
	}
	if err := s.Positions.Clear(); err != nil {
		return fmt.Errorf("failed to clear positions: %w", err)
	}
	if err := s.Orders.Clear(); err != nil {
		return fmt.Errorf("failed to clear orders: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM week_classifications`); err != nil {
		return fmt.Errorf("failed to clear week classifications: %w", err)
	}

	entries, err := s.ledger.ReadRange(0, until)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := s.applyEntry(e); err != nil {
			return fmt.Errorf("replay failed at seq %d: %w", e.Seq, err)
		}
	}

	accounts, err := s.Accounts.All()
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if err := s.VerifyAccountInvariants(a.ID); err != nil {
			return err
		}
	}

	s.log.Info().Int("entries", len(entries)).Int("accounts", len(accounts)).Msg("Derived state rebuilt from ledger")
	return nil
}

// applyEntry routes a replayed ledger entry to its apply function.
func (s *Store) applyEntry(e ledger.Entry) error {
	switch e.Category {
	case ledger.CategoryFill:
		var p ledger.FillPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		return s.applyFill(e.TS, e.AccountID, e.PositionID, p)

	case ledger.CategoryOrderEvent:
		var p ledger.OrderEventPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		return s.applyOrderEvent(e.TS, e.OrderID, e.AccountID, e.PositionID, p)

	case ledger.CategoryFork:
		var p ledger.ForkPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		return s.applyFork(e.TS, e.AccountID, p)

	case ledger.CategoryMerge:
		var p ledger.ForkPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		return s.applyMerge(e.AccountID, p)

	case ledger.CategoryReinvestment:
		var p ledger.ReinvestmentPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		return s.applyReinvest(e.AccountID, p)

	case ledger.CategoryStateTransition:
		var p ledger.StateTransitionPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if p.Scope == "account" {
			return s.applyAccountStatus(e.AccountID, p)
		}
		return nil

	case ledger.CategoryWeekClassification:
		var p ledger.WeekClassificationPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		return s.applyWeekClassification(e.AccountID, p)

	default:
		// Decisions, validations, protocol events, advisories, and failures
		// carry no derived-state effect.
		return nil
	}
}

func (s *Store) applyOrderEvent(ts time.Time, clientID, accountID, positionID string, p ledger.OrderEventPayload) error {
	expiry, _ := time.Parse("2006-01-02", p.Expiry)

	existing, err := s.Orders.Get(clientID)
	if err != nil {
		return err
	}
	createdAt := ts
	if existing != nil {
		createdAt = existing.CreatedAt
	}

	return s.Orders.Save(&domain.Order{
		ClientID:      clientID,
		AccountID:     accountID,
		PositionID:    positionID,
		Intent:        domain.OrderIntent(p.Intent),
		LegKind:       domain.PositionKind(p.LegKind),
		Symbol:        p.Symbol,
		Expiry:        expiry,
		Strike:        p.Strike,
		Quantity:      p.Quantity,
		LimitPrice:    p.Limit,
		ReferenceMid:  p.ReferenceMid,
		BrokerID:      p.BrokerID,
		Status:        domain.OrderStatus(p.Status),
		FilledQty:     p.FilledQty,
		FillPrice:     p.FillPrice,
		Version:       p.Version,
		ParentOrderID: p.ParentOrderID,
		CreatedAt:     createdAt,
		LastUpdatedAt: ts,
	})
}

func (s *Store) applyFill(ts time.Time, accountID, positionID string, p ledger.FillPayload) error {
	acct, err := s.Accounts.Get(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("fill for unknown account %s", accountID)
	}

	qty := p.Quantity
	cashDelta := p.Credit * 100 * float64(qty)
	intent := domain.OrderIntent(p.Intent)

	switch {
	case isOpening(intent):
		expiry, _ := time.Parse("2006-01-02", p.Expiry)
		signedQty := qty
		if intent == domain.IntentOpenCSP || intent == domain.IntentOpenCC {
			signedQty = -qty // short legs
		}
		pos := &domain.Position{
			ID:            positionID,
			AccountID:     accountID,
			Symbol:        p.Symbol,
			Kind:          domain.PositionKind(p.Kind),
			Strike:        p.Strike,
			Expiry:        expiry,
			Quantity:      signedQty,
			OpeningCredit: p.Credit,
			Delta:         p.Delta,
			Status:        domain.PositionOpen,
			OpenedAt:      ts,
		}
		if err := s.Positions.Save(pos); err != nil {
			return err
		}
		acct.Cash += cashDelta
		if pos.Kind == domain.LegCSP {
			acct.ReservedCash += pos.Collateral()
		}
		// LEAP buys draw down the ladder pool; hedge legs bought outside it
		// just floor the pool at zero.
		if pos.Kind == domain.LegLEAPCall || pos.Kind == domain.LegLEAPPut {
			acct.LEAPBudget += cashDelta
			if acct.LEAPBudget < 0 {
				acct.LEAPBudget = 0
			}
		}

	default: // closes, rolls are emitted as close+open fill pairs
		pos, err := s.Positions.Get(positionID)
		if err != nil {
			return err
		}
		if pos == nil {
			return fmt.Errorf("fill for unknown position %s", positionID)
		}

		if p.Assignment {
			if err := s.applyAssignment(ts, acct, pos, p); err != nil {
				return err
			}
		} else {
			closed := ts
			pos.Status = domain.PositionClosed
			pos.ClosedAt = &closed
			if err := s.Positions.Save(pos); err != nil {
				return err
			}

			acct.Cash += cashDelta
			if pos.Kind == domain.LegCSP {
				acct.ReservedCash -= pos.Collateral()
			}
			realized := (pos.OpeningCredit + p.Credit) * 100 * float64(abs(pos.Quantity))
			acct.RealizedPL += realized
			acct.QuarterPL += realized
		}
	}

	return s.Accounts.Save(acct)
}

// applyAssignment converts an assigned short leg into its share effects.
// CSP assignment buys shares at the strike out of the reserved collateral;
// CC assignment delivers held shares at the strike.
func (s *Store) applyAssignment(ts time.Time, acct *domain.Account, pos *domain.Position, p ledger.FillPayload) error {
	closed := ts
	pos.Status = domain.PositionAssigned
	pos.ClosedAt = &closed
	if err := s.Positions.Save(pos); err != nil {
		return err
	}

	contracts := abs(pos.Quantity)
	shares := 100 * contracts
	notional := pos.Strike * float64(shares)

	switch pos.Kind {
	case domain.LegCSP:
		acct.ReservedCash -= pos.Collateral()
		acct.Cash -= notional
		// Basis is the strike; the opening credit was realized when received.
		sharesPos := &domain.Position{
			ID:        pos.ID + ":shares",
			AccountID: acct.ID,
			Symbol:    pos.Symbol,
			Kind:      domain.LegLongShares,
			Strike:    pos.Strike,
			Quantity:  shares,
			Status:    domain.PositionOpen,
			OpenedAt:  ts,
		}
		if err := s.Positions.Save(sharesPos); err != nil {
			return err
		}
		realized := pos.OpeningCredit * 100 * float64(contracts)
		acct.RealizedPL += realized
		acct.QuarterPL += realized

	case domain.LegCC:
		acct.Cash += notional
		realized := pos.OpeningCredit * 100 * float64(contracts)

		held, err := s.Positions.OpenByAccount(acct.ID)
		if err != nil {
			return err
		}
		remaining := shares
		for i := range held {
			h := held[i]
			if h.Kind != domain.LegLongShares || h.Symbol != pos.Symbol || remaining == 0 {
				continue
			}
			take := h.Quantity
			if take > remaining {
				take = remaining
			}
			realized += (pos.Strike - h.Strike) * float64(take)
			h.Quantity -= take
			remaining -= take
			if h.Quantity == 0 {
				h.Status = domain.PositionClosed
				h.ClosedAt = &closed
			}
			if err := s.Positions.Save(&h); err != nil {
				return err
			}
		}
		acct.RealizedPL += realized
		acct.QuarterPL += realized
	}

	return nil
}

func (s *Store) applyFork(ts time.Time, accountID string, p ledger.ForkPayload) error {
	if p.Compensating {
		return s.applyForkCompensation(accountID, p)
	}

	// Child side: create the account.
	if accountID == p.ChildID {
		return s.Accounts.Save(&domain.Account{
			ID:             p.ChildID,
			Kind:           domain.AccountKind(p.Kind),
			ParentID:       p.ParentID,
			GenealogyPath:  p.Genealogy,
			OpeningCapital: p.Amount,
			Cash:           p.Amount,
			Status:         domain.AccountActive,
			CreatedAt:      ts,
		})
	}

	// Parent side: debit the fork amount and advance the fork base.
	acct, err := s.Accounts.Get(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("fork debit for unknown account %s", accountID)
	}
	acct.Cash -= p.Amount
	acct.ForkBase += p.Amount
	acct.ForkCount++
	return s.Accounts.Save(acct)
}

func (s *Store) applyForkCompensation(accountID string, p ledger.ForkPayload) error {
	acct, err := s.Accounts.Get(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return nil
	}

	if accountID == p.ChildID {
		acct.Cash -= p.Amount
		acct.Status = domain.AccountClosed
	} else {
		acct.Cash += p.Amount
		acct.ForkBase -= p.Amount
		acct.ForkCount--
	}
	return s.Accounts.Save(acct)
}

func (s *Store) applyMerge(accountID string, p ledger.ForkPayload) error {
	acct, err := s.Accounts.Get(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("merge entry for unknown account %s", accountID)
	}

	if accountID == p.ChildID {
		acct.Cash -= p.Amount
		acct.Status = domain.AccountClosed
	} else {
		acct.Cash += p.Amount
	}
	return s.Accounts.Save(acct)
}

func (s *Store) applyReinvest(accountID string, p ledger.ReinvestmentPayload) error {
	acct, err := s.Accounts.Get(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("reinvestment for unknown account %s", accountID)
	}

	acct.TaxReserve += p.TaxReserved
	acct.ContractsBudget += p.ContractsPool
	acct.LEAPBudget += p.LEAPPool
	acct.QuarterPL = 0
	return s.Accounts.Save(acct)
}

func (s *Store) applyAccountStatus(accountID string, p ledger.StateTransitionPayload) error {
	acct, err := s.Accounts.Get(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("status change for unknown account %s", accountID)
	}
	acct.Status = domain.AccountStatus(p.To)
	return s.Accounts.Save(acct)
}

func (s *Store) applyWeekClassification(accountID string, p ledger.WeekClassificationPayload) error {
	triggers := ""
	for i, t := range p.Triggers {
		if i > 0 {
			triggers += ","
		}
		triggers += t
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO week_classifications
		(account_id, iso_year, iso_week, week_type, triggers, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, p.ISOYear, p.ISOWeek, p.WeekType, triggers, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store week classification: %w", err)
	}
	return nil
}

func creditIntent(intent domain.OrderIntent) bool {
	switch intent {
	case domain.IntentOpenCSP, domain.IntentOpenCC, domain.IntentCloseLEAP:
		return true
	default:
		return false
	}
}

func isOpening(intent domain.OrderIntent) bool {
	switch intent {
	case domain.IntentOpenCSP, domain.IntentOpenCC, domain.IntentOpenLEAP:
		return true
	default:
		return false
	}
}

func legKind(intent domain.OrderIntent) domain.PositionKind {
	switch intent {
	case domain.IntentOpenCSP, domain.IntentCloseCSP, domain.IntentRollCSP:
		return domain.LegCSP
	case domain.IntentOpenCC, domain.IntentCloseCC, domain.IntentRollCC:
		return domain.LegCC
	default:
		return domain.LegLEAPCall
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
