package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/ledger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1) // one connection, one in-memory database
	t.Cleanup(func() { db.Close() })

	ddl := []string{
		`CREATE TABLE ledger_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT, ts INTEGER NOT NULL,
			cycle_id TEXT NOT NULL, category TEXT NOT NULL,
			account_id TEXT, position_id TEXT, order_id TEXT,
			payload BLOB NOT NULL, prev_hash TEXT NOT NULL, hash TEXT NOT NULL)`,
		`CREATE TABLE ledger_snapshots (
			id TEXT PRIMARY KEY, seq INTEGER NOT NULL,
			state_hash TEXT NOT NULL, created_at INTEGER NOT NULL)`,
		`CREATE TABLE accounts (
			id TEXT PRIMARY KEY, kind TEXT NOT NULL, parent_id TEXT,
			genealogy_path TEXT NOT NULL, opening_capital REAL NOT NULL,
			cash REAL NOT NULL, reserved_cash REAL NOT NULL DEFAULT 0,
			tax_reserve REAL NOT NULL DEFAULT 0, contracts_budget REAL NOT NULL DEFAULT 0,
			leap_budget REAL NOT NULL DEFAULT 0, status TEXT NOT NULL,
			realized_pl REAL NOT NULL DEFAULT 0, quarter_pl REAL NOT NULL DEFAULT 0,
			fork_base REAL NOT NULL DEFAULT 0, fork_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL)`,
		`CREATE TABLE positions (
			id TEXT PRIMARY KEY, account_id TEXT NOT NULL, symbol TEXT NOT NULL,
			kind TEXT NOT NULL, strike REAL NOT NULL, expiry INTEGER NOT NULL,
			quantity INTEGER NOT NULL, opening_credit REAL NOT NULL,
			current_mark REAL NOT NULL DEFAULT 0, delta REAL NOT NULL DEFAULT 0,
			entry_level INTEGER NOT NULL DEFAULT 0, current_level INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL, opened_at INTEGER NOT NULL, closed_at INTEGER)`,
		`CREATE TABLE orders (
			client_id TEXT PRIMARY KEY, account_id TEXT NOT NULL, position_id TEXT,
			intent TEXT NOT NULL, leg_kind TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL, expiry INTEGER NOT NULL,
			strike REAL NOT NULL, quantity INTEGER NOT NULL,
			limit_price REAL NOT NULL, reference_mid REAL NOT NULL,
			broker_id TEXT, status TEXT NOT NULL,
			filled_qty INTEGER NOT NULL DEFAULT 0, fill_price REAL NOT NULL DEFAULT 0,
			version INTEGER NOT NULL, parent_order_id TEXT,
			created_at INTEGER NOT NULL, last_updated_at INTEGER NOT NULL)`,
		`CREATE TABLE week_classifications (
			account_id TEXT NOT NULL, iso_year INTEGER NOT NULL, iso_week INTEGER NOT NULL,
			week_type TEXT NOT NULL, triggers TEXT NOT NULL, created_at INTEGER NOT NULL,
			PRIMARY KEY (account_id, iso_year, iso_week))`,
	}
	for _, stmt := range ddl {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	l, err := ledger.New(db, zerolog.Nop())
	require.NoError(t, err)
	return New(db, l, zerolog.Nop())
}

var expiry = time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

func cspOrder(account string, qty int) domain.Order {
	return domain.Order{
		ClientID:     domain.ClientOrderID(account, domain.IntentOpenCSP, "AAPL", expiry, 178, 1),
		AccountID:    account,
		Intent:       domain.IntentOpenCSP,
		Symbol:       "AAPL",
		Expiry:       expiry,
		Strike:       178,
		Quantity:     qty,
		LimitPrice:   0.80,
		ReferenceMid: 0.80,
		Status:       domain.OrderFilled,
		Version:      1,
	}
}

func TestApplyFill_OpenCSPReservesCollateral(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRootAccount("c1", domain.KindGenerator, "gen-1", 120000))

	err := s.ApplyFill("c1", Fill{
		Order:      cspOrder("gen-1", 6),
		PositionID: "p1",
		Price:      0.80,
		Quantity:   6,
		Delta:      0.42,
	})
	require.NoError(t, err)

	acct, err := s.Accounts.Get("gen-1")
	require.NoError(t, err)
	assert.InDelta(t, 120000+480, acct.Cash, 0.001)           // 6 contracts x 0.80 x 100 credit
	assert.InDelta(t, 6*178*100, acct.ReservedCash, 0.001)    // 106,800 collateral

	pos, err := s.Positions.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.Equal(t, -6, pos.Quantity)
	assert.InDelta(t, 0.80, pos.OpeningCredit, 0.001)
}

func TestApplyFill_CloseRealizesPL(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRootAccount("c1", domain.KindGenerator, "gen-1", 120000))
	require.NoError(t, s.ApplyFill("c1", Fill{Order: cspOrder("gen-1", 6), PositionID: "p1", Price: 0.80, Quantity: 6}))

	closeOrd := cspOrder("gen-1", 6)
	closeOrd.Intent = domain.IntentCloseCSP
	err := s.ApplyFill("c1", Fill{Order: closeOrd, PositionID: "p1", Price: 0.20, Quantity: 6})
	require.NoError(t, err)

	acct, _ := s.Accounts.Get("gen-1")
	assert.InDelta(t, 0, acct.ReservedCash, 0.001)
	assert.InDelta(t, (0.80-0.20)*100*6, acct.RealizedPL, 0.001)
	assert.InDelta(t, acct.RealizedPL, acct.QuarterPL, 0.001)

	pos, _ := s.Positions.Get("p1")
	assert.Equal(t, domain.PositionClosed, pos.Status)
	require.NotNil(t, pos.ClosedAt)
}

func TestApplyFill_CSPAssignmentConvertsToShares(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRootAccount("c1", domain.KindGenerator, "gen-1", 120000))
	require.NoError(t, s.ApplyFill("c1", Fill{Order: cspOrder("gen-1", 6), PositionID: "p1", Price: 0.80, Quantity: 6}))

	closeOrd := cspOrder("gen-1", 6)
	closeOrd.Intent = domain.IntentCloseCSP
	err := s.ApplyFill("c1", Fill{Order: closeOrd, PositionID: "p1", Price: 0, Quantity: 6, Assignment: true})
	require.NoError(t, err)

	acct, _ := s.Accounts.Get("gen-1")
	assert.InDelta(t, 0, acct.ReservedCash, 0.001)
	// Opening credit retained, collateral spent on shares.
	assert.InDelta(t, 120000+480-6*178*100, acct.Cash, 0.001)

	shares, err := s.Positions.Get("p1:shares")
	require.NoError(t, err)
	require.NotNil(t, shares)
	assert.Equal(t, domain.LegLongShares, shares.Kind)
	assert.Equal(t, 600, shares.Quantity)

	pos, _ := s.Positions.Get("p1")
	assert.Equal(t, domain.PositionAssigned, pos.Status)
}

func TestApplyFill_CCAssignmentDeliversShares(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRootAccount("c1", domain.KindCompounder, "com-1", 200000))

	// Seed held shares with a basis of 170.
	require.NoError(t, s.Positions.Save(&domain.Position{
		ID: "sh1", AccountID: "com-1", Symbol: "AAPL", Kind: domain.LegLongShares,
		Strike: 170, Quantity: 600, Status: domain.PositionOpen, OpenedAt: time.Now(),
	}))

	ccOrd := domain.Order{
		ClientID:  domain.ClientOrderID("com-1", domain.IntentOpenCC, "AAPL", expiry, 185, 1),
		AccountID: "com-1", Intent: domain.IntentOpenCC, Symbol: "AAPL",
		Expiry: expiry, Strike: 185, Quantity: 3, Status: domain.OrderFilled, Version: 1,
	}
	require.NoError(t, s.ApplyFill("c1", Fill{Order: ccOrd, PositionID: "cc1", Price: 1.10, Quantity: 3}))

	closeOrd := ccOrd
	closeOrd.Intent = domain.IntentCloseCC
	require.NoError(t, s.ApplyFill("c1", Fill{Order: closeOrd, PositionID: "cc1", Price: 0, Quantity: 3, Assignment: true}))

	acct, _ := s.Accounts.Get("com-1")
	// Premium 330 + delivery proceeds 185*300, share gain realized at (185-170)*300.
	assert.InDelta(t, 200000+330+185*300, acct.Cash, 0.001)
	assert.InDelta(t, 330+15*300, acct.RealizedPL, 0.001)

	shares, _ := s.Positions.Get("sh1")
	assert.Equal(t, 300, shares.Quantity)
}

func TestFork_AtomicDebitAndCredit(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRootAccount("c1", domain.KindGenerator, "gen-1", 120000))

	// Give the generator realized gains past the fork threshold.
	acct, _ := s.Accounts.Get("gen-1")
	acct.RealizedPL = 110000
	acct.Cash = 230000
	require.NoError(t, s.Accounts.Save(acct))

	err := s.Fork("c2", "gen-1", "mini-1", domain.KindMiniCompound, 100000, "gen-1/mini-1")
	require.NoError(t, err)

	parent, _ := s.Accounts.Get("gen-1")
	assert.InDelta(t, 130000, parent.Cash, 0.001)
	assert.InDelta(t, 100000, parent.ForkBase, 0.001)
	assert.Equal(t, 1, parent.ForkCount)

	child, _ := s.Accounts.Get("mini-1")
	require.NotNil(t, child)
	assert.Equal(t, domain.KindMiniCompound, child.Kind)
	assert.Equal(t, "gen-1", child.ParentID)
	assert.InDelta(t, 100000, child.Cash, 0.001)
	assert.InDelta(t, 100000, child.OpeningCapital, 0.001)
}

func TestFork_ChildCapitalOverGainsViolatesInvariant(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRootAccount("c1", domain.KindGenerator, "gen-1", 120000))

	acct, _ := s.Accounts.Get("gen-1")
	acct.RealizedPL = 50000 // below the child's opening capital
	acct.Cash = 230000
	require.NoError(t, s.Accounts.Save(acct))

	err := s.Fork("c2", "gen-1", "mini-1", domain.KindMiniCompound, 100000, "gen-1/mini-1")
	assert.ErrorIs(t, err, domain.ErrInvariantViolated)
}

func TestCompensateFork_ReversesBothSides(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRootAccount("c1", domain.KindGenerator, "gen-1", 120000))
	acct, _ := s.Accounts.Get("gen-1")
	acct.RealizedPL = 110000
	acct.Cash = 230000
	require.NoError(t, s.Accounts.Save(acct))
	require.NoError(t, s.Fork("c2", "gen-1", "mini-1", domain.KindMiniCompound, 100000, "gen-1/mini-1"))

	require.NoError(t, s.CompensateFork("c2", "gen-1", "mini-1", 100000))

	parent, _ := s.Accounts.Get("gen-1")
	assert.InDelta(t, 230000, parent.Cash, 0.001)
	assert.Equal(t, 0, parent.ForkCount)

	child, _ := s.Accounts.Get("mini-1")
	assert.Equal(t, domain.AccountClosed, child.Status)
	assert.InDelta(t, 0, child.Cash, 0.001)
}

func TestMerge_TransfersBalanceToRoot(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRootAccount("c1", domain.KindCompounder, "com-1", 200000))
	require.NoError(t, s.CreateRootAccount("c1", domain.KindMiniCompound, "mini-1", 100000))

	require.NoError(t, s.Merge("c3", "com-1", "mini-1", 100000))

	root, _ := s.Accounts.Get("com-1")
	assert.InDelta(t, 300000, root.Cash, 0.001)

	child, _ := s.Accounts.Get("mini-1")
	assert.Equal(t, domain.AccountClosed, child.Status)
	assert.InDelta(t, 0, child.Cash, 0.001)
}

func TestReinvest_UpdatesBudgetsAndResetsQuarter(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRootAccount("c1", domain.KindRevenue, "rev-1", 150000))
	acct, _ := s.Accounts.Get("rev-1")
	acct.QuarterPL = 10000
	require.NoError(t, s.Accounts.Save(acct))

	err := s.Reinvest("c4", "rev-1", ledger.ReinvestmentPayload{
		Quarter:       "2026-Q3",
		RealizedGain:  10000,
		TaxReserved:   3000,
		ContractsPool: 5250,
		LEAPPool:      1750,
	})
	require.NoError(t, err)

	acct, _ = s.Accounts.Get("rev-1")
	assert.InDelta(t, 3000, acct.TaxReserve, 0.001)
	assert.InDelta(t, 5250, acct.ContractsBudget, 0.001)
	assert.InDelta(t, 1750, acct.LEAPBudget, 0.001)
	assert.InDelta(t, 0, acct.QuarterPL, 0.001)
}

func TestInvariant_DuplicateLiveBaseID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRootAccount("c1", domain.KindGenerator, "gen-1", 120000))

	v1 := cspOrder("gen-1", 6)
	v1.Status = domain.OrderWorking
	require.NoError(t, s.Orders.Save(&v1))

	v2 := cspOrder("gen-1", 6)
	v2.ClientID = domain.ClientOrderID("gen-1", domain.IntentOpenCSP, "AAPL", expiry, 178, 2)
	v2.Version = 2
	v2.Status = domain.OrderWorking
	require.NoError(t, s.Orders.Save(&v2))

	err := s.VerifyAccountInvariants("gen-1")
	assert.ErrorIs(t, err, domain.ErrInvariantViolated)
}

func TestRebuild_ReplaysToIdenticalState(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRootAccount("c1", domain.KindGenerator, "gen-1", 120000))

	ord := cspOrder("gen-1", 6)
	ord.Status = domain.OrderWorking
	require.NoError(t, s.RecordOrderEvent("c1", ord, ""))
	ord.Status = domain.OrderFilled
	ord.FilledQty = 6
	ord.FillPrice = 0.80
	require.NoError(t, s.RecordOrderEvent("c1", ord, ""))
	require.NoError(t, s.ApplyFill("c1", Fill{Order: ord, PositionID: "p1", Price: 0.80, Quantity: 6, Delta: 0.42}))
	require.NoError(t, s.ClassifyWeek("c1", "gen-1", 2026, 35, domain.WeekCalmIncome, []string{"no_escalation"}))

	before, err := s.Accounts.Get("gen-1")
	require.NoError(t, err)

	require.NoError(t, s.Rebuild())

	after, err := s.Accounts.Get("gen-1")
	require.NoError(t, err)
	assert.InDelta(t, before.Cash, after.Cash, 0.001)
	assert.InDelta(t, before.ReservedCash, after.ReservedCash, 0.001)
	assert.Equal(t, before.Status, after.Status)

	pos, err := s.Positions.Get("p1")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.Equal(t, -6, pos.Quantity)

	replayed, err := s.Orders.Get(ord.ClientID)
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.Equal(t, domain.OrderFilled, replayed.Status)

	wt, ok, err := s.WeekType("gen-1", 2026, 35)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.WeekCalmIncome, wt)
}
