package forks

import (
	"testing"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/config"
	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/events"
	"github.com/alluse/engine/internal/ledger"
	"github.com/alluse/engine/internal/store"
	testhelpers "github.com/alluse/engine/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	m      *Manager
	st     *store.Store
	l      *ledger.Ledger
	forked []*events.ForkCompletedData
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()

	stateDB := testhelpers.NewTestDB(t, "state")
	ledgerDB := testhelpers.NewTestDB(t, "ledger")

	l, err := ledger.New(ledgerDB.Conn(), zerolog.Nop())
	require.NoError(t, err)
	st := store.New(stateDB.Conn(), l, zerolog.Nop())

	cfg := &config.Config{
		ForkThresholdGen: 100_000,
		ForkThresholdRev: 500_000,
	}

	f := &fixture{st: st, l: l}
	bus := events.NewBus(zerolog.Nop())
	bus.Subscribe(events.ForkCompleted, func(ev events.Event) {
		f.forked = append(f.forked, ev.Data.(*events.ForkCompletedData))
	})
	f.m = NewManager(st, bus, clock.FixedClock{T: now}, cfg, zerolog.Nop())
	return f
}

// seedAccount creates a root account and books gain realized into cash, the
// way closed premium lands on a real sleeve.
func (f *fixture) seedAccount(t *testing.T, kind domain.AccountKind, id string, capital, gain float64) {
	t.Helper()
	require.NoError(t, f.st.CreateRootAccount("c0", kind, id, capital))
	acct, err := f.st.Accounts.Get(id)
	require.NoError(t, err)
	acct.RealizedPL = gain
	acct.Cash += gain
	require.NoError(t, f.st.Accounts.Save(acct))
}

// seedMini carves a MiniCompound off an existing parent.
func (f *fixture) seedMini(t *testing.T, parentID, childID string, amount float64) {
	t.Helper()
	parent, err := f.st.Accounts.Get(parentID)
	require.NoError(t, err)
	require.NoError(t, f.st.Fork("c0", parentID, childID, domain.KindMiniCompound,
		amount, parent.GenealogyPath+"/"+childID))
}

func (f *fixture) fillLeg(t *testing.T, accountID, posID string, intent domain.OrderIntent,
	kind domain.PositionKind, symbol string, strike, price float64, qty int, expiry time.Time) {
	t.Helper()
	o := domain.Order{
		ClientID:  domain.ClientOrderID(accountID, intent, symbol, expiry, strike, 1),
		AccountID: accountID,
		Intent:    intent,
		LegKind:   kind,
		Symbol:    symbol,
		Expiry:    expiry,
		Strike:    strike,
		Status:    domain.OrderFilled,
		Version:   1,
	}
	require.NoError(t, f.st.ApplyFill("c0", store.Fill{
		Order:      o,
		PositionID: posID,
		Kind:       kind,
		Price:      price,
		Quantity:   qty,
		Delta:      0.40,
	}))
}

func TestEvaluate_GeneratorForksPerThresholdIncrement(t *testing.T) {
	f := newFixture(t, time.Date(2026, 8, 28, 16, 30, 0, 0, time.UTC))
	f.seedAccount(t, domain.KindGenerator, "gen", 100_000, 250_000)

	require.NoError(t, f.m.Evaluate("c1", "gen"))

	parent, err := f.st.Accounts.Get("gen")
	require.NoError(t, err)
	assert.InDelta(t, 150_000, parent.Cash, 0.01)
	assert.InDelta(t, 200_000, parent.ForkBase, 0.01)
	assert.Equal(t, 2, parent.ForkCount)
	assert.InDelta(t, 50_000, parent.RealizedGainSinceBase(), 0.01, "residual below threshold rides")

	for i, childID := range []string{"gen-mc1", "gen-mc2"} {
		child, err := f.st.Accounts.Get(childID)
		require.NoError(t, err)
		require.NotNil(t, child, "child %d missing", i+1)
		assert.Equal(t, domain.KindMiniCompound, child.Kind)
		assert.Equal(t, domain.AccountActive, child.Status)
		assert.Equal(t, "gen", child.ParentID)
		assert.Equal(t, "gen/"+childID, child.GenealogyPath)
		assert.InDelta(t, 100_000, child.Cash, 0.01)
		assert.InDelta(t, 100_000, child.OpeningCapital, 0.01)
	}

	require.Len(t, f.forked, 2)
	assert.Equal(t, "gen-mc1", f.forked[0].ChildID)
	assert.Equal(t, "gen-mc2", f.forked[1].ChildID)
	for _, ev := range f.forked {
		assert.Equal(t, "gen", ev.ParentID)
		assert.InDelta(t, 100_000, ev.Amount, 0.01)
		assert.False(t, ev.Merge)
	}
}

func TestEvaluate_GeneratorForksAtExactThreshold(t *testing.T) {
	f := newFixture(t, time.Date(2026, 8, 28, 16, 30, 0, 0, time.UTC))
	f.seedAccount(t, domain.KindGenerator, "gen", 100_000, 100_000)

	require.NoError(t, f.m.Evaluate("c1", "gen"))

	parent, err := f.st.Accounts.Get("gen")
	require.NoError(t, err)
	assert.Equal(t, 1, parent.ForkCount)
	assert.Zero(t, parent.RealizedGainSinceBase())

	child, err := f.st.Accounts.Get("gen-mc1")
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.InDelta(t, 100_000, child.Cash, 0.01)
}

func TestEvaluate_GeneratorBelowThresholdIsNoOp(t *testing.T) {
	f := newFixture(t, time.Date(2026, 8, 28, 16, 30, 0, 0, time.UTC))
	f.seedAccount(t, domain.KindGenerator, "gen", 100_000, 60_000)

	before := f.l.LastSeq()
	require.NoError(t, f.m.Evaluate("c1", "gen"))

	assert.Equal(t, before, f.l.LastSeq(), "no ledger entries below threshold")
	assert.Empty(t, f.forked)

	parent, err := f.st.Accounts.Get("gen")
	require.NoError(t, err)
	assert.Zero(t, parent.ForkCount)
}

func TestEvaluate_PausedGeneratorDoesNotFork(t *testing.T) {
	f := newFixture(t, time.Date(2026, 8, 28, 16, 30, 0, 0, time.UTC))
	f.seedAccount(t, domain.KindGenerator, "gen", 100_000, 250_000)

	acct, err := f.st.Accounts.Get("gen")
	require.NoError(t, err)
	acct.Status = domain.AccountPaused
	require.NoError(t, f.st.Accounts.Save(acct))

	require.NoError(t, f.m.Evaluate("c1", "gen"))

	assert.Empty(t, f.forked)
	parent, err := f.st.Accounts.Get("gen")
	require.NoError(t, err)
	assert.Zero(t, parent.ForkCount)
	assert.InDelta(t, 350_000, parent.Cash, 0.01)
}

func TestEvaluate_RevenueForksSleeveTriad(t *testing.T) {
	f := newFixture(t, time.Date(2026, 8, 28, 16, 30, 0, 0, time.UTC))
	f.seedAccount(t, domain.KindRevenue, "rev", 200_000, 500_000)

	require.NoError(t, f.m.Evaluate("c1", "rev"))

	parent, err := f.st.Accounts.Get("rev")
	require.NoError(t, err)
	assert.InDelta(t, 200_000, parent.Cash, 0.01)
	assert.InDelta(t, 500_000, parent.ForkBase, 0.01)
	assert.Equal(t, 1, parent.ForkCount)

	root, err := f.st.Accounts.Get("rev-root1")
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, domain.KindForkedRoot, root.Kind)
	assert.Equal(t, "rev/rev-root1", root.GenealogyPath)
	assert.InDelta(t, 0, root.Cash, 0.01, "root capital fully carved into the triad")
	assert.Equal(t, 3, root.ForkCount)

	triad := []struct {
		id     string
		kind   domain.AccountKind
		amount float64
	}{
		{"rev-root1-gen", domain.KindGenerator, 200_000},
		{"rev-root1-rev", domain.KindRevenue, 150_000},
		{"rev-root1-com", domain.KindCompounder, 150_000},
	}
	for _, want := range triad {
		child, err := f.st.Accounts.Get(want.id)
		require.NoError(t, err)
		require.NotNil(t, child, "triad sleeve %s missing", want.id)
		assert.Equal(t, want.kind, child.Kind)
		assert.Equal(t, "rev-root1", child.ParentID)
		assert.Equal(t, "rev/rev-root1/"+want.id, child.GenealogyPath)
		assert.InDelta(t, want.amount, child.Cash, 0.01)
		assert.Equal(t, domain.AccountActive, child.Status)
	}

	require.Len(t, f.forked, 1)
	assert.Equal(t, "rev", f.forked[0].ParentID)
	assert.Equal(t, "rev-root1", f.forked[0].ChildID)
	assert.InDelta(t, 500_000, f.forked[0].Amount, 0.01)
	assert.False(t, f.forked[0].Merge)
}

func TestEvaluate_CompounderNeverForks(t *testing.T) {
	f := newFixture(t, time.Date(2026, 8, 28, 16, 30, 0, 0, time.UTC))
	f.seedAccount(t, domain.KindCompounder, "com", 100_000, 1_000_000)

	before := f.l.LastSeq()
	require.NoError(t, f.m.Evaluate("c1", "com"))

	assert.Equal(t, before, f.l.LastSeq())
	assert.Empty(t, f.forked)
}

func TestEvaluate_MiniBelowCapsUntouched(t *testing.T) {
	f := newFixture(t, time.Date(2026, 8, 28, 16, 30, 0, 0, time.UTC))
	f.seedAccount(t, domain.KindGenerator, "gen", 100_000, 0)
	f.seedMini(t, "gen", "gen-mc1", 100_000)

	mini, err := f.st.Accounts.Get("gen-mc1")
	require.NoError(t, err)
	mini.Cash = 290_000 // just under the 3x multiple
	mini.CreatedAt = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.st.Accounts.Save(mini))

	before := f.l.LastSeq()
	require.NoError(t, f.m.Evaluate("c1", "gen-mc1"))

	assert.Equal(t, before, f.l.LastSeq())
	assert.Empty(t, f.forked)

	mini, err = f.st.Accounts.Get("gen-mc1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountActive, mini.Status)
}

func TestEvaluate_MiniMultipleCapDrainsThenMerges(t *testing.T) {
	f := newFixture(t, time.Date(2026, 8, 28, 16, 30, 0, 0, time.UTC))
	f.seedAccount(t, domain.KindGenerator, "gen", 100_000, 0)
	f.seedAccount(t, domain.KindCompounder, "com", 90_000, 0)
	f.seedMini(t, "gen", "gen-mc1", 100_000)

	mini, err := f.st.Accounts.Get("gen-mc1")
	require.NoError(t, err)
	mini.Cash = 305_000
	require.NoError(t, f.st.Accounts.Save(mini))

	expiry := time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC)
	f.fillLeg(t, "gen-mc1", "p1", domain.IntentOpenCSP, domain.LegCSP, "AAPL", 180, 2.50, 2, expiry)

	// Capped with an open short leg: stop taking entries, keep the book.
	require.NoError(t, f.m.Evaluate("c1", "gen-mc1"))
	mini, err = f.st.Accounts.Get("gen-mc1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountMerging, mini.Status)
	assert.Empty(t, f.forked)

	// Still draining: a second pass must not re-ledger the status change.
	before := f.l.LastSeq()
	require.NoError(t, f.m.Evaluate("c1", "gen-mc1"))
	assert.Equal(t, before, f.l.LastSeq())

	f.fillLeg(t, "gen-mc1", "p1", domain.IntentCloseCSP, domain.LegCSP, "AAPL", 180, 0.50, 2, expiry)

	// Flat: the balance moves to the genesis Compounder and the child closes.
	require.NoError(t, f.m.Evaluate("c1", "gen-mc1"))

	mini, err = f.st.Accounts.Get("gen-mc1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountClosed, mini.Status)
	assert.Zero(t, mini.Cash)

	com, err := f.st.Accounts.Get("com")
	require.NoError(t, err)
	assert.InDelta(t, 90_000+305_400, com.Cash, 0.01)

	require.Len(t, f.forked, 1)
	assert.Equal(t, "com", f.forked[0].ParentID)
	assert.Equal(t, "gen-mc1", f.forked[0].ChildID)
	assert.InDelta(t, 305_400, f.forked[0].Amount, 0.01)
	assert.True(t, f.forked[0].Merge)
}

func TestEvaluate_MiniAgeCapMergesWhenFlat(t *testing.T) {
	now := time.Date(2026, 8, 28, 16, 30, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.seedAccount(t, domain.KindGenerator, "gen", 100_000, 0)
	f.seedAccount(t, domain.KindCompounder, "com", 90_000, 0)
	f.seedMini(t, "gen", "gen-mc1", 100_000)

	mini, err := f.st.Accounts.Get("gen-mc1")
	require.NoError(t, err)
	mini.CreatedAt = now.AddDate(-3, 0, -7) // past the age cap, well under the multiple
	require.NoError(t, f.st.Accounts.Save(mini))

	require.NoError(t, f.m.Evaluate("c1", "gen-mc1"))

	mini, err = f.st.Accounts.Get("gen-mc1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountClosed, mini.Status)
	assert.Zero(t, mini.Cash)

	com, err := f.st.Accounts.Get("com")
	require.NoError(t, err)
	assert.InDelta(t, 190_000, com.Cash, 0.01)

	require.Len(t, f.forked, 1)
	assert.True(t, f.forked[0].Merge)
	assert.InDelta(t, 100_000, f.forked[0].Amount, 0.01)
}

func TestEvaluate_MergeTargetPrefersForkedRootCompounder(t *testing.T) {
	now := time.Date(2026, 8, 28, 16, 30, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.seedAccount(t, domain.KindCompounder, "com", 90_000, 0)
	f.seedAccount(t, domain.KindRevenue, "rev", 200_000, 500_000)
	require.NoError(t, f.m.Evaluate("c1", "rev"))

	f.seedMini(t, "rev-root1-gen", "rev-root1-gen-mc1", 80_000)
	mini, err := f.st.Accounts.Get("rev-root1-gen-mc1")
	require.NoError(t, err)
	mini.Cash = 240_000
	require.NoError(t, f.st.Accounts.Save(mini))

	f.forked = nil
	require.NoError(t, f.m.Evaluate("c1", "rev-root1-gen-mc1"))

	// The nearest forked-root ancestor wins over the genesis Compounder.
	require.Len(t, f.forked, 1)
	assert.Equal(t, "rev-root1-com", f.forked[0].ParentID)
	assert.True(t, f.forked[0].Merge)

	target, err := f.st.Accounts.Get("rev-root1-com")
	require.NoError(t, err)
	assert.InDelta(t, 150_000+240_000, target.Cash, 0.01)

	genesis, err := f.st.Accounts.Get("com")
	require.NoError(t, err)
	assert.InDelta(t, 90_000, genesis.Cash, 0.01)
}

func TestEvaluate_ClosedMiniIsNoOp(t *testing.T) {
	f := newFixture(t, time.Date(2026, 8, 28, 16, 30, 0, 0, time.UTC))
	f.seedAccount(t, domain.KindGenerator, "gen", 100_000, 0)
	f.seedMini(t, "gen", "gen-mc1", 100_000)

	mini, err := f.st.Accounts.Get("gen-mc1")
	require.NoError(t, err)
	mini.Status = domain.AccountClosed
	mini.Cash = 400_000
	require.NoError(t, f.st.Accounts.Save(mini))

	before := f.l.LastSeq()
	require.NoError(t, f.m.Evaluate("c1", "gen-mc1"))
	assert.Equal(t, before, f.l.LastSeq())
	assert.Empty(t, f.forked)
}

func TestEvaluate_UnknownAccountErrors(t *testing.T) {
	f := newFixture(t, time.Date(2026, 8, 28, 16, 30, 0, 0, time.UTC))
	require.Error(t, f.m.Evaluate("c1", "ghost"))
}
