package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alluse/engine/internal/atr"
	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/database"
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
	testhelpers "github.com/alluse/engine/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type supervisorFixture struct {
	s        *Supervisor
	st       *store.Store
	l        *ledger.Ledger
	bus      *events.Bus
	broker   *testhelpers.MockBrokerClient
	cache    *marketdata.Cache
	ledgerDB *database.DB
	clk      *stepClock
}

func newSupervisorFixture(t *testing.T) *supervisorFixture {
	t.Helper()

	stateDB := testhelpers.NewTestDB(t, "state")
	ledgerDB := testhelpers.NewTestDB(t, "ledger")

	l, err := ledger.New(ledgerDB.Conn(), zerolog.Nop())
	require.NoError(t, err)
	st := store.New(stateDB.Conn(), l, zerolog.Nop())

	cfg := testConfig()
	clk := &stepClock{t: thuEntry}
	broker := testhelpers.NewMockBrokerClient()
	md := testhelpers.NewMockMarketData()
	cache := marketdata.NewCache(clk, zerolog.Nop())
	atrSvc := atr.NewService(md, nil, clk, cfg.ATRPeriod, zerolog.Nop())
	cal := clock.NewCalendar(testhelpers.NewMockCalendarClient(), time.UTC, zerolog.Nop())
	re := rules.NewEngine(cfg, cal, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	om := orders.NewManager(broker, st, re, bus, clk, cfg, zerolog.Nop())
	pe := protocol.NewEngine(cache, atrSvc, re, om, st, bus, clk, cfg, zerolog.Nop())

	deps := Deps{
		Store:    st,
		Ledger:   l,
		Cache:    cache,
		ATR:      atrSvc,
		Rules:    re,
		Orders:   om,
		Protocol: pe,
		Forks:    forks.NewManager(st, bus, clk, cfg, zerolog.Nop()),
		Leaps:    leaps.NewManager(cache, re, om, st, clk, zerolog.Nop()),
		Reinvest: reinvest.NewManager(st, cal, clk, cfg, zerolog.Nop()),
		Calendar: cal,
		Clock:    clk,
		Config:   cfg,
		Bus:      bus,
		Broker:   broker,
	}

	return &supervisorFixture{
		s:        NewSupervisor(deps, zerolog.Nop()),
		st:       st,
		l:        l,
		bus:      bus,
		broker:   broker,
		cache:    cache,
		ledgerDB: ledgerDB,
		clk:      clk,
	}
}

func TestBootstrap_SplitsOpeningCapital(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.s.Bootstrap(300_000))

	want := map[string]struct {
		kind domain.AccountKind
		cash float64
	}{
		"gen": {domain.KindGenerator, 120_000},
		"rev": {domain.KindRevenue, 90_000},
		"com": {domain.KindCompounder, 90_000},
	}
	for id, w := range want {
		acct, err := f.st.Accounts.Get(id)
		require.NoError(t, err)
		require.NotNil(t, acct, id)
		assert.Equal(t, w.kind, acct.Kind)
		assert.InDelta(t, w.cash, acct.Cash, 0.01)
		assert.Equal(t, domain.AccountActive, acct.Status)
	}
}

func TestBootstrap_SecondRunLeavesTreeUntouched(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.s.Bootstrap(300_000))

	// Mutate one sleeve, then bootstrap again with a different amount.
	require.NoError(t, f.st.SetAccountStatus("c0", "gen", domain.AccountPaused, "operator"))
	require.NoError(t, f.s.Bootstrap(1_000_000))

	accts, err := f.st.Accounts.All()
	require.NoError(t, err)
	assert.Len(t, accts, 3)
	gen, err := f.st.Accounts.Get("gen")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountPaused, gen.Status)
	assert.InDelta(t, 120_000, gen.Cash, 0.01)
}

func TestBootstrap_RejectsNonPositiveCapital(t *testing.T) {
	f := newSupervisorFixture(t)
	require.Error(t, f.s.Bootstrap(0))
	require.Error(t, f.s.Bootstrap(-5))
}

func TestResume_RecoversMachinePositions(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.s.Bootstrap(300_000))

	// A prior run left gen mid-cycle and rev one transition in.
	w1Start := f.l.LastSeq()
	require.NoError(t, f.st.RecordMachineTransition("w1", "gen", "SAFE", "SCANNING", "market open"))
	require.NoError(t, f.st.RecordMachineTransition("w1", "gen", "SCANNING", "ANALYZING", "snapshots fresh"))
	require.NoError(t, f.st.RecordMachineTransition("w2", "rev", "SAFE", "SCANNING", "market open"))

	require.NoError(t, f.s.Resume(context.Background()))

	f.s.mu.Lock()
	gen, rev := f.s.resumes["gen"], f.s.resumes["rev"]
	f.s.mu.Unlock()

	assert.Equal(t, StateAnalyzing, gen.State)
	assert.Equal(t, "w1", gen.CycleID)
	assert.Equal(t, w1Start, gen.CycleStartSeq)
	assert.Equal(t, StateScanning, rev.State)
	assert.Equal(t, "w2", rev.CycleID)
}

func TestResume_FailsClosedOnTamperedChain(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.s.Bootstrap(300_000))

	_, err := f.ledgerDB.Exec(`UPDATE ledger_entries SET prev_hash = 'bogus' WHERE seq = 2`)
	require.NoError(t, err)

	err = f.s.Resume(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLedgerIntegrity))
}

func TestResume_FailsClosedWhenBrokerUnreachable(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.s.Bootstrap(300_000))

	f.broker.SetSnapshotError(fmt.Errorf("socket closed"))

	err := f.s.Resume(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBrokerUnavailable))
}

func TestResume_RecordsPositionDivergence(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.s.Bootstrap(300_000))

	friday := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	o := domain.Order{
		ClientID:  domain.ClientOrderID("gen", domain.IntentOpenCSP, "AAPL", friday, 180, 1),
		AccountID: "gen",
		Intent:    domain.IntentOpenCSP,
		LegKind:   domain.LegCSP,
		Symbol:    "AAPL",
		Expiry:    friday,
		Strike:    180,
		Status:    domain.OrderFilled,
		Version:   1,
	}
	require.NoError(t, f.st.ApplyFill("w1", store.Fill{
		Order: o, PositionID: "p1", Kind: domain.LegCSP, Price: 2.50, Quantity: 5, Delta: 0.42,
	}))

	// The broker reports nothing held.
	require.NoError(t, f.s.Resume(context.Background()))

	entries, err := f.l.ReadRange(0, f.l.LastSeq())
	require.NoError(t, err)
	var divergences int
	for i := range entries {
		if entries[i].Category != ledger.CategoryFailure {
			continue
		}
		var p ledger.FailurePayload
		require.NoError(t, entries[i].DecodePayload(&p))
		if p.Reason == "position_divergence" {
			divergences++
			assert.Contains(t, p.Context, "AAPL|CSP|180.00")
		}
	}
	assert.Equal(t, 1, divergences)
}

func TestResume_MatchingBookRecordsNoDivergence(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.s.Bootstrap(300_000))

	friday := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	o := domain.Order{
		ClientID:  domain.ClientOrderID("gen", domain.IntentOpenCSP, "AAPL", friday, 180, 1),
		AccountID: "gen",
		Intent:    domain.IntentOpenCSP,
		LegKind:   domain.LegCSP,
		Symbol:    "AAPL",
		Expiry:    friday,
		Strike:    180,
		Status:    domain.OrderFilled,
		Version:   1,
	}
	require.NoError(t, f.st.ApplyFill("w1", store.Fill{
		Order: o, PositionID: "p1", Kind: domain.LegCSP, Price: 2.50, Quantity: 5, Delta: 0.42,
	}))
	f.broker.SetPositions([]domain.BrokerPosition{
		{Symbol: "AAPL", Kind: domain.LegCSP, Strike: 180, Expiry: friday, Quantity: -5},
	})

	require.NoError(t, f.s.Resume(context.Background()))

	entries, err := f.l.ReadRange(0, f.l.LastSeq())
	require.NoError(t, err)
	for i := range entries {
		assert.NotEqual(t, ledger.CategoryFailure, entries[i].Category)
	}
}

func TestStart_SpawnsMachinePerOpenAccount(t *testing.T) {
	f := newSupervisorFixture(t)
	f.clk.t = time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC) // Saturday keeps machines idle
	require.NoError(t, f.s.Bootstrap(300_000))
	require.NoError(t, f.s.Resume(context.Background()))

	require.NoError(t, f.s.Start(context.Background()))
	defer f.s.Stop()

	states := f.s.MachineStates()
	assert.Len(t, states, 3)
	for id, st := range states {
		assert.Equal(t, StateSafe, st, id)
	}
}

func TestStart_SkipsClosedAccounts(t *testing.T) {
	f := newSupervisorFixture(t)
	f.clk.t = time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	require.NoError(t, f.s.Bootstrap(300_000))
	require.NoError(t, f.st.SetAccountStatus("c0", "com", domain.AccountClosed, "merged out"))
	require.NoError(t, f.s.Resume(context.Background()))

	require.NoError(t, f.s.Start(context.Background()))
	defer f.s.Stop()

	_, ok := f.s.MachineState("com")
	assert.False(t, ok)
	_, ok = f.s.MachineState("gen")
	assert.True(t, ok)
}

func TestForkEvents_SpawnAndRetireMachines(t *testing.T) {
	f := newSupervisorFixture(t)
	f.clk.t = time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	require.NoError(t, f.s.Bootstrap(300_000))
	require.NoError(t, f.s.Resume(context.Background()))
	require.NoError(t, f.s.Start(context.Background()))
	defer f.s.Stop()

	require.NoError(t, f.st.Fork("w1", "gen", "gen-mc1", domain.KindMiniCompound, 1_000, "gen/gen-mc1"))
	f.bus.Publish(&events.ForkCompletedData{ParentID: "gen", ChildID: "gen-mc1", Amount: 1_000})

	st, ok := f.s.MachineState("gen-mc1")
	require.True(t, ok)
	assert.Equal(t, StateSafe, st)

	f.bus.Publish(&events.ForkCompletedData{ParentID: "gen", ChildID: "gen-mc1", Amount: 1_000, Merge: true})
	require.Eventually(t, func() bool {
		_, ok := f.s.MachineState("gen-mc1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "merged child machine should retire")
}

func TestStop_DrainsAllMachines(t *testing.T) {
	f := newSupervisorFixture(t)
	f.clk.t = time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	require.NoError(t, f.s.Bootstrap(300_000))
	require.NoError(t, f.s.Resume(context.Background()))
	require.NoError(t, f.s.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		f.s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Empty(t, f.s.MachineStates())
}
