package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/alluse/engine/internal/atr"
	"github.com/alluse/engine/internal/broker/mock"
	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/config"
	"github.com/alluse/engine/internal/database"
	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/events"
	"github.com/alluse/engine/internal/forks"
	"github.com/alluse/engine/internal/leaps"
	"github.com/alluse/engine/internal/ledger"
	"github.com/alluse/engine/internal/lifecycle"
	"github.com/alluse/engine/internal/marketdata"
	"github.com/alluse/engine/internal/orders"
	"github.com/alluse/engine/internal/protocol"
	"github.com/alluse/engine/internal/reinvest"
	"github.com/alluse/engine/internal/reliability"
	"github.com/alluse/engine/internal/rules"
	"github.com/alluse/engine/internal/scheduler"
	"github.com/alluse/engine/internal/server"
	"github.com/alluse/engine/internal/store"
)

// marketTimezone is the exchange-local zone every calendar and cron
// expression evaluates in.
const marketTimezone = "America/New_York"

// App holds the fully wired engine. One App runs per process.
type App struct {
	Config *config.Config
	Log    zerolog.Logger

	LedgerDB     *database.DB
	StateDB      *database.DB
	MarketDataDB *database.DB

	Ledger   *ledger.Ledger
	Store    *store.Store
	Calendar *clock.Calendar
	Clock    clock.Clock

	Cache     *marketdata.Cache
	Coalescer *marketdata.Coalescer
	Feed      *marketdata.Feed // nil unless a feed URL is configured
	Poller    *marketdata.Poller

	Bus            *events.Bus
	Broker         domain.BrokerClient
	MarketData     domain.MarketDataClient
	CalendarClient domain.CalendarClient
	Advisory       domain.AdvisoryClient

	ATR        *atr.Service
	Rules      *rules.Engine
	Orders     *orders.Manager
	Protocol   *protocol.Engine
	Forks      *forks.Manager
	Leaps      *leaps.Manager
	Reinvest   *reinvest.Manager
	Supervisor *lifecycle.Supervisor

	Scheduler *scheduler.Scheduler
	Backups   *reliability.BackupService // nil unless a bucket is configured
	Server    *server.Server
}

// openDatabases initializes the three engine databases and applies schemas.
// The ledger database runs the maximum-safety profile; derived state is
// standard; market data is ephemeral cache.
func openDatabases(cfg *config.Config) (ledgerDB, stateDB, marketDataDB *database.DB, err error) {
	ledgerDB, err = database.New(database.Config{
		Path:    cfg.DataDir + "/ledger.db",
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize ledger database: %w", err)
	}

	stateDB, err = database.New(database.Config{
		Path:    cfg.DataDir + "/state.db",
		Profile: database.ProfileStandard,
		Name:    "state",
	})
	if err != nil {
		ledgerDB.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialize state database: %w", err)
	}

	marketDataDB, err = database.New(database.Config{
		Path:    cfg.DataDir + "/marketdata.db",
		Profile: database.ProfileCache,
		Name:    "marketdata",
	})
	if err != nil {
		ledgerDB.Close()
		stateDB.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialize marketdata database: %w", err)
	}

	for _, db := range []*database.DB{ledgerDB, stateDB, marketDataDB} {
		if err := db.Migrate(); err != nil {
			ledgerDB.Close()
			stateDB.Close()
			marketDataDB.Close()
			return nil, nil, nil, fmt.Errorf("failed to apply schema to %s: %w", db.Name(), err)
		}
	}

	return ledgerDB, stateDB, marketDataDB, nil
}

// wire builds the engine component graph in dependency order: databases,
// ledger and store, market data intake, broker boundary, decision engines,
// the supervisor, and finally the scheduler and HTTP surface.
func wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	ledgerDB, stateDB, marketDataDB, err := openDatabases(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:       cfg,
		Log:          log,
		LedgerDB:     ledgerDB,
		StateDB:      stateDB,
		MarketDataDB: marketDataDB,
	}

	led, err := ledger.New(ledgerDB.Conn(), log)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	app.Ledger = led
	app.Store = store.New(stateDB.Conn(), led, log)

	loc, err := time.LoadLocation(marketTimezone)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to load market timezone: %w", err)
	}
	app.Clock = clock.SystemClock{}

	// Broker boundary. Live connectivity is not built into this binary;
	// mode=live refuses at startup rather than trading against nothing.
	switch cfg.Mode {
	case config.ModeMock:
		app.Broker = mock.NewBroker(app.Clock, log)
		app.MarketData = mock.NewMarketData(app.Clock)
		app.CalendarClient = mock.NewCalendar()
		app.Advisory = mock.NewAdvisory(app.Clock)
	case config.ModeLive:
		app.Close()
		return nil, fmt.Errorf("%w: no live broker adapter in this build (set ALLUSE_MODE=mock)", domain.ErrBrokerUnavailable)
	default:
		app.Close()
		return nil, fmt.Errorf("unsupported mode %q", cfg.Mode)
	}

	app.Calendar = clock.NewCalendar(app.CalendarClient, loc, log)

	app.Cache = marketdata.NewCache(app.Clock, log)
	app.Coalescer = marketdata.NewCoalescer(app.Cache, log)
	if cfg.FeedURL != "" {
		app.Feed = marketdata.NewFeed(cfg.FeedURL, app.Coalescer, app.Cache, log)
	}
	app.Poller = marketdata.NewPoller(app.MarketData, app.Cache, rules.AllSymbols(), cfg.PollInterval, log)

	app.Bus = events.NewBus(log)
	app.ATR = atr.NewService(app.MarketData, marketDataDB.Conn(), app.Clock, cfg.ATRPeriod, log)
	app.Rules = rules.NewEngine(cfg, app.Calendar, log)
	app.Orders = orders.NewManager(app.Broker, app.Store, app.Rules, app.Bus, app.Clock, cfg, log)
	app.Protocol = protocol.NewEngine(app.Cache, app.ATR, app.Rules, app.Orders, app.Store, app.Bus, app.Clock, cfg, log)
	app.Forks = forks.NewManager(app.Store, app.Bus, app.Clock, cfg, log)
	app.Leaps = leaps.NewManager(app.Cache, app.Rules, app.Orders, app.Store, app.Clock, log)
	app.Reinvest = reinvest.NewManager(app.Store, app.Calendar, app.Clock, cfg, log)

	app.Supervisor = lifecycle.NewSupervisor(lifecycle.Deps{
		Store:    app.Store,
		Ledger:   app.Ledger,
		Cache:    app.Cache,
		ATR:      app.ATR,
		Rules:    app.Rules,
		Orders:   app.Orders,
		Protocol: app.Protocol,
		Forks:    app.Forks,
		Leaps:    app.Leaps,
		Reinvest: app.Reinvest,
		Calendar: app.Calendar,
		Clock:    app.Clock,
		Config:   cfg,
		Bus:      app.Bus,
		Broker:   app.Broker,
		Advisory: app.Advisory,
	}, log)

	if cfg.BackupEnabled() {
		objStore, err := reliability.NewS3Store(ctx, reliability.StoreConfig{
			Endpoint:  cfg.BackupEndpoint,
			Region:    cfg.BackupRegion,
			Bucket:    cfg.BackupBucket,
			AccessKey: cfg.BackupAccessKey,
			SecretKey: cfg.BackupSecretKey,
		})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to initialize backup store: %w", err)
		}
		app.Backups = reliability.NewBackupService(objStore, map[string]*database.DB{
			"ledger": ledgerDB,
			"state":  stateDB,
		}, cfg.DataDir, cfg.BackupRetentionDays, log)
	}

	app.Scheduler = scheduler.New(loc, log)
	if err := registerJobs(app); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	app.Server = server.New(server.Config{
		Log:          log,
		Port:         cfg.Port,
		Store:        app.Store,
		Ledger:       app.Ledger,
		Protocol:     app.Protocol,
		Supervisor:   app.Supervisor,
		Broker:       app.Broker,
		Bus:          app.Bus,
		Clock:        app.Clock,
		StateDB:      stateDB,
		LedgerDB:     ledgerDB,
		MarketDataDB: marketDataDB,
	})

	log.Info().Msg("Engine wiring completed")
	return app, nil
}

// registerJobs binds the background maintenance jobs to market wall-clock
// schedules. Cron expressions include seconds and evaluate in the market
// timezone.
func registerJobs(app *App) error {
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		// Risk scales refresh between the open and the entry window.
		{"0 35 9 * * MON-FRI", scheduler.NewATRRefreshJob(app.ATR, rules.AllSymbols(), app.Log)},
		// Calendar data for this year and next, before the open.
		{"0 0 8 * * MON-FRI", scheduler.NewCalendarRefreshJob(app.Calendar, app.Clock, app.Log)},
		// VIX daily close rolls shortly after the session ends.
		{"0 5 16 * * MON-FRI", scheduler.NewVIXRollJob(app.MarketData, app.Cache, app.Log)},
		// Database upkeep through the night.
		{"0 0 3 * * *", scheduler.NewDBIntegrityJob(app.StateDB, app.LedgerDB, app.MarketDataDB, app.Log)},
		{"0 30 * * * *", scheduler.NewWALCheckpointJob(app.StateDB, app.LedgerDB, app.MarketDataDB, app.Log)},
	}

	if app.Backups != nil {
		jobs = append(jobs, struct {
			schedule string
			job      scheduler.Job
		}{"0 10 * * * *", scheduler.NewLedgerBackupJob(app.Backups, app.Log)})
	}

	for _, j := range jobs {
		if err := app.Scheduler.AddJob(j.schedule, j.job); err != nil {
			return fmt.Errorf("job %s: %w", j.job.Name(), err)
		}
	}
	return nil
}

// Close releases every database handle. Safe on a partially wired App.
func (a *App) Close() {
	for _, db := range []*database.DB{a.MarketDataDB, a.StateDB, a.LedgerDB} {
		if db != nil {
			db.Close()
		}
	}
}

// offlineApp is the ledger and store without the trading stack, for commands
// that run against a stopped engine.
type offlineApp struct {
	LedgerDB *database.DB
	StateDB  *database.DB
	Ledger   *ledger.Ledger
	Store    *store.Store
}

func openOffline(cfg *config.Config, log zerolog.Logger) (*offlineApp, error) {
	ledgerDB, stateDB, marketDataDB, err := openDatabases(cfg)
	if err != nil {
		return nil, err
	}
	// Offline commands never touch market data.
	marketDataDB.Close()

	led, err := ledger.New(ledgerDB.Conn(), log)
	if err != nil {
		ledgerDB.Close()
		stateDB.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	return &offlineApp{
		LedgerDB: ledgerDB,
		StateDB:  stateDB,
		Ledger:   led,
		Store:    store.New(stateDB.Conn(), led, log),
	}, nil
}

func (o *offlineApp) Close() {
	o.StateDB.Close()
	o.LedgerDB.Close()
}
