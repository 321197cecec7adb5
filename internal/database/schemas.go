package database

// schemas maps database names to their embedded schema definitions.
// Each database has exactly one schema; Migrate applies it idempotently.
var schemas = map[string]string{
	"ledger":     ledgerSchema,
	"state":      stateSchema,
	"marketdata": marketDataSchema,
}

// ledgerSchema is the append-only audit trail. Rows are never updated or
// deleted; the hash column chains each entry to its predecessor.
const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          INTEGER NOT NULL,
	cycle_id    TEXT NOT NULL,
	category    TEXT NOT NULL,
	account_id  TEXT,
	position_id TEXT,
	order_id    TEXT,
	payload     BLOB NOT NULL,
	prev_hash   TEXT NOT NULL,
	hash        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_category ON ledger_entries(category);
CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id);
CREATE INDEX IF NOT EXISTS idx_ledger_cycle ON ledger_entries(cycle_id);

CREATE TABLE IF NOT EXISTS ledger_snapshots (
	id         TEXT PRIMARY KEY,
	seq        INTEGER NOT NULL,
	state_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// stateSchema holds derived views rebuilt from the ledger by replay.
// These tables are reconstructible caches, never the source of truth.
const stateSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	parent_id        TEXT,
	genealogy_path   TEXT NOT NULL,
	opening_capital  REAL NOT NULL,
	cash             REAL NOT NULL,
	reserved_cash    REAL NOT NULL DEFAULT 0,
	tax_reserve      REAL NOT NULL DEFAULT 0,
	contracts_budget REAL NOT NULL DEFAULT 0,
	leap_budget      REAL NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	realized_pl      REAL NOT NULL DEFAULT 0,
	quarter_pl       REAL NOT NULL DEFAULT 0,
	fork_base        REAL NOT NULL DEFAULT 0,
	fork_count       INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id             TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	kind           TEXT NOT NULL,
	strike         REAL NOT NULL,
	expiry         INTEGER NOT NULL,
	quantity       INTEGER NOT NULL,
	opening_credit REAL NOT NULL,
	current_mark   REAL NOT NULL DEFAULT 0,
	delta          REAL NOT NULL DEFAULT 0,
	entry_level    INTEGER NOT NULL DEFAULT 0,
	current_level  INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	opened_at      INTEGER NOT NULL,
	closed_at      INTEGER
);

CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);

CREATE TABLE IF NOT EXISTS orders (
	client_id       TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL,
	position_id     TEXT,
	intent          TEXT NOT NULL,
	leg_kind        TEXT NOT NULL DEFAULT '',
	symbol          TEXT NOT NULL,
	expiry          INTEGER NOT NULL,
	strike          REAL NOT NULL,
	quantity        INTEGER NOT NULL,
	limit_price     REAL NOT NULL,
	reference_mid   REAL NOT NULL,
	broker_id       TEXT,
	status          TEXT NOT NULL,
	filled_qty      INTEGER NOT NULL DEFAULT 0,
	fill_price      REAL NOT NULL DEFAULT 0,
	version         INTEGER NOT NULL,
	parent_order_id TEXT,
	created_at      INTEGER NOT NULL,
	last_updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS week_classifications (
	account_id TEXT NOT NULL,
	iso_year   INTEGER NOT NULL,
	iso_week   INTEGER NOT NULL,
	week_type  TEXT NOT NULL,
	triggers   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, iso_year, iso_week)
);
`

// marketDataSchema caches per-symbol risk data. Ephemeral; safe to drop.
const marketDataSchema = `
CREATE TABLE IF NOT EXISTS atr_records (
	symbol        TEXT NOT NULL,
	date          TEXT NOT NULL,
	true_range    REAL NOT NULL,
	atr           REAL NOT NULL,
	fallback_flag TEXT NOT NULL,
	PRIMARY KEY (symbol, date)
);
`
