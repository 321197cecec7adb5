package domain

import "errors"

// Sentinel errors shared across component boundaries.
var (
	// ErrOrderNotFound is returned by CancelOrder when the broker has no such id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrDuplicateOrder is returned when a client id + version was already accepted.
	ErrDuplicateOrder = errors.New("duplicate order id")

	// ErrStaleData marks market data too old to base a new entry on.
	ErrStaleData = errors.New("market data stale")

	// ErrCalendarUnknown marks missing calendar data; callers must abort,
	// never assume the market is open.
	ErrCalendarUnknown = errors.New("calendar data unavailable")

	// ErrInvariantViolated marks a store invariant failure. The affected
	// account enters SafeMode and human intervention is required.
	ErrInvariantViolated = errors.New("invariant violated")

	// ErrLedgerIntegrity marks a broken ledger hash chain or unreadable entry.
	ErrLedgerIntegrity = errors.New("ledger integrity failure")

	// ErrSymbolUnusable marks a symbol whose ATR fallback ladder is exhausted.
	ErrSymbolUnusable = errors.New("symbol unusable")

	// ErrBrokerUnavailable marks a broker that cannot be reached at all.
	// Startup refuses to enter active states while this holds.
	ErrBrokerUnavailable = errors.New("broker unavailable")
)
