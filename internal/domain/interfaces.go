package domain

import "context"

// BrokerClient defines broker-agnostic order and account operations.
// All broker operations go through this interface; the engine requires
// at-most-once acceptance semantics keyed on client order id. A second
// acknowledgement of the same id is a duplicate and must be ignored.
type BrokerClient interface {
	// PlaceOrder submits an order. Acceptance is keyed on Order.ClientID.
	PlaceOrder(ctx context.Context, order Order) (*BrokerOrderResult, error)

	// CancelOrder cancels a working order by broker id.
	// Returns ErrOrderNotFound if the broker does not know the id.
	CancelOrder(ctx context.Context, brokerID string) error

	// OrderEvents returns the stream of order status updates.
	// The channel is closed when the broker connection terminates.
	OrderEvents() <-chan BrokerOrderEvent

	// OpenOrders returns all live orders known to the broker.
	OpenOrders(ctx context.Context) ([]BrokerOpenOrder, error)

	// PositionsSnapshot returns broker-side positions.
	PositionsSnapshot(ctx context.Context) ([]BrokerPosition, error)

	// AccountSnapshot returns broker-side balances.
	AccountSnapshot(ctx context.Context) (*BrokerAccountSnapshot, error)

	// IsConnected reports connection health.
	IsConnected() bool
}

// MarketDataClient defines quote/chain/history access.
// Staleness handling is the consumer's responsibility.
type MarketDataClient interface {
	Quote(ctx context.Context, symbol string) (*Quote, error)
	Chain(ctx context.Context, symbol string) ([]OptionContract, error)
	History(ctx context.Context, symbol string, days int) ([]OHLC, error)
	VIXLast(ctx context.Context) (float64, error)
}

// CalendarClient defines earnings and market-hours data access.
// On data failure implementations must return an error, never a guess.
type CalendarClient interface {
	EarningsThisWeek(ctx context.Context, symbol string, isoYear, isoWeek int) (bool, error)
	Holidays(ctx context.Context, year int) ([]string, error) // "2006-01-02" dates
	MarketHours(ctx context.Context, date string) (open, close string, err error)
}

// AdvisoryClient is the read-only ML advisory consumer boundary.
type AdvisoryClient interface {
	RegimeScore(ctx context.Context) (*Advisory, error)
	AnomalyFlags(ctx context.Context, symbols []string) ([]Advisory, error)
	WeekTypePrior(ctx context.Context) (*Advisory, error)
}
