package domain

import "time"

// BrokerOrderResult is the broker's response to an order submission
type BrokerOrderResult struct {
	BrokerID string
	Accepted bool
	Reason   string
}

// BrokerOrderEvent is a status update pushed by the broker
type BrokerOrderEvent struct {
	BrokerID  string
	ClientID  string
	Status    OrderStatus
	FillPrice float64
	FillQty   int
	At        time.Time
}

// BrokerPosition is a position as reported by the broker
type BrokerPosition struct {
	Symbol   string
	Kind     PositionKind
	Strike   float64
	Expiry   time.Time
	Quantity int
}

// BrokerOpenOrder is a live order as reported by the broker
type BrokerOpenOrder struct {
	BrokerID string
	ClientID string
	Status   OrderStatus
}

// BrokerAccountSnapshot is the broker-side view of account balances
type BrokerAccountSnapshot struct {
	Cash   float64
	Margin float64
}

// Quote is a last-known market quote
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	At     time.Time
}

// Mid returns the quote midpoint.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// OptionContract is one strike/expiry entry of an option chain
type OptionContract struct {
	Symbol       string
	Strike       float64
	Expiry       time.Time
	Put          bool
	Bid          float64
	Ask          float64
	Last         float64
	OpenInterest int
	Volume       int
	AvgVolume20d int
	Delta        float64 // signed; puts negative
	IV           float64
}

// Mid returns the contract midpoint.
func (c OptionContract) Mid() float64 {
	return (c.Bid + c.Ask) / 2
}

// SpreadPct returns (ask-bid)/mid, or 1 when the mid is degenerate.
func (c OptionContract) SpreadPct() float64 {
	mid := c.Mid()
	if mid <= 0 {
		return 1
	}
	return (c.Ask - c.Bid) / mid
}

// DeltaMagnitude returns the absolute delta, the form the sleeve bands use.
func (c OptionContract) DeltaMagnitude() float64 {
	if c.Delta < 0 {
		return -c.Delta
	}
	return c.Delta
}

// OHLC is one historical bar
type OHLC struct {
	Date  time.Time
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// Advisory is a read-only ML advisory. Advisories are recorded in the ledger
// and never gate a rule or transition predicate.
type Advisory struct {
	Kind    string // "regime_score", "anomaly_flag", "week_type_prior"
	Symbol  string
	Value   float64
	Label   string
	At      time.Time
}
