package ledger

// Typed ledger payloads. Every failure and decision carries the minimal
// context needed for later reconstruction; payloads never contain stack traces.

// DecisionPayload records a candidate action decision
type DecisionPayload struct {
	Action  string  `msgpack:"action"`
	Symbol  string  `msgpack:"symbol"`
	Strike  float64 `msgpack:"strike"`
	Expiry  string  `msgpack:"expiry"`
	Qty     int     `msgpack:"qty"`
	Mid     float64 `msgpack:"mid"`
	Delta   float64 `msgpack:"delta"`
	Comment string  `msgpack:"comment,omitempty"`
}

// ValidationPayload records a rules engine verdict
type ValidationPayload struct {
	Action   string   `msgpack:"action"`
	Approved bool     `msgpack:"approved"`
	Reasons  []string `msgpack:"reasons,omitempty"`
}

// OrderEventPayload records an order lifecycle change. It carries the full
// order row so the derived order table is rebuildable by replay alone.
type OrderEventPayload struct {
	Status        string  `msgpack:"status"`
	Intent        string  `msgpack:"intent"`
	LegKind       string  `msgpack:"leg_kind,omitempty"`
	Symbol        string  `msgpack:"symbol"`
	Expiry        string  `msgpack:"expiry"` // "2006-01-02"
	Strike        float64 `msgpack:"strike"`
	Quantity      int     `msgpack:"quantity"`
	Limit         float64 `msgpack:"limit,omitempty"`
	ReferenceMid  float64 `msgpack:"reference_mid,omitempty"`
	BrokerID      string  `msgpack:"broker_id,omitempty"`
	FilledQty     int     `msgpack:"filled_qty,omitempty"`
	FillPrice     float64 `msgpack:"fill_price,omitempty"`
	Version       int     `msgpack:"version"`
	ParentOrderID string  `msgpack:"parent_order_id,omitempty"`
	Reason        string  `msgpack:"reason,omitempty"`
}

// FillPayload records an execution with the leg details needed to rebuild the
// position and its cash effects by replay. Credit is the per-contract cash
// received; negative means a debit paid.
type FillPayload struct {
	Symbol     string  `msgpack:"symbol"`
	Intent     string  `msgpack:"intent"`
	Kind       string  `msgpack:"kind"` // position leg kind
	Strike     float64 `msgpack:"strike"`
	Expiry     string  `msgpack:"expiry"` // "2006-01-02"
	Price      float64 `msgpack:"price"`
	Quantity   int     `msgpack:"quantity"`
	Credit     float64 `msgpack:"credit"`
	Delta      float64 `msgpack:"delta,omitempty"`
	Assignment bool    `msgpack:"assignment,omitempty"`
}

// ProtocolEventPayload records a protocol level change or breaker action
type ProtocolEventPayload struct {
	Symbol    string  `msgpack:"symbol,omitempty"`
	FromLevel int     `msgpack:"from_level"`
	ToLevel   int     `msgpack:"to_level"`
	Spot      float64 `msgpack:"spot,omitempty"`
	VIX       float64 `msgpack:"vix,omitempty"`
	Severity  string  `msgpack:"severity,omitempty"`
	Action    string  `msgpack:"action,omitempty"`
}

// StateTransitionPayload records a state transition. Scope distinguishes the
// weekly cycle machine ("machine") from account lifecycle status ("account");
// only the latter mutates the derived account row.
type StateTransitionPayload struct {
	Scope  string `msgpack:"scope"`
	From   string `msgpack:"from"`
	To     string `msgpack:"to"`
	Reason string `msgpack:"reason,omitempty"`
}

// ReinvestmentPayload records a quarterly reinvestment split
type ReinvestmentPayload struct {
	Quarter       string  `msgpack:"quarter"`
	RealizedGain  float64 `msgpack:"realized_gain"`
	TaxReserved   float64 `msgpack:"tax_reserved"`
	ContractsPool float64 `msgpack:"contracts_pool"`
	LEAPPool      float64 `msgpack:"leap_pool"`
}

// ForkPayload records one side of an atomic fork or merge
type ForkPayload struct {
	ParentID  string  `msgpack:"parent_id"`
	ChildID   string  `msgpack:"child_id"`
	Amount    float64 `msgpack:"amount"`
	Kind      string  `msgpack:"kind"`
	Genealogy string  `msgpack:"genealogy"`
	// Compensating marks a rollback entry for a failed fork/merge step.
	Compensating bool `msgpack:"compensating,omitempty"`
}

// WeekClassificationPayload records the week type decided at RECONCILING
type WeekClassificationPayload struct {
	ISOYear  int      `msgpack:"iso_year"`
	ISOWeek  int      `msgpack:"iso_week"`
	WeekType string   `msgpack:"week_type"`
	Triggers []string `msgpack:"triggers,omitempty"`
}

// AdvisoryPayload records a read-only ML advisory
type AdvisoryPayload struct {
	Kind   string  `msgpack:"kind"`
	Symbol string  `msgpack:"symbol,omitempty"`
	Value  float64 `msgpack:"value"`
	Label  string  `msgpack:"label,omitempty"`
}

// SnapshotPayload seals a derived-state hash into the chain
type SnapshotPayload struct {
	StateHash string `msgpack:"state_hash"`
}

// FailurePayload records an error with reconstruction context
type FailurePayload struct {
	Component string `msgpack:"component"`
	Reason    string `msgpack:"reason"`
	Context   string `msgpack:"context,omitempty"`
}
