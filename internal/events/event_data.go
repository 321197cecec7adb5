package events

// EventData is the interface that all event data types must implement.
// This allows for type-safe event data while maintaining flexibility.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// FillReceivedData contains data for FillReceived events
type FillReceivedData struct {
	AccountID string  `json:"account_id"`
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

// EventType returns the event type for FillReceivedData
func (d *FillReceivedData) EventType() EventType {
	return FillReceived
}

// OrderTerminalData contains data for OrderTerminal events
type OrderTerminalData struct {
	AccountID string `json:"account_id"`
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
}

// EventType returns the event type for OrderTerminalData
func (d *OrderTerminalData) EventType() EventType {
	return OrderTerminal
}

// ProtocolEscalatedData contains data for ProtocolEscalated events
type ProtocolEscalatedData struct {
	AccountID  string  `json:"account_id"`
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	FromLevel  int     `json:"from_level"`
	ToLevel    int     `json:"to_level"`
	Spot       float64 `json:"spot"`
}

// EventType returns the event type for ProtocolEscalatedData
func (d *ProtocolEscalatedData) EventType() EventType {
	return ProtocolEscalated
}

// CircuitBreakerTrippedData contains data for CircuitBreakerTripped events
type CircuitBreakerTrippedData struct {
	VIX  float64 `json:"vix"`
	Mode string  `json:"mode"` // HedgedWeek, SafeMode, Kill
}

// EventType returns the event type for CircuitBreakerTrippedData
func (d *CircuitBreakerTrippedData) EventType() EventType {
	return CircuitBreakerTripped
}

// StateTransitionedData contains data for StateTransitioned events
type StateTransitionedData struct {
	AccountID string `json:"account_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

// EventType returns the event type for StateTransitionedData
func (d *StateTransitionedData) EventType() EventType {
	return StateTransitioned
}

// ForkCompletedData contains data for ForkCompleted events
type ForkCompletedData struct {
	ParentID string  `json:"parent_id"`
	ChildID  string  `json:"child_id"`
	Amount   float64 `json:"amount"`
	Merge    bool    `json:"merge"`
}

// EventType returns the event type for ForkCompletedData
func (d *ForkCompletedData) EventType() EventType {
	return ForkCompleted
}

// WeekClassifiedData contains data for WeekClassified events
type WeekClassifiedData struct {
	AccountID string `json:"account_id"`
	ISOYear   int    `json:"iso_year"`
	ISOWeek   int    `json:"iso_week"`
	WeekType  string `json:"week_type"`
}

// EventType returns the event type for WeekClassifiedData
func (d *WeekClassifiedData) EventType() EventType {
	return WeekClassified
}
