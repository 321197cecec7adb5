// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"time"
)

// AccountKind represents the sleeve / lifecycle role of an account
type AccountKind string

const (
	// KindGenerator is the weekly income sleeve (short-dated CSPs)
	KindGenerator AccountKind = "GENERATOR"
	// KindRevenue is the mid-week premium sleeve
	KindRevenue AccountKind = "REVENUE"
	// KindCompounder is the covered-call sleeve over long shares
	KindCompounder AccountKind = "COMPOUNDER"
	// KindMiniCompound is a forked Generator child under Compounder rules
	KindMiniCompound AccountKind = "MINI_COMPOUND"
	// KindForkedRoot is a full 40/30/30 root spawned by a Revenue fork
	KindForkedRoot AccountKind = "FORKED_ROOT"
)

// AccountStatus represents the lifecycle status of an account
type AccountStatus string

const (
	AccountActive   AccountStatus = "ACTIVE"
	AccountPaused   AccountStatus = "PAUSED"
	AccountSafeMode AccountStatus = "SAFE_MODE"
	AccountMerging  AccountStatus = "MERGING"
	AccountClosed   AccountStatus = "CLOSED"
)

// Account is a sleeve-bound trading account. Kind is immutable after creation.
// Accounts are never deleted; Closed is terminal.
type Account struct {
	ID              string        `json:"id"`
	Kind            AccountKind   `json:"kind"`
	ParentID        string        `json:"parent_id,omitempty"`
	GenealogyPath   string        `json:"genealogy_path"` // "/" separated ids from root
	OpeningCapital  float64       `json:"opening_capital"`
	Cash            float64       `json:"cash"`
	ReservedCash    float64       `json:"reserved_cash"` // CSP collateral
	TaxReserve      float64       `json:"tax_reserve"`   // non-deployable
	ContractsBudget float64       `json:"contracts_budget"`
	LEAPBudget      float64       `json:"leap_budget"`
	Status          AccountStatus `json:"status"`
	RealizedPL      float64       `json:"realized_pl"`
	QuarterPL       float64       `json:"quarter_pl"` // quarter-to-date realized gains
	ForkBase        float64       `json:"fork_base"`  // realized gains already consumed by forks
	ForkCount       int           `json:"fork_count"`
	CreatedAt       time.Time     `json:"created_at"`
}

// RealizedGainSinceBase is the realized gain not yet consumed by a fork.
func (a *Account) RealizedGainSinceBase() float64 {
	return a.RealizedPL - a.ForkBase
}

// DeployableCash is cash available for new entries (excludes collateral and tax reserve).
func (a *Account) DeployableCash() float64 {
	return a.Cash - a.ReservedCash - a.TaxReserve
}

// PositionKind represents the leg type of a position
type PositionKind string

const (
	LegCSP        PositionKind = "CSP"
	LegCC         PositionKind = "CC"
	LegLongShares PositionKind = "LONG_SHARES"
	LegLEAPCall   PositionKind = "LEAP_CALL"
	LegLEAPPut    PositionKind = "LEAP_PUT"
)

// PositionStatus represents the lifecycle status of a position
type PositionStatus string

const (
	PositionOpen        PositionStatus = "OPEN"
	PositionRollPending PositionStatus = "ROLL_PENDING"
	PositionClosed      PositionStatus = "CLOSED"
	PositionAssigned    PositionStatus = "ASSIGNED"
)

// Position is an open or historical leg. Quantity is contracts for option legs
// (negative = short) and shares for LONG_SHARES. History is never destroyed.
type Position struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	Symbol        string         `json:"symbol"`
	Kind          PositionKind   `json:"kind"`
	Strike        float64        `json:"strike"`
	Expiry        time.Time      `json:"expiry"`
	Quantity      int            `json:"quantity"`
	OpeningCredit float64        `json:"opening_credit"` // per-contract; negative = debit paid
	CurrentMark   float64        `json:"current_mark"`
	Delta         float64        `json:"delta"` // positive magnitude for CSP/CC
	EntryLevel    int            `json:"entry_level"`
	CurrentLevel  int            `json:"current_level"`
	Status        PositionStatus `json:"status"`
	OpenedAt      time.Time      `json:"opened_at"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
}

// Collateral returns the cash a CSP leg must keep reserved.
func (p *Position) Collateral() float64 {
	if p.Kind != LegCSP {
		return 0
	}
	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}
	return p.Strike * 100 * float64(qty)
}

// DTE returns whole days to expiry at the given time, floored at zero.
func (p *Position) DTE(now time.Time) int {
	d := int(p.Expiry.Sub(now).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// OrderIntent enumerates order purposes
type OrderIntent string

const (
	IntentOpenCSP   OrderIntent = "OPEN_CSP"
	IntentOpenCC    OrderIntent = "OPEN_CC"
	IntentCloseCSP  OrderIntent = "CLOSE_CSP"
	IntentCloseCC   OrderIntent = "CLOSE_CC"
	IntentRollCSP   OrderIntent = "ROLL_CSP"
	IntentRollCC    OrderIntent = "ROLL_CC"
	IntentOpenLEAP  OrderIntent = "OPEN_LEAP"
	IntentRollLEAP  OrderIntent = "ROLL_LEAP"
	IntentCloseLEAP OrderIntent = "CLOSE_LEAP"
)

// OrderStatus enumerates order lifecycle states
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderWorking         OrderStatus = "WORKING"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	// OrderUnknown is assigned to outstanding orders on broker disconnect,
	// resolved during reconciliation.
	OrderUnknown OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether a status is final. Exactly one terminal status
// exists per order chain version.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Order is a broker order tracked by client id.
// ClientID format: <account>:<intent>:<symbol>:<expiry>:<strike>:<version>
type Order struct {
	ClientID      string       `json:"client_id"`
	AccountID     string       `json:"account_id"`
	PositionID    string       `json:"position_id,omitempty"`
	Intent        OrderIntent  `json:"intent"`
	LegKind       PositionKind `json:"leg_kind,omitempty"` // distinguishes LEAP calls from puts
	Symbol        string       `json:"symbol"`
	Expiry        time.Time    `json:"expiry"`
	Strike        float64      `json:"strike"`
	Quantity      int          `json:"quantity"`
	LimitPrice    float64      `json:"limit_price"`
	ReferenceMid  float64      `json:"reference_mid"`
	BrokerID      string       `json:"broker_id,omitempty"`
	Status        OrderStatus  `json:"status"`
	FilledQty     int          `json:"filled_qty"`
	FillPrice     float64      `json:"fill_price"`
	Version       int          `json:"version"`
	ParentOrderID string       `json:"parent_order_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	LastUpdatedAt time.Time    `json:"last_updated_at"`
}

// ClientOrderID builds the idempotent client order id. Version numbers strictly
// increase along a cancel-replace chain; the base id (everything before the
// version suffix) identifies the chain.
func ClientOrderID(accountID string, intent OrderIntent, symbol string, expiry time.Time, strike float64, version int) string {
	return fmt.Sprintf("%s:%s:%s:%s:%.2f:%d", accountID, intent, symbol, expiry.Format("2006-01-02"), strike, version)
}

// BaseOrderID strips the version suffix from a client order id.
func BaseOrderID(clientID string) string {
	for i := len(clientID) - 1; i >= 0; i-- {
		if clientID[i] == ':' {
			return clientID[:i]
		}
	}
	return clientID
}

// WeekType classifies an account-week at RECONCILING
type WeekType string

const (
	WeekCalmIncome      WeekType = "CALM_INCOME"
	WeekRoll            WeekType = "ROLL"
	WeekAssignment      WeekType = "ASSIGNMENT"
	WeekPreservation    WeekType = "PRESERVATION"
	WeekHedged          WeekType = "HEDGED"
	WeekEarningsFilter  WeekType = "EARNINGS_FILTERED"
)

// GlobalMode is the system-wide operating mode driven by circuit breakers.
// Modes only restrict behaviour; the effective mode for an account is the most
// restrictive of the global mode and the account's own status.
type GlobalMode int

const (
	ModeNormal GlobalMode = iota
	ModeHedgedWeek
	ModeSafe
	ModeKill
)

// String returns a human-readable name for the mode.
func (m GlobalMode) String() string {
	switch m {
	case ModeNormal:
		return "Normal"
	case ModeHedgedWeek:
		return "HedgedWeek"
	case ModeSafe:
		return "SafeMode"
	case ModeKill:
		return "Kill"
	default:
		return "Unknown"
	}
}
