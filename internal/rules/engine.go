package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/config"
	"github.com/alluse/engine/internal/domain"
	"github.com/rs/zerolog"
)

// RejectReason enumerates validation failures. Reasons are the only semantic
// channel for rejections; free-form strings never carry meaning.
type RejectReason string

const (
	RejectOutsideEntryWindow        RejectReason = "OUTSIDE_ENTRY_WINDOW"
	RejectSymbolNotPermitted        RejectReason = "SYMBOL_NOT_PERMITTED"
	RejectDeltaOutOfBand            RejectReason = "DELTA_OUT_OF_BAND"
	RejectDTEOutOfBand              RejectReason = "DTE_OUT_OF_BAND"
	RejectEarningsThisWeek          RejectReason = "EARNINGS_THIS_WEEK"
	RejectLiquidityInsufficient     RejectReason = "LIQUIDITY_INSUFFICIENT"
	RejectCapitalExceeded           RejectReason = "CAPITAL_EXCEEDED"
	RejectPerSymbolExposureExceeded RejectReason = "PER_SYMBOL_EXPOSURE_EXCEEDED"
	RejectDuplicateOrder            RejectReason = "DUPLICATE_ORDER"
	RejectSlippageExceeded          RejectReason = "SLIPPAGE_EXCEEDED"
	RejectSystemSafeMode            RejectReason = "SYSTEM_SAFE_MODE"
)

// Result is the outcome of validating one candidate. Approval requires every
// checklist item to pass; there is no partial approval.
type Result struct {
	Approved bool
	Reasons  []RejectReason
}

func (r *Result) reject(reason RejectReason) {
	r.Approved = false
	r.Reasons = append(r.Reasons, reason)
}

// Candidate is a proposed action with the account context needed to judge it.
// Notional figures are in dollars; quantities are contracts (positive).
type Candidate struct {
	Account  *domain.Account
	Intent   domain.OrderIntent
	Contract domain.OptionContract
	Quantity int
	Spot     float64

	SleeveEquity   float64 // total sleeve capital, drives deployment and exposure caps
	SymbolNotional float64 // notional already open for this symbol in the sleeve
	SharesHeld     int     // long shares of the symbol held by the account
	CoveredQty     int     // CC contracts already written against those shares
}

// Env is the market environment at validation time.
type Env struct {
	Now              time.Time
	GlobalMode       domain.GlobalMode
	Stressed         bool            // unlocks the Generator's alternate DTE range
	LiveOrderBaseIDs map[string]bool // base client order ids with a live version
}

// Engine validates candidate actions. It holds no mutable state; every answer
// is a function of its inputs and the fixed sleeve contracts.
type Engine struct {
	cal         *clock.Calendar
	exposureCap float64
	slippageCap float64
	log         zerolog.Logger
}

// NewEngine creates a rules engine
func NewEngine(cfg *config.Config, cal *clock.Calendar, log zerolog.Logger) *Engine {
	return &Engine{
		cal:         cal,
		exposureCap: cfg.PerSymbolExposureCap,
		slippageCap: cfg.SlippageCapPct,
		log:         log.With().Str("component", "rules").Logger(),
	}
}

// Validate runs the full checklist for a candidate. All failures are
// collected; the caller ledgers every reason.
func (e *Engine) Validate(ctx context.Context, c Candidate, env Env) Result {
	result := Result{Approved: true}

	// Layer 0: operating mode. Kill blocks everything; SafeMode blocks new
	// entries but defensive rolls and closes stay allowed.
	if !e.modeAllows(c, env) {
		result.reject(RejectSystemSafeMode)
		return result
	}

	contract, ok := ContractFor(c.Account.Kind)
	if !ok {
		result.reject(RejectSymbolNotPermitted)
		return result
	}

	if isLEAPIntent(c.Intent) {
		e.checkLEAP(c, env, &result)
	} else {
		e.checkSleeve(ctx, c, env, contract, &result)
	}

	// Layer 6: liquidity gate, all sleeves, all entries.
	if isOpenIntent(c.Intent) || isRollIntent(c.Intent) {
		e.checkLiquidity(c, &result)
	}

	// Layer 7: duplicate order detection by base client id.
	if env.LiveOrderBaseIDs[baseID(c)] {
		result.reject(RejectDuplicateOrder)
	}

	if !result.Approved {
		e.log.Debug().
			Str("account", c.Account.ID).
			Str("intent", string(c.Intent)).
			Str("symbol", c.Contract.Symbol).
			Interface("reasons", result.Reasons).
			Msg("Candidate rejected")
	}
	return result
}

// checkSleeve runs the weekly CSP/CC checklist.
func (e *Engine) checkSleeve(ctx context.Context, c Candidate, env Env, contract SleeveContract, result *Result) {
	// Layer 1: symbol whitelist.
	if !contract.Symbols[c.Contract.Symbol] {
		result.reject(RejectSymbolNotPermitted)
	}

	open := isOpenIntent(c.Intent)

	// Layer 2: entry window. Rolls and closes are defensive and exempt.
	if open && !e.cal.InEntryWindow(c.Account.Kind, env.Now) {
		result.reject(RejectOutsideEntryWindow)
	}

	// Layer 3: delta band and DTE range. Applies to entries and roll targets.
	if open || isRollIntent(c.Intent) {
		if !contract.InDeltaBand(c.Contract.DeltaMagnitude()) {
			result.reject(RejectDeltaOutOfBand)
		}
		if !contract.InDTERange(dteOf(c.Contract.Expiry, env.Now), env.Stressed) {
			result.reject(RejectDTEOutOfBand)
		}
	}

	// Layer 4: earnings filter, entries only.
	if open {
		e.checkEarnings(ctx, c, env, contract, result)
	}

	// Layer 5: capital and exposure, entries only.
	if open {
		e.checkCapital(c, env, result)
	}
}

// checkEarnings applies the sleeve's earnings policy. An unknown earnings
// calendar blocks the entry: never assume clear.
func (e *Engine) checkEarnings(ctx context.Context, c Candidate, env Env, contract SleeveContract, result *Result) {
	has, err := e.cal.HasEarnings(ctx, c.Contract.Symbol, env.Now)
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", c.Contract.Symbol).Msg("Earnings calendar unavailable, blocking entry")
		result.reject(RejectEarningsThisWeek)
		return
	}
	if !has {
		return
	}

	switch contract.Earnings {
	case EarningsSkip:
		result.reject(RejectEarningsThisWeek)
	case EarningsReduceCoverage:
		// Coverage after this entry must stay at or under half the shares held.
		covered := (c.CoveredQty + c.Quantity) * 100
		if float64(covered) > 0.5*float64(c.SharesHeld) {
			result.reject(RejectEarningsThisWeek)
		}
	}
}

// checkCapital enforces collateral, share backing, deployment, and per-symbol
// exposure caps for a new entry.
func (e *Engine) checkCapital(c Candidate, env Env, result *Result) {
	notional := c.Contract.Strike * 100 * float64(c.Quantity)

	switch c.Intent {
	case domain.IntentOpenCSP:
		// Collateral must fit in deployable cash, and total reservation must
		// stay within the sleeve. A hedged week halves the allowed deployment.
		deployCap := c.SleeveEquity
		if env.GlobalMode == domain.ModeHedgedWeek {
			deployCap = c.SleeveEquity / 2
		}
		if notional > c.Account.DeployableCash() || c.Account.ReservedCash+notional > deployCap {
			result.reject(RejectCapitalExceeded)
		}
	case domain.IntentOpenCC:
		// Every short call needs 100 shares of backing.
		if (c.CoveredQty+c.Quantity)*100 > c.SharesHeld {
			result.reject(RejectCapitalExceeded)
		}
	}

	if notional+c.SymbolNotional > e.exposureCap*c.SleeveEquity {
		result.reject(RejectPerSymbolExposureExceeded)
	}
}

// checkLEAP enforces the ladder bands: growth calls 0.25-0.35 delta 12-18
// months out, hedge puts 10-20% OTM 6-12 months out.
func (e *Engine) checkLEAP(c Candidate, env Env, result *Result) {
	dte := dteOf(c.Contract.Expiry, env.Now)
	if !c.Contract.Expiry.IsZero() {
		if c.Contract.Put {
			if dte < leapHedgeDTELo || dte > leapHedgeDTEHi {
				result.reject(RejectDTEOutOfBand)
			}
			if c.Spot > 0 {
				otm := (c.Spot - c.Contract.Strike) / c.Spot
				if otm < leapHedgeOTMLo || otm > leapHedgeOTMHi {
					result.reject(RejectDeltaOutOfBand)
				}
			}
		} else {
			if dte < leapGrowthDTELo || dte > leapGrowthDTEHi {
				result.reject(RejectDTEOutOfBand)
			}
			mag := c.Contract.DeltaMagnitude()
			if mag < leapGrowthDeltaLo || mag > leapGrowthDeltaHi {
				result.reject(RejectDeltaOutOfBand)
			}
		}
	}

	// LEAP buys spend the ladder budget, never sleeve collateral.
	cost := c.Contract.Mid() * 100 * float64(c.Quantity)
	if c.Intent == domain.IntentOpenLEAP && cost > c.Account.LEAPBudget {
		result.reject(RejectCapitalExceeded)
	}
}

// checkLiquidity applies the liquidity gate common to all sleeves.
func (e *Engine) checkLiquidity(c Candidate, result *Result) {
	ct := c.Contract
	if ct.OpenInterest < minOpenInterest ||
		ct.Volume < minDailyVolume ||
		ct.SpreadPct() > maxSpreadPct ||
		(ct.AvgVolume20d > 0 && float64(c.Quantity) > maxADVShare*float64(ct.AvgVolume20d)) {
		result.reject(RejectLiquidityInsufficient)
	}
}

// CheckFill applies the slippage discipline to a realised fill price against
// the reference mid captured at decision time. A violation means the order
// must be cancelled, never accepted.
func (e *Engine) CheckFill(intent domain.OrderIntent, referenceMid, fillPrice float64) error {
	if referenceMid <= 0 {
		return fmt.Errorf("slippage check: no reference mid")
	}

	if IsCredit(intent) {
		if fillPrice < referenceMid*(1-e.slippageCap) {
			return fmt.Errorf("%s fill %.2f below credit floor %.2f: %s",
				intent, fillPrice, referenceMid*(1-e.slippageCap), RejectSlippageExceeded)
		}
		return nil
	}
	if fillPrice > referenceMid*(1+e.slippageCap) {
		return fmt.Errorf("%s fill %.2f above debit cap %.2f: %s",
			intent, fillPrice, referenceMid*(1+e.slippageCap), RejectSlippageExceeded)
	}
	return nil
}

// modeAllows applies the mode lattice: the effective mode is the most
// restrictive of the global mode and the account's own status.
func (e *Engine) modeAllows(c Candidate, env Env) bool {
	if env.GlobalMode == domain.ModeKill {
		return false
	}

	switch c.Account.Status {
	case domain.AccountActive:
	case domain.AccountSafeMode:
		// Defensive management only.
		if isOpenIntent(c.Intent) {
			return false
		}
	default:
		return false
	}

	if env.GlobalMode == domain.ModeSafe && isOpenIntent(c.Intent) {
		return false
	}
	return true
}

// IsCredit reports whether an intent receives premium (sell to open/close).
func IsCredit(intent domain.OrderIntent) bool {
	switch intent {
	case domain.IntentOpenCSP, domain.IntentOpenCC, domain.IntentCloseLEAP:
		return true
	default:
		return false
	}
}

func isOpenIntent(intent domain.OrderIntent) bool {
	switch intent {
	case domain.IntentOpenCSP, domain.IntentOpenCC, domain.IntentOpenLEAP:
		return true
	default:
		return false
	}
}

func isRollIntent(intent domain.OrderIntent) bool {
	switch intent {
	case domain.IntentRollCSP, domain.IntentRollCC, domain.IntentRollLEAP:
		return true
	default:
		return false
	}
}

func isLEAPIntent(intent domain.OrderIntent) bool {
	switch intent {
	case domain.IntentOpenLEAP, domain.IntentRollLEAP, domain.IntentCloseLEAP:
		return true
	default:
		return false
	}
}

func baseID(c Candidate) string {
	return domain.BaseOrderID(domain.ClientOrderID(
		c.Account.ID, c.Intent, c.Contract.Symbol, c.Contract.Expiry, c.Contract.Strike, 0))
}

func dteOf(expiry, now time.Time) int {
	d := int(expiry.Sub(now).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
