package lending

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"crucible/core/events"
	nativecommon "crucible/native/common"
	"crucible/native/fixedpoint"
	"crucible/native/ledger"
)

var (
	errNilState  = errors.New("lending engine: state not configured")
	errNilLedger = errors.New("lending engine: ledger not configured")
	errNilClock  = errors.New("lending engine: clock not configured")
	errNilMarket = errors.New("lending engine: market not initialised")
)

const moduleName = "lending"

type engineState interface {
	GetMarket(asset string) (*Market, error)
	PutMarket(market *Market) error
	GetBorrower(asset, id string) (*BorrowerAccount, error)
	PutBorrower(asset string, account *BorrowerAccount) error
}

// Engine orchestrates the state transitions of the lending markets. Interest
// accrues lazily at the start of every mutating call.
type Engine struct {
	state     engineState
	ledger    ledger.Ledger
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	clock     nativecommon.Clock
	authority string
}

// NewEngine constructs an engine that mints receipt units as authority.
func NewEngine(authority string) *Engine {
	return &Engine{authority: strings.TrimSpace(authority), emitter: events.NoopEmitter{}}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the asset ledger.
func (e *Engine) SetLedger(l ledger.Ledger) {
	if e == nil {
		return
	}
	e.ledger = l
}

// SetEmitter configures the event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetPauses configures the pause view consulted before every operation.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetClock configures the timestamp source used for accrual.
func (e *Engine) SetClock(c nativecommon.Clock) {
	if e == nil {
		return
	}
	e.clock = c
}

// RepayResult reports how a repayment was applied.
type RepayResult struct {
	Paid            *uint256.Int
	PrincipalRepaid *uint256.Int
	Interest        *uint256.Int
	Remaining       *uint256.Int
}

// Market returns a copy of the stored market without accruing.
func (e *Engine) Market(asset string) (*Market, error) {
	m, err := e.loadMarket(asset)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// Borrower returns a copy of the borrower account, or nil when none exists.
func (e *Engine) Borrower(asset, id string) (*BorrowerAccount, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	acct, err := e.state.GetBorrower(normalizeAsset(asset), strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	return acct.Clone(), nil
}

// Accrue brings the market index up to the clock and persists it.
func (e *Engine) Accrue(asset string) (*Market, error) {
	m, err := e.loadMarket(asset)
	if err != nil {
		return nil, err
	}
	next, err := e.accrue(m)
	if err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Supply deposits liquidity and mints receipt units at the current receipt
// value. It returns the receipts minted.
func (e *Engine) Supply(asset, supplier string, amount *uint256.Int) (*uint256.Int, error) {
	m, err := e.loadActive(asset)
	if err != nil {
		return nil, err
	}
	if fixedpoint.IsZero(amount) {
		return nil, fmt.Errorf("%w: zero supply", nativecommon.ErrInvalidAmount)
	}
	if m, err = e.accrue(m); err != nil {
		return nil, err
	}
	receiptSupply := e.ledger.TotalSupply(m.ReceiptAsset)
	receipts := fixedpoint.Clone(amount)
	if !receiptSupply.IsZero() && !m.TotalSupply.IsZero() {
		if receipts, err = fixedpoint.MulDiv(amount, receiptSupply, m.TotalSupply); err != nil {
			return nil, err
		}
	}
	if receipts.IsZero() {
		return nil, fmt.Errorf("%w: supply of %s mints zero receipts", nativecommon.ErrInvalidAmount, amount.Dec())
	}
	if m.TotalSupply, err = fixedpoint.Add(m.TotalSupply, amount); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(m.Asset, supplier, m.Custody(), amount); err != nil {
		return nil, err
	}
	if err := e.ledger.MintUnits(e.authority, m.ReceiptAsset, supplier, receipts); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(m); err != nil {
		return nil, err
	}
	return receipts, nil
}

// Withdraw burns receipts and returns their share of the supply. Withdrawals
// remain open while the market is paused.
func (e *Engine) Withdraw(asset, supplier string, receipts *uint256.Int) (*uint256.Int, error) {
	m, err := e.loadMarket(asset)
	if err != nil {
		return nil, err
	}
	if fixedpoint.IsZero(receipts) {
		return nil, fmt.Errorf("%w: zero withdrawal", nativecommon.ErrInvalidAmount)
	}
	if m, err = e.accrue(m); err != nil {
		return nil, err
	}
	receiptSupply := e.ledger.TotalSupply(m.ReceiptAsset)
	if receipts.Gt(receiptSupply) {
		return nil, fmt.Errorf("%w: receipts=%s outstanding=%s", nativecommon.ErrInvalidAmount, receipts.Dec(), receiptSupply.Dec())
	}
	amount, err := fixedpoint.MulDiv(receipts, m.TotalSupply, receiptSupply)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: withdrawal of %s receipts redeems nothing", nativecommon.ErrInvalidAmount, receipts.Dec())
	}
	if available := m.Available(); amount.Gt(available) {
		return nil, fmt.Errorf("%w: withdraw=%s available=%s", nativecommon.ErrInsufficientLiquidity, amount.Dec(), available.Dec())
	}
	if m.TotalSupply, err = fixedpoint.Sub(m.TotalSupply, amount); err != nil {
		return nil, err
	}
	if err := e.ledger.BurnUnits(m.ReceiptAsset, supplier, receipts); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(m.Asset, m.Custody(), supplier, amount); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(m); err != nil {
		return nil, err
	}
	return amount, nil
}

// Borrow draws amount against the debt account id and sends it to recipient.
// The minimum reserve is never lent out.
func (e *Engine) Borrow(asset, id, recipient string, amount *uint256.Int) error {
	m, err := e.loadActive(asset)
	if err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: borrower account id required", nativecommon.ErrInvalidAmount)
	}
	if fixedpoint.IsZero(amount) {
		return fmt.Errorf("%w: zero borrow", nativecommon.ErrInvalidAmount)
	}
	if m, err = e.accrue(m); err != nil {
		return err
	}
	available := m.Available()
	reserve := fixedpoint.Clone(m.MinimumReserve)
	if available.Lt(reserve) {
		available.Clear()
	} else {
		available.Sub(available, reserve)
	}
	if amount.Gt(available) {
		return fmt.Errorf("%w: borrow=%s available=%s reserve=%s", nativecommon.ErrInsufficientLiquidity, amount.Dec(), available.Dec(), reserve.Dec())
	}

	acct, err := e.state.GetBorrower(m.Asset, id)
	if err != nil {
		return err
	}
	next := acct.Clone()
	if next == nil || fixedpoint.IsZero(next.Principal) {
		next = &BorrowerAccount{ID: id, Principal: fixedpoint.Zero(), BorrowIndex: fixedpoint.Clone(m.AccumulatedIndex)}
	} else {
		// weighted average of the entry indices
		oldWeight, err := fixedpoint.Mul(next.Principal, next.BorrowIndex)
		if err != nil {
			return err
		}
		newWeight, err := fixedpoint.Mul(amount, m.AccumulatedIndex)
		if err != nil {
			return err
		}
		weight, err := fixedpoint.Add(oldWeight, newWeight)
		if err != nil {
			return err
		}
		total, err := fixedpoint.Add(next.Principal, amount)
		if err != nil {
			return err
		}
		if next.BorrowIndex, err = fixedpoint.Div(weight, total); err != nil {
			return err
		}
	}
	if next.Principal, err = fixedpoint.Add(next.Principal, amount); err != nil {
		return err
	}
	if m.TotalBorrowed, err = fixedpoint.Add(m.TotalBorrowed, amount); err != nil {
		return err
	}

	if err := e.ledger.Transfer(m.Asset, m.Custody(), recipient, amount); err != nil {
		return err
	}
	if err := e.state.PutBorrower(m.Asset, next); err != nil {
		return err
	}
	return e.state.PutMarket(m)
}

// Repay settles amount of the debt account id on behalf of payer. Paying more
// than is owed is rejected; paying exactly the owed amount clears the account.
func (e *Engine) Repay(asset, payer, id string, amount *uint256.Int) (*RepayResult, error) {
	m, err := e.loadMarket(asset)
	if err != nil {
		return nil, err
	}
	if fixedpoint.IsZero(amount) {
		return nil, fmt.Errorf("%w: zero repayment", nativecommon.ErrInvalidAmount)
	}
	if m, err = e.accrue(m); err != nil {
		return nil, err
	}
	acct, err := e.state.GetBorrower(m.Asset, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if acct == nil || fixedpoint.IsZero(acct.Principal) {
		return nil, fmt.Errorf("%w: account %s has no debt", nativecommon.ErrInvalidAmount, id)
	}
	if acct.Principal.Gt(m.TotalBorrowed) {
		return nil, fmt.Errorf("%w: borrower principal=%s exceeds market borrowed=%s", nativecommon.ErrVaultBalanceMismatch, acct.Principal.Dec(), m.TotalBorrowed.Dec())
	}
	owed, err := Owed(acct.Principal, acct.BorrowIndex, m.AccumulatedIndex)
	if err != nil {
		return nil, err
	}
	if amount.Gt(owed) {
		return nil, fmt.Errorf("%w: repay=%s owed=%s", nativecommon.ErrInvalidAmount, amount.Dec(), owed.Dec())
	}

	next := acct.Clone()
	var principalRepaid *uint256.Int
	if amount.Eq(owed) {
		principalRepaid = fixedpoint.Clone(acct.Principal)
		next.Principal = fixedpoint.Zero()
		next.BorrowIndex = fixedpoint.Zero()
	} else {
		// the entry index is kept so the remaining principal accrues from
		// the same point
		if principalRepaid, err = fixedpoint.MulDiv(amount, acct.BorrowIndex, m.AccumulatedIndex); err != nil {
			return nil, err
		}
		if next.Principal, err = fixedpoint.Sub(next.Principal, principalRepaid); err != nil {
			return nil, err
		}
	}
	interest, err := fixedpoint.Sub(amount, principalRepaid)
	if err != nil {
		return nil, err
	}
	if m.TotalBorrowed, err = fixedpoint.Sub(m.TotalBorrowed, principalRepaid); err != nil {
		return nil, err
	}
	if m.TotalSupply, err = fixedpoint.Add(m.TotalSupply, interest); err != nil {
		return nil, err
	}

	if err := e.ledger.Transfer(m.Asset, payer, m.Custody(), amount); err != nil {
		return nil, err
	}
	if err := e.state.PutBorrower(m.Asset, next); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(m); err != nil {
		return nil, err
	}
	remaining, err := Owed(next.Principal, next.BorrowIndex, m.AccumulatedIndex)
	if err != nil {
		return nil, err
	}
	return &RepayResult{Paid: fixedpoint.Clone(amount), PrincipalRepaid: principalRepaid, Interest: interest, Remaining: remaining}, nil
}

// TotalOwed projects the debt of account id at the current clock without
// persisting the accrual.
func (e *Engine) TotalOwed(asset, id string) (*uint256.Int, error) {
	m, err := e.loadMarket(asset)
	if err != nil {
		return nil, err
	}
	if m, err = e.project(m); err != nil {
		return nil, err
	}
	acct, err := e.state.GetBorrower(m.Asset, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return fixedpoint.Zero(), nil
	}
	return Owed(acct.Principal, acct.BorrowIndex, m.AccumulatedIndex)
}

// Rates reports utilisation and the borrow and supply APRs, all
// Scale-denominated.
func (e *Engine) Rates(asset string) (utilisation, borrow, supply *uint256.Int, err error) {
	m, err := e.loadMarket(asset)
	if err != nil {
		return nil, nil, nil, err
	}
	if utilisation, err = Utilisation(m.TotalBorrowed, m.TotalSupply); err != nil {
		return nil, nil, nil, err
	}
	if borrow, err = m.Model.Rate(utilisation); err != nil {
		return nil, nil, nil, err
	}
	if supply, err = m.Model.SupplyRate(utilisation); err != nil {
		return nil, nil, nil, err
	}
	return utilisation, borrow, supply, nil
}

// ProposePause starts the pause timelock.
func (e *Engine) ProposePause(asset string) error {
	m, err := e.loadMarket(asset)
	if err != nil {
		return err
	}
	if m.Paused {
		return fmt.Errorf("%w: market %s already paused", nativecommon.ErrProtocolPaused, m.Asset)
	}
	next := m.Clone()
	next.PauseProposedAt = e.clock.Now()
	return e.state.PutMarket(next)
}

// ExecutePause pauses the market once the timelock has elapsed.
func (e *Engine) ExecutePause(asset string) error {
	m, err := e.loadMarket(asset)
	if err != nil {
		return err
	}
	if m.PauseProposedAt == 0 {
		return fmt.Errorf("%w: no pause proposed for %s", nativecommon.ErrInvalidConfig, m.Asset)
	}
	now := e.clock.Now()
	if unlock := m.PauseProposedAt + PauseTimelock; now < unlock {
		return fmt.Errorf("%w: pause timelock active until %d (now %d)", nativecommon.ErrUnauthorized, unlock, now)
	}
	next := m.Clone()
	next.Paused = true
	next.PauseProposedAt = 0
	return e.state.PutMarket(next)
}

// Unpause lifts a pause or cancels a pending proposal immediately.
func (e *Engine) Unpause(asset string) error {
	m, err := e.loadMarket(asset)
	if err != nil {
		return err
	}
	next := m.Clone()
	next.Paused = false
	next.PauseProposedAt = 0
	return e.state.PutMarket(next)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if e.clock == nil {
		return errNilClock
	}
	return nil
}

// loadMarket returns the stored market after checking that custody still
// covers the unlent supply.
func (e *Engine) loadMarket(asset string) (*Market, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	m, err := e.state.GetMarket(normalizeAsset(asset))
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errNilMarket
	}
	actual := e.ledger.BalanceOf(m.Asset, m.Custody())
	if expected := m.Available(); actual.Lt(expected) {
		return nil, fmt.Errorf("%w: market %s expected=%s actual=%s", nativecommon.ErrVaultBalanceMismatch, m.Asset, expected.Dec(), actual.Dec())
	}
	return m, nil
}

func (e *Engine) loadActive(asset string) (*Market, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	m, err := e.loadMarket(asset)
	if err != nil {
		return nil, err
	}
	if m.Paused {
		return nil, fmt.Errorf("%w: market %s", nativecommon.ErrProtocolPaused, m.Asset)
	}
	return m, nil
}

// project returns a copy of m with the index advanced to now.
func (e *Engine) project(m *Market) (*Market, error) {
	now := e.clock.Now()
	next := m.Clone()
	if now <= m.LastAccrued {
		return next, nil
	}
	utilisation, err := Utilisation(m.TotalBorrowed, m.TotalSupply)
	if err != nil {
		return nil, err
	}
	rate, err := m.Model.Rate(utilisation)
	if err != nil {
		return nil, err
	}
	if next.AccumulatedIndex, err = GrowIndex(m.AccumulatedIndex, rate, now-m.LastAccrued); err != nil {
		return nil, err
	}
	next.LastAccrued = now
	return next, nil
}

// accrue is project plus an InterestAccrued event. Callers persist the
// returned market.
func (e *Engine) accrue(m *Market) (*Market, error) {
	next, err := e.project(m)
	if err != nil {
		return nil, err
	}
	if next.LastAccrued == m.LastAccrued {
		return next, nil
	}
	utilisation, err := Utilisation(m.TotalBorrowed, m.TotalSupply)
	if err != nil {
		return nil, err
	}
	rate, err := m.Model.Rate(utilisation)
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(events.InterestAccrued{
		Asset:         m.Asset,
		From:          m.LastAccrued,
		To:            next.LastAccrued,
		Utilization:   utilisation,
		AnnualRate:    rate,
		IndexBefore:   fixedpoint.Clone(m.AccumulatedIndex),
		IndexAfter:    fixedpoint.Clone(next.AccumulatedIndex),
		TotalBorrowed: fixedpoint.Clone(m.TotalBorrowed),
		TotalSupply:   fixedpoint.Clone(m.TotalSupply),
	})
	return next, nil
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
