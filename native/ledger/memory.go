package ledger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	nativecommon "crucible/native/common"
	"crucible/native/fixedpoint"
)

// MemLedger keeps balances in process memory. Mint authority is enforced per
// asset; transfer authorisation is left to the caller.
type MemLedger struct {
	mu          sync.RWMutex
	balances    map[string]map[string]*uint256.Int
	supply      map[string]*uint256.Int
	authorities map[string]string
}

// NewMemLedger returns an empty ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		balances:    make(map[string]map[string]*uint256.Int),
		supply:      make(map[string]*uint256.Int),
		authorities: make(map[string]string),
	}
}

// SetMintAuthority registers the only account allowed to mint asset.
func (l *MemLedger) SetMintAuthority(asset, authority string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authorities[normalize(asset)] = strings.TrimSpace(authority)
}

// Credit creates units out of thin air. It exists for genesis balances and
// test setup and bypasses mint authority.
func (l *MemLedger) Credit(asset, account string, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	asset = normalize(asset)
	supply, err := fixedpoint.Add(l.supply[asset], amount)
	if err != nil {
		return err
	}
	if err := l.credit(asset, account, amount); err != nil {
		return err
	}
	l.supply[asset] = supply
	return nil
}

// Transfer implements Ledger.
func (l *MemLedger) Transfer(asset, from, to string, amount *uint256.Int) error {
	if fixedpoint.IsZero(amount) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	asset = normalize(asset)
	if err := l.debit(asset, from, amount); err != nil {
		return err
	}
	if err := l.credit(asset, to, amount); err != nil {
		// restore the debit so the ledger never loses units
		_ = l.credit(asset, from, amount)
		return err
	}
	return nil
}

// MintUnits implements Ledger.
func (l *MemLedger) MintUnits(authority, asset, to string, amount *uint256.Int) error {
	if fixedpoint.IsZero(amount) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	asset = normalize(asset)
	if expected, ok := l.authorities[asset]; ok && expected != strings.TrimSpace(authority) {
		return fmt.Errorf("%w: mint authority for %s is %s, got %s", nativecommon.ErrUnauthorized, asset, expected, authority)
	}
	supply, err := fixedpoint.Add(l.supply[asset], amount)
	if err != nil {
		return err
	}
	if err := l.credit(asset, to, amount); err != nil {
		return err
	}
	l.supply[asset] = supply
	return nil
}

// BurnUnits implements Ledger.
func (l *MemLedger) BurnUnits(asset, owner string, amount *uint256.Int) error {
	if fixedpoint.IsZero(amount) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	asset = normalize(asset)
	if err := l.debit(asset, owner, amount); err != nil {
		return err
	}
	supply, err := fixedpoint.Sub(l.supply[asset], amount)
	if err != nil {
		return err
	}
	l.supply[asset] = supply
	return nil
}

// BalanceOf implements Ledger.
func (l *MemLedger) BalanceOf(asset, account string) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fixedpoint.Clone(l.balances[normalize(asset)][strings.TrimSpace(account)])
}

// TotalSupply implements Ledger. Units created through Credit are counted.
func (l *MemLedger) TotalSupply(asset string) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fixedpoint.Clone(l.supply[normalize(asset)])
}

func (l *MemLedger) credit(asset, account string, amount *uint256.Int) error {
	account = strings.TrimSpace(account)
	if account == "" {
		return fmt.Errorf("%w: empty account", nativecommon.ErrInvalidAmount)
	}
	book, ok := l.balances[asset]
	if !ok {
		book = make(map[string]*uint256.Int)
		l.balances[asset] = book
	}
	next, err := fixedpoint.Add(book[account], amount)
	if err != nil {
		return err
	}
	book[account] = next
	return nil
}

func (l *MemLedger) debit(asset, account string, amount *uint256.Int) error {
	account = strings.TrimSpace(account)
	current := fixedpoint.Clone(l.balances[asset][account])
	if current.Lt(amount) {
		return fmt.Errorf("%w: %s balance of %s is %s, need %s", nativecommon.ErrInsufficientLiquidity, asset, account, current.Dec(), amount.Dec())
	}
	l.balances[asset][account] = current.Sub(current, amount)
	return nil
}

func normalize(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
