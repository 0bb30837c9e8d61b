package ledger

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"crucible/storage"
)

var (
	balancePrefix = []byte("ledger/balance/")
	supplyPrefix  = []byte("ledger/supply/")
)

// StoreLedger serves balances from memory and writes every mutation through
// to a database, so balances survive restarts alongside protocol state.
type StoreLedger struct {
	mem *MemLedger
	db  storage.Database
}

// OpenStoreLedger loads the balances persisted in db.
func OpenStoreLedger(db storage.Database) (*StoreLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: database required")
	}
	mem := NewMemLedger()
	keys, err := db.Keys(balancePrefix)
	if err != nil {
		return nil, fmt.Errorf("ledger: list balances: %w", err)
	}
	for _, key := range keys {
		asset, account, ok := splitBalanceKey(key)
		if !ok {
			return nil, fmt.Errorf("ledger: malformed balance key %q", key)
		}
		value, err := db.Get(key)
		if err != nil {
			return nil, fmt.Errorf("ledger: read balance %s/%s: %w", asset, account, err)
		}
		if err := mem.credit(asset, account, new(uint256.Int).SetBytes(value)); err != nil {
			return nil, err
		}
	}
	keys, err = db.Keys(supplyPrefix)
	if err != nil {
		return nil, fmt.Errorf("ledger: list supplies: %w", err)
	}
	for _, key := range keys {
		value, err := db.Get(key)
		if err != nil {
			return nil, fmt.Errorf("ledger: read supply %s: %w", key, err)
		}
		mem.supply[string(key[len(supplyPrefix):])] = new(uint256.Int).SetBytes(value)
	}
	return &StoreLedger{mem: mem, db: db}, nil
}

// SetMintAuthority registers the only account allowed to mint asset.
func (l *StoreLedger) SetMintAuthority(asset, authority string) {
	l.mem.SetMintAuthority(asset, authority)
}

// Credit creates units for genesis balances and bypasses mint authority.
func (l *StoreLedger) Credit(asset, account string, amount *uint256.Int) error {
	if err := l.mem.Credit(asset, account, amount); err != nil {
		return err
	}
	return l.persist(asset, account)
}

// Transfer implements Ledger.
func (l *StoreLedger) Transfer(asset, from, to string, amount *uint256.Int) error {
	if err := l.mem.Transfer(asset, from, to, amount); err != nil {
		return err
	}
	return l.persist(asset, from, to)
}

// MintUnits implements Ledger.
func (l *StoreLedger) MintUnits(authority, asset, to string, amount *uint256.Int) error {
	if err := l.mem.MintUnits(authority, asset, to, amount); err != nil {
		return err
	}
	return l.persist(asset, to)
}

// BurnUnits implements Ledger.
func (l *StoreLedger) BurnUnits(asset, owner string, amount *uint256.Int) error {
	if err := l.mem.BurnUnits(asset, owner, amount); err != nil {
		return err
	}
	return l.persist(asset, owner)
}

// BalanceOf implements Ledger.
func (l *StoreLedger) BalanceOf(asset, account string) *uint256.Int {
	return l.mem.BalanceOf(asset, account)
}

// TotalSupply implements Ledger.
func (l *StoreLedger) TotalSupply(asset string) *uint256.Int {
	return l.mem.TotalSupply(asset)
}

func (l *StoreLedger) persist(asset string, accounts ...string) error {
	asset = normalize(asset)
	batch := l.db.NewBatch()
	for _, account := range accounts {
		account = strings.TrimSpace(account)
		key := balanceKey(asset, account)
		balance := l.mem.BalanceOf(asset, account)
		if balance.IsZero() {
			batch.Delete(key)
			continue
		}
		batch.Put(key, balance.Bytes())
	}
	batch.Put(append(append([]byte{}, supplyPrefix...), asset...), l.mem.TotalSupply(asset).Bytes())
	if err := batch.Write(); err != nil {
		return fmt.Errorf("ledger: persist %s balances: %w", asset, err)
	}
	return nil
}

// Account names may contain any separator, so the asset is terminated by a
// zero byte.
func balanceKey(asset, account string) []byte {
	key := make([]byte, 0, len(balancePrefix)+len(asset)+1+len(account))
	key = append(key, balancePrefix...)
	key = append(key, asset...)
	key = append(key, 0)
	return append(key, account...)
}

func splitBalanceKey(key []byte) (string, string, bool) {
	rest := key[len(balancePrefix):]
	idx := bytes.IndexByte(rest, 0)
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return string(rest[:idx]), string(rest[idx+1:]), true
}
