package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"crucible/native/fixedpoint"
)

type opKind uint8

const (
	opTransfer opKind = iota + 1
	opMint
	opBurn
)

type journalEntry struct {
	kind      opKind
	authority string
	asset     string
	from      string
	to        string
	amount    *uint256.Int
}

// Journal records every successful call made through it so that a failed
// operation can be unwound. Burns are undone by minting with the configured
// authority, so the journal must hold mint authority for every asset it burns.
type Journal struct {
	inner     Ledger
	authority string
	entries   []journalEntry
}

// NewJournal wraps inner for the lifetime of a single operation.
func NewJournal(inner Ledger, authority string) *Journal {
	return &Journal{inner: inner, authority: authority}
}

// Transfer implements Ledger.
func (j *Journal) Transfer(asset, from, to string, amount *uint256.Int) error {
	if err := j.inner.Transfer(asset, from, to, amount); err != nil {
		return err
	}
	j.entries = append(j.entries, journalEntry{kind: opTransfer, asset: asset, from: from, to: to, amount: fixedpoint.Clone(amount)})
	return nil
}

// MintUnits implements Ledger.
func (j *Journal) MintUnits(authority, asset, to string, amount *uint256.Int) error {
	if err := j.inner.MintUnits(authority, asset, to, amount); err != nil {
		return err
	}
	j.entries = append(j.entries, journalEntry{kind: opMint, authority: authority, asset: asset, to: to, amount: fixedpoint.Clone(amount)})
	return nil
}

// BurnUnits implements Ledger.
func (j *Journal) BurnUnits(asset, owner string, amount *uint256.Int) error {
	if err := j.inner.BurnUnits(asset, owner, amount); err != nil {
		return err
	}
	j.entries = append(j.entries, journalEntry{kind: opBurn, asset: asset, from: owner, amount: fixedpoint.Clone(amount)})
	return nil
}

// BalanceOf implements Ledger.
func (j *Journal) BalanceOf(asset, account string) *uint256.Int {
	return j.inner.BalanceOf(asset, account)
}

// TotalSupply implements Ledger.
func (j *Journal) TotalSupply(asset string) *uint256.Int {
	return j.inner.TotalSupply(asset)
}

// Len reports how many effects have been recorded.
func (j *Journal) Len() int { return len(j.entries) }

// Commit forgets the recorded effects.
func (j *Journal) Commit() { j.entries = nil }

// Revert applies the inverse of every recorded effect, newest first. All
// inverses are attempted even if one fails.
func (j *Journal) Revert() error {
	var errs []error
	for i := len(j.entries) - 1; i >= 0; i-- {
		entry := j.entries[i]
		var err error
		switch entry.kind {
		case opTransfer:
			err = j.inner.Transfer(entry.asset, entry.to, entry.from, entry.amount)
		case opMint:
			err = j.inner.BurnUnits(entry.asset, entry.to, entry.amount)
		case opBurn:
			err = j.inner.MintUnits(j.authority, entry.asset, entry.from, entry.amount)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("revert entry %d: %w", i, err))
		}
	}
	j.entries = nil
	return errors.Join(errs...)
}
