// Package ledger defines the asset-movement collaborator the engines settle
// through, an in-memory implementation for tests and devnets, and a Journal
// that unwinds a failed operation.
package ledger

import "github.com/holiman/uint256"

// Ledger moves, issues and retires units of an asset. Implementations are
// synchronous and either apply an operation fully or return an error.
type Ledger interface {
	Transfer(asset, from, to string, amount *uint256.Int) error
	MintUnits(authority, asset, to string, amount *uint256.Int) error
	BurnUnits(asset, owner string, amount *uint256.Int) error
	BalanceOf(asset, account string) *uint256.Int
	TotalSupply(asset string) *uint256.Int
}
