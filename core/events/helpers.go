package events

import (
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"crucible/native/fixedpoint"
)

// VaultSnapshot captures the vault accounting needed to replay history
// without reading storage.
type VaultSnapshot struct {
	Deposited    *uint256.Int
	Fees         *uint256.Int
	Locked       *uint256.Int
	Expected     *uint256.Int
	ShareSupply  *uint256.Int
	ExchangeRate *uint256.Int
}

func (s VaultSnapshot) write(attrs map[string]string, prefix string) {
	attrs[prefix+".deposited"] = fixedpoint.String(s.Deposited)
	attrs[prefix+".fees"] = fixedpoint.String(s.Fees)
	attrs[prefix+".locked"] = fixedpoint.String(s.Locked)
	attrs[prefix+".expected"] = fixedpoint.String(s.Expected)
	attrs[prefix+".shareSupply"] = fixedpoint.String(s.ShareSupply)
	attrs[prefix+".exchangeRate"] = fixedpoint.String(s.ExchangeRate)
}

func amount(v *uint256.Int) string { return fixedpoint.String(v) }

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func trim(v string) string { return strings.TrimSpace(v) }
