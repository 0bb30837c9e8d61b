package events

import (
	"github.com/holiman/uint256"

	"crucible/core/types"
)

const (
	// TypeShareMinted is emitted when a deposit mints vault shares.
	TypeShareMinted = "vault.share_minted"
	// TypeShareBurned is emitted when shares are redeemed for the base asset.
	TypeShareBurned = "vault.share_burned"
	// TypeFeesAccrued is emitted when fee income is credited to a vault.
	TypeFeesAccrued = "vault.fees_accrued"
)

// ShareMinted records a mint and the vault state on either side of it.
type ShareMinted struct {
	Asset         string
	Account       string
	Amount        *uint256.Int
	Fee           *uint256.Int
	VaultShare    *uint256.Int
	TreasuryShare *uint256.Int
	Shares        *uint256.Int
	Before        VaultSnapshot
	After         VaultSnapshot
}

func (ShareMinted) EventType() string { return TypeShareMinted }

func (e ShareMinted) Event() *types.Event {
	attrs := map[string]string{
		"asset":         trim(e.Asset),
		"account":       trim(e.Account),
		"amount":        amount(e.Amount),
		"fee":           amount(e.Fee),
		"vaultShare":    amount(e.VaultShare),
		"treasuryShare": amount(e.TreasuryShare),
		"shares":        amount(e.Shares),
	}
	e.Before.write(attrs, "before")
	e.After.write(attrs, "after")
	return &types.Event{Type: TypeShareMinted, Attributes: attrs}
}

// ShareBurned records a redemption.
type ShareBurned struct {
	Asset            string
	Account          string
	Shares           *uint256.Int
	Gross            *uint256.Int
	Fee              *uint256.Int
	VaultShare       *uint256.Int
	TreasuryShare    *uint256.Int
	Net              *uint256.Int
	PrincipalPortion *uint256.Int
	Before           VaultSnapshot
	After            VaultSnapshot
}

func (ShareBurned) EventType() string { return TypeShareBurned }

func (e ShareBurned) Event() *types.Event {
	attrs := map[string]string{
		"asset":            trim(e.Asset),
		"account":          trim(e.Account),
		"shares":           amount(e.Shares),
		"gross":            amount(e.Gross),
		"fee":              amount(e.Fee),
		"vaultShare":       amount(e.VaultShare),
		"treasuryShare":    amount(e.TreasuryShare),
		"net":              amount(e.Net),
		"principalPortion": amount(e.PrincipalPortion),
	}
	e.Before.write(attrs, "before")
	e.After.write(attrs, "after")
	return &types.Event{Type: TypeShareBurned, Attributes: attrs}
}

// FeesAccrued records fee income retained by a vault. Source names the flow
// that produced it (deposit, position_close).
type FeesAccrued struct {
	Asset         string
	Source        string
	Amount        *uint256.Int
	VaultShare    *uint256.Int
	TreasuryShare *uint256.Int
	RewardShares  *uint256.Int
	Before        VaultSnapshot
	After         VaultSnapshot
}

func (FeesAccrued) EventType() string { return TypeFeesAccrued }

func (e FeesAccrued) Event() *types.Event {
	attrs := map[string]string{
		"asset":         trim(e.Asset),
		"source":        trim(e.Source),
		"amount":        amount(e.Amount),
		"vaultShare":    amount(e.VaultShare),
		"treasuryShare": amount(e.TreasuryShare),
		"rewardShares":  amount(e.RewardShares),
	}
	e.Before.write(attrs, "before")
	e.After.write(attrs, "after")
	return &types.Event{Type: TypeFeesAccrued, Attributes: attrs}
}
