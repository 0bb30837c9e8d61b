package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"crucible/native/fixedpoint"
	"crucible/native/lending"
	"crucible/native/leverage"
	"crucible/native/vault"
)

// Record layout versions. Version 1 positions predate isolated debt accounts
// and carry no debt asset, debt account or close timestamp.
const (
	recordVersion1 uint = 1
	recordVersion2 uint = 2
)

// envelope prefixes every stored record with its layout version.
type envelope struct {
	Version uint
	Payload rlp.RawValue
}

func encodeRecord(version uint, record interface{}) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(record)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(envelope{Version: version, Payload: payload})
}

func decodeEnvelope(data []byte) (*envelope, error) {
	env := new(envelope)
	if err := rlp.DecodeBytes(data, env); err != nil {
		return nil, fmt.Errorf("state: decode envelope: %w", err)
	}
	return env, nil
}

func amountBytes(v *uint256.Int) []byte {
	return fixedpoint.Clone(v).Bytes()
}

func amountFrom(b []byte) *uint256.Int {
	return new(uint256.Int).SetBytes(b)
}

type vaultRecord struct {
	Asset            string
	ShareAsset       string
	Treasury         string
	OracleFeed       string
	MintFeeBps       uint64
	BurnFeeBps       uint64
	VaultShareBps    uint64
	RewardBps        uint64
	MinAmount        []byte
	MaxAmount        []byte
	MaxDeviationBps  uint64
	Paused           bool
	TrackedDeposited []byte
	AccruedFees      []byte
	LockedCollateral []byte
	ExpectedBalance  []byte
}

func newVaultRecord(v *vault.Vault) vaultRecord {
	return vaultRecord{
		Asset:            v.Asset,
		ShareAsset:       v.ShareAsset,
		Treasury:         v.Treasury,
		OracleFeed:       v.OracleFeed,
		MintFeeBps:       v.MintFeeBps,
		BurnFeeBps:       v.BurnFeeBps,
		VaultShareBps:    v.VaultShareBps,
		RewardBps:        v.RewardBps,
		MinAmount:        amountBytes(v.MinAmount),
		MaxAmount:        amountBytes(v.MaxAmount),
		MaxDeviationBps:  v.MaxDeviationBps,
		Paused:           v.Paused,
		TrackedDeposited: amountBytes(v.TrackedDeposited),
		AccruedFees:      amountBytes(v.AccruedFees),
		LockedCollateral: amountBytes(v.LockedCollateral),
		ExpectedBalance:  amountBytes(v.ExpectedBalance),
	}
}

func (r vaultRecord) vault() *vault.Vault {
	return &vault.Vault{
		Params: vault.Params{
			Asset:           r.Asset,
			ShareAsset:      r.ShareAsset,
			Treasury:        r.Treasury,
			OracleFeed:      r.OracleFeed,
			MintFeeBps:      r.MintFeeBps,
			BurnFeeBps:      r.BurnFeeBps,
			VaultShareBps:   r.VaultShareBps,
			RewardBps:       r.RewardBps,
			MinAmount:       amountFrom(r.MinAmount),
			MaxAmount:       amountFrom(r.MaxAmount),
			MaxDeviationBps: r.MaxDeviationBps,
		},
		Paused:           r.Paused,
		TrackedDeposited: amountFrom(r.TrackedDeposited),
		AccruedFees:      amountFrom(r.AccruedFees),
		LockedCollateral: amountFrom(r.LockedCollateral),
		ExpectedBalance:  amountFrom(r.ExpectedBalance),
	}
}

type marketRecord struct {
	Asset                   string
	ReceiptAsset            string
	BaseRateBps             uint64
	Slope1Bps               uint64
	Slope2Bps               uint64
	KinkBps                 uint64
	LiquidationThresholdBps uint64
	MinimumReserve          []byte
	TotalSupply             []byte
	TotalBorrowed           []byte
	AccumulatedIndex        []byte
	LastAccrued             uint64
	Paused                  bool
	PauseProposedAt         uint64
}

func newMarketRecord(m *lending.Market) marketRecord {
	return marketRecord{
		Asset:                   m.Asset,
		ReceiptAsset:            m.ReceiptAsset,
		BaseRateBps:             m.Model.BaseRateBps,
		Slope1Bps:               m.Model.Slope1Bps,
		Slope2Bps:               m.Model.Slope2Bps,
		KinkBps:                 m.Model.KinkBps,
		LiquidationThresholdBps: m.LiquidationThresholdBps,
		MinimumReserve:          amountBytes(m.MinimumReserve),
		TotalSupply:             amountBytes(m.TotalSupply),
		TotalBorrowed:           amountBytes(m.TotalBorrowed),
		AccumulatedIndex:        amountBytes(m.AccumulatedIndex),
		LastAccrued:             m.LastAccrued,
		Paused:                  m.Paused,
		PauseProposedAt:         m.PauseProposedAt,
	}
}

func (r marketRecord) market() *lending.Market {
	return &lending.Market{
		Params: lending.Params{
			Asset:        r.Asset,
			ReceiptAsset: r.ReceiptAsset,
			Model: lending.InterestModel{
				BaseRateBps: r.BaseRateBps,
				Slope1Bps:   r.Slope1Bps,
				Slope2Bps:   r.Slope2Bps,
				KinkBps:     r.KinkBps,
			},
			LiquidationThresholdBps: r.LiquidationThresholdBps,
			MinimumReserve:          amountFrom(r.MinimumReserve),
		},
		TotalSupply:      amountFrom(r.TotalSupply),
		TotalBorrowed:    amountFrom(r.TotalBorrowed),
		AccumulatedIndex: amountFrom(r.AccumulatedIndex),
		LastAccrued:      r.LastAccrued,
		Paused:           r.Paused,
		PauseProposedAt:  r.PauseProposedAt,
	}
}

type borrowerRecord struct {
	ID          string
	Principal   []byte
	BorrowIndex []byte
}

type positionRecordV1 struct {
	ID                uint64
	Owner             string
	CollateralAsset   string
	CollateralAmount  []byte
	BorrowedAmount    []byte
	Leverage          uint64
	EntryPrice        uint64
	EntryExchangeRate []byte
	CreatedAt         uint64
	Open              bool
}

type positionRecordV2 struct {
	ID                uint64
	Owner             string
	CollateralAsset   string
	CollateralAmount  []byte
	DebtAsset         string
	DebtAccount       string
	BorrowedAmount    []byte
	Leverage          uint64
	EntryPrice        uint64
	EntryExchangeRate []byte
	CreatedAt         uint64
	ClosedAt          uint64
	Open              bool
}

func newPositionRecord(p *leverage.Position) positionRecordV2 {
	return positionRecordV2{
		ID:                p.ID,
		Owner:             p.Owner,
		CollateralAsset:   p.CollateralAsset,
		CollateralAmount:  amountBytes(p.CollateralAmount),
		DebtAsset:         p.DebtAsset,
		DebtAccount:       p.DebtAccount,
		BorrowedAmount:    amountBytes(p.BorrowedAmount),
		Leverage:          p.Leverage,
		EntryPrice:        p.EntryPrice,
		EntryExchangeRate: amountBytes(p.EntryExchangeRate),
		CreatedAt:         p.CreatedAt,
		ClosedAt:          p.ClosedAt,
		Open:              p.Open,
	}
}

func (r positionRecordV2) position() *leverage.Position {
	return &leverage.Position{
		ID:                r.ID,
		Owner:             r.Owner,
		CollateralAsset:   r.CollateralAsset,
		CollateralAmount:  amountFrom(r.CollateralAmount),
		DebtAsset:         r.DebtAsset,
		DebtAccount:       r.DebtAccount,
		BorrowedAmount:    amountFrom(r.BorrowedAmount),
		Leverage:          r.Leverage,
		EntryPrice:        r.EntryPrice,
		EntryExchangeRate: amountFrom(r.EntryExchangeRate),
		CreatedAt:         r.CreatedAt,
		ClosedAt:          r.ClosedAt,
		Open:              r.Open,
	}
}

// migrate lifts a v1 position to the v2 layout. The debt lived in an account
// named after the position id, which is exactly what DebtAccountID derives.
func (r positionRecordV1) migrate(debtAsset string) positionRecordV2 {
	return positionRecordV2{
		ID:                r.ID,
		Owner:             r.Owner,
		CollateralAsset:   r.CollateralAsset,
		CollateralAmount:  r.CollateralAmount,
		DebtAsset:         debtAsset,
		DebtAccount:       leverage.DebtAccountID(r.ID),
		BorrowedAmount:    r.BorrowedAmount,
		Leverage:          r.Leverage,
		EntryPrice:        r.EntryPrice,
		EntryExchangeRate: r.EntryExchangeRate,
		CreatedAt:         r.CreatedAt,
		Open:              r.Open,
	}
}

func decodePosition(data []byte, debtAsset string) (*leverage.Position, uint, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, 0, err
	}
	switch env.Version {
	case recordVersion1:
		var v1 positionRecordV1
		if err := rlp.DecodeBytes(env.Payload, &v1); err != nil {
			return nil, 0, fmt.Errorf("state: decode v1 position: %w", err)
		}
		return v1.migrate(debtAsset).position(), env.Version, nil
	case recordVersion2:
		var v2 positionRecordV2
		if err := rlp.DecodeBytes(env.Payload, &v2); err != nil {
			return nil, 0, fmt.Errorf("state: decode position: %w", err)
		}
		return v2.position(), env.Version, nil
	default:
		return nil, 0, fmt.Errorf("%w: position record version %d", ErrStateVersionMismatch, env.Version)
	}
}

// decodeCurrent decodes a record whose layout did not change in version 2.
func decodeCurrent(data []byte, out interface{}) error {
	env, err := decodeEnvelope(data)
	if err != nil {
		return err
	}
	if env.Version != recordVersion2 {
		return fmt.Errorf("%w: record version %d", ErrStateVersionMismatch, env.Version)
	}
	return rlp.DecodeBytes(env.Payload, out)
}
