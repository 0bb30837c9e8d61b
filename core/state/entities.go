package state

import (
	"fmt"
	"strings"

	"crucible/native/lending"
	"crucible/native/leverage"
	"crucible/native/vault"
)

// GetVault returns the vault for asset, or nil when none was created.
func (m *Manager) GetVault(asset string) (*vault.Vault, error) {
	data, ok, err := m.getRaw(vaultKey(normalizeAsset(asset)))
	if err != nil || !ok {
		return nil, err
	}
	var rec vaultRecord
	if err := decodeCurrent(data, &rec); err != nil {
		return nil, fmt.Errorf("state: vault %s: %w", asset, err)
	}
	return rec.vault(), nil
}

// PutVault buffers a vault write.
func (m *Manager) PutVault(v *vault.Vault) error {
	if v == nil {
		return fmt.Errorf("state: nil vault")
	}
	encoded, err := encodeRecord(recordVersion2, newVaultRecord(v))
	if err != nil {
		return err
	}
	m.putRaw(vaultKey(normalizeAsset(v.Asset)), encoded)
	return nil
}

// GetMarket returns the lending market for asset, or nil when none exists.
func (m *Manager) GetMarket(asset string) (*lending.Market, error) {
	data, ok, err := m.getRaw(marketKey(normalizeAsset(asset)))
	if err != nil || !ok {
		return nil, err
	}
	var rec marketRecord
	if err := decodeCurrent(data, &rec); err != nil {
		return nil, fmt.Errorf("state: market %s: %w", asset, err)
	}
	return rec.market(), nil
}

// PutMarket buffers a market write.
func (m *Manager) PutMarket(market *lending.Market) error {
	if market == nil {
		return fmt.Errorf("state: nil market")
	}
	encoded, err := encodeRecord(recordVersion2, newMarketRecord(market))
	if err != nil {
		return err
	}
	m.putRaw(marketKey(normalizeAsset(market.Asset)), encoded)
	return nil
}

// GetBorrower returns the debt account id in the asset market.
func (m *Manager) GetBorrower(asset, id string) (*lending.BorrowerAccount, error) {
	data, ok, err := m.getRaw(borrowerKey(normalizeAsset(asset), id))
	if err != nil || !ok {
		return nil, err
	}
	var rec borrowerRecord
	if err := decodeCurrent(data, &rec); err != nil {
		return nil, fmt.Errorf("state: borrower %s/%s: %w", asset, id, err)
	}
	return &lending.BorrowerAccount{ID: rec.ID, Principal: amountFrom(rec.Principal), BorrowIndex: amountFrom(rec.BorrowIndex)}, nil
}

// PutBorrower buffers a borrower write. A cleared account is deleted.
func (m *Manager) PutBorrower(asset string, acct *lending.BorrowerAccount) error {
	if acct == nil {
		return fmt.Errorf("state: nil borrower")
	}
	key := borrowerKey(normalizeAsset(asset), acct.ID)
	if acct.Principal == nil || acct.Principal.IsZero() {
		m.deleteRaw(key)
		return nil
	}
	encoded, err := encodeRecord(recordVersion2, borrowerRecord{
		ID:          acct.ID,
		Principal:   amountBytes(acct.Principal),
		BorrowIndex: amountBytes(acct.BorrowIndex),
	})
	if err != nil {
		return err
	}
	m.putRaw(key, encoded)
	return nil
}

// GetPosition returns position id, or nil when it was never opened. Records
// in the v1 layout are migrated as they are read.
func (m *Manager) GetPosition(id uint64) (*leverage.Position, error) {
	data, ok, err := m.getRaw(positionKey(id))
	if err != nil || !ok {
		return nil, err
	}
	p, _, err := decodePosition(data, m.defaultDebtAsset)
	if err != nil {
		return nil, fmt.Errorf("state: position %d: %w", id, err)
	}
	return p, nil
}

// PutPosition buffers a position write and indexes it under its owner.
func (m *Manager) PutPosition(p *leverage.Position) error {
	if p == nil {
		return fmt.Errorf("state: nil position")
	}
	encoded, err := encodeRecord(recordVersion2, newPositionRecord(p))
	if err != nil {
		return err
	}
	m.putRaw(positionKey(p.ID), encoded)
	return m.KVPut(positionOwnerKey(p.Owner, p.ID), p.ID)
}

// NextPositionID allocates the next position id. Ids start at 1 and are never
// reused.
func (m *Manager) NextPositionID() (uint64, error) {
	var last uint64
	if _, err := m.KVGet(positionNonceKey(), &last); err != nil {
		return 0, err
	}
	next := last + 1
	if next == 0 {
		return 0, fmt.Errorf("state: position id space exhausted")
	}
	if err := m.KVPut(positionNonceKey(), next); err != nil {
		return 0, err
	}
	return next, nil
}

// PositionsByOwner lists every position opened by owner in id order.
func (m *Manager) PositionsByOwner(owner string) ([]*leverage.Position, error) {
	keys, err := m.keys(Prefix(EntityPositionOwner, owner))
	if err != nil {
		return nil, err
	}
	out := make([]*leverage.Position, 0, len(keys))
	for _, key := range keys {
		id, ok := nonceFromKey(key)
		if !ok {
			continue
		}
		p, err := m.GetPosition(id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
