package state

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"lukechampine.com/blake3"
)

// Entity types partition the key space.
const (
	EntityVault          = "vault"
	EntityMarket         = "market"
	EntityBorrower       = "borrower"
	EntityPosition       = "position"
	EntityPositionOwner  = "position-owner"
	EntityNonce          = "nonce"
	ownerDigestSize      = 16
	keySeparator         = "/"
	positionNonceOwner   = "positions"
	globalOwnerComponent = ""
)

// Key builds the storage key of an entity: entityType/ownerDigest/nonce. The
// owner is hashed with blake3 so keys have a fixed width whatever the owner
// string, and the nonce is big-endian so keys sort numerically.
func Key(entityType, owner string, nonce uint64) []byte {
	var buf strings.Builder
	buf.WriteString(entityType)
	buf.WriteString(keySeparator)
	buf.WriteString(OwnerDigest(owner))
	buf.WriteString(keySeparator)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	buf.WriteString(hex.EncodeToString(n[:]))
	return []byte(buf.String())
}

// Prefix returns the key prefix shared by every nonce of (entityType, owner).
func Prefix(entityType, owner string) []byte {
	return []byte(entityType + keySeparator + OwnerDigest(owner) + keySeparator)
}

// OwnerDigest returns the hex blake3 digest of an owner identity.
func OwnerDigest(owner string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(owner)))
	return hex.EncodeToString(sum[:ownerDigestSize])
}

func nonceFromKey(key []byte) (uint64, bool) {
	idx := strings.LastIndex(string(key), keySeparator)
	if idx < 0 {
		return 0, false
	}
	raw, err := hex.DecodeString(string(key[idx+1:]))
	if err != nil || len(raw) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}

func vaultKey(asset string) []byte { return Key(EntityVault, asset, 0) }

func marketKey(asset string) []byte { return Key(EntityMarket, asset, 0) }

func borrowerKey(asset, id string) []byte {
	return Key(EntityBorrower, asset+keySeparator+id, 0)
}

func positionKey(id uint64) []byte { return Key(EntityPosition, globalOwnerComponent, id) }

func positionOwnerKey(owner string, id uint64) []byte {
	return Key(EntityPositionOwner, owner, id)
}

func positionNonceKey() []byte { return Key(EntityNonce, positionNonceOwner, 0) }
