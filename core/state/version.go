package state

import (
	"errors"
	"fmt"
	"math"
)

// StateVersion identifies the expected on-disk schema layout. Version 2 gives
// every position its own debt asset, debt account and close timestamp.
const StateVersion uint32 = 2

// ErrStateVersionMismatch is returned when the stored layout is newer than
// this binary or migration was not allowed.
var ErrStateVersionMismatch = errors.New("state: schema version mismatch")

var stateVersionKey = []byte("state/version")

// SetStateVersion stamps the layout version. The write is buffered until
// Commit.
func (m *Manager) SetStateVersion(version uint32) error {
	if m == nil {
		return errManagerUnavailable
	}
	return m.KVPut(stateVersionKey, uint64(version))
}

// StateVersion reads the stamped layout version. ok is false for databases
// written before versions were recorded.
func (m *Manager) StateVersion() (version uint32, ok bool, err error) {
	if m == nil {
		return 0, false, errManagerUnavailable
	}
	var stored uint64
	if ok, err = m.KVGet(stateVersionKey, &stored); err != nil || !ok {
		return 0, false, err
	}
	if stored > math.MaxUint32 {
		return 0, false, fmt.Errorf("state: stamped version %d overflows uint32", stored)
	}
	return uint32(stored), true, nil
}

// EnsureStateVersion verifies that the on-disk state version matches the
// version supported by this binary. An empty database is stamped with the
// current version. When allowMigrate is true, older layouts are rewritten in
// place; otherwise a mismatch is an error.
func (m *Manager) EnsureStateVersion(allowMigrate bool) error {
	version, ok, err := m.StateVersion()
	if err != nil {
		return err
	}
	if !ok {
		empty, err := m.isEmpty()
		if err != nil {
			return err
		}
		version = 1
		if empty {
			version = 0
		}
	}
	switch {
	case version == StateVersion:
		return nil
	case version == 0:
		// fresh database, nothing to migrate
	case version > StateVersion || !allowMigrate:
		return fmt.Errorf("%w: stored v%d, binary v%d", ErrStateVersionMismatch, version, StateVersion)
	default:
		if _, err := m.MigratePositions(); err != nil {
			return err
		}
	}
	if err := m.SetStateVersion(StateVersion); err != nil {
		return err
	}
	return m.Commit()
}

// MigratePositions rewrites every v1 position in the v2 layout and returns how
// many were rewritten. Writes are buffered until Commit.
func (m *Manager) MigratePositions() (int, error) {
	keys, err := m.keys([]byte(EntityPosition + keySeparator))
	if err != nil {
		return 0, err
	}
	migrated := 0
	for _, key := range keys {
		data, ok, err := m.getRaw(key)
		if err != nil {
			return migrated, err
		}
		if !ok {
			continue
		}
		p, version, err := decodePosition(data, m.defaultDebtAsset)
		if err != nil {
			return migrated, err
		}
		if version == recordVersion2 {
			continue
		}
		if err := m.PutPosition(p); err != nil {
			return migrated, err
		}
		migrated++
	}
	return migrated, nil
}

func (m *Manager) isEmpty() (bool, error) {
	keys, err := m.keys(nil)
	if err != nil {
		return false, err
	}
	return len(keys) == 0, nil
}
