// Package state persists protocol entities on a storage.Database. Writes are
// buffered per operation and reach the database in one batch on Commit.
package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"crucible/storage"
)

var errManagerUnavailable = errors.New("state: manager unavailable")

type pendingWrite struct {
	value   []byte
	deleted bool
}

// Manager provides typed access to protocol state. It is not safe for
// concurrent use; the protocol serialises every operation.
type Manager struct {
	db      storage.Database
	pending map[string]pendingWrite
	// defaultDebtAsset fills the debt asset of positions written before
	// schema version 2.
	defaultDebtAsset string
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, pending: make(map[string]pendingWrite)}
}

// SetDefaultDebtAsset configures the debt asset assumed for v1 positions.
func (m *Manager) SetDefaultDebtAsset(asset string) {
	m.defaultDebtAsset = asset
}

// Pending reports the number of buffered writes.
func (m *Manager) Pending() int { return len(m.pending) }

// Commit flushes buffered writes through a single batch.
func (m *Manager) Commit() error {
	if m == nil || m.db == nil {
		return errManagerUnavailable
	}
	if len(m.pending) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m.pending))
	for k := range m.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := m.db.NewBatch()
	for _, k := range keys {
		w := m.pending[k]
		if w.deleted {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), w.value)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit %d writes: %w", len(keys), err)
	}
	m.pending = make(map[string]pendingWrite)
	return nil
}

// Discard drops buffered writes.
func (m *Manager) Discard() {
	m.pending = make(map[string]pendingWrite)
}

func (m *Manager) getRaw(key []byte) ([]byte, bool, error) {
	if w, ok := m.pending[string(key)]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, len(data) > 0, nil
}

func (m *Manager) putRaw(key, value []byte) {
	m.pending[string(key)] = pendingWrite{value: append([]byte(nil), value...)}
}

func (m *Manager) deleteRaw(key []byte) {
	m.pending[string(key)] = pendingWrite{deleted: true}
}

// keys lists committed and pending keys under prefix.
func (m *Manager) keys(prefix []byte) ([][]byte, error) {
	stored, err := m.db.Keys(prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(stored))
	var out []string
	for _, k := range stored {
		key := string(k)
		if w, ok := m.pending[key]; ok && w.deleted {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	for key, w := range m.pending {
		if w.deleted || seen[key] || len(key) < len(prefix) || key[:len(prefix)] != string(prefix) {
			continue
		}
		out = append(out, key)
	}
	sort.Strings(out)
	result := make([][]byte, len(out))
	for i, k := range out {
		result[i] = []byte(k)
	}
	return result, nil
}

// KVPut stores an RLP-encoded value.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.putRaw(key, encoded)
	return nil
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := m.getRaw(key)
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}
