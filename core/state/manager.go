package state

import (
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"miaochain/storage"
)

// Manager provides journaled key-value access to module state. Writes are
// buffered in memory until Commit flushes them to the backing database, and
// every write can be undone with RevertToSnapshot. Modules that share a
// Manager therefore roll back together.
type Manager struct {
	mu sync.Mutex

	db    storage.Database
	dirty map[string][]byte

	journal   *journal
	revisions []revision
	nextRevID int
}

type revision struct {
	id           int
	journalIndex int
}

// NewManager creates a state manager on top of the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		dirty:   make(map[string][]byte),
		journal: newJournal(),
	}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before it reaches the database.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(string(kvKey(key)), encoded)
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	m.mu.Lock()
	data, err := m.get(string(kvKey(key)))
	m.mu.Unlock()
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the key from state. The deletion is journaled like any
// other write.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(string(kvKey(key)), nil)
	return nil
}

// Snapshot returns an identifier for the current revision of the state.
func (m *Manager) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextRevID
	m.nextRevID++
	m.revisions = append(m.revisions, revision{id: id, journalIndex: m.journal.length()})
	return id
}

// RevertToSnapshot undoes every write performed after the snapshot was taken.
func (m *Manager) RevertToSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i := len(m.revisions) - 1; i >= 0; i-- {
		if m.revisions[i].id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic(fmt.Errorf("state: revision id %d cannot be reverted", id))
	}
	m.journal.revert(m.dirty, m.revisions[idx].journalIndex)
	m.revisions = m.revisions[:idx]
}

// DiscardSnapshot keeps the writes made since the snapshot and releases it,
// along with any snapshot taken after it. The journal is cleared once no
// snapshot remains open.
func (m *Manager) DiscardSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.revisions) - 1; i >= 0; i-- {
		if m.revisions[i].id == id {
			m.revisions = m.revisions[:i]
			break
		}
	}
	if len(m.revisions) == 0 {
		m.journal.reset()
	}
}

// Commit writes all buffered changes to the database in one batch and clears
// the journal. If the batch fails nothing is written and the changes stay
// pending. Snapshots taken before Commit become invalid.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.db.NewBatch()
	for key, value := range m.dirty {
		if value == nil {
			batch.Delete([]byte(key))
		} else {
			batch.Put([]byte(key), value)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	m.dirty = make(map[string][]byte)
	m.journal.reset()
	m.revisions = m.revisions[:0]
	return nil
}

// Pending reports the number of keys written since the last Commit.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty)
}

func (m *Manager) get(key string) ([]byte, error) {
	if value, ok := m.dirty[key]; ok {
		return value, nil
	}
	value, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (m *Manager) set(key string, value []byte) {
	prev, existed := m.dirty[key]
	m.journal.append(journalEntry{key: key, prev: prev, existed: existed})
	m.dirty[key] = value
}
