package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"jobescrow/storage"
)

var (
	errTxClosed = errors.New("state: transaction already closed")
	errEmptyKey = errors.New("kv: key must not be empty")
)

// KV is the read/write surface shared by the Manager and its transactions.
// Values are RLP encoded.
type KV interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVIterate(prefix []byte, fn func(key, value []byte) bool) error
}

// Manager provides RLP-encoded key/value access to the backing database and
// hands out write transactions that commit atomically.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Database exposes the underlying store.
func (m *Manager) Database() storage.Database { return m.db }

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, errEmptyKey
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return decodeInto(data, out)
}

// KVDelete removes the key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	return m.db.Delete(key)
}

// KVIterate walks every stored key with the given prefix in ascending order.
func (m *Manager) KVIterate(prefix []byte, fn func(key, value []byte) bool) error {
	return m.db.Iterate(prefix, fn)
}

// Begin opens a write overlay on top of the current state. Nothing reaches the
// database until Commit.
func (m *Manager) Begin() *Tx {
	return &Tx{db: m.db, writes: make(map[string]pendingWrite)}
}

type pendingWrite struct {
	value   []byte
	deleted bool
}

// Tx buffers writes and applies them as one storage batch. A Tx is not safe
// for concurrent use.
type Tx struct {
	db     storage.Database
	writes map[string]pendingWrite
	closed bool
}

// KVPut buffers an RLP-encoded write.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if tx.closed {
		return errTxClosed
	}
	if len(key) == 0 {
		return errEmptyKey
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	tx.writes[string(key)] = pendingWrite{value: encoded}
	return nil
}

// KVGet reads through the overlay to the database.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if tx.closed {
		return false, errTxClosed
	}
	if len(key) == 0 {
		return false, errEmptyKey
	}
	if w, ok := tx.writes[string(key)]; ok {
		if w.deleted {
			return false, nil
		}
		return decodeInto(w.value, out)
	}
	data, err := tx.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return decodeInto(data, out)
}

// KVDelete buffers a removal.
func (tx *Tx) KVDelete(key []byte) error {
	if tx.closed {
		return errTxClosed
	}
	if len(key) == 0 {
		return errEmptyKey
	}
	tx.writes[string(key)] = pendingWrite{deleted: true}
	return nil
}

// KVIterate merges buffered writes with the stored keys under prefix.
func (tx *Tx) KVIterate(prefix []byte, fn func(key, value []byte) bool) error {
	if tx.closed {
		return errTxClosed
	}
	merged := make(map[string][]byte)
	if err := tx.db.Iterate(prefix, func(key, value []byte) bool {
		merged[string(key)] = value
		return true
	}); err != nil {
		return err
	}
	for key, w := range tx.writes {
		if !bytes.HasPrefix([]byte(key), prefix) {
			continue
		}
		if w.deleted {
			delete(merged, key)
			continue
		}
		merged[key] = w.value
	}
	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !fn([]byte(key), merged[key]) {
			return nil
		}
	}
	return nil
}

// Pending reports the number of buffered writes.
func (tx *Tx) Pending() int { return len(tx.writes) }

// Commit writes every buffered change in a single batch and closes the Tx.
func (tx *Tx) Commit() error {
	if tx.closed {
		return errTxClosed
	}
	tx.closed = true
	if len(tx.writes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tx.writes))
	for key := range tx.writes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := storage.NewBatch()
	for _, key := range keys {
		w := tx.writes[key]
		if w.deleted {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), w.value)
	}
	if err := tx.db.Write(batch); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Discard drops buffered writes. Calling Discard after Commit is a no-op.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.writes = nil
}

func decodeInto(data []byte, out interface{}) (bool, error) {
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}
