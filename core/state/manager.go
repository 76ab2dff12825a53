package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"workescrow/native/escrow"
	"workescrow/storage"
)

// ErrConflict is matched by every ConflictError.
var ErrConflict = errors.New("state: write conflict")

const maxViewAttempts = 3

// ConflictError reports that a key read by a transaction changed before the
// transaction committed.
type ConflictError struct {
	Key []byte
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state: write conflict on key %x", e.Key)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Conflict lets callers detect conflicts without importing this package.
func (e *ConflictError) Conflict() bool { return true }

// Manager runs optimistic transactions over a key-value store. Every key has
// a version that is bumped on each committed write; a transaction commits only
// if every key it read still carries the version it observed.
type Manager struct {
	db    storage.Database
	locks *keyLocks
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, locks: newKeyLocks()}
}

// Begin opens a transaction. Callers must Commit or Discard it.
func (m *Manager) Begin() *Tx {
	return &Tx{
		m:      m,
		reads:  make(map[string]uint64),
		writes: make(map[string][]byte),
	}
}

// Update runs fn inside a transaction and commits it when fn succeeds. A
// failed commit is never retried here.
func (m *Manager) Update(fn func(tx escrow.LedgerTx) error) error {
	tx := m.Begin()
	defer tx.Discard()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// View runs fn against a consistent read set. If a concurrent commit touches
// a key fn read, fn is re-run a bounded number of times.
func (m *Manager) View(fn func(r escrow.LedgerReader) error) error {
	var lastErr error
	for attempt := 0; attempt < maxViewAttempts; attempt++ {
		tx := m.Begin()
		if err := fn(tx); err != nil {
			tx.Discard()
			return err
		}
		lastErr = tx.validate()
		tx.Discard()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrConflict) {
			return lastErr
		}
	}
	return lastErr
}

func (m *Manager) version(key string) (uint64, error) {
	raw, err := m.db.Get(versionKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("state: malformed version for key %x", key)
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Tx is a buffered optimistic transaction. It is not safe for concurrent use.
type Tx struct {
	m      *Manager
	reads  map[string]uint64
	writes map[string][]byte
	done   bool
}

// get returns the value for key as seen by this transaction. The version is
// read before the value, so an interleaved commit can only cause a spurious
// conflict, never a stale value that validates.
func (tx *Tx) get(key []byte) ([]byte, bool, error) {
	if tx.done {
		return nil, false, errors.New("state: transaction finished")
	}
	k := string(key)
	if value, ok := tx.writes[k]; ok {
		return append([]byte(nil), value...), true, nil
	}
	ver, err := tx.m.version(k)
	if err != nil {
		return nil, false, err
	}
	if seen, ok := tx.reads[k]; !ok {
		tx.reads[k] = ver
	} else if seen != ver {
		return nil, false, &ConflictError{Key: append([]byte(nil), key...)}
	}
	value, err := tx.m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (tx *Tx) put(key, value []byte) error {
	if tx.done {
		return errors.New("state: transaction finished")
	}
	tx.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

// Discard abandons the transaction. It is safe to call after Commit.
func (tx *Tx) Discard() {
	tx.done = true
}

// Commit validates the read set and applies all buffered writes in one
// atomic batch.
func (tx *Tx) Commit() error {
	if tx.done {
		return errors.New("state: transaction finished")
	}
	tx.done = true
	if len(tx.writes) == 0 {
		return nil
	}
	keys := tx.touched()
	unlock := tx.m.locks.lock(keys)
	defer unlock()

	if err := tx.checkReads(); err != nil {
		return err
	}
	batch := tx.m.db.NewBatch()
	for _, k := range keys {
		value, ok := tx.writes[k]
		if !ok {
			continue
		}
		ver, err := tx.m.version(k)
		if err != nil {
			return err
		}
		batch.Put([]byte(k), value)
		batch.Put(versionKey(k), encodeVersion(ver+1))
	}
	return batch.Write()
}

func (tx *Tx) validate() error {
	keys := tx.touched()
	unlock := tx.m.locks.lock(keys)
	defer unlock()
	return tx.checkReads()
}

func (tx *Tx) checkReads() error {
	for k, seen := range tx.reads {
		current, err := tx.m.version(k)
		if err != nil {
			return err
		}
		if current != seen {
			return &ConflictError{Key: []byte(k)}
		}
	}
	return nil
}

func (tx *Tx) touched() []string {
	set := make(map[string]struct{}, len(tx.reads)+len(tx.writes))
	for k := range tx.reads {
		set[k] = struct{}{}
	}
	for k := range tx.writes {
		set[k] = struct{}{}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func encodeVersion(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
