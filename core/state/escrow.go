package state

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"workescrow/native/escrow"
)

type custodyEntry struct {
	Locked  uint64
	Reserve uint64
}

func escrowKey(loc escrow.CustodyLocation) []byte {
	return prefixed(escrowPrefix, loc[:])
}

func custodyKey(loc escrow.CustodyLocation) []byte {
	return prefixed(custodyPrefix, loc[:])
}

// EscrowGet implements escrow.LedgerReader.
func (tx *Tx) EscrowGet(loc escrow.CustodyLocation) (*escrow.Escrow, bool, error) {
	raw, ok, err := tx.get(escrowKey(loc))
	if err != nil || !ok {
		return nil, false, err
	}
	esc, err := escrow.DecodeEscrow(raw)
	if err != nil {
		return nil, false, fmt.Errorf("state: escrow %s: %w", loc, err)
	}
	return esc, true, nil
}

// EscrowPut implements escrow.LedgerTx. The record must derive to loc.
func (tx *Tx) EscrowPut(loc escrow.CustodyLocation, esc *escrow.Escrow) error {
	if err := escrow.VerifyCustodyLocation(loc, esc); err != nil {
		return err
	}
	encoded, err := escrow.EncodeEscrow(esc)
	if err != nil {
		return err
	}
	return tx.put(escrowKey(loc), encoded)
}

// CustodyGet implements escrow.LedgerReader. Unknown locations hold nothing.
func (tx *Tx) CustodyGet(loc escrow.CustodyLocation) (escrow.Custody, error) {
	raw, ok, err := tx.get(custodyKey(loc))
	if err != nil || !ok {
		return escrow.Custody{}, err
	}
	var entry custodyEntry
	if err := rlp.DecodeBytes(raw, &entry); err != nil {
		return escrow.Custody{}, fmt.Errorf("state: decode custody %s: %w", loc, err)
	}
	return escrow.Custody{Locked: entry.Locked, Reserve: entry.Reserve}, nil
}

// CustodyPut implements escrow.LedgerTx.
func (tx *Tx) CustodyPut(loc escrow.CustodyLocation, custody escrow.Custody) error {
	encoded, err := rlp.EncodeToBytes(custodyEntry{Locked: custody.Locked, Reserve: custody.Reserve})
	if err != nil {
		return err
	}
	return tx.put(custodyKey(loc), encoded)
}

// IterateEscrows visits committed records in location order. It reads the
// store directly and takes no part in transaction validation.
func (m *Manager) IterateEscrows(fn func(loc escrow.CustodyLocation, esc *escrow.Escrow) error) error {
	return m.db.Iterate(escrowPrefix, func(key, value []byte) error {
		suffix := bytes.TrimPrefix(key, escrowPrefix)
		if len(suffix) != len(escrow.CustodyLocation{}) {
			return fmt.Errorf("state: malformed escrow key %x", key)
		}
		var loc escrow.CustodyLocation
		copy(loc[:], suffix)
		esc, err := escrow.DecodeEscrow(value)
		if err != nil {
			return fmt.Errorf("state: escrow %s: %w", loc, err)
		}
		return fn(loc, esc)
	})
}
