package state

import (
	"github.com/holiman/uint256"

	"workescrow/crypto"
)

// GenesisAlloc seeds the balance of one identity.
type GenesisAlloc struct {
	Identity crypto.Identity
	Balance  *uint256.Int
}

// ApplyGenesis credits allocs exactly once per database. It reports whether
// the allocations were applied by this call.
func (m *Manager) ApplyGenesis(allocs []GenesisAlloc) (bool, error) {
	tx := m.Begin()
	defer tx.Discard()

	_, applied, err := tx.get(genesisMarkerKey)
	if err != nil {
		return false, err
	}
	if applied {
		return false, nil
	}
	for _, alloc := range allocs {
		if alloc.Balance == nil || alloc.Balance.IsZero() {
			continue
		}
		if err := tx.Credit(alloc.Identity, alloc.Balance); err != nil {
			return false, err
		}
	}
	if err := tx.put(genesisMarkerKey, []byte{1}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
