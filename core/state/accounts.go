package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"workescrow/core/types"
	"workescrow/crypto"
)

func accountKey(id crypto.Identity) []byte {
	return prefixed(accountPrefix, id[:])
}

// GetAccount returns the account stored for id, or an empty account.
func (tx *Tx) GetAccount(id crypto.Identity) (*types.Account, error) {
	raw, ok, err := tx.get(accountKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	account := new(types.Account)
	if err := rlp.DecodeBytes(raw, account); err != nil {
		return nil, fmt.Errorf("state: decode account %s: %w", id, err)
	}
	return account.Ensure(), nil
}

// PutAccount stages account for id.
func (tx *Tx) PutAccount(id crypto.Identity, account *types.Account) error {
	encoded, err := rlp.EncodeToBytes(account.Ensure())
	if err != nil {
		return err
	}
	return tx.put(accountKey(id), encoded)
}

// BalanceGet implements escrow.LedgerReader.
func (tx *Tx) BalanceGet(id crypto.Identity) (*uint256.Int, error) {
	account, err := tx.GetAccount(id)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(account.Balance), nil
}

// BalancePut implements escrow.LedgerTx.
func (tx *Tx) BalancePut(id crypto.Identity, balance *uint256.Int) error {
	account, err := tx.GetAccount(id)
	if err != nil {
		return err
	}
	if balance == nil {
		balance = new(uint256.Int)
	}
	account.Balance = new(uint256.Int).Set(balance)
	return tx.PutAccount(id, account)
}

// Credit adds amount to the balance of id.
func (tx *Tx) Credit(id crypto.Identity, amount *uint256.Int) error {
	balance, err := tx.BalanceGet(id)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return fmt.Errorf("state: balance overflow for %s", id)
	}
	return tx.BalancePut(id, next)
}
