package state

import (
	"testing"

	"github.com/holiman/uint256"

	"workescrow/storage"
)

func TestAccountRoundTripThroughStore(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	id := testIdentity(t)

	tx := m.Begin()
	if err := tx.Credit(id, uint256.NewInt(42)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A fresh manager over the same database must decode the stored account.
	reopened := NewManager(db)
	read := reopened.Begin()
	defer read.Discard()
	account, err := read.GetAccount(id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Balance.Uint64() != 42 {
		t.Fatalf("unexpected balance %s", account.Balance)
	}
}

func TestMissingAccountIsEmpty(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	tx := m.Begin()
	defer tx.Discard()
	balance, err := tx.BalanceGet(testIdentity(t))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("expected zero balance, got %s", balance)
	}
}

func TestCreditRejectsOverflow(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	id := testIdentity(t)
	tx := m.Begin()
	defer tx.Discard()
	max := new(uint256.Int).SetAllOne()
	if err := tx.BalancePut(id, max); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Credit(id, uint256.NewInt(1)); err == nil {
		t.Fatalf("expected overflow error")
	}
	balance, err := tx.BalanceGet(id)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Eq(max) {
		t.Fatalf("balance changed after failed credit")
	}
}
