package types

import "github.com/holiman/uint256"

// Account is the spendable balance held by a party identity.
type Account struct {
	Balance *uint256.Int
}

// NewAccount returns an account with a zero balance.
func NewAccount() *Account {
	return &Account{Balance: new(uint256.Int)}
}

// Ensure fills nil fields so callers can do arithmetic without checks.
func (a *Account) Ensure() *Account {
	if a == nil {
		return NewAccount()
	}
	if a.Balance == nil {
		a.Balance = new(uint256.Int)
	}
	return a
}
