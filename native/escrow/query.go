package escrow

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"workescrow/crypto"
)

// Filter narrows List results. Nil fields match everything; set fields are
// combined with AND.
type Filter struct {
	Client     *crypto.Identity
	Freelancer *crypto.Identity
}

func (f Filter) matches(esc *Escrow) bool {
	if f.Client != nil && esc.Client != *f.Client {
		return false
	}
	if f.Freelancer != nil && esc.Freelancer != *f.Freelancer {
		return false
	}
	return true
}

// Get returns the agreement stored at loc.
func (e *Engine) Get(loc CustodyLocation) (*Escrow, error) {
	var out *Escrow
	err := e.view(func(r LedgerReader) error {
		esc, err := loadEscrow(r, loc)
		if err != nil {
			return err
		}
		out = esc.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Custody returns the balances held at loc.
func (e *Engine) Custody(loc CustodyLocation) (Custody, error) {
	var out Custody
	err := e.view(func(r LedgerReader) error {
		if _, err := loadEscrow(r, loc); err != nil {
			return err
		}
		custody, err := r.CustodyGet(loc)
		if err != nil {
			return err
		}
		out = custody
		return nil
	})
	return out, err
}

// Balance returns the spendable balance of id.
func (e *Engine) Balance(id crypto.Identity) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.view(func(r LedgerReader) error {
		balance, err := r.BalanceGet(id)
		if err != nil {
			return err
		}
		out = new(uint256.Int).Set(balance)
		return nil
	})
	return out, err
}

// List enumerates agreements in location order with their display state at
// the time of the call. An empty ledger yields an empty slice and no error;
// a cancelled context or a failed read yields ErrUnavailable.
func (e *Engine) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilLedger
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := e.now()
	entries := make([]Entry, 0)
	err := e.ledger.IterateEscrows(func(loc CustodyLocation, esc *Escrow) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !filter.matches(esc) {
			return nil
		}
		entries = append(entries, Entry{Location: loc, Escrow: esc.Clone(), State: esc.StateAt(now)})
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctxErr)
		}
		return nil, classify(err)
	}
	return entries, nil
}
