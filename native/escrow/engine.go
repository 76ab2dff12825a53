package escrow

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"workescrow/core/events"
	"workescrow/core/types"
	"workescrow/crypto"
	"workescrow/native/common"
)

// ModuleName is the pause key consulted before new agreements are created.
const ModuleName = "escrow"

var errNilLedger = errors.New("escrow engine: ledger not configured")

// LedgerReader is the read side of a ledger transaction.
type LedgerReader interface {
	EscrowGet(loc CustodyLocation) (*Escrow, bool, error)
	CustodyGet(loc CustodyLocation) (Custody, error)
	BalanceGet(id crypto.Identity) (*uint256.Int, error)
}

// LedgerTx buffers writes that commit together or not at all.
type LedgerTx interface {
	LedgerReader
	EscrowPut(loc CustodyLocation, esc *Escrow) error
	CustodyPut(loc CustodyLocation, custody Custody) error
	BalancePut(id crypto.Identity, balance *uint256.Int) error
}

// Ledger runs transactions. Update must commit every write made through tx
// atomically when fn returns nil, discard them otherwise, and fail with an
// error reporting Conflict() == true when another transaction modified a key
// that fn read.
type Ledger interface {
	Update(fn func(tx LedgerTx) error) error
	View(fn func(r LedgerReader) error) error
	IterateEscrows(fn func(loc CustodyLocation, esc *Escrow) error) error
}

type conflicter interface {
	Conflict() bool
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine enforces the agreement lifecycle. Each operation runs as a single
// ledger transaction; events are emitted only after that transaction commits.
type Engine struct {
	ledger         Ledger
	emitter        events.Emitter
	pauses         common.PauseView
	reservePerByte uint64
	nowFn          func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine(ledger Ledger) *Engine {
	return &Engine{
		ledger:  ledger,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses installs the view consulted before creating agreements.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetReservePerByte configures the storage deposit charged per record byte.
// The deposit stays at the custody location after release.
func (e *Engine) SetReservePerByte(perByte uint64) { e.reservePerByte = perByte }

// Reserve returns the storage deposit charged for one agreement.
func (e *Engine) Reserve() uint64 {
	if e.reservePerByte > math.MaxUint64/RecordSize {
		return math.MaxUint64
	}
	return e.reservePerByte * RecordSize
}

// Now exposes the engine clock.
func (e *Engine) Now() int64 { return e.now() }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// update runs fn in one ledger transaction and normalises ledger failures.
func (e *Engine) update(fn func(tx LedgerTx) error) error {
	if e == nil || e.ledger == nil {
		return errNilLedger
	}
	return classify(e.ledger.Update(fn))
}

func (e *Engine) view(fn func(r LedgerReader) error) error {
	if e == nil || e.ledger == nil {
		return errNilLedger
	}
	return classify(e.ledger.View(fn))
}

// classify keeps escrow errors intact, turns commit conflicts into
// ErrConflict and reports any other ledger failure as unavailability.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var escErr *Error
	if errors.As(err, &escErr) {
		return err
	}
	var c conflicter
	if errors.As(err, &c) && c.Conflict() {
		return ErrConflict
	}
	if errors.Is(err, ErrCorruptRecord) || errors.Is(err, ErrBalanceOverflow) || errors.Is(err, common.ErrModulePaused) || errors.Is(err, errNilLedger) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func loadEscrow(r LedgerReader, loc CustodyLocation) (*Escrow, error) {
	esc, ok, err := r.EscrowGet(loc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

// Create locks amount from the client's balance under a new agreement and
// returns the custody location that identifies it.
func (e *Engine) Create(client, freelancer crypto.Identity, agreementID string, amount, deadline uint64) (CustodyLocation, error) {
	if e == nil || e.ledger == nil {
		return CustodyLocation{}, errNilLedger
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return CustodyLocation{}, err
	}
	if client.IsZero() || freelancer.IsZero() {
		return CustodyLocation{}, ErrInvalidIdentity
	}
	if len(agreementID) == 0 {
		return CustodyLocation{}, ErrIDEmpty
	}
	if len(agreementID) > MaxAgreementIDLength {
		return CustodyLocation{}, ErrIDTooLong
	}
	if amount == 0 {
		return CustodyLocation{}, ErrInvalidAmount
	}
	if deadlineReached(deadline, e.now()) {
		return CustodyLocation{}, ErrInvalidDeadline
	}
	loc, bump, err := FindCustodyLocation(client, freelancer, agreementID)
	if err != nil {
		return CustodyLocation{}, err
	}
	reserve := e.Reserve()
	total, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(amount), uint256.NewInt(reserve))
	if overflow {
		return CustodyLocation{}, ErrInsufficientFunds
	}
	esc := &Escrow{
		AgreementID: agreementID,
		Client:      client,
		Freelancer:  freelancer,
		Amount:      amount,
		Deadline:    deadline,
		Bump:        bump,
	}
	err = e.update(func(tx LedgerTx) error {
		if _, exists, err := tx.EscrowGet(loc); err != nil {
			return err
		} else if exists {
			return ErrDuplicateAgreement
		}
		balance, err := tx.BalanceGet(client)
		if err != nil {
			return err
		}
		if balance.Lt(total) {
			return ErrInsufficientFunds
		}
		if err := tx.BalancePut(client, new(uint256.Int).Sub(balance, total)); err != nil {
			return err
		}
		if err := tx.CustodyPut(loc, Custody{Locked: amount, Reserve: reserve}); err != nil {
			return err
		}
		return tx.EscrowPut(loc, esc)
	})
	if err != nil {
		return CustodyLocation{}, err
	}
	e.emit(NewCreatedEvent(loc, esc, reserve))
	return loc, nil
}

// SubmitWork records the freelancer's deliverable reference.
func (e *Engine) SubmitWork(loc CustodyLocation, caller crypto.Identity, metadataRef string) error {
	if strings.TrimSpace(metadataRef) == "" {
		return ErrMetadataEmpty
	}
	if len(metadataRef) > MaxMetadataLength {
		return ErrMetadataTooLong
	}
	var updated *Escrow
	err := e.update(func(tx LedgerTx) error {
		esc, err := loadEscrow(tx, loc)
		if err != nil {
			return err
		}
		if caller != esc.Freelancer {
			return ErrUnauthorizedFreelancer
		}
		if esc.IsReleased {
			return ErrAlreadyReleased
		}
		if esc.IsSubmitted {
			return ErrAlreadySubmitted
		}
		esc.IsSubmitted = true
		esc.MetadataRef = metadataRef
		if err := tx.EscrowPut(loc, esc); err != nil {
			return err
		}
		updated = esc
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(NewSubmittedEvent(loc, updated))
	return nil
}

// ApproveRelease pays the locked amount to the freelancer on the client's
// instruction.
func (e *Engine) ApproveRelease(loc CustodyLocation, caller crypto.Identity) error {
	var released *Escrow
	var paid uint64
	err := e.update(func(tx LedgerTx) error {
		esc, err := loadEscrow(tx, loc)
		if err != nil {
			return err
		}
		if caller != esc.Client {
			return ErrUnauthorizedClient
		}
		if esc.IsReleased {
			return ErrAlreadyReleased
		}
		if !esc.IsSubmitted {
			return ErrWorkNotSubmitted
		}
		if paid, err = settle(tx, loc, esc); err != nil {
			return err
		}
		released = esc
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(NewReleasedEvent(loc, released, paid, ReleasePathApprove, caller))
	return nil
}

// TriggerAutoRelease pays the freelancer once the deadline has passed on
// submitted work. Anyone may call it; the caller is only recorded.
func (e *Engine) TriggerAutoRelease(loc CustodyLocation, caller crypto.Identity) error {
	now := e.now()
	var released *Escrow
	var paid uint64
	err := e.update(func(tx LedgerTx) error {
		esc, err := loadEscrow(tx, loc)
		if err != nil {
			return err
		}
		if esc.IsReleased {
			return ErrAlreadyReleased
		}
		if !deadlineReached(esc.Deadline, now) {
			return ErrDeadlineNotPassed
		}
		if !esc.IsSubmitted {
			return ErrWorkNotSubmitted
		}
		if paid, err = settle(tx, loc, esc); err != nil {
			return err
		}
		released = esc
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(NewReleasedEvent(loc, released, paid, ReleasePathAuto, caller))
	return nil
}

// settle moves the locked balance to the freelancer and marks the record
// released. The storage reserve stays at the custody location.
func settle(tx LedgerTx, loc CustodyLocation, esc *Escrow) (uint64, error) {
	custody, err := tx.CustodyGet(loc)
	if err != nil {
		return 0, err
	}
	if custody.Locked != esc.Amount {
		return 0, fmt.Errorf("%w: custody holds %d, record expects %d", ErrCorruptRecord, custody.Locked, esc.Amount)
	}
	balance, err := tx.BalanceGet(esc.Freelancer)
	if err != nil {
		return 0, err
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, uint256.NewInt(custody.Locked))
	if overflow {
		return 0, ErrBalanceOverflow
	}
	if err := tx.BalancePut(esc.Freelancer, next); err != nil {
		return 0, err
	}
	paid := custody.Locked
	custody.Locked = 0
	if err := tx.CustodyPut(loc, custody); err != nil {
		return 0, err
	}
	esc.Amount = 0
	esc.IsReleased = true
	if err := tx.EscrowPut(loc, esc); err != nil {
		return 0, err
	}
	return paid, nil
}
