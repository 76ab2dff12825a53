package escrow

import (
	"fmt"

	"workescrow/crypto"
)

const (
	MaxAgreementIDLength = 32
	MaxMetadataLength    = 256
)

// Status is the persisted lifecycle position of an agreement.
type Status uint8

const (
	StatusPending Status = iota
	StatusSubmitted
	StatusReleased
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSubmitted:
		return "submitted"
	case StatusReleased:
		return "released"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// State is the display state of an agreement at a point in time. Expired is
// derived from the clock and never stored.
type State uint8

const (
	StatePending State = iota
	StateSubmitted
	StateExpired
	StateReleased
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSubmitted:
		return "submitted"
	case StateExpired:
		return "expired"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseState maps a display state name back to its value.
func ParseState(name string) (State, error) {
	switch name {
	case "pending":
		return StatePending, nil
	case "submitted":
		return StateSubmitted, nil
	case "expired":
		return StateExpired, nil
	case "released":
		return StateReleased, nil
	default:
		return 0, fmt.Errorf("unknown escrow state %q", name)
	}
}

// Escrow is a single agreement between a client and a freelancer. The record
// lives at the custody location derived from (Client, Freelancer, AgreementID)
// and is never deleted.
type Escrow struct {
	AgreementID string
	Client      crypto.Identity
	Freelancer  crypto.Identity
	// Amount is the locked value; it drops to zero on release.
	Amount uint64
	// Deadline is unix seconds and never changes after creation.
	Deadline    uint64
	IsSubmitted bool
	IsReleased  bool
	MetadataRef string
	Bump        uint8
}

// Clone returns a copy of the escrow so callers can mutate it freely.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

func (e *Escrow) Status() Status {
	switch {
	case e.IsReleased:
		return StatusReleased
	case e.IsSubmitted:
		return StatusSubmitted
	default:
		return StatusPending
	}
}

// StateAt returns the display state as observed at unix time now.
func (e *Escrow) StateAt(now int64) State {
	switch {
	case e.IsReleased:
		return StateReleased
	case e.IsSubmitted && deadlineReached(e.Deadline, now):
		return StateExpired
	case e.IsSubmitted:
		return StateSubmitted
	default:
		return StatePending
	}
}

// Validate checks the record invariants that must hold in every persisted
// state.
func (e *Escrow) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil escrow", ErrCorruptRecord)
	}
	if e.Client.IsZero() || e.Freelancer.IsZero() {
		return fmt.Errorf("%w: missing party identity", ErrCorruptRecord)
	}
	if len(e.AgreementID) == 0 || len(e.AgreementID) > MaxAgreementIDLength {
		return fmt.Errorf("%w: agreement id length %d", ErrCorruptRecord, len(e.AgreementID))
	}
	if len(e.MetadataRef) > MaxMetadataLength {
		return fmt.Errorf("%w: metadata length %d", ErrCorruptRecord, len(e.MetadataRef))
	}
	if (e.Amount == 0) != e.IsReleased {
		return fmt.Errorf("%w: amount %d inconsistent with released=%t", ErrCorruptRecord, e.Amount, e.IsReleased)
	}
	if !e.IsSubmitted && e.MetadataRef != "" {
		return fmt.Errorf("%w: metadata present before submission", ErrCorruptRecord)
	}
	if e.IsReleased && !e.IsSubmitted {
		return fmt.Errorf("%w: released without submission", ErrCorruptRecord)
	}
	return nil
}

// Custody is the balance held at a custody location. Locked mirrors the
// record amount until release; Reserve is the storage deposit that stays
// behind after release.
type Custody struct {
	Locked  uint64
	Reserve uint64
}

// Entry pairs a record with its location and its display state at query time.
type Entry struct {
	Location CustodyLocation
	Escrow   *Escrow
	State    State
}

func deadlineReached(deadline uint64, now int64) bool {
	if now < 0 {
		return false
	}
	return uint64(now) >= deadline
}
