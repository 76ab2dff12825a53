package escrow

import (
	"errors"
	"fmt"
)

// Category groups error kinds so callers can react without matching every kind.
type Category uint8

const (
	CategoryInternal Category = iota
	CategoryValidation
	CategoryAuthorization
	CategoryStateConflict
	CategoryFunds
	CategoryNotFound
	CategoryAvailability
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryAuthorization:
		return "authorization"
	case CategoryStateConflict:
		return "state_conflict"
	case CategoryFunds:
		return "funds"
	case CategoryNotFound:
		return "not_found"
	case CategoryAvailability:
		return "availability"
	default:
		return "internal"
	}
}

// Error is a typed escrow failure. Kind is stable and safe to expose to
// callers; Message is the human-readable description.
type Error struct {
	Kind     string
	Category Category
	Message  string
}

func (e *Error) Error() string {
	return "escrow: " + e.Message
}

func newError(kind string, category Category, message string) *Error {
	return &Error{Kind: kind, Category: category, Message: message}
}

var (
	ErrInvalidAmount   = newError("InvalidAmount", CategoryValidation, "amount must be greater than zero")
	ErrInvalidDeadline = newError("InvalidDeadline", CategoryValidation, "deadline must be in the future")
	ErrIDTooLong       = newError("IdTooLong", CategoryValidation, fmt.Sprintf("agreement id must be %d bytes or less", MaxAgreementIDLength))
	ErrIDEmpty         = newError("IdEmpty", CategoryValidation, "agreement id must not be empty")
	ErrMetadataTooLong = newError("MetadataTooLong", CategoryValidation, fmt.Sprintf("metadata must be %d bytes or less", MaxMetadataLength))
	ErrMetadataEmpty   = newError("MetadataEmpty", CategoryValidation, "metadata must not be empty")
	ErrInvalidIdentity = newError("InvalidIdentity", CategoryValidation, "party identity must be set")

	ErrUnauthorizedClient     = newError("UnauthorizedClient", CategoryAuthorization, "only the client can approve release")
	ErrUnauthorizedFreelancer = newError("UnauthorizedFreelancer", CategoryAuthorization, "only the freelancer can submit work")

	ErrDuplicateAgreement = newError("DuplicateAgreement", CategoryStateConflict, "agreement already exists")
	ErrAlreadySubmitted   = newError("AlreadySubmitted", CategoryStateConflict, "work already submitted")
	ErrWorkNotSubmitted   = newError("WorkNotSubmitted", CategoryStateConflict, "work not submitted yet")
	ErrAlreadyReleased    = newError("AlreadyReleased", CategoryStateConflict, "funds already released")
	ErrDeadlineNotPassed  = newError("DeadlineNotPassed", CategoryStateConflict, "deadline has not passed yet")
	ErrConflict           = newError("Conflict", CategoryStateConflict, "concurrent modification of the same agreement")

	ErrInsufficientFunds = newError("InsufficientFunds", CategoryFunds, "insufficient funds")

	ErrNotFound = newError("NotFound", CategoryNotFound, "agreement not found")

	ErrUnavailable = newError("Unavailable", CategoryAvailability, "ledger unavailable")
)

// ErrCorruptRecord reports a stored record that does not decode to a valid
// agreement.
var ErrCorruptRecord = errors.New("escrow: corrupt record")

// ErrBalanceOverflow is returned when a credit would exceed the balance range.
var ErrBalanceOverflow = errors.New("escrow: balance overflow")

// CategoryOf returns the category of err, or CategoryInternal when err is not
// an escrow error.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// KindOf returns the stable kind name of err, or "Internal".
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return "Internal"
}

// ErrorByKind resolves a kind name back to its sentinel.
func ErrorByKind(kind string) (*Error, bool) {
	e, ok := errorsByKind[kind]
	return e, ok
}

var errorsByKind = func() map[string]*Error {
	all := []*Error{
		ErrInvalidAmount, ErrInvalidDeadline, ErrIDTooLong, ErrIDEmpty, ErrMetadataTooLong,
		ErrMetadataEmpty, ErrInvalidIdentity, ErrUnauthorizedClient, ErrUnauthorizedFreelancer,
		ErrDuplicateAgreement, ErrAlreadySubmitted, ErrWorkNotSubmitted, ErrAlreadyReleased,
		ErrDeadlineNotPassed, ErrConflict, ErrInsufficientFunds, ErrNotFound, ErrUnavailable,
	}
	out := make(map[string]*Error, len(all))
	for _, e := range all {
		out[e.Kind] = e
	}
	return out
}()
