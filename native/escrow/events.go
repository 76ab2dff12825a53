package escrow

import (
	"strconv"

	"workescrow/core/types"
	"workescrow/crypto"
)

const (
	EventTypeEscrowCreated   = "escrow.created"
	EventTypeEscrowSubmitted = "escrow.submitted"
	EventTypeEscrowReleased  = "escrow.released"
)

// Release paths recorded on escrow.released events.
const (
	ReleasePathApprove = "approve"
	ReleasePathAuto    = "auto"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(loc CustodyLocation, e *Escrow, reserve uint64) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowCreated, loc, e)
	if e != nil {
		evt.Attributes["amount"] = strconv.FormatUint(e.Amount, 10)
		evt.Attributes["reserve"] = strconv.FormatUint(reserve, 10)
	}
	return evt
}

// NewSubmittedEvent is emitted once the freelancer records a deliverable.
func NewSubmittedEvent(loc CustodyLocation, e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowSubmitted, loc, e)
	if e != nil {
		evt.Attributes["metadataRef"] = e.MetadataRef
	}
	return evt
}

// NewReleasedEvent records a settlement to the freelancer and which path
// triggered it.
func NewReleasedEvent(loc CustodyLocation, e *Escrow, amount uint64, path string, caller crypto.Identity) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowReleased, loc, e)
	evt.Attributes["amount"] = strconv.FormatUint(amount, 10)
	evt.Attributes["path"] = path
	evt.Attributes["caller"] = caller.String()
	return evt
}

func newEscrowEvent(eventType string, loc CustodyLocation, e *Escrow) *types.Event {
	attrs := map[string]string{"location": loc.String()}
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["agreementId"] = e.AgreementID
	attrs["client"] = e.Client.String()
	attrs["freelancer"] = e.Freelancer.String()
	attrs["deadline"] = strconv.FormatUint(e.Deadline, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
