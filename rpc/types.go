package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"workescrow/crypto"
	"workescrow/native/escrow"
)

const (
	MethodCreate      = "escrow_create"
	MethodSubmit      = "escrow_submit"
	MethodApprove     = "escrow_approve"
	MethodAutoRelease = "escrow_autoRelease"
	MethodGet         = "escrow_get"
	MethodList        = "escrow_list"
	MethodCustody     = "escrow_custody"
	MethodBalance     = "bank_balance"
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorData is attached to every escrow failure so clients can branch on the
// category without a code table.
type ErrorData struct {
	Kind     string `json:"kind"`
	Category string `json:"category"`
	Detail   string `json:"detail,omitempty"`
}

// CreateParams opens an agreement. The client signs the call.
type CreateParams struct {
	Client      string `json:"client"`
	Freelancer  string `json:"freelancer"`
	AgreementID string `json:"agreementId"`
	Amount      string `json:"amount"`
	Deadline    uint64 `json:"deadline"`
	IssuedAt    int64  `json:"issuedAt"`
	Signature   string `json:"signature"`
}

// SubmitParams records a deliverable. The freelancer signs the call.
type SubmitParams struct {
	Location    string `json:"location"`
	Caller      string `json:"caller"`
	MetadataRef string `json:"metadataRef"`
	IssuedAt    int64  `json:"issuedAt"`
	Signature   string `json:"signature"`
}

// ReleaseParams covers approve and auto-release. The method name is part of
// the signed digest so one signature never authorises the other path.
type ReleaseParams struct {
	Location  string `json:"location"`
	Caller    string `json:"caller"`
	IssuedAt  int64  `json:"issuedAt"`
	Signature string `json:"signature"`
}

type LocationParams struct {
	Location string `json:"location"`
}

type ListParams struct {
	Client     string `json:"client,omitempty"`
	Freelancer string `json:"freelancer,omitempty"`
}

type BalanceParams struct {
	Identity string `json:"identity"`
}

type CreateResult struct {
	Location string `json:"location"`
	Bump     uint8  `json:"bump"`
}

type TransitionResult struct {
	Location string `json:"location"`
	State    string `json:"state"`
}

type CustodyResult struct {
	Location string `json:"location"`
	Locked   string `json:"locked"`
	Reserve  string `json:"reserve"`
}

type BalanceResult struct {
	Identity string `json:"identity"`
	Balance  string `json:"balance"`
}

// EscrowJSON is the wire view of one agreement.
type EscrowJSON struct {
	Location    string `json:"location"`
	AgreementID string `json:"agreementId"`
	Client      string `json:"client"`
	Freelancer  string `json:"freelancer"`
	Amount      string `json:"amount"`
	Deadline    uint64 `json:"deadline"`
	IsSubmitted bool   `json:"isSubmitted"`
	IsReleased  bool   `json:"isReleased"`
	MetadataRef string `json:"metadataRef,omitempty"`
	Bump        uint8  `json:"bump"`
	State       string `json:"state"`
}

func formatEscrow(loc escrow.CustodyLocation, esc *escrow.Escrow, state escrow.State) EscrowJSON {
	return EscrowJSON{
		Location:    loc.String(),
		AgreementID: esc.AgreementID,
		Client:      esc.Client.String(),
		Freelancer:  esc.Freelancer.String(),
		Amount:      strconv.FormatUint(esc.Amount, 10),
		Deadline:    esc.Deadline,
		IsSubmitted: esc.IsSubmitted,
		IsReleased:  esc.IsReleased,
		MetadataRef: esc.MetadataRef,
		Bump:        esc.Bump,
		State:       state.String(),
	}
}

// CreateDigest is the message the client signs for escrow_create.
func CreateDigest(client, freelancer crypto.Identity, agreementID string, amount, deadline uint64, issuedAt int64) []byte {
	return crypto.CallDigest(MethodCreate,
		client.Bytes(),
		freelancer.Bytes(),
		[]byte(agreementID),
		crypto.Uint64Field(amount),
		crypto.Uint64Field(deadline),
		crypto.Uint64Field(uint64(issuedAt)),
	)
}

// SubmitDigest is the message the freelancer signs for escrow_submit.
func SubmitDigest(loc escrow.CustodyLocation, caller crypto.Identity, metadataRef string, issuedAt int64) []byte {
	return crypto.CallDigest(MethodSubmit,
		loc.Bytes(),
		caller.Bytes(),
		[]byte(metadataRef),
		crypto.Uint64Field(uint64(issuedAt)),
	)
}

// ReleaseDigest is the message signed for escrow_approve or escrow_autoRelease.
func ReleaseDigest(method string, loc escrow.CustodyLocation, caller crypto.Identity, issuedAt int64) []byte {
	return crypto.CallDigest(method,
		loc.Bytes(),
		caller.Bytes(),
		crypto.Uint64Field(uint64(issuedAt)),
	)
}

// Sign fills in the client signature.
func (p *CreateParams) Sign(key *crypto.PrivateKey) error {
	client, freelancer, amount, err := p.parse()
	if err != nil {
		return err
	}
	sig, err := key.Sign(CreateDigest(client, freelancer, p.AgreementID, amount, p.Deadline, p.IssuedAt))
	if err != nil {
		return err
	}
	p.Signature = hex.EncodeToString(sig)
	return nil
}

func (p *CreateParams) parse() (crypto.Identity, crypto.Identity, uint64, error) {
	client, err := crypto.ParseIdentity(p.Client)
	if err != nil {
		return crypto.Identity{}, crypto.Identity{}, 0, fmt.Errorf("client: %w", err)
	}
	freelancer, err := crypto.ParseIdentity(p.Freelancer)
	if err != nil {
		return crypto.Identity{}, crypto.Identity{}, 0, fmt.Errorf("freelancer: %w", err)
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return crypto.Identity{}, crypto.Identity{}, 0, err
	}
	return client, freelancer, amount, nil
}

// Sign fills in the freelancer signature.
func (p *SubmitParams) Sign(key *crypto.PrivateKey) error {
	loc, caller, err := parseActor(p.Location, p.Caller)
	if err != nil {
		return err
	}
	sig, err := key.Sign(SubmitDigest(loc, caller, p.MetadataRef, p.IssuedAt))
	if err != nil {
		return err
	}
	p.Signature = hex.EncodeToString(sig)
	return nil
}

// Sign fills in the caller signature for the given release method.
func (p *ReleaseParams) Sign(method string, key *crypto.PrivateKey) error {
	loc, caller, err := parseActor(p.Location, p.Caller)
	if err != nil {
		return err
	}
	sig, err := key.Sign(ReleaseDigest(method, loc, caller, p.IssuedAt))
	if err != nil {
		return err
	}
	p.Signature = hex.EncodeToString(sig)
	return nil
}

func parseActor(location, caller string) (escrow.CustodyLocation, crypto.Identity, error) {
	loc, err := escrow.ParseCustodyLocation(location)
	if err != nil {
		return escrow.CustodyLocation{}, crypto.Identity{}, fmt.Errorf("location: %w", err)
	}
	id, err := crypto.ParseIdentity(caller)
	if err != nil {
		return escrow.CustodyLocation{}, crypto.Identity{}, fmt.Errorf("caller: %w", err)
	}
	return loc, id, nil
}

func parseAmount(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("amount required")
	}
	amount, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: must be a base-10 uint64", raw)
	}
	return amount, nil
}

func decodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("signature required")
	}
	sig, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("signature must be hex: %w", err)
	}
	return sig, nil
}
