package rpc

import (
	"errors"
	"net/http"

	"workescrow/crypto"
	"workescrow/native/common"
	"workescrow/native/escrow"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeRateLimited    = -32020
	codeModulePaused   = -32050
)

// Escrow kinds each get their own code so clients never need to parse the
// message. The block is append-only.
var escrowCodes = map[string]int{
	escrow.ErrInvalidAmount.Kind:          -32100,
	escrow.ErrInvalidDeadline.Kind:        -32101,
	escrow.ErrIDTooLong.Kind:              -32102,
	escrow.ErrIDEmpty.Kind:                -32103,
	escrow.ErrMetadataTooLong.Kind:        -32104,
	escrow.ErrMetadataEmpty.Kind:          -32105,
	escrow.ErrInvalidIdentity.Kind:        -32106,
	escrow.ErrUnauthorizedClient.Kind:     -32110,
	escrow.ErrUnauthorizedFreelancer.Kind: -32111,
	escrow.ErrDuplicateAgreement.Kind:     -32120,
	escrow.ErrAlreadySubmitted.Kind:       -32121,
	escrow.ErrWorkNotSubmitted.Kind:       -32122,
	escrow.ErrAlreadyReleased.Kind:        -32123,
	escrow.ErrDeadlineNotPassed.Kind:      -32124,
	escrow.ErrConflict.Kind:               -32125,
	escrow.ErrInsufficientFunds.Kind:      -32130,
	escrow.ErrNotFound.Kind:               -32140,
	escrow.ErrUnavailable.Kind:            -32150,
}

const (
	kindModulePaused     = "ModulePaused"
	kindInvalidSignature = "InvalidSignature"
	kindStaleSignature   = "StaleSignature"
	kindInternal         = "Internal"
)

// CodeForKind returns the JSON-RPC code used for an escrow error kind.
func CodeForKind(kind string) (int, bool) {
	code, ok := escrowCodes[kind]
	return code, ok
}

// KindForCode reverses CodeForKind.
func KindForCode(code int) (string, bool) {
	for kind, c := range escrowCodes {
		if c == code {
			return kind, true
		}
	}
	return "", false
}

// StatusForCategory maps an escrow category onto the HTTP status the node and
// the gateway both use.
func StatusForCategory(category escrow.Category) int {
	switch category {
	case escrow.CategoryValidation:
		return http.StatusBadRequest
	case escrow.CategoryAuthorization:
		return http.StatusForbidden
	case escrow.CategoryStateConflict:
		return http.StatusConflict
	case escrow.CategoryFunds:
		return http.StatusPaymentRequired
	case escrow.CategoryNotFound:
		return http.StatusNotFound
	case escrow.CategoryAvailability:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// escrowFailure translates an engine error into status, code and payload.
// The message is always the stable kind name.
func escrowFailure(err error) (int, *RPCError) {
	var escErr *escrow.Error
	switch {
	case errors.As(err, &escErr):
		code, ok := escrowCodes[escErr.Kind]
		if !ok {
			code = codeServerError
		}
		return StatusForCategory(escErr.Category), &RPCError{
			Code:    code,
			Message: escErr.Kind,
			Data:    ErrorData{Kind: escErr.Kind, Category: escErr.Category.String(), Detail: err.Error()},
		}
	case errors.Is(err, common.ErrModulePaused):
		return http.StatusLocked, &RPCError{
			Code:    codeModulePaused,
			Message: kindModulePaused,
			Data:    ErrorData{Kind: kindModulePaused, Category: "paused", Detail: err.Error()},
		}
	case errors.Is(err, crypto.ErrInvalidSignature), errors.Is(err, crypto.ErrSignatureMismatch):
		return http.StatusUnauthorized, &RPCError{
			Code:    codeUnauthorized,
			Message: kindInvalidSignature,
			Data:    ErrorData{Kind: kindInvalidSignature, Category: escrow.CategoryAuthorization.String(), Detail: err.Error()},
		}
	default:
		return http.StatusInternalServerError, &RPCError{
			Code:    codeServerError,
			Message: kindInternal,
			Data:    ErrorData{Kind: kindInternal, Category: escrow.CategoryInternal.String(), Detail: err.Error()},
		}
	}
}
