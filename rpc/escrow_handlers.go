package rpc

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"workescrow/crypto"
	"workescrow/native/escrow"
	"workescrow/observability/logging"
	"workescrow/observability/metrics"
)

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return errParamObject
	}
	decoder := json.NewDecoder(bytes.NewReader(req.Params[0]))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

type paramError string

func (e paramError) Error() string { return string(e) }

const errParamObject = paramError("exactly one parameter object required")

func (s *Server) writeEscrowError(w http.ResponseWriter, r *http.Request, req *RPCRequest, op string, err error) {
	status, rpcErr := escrowFailure(err)
	metrics.Escrow().ObserveOperation(op, rpcErr.Message)
	s.logFailure(r.Context(), req.Method, err)
	writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
}

func (s *Server) writeParamError(w http.ResponseWriter, req *RPCRequest, err error) {
	writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
}

// verifyCall checks freshness and that signer produced signature over digest.
func (s *Server) verifyCall(w http.ResponseWriter, r *http.Request, req *RPCRequest, op string, signer crypto.Identity, digest []byte, signature string, issuedAt int64) bool {
	sig, err := decodeSignature(signature)
	if err != nil {
		s.writeParamError(w, req, err)
		return false
	}
	if err := s.checkFreshness(issuedAt); err != nil {
		metrics.Escrow().ObserveOperation(op, kindStaleSignature)
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, kindStaleSignature, ErrorData{
			Kind:     kindStaleSignature,
			Category: escrow.CategoryAuthorization.String(),
			Detail:   err.Error(),
		})
		return false
	}
	if err := crypto.VerifyIdentity(signer, digest, sig); err != nil {
		s.logger.InfoContext(r.Context(), "signature rejected",
			slog.String("method", req.Method),
			logging.MaskField("signature", signature),
			slog.String("signer", logging.Fingerprint(signer.String())))
		s.writeEscrowError(w, r, req, op, err)
		return false
	}
	return true
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params CreateParams
	if err := decodeParams(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	client, freelancer, amount, err := params.parse()
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	digest := CreateDigest(client, freelancer, params.AgreementID, amount, params.Deadline, params.IssuedAt)
	if !s.verifyCall(w, r, req, "create", client, digest, params.Signature, params.IssuedAt) {
		return
	}
	loc, err := s.engine.Create(client, freelancer, params.AgreementID, amount, params.Deadline)
	if err != nil {
		s.writeEscrowError(w, r, req, "create", err)
		return
	}
	esc, err := s.engine.Get(loc)
	if err != nil {
		s.writeEscrowError(w, r, req, "create", err)
		return
	}
	metrics.Escrow().ObserveOperation("create", "")
	s.logger.InfoContext(r.Context(), "escrow created",
		slog.String("location", loc.String()),
		slog.String("agreement_id", params.AgreementID),
		slog.String("amount", strconv.FormatUint(amount, 10)))
	writeResult(w, req.ID, CreateResult{Location: loc.String(), Bump: esc.Bump})
}

func (s *Server) handleEscrowSubmit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params SubmitParams
	if err := decodeParams(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	loc, caller, err := parseActor(params.Location, params.Caller)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	digest := SubmitDigest(loc, caller, params.MetadataRef, params.IssuedAt)
	if !s.verifyCall(w, r, req, "submit", caller, digest, params.Signature, params.IssuedAt) {
		return
	}
	if err := s.engine.SubmitWork(loc, caller, params.MetadataRef); err != nil {
		s.writeEscrowError(w, r, req, "submit", err)
		return
	}
	metrics.Escrow().ObserveOperation("submit", "")
	s.logger.InfoContext(r.Context(), "work submitted", slog.String("location", loc.String()))
	s.writeTransition(w, r, req, "submit", loc)
}

func (s *Server) handleEscrowApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleRelease(w, r, req, "approve", s.engine.ApproveRelease)
}

func (s *Server) handleEscrowAutoRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleRelease(w, r, req, "auto_release", s.engine.TriggerAutoRelease)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest, op string, release func(escrow.CustodyLocation, crypto.Identity) error) {
	var params ReleaseParams
	if err := decodeParams(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	loc, caller, err := parseActor(params.Location, params.Caller)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	digest := ReleaseDigest(req.Method, loc, caller, params.IssuedAt)
	if !s.verifyCall(w, r, req, op, caller, digest, params.Signature, params.IssuedAt) {
		return
	}
	if err := release(loc, caller); err != nil {
		s.writeEscrowError(w, r, req, op, err)
		return
	}
	metrics.Escrow().ObserveOperation(op, "")
	s.logger.InfoContext(r.Context(), "escrow released", slog.String("location", loc.String()), slog.String("path", op))
	s.writeTransition(w, r, req, op, loc)
}

func (s *Server) writeTransition(w http.ResponseWriter, r *http.Request, req *RPCRequest, op string, loc escrow.CustodyLocation) {
	esc, err := s.engine.Get(loc)
	if err != nil {
		s.writeEscrowError(w, r, req, op, err)
		return
	}
	writeResult(w, req.ID, TransitionResult{Location: loc.String(), State: esc.StateAt(s.engine.Now()).String()})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params LocationParams
	if err := decodeParams(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	loc, err := escrow.ParseCustodyLocation(params.Location)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	esc, err := s.engine.Get(loc)
	if err != nil {
		s.writeEscrowError(w, r, req, "get", err)
		return
	}
	writeResult(w, req.ID, formatEscrow(loc, esc, esc.StateAt(s.engine.Now())))
}

func (s *Server) handleEscrowList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params ListParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			s.writeParamError(w, req, err)
			return
		}
	}
	var filter escrow.Filter
	if strings.TrimSpace(params.Client) != "" {
		id, err := crypto.ParseIdentity(params.Client)
		if err != nil {
			s.writeParamError(w, req, err)
			return
		}
		filter.Client = &id
	}
	if strings.TrimSpace(params.Freelancer) != "" {
		id, err := crypto.ParseIdentity(params.Freelancer)
		if err != nil {
			s.writeParamError(w, req, err)
			return
		}
		filter.Freelancer = &id
	}
	entries, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.writeEscrowError(w, r, req, "list", err)
		return
	}
	out := make([]EscrowJSON, 0, len(entries))
	for _, entry := range entries {
		out = append(out, formatEscrow(entry.Location, entry.Escrow, entry.State))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleEscrowCustody(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params LocationParams
	if err := decodeParams(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	loc, err := escrow.ParseCustodyLocation(params.Location)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	custody, err := s.engine.Custody(loc)
	if err != nil {
		s.writeEscrowError(w, r, req, "custody", err)
		return
	}
	writeResult(w, req.ID, CustodyResult{
		Location: loc.String(),
		Locked:   strconv.FormatUint(custody.Locked, 10),
		Reserve:  strconv.FormatUint(custody.Reserve, 10),
	})
}

func (s *Server) handleBankBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params BalanceParams
	if err := decodeParams(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	id, err := crypto.ParseIdentity(params.Identity)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	balance, err := s.engine.Balance(id)
	if err != nil {
		s.writeEscrowError(w, r, req, "balance", err)
		return
	}
	writeResult(w, req.ID, BalanceResult{Identity: id.String(), Balance: balance.Dec()})
}
