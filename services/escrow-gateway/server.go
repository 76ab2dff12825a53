package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"workescrow/gateway/auth"
	"workescrow/gateway/config"
	"workescrow/gateway/middleware"
	"workescrow/native/escrow"
	"workescrow/observability/logging"
	"workescrow/rpc"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxRequestBody       = 1 << 20 // 1 MiB
	defaultNodeTimeout   = 15 * time.Second
)

type Options struct {
	Logger        *slog.Logger
	HMAC          *auth.Authenticator
	JWT           *middleware.Authenticator
	ReadScope     string
	Limiter       *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Node          NodeClient
	Store         *Store
	NodeTimeout   time.Duration
}

// Server is the REST front-end for escrow agreements. Writes are HMAC
// authenticated and idempotent; the caller's own signature is forwarded to
// the node untouched.
type Server struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewServer(opts Options) *Server {
	if opts.HMAC == nil {
		panic("hmac authenticator required")
	}
	if opts.Node == nil {
		panic("node client required")
	}
	if opts.Store == nil {
		panic("store required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.JWT == nil {
		opts.JWT = middleware.NewAuthenticator(middleware.AuthConfig{}, opts.Logger)
	}
	if opts.Limiter == nil {
		opts.Limiter = middleware.NewRateLimiter(nil, opts.Logger)
	}
	if opts.Observability == nil {
		opts.Observability = middleware.NewObservability(middleware.ObservabilityConfig{}, opts.Logger)
	}
	if opts.NodeTimeout <= 0 {
		opts.NodeTimeout = defaultNodeTimeout
	}
	return &Server{opts: opts, logger: opts.Logger, now: time.Now}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(s.opts.Observability.Middleware)
	r.Use(middleware.CORS(s.opts.CORS))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.opts.Observability.MetricsHandler())

	r.Route("/v1/escrows", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.opts.Limiter.Middleware(config.RateLimitWrites))
			r.Post("/", s.write("create", http.StatusCreated, s.forwardCreate))
			r.Post("/{location}/submit", s.write("submit", http.StatusOK, s.forwardSubmit))
			r.Post("/{location}/approve", s.write("approve", http.StatusOK, s.forwardRelease(rpc.MethodApprove)))
			r.Post("/{location}/auto-release", s.write("auto_release", http.StatusOK, s.forwardRelease(rpc.MethodAutoRelease)))
		})
		r.Group(func(r chi.Router) {
			r.Use(s.opts.Limiter.Middleware(config.RateLimitReads))
			r.Use(s.opts.JWT.Middleware(s.readScope()))
			r.Get("/", s.handleList)
			r.Get("/{location}", s.handleGet)
		})
	})
	return r
}

func (s *Server) readScope() string {
	if s.opts.ReadScope == "" {
		return "escrow:read"
	}
	return s.opts.ReadScope
}

// forwardFunc decodes the request body and performs the node call.
type forwardFunc func(ctx context.Context, r *http.Request, body []byte) (interface{}, error)

type requestError struct{ msg string }

func (e requestError) Error() string { return e.msg }

func (s *Server) write(op string, okStatus int, forward forwardFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "InvalidRequest", err.Error())
			return
		}
		principal, err := s.opts.HMAC.Authenticate(r, body)
		if err != nil {
			s.logger.WarnContext(r.Context(), "hmac authentication failed",
				slog.String("op", op),
				slog.Any("error", err),
				logging.MaskField("signature", r.Header.Get(auth.HeaderSignature)))
			s.respond(w, r, nil, body, "", http.StatusUnauthorized, errorPayload("Unauthenticated", err.Error()), false)
			return
		}
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			s.respond(w, r, principal, body, "", http.StatusBadRequest, errorPayload("InvalidRequest", "missing Idempotency-Key header"), false)
			return
		}
		fingerprint := requestFingerprint(r.Method, auth.CanonicalRequestPath(r), body)
		cached, err := s.opts.Store.LookupIdempotency(r.Context(), principal.APIKey, key, fingerprint)
		switch {
		case errors.Is(err, ErrIdempotencyMismatch):
			s.respond(w, r, principal, body, key, http.StatusConflict, errorPayload("IdempotencyMismatch", err.Error()), false)
			return
		case err != nil:
			s.logger.ErrorContext(r.Context(), "idempotency lookup failed", slog.Any("error", err))
			s.respond(w, r, principal, body, key, http.StatusInternalServerError, errorPayload("Internal", "idempotency store unavailable"), false)
			return
		case cached != nil:
			s.respond(w, r, principal, body, key, cached.Status, cached.Body, true)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.opts.NodeTimeout)
		defer cancel()
		result, err := forward(ctx, r, body)
		status, payload := okStatus, []byte(nil)
		if err != nil {
			status, payload = s.failure(r.Context(), op, err)
		} else if payload, err = json.Marshal(result); err != nil {
			status, payload = http.StatusInternalServerError, errorPayload("Internal", "encode response")
		}

		replayed := false
		if cacheable(status, err) {
			stored, err := s.opts.Store.SaveIdempotency(r.Context(), principal.APIKey, key, fingerprint, status, payload)
			switch {
			case err != nil:
				s.logger.ErrorContext(r.Context(), "idempotency save failed", slog.String("op", op), slog.Any("error", err))
			case stored.Status != status || !bytes.Equal(stored.Body, payload):
				// A concurrent request with the same key stored first.
				status, payload, replayed = stored.Status, stored.Body, true
			}
		}
		s.respond(w, r, principal, body, key, status, payload, replayed)
	}
}

// cacheable excludes outcomes a retry could change. A lost commit race
// reports Conflict and must reach the node again on retry.
func cacheable(status int, err error) bool {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		switch nodeErr.Kind {
		case escrow.ErrConflict.Kind, escrow.ErrUnavailable.Kind:
			return false
		}
	}
	switch status {
	case http.StatusTooManyRequests, http.StatusLocked:
		return false
	}
	return status < http.StatusInternalServerError
}

func (s *Server) forwardCreate(ctx context.Context, _ *http.Request, body []byte) (interface{}, error) {
	var params rpc.CreateParams
	if err := decodeBody(body, &params); err != nil {
		return nil, err
	}
	return s.opts.Node.Create(ctx, params)
}

func (s *Server) forwardSubmit(ctx context.Context, r *http.Request, body []byte) (interface{}, error) {
	var params rpc.SubmitParams
	if err := decodeBody(body, &params); err != nil {
		return nil, err
	}
	loc, err := pathLocation(r, params.Location)
	if err != nil {
		return nil, err
	}
	params.Location = loc
	return s.opts.Node.Submit(ctx, params)
}

func (s *Server) forwardRelease(method string) forwardFunc {
	return func(ctx context.Context, r *http.Request, body []byte) (interface{}, error) {
		var params rpc.ReleaseParams
		if err := decodeBody(body, &params); err != nil {
			return nil, err
		}
		loc, err := pathLocation(r, params.Location)
		if err != nil {
			return nil, err
		}
		params.Location = loc
		if method == rpc.MethodApprove {
			return s.opts.Node.Approve(ctx, params)
		}
		return s.opts.Node.AutoRelease(ctx, params)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.NodeTimeout)
	defer cancel()
	esc, err := s.opts.Node.Get(ctx, chi.URLParam(r, "location"))
	if err != nil {
		status, payload := s.failure(r.Context(), "get", err)
		writeJSON(w, status, payload)
		return
	}
	s.writeResult(w, http.StatusOK, esc)
}

type listResponse struct {
	Escrows []rpc.EscrowJSON `json:"escrows"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := rpc.ListParams{
		Client:     strings.TrimSpace(query.Get("client")),
		Freelancer: strings.TrimSpace(query.Get("freelancer")),
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.NodeTimeout)
	defer cancel()
	entries, err := s.opts.Node.List(ctx, filter)
	if err != nil {
		status, payload := s.failure(r.Context(), "list", err)
		writeJSON(w, status, payload)
		return
	}
	if entries == nil {
		entries = []rpc.EscrowJSON{}
	}
	s.writeResult(w, http.StatusOK, listResponse{Escrows: entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.opts.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorPayload("Unavailable", "database unreachable"))
		return
	}
	s.writeResult(w, http.StatusOK, map[string]string{"status": "ok"})
}

// failure maps forward and node errors onto status and error body.
func (s *Server) failure(ctx context.Context, op string, err error) (int, []byte) {
	var reqErr requestError
	var nodeErr *NodeError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, errorPayload("InvalidRequest", reqErr.msg)
	case errors.As(err, &nodeErr):
		s.logger.InfoContext(ctx, "node rejected call", slog.String("op", op), slog.String("kind", nodeErr.Kind))
		return nodeErr.Status, errorPayload(nodeErr.Kind, nodeErr.Message)
	case errors.Is(err, ErrNodeUnavailable), errors.Is(err, context.DeadlineExceeded):
		s.logger.WarnContext(ctx, "node unavailable", slog.String("op", op), slog.Any("error", err))
		return http.StatusServiceUnavailable, errorPayload("Unavailable", "escrow node unavailable")
	default:
		s.logger.ErrorContext(ctx, "node call failed", slog.String("op", op), slog.Any("error", err))
		return http.StatusBadGateway, errorPayload("NodeError", err.Error())
	}
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, principal *auth.Principal, reqBody []byte, key string, status int, payload []byte, replayed bool) {
	if replayed {
		w.Header().Set(headerReplayed, "true")
	}
	writeJSON(w, status, payload)
	s.audit(r, principal, reqBody, key, status, payload)
}

func (s *Server) audit(r *http.Request, principal *auth.Principal, reqBody []byte, key string, status int, payload []byte) {
	entry := &AuditEntry{
		Method:         r.Method,
		Path:           auth.CanonicalRequestPath(r),
		IdempotencyKey: key,
		RequestBody:    append([]byte(nil), reqBody...),
		ResponseStatus: status,
		ResponseBody:   append([]byte(nil), payload...),
		OccurredAt:     s.now().UTC(),
	}
	if principal != nil {
		entry.APIKey = principal.APIKey
	}
	if err := s.opts.Store.InsertAudit(r.Context(), entry); err != nil {
		s.logger.ErrorContext(r.Context(), "audit insert failed", slog.Any("error", err))
	}
}

func (s *Server) writeResult(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorPayload("Internal", "encode response"))
		return
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func errorPayload(kind, message string) []byte {
	payload, _ := json.Marshal(middleware.ErrorBody{Error: middleware.ErrorDetail{Kind: kind, Message: message}})
	return payload
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func decodeBody(body []byte, out interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return requestError{msg: "invalid JSON payload: " + err.Error()}
	}
	return nil
}

// pathLocation takes the location from the URL; a body copy must agree.
func pathLocation(r *http.Request, fromBody string) (string, error) {
	loc := chi.URLParam(r, "location")
	if fromBody != "" && fromBody != loc {
		return "", requestError{msg: "body location does not match path"}
	}
	return loc, nil
}
