package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"workescrow/native/escrow"
	"workescrow/observability"
	"workescrow/observability/metrics"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	limiterIdleTTL  = 10 * time.Minute
)

// ServerConfig tunes the JSON-RPC server.
type ServerConfig struct {
	// MaxSignatureSkew bounds how far a signed call's issuedAt may drift from
	// the node clock. Zero disables the check.
	MaxSignatureSkew time.Duration
	// AuthToken, when set, is required as a bearer token on write methods.
	AuthToken string
	// WriteRate and WriteBurst limit write calls per client source. A zero
	// rate disables limiting.
	WriteRate  rate.Limit
	WriteBurst int
	Logger     *slog.Logger
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server exposes the escrow engine over JSON-RPC 2.0.
type Server struct {
	engine *escrow.Engine
	cfg    ServerConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*sourceLimiter
}

func NewServer(engine *escrow.Engine, cfg ServerConfig) *Server {
	if engine == nil {
		panic("rpc: engine required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, op := range []string{"create", "submit", "approve", "auto_release"} {
		metrics.Escrow().InitOperation(op)
	}
	return &Server{
		engine:   engine,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "rpc")),
		limiters: make(map[string]*sourceLimiter),
	}
}

// Handler returns the traced HTTP handler serving every method on POST /.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(http.HandlerFunc(s.handle), "escrow.rpc")
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

func (s *Server) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		MethodCreate:      s.handleEscrowCreate,
		MethodSubmit:      s.handleEscrowSubmit,
		MethodApprove:     s.handleEscrowApprove,
		MethodAutoRelease: s.handleEscrowAutoRelease,
		MethodGet:         s.handleEscrowGet,
		MethodList:        s.handleEscrowList,
		MethodCustody:     s.handleEscrowCustody,
		MethodBalance:     s.handleBankBalance,
	}
}

func isWriteMethod(method string) bool {
	switch method {
	case MethodCreate, MethodSubmit, MethodApprove, MethodAutoRelease:
		return true
	}
	return false
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	method := ""
	defer func() {
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe("rpc", method, status, time.Since(started))
	}()
	w = rec

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	handler, ok := s.routes()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
		return
	}
	method = req.Method

	if isWriteMethod(req.Method) {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		source := clientSource(r)
		if !s.allowSource(source, time.Now()) {
			observability.ModuleMetrics().RecordThrottle("rpc", "rate_limit")
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "write rate limit exceeded", source)
			return
		}
	}
	handler(w, r, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.cfg.AuthToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if s.cfg.WriteRate <= 0 {
		return true
	}
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(s.limiters, key)
		}
	}
	entry, ok := s.limiters[source]
	if !ok {
		burst := s.cfg.WriteBurst
		if burst <= 0 {
			burst = 1
		}
		entry = &sourceLimiter{limiter: rate.NewLimiter(s.cfg.WriteRate, burst)}
		s.limiters[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// checkFreshness rejects signed calls whose issuedAt is outside the skew window.
func (s *Server) checkFreshness(issuedAt int64) error {
	if s.cfg.MaxSignatureSkew <= 0 {
		return nil
	}
	// Compare bounds in seconds; subtracting an arbitrary issuedAt can overflow.
	now := s.engine.Now()
	window := int64(s.cfg.MaxSignatureSkew / time.Second)
	if issuedAt < now-window || issuedAt > now+window {
		return fmt.Errorf("issuedAt %d outside the %s window", issuedAt, s.cfg.MaxSignatureSkew)
	}
	return nil
}

func (s *Server) logFailure(ctx context.Context, method string, err error, attrs ...slog.Attr) {
	args := []any{slog.String("method", method), slog.String("kind", escrow.KindOf(err)), slog.String("error", err.Error())}
	for _, attr := range attrs {
		args = append(args, attr)
	}
	level := slog.LevelInfo
	if cat := escrow.CategoryOf(err); cat == escrow.CategoryAvailability || cat == escrow.CategoryInternal {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "escrow call rejected", args...)
}
