package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"workescrow/core/state"
	"workescrow/crypto"
	"workescrow/gateway/auth"
	"workescrow/gateway/middleware"
	"workescrow/native/escrow"
	"workescrow/observability/logging"
	"workescrow/rpc"
	"workescrow/storage"
)

const (
	testStart  = int64(1_700_000_000)
	testAPIKey = "merchant"
	testSecret = "merchant-secret"
	jwtSecret  = "jwt-secret"
)

type gatewayEnv struct {
	t          *testing.T
	handler    http.Handler
	store      *Store
	clock      *atomic.Int64
	client     *crypto.PrivateKey
	freelancer *crypto.PrivateKey
	nonce      atomic.Int64
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	store, err := NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newGatewayEnv(t *testing.T, jwtEnabled bool) *gatewayEnv {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	client, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	freelancer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	_, err = manager.ApplyGenesis([]state.GenesisAlloc{{Identity: client.Identity(), Balance: uint256.NewInt(5_000_000_000)}})
	require.NoError(t, err)

	clock := &atomic.Int64{}
	clock.Store(testStart)
	engine := escrow.NewEngine(manager)
	engine.SetNowFunc(clock.Load)
	node := httptest.NewServer(rpc.NewServer(engine, rpc.ServerConfig{MaxSignatureSkew: time.Minute, Logger: logging.Discard()}).Handler())
	t.Cleanup(node.Close)

	return newGatewayEnvWithNode(t, NewRPCNodeClient(node.URL, "", 5*time.Second), clock, client, freelancer, jwtEnabled)
}

func newGatewayEnvWithNode(t *testing.T, node NodeClient, clock *atomic.Int64, client, freelancer *crypto.PrivateKey, jwtEnabled bool) *gatewayEnv {
	t.Helper()
	logger := logging.Discard()
	store := setupTestStore(t)
	hmacAuth := auth.NewAuthenticator(map[string]string{testAPIKey: testSecret}, auth.Options{
		Now:    func() time.Time { return time.Unix(clock.Load(), 0) },
		Logger: logger,
	})
	server := NewServer(Options{
		Logger: logger,
		HMAC:   hmacAuth,
		JWT:    middleware.NewAuthenticator(middleware.AuthConfig{Enabled: jwtEnabled, HMACSecret: jwtSecret}, logger),
		Node:   node,
		Store:  store,
	})
	server.now = func() time.Time { return time.Unix(clock.Load(), 0) }
	return &gatewayEnv{t: t, handler: server.Routes(), store: store, clock: clock, client: client, freelancer: freelancer}
}

type apiResponse struct {
	status   int
	replayed bool
	body     []byte
}

func (r apiResponse) errorKind(t *testing.T) string {
	t.Helper()
	var body middleware.ErrorBody
	require.NoError(t, json.Unmarshal(r.body, &body), string(r.body))
	return body.Error.Kind
}

func (e *gatewayEnv) post(path, idemKey string, payload interface{}) apiResponse {
	e.t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(e.t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	auth.SignRequest(req, testAPIKey, testSecret, strconv.FormatInt(e.nonce.Add(1), 10), time.Unix(e.clock.Load(), 0), body)
	if idemKey != "" {
		req.Header.Set(headerIdempotencyKey, idemKey)
	}
	return e.serve(req)
}

func (e *gatewayEnv) get(path, token string) apiResponse {
	e.t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.serve(req)
}

func (e *gatewayEnv) serve(req *http.Request) apiResponse {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return apiResponse{status: rec.Code, replayed: rec.Header().Get(headerReplayed) == "true", body: rec.Body.Bytes()}
}

func (e *gatewayEnv) createParams(id string, amount, deadline uint64) rpc.CreateParams {
	e.t.Helper()
	params := rpc.CreateParams{
		Client:      e.client.Identity().String(),
		Freelancer:  e.freelancer.Identity().String(),
		AgreementID: id,
		Amount:      strconv.FormatUint(amount, 10),
		Deadline:    deadline,
		IssuedAt:    e.clock.Load(),
	}
	require.NoError(e.t, params.Sign(e.client))
	return params
}

func (e *gatewayEnv) create(id string, amount, deadline uint64) string {
	e.t.Helper()
	resp := e.post("/v1/escrows", "create-"+id, e.createParams(id, amount, deadline))
	require.Equal(e.t, http.StatusCreated, resp.status, string(resp.body))
	var result rpc.CreateResult
	require.NoError(e.t, json.Unmarshal(resp.body, &result))
	return result.Location
}

func (e *gatewayEnv) submit(loc, ref string) apiResponse {
	e.t.Helper()
	params := rpc.SubmitParams{Location: loc, Caller: e.freelancer.Identity().String(), MetadataRef: ref, IssuedAt: e.clock.Load()}
	require.NoError(e.t, params.Sign(e.freelancer))
	return e.post("/v1/escrows/"+loc+"/submit", "submit-"+loc+"-"+ref, params)
}

func (e *gatewayEnv) release(method, route, loc string, key *crypto.PrivateKey) apiResponse {
	e.t.Helper()
	params := rpc.ReleaseParams{Location: loc, Caller: key.Identity().String(), IssuedAt: e.clock.Load()}
	require.NoError(e.t, params.Sign(method, key))
	idemKey := fmt.Sprintf("%s-%s-%s-%d", route, loc, key.Identity(), e.clock.Load())
	return e.post("/v1/escrows/"+loc+"/"+route, idemKey, params)
}

func decodeEscrow(t *testing.T, body []byte) rpc.EscrowJSON {
	t.Helper()
	var esc rpc.EscrowJSON
	require.NoError(t, json.Unmarshal(body, &esc), string(body))
	return esc
}

func TestGatewayLifecycleThroughNode(t *testing.T) {
	env := newGatewayEnv(t, false)
	loc := env.create("job-1", 1_000_000_000, uint64(testStart+3600))

	got := env.get("/v1/escrows/"+loc, "")
	require.Equal(t, http.StatusOK, got.status)
	require.Equal(t, "Pending", decodeEscrow(t, got.body).State)

	resp := env.submit(loc, "ipfs://QmWork")
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))

	resp = env.release(rpc.MethodApprove, "approve", loc, env.client)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	var transition rpc.TransitionResult
	require.NoError(t, json.Unmarshal(resp.body, &transition))
	require.Equal(t, "Released", transition.State)

	listed := env.get("/v1/escrows?freelancer="+env.freelancer.Identity().String(), "")
	require.Equal(t, http.StatusOK, listed.status)
	var list listResponse
	require.NoError(t, json.Unmarshal(listed.body, &list))
	require.Len(t, list.Escrows, 1)
	require.True(t, list.Escrows[0].IsReleased)
	require.Equal(t, "0", list.Escrows[0].Amount)
}

func TestGatewayAutoReleaseAfterDeadline(t *testing.T) {
	env := newGatewayEnv(t, false)
	loc := env.create("job-auto", 500, uint64(testStart+60))
	require.Equal(t, http.StatusOK, env.submit(loc, "ipfs://QmAuto").status)

	keeper, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	early := env.release(rpc.MethodAutoRelease, "auto-release", loc, keeper)
	require.Equal(t, http.StatusConflict, early.status)
	require.Equal(t, "DeadlineNotPassed", early.errorKind(t))

	env.clock.Store(testStart + 60)
	resp := env.release(rpc.MethodAutoRelease, "auto-release", loc, keeper)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))

	again := env.release(rpc.MethodApprove, "approve", loc, env.client)
	require.Equal(t, http.StatusConflict, again.status)
	require.Equal(t, "AlreadyReleased", again.errorKind(t))
}

func TestGatewayIdempotentReplay(t *testing.T) {
	env := newGatewayEnv(t, false)
	params := env.createParams("job-idem", 100, uint64(testStart+3600))

	first := env.post("/v1/escrows", "same-key", params)
	require.Equal(t, http.StatusCreated, first.status, string(first.body))
	require.False(t, first.replayed)

	// Forwarding again would hit DuplicateAgreement on the node.
	second := env.post("/v1/escrows", "same-key", params)
	require.Equal(t, http.StatusCreated, second.status, string(second.body))
	require.True(t, second.replayed)
	require.JSONEq(t, string(first.body), string(second.body))

	fresh := env.post("/v1/escrows", "other-key", params)
	require.Equal(t, http.StatusConflict, fresh.status)
	require.Equal(t, "DuplicateAgreement", fresh.errorKind(t))

	changed := params
	changed.Amount = "200"
	require.NoError(t, changed.Sign(env.client))
	mismatch := env.post("/v1/escrows", "same-key", changed)
	require.Equal(t, http.StatusConflict, mismatch.status)
	require.Equal(t, "IdempotencyMismatch", mismatch.errorKind(t))
}

func TestGatewayRejectsUnauthenticatedWrites(t *testing.T) {
	env := newGatewayEnv(t, false)
	params := env.createParams("job-auth", 100, uint64(testStart+3600))
	body, err := json.Marshal(params)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/escrows", bytes.NewReader(body))
	req.Header.Set(headerIdempotencyKey, "k")
	resp := env.serve(req)
	require.Equal(t, http.StatusUnauthorized, resp.status)
	require.Equal(t, "Unauthenticated", resp.errorKind(t))

	missingKey := env.post("/v1/escrows", "", params)
	require.Equal(t, http.StatusBadRequest, missingKey.status)

	entries, err := env.store.RecentAudit(context.Background(), testAPIKey, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, http.StatusBadRequest, entries[0].ResponseStatus)
	require.NotEqual(t, uuid.Nil, entries[0].ID)
}

func TestGatewayMapsNodeErrors(t *testing.T) {
	env := newGatewayEnv(t, false)
	loc := env.create("job-errs", 100, uint64(testStart+3600))

	notSubmitted := env.release(rpc.MethodApprove, "approve", loc, env.client)
	require.Equal(t, http.StatusConflict, notSubmitted.status)
	require.Equal(t, "WorkNotSubmitted", notSubmitted.errorKind(t))

	wrongCaller := env.release(rpc.MethodApprove, "approve", loc, env.freelancer)
	require.Equal(t, http.StatusForbidden, wrongCaller.status)
	require.Equal(t, "UnauthorizedClient", wrongCaller.errorKind(t))

	blank := env.submit(loc, "   ")
	require.Equal(t, http.StatusBadRequest, blank.status)
	require.Equal(t, "MetadataEmpty", blank.errorKind(t))

	poor := env.post("/v1/escrows", "poor", env.createParams("job-poor", 9_000_000_000, uint64(testStart+3600)))
	require.Equal(t, http.StatusPaymentRequired, poor.status)
	require.Equal(t, "InsufficientFunds", poor.errorKind(t))

	missing, _, err := escrow.FindCustodyLocation(env.client.Identity(), env.freelancer.Identity(), "nope")
	require.NoError(t, err)
	notFound := env.get("/v1/escrows/"+missing.String(), "")
	require.Equal(t, http.StatusNotFound, notFound.status)
	require.Equal(t, "NotFound", notFound.errorKind(t))

	params := rpc.SubmitParams{Location: missing.String(), Caller: env.freelancer.Identity().String(), MetadataRef: "x", IssuedAt: env.clock.Load()}
	require.NoError(t, params.Sign(env.freelancer))
	wrongPath := env.post("/v1/escrows/"+loc+"/submit", "mismatch", params)
	require.Equal(t, http.StatusBadRequest, wrongPath.status)
	require.Equal(t, "InvalidRequest", wrongPath.errorKind(t))
}

func TestGatewayNodeUnavailable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	client, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	freelancer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	clock := &atomic.Int64{}
	clock.Store(testStart)
	env := newGatewayEnvWithNode(t, NewRPCNodeClient(dead.URL, "", time.Second), clock, client, freelancer, false)

	list := env.get("/v1/escrows", "")
	require.Equal(t, http.StatusServiceUnavailable, list.status)
	require.Equal(t, "Unavailable", list.errorKind(t))

	params := env.createParams("job-down", 100, uint64(testStart+3600))
	first := env.post("/v1/escrows", "down", params)
	require.Equal(t, http.StatusServiceUnavailable, first.status)
	retry := env.post("/v1/escrows", "down", params)
	require.Equal(t, http.StatusServiceUnavailable, retry.status)
	require.False(t, retry.replayed, "unavailable outcomes must not be cached")
}

func TestGatewayReadsRequireScopeWhenEnabled(t *testing.T) {
	env := newGatewayEnv(t, true)
	require.Equal(t, http.StatusUnauthorized, env.get("/v1/escrows", "").status)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"scope": "escrow:read",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)

	resp := env.get("/v1/escrows?client="+env.client.Identity().String(), token)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	require.JSONEq(t, `{"escrows":[]}`, string(resp.body))
}

func TestGatewayHealth(t *testing.T) {
	env := newGatewayEnv(t, true)
	resp := env.get("/healthz", "")
	require.Equal(t, http.StatusOK, resp.status)
}

func TestTranslateNodeError(t *testing.T) {
	code, ok := rpc.CodeForKind("AlreadySubmitted")
	require.True(t, ok)
	err := translateNodeError(&jsonRPCErrorObj{Code: code, Message: "AlreadySubmitted"})
	var nodeErr *NodeError
	require.ErrorAs(t, err, &nodeErr)
	require.Equal(t, http.StatusConflict, nodeErr.Status)

	unavailable, _ := rpc.CodeForKind("Unavailable")
	require.ErrorIs(t, translateNodeError(&jsonRPCErrorObj{Code: unavailable}), ErrNodeUnavailable)

	err = translateNodeError(&jsonRPCErrorObj{Code: nodeCodeModulePaused, Message: "ModulePaused"})
	require.ErrorAs(t, err, &nodeErr)
	require.Equal(t, http.StatusLocked, nodeErr.Status)

	err = translateNodeError(&jsonRPCErrorObj{Code: -1, Message: "odd"})
	require.ErrorAs(t, err, &nodeErr)
	require.Equal(t, http.StatusBadGateway, nodeErr.Status)
}

func TestStoreSaveIdempotencyKeepsFirstWriter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	fp := requestFingerprint(http.MethodPost, "/v1/escrows", []byte("{}"))

	first, err := store.SaveIdempotency(ctx, "k", "key", fp, http.StatusCreated, []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, first.Status)

	second, err := store.SaveIdempotency(ctx, "k", "key", fp, http.StatusConflict, []byte(`{"b":2}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, second.Status)
	require.JSONEq(t, `{"a":1}`, string(second.Body))

	_, err = store.LookupIdempotency(ctx, "k", "key", requestFingerprint(http.MethodPost, "/v1/escrows", []byte("{ }")))
	require.ErrorIs(t, err, ErrIdempotencyMismatch)

	removed, err := store.PruneIdempotency(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
}

// racingNode fails the first approval with a lost commit race and then
// lets it through, like a node whose concurrent writer has committed.
type racingNode struct {
	NodeClient
	approvals atomic.Int32
}

func (n *racingNode) Approve(_ context.Context, params rpc.ReleaseParams) (*rpc.TransitionResult, error) {
	if n.approvals.Add(1) == 1 {
		return nil, &NodeError{Status: http.StatusConflict, Kind: escrow.ErrConflict.Kind, Message: escrow.ErrConflict.Message}
	}
	return &rpc.TransitionResult{Location: params.Location, State: escrow.StateReleased.String()}, nil
}

func TestGatewayRetriesConflictWithSameKey(t *testing.T) {
	client, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	freelancer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	clock := &atomic.Int64{}
	clock.Store(testStart)
	node := &racingNode{}
	env := newGatewayEnvWithNode(t, node, clock, client, freelancer, false)

	loc, _, err := escrow.FindCustodyLocation(client.Identity(), freelancer.Identity(), "job-race")
	require.NoError(t, err)

	first := env.release(rpc.MethodApprove, "approve", loc.String(), client)
	require.Equal(t, http.StatusConflict, first.status)
	require.Equal(t, "Conflict", first.errorKind(t))

	retry := env.release(rpc.MethodApprove, "approve", loc.String(), client)
	require.Equal(t, http.StatusOK, retry.status, string(retry.body))
	require.False(t, retry.replayed)
	require.Equal(t, int32(2), node.approvals.Load())

	again := env.release(rpc.MethodApprove, "approve", loc.String(), client)
	require.Equal(t, http.StatusOK, again.status)
	require.True(t, again.replayed, "successful outcome is cached")
	require.Equal(t, int32(2), node.approvals.Load())
}

func TestCacheableSkipsRetryableKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		err    error
		want   bool
	}{
		{"success", http.StatusOK, nil, true},
		{"state conflict", http.StatusConflict, &NodeError{Status: http.StatusConflict, Kind: "AlreadyReleased"}, true},
		{"commit race", http.StatusConflict, &NodeError{Status: http.StatusConflict, Kind: "Conflict"}, false},
		{"ledger outage", http.StatusConflict, &NodeError{Status: http.StatusConflict, Kind: "Unavailable"}, false},
		{"rate limited", http.StatusTooManyRequests, &NodeError{Status: http.StatusTooManyRequests, Kind: "RateLimited"}, false},
		{"paused", http.StatusLocked, &NodeError{Status: http.StatusLocked, Kind: "ModulePaused"}, false},
		{"node down", http.StatusServiceUnavailable, ErrNodeUnavailable, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, cacheable(tc.status, tc.err), tc.name)
	}
}

type traceRecorder struct {
	gormlogger.Interface
	mu   sync.Mutex
	errs []error
}

func (r *traceRecorder) LogMode(gormlogger.LogLevel) gormlogger.Interface { return r }

func (r *traceRecorder) Trace(_ context.Context, _ time.Time, _ func() (string, int64), err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func TestLookupIdempotencyMissIsQuiet(t *testing.T) {
	recorder := &traceRecorder{Interface: gormlogger.Discard}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: recorder})
	require.NoError(t, err)
	store, err := NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cached, err := store.LookupIdempotency(context.Background(), testAPIKey, "fresh-key", "hash")
	require.NoError(t, err)
	require.Nil(t, cached)
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Empty(t, recorder.errs)
}
