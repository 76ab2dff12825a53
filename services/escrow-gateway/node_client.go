package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"workescrow/native/escrow"
	"workescrow/rpc"
)

// ErrNodeUnavailable covers transport failures, timeouts and unreadable
// responses from the node.
var ErrNodeUnavailable = errors.New("escrow node unavailable")

// NodeError is a failure reported by the node for a well-formed call.
type NodeError struct {
	Status  int
	Kind    string
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node error %s: %s", e.Kind, e.Message)
}

// NodeClient is the subset of the escrow JSON-RPC surface the gateway uses.
type NodeClient interface {
	Create(ctx context.Context, params rpc.CreateParams) (*rpc.CreateResult, error)
	Submit(ctx context.Context, params rpc.SubmitParams) (*rpc.TransitionResult, error)
	Approve(ctx context.Context, params rpc.ReleaseParams) (*rpc.TransitionResult, error)
	AutoRelease(ctx context.Context, params rpc.ReleaseParams) (*rpc.TransitionResult, error)
	Get(ctx context.Context, location string) (*rpc.EscrowJSON, error)
	List(ctx context.Context, filter rpc.ListParams) ([]rpc.EscrowJSON, error)
}

// RPCNodeClient implements NodeClient against the escrowd JSON-RPC server.
type RPCNodeClient struct {
	url       string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(url, authToken string, timeout time.Duration) *RPCNodeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCNodeClient{
		url:       url,
		authToken: authToken,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type jsonRPCResponse struct {
	Result json.RawMessage  `json:"result"`
	Error  *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCNodeClient) Create(ctx context.Context, params rpc.CreateParams) (*rpc.CreateResult, error) {
	var out rpc.CreateResult
	if err := c.call(ctx, rpc.MethodCreate, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCNodeClient) Submit(ctx context.Context, params rpc.SubmitParams) (*rpc.TransitionResult, error) {
	var out rpc.TransitionResult
	if err := c.call(ctx, rpc.MethodSubmit, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCNodeClient) Approve(ctx context.Context, params rpc.ReleaseParams) (*rpc.TransitionResult, error) {
	var out rpc.TransitionResult
	if err := c.call(ctx, rpc.MethodApprove, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCNodeClient) AutoRelease(ctx context.Context, params rpc.ReleaseParams) (*rpc.TransitionResult, error) {
	var out rpc.TransitionResult
	if err := c.call(ctx, rpc.MethodAutoRelease, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCNodeClient) Get(ctx context.Context, location string) (*rpc.EscrowJSON, error) {
	var out rpc.EscrowJSON
	if err := c.call(ctx, rpc.MethodGet, rpc.LocationParams{Location: location}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCNodeClient) List(ctx context.Context, filter rpc.ListParams) ([]rpc.EscrowJSON, error) {
	out := []rpc.EscrowJSON{}
	if err := c.call(ctx, rpc.MethodList, filter, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	payload, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  []interface{}{params},
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrNodeUnavailable, method, err)
	}
	var decoded jsonRPCResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("%w: %s returned status %d with undecodable body", ErrNodeUnavailable, method, resp.StatusCode)
	}
	if decoded.Error != nil {
		return translateNodeError(decoded.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrNodeUnavailable, method, resp.StatusCode)
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// The JSON-RPC codes the node uses outside the escrow kind table.
const (
	nodeCodeInvalidParams = -32602
	nodeCodeUnauthorized  = -32001
	nodeCodeRateLimited   = -32020
	nodeCodeModulePaused  = -32050
)

func translateNodeError(obj *jsonRPCErrorObj) error {
	var data rpc.ErrorData
	_ = json.Unmarshal(obj.Data, &data)
	detail := data.Detail
	if detail == "" {
		detail = strings.Trim(string(obj.Data), `"`)
	}
	if detail == "" {
		detail = obj.Message
	}
	if kind, ok := rpc.KindForCode(obj.Code); ok {
		if escErr, ok := escrow.ErrorByKind(kind); ok {
			if escErr.Category == escrow.CategoryAvailability {
				return fmt.Errorf("%w: %s", ErrNodeUnavailable, detail)
			}
			return &NodeError{Status: rpc.StatusForCategory(escErr.Category), Kind: kind, Message: escErr.Message}
		}
	}
	switch obj.Code {
	case nodeCodeInvalidParams:
		return &NodeError{Status: http.StatusBadRequest, Kind: "InvalidParams", Message: detail}
	case nodeCodeUnauthorized:
		kind := obj.Message
		if data.Kind != "" {
			kind = data.Kind
		}
		return &NodeError{Status: http.StatusUnauthorized, Kind: kind, Message: detail}
	case nodeCodeModulePaused:
		return &NodeError{Status: http.StatusLocked, Kind: "ModulePaused", Message: detail}
	case nodeCodeRateLimited:
		return &NodeError{Status: http.StatusTooManyRequests, Kind: "RateLimited", Message: detail}
	default:
		return &NodeError{Status: http.StatusBadGateway, Kind: "NodeError", Message: detail}
	}
}
