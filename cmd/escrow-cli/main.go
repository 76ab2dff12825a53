package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"workescrow/cmd/internal/passphrase"
)

const (
	defaultRPCURL = "http://127.0.0.1:8545"
	passphraseEnv = "ESCROW_KEY_PASSPHRASE"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Swapped in tests.
var (
	cliNow        = time.Now
	rpcCall       = callRPC
	keyPassphrase = func() (string, error) { return passphrase.NewSource(passphraseEnv, "signer").Get() }
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	cmd, rest := args[0], args[1:]
	handlers := map[string]func([]string, io.Writer, io.Writer) int{
		"keygen":       runKeygen,
		"identity":     runIdentity,
		"create":       runCreate,
		"submit":       runSubmit,
		"approve":      runApprove,
		"auto-release": runAutoRelease,
		"get":          runGet,
		"list":         runList,
		"custody":      runCustody,
		"balance":      runBalance,
	}
	handler, ok := handlers[cmd]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		fmt.Fprintln(stderr, usage())
		return 1
	}
	return handler(rest, stdout, stderr)
}

func usage() string {
	return strings.TrimSpace(`
Usage: escrow-cli <command> [flags]

Commands:
  keygen        create a new signer keystore
  identity      print the identity stored in a keystore
  create        open an agreement and lock the amount (client)
  submit        record the deliverable reference (freelancer)
  approve       release funds to the freelancer (client)
  auto-release  release funds after the deadline (anyone)
  get           show one agreement
  list          list agreements, optionally filtered by party
  custody       show the funds held for an agreement
  balance       show the spendable balance of an identity

Environment:
  ESCROW_RPC_URL         node endpoint (default ` + defaultRPCURL + `)
  ESCROW_RPC_TOKEN       bearer token for write calls
  ESCROW_KEY_PASSPHRASE  keystore passphrase (prompted when unset)`)
}

func rpcEndpoint() string {
	if url := strings.TrimSpace(os.Getenv("ESCROW_RPC_URL")); url != "" {
		return url
	}
	return defaultRPCURL
}

func callRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(os.Getenv("ESCROW_RPC_TOKEN")); requireAuth && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}
