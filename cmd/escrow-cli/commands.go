package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"workescrow/crypto"
	"workescrow/rpc"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func loadSigner(path string) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("--keystore is required")
	}
	pass, err := keyPassphrase()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	path := fs.String("keystore", "", "path of the keystore file to create")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*path) == "" {
		fmt.Fprintln(stderr, "Error: --keystore is required")
		return 1
	}
	pass, err := keyPassphrase()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: generate key: %v\n", err)
		return 1
	}
	if err := crypto.SaveToKeystore(*path, key, pass); err != nil {
		fmt.Fprintf(stderr, "Error: save keystore: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, key.Identity().String())
	return 0
}

func runIdentity(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("identity", stderr)
	path := fs.String("keystore", "", "keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := loadSigner(*path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, key.Identity().String())
	return 0
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	path := fs.String("keystore", "", "client keystore file")
	freelancer := fs.String("freelancer", "", "freelancer identity (wk1...)")
	id := fs.String("id", "", "agreement identifier")
	amount := fs.String("amount", "", "amount to lock in base units")
	deadline := fs.String("deadline", "", "deadline as +duration (e.g. +72h, +7d), RFC3339 or unix seconds")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*freelancer) == "" || strings.TrimSpace(*id) == "" || strings.TrimSpace(*amount) == "" || strings.TrimSpace(*deadline) == "" {
		fmt.Fprintln(stderr, "Error: --freelancer, --id, --amount and --deadline are required")
		return 1
	}
	now := cliNow()
	due, err := parseDeadline(*deadline, now)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	key, err := loadSigner(*path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	params := rpc.CreateParams{
		Client:      key.Identity().String(),
		Freelancer:  strings.TrimSpace(*freelancer),
		AgreementID: strings.TrimSpace(*id),
		Amount:      strings.TrimSpace(*amount),
		Deadline:    due,
		IssuedAt:    now.Unix(),
	}
	if err := params.Sign(key); err != nil {
		fmt.Fprintf(stderr, "Error: sign: %v\n", err)
		return 1
	}
	return callAndPrint(rpc.MethodCreate, params, true, stdout, stderr)
}

func runSubmit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("submit", stderr)
	path := fs.String("keystore", "", "freelancer keystore file")
	location := fs.String("location", "", "custody location (wkesc1...)")
	ref := fs.String("ref", "", "deliverable reference, e.g. an ipfs:// URI")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*location) == "" {
		fmt.Fprintln(stderr, "Error: --location is required")
		return 1
	}
	key, err := loadSigner(*path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	params := rpc.SubmitParams{
		Location:    strings.TrimSpace(*location),
		Caller:      key.Identity().String(),
		MetadataRef: *ref,
		IssuedAt:    cliNow().Unix(),
	}
	if err := params.Sign(key); err != nil {
		fmt.Fprintf(stderr, "Error: sign: %v\n", err)
		return 1
	}
	return callAndPrint(rpc.MethodSubmit, params, true, stdout, stderr)
}

func runApprove(args []string, stdout, stderr io.Writer) int {
	return runRelease("approve", rpc.MethodApprove, args, stdout, stderr)
}

func runAutoRelease(args []string, stdout, stderr io.Writer) int {
	return runRelease("auto-release", rpc.MethodAutoRelease, args, stdout, stderr)
}

func runRelease(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	path := fs.String("keystore", "", "caller keystore file")
	location := fs.String("location", "", "custody location (wkesc1...)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*location) == "" {
		fmt.Fprintln(stderr, "Error: --location is required")
		return 1
	}
	key, err := loadSigner(*path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	params := rpc.ReleaseParams{
		Location: strings.TrimSpace(*location),
		Caller:   key.Identity().String(),
		IssuedAt: cliNow().Unix(),
	}
	if err := params.Sign(method, key); err != nil {
		fmt.Fprintf(stderr, "Error: sign: %v\n", err)
		return 1
	}
	return callAndPrint(method, params, true, stdout, stderr)
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	location := fs.String("location", "", "custody location (wkesc1...)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*location) == "" {
		fmt.Fprintln(stderr, "Error: --location is required")
		return 1
	}
	return callAndPrint(rpc.MethodGet, rpc.LocationParams{Location: strings.TrimSpace(*location)}, false, stdout, stderr)
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	client := fs.String("client", "", "only agreements opened by this client")
	freelancer := fs.String("freelancer", "", "only agreements owed to this freelancer")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	params := rpc.ListParams{Client: strings.TrimSpace(*client), Freelancer: strings.TrimSpace(*freelancer)}
	return callAndPrint(rpc.MethodList, params, false, stdout, stderr)
}

func runCustody(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("custody", stderr)
	location := fs.String("location", "", "custody location (wkesc1...)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*location) == "" {
		fmt.Fprintln(stderr, "Error: --location is required")
		return 1
	}
	return callAndPrint(rpc.MethodCustody, rpc.LocationParams{Location: strings.TrimSpace(*location)}, false, stdout, stderr)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	identity := fs.String("identity", "", "identity to inspect (wk1...)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*identity) == "" {
		fmt.Fprintln(stderr, "Error: --identity is required")
		return 1
	}
	return callAndPrint(rpc.MethodBalance, rpc.BalanceParams{Identity: strings.TrimSpace(*identity)}, false, stdout, stderr)
}

func callAndPrint(method string, params interface{}, requireAuth bool, stdout, stderr io.Writer) int {
	result, rpcErr, err := rpcCall(method, params, requireAuth)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		printRPCError(stderr, rpcErr)
		return 1
	}
	return printJSON(stdout, stderr, result)
}

func printRPCError(w io.Writer, rpcErr *rpcError) {
	var data rpc.ErrorData
	if len(rpcErr.Data) > 0 && json.Unmarshal(rpcErr.Data, &data) == nil && data.Kind != "" {
		fmt.Fprintf(w, "Error: %s (%s): %s\n", data.Kind, data.Category, rpcErr.Message)
		return
	}
	fmt.Fprintf(w, "Error: %s (code %d)\n", rpcErr.Message, rpcErr.Code)
}

func printJSON(stdout, stderr io.Writer, raw json.RawMessage) int {
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		fmt.Fprintf(stderr, "Error: decode result: %v\n", err)
		return 1
	}
	pretty, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error: encode result: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(pretty))
	return 0
}

// parseDeadline accepts "+72h" or "+7d" relative to now, an RFC3339
// timestamp, or unix seconds.
func parseDeadline(raw string, now time.Time) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errors.New("deadline required")
	}
	if strings.HasPrefix(trimmed, "+") {
		d, err := parseRelative(trimmed[1:])
		if err != nil {
			return 0, fmt.Errorf("invalid deadline %q: %w", raw, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("invalid deadline %q: must be in the future", raw)
		}
		return uint64(now.Add(d).Unix()), nil
	}
	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		if ts.Unix() <= 0 {
			return 0, fmt.Errorf("invalid deadline %q", raw)
		}
		return uint64(ts.Unix()), nil
	}
	secs, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline %q: use +duration, RFC3339 or unix seconds", raw)
	}
	return secs, nil
}

func parseRelative(value string) (time.Duration, error) {
	if strings.HasSuffix(value, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(value, "d"), 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	return time.ParseDuration(value)
}
